package app

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitAddr(t *testing.T) {
	tests := []struct {
		addr    string
		network string
		address string
	}{
		{addr: "unix:///tmp/connmux.sock", network: "unix", address: "/tmp/connmux.sock"},
		{addr: "tcp://127.0.0.1:9090", network: "tcp", address: "127.0.0.1:9090"},
		{addr: "127.0.0.1:9090", network: "tcp", address: "127.0.0.1:9090"},
	}

	for _, tt := range tests {
		t.Run(tt.addr, func(t *testing.T) {
			network, address := SplitAddr(tt.addr)
			assert.Equal(t, tt.network, network)
			assert.Equal(t, tt.address, address)
		})
	}
}

func TestMetricsServerAndStatsClient(t *testing.T) {
	reg := prometheus.NewRegistry()
	counter := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "connmux_test_events_total",
		Help: "Events seen by the test.",
	}, []string{"kind"})
	gauge := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "connmux_test_open",
		Help: "Open things.",
	})
	reg.MustRegister(counter, gauge)
	counter.WithLabelValues("a").Add(2)
	counter.WithLabelValues("b").Inc()
	gauge.Set(7)

	tests := []struct {
		name string
		addr func(t *testing.T) string
	}{
		{name: "tcp", addr: func(*testing.T) string { return "127.0.0.1:0" }},
		{name: "unix", addr: func(t *testing.T) string {
			return "unix://" + filepath.Join(t.TempDir(), "metrics.sock")
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			addr := tt.addr(t)
			srv, err := NewMetricsServer(addr, reg)
			require.NoError(t, err)

			ctx, cancel := context.WithCancel(context.Background())
			done := make(chan error, 1)
			go func() { done <- srv.Run(ctx) }()
			defer func() {
				cancel()
				assert.NoError(t, <-done)
			}()

			network, _ := SplitAddr(addr)
			target := srv.Addr().String()
			if network == "unix" {
				target = "unix://" + target
			}
			client := NewStatsClient(target)

			fctx, fcancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer fcancel()
			families, err := client.Fetch(fctx)
			require.NoError(t, err)

			assert.Equal(t, []Sample{
				{Name: "connmux_test_events_total", Labels: "kind=a", Value: 2},
				{Name: "connmux_test_events_total", Labels: "kind=b", Value: 1},
				{Name: "connmux_test_open", Labels: "", Value: 7},
			}, Samples(families, "connmux_test_"))
			assert.Empty(t, Samples(families, "nothing_"))
		})
	}
}

func TestStatsClientUnreachable(t *testing.T) {
	client := NewStatsClient("unix://" + filepath.Join(t.TempDir(), "missing.sock"))

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, err := client.Fetch(ctx)
	assert.Error(t, err)
}
