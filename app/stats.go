package app

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/peterbourgon/unixtransport"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
)

// Sample is one flattened metric value.
type Sample struct {
	Name   string
	Labels string
	Value  float64
}

// StatsClient scrapes a MetricsServer.
type StatsClient struct {
	client *http.Client
	url    string
}

func NewStatsClient(addr string) *StatsClient {
	roundTripper := &http.Transport{}

	network, address := SplitAddr(addr)
	url := "http://" + address + "/metrics"
	if network == "unix" {
		unixtransport.Register(roundTripper)
		url = "http+unix://" + address + ":/metrics"
	}

	return &StatsClient{
		client: &http.Client{
			Transport: roundTripper,
			Timeout:   time.Second * 5,
		},
		url: url,
	}
}

// Fetch returns the metric families exposed by the server.
func (c *StatsClient) Fetch(ctx context.Context) (map[string]*dto.MetricFamily, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to request metrics: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to request metrics: %s", resp.Status)
	}

	var parser expfmt.TextParser
	families, err := parser.TextToMetricFamilies(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to parse metrics: %w", err)
	}
	return families, nil
}

// Samples flattens the counters and gauges whose names start with prefix,
// sorted by name and labels.
func Samples(families map[string]*dto.MetricFamily, prefix string) []Sample {
	var out []Sample
	for name, mf := range families {
		if !strings.HasPrefix(name, prefix) {
			continue
		}
		for _, m := range mf.GetMetric() {
			var value float64
			switch mf.GetType() {
			case dto.MetricType_COUNTER:
				value = m.GetCounter().GetValue()
			case dto.MetricType_GAUGE:
				value = m.GetGauge().GetValue()
			case dto.MetricType_UNTYPED:
				value = m.GetUntyped().GetValue()
			default:
				continue
			}

			labels := make([]string, 0, len(m.GetLabel()))
			for _, lp := range m.GetLabel() {
				labels = append(labels, lp.GetName()+"="+lp.GetValue())
			}
			out = append(out, Sample{
				Name:   name,
				Labels: strings.Join(labels, ","),
				Value:  value,
			})
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].Labels < out[j].Labels
	})
	return out
}
