package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
	"golang.org/x/sync/errgroup"
)

// SplitAddr splits "unix:///path" or "tcp://host:port" into network and
// address. A bare address is taken as tcp.
func SplitAddr(addr string) (network, address string) {
	if network, address, ok := strings.Cut(addr, "://"); ok {
		return network, address
	}
	return "tcp", addr
}

// MetricsServer exposes a prometheus gatherer over http on a tcp or unix
// socket.
type MetricsServer struct {
	srv      *http.Server
	listener net.Listener
}

func NewMetricsServer(addr string, g prometheus.Gatherer) (*MetricsServer, error) {
	network, address := SplitAddr(addr)
	if network == "unix" {
		// cleanup failed close
		if stat, err := os.Stat(address); err == nil && !stat.IsDir() {
			if err := os.Remove(address); err != nil {
				log.Warn().Err(err).Msg("failed to remove existing socket file")
			}
		}
	}

	listener, err := net.Listen(network, address)
	if err != nil {
		return nil, fmt.Errorf("could not listen on %s: %w", addr, err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	return &MetricsServer{
		srv: &http.Server{
			Handler: h2c.NewHandler(mux, &http2.Server{}),
		},
		listener: listener,
	}, nil
}

func (s *MetricsServer) Addr() net.Addr {
	return s.listener.Addr()
}

// Run serves until ctx is done.
func (s *MetricsServer) Run(ctx context.Context) error {
	g := &errgroup.Group{}

	g.Go(func() error {
		<-ctx.Done()
		log.Info().Msg("shutting down metrics server")
		return s.Shutdown()
	})

	g.Go(func() error {
		log.Info().Str("addr", s.listener.Addr().String()).Msg("metrics server started")
		if err := s.srv.Serve(s.listener); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("failed to serve metrics: %w", err)
		}
		return nil
	})

	return g.Wait()
}

func (s *MetricsServer) Shutdown() error {
	if err := s.srv.Close(); err != nil {
		return fmt.Errorf("failed to close metrics server: %w", err)
	}
	return nil
}
