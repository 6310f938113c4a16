package main

import (
	"context"
	"crypto/sha256"
	"crypto/tls"
	"fmt"

	"github.com/fr13n8/connmux/app"
	"github.com/fr13n8/connmux/config"
	"github.com/fr13n8/connmux/endpoint"
	"github.com/fr13n8/connmux/utils/certs"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var (
	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run an echo server",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := loadOptions()
			if err != nil {
				return err
			}
			if err := applyServeFlags(cmd, &opts); err != nil {
				return err
			}
			return runEcho(cmd.Context(), opts)
		},
	}
)

func init() {
	serveCmd.Flags().String("addr", "", "listen address, overrides listener.address")
	serveCmd.Flags().String("network", "", "listen network (tcp, tcp4, tcp6, unix)")
	serveCmd.Flags().Bool("tls", false, "enable TLS on accepted streams")
	serveCmd.Flags().String("cert-file", "", "TLS certificate file path, a self-signed certificate is used when empty")
	serveCmd.Flags().String("key-file", "", "TLS private key file path")
	serveCmd.Flags().Int("workers", 0, "worker pool size, 0 handles frames on the loop")
	serveCmd.Flags().Float64("accept-rate", 0, "accepted connections per second, 0 disables the limit")
	serveCmd.Flags().StringVar(&framing, "framing", "", "frame format (none, length, varint)")
	serveCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "metrics listen address (e.g., unix:///var/run/connmux-metrics.sock)")
}

func applyServeFlags(cmd *cobra.Command, opts *config.Options) error {
	flags := cmd.Flags()
	if flags.Changed("addr") {
		opts.Listener.Address, _ = flags.GetString("addr")
	}
	if flags.Changed("network") {
		opts.Listener.Network, _ = flags.GetString("network")
	}
	if flags.Changed("tls") {
		opts.TLS.Enabled, _ = flags.GetBool("tls")
	}
	if flags.Changed("cert-file") {
		opts.TLS.CertFile, _ = flags.GetString("cert-file")
	}
	if flags.Changed("key-file") {
		opts.TLS.KeyFile, _ = flags.GetString("key-file")
	}
	if flags.Changed("workers") {
		opts.Workers, _ = flags.GetInt("workers")
	}
	if flags.Changed("accept-rate") {
		opts.Listener.AcceptRate, _ = flags.GetFloat64("accept-rate")
	}
	if metricsAddr != "" {
		opts.Metrics.Address = metricsAddr
	}
	return nil
}

// newRegistry returns a prometheus registry carrying the endpoint metrics
// and the runtime collectors.
func newRegistry() (*prometheus.Registry, *endpoint.Metrics) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg, endpoint.NewMetrics(reg)
}

func runEcho(ctx context.Context, opts config.Options) error {
	reg, metrics := newRegistry()

	var tlsConf *tls.Config
	if opts.TLS.Enabled {
		conf, err := certs.ServerTLSConfig(opts.TLS)
		if err != nil {
			return fmt.Errorf("failed to build TLS config: %w", err)
		}
		hash := sha256.Sum256(conf.Certificates[0].Certificate[0])
		log.Info().Msgf("TLS enabled with cert hash: %X", hash[:])
		tlsConf = conf
	}

	s, err := app.NewEchoServer(app.EchoOptions{
		Config:  opts,
		TLS:     tlsConf,
		Metrics: metrics,
	})
	if err != nil {
		return fmt.Errorf("failed to start echo server: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)
	if opts.Metrics.Address != "" {
		ms, err := app.NewMetricsServer(opts.Metrics.Address, reg)
		if err != nil {
			_ = s.Shutdown()
			return err
		}
		g.Go(func() error {
			return ms.Run(ctx)
		})
	}
	g.Go(func() error {
		defer cancel()
		return s.Run(ctx)
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("echo server stopped with error")
		return err
	}
	log.Info().Msg("echo server stopped gracefully")
	return nil
}
