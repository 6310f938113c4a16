package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/fr13n8/connmux/config"
	"github.com/kardianos/service"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	serviceName = "connmux"
	serviceCmd  = &cobra.Command{
		Use:   "service",
		Short: "Service commands",
	}
)

func init() {
	serviceCmd.AddCommand(
		serviceStartCmd,
		serviceInstallCmd,
		serviceUninstallCmd,
		serviceRunCmd,
		serviceStopCmd,
		serviceRestartCmd,
		serviceStatusCmd,
	)
}

func newSVCConfig() *service.Config {
	return &service.Config{
		Name:        serviceName,
		DisplayName: "Connmux",
		Description: "Event-driven echo server with stream, TLS and metrics endpoints",
		Option:      make(service.KeyValue),
	}
}

func newSVC(prg *program, conf *service.Config) (service.Service, error) {
	s, err := service.New(prg, conf)
	if err != nil {
		return nil, fmt.Errorf("failed to create service: %w", err)
	}
	return s, nil
}

type program struct {
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func newProgram(ctx context.Context, cancel context.CancelFunc) *program {
	return &program{ctx: ctx, cancel: cancel, done: make(chan struct{})}
}

// serviceOptions loads --config, falling back to the system config file
// when it exists.
func serviceOptions() (config.Options, error) {
	path := configPath
	if path == "" {
		if _, err := os.Stat(defaultConfigFile); err == nil {
			path = defaultConfigFile
		}
	}
	opts, err := config.Load(path)
	if err != nil {
		return opts, err
	}
	if opts.Metrics.Address == "" {
		opts.Metrics.Address = defaultStatsAddr
	}
	return opts, nil
}

func (p *program) Start(svc service.Service) error {
	log.Info().Msg("starting connmux service")

	opts, err := serviceOptions()
	if err != nil {
		log.Error().Err(err).Msg("failed to load service config")
		return err
	}

	go func() {
		defer close(p.done)

		log.Info().Msgf("starting echo server at %s ...", opts.Listener.Address)
		if err := runEcho(p.ctx, opts); err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Msg("failed to run service")
			return
		}

		log.Info().Msg("service stopped gracefully")
	}()

	return nil
}

func (p *program) Stop(srv service.Service) error {
	p.cancel()

	select {
	case <-p.done:
	case <-time.After(config.ShutdownTimeout):
		log.Warn().Msg("service did not stop in time")
	}
	log.Info().Msg("service stopped")
	return nil
}
