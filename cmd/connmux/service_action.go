package main

import (
	"context"

	"github.com/kardianos/service"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	serviceStartCmd = newServiceActionCmd("start", "Start service", "started", service.Service.Start)
	serviceStopCmd  = newServiceActionCmd("stop", "Stop service", "stopped", service.Service.Stop)

	serviceRestartCmd = newServiceActionCmd("restart", "Restart service", "restarted", service.Service.Restart)

	serviceRunCmd = &cobra.Command{
		Use:   "run",
		Short: "Run service in foreground mode",
		Run: func(cmd *cobra.Command, args []string) {
			s, err := cmdSVC(cmd)
			if err != nil {
				log.Error().Err(err).Msg("failed to create service")
				return
			}

			if err := s.Run(); err != nil {
				log.Error().Err(err).Msg("failed to run service")
				return
			}
		},
	}

	serviceStatusCmd = &cobra.Command{
		Use:   "status",
		Short: "Service status",
		Run: func(cmd *cobra.Command, args []string) {
			s, err := cmdSVC(cmd)
			if err != nil {
				log.Error().Err(err).Msg("failed to create service")
				return
			}

			status, err := s.Status()
			if err != nil {
				log.Error().Err(err).Msg("failed to get service status")
				return
			}

			switch status {
			case service.StatusRunning:
				log.Info().Msg("service is running")
			case service.StatusStopped:
				log.Info().Msg("service is stopped")
			default:
				log.Error().Msg("service is in unknown state")
			}
		},
	}
)

func cmdSVC(cmd *cobra.Command) (service.Service, error) {
	ctx, cancel := context.WithCancel(cmd.Context())
	return newSVC(newProgram(ctx, cancel), newSVCConfig())
}

// newServiceActionCmd builds a subcommand that applies action to the
// installed service.
func newServiceActionCmd(use, short, done string, action func(service.Service) error) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Run: func(cmd *cobra.Command, args []string) {
			s, err := cmdSVC(cmd)
			if err != nil {
				log.Error().Err(err).Msg("failed to create service")
				return
			}

			if err := action(s); err != nil {
				log.Error().Err(err).Msgf("failed to %s service", use)
				return
			}

			log.Info().Msgf("service %s", done)
		},
	}
}
