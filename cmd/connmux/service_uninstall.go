package main

import (
	"github.com/kardianos/service"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	serviceUninstallCmd = &cobra.Command{
		Use:   "uninstall",
		Short: "Uninstall service",
		Run: func(cmd *cobra.Command, args []string) {
			log.Info().Msg("uninstalling service")

			s, err := cmdSVC(cmd)
			if err != nil {
				log.Error().Err(err).Msg("failed to create service")
				return
			}

			if status, err := s.Status(); err == nil && status == service.StatusRunning {
				if err := s.Stop(); err != nil {
					log.Error().Err(err).Msg("failed to stop service")
					return
				}
			}

			if err := s.Uninstall(); err != nil {
				log.Error().Err(err).Msg("failed to uninstall service")
				return
			}

			log.Info().Msg("service successfully uninstalled")
		},
	}
)
