package main

import (
	"context"
	"path/filepath"
	"runtime"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	serviceInstallCmd = &cobra.Command{
		Use:   "install",
		Short: "Install service",
		Run: func(cmd *cobra.Command, args []string) {
			log.Info().Msg("installing service")
			svcConfig := newSVCConfig()

			svcConfig.Arguments = []string{
				"service",
				"run",
				"--log-level",
				logLevel,
			}
			if configPath != "" {
				configFile, err := filepath.Abs(configPath)
				if err != nil {
					log.Error().Err(err).Msg("failed to resolve config path")
					return
				}
				svcConfig.Arguments = append(svcConfig.Arguments, "--config", configFile)
			}

			installLogFile := logFile
			if installLogFile == "console" {
				installLogFile = defaultLogFile
			}
			svcConfig.Arguments = append(svcConfig.Arguments, "--log-file", installLogFile)
			if err := createDirFile(installLogFile); err != nil {
				svcConfig.Option["LogOutput"] = true
				svcConfig.Option["LogDirectory"] = filepath.Dir(installLogFile)
			}

			if runtime.GOOS == "linux" {
				// Respected only by systemd systems
				svcConfig.Dependencies = []string{"After=network.target syslog.target"}
			}

			ctx, cancel := context.WithCancel(cmd.Context())
			s, err := newSVC(newProgram(ctx, cancel), svcConfig)
			if err != nil {
				log.Error().Err(err).Msg("failed to create service service")
				return
			}

			if err := s.Install(); err != nil {
				log.Error().Err(err).Msg("failed to install service")
				return
			}

			log.Info().Msg("service successfully installed")
		},
	}
)
