package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/fr13n8/connmux/config"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	configPath  string
	logLevel    string
	logFile     string
	metricsAddr string
	framing     string
)

var (
	defaultLogFile    = "/var/log/connmux/connmux.log"
	defaultConfigFile = filepath.Join(config.ConnmuxPath, "connmux.toml")
	defaultStatsAddr  = "unix:///var/run/connmux-metrics.sock"
	dirPermMode       = os.FileMode(0744) // rwxr--r--
	filePermMode      = os.FileMode(0644) // rw-r--r--
)

func createFileWriter(fullPath string) (io.Writer, error) {
	_, err := os.Stat(fullPath)
	if err != nil {
		if err := createDirFile(fullPath); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}

		return os.OpenFile(fullPath, os.O_CREATE|os.O_WRONLY, filePermMode)
	}

	return os.OpenFile(fullPath, os.O_APPEND|os.O_WRONLY, filePermMode)
}

func createDirFile(fullPath string) error {
	dir := filepath.Dir(fullPath)
	_, err := os.Stat(dir)
	if err != nil {
		err = os.MkdirAll(dir, dirPermMode)
		if err != nil {
			return fmt.Errorf("failed to create directory: %w", err)
		}
	}

	return nil
}

func initLogger(logFile string) error {
	if logFile != "console" {
		logFileWriter, err := createFileWriter(logFile)
		if err != nil {
			return fmt.Errorf("failed to create log file writer: %w", err)
		}

		log.Logger = log.Output(zerolog.ConsoleWriter{
			Out:        logFileWriter,
			TimeFormat: time.DateTime,
		})
		return nil
	}

	log.Logger = log.Output(zerolog.ConsoleWriter{
		Out: os.Stderr,
		FormatTimestamp: func(i interface{}) string {
			return ""
		},
	})
	return nil
}

func setLogLevel(level string) error {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}
	zerolog.SetGlobalLevel(lvl)
	return nil
}

// loadOptions reads --config and applies the framing flag on top.
func loadOptions() (config.Options, error) {
	opts, err := config.Load(configPath)
	if err != nil {
		return opts, err
	}
	if framing != "" {
		opts.Framing.Kind = config.FrameKind(framing)
	}
	return opts, opts.Validate()
}
