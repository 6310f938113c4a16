package main

import (
	"fmt"
	"time"

	"github.com/fr13n8/connmux/app"
	"github.com/fr13n8/connmux/endpoint"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	udpCmd = &cobra.Command{
		Use:   "udp",
		Short: "Datagram commands",
	}

	udpEchoCmd = &cobra.Command{
		Use:   "echo",
		Short: "Send every datagram back to its sender",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := loadOptions()
			if err != nil {
				return err
			}
			if bind, _ := cmd.Flags().GetString("bind"); bind != "" {
				opts.Datagram.Bind = bind
			}
			if opts.Datagram.Bind == "" {
				return fmt.Errorf("bind address is required")
			}

			e, err := app.NewUDPEcho(opts.Datagram.Network, opts.Datagram.Bind, endpoint.NewMetrics(prometheus.NewRegistry()))
			if err != nil {
				return err
			}
			if err := e.Run(cmd.Context()); err != nil {
				return err
			}

			log.Info().Uint64("echoed", e.Echoed()).Msg("udp echo stopped")
			return nil
		},
	}

	udpPingCmd = &cobra.Command{
		Use:   "ping",
		Short: "Measure datagram round trips to an echo peer",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := loadOptions()
			if err != nil {
				return err
			}

			flags := cmd.Flags()
			if peer, _ := flags.GetString("peer"); peer != "" {
				opts.Datagram.Peer = peer
			}
			if opts.Datagram.Peer == "" {
				return fmt.Errorf("peer address is required")
			}
			count, _ := flags.GetInt("count")
			interval, _ := flags.GetDuration("interval")
			linger, _ := flags.GetDuration("linger")
			size, _ := flags.GetInt("size")

			p, err := app.NewPinger(opts.Datagram.Network, opts.Datagram.Peer, endpoint.NewMetrics(prometheus.NewRegistry()))
			if err != nil {
				return err
			}
			defer p.Close()

			stats, err := p.Ping(cmd.Context(), count, interval, linger, make([]byte, size))
			for i, rtt := range stats.RTTs {
				log.Info().Int("reply", i+1).Dur("rtt", rtt).Msg("pong")
			}
			log.Info().
				Int("sent", stats.Sent).
				Int("received", stats.Received).
				Msgf("%.1f%% loss", stats.Loss()*100)
			return err
		},
	}
)

func init() {
	udpEchoCmd.Flags().String("bind", "", "bind address, overrides datagram.bind")

	udpPingCmd.Flags().String("peer", "", "peer address, overrides datagram.peer")
	udpPingCmd.Flags().Int("count", 4, "number of probes")
	udpPingCmd.Flags().Duration("interval", time.Second, "time between probes")
	udpPingCmd.Flags().Duration("linger", 2*time.Second, "time to wait for replies after the last probe")
	udpPingCmd.Flags().Int("size", 32, "probe payload size in bytes")

	udpCmd.AddCommand(udpEchoCmd, udpPingCmd)
}
