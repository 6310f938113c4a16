package main

import (
	"crypto/tls"
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	"github.com/fr13n8/connmux/app"
	"github.com/fr13n8/connmux/endpoint"
	"github.com/fr13n8/connmux/utils/certs"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	dialCmd = &cobra.Command{
		Use:   "dial",
		Short: "Connect to a server and relay stdin lines to it",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := loadOptions()
			if err != nil {
				return err
			}

			flags := cmd.Flags()
			if flags.Changed("addr") {
				opts.Connector.Address, _ = flags.GetString("addr")
			}
			if flags.Changed("network") {
				opts.Connector.Network, _ = flags.GetString("network")
			}
			if flags.Changed("tls") {
				opts.TLS.Enabled, _ = flags.GetBool("tls")
			}
			if flags.Changed("insecure") {
				opts.TLS.InsecureSkipVerify, _ = flags.GetBool("insecure")
			}
			if flags.Changed("server-name") {
				opts.TLS.ServerName, _ = flags.GetString("server-name")
			}
			if flags.Changed("max-attempts") {
				opts.Connector.MaxAttempts, _ = flags.GetInt("max-attempts")
			}

			var tlsConf *tls.Config
			if opts.TLS.Enabled {
				tlsConf, err = certs.ClientTLSConfig(opts.TLS)
				if err != nil {
					return fmt.Errorf("failed to build TLS config: %w", err)
				}
				if fp, _ := flags.GetString("fingerprint"); fp != "" {
					raw, err := hex.DecodeString(strings.ReplaceAll(fp, ":", ""))
					if err != nil {
						return fmt.Errorf("invalid fingerprint: %w", err)
					}
					certs.PinCertificate(tlsConf, raw)
				}
			}

			d, err := app.NewDialer(app.DialerOptions{
				Config:  opts,
				TLS:     tlsConf,
				Metrics: endpoint.NewMetrics(prometheus.NewRegistry()),
			})
			if err != nil {
				return err
			}
			defer d.Close()

			log.Debug().Str("addr", opts.Connector.Address).Msg("dialing")
			if err := d.Pipe(cmd.Context(), os.Stdin, os.Stdout); err != nil {
				log.Error().Err(err).Msg("dial failed")
				return err
			}
			return nil
		},
	}
)

func init() {
	dialCmd.Flags().String("addr", "", "server address, overrides connector.address")
	dialCmd.Flags().String("network", "", "server network (tcp, tcp4, tcp6, unix)")
	dialCmd.Flags().Bool("tls", false, "use TLS")
	dialCmd.Flags().Bool("insecure", false, "skip server certificate verification")
	dialCmd.Flags().String("server-name", "", "TLS server name")
	dialCmd.Flags().String("fingerprint", "", "accept only the server certificate with this SHA-256 hash (hex)")
	dialCmd.Flags().Int("max-attempts", 0, "connect attempts, overrides connector.max_attempts")
	dialCmd.Flags().StringVar(&framing, "framing", "", "frame format (none, length, varint)")
}
