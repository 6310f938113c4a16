package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/fr13n8/connmux/app"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	re          = lipgloss.NewRenderer(os.Stdout)
	HeaderStyle = re.NewStyle().Bold(true).Align(lipgloss.Center)
	CellStyle   = re.NewStyle().Padding(0, 1)
	RowStyle    = CellStyle
	BorderStyle = lipgloss.NewStyle()
)

var (
	statsCmd = &cobra.Command{
		Use:   "stats",
		Short: "Show metrics of a running server",
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, _ := cmd.Flags().GetString("metrics-addr")
			prefix, _ := cmd.Flags().GetString("prefix")

			families, err := app.NewStatsClient(addr).Fetch(cmd.Context())
			if err != nil {
				log.Error().Err(err).Msg("failed to get metrics")
				return err
			}

			t := table.New().
				Border(lipgloss.NormalBorder()).
				BorderStyle(BorderStyle).
				StyleFunc(func(row, col int) lipgloss.Style {
					if row == 0 {
						return HeaderStyle
					}

					return RowStyle
				}).
				Headers("Metric", "Labels", "Value")

			for _, s := range app.Samples(families, prefix) {
				t.Row(s.Name, s.Labels, strconv.FormatFloat(s.Value, 'f', -1, 64))
			}

			fmt.Println(t)
			return nil
		},
	}
)

func init() {
	statsCmd.Flags().String("metrics-addr", defaultStatsAddr, "metrics server address (e.g., unix:///var/run/connmux-metrics.sock)")
	statsCmd.Flags().String("prefix", "connmux_", "only show metrics with this prefix")
}
