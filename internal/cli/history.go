package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"roomwatch/internal/app"
	"roomwatch/internal/history"
)

var (
	historyLocation string
	historyRange    string
	historyLimit    int
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Print a historical range from a location",
	RunE: func(cmd *cobra.Command, args []string) error {
		rng, err := history.ParseRange(historyRange)
		if err != nil {
			return err
		}
		if historyLimit < 0 {
			return fmt.Errorf("--limit cannot be negative")
		}

		opts := app.HistoryOptions{
			LocationID: historyLocation,
			Range:      rng,
			Limit:      historyLimit,
		}
		return getApp().History(cmd.Context(), cmd.OutOrStdout(), opts)
	},
}

func init() {
	historyCmd.Flags().StringVar(&historyLocation, "location", "", "Location ID (defaults to the active location)")
	historyCmd.Flags().StringVar(&historyRange, "range", string(history.Range24h), "Range to fetch: 1h, 12h, 24h, 7d or 30d")
	historyCmd.Flags().IntVar(&historyLimit, "limit", 0, "Only print the most recent N samples")
}
