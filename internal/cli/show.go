package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	showLimit int
)

var showCmd = &cobra.Command{
	Use:   "alerts",
	Short: "Display recent audited alerts",
	RunE: func(cmd *cobra.Command, args []string) error {
		if showLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}

		return getApp().ShowAlerts(cmd.Context(), cmd.OutOrStdout(), showLimit)
	},
}

func init() {
	showCmd.Flags().IntVar(&showLimit, "limit", 20, "Number of alerts to display")
}
