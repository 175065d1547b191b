package cli

import (
	"errors"

	"github.com/spf13/cobra"
)

var usageResetConfirm bool

var usageCmd = &cobra.Command{
	Use:   "usage",
	Short: "Inspect or reset the appliance usage ledger",
}

var usageShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print on-time and energy cost per device",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().UsageShow(cmd.Context(), cmd.OutOrStdout())
	},
}

var usageResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Reset every device's on-time to zero",
	RunE: func(cmd *cobra.Command, args []string) error {
		if !usageResetConfirm {
			return errors.New("refusing to reset usage without --yes")
		}
		return getApp().UsageReset(cmd.Context())
	},
}

func init() {
	usageResetCmd.Flags().BoolVar(&usageResetConfirm, "yes", false, "Confirm the reset")

	usageCmd.AddCommand(usageShowCmd)
	usageCmd.AddCommand(usageResetCmd)
}
