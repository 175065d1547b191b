package cli

import (
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the monitoring service",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Run(cmd.Context())
	},
}

var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Check connectivity of every configured location",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Probe(cmd.Context(), cmd.OutOrStdout())
	},
}
