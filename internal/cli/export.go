package cli

import (
	"github.com/spf13/cobra"

	"roomwatch/internal/app"
	"roomwatch/internal/history"
)

var (
	exportLocation  string
	exportRange     string
	exportPNGPath   string
	exportCSVPath   string
	exportMaxPoints int
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export a historical range as CSV and/or PNG chart",
	RunE: func(cmd *cobra.Command, args []string) error {
		rng, err := history.ParseRange(exportRange)
		if err != nil {
			return err
		}

		opts := app.ExportOptions{
			LocationID: exportLocation,
			Range:      rng,
			PNGPath:    exportPNGPath,
			CSVPath:    exportCSVPath,
			MaxPoints:  exportMaxPoints,
		}

		return getApp().Export(cmd.Context(), opts)
	},
}

func init() {
	exportCmd.Flags().StringVar(&exportLocation, "location", "", "Location ID (defaults to the active location)")
	exportCmd.Flags().StringVar(&exportRange, "range", string(history.Range24h), "Range to export: 1h, 12h, 24h, 7d or 30d")
	exportCmd.Flags().StringVar(&exportPNGPath, "png", "", "Path to write PNG chart (\"auto\" for a dated file name)")
	exportCmd.Flags().StringVar(&exportCSVPath, "csv", "", "Path to write CSV data (\"auto\" for a dated file name)")
	exportCmd.Flags().IntVar(&exportMaxPoints, "max-points", 0, "Maximum data points to export (0 keeps all)")
}
