package cli

import (
	"errors"
	"math"

	"github.com/spf13/cobra"

	"roomwatch/internal/app"
	"roomwatch/internal/telemetry"
)

var (
	simulateLocation string
	simulateMetric   string
	simulateValue    float64
)

var simulateCmd = &cobra.Command{
	Use:   "simulate-alert",
	Short: "Raise a synthetic threshold alert on the configured channels",
	RunE: func(cmd *cobra.Command, args []string) error {
		if simulateMetric == "" {
			return errors.New("--metric is required")
		}
		if math.IsNaN(simulateValue) || math.IsInf(simulateValue, 0) {
			return errors.New("--value must be a finite number")
		}

		opts := app.SimulateOptions{
			LocationID: simulateLocation,
			Metric:     simulateMetric,
			Value:      simulateValue,
		}
		return getApp().SimulateAlert(cmd.Context(), opts)
	},
}

func init() {
	simulateCmd.Flags().StringVar(&simulateLocation, "location", "", "Location ID (defaults to the active location)")
	simulateCmd.Flags().StringVar(&simulateMetric, "metric", telemetry.MetricTemperature, "Metric to raise")
	simulateCmd.Flags().Float64Var(&simulateValue, "value", 0, "Reading to simulate")
}
