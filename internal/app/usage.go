package app

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"

	"roomwatch/internal/session"
)

// UsageShow prints the device ledger priced at the configured tariff.
func (a *App) UsageShow(ctx context.Context, out io.Writer) error {
	b, err := a.openBackend(ctx)
	if err != nil {
		return err
	}
	defer b.close()

	acc, err := a.openUsage(ctx, b.kv)
	if err != nil {
		return err
	}
	now := time.Now()
	report := session.BuildUsageReport(acc, a.newCostModel(), now)
	if len(report.Devices) == 0 {
		fmt.Fprintln(out, "no devices in the usage ledger")
		return nil
	}

	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Device\tClass\tHours\tRunning for\tUnits (kWh)\tCost")
	for _, d := range report.Devices {
		running := "-"
		if d.Record.IsRunning && d.Record.RunStartedAt != nil {
			running = formatAge(*d.Record.RunStartedAt, now)
		}
		fmt.Fprintf(writer, "%s\t%s\t%.2f\t%s\t%s\t%s\n",
			d.Record.DeviceID,
			orDash(d.Cost.Class),
			d.Hours,
			running,
			formatDecimal(d.Cost.Units, 3),
			formatDecimal(d.Cost.Cost, 2),
		)
	}
	fmt.Fprintf(writer, "Total\t\t\t\t%s\t%s\n", formatDecimal(report.Total.Units, 3), formatDecimal(report.Total.Cost, 2))
	fmt.Fprintf(writer, "Rate\t%.2f per kWh\t\t\t\t\n", report.RatePerUnit)
	return writer.Flush()
}

// UsageReset zeroes every device's hours. It refuses while another process holds the ledger.
func (a *App) UsageReset(ctx context.Context) error {
	b, err := a.openBackend(ctx)
	if err != nil {
		return err
	}
	defer b.close()

	unlock, err := a.lockUsage(ctx, b)
	if err != nil {
		return err
	}
	defer unlock()

	acc, err := a.openUsage(ctx, b.kv)
	if err != nil {
		return err
	}
	if err := acc.Reset(ctx, time.Now()); err != nil {
		return err
	}
	a.Logger.Info().Int("devices", len(acc.Records())).Msg("usage ledger reset")
	return nil
}

func formatDecimal(d decimal.Decimal, places int32) string {
	return d.StringFixed(places)
}

func orDash(v string) string {
	if v == "" {
		return "-"
	}
	return v
}
