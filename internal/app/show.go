package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"
)

// ShowAlerts prints the most recent audited alerts.
func (a *App) ShowAlerts(ctx context.Context, out io.Writer, limit int) error {
	b, err := a.openBackend(ctx)
	if err != nil {
		return err
	}
	defer b.close()
	if b.pg == nil {
		return errors.New("alert audit needs the postgres backend; cannot show alerts")
	}

	alerts, err := b.pg.ListRecentAlerts(ctx, limit)
	if err != nil {
		return err
	}
	if len(alerts) == 0 {
		fmt.Fprintln(out, "no alerts found")
		return nil
	}

	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Raised (UTC)\tLocation\tMetric\tValue\tThreshold\tChannels\tAcknowledged")
	for _, alert := range alerts {
		acked := "-"
		if alert.AcknowledgedAt != nil {
			acked = alert.AcknowledgedAt.UTC().Format(time.RFC3339)
		}
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			alert.RaisedAt.UTC().Format(time.RFC3339),
			alert.LocationID,
			alert.Metric,
			formatDecimal(alert.Value, 1),
			formatDecimal(alert.Threshold, 1),
			orDash(strings.Join(alert.Channels, ",")),
			acked,
		)
	}

	return writer.Flush()
}
