package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"roomwatch/internal/export"
	"roomwatch/internal/history"
	"roomwatch/internal/storage"
	"roomwatch/internal/telemetry"
)

// Probe checks every configured location once and prints the outcome.
func (a *App) Probe(ctx context.Context, out io.Writer) error {
	b, err := a.openBackend(ctx)
	if err != nil {
		return err
	}
	defer b.close()

	locations, active := a.locations(ctx, b.kv)
	sup := a.newSupervisor(nil, locations)

	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "ID\tName\tAddress\tState\tReported\tError")
	for _, loc := range locations {
		st := sup.Probe(ctx, loc)
		id := loc.ID
		if id == active {
			id += "*"
		}
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%s\t%s\n",
			id, loc.Name, loc.Address, st.State, st.ReportedAddress, sanitizeInline(st.Error))
	}
	return writer.Flush()
}

// History fetches one range from a location and prints it as a table.
func (a *App) History(ctx context.Context, out io.Writer, opts HistoryOptions) error {
	loc, samples, err := a.fetchRange(ctx, opts.LocationID, opts.Range)
	if err != nil {
		return err
	}
	if len(samples) == 0 {
		fmt.Fprintf(out, "no samples for %s over %s\n", loc.ID, opts.Range)
		return nil
	}
	if opts.Limit > 0 && len(samples) > opts.Limit {
		samples = samples[len(samples)-opts.Limit:]
	}

	tz, err := a.Config.HistoryTimeZone()
	if err != nil {
		return err
	}
	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Time\tTemperature (°C)\tHumidity (%)")
	for _, s := range samples {
		fmt.Fprintf(writer, "%s\t%s\t%s\n",
			s.Timestamp.In(tz).Format(export.TimestampLayout),
			formatReading(s, telemetry.MetricTemperature),
			formatReading(s, telemetry.MetricHumidity))
	}
	return writer.Flush()
}

// fetchRange probes a location and, once it is connected, fetches a range
// through the same gated cache the service uses.
func (a *App) fetchRange(ctx context.Context, locationID string, r history.Range) (telemetry.Location, []telemetry.Sample, error) {
	b, err := a.openBackend(ctx)
	if err != nil {
		return telemetry.Location{}, nil, err
	}
	defer b.close()

	loc, locations, err := a.resolveLocation(ctx, b.kv, locationID)
	if err != nil {
		return telemetry.Location{}, nil, err
	}

	sup := a.newSupervisor(nil, locations)
	sup.Switch(loc)
	st := sup.Probe(ctx, loc)
	if st.State != telemetry.StateConnected {
		if st.Err() != nil {
			return loc, nil, fmt.Errorf("%w: %v", telemetry.NotConnected(loc.ID, st.State), st.Err())
		}
		return loc, nil, telemetry.NotConnected(loc.ID, st.State)
	}

	cache, err := a.newHistory(sup, nil)
	if err != nil {
		return loc, nil, err
	}
	defer cache.Close()
	cache.SetLocation(loc.ID)

	samples, err := cache.Fetch(ctx, loc, r)
	var stale *telemetry.StaleDataError
	if errors.As(err, &stale) {
		a.Logger.Warn().Err(err).Msg("serving stale history")
		err = nil
	}
	return loc, samples, err
}

func (a *App) resolveLocation(ctx context.Context, kv storage.KV, id string) (telemetry.Location, []telemetry.Location, error) {
	locations, active := a.locations(ctx, kv)
	if id == "" {
		id = active
	}
	for _, loc := range locations {
		if loc.ID == id {
			return loc, locations, nil
		}
	}
	return telemetry.Location{}, nil, fmt.Errorf("unknown location %q", id)
}

func formatReading(s telemetry.Sample, metric string) string {
	v, ok := s.Value(metric)
	if !ok {
		return "-"
	}
	return fmt.Sprintf("%.1f", v)
}

func formatAge(at time.Time, now time.Time) string {
	if at.IsZero() {
		return "-"
	}
	return now.Sub(at).Truncate(time.Second).String()
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}
