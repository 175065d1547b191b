package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"roomwatch/internal/alerting"
	"roomwatch/internal/session"
	"roomwatch/internal/storage"
	"roomwatch/internal/telemetry"
	"roomwatch/internal/threshold"
)

// SimulateAlert pushes a synthetic reading through the threshold monitor and
// delivers whatever it raises on the configured channels.
func (a *App) SimulateAlert(ctx context.Context, opts SimulateOptions) error {
	dispatcher, err := a.newDispatcher(ctx)
	if err != nil {
		return err
	}
	if len(dispatcher.Channels()) == 0 {
		return errors.New("no alert channel is enabled")
	}

	b, err := a.openBackend(ctx)
	if err != nil {
		return err
	}
	defer b.close()

	loc, _, err := a.resolveLocation(ctx, b.kv, opts.LocationID)
	if err != nil {
		return err
	}
	thresholds := a.thresholds(ctx, b.kv)
	if _, ok := thresholds[opts.Metric]; !ok {
		return fmt.Errorf("no threshold configured for %q", opts.Metric)
	}

	monitor := threshold.NewMonitor(loc.ID, thresholds, a.Config.AlertPolicy())
	sample := telemetry.NewSample(time.Now(), map[string]float64{opts.Metric: opts.Value})
	raised := monitor.Observe(sample)
	if len(raised) == 0 {
		return fmt.Errorf("%s %.2f does not exceed the threshold %.2f", opts.Metric, opts.Value, thresholds[opts.Metric])
	}

	for _, ev := range raised {
		note := alerting.Notification{
			AlertID:       ev.ID,
			LocationID:    ev.LocationID,
			LocationName:  loc.Name,
			Metric:        ev.Metric,
			Value:         decimal.NewFromFloat(ev.Value),
			Threshold:     decimal.NewFromFloat(ev.Threshold),
			RaisedAt:      ev.RaisedAt,
			AdditionalMsg: "simulated alert",
		}
		channels, err := dispatcher.Dispatch(ctx, note)
		if err != nil {
			return err
		}
		if a.Config.Alerting.Audit && b.pg != nil {
			record := storage.AlertRecord{
				AlertID:    ev.ID,
				LocationID: ev.LocationID,
				Metric:     ev.Metric,
				Value:      note.Value,
				Threshold:  note.Threshold,
				RaisedAt:   ev.RaisedAt,
				Channels:   channels,
			}
			if _, err := b.pg.InsertAlert(ctx, record); err != nil {
				return err
			}
		}
		a.Logger.Info().Str("alert_id", ev.ID).Strs("channels", channels).Msg("simulated alert delivered")
	}
	return nil
}

// thresholds merges persisted threshold edits over the configured ones.
func (a *App) thresholds(ctx context.Context, kv storage.KV) map[string]float64 {
	out := make(map[string]float64, len(a.Config.Thresholds))
	for k, v := range a.Config.Thresholds {
		out[k] = v
	}
	settings, err := session.LoadSettings(ctx, kv)
	if err != nil {
		return out
	}
	for k, v := range settings.Thresholds {
		out[k] = v
	}
	return out
}
