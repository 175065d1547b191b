package alerting

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
)

// Dispatcher fans a notification out to every configured channel.
type Dispatcher struct {
	notifiers []Notifier
	logger    zerolog.Logger
}

// NewDispatcher builds a dispatcher; nil notifiers are skipped.
func NewDispatcher(logger zerolog.Logger, notifiers ...Notifier) *Dispatcher {
	d := &Dispatcher{logger: logger.With().Str("component", "alert_dispatcher").Logger()}
	for _, n := range notifiers {
		if n != nil {
			d.notifiers = append(d.notifiers, n)
		}
	}
	return d
}

// Channels lists the configured channel names.
func (d *Dispatcher) Channels() []string {
	names := make([]string, 0, len(d.notifiers))
	for _, n := range d.notifiers {
		names = append(names, n.Name())
	}
	return names
}

// Dispatch tries every channel and returns the ones that accepted the
// notification. Failures are joined into the returned error.
func (d *Dispatcher) Dispatch(ctx context.Context, note Notification) ([]string, error) {
	if len(d.notifiers) == 0 {
		d.logger.Info().Str("location", note.LocationID).Str("metric", note.Metric).
			Str("value", note.Value.String()).Msg("alert raised (no delivery channels configured)")
		return nil, nil
	}
	delivered := make([]string, 0, len(d.notifiers))
	var errs []error
	for _, n := range d.notifiers {
		if err := n.Notify(ctx, note); err != nil {
			d.logger.Error().Err(err).Str("channel", n.Name()).Str("alert_id", note.AlertID).Msg("alert delivery failed")
			errs = append(errs, fmt.Errorf("%s: %w", n.Name(), err))
			continue
		}
		delivered = append(delivered, n.Name())
	}
	return delivered, errors.Join(errs...)
}
