// Package session runs the engine's event loop.
//
// One goroutine owns the active location, its rolling series, its threshold
// monitor and its feed subscription, and applies feed snapshots, probe
// results, polled samples, refresh ticks and user commands one at a time in
// arrival order. Everything else reads the immutable View published after
// each step, or sends a command and waits for the loop to apply it.
package session

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"roomwatch/internal/alerting"
	"roomwatch/internal/cost"
	"roomwatch/internal/feed"
	"roomwatch/internal/history"
	"roomwatch/internal/metrics"
	"roomwatch/internal/storage"
	"roomwatch/internal/supervisor"
	"roomwatch/internal/telemetry"
	"roomwatch/internal/threshold"
	"roomwatch/internal/usage"
	"roomwatch/internal/window"
)

var (
	// ErrStopped is returned by commands sent after Run has returned.
	ErrStopped = errors.New("session stopped")
	// ErrUnknownLocation is returned for location IDs that are not configured.
	ErrUnknownLocation = errors.New("unknown location")
)

// AlertSink delivers raised alerts. *alerting.Dispatcher implements it.
type AlertSink interface {
	Dispatch(ctx context.Context, note alerting.Notification) ([]string, error)
}

// Deps are the collaborators the loop drives. Alerts, Audit, Settings and
// Metrics are optional.
type Deps struct {
	Supervisor *supervisor.Supervisor
	Feed       *feed.Client
	History    *history.Cache
	Usage      *usage.Accumulator
	Cost       *cost.Model
	Alerts     AlertSink
	Audit      storage.AlertStore
	Settings   KV
	Metrics    *metrics.Metrics
}

// Options configure the loop.
type Options struct {
	Locations       []telemetry.Location
	ActiveLocation  string
	WindowSize      int
	Thresholds      map[string]float64
	Policy          threshold.Policy
	Polling         map[string]bool
	DeliveryTimeout time.Duration
	Now             func() time.Time
}

// View is the published engine state. It is never mutated after publication.
type View struct {
	ActiveLocation string                    `json:"activeLocation"`
	Locations      []telemetry.Location      `json:"locations"`
	Connection     telemetry.ConnectionState `json:"connection"`
	Feed           feed.State                `json:"feed"`
	FeedDials      uint64                    `json:"feedDials"`
	Polling        bool                      `json:"polling"`
	Snapshot       telemetry.Snapshot        `json:"snapshot"`
	Series         map[string][]window.Point `json:"series"`
	WindowSize     int                       `json:"windowSize"`
	Alerts         []threshold.AlertEvent    `json:"alerts"`
	Thresholds     map[string]float64        `json:"thresholds"`
	AlertPolicy    threshold.Policy          `json:"alertPolicy"`
	PublishedAt    time.Time                 `json:"publishedAt"`
}

// Location returns a location of the view by ID.
func (v *View) Location(id string) (telemetry.Location, bool) {
	for _, loc := range v.Locations {
		if loc.ID == id {
			return loc, true
		}
	}
	return telemetry.Location{}, false
}

type command struct {
	fn   func(ctx context.Context) error
	done chan error
}

type pollResult struct {
	locationID string
	samples    []telemetry.Sample
	err        error
}

// Session is the engine event loop.
type Session struct {
	deps   Deps
	opts   Options
	logger zerolog.Logger

	commands   chan command
	probes     chan supervisor.Status
	polls      chan pollResult
	stopped    chan struct{}
	view       atomic.Pointer[View]
	deliveries sync.WaitGroup

	// Owned by the loop goroutine.
	locations  map[string]telemetry.Location
	order      []string
	active     string
	thresholds map[string]float64
	settings   Settings
	series     *window.Series
	monitor    *threshold.Monitor
	snapshot   telemetry.Snapshot
	sub        *feed.Subscription
	updates    <-chan telemetry.Snapshot
	pollOnly   bool
	lastPolled time.Time
}

// New prepares a session. Nothing runs until Run is called.
func New(deps Deps, opts Options, logger zerolog.Logger) (*Session, error) {
	if deps.Supervisor == nil || deps.Feed == nil || deps.History == nil || deps.Usage == nil || deps.Cost == nil {
		return nil, errors.New("session: supervisor, feed, history, usage and cost are required")
	}
	if len(opts.Locations) == 0 {
		return nil, errors.New("session: at least one location is required")
	}
	if opts.WindowSize <= 0 {
		opts.WindowSize = 10
	}
	if opts.Policy == "" {
		opts.Policy = threshold.SuppressUntilDrop
	}
	if opts.DeliveryTimeout <= 0 {
		opts.DeliveryTimeout = 15 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	s := &Session{
		deps:       deps,
		opts:       opts,
		logger:     logger.With().Str("component", "session").Logger(),
		commands:   make(chan command),
		probes:     make(chan supervisor.Status, 4),
		polls:      make(chan pollResult, 1),
		stopped:    make(chan struct{}),
		locations:  make(map[string]telemetry.Location, len(opts.Locations)),
		thresholds: make(map[string]float64, len(opts.Thresholds)),
	}
	for _, loc := range opts.Locations {
		if _, dup := s.locations[loc.ID]; dup {
			return nil, fmt.Errorf("session: duplicate location %q", loc.ID)
		}
		s.locations[loc.ID] = loc
		s.order = append(s.order, loc.ID)
	}
	for k, v := range opts.Thresholds {
		s.thresholds[k] = v
	}
	s.active = opts.ActiveLocation
	if _, ok := s.locations[s.active]; !ok {
		s.active = s.order[0]
	}
	s.resetState(s.active)
	s.publish()
	return s, nil
}

// Run restores persisted settings, activates the current location and
// processes events until ctx is cancelled. It must be called once.
func (s *Session) Run(ctx context.Context) error {
	defer close(s.stopped)

	s.restore(ctx)
	s.activate(ctx, s.active)
	s.logger.Info().Str("location", s.active).Msg("session started")

	for {
		select {
		case <-ctx.Done():
			s.stopFeed()
			s.deliveries.Wait()
			s.logger.Info().Msg("session stopped")
			return ctx.Err()
		case cmd := <-s.commands:
			cmd.done <- cmd.fn(ctx)
		case st := <-s.probes:
			s.onProbe(ctx, st)
		case snap, ok := <-s.updates:
			if !ok {
				s.updates = nil
				s.publish()
				continue
			}
			s.onSnapshot(ctx, snap)
		case res := <-s.polls:
			s.onPoll(ctx, res)
		}
	}
}

// View returns the latest published state.
func (s *Session) View() *View {
	return s.view.Load()
}

// Statuses returns the supervisor state of every location with the
// session's current addresses.
func (s *Session) Statuses() []supervisor.Status {
	v := s.View()
	out := s.deps.Supervisor.Statuses()
	for i := range out {
		if loc, ok := v.Location(out[i].Location.ID); ok {
			out[i].Location = loc
		}
	}
	return out
}

// Tick is the refresh timer callback. It re-probes the active location when
// it needs a retry and polls it when it has no push feed.
func (s *Session) Tick(ctx context.Context, at time.Time) error {
	return s.do(ctx, func(loopCtx context.Context) error {
		s.refresh(loopCtx, at)
		return nil
	})
}

// SelectLocation makes id the active location. The previous location's
// subscription, in-flight probe, series and alerts are discarded.
func (s *Session) SelectLocation(ctx context.Context, id string) error {
	return s.do(ctx, func(loopCtx context.Context) error {
		if _, ok := s.locations[id]; !ok {
			return fmt.Errorf("%w: %s", ErrUnknownLocation, id)
		}
		if id == s.active {
			return nil
		}
		s.activate(loopCtx, id)
		s.settings.ActiveLocation = id
		s.persistSettings(loopCtx)
		return nil
	})
}

// SetAddress stores a new address for a location and re-probes it. The
// location is Probing by the time SetAddress returns. A malformed address is
// still stored; the returned ConfigurationError mirrors its Failed state.
func (s *Session) SetAddress(ctx context.Context, id, address string) error {
	return s.do(ctx, func(loopCtx context.Context) error {
		loc, ok := s.locations[id]
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownLocation, id)
		}
		loc.Address = strings.TrimSpace(address)
		s.locations[id] = loc
		if s.settings.Addresses == nil {
			s.settings.Addresses = make(map[string]string)
		}
		s.settings.Addresses[id] = loc.Address

		if id == s.active {
			s.stopFeed()
			s.deps.History.Invalidate()
			s.pollOnly = s.opts.Polling[id]
		}
		s.forward(loopCtx, s.deps.Supervisor.SetAddress(loopCtx, loc))
		s.persistSettings(loopCtx)
		s.publish()
		return telemetry.ValidateAddress(id, loc.Address)
	})
}

// SetThreshold changes a metric's limit on the active monitor and persists it.
func (s *Session) SetThreshold(ctx context.Context, metric string, limit float64) error {
	if metric == "" || math.IsNaN(limit) || math.IsInf(limit, 0) {
		return fmt.Errorf("invalid threshold %s=%v", metric, limit)
	}
	return s.do(ctx, func(loopCtx context.Context) error {
		s.thresholds[metric] = limit
		s.monitor.SetThreshold(metric, limit)
		if s.settings.Thresholds == nil {
			s.settings.Thresholds = make(map[string]float64)
		}
		s.settings.Thresholds[metric] = limit
		s.persistSettings(loopCtx)
		s.publish()
		return nil
	})
}

// Acknowledge clears the live alert of metric. It reports whether one was live.
func (s *Session) Acknowledge(ctx context.Context, metric string) (bool, error) {
	var acked bool
	err := s.do(ctx, func(loopCtx context.Context) error {
		var alertID string
		for _, ev := range s.monitor.Live() {
			if ev.Metric == metric {
				alertID = ev.ID
			}
		}
		acked = s.monitor.Acknowledge(metric)
		if acked {
			s.logger.Info().Str("metric", metric).Str("alert_id", alertID).Msg("alert acknowledged")
			s.auditAck(loopCtx, alertID)
		}
		s.publish()
		return nil
	})
	if err != nil {
		return false, err
	}
	return acked, nil
}

// ResetUsage zeroes every device in the usage ledger.
func (s *Session) ResetUsage(ctx context.Context) error {
	return s.do(ctx, func(loopCtx context.Context) error {
		err := s.deps.Usage.Reset(loopCtx, s.opts.Now())
		s.deps.Metrics.LedgerWrite(err == nil)
		return err
	})
}

// History serves a range of locationID through the cache. The location must
// still be the active one; after a switch the caller gets history.ErrSuperseded.
func (s *Session) History(ctx context.Context, locationID string, r history.Range) ([]telemetry.Sample, error) {
	v := s.View()
	loc, ok := v.Location(locationID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownLocation, locationID)
	}
	if locationID != v.ActiveLocation {
		return nil, history.ErrSuperseded
	}
	return s.deps.History.Fetch(ctx, loc, r)
}

// Usage prices the ledger at the current time.
func (s *Session) Usage() UsageReport {
	return BuildUsageReport(s.deps.Usage, s.deps.Cost, s.opts.Now())
}

func (s *Session) do(ctx context.Context, fn func(context.Context) error) error {
	cmd := command{fn: fn, done: make(chan error, 1)}
	select {
	case s.commands <- cmd:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.stopped:
		return ErrStopped
	}
	select {
	case err := <-cmd.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) restore(ctx context.Context) {
	settings, err := LoadSettings(ctx, s.deps.Settings)
	if err != nil {
		s.logger.Warn().Err(err).Msg("using configured settings")
		return
	}
	for id, addr := range settings.Addresses {
		if loc, ok := s.locations[id]; ok {
			loc.Address = addr
			s.locations[id] = loc
		}
	}
	for metric, limit := range settings.Thresholds {
		s.thresholds[metric] = limit
	}
	if _, ok := s.locations[settings.ActiveLocation]; ok {
		s.active = settings.ActiveLocation
	}
	s.settings = settings
}

func (s *Session) persistSettings(ctx context.Context) {
	if err := saveSettings(ctx, s.deps.Settings, s.settings); err != nil {
		s.logger.Error().Err(err).Msg("settings not persisted")
	}
}

func (s *Session) resetState(id string) {
	s.active = id
	s.series = window.NewSeries(s.opts.WindowSize)
	s.monitor = threshold.NewMonitor(id, s.thresholds, s.opts.Policy)
	s.snapshot = telemetry.NewSnapshot(id)
	s.pollOnly = s.opts.Polling[id]
	s.lastPolled = time.Time{}
}

func (s *Session) activate(ctx context.Context, id string) {
	s.stopFeed()
	s.resetState(id)
	loc := s.locations[id]
	s.deps.Supervisor.Switch(loc)
	s.deps.History.SetLocation(id)
	s.forward(ctx, s.deps.Supervisor.ProbeAsync(ctx, loc))
	s.publish()
}

// forward relays a probe result into the loop. Superseded probes close ch
// without a value.
func (s *Session) forward(ctx context.Context, ch <-chan supervisor.Status) {
	go func() {
		for st := range ch {
			select {
			case s.probes <- st:
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (s *Session) onProbe(ctx context.Context, st supervisor.Status) {
	defer s.publish()
	if st.Location.ID != s.active {
		return
	}
	if st.State != telemetry.StateConnected {
		s.stopFeed()
		return
	}
	if s.pollOnly {
		s.poll(ctx)
		return
	}
	if s.sub == nil {
		s.startFeed(ctx)
	}
}

func (s *Session) startFeed(ctx context.Context) {
	loc := s.locations[s.active]
	sub, err := s.deps.Feed.Subscribe(ctx, loc)
	if err != nil {
		var cfgErr *telemetry.ConfigurationError
		if errors.As(err, &cfgErr) {
			s.logger.Warn().Err(err).Str("location", loc.ID).Msg("no push feed; polling instead")
			s.pollOnly = true
			s.poll(ctx)
			return
		}
		s.logger.Warn().Err(err).Str("location", loc.ID).Msg("feed subscription refused")
		return
	}
	s.sub = sub
	s.updates = sub.Updates()
}

func (s *Session) stopFeed() {
	if s.sub == nil {
		return
	}
	s.sub.Cancel()
	s.sub = nil
	s.updates = nil
}

func (s *Session) onSnapshot(ctx context.Context, snap telemetry.Snapshot) {
	if snap.LocationID != s.active {
		return
	}
	s.snapshot = snap
	s.ingest(ctx, snap.Sample(), snap.Devices, snap.UpdatedAt)
	s.publish()
}

func (s *Session) poll(ctx context.Context) {
	loc := s.locations[s.active]
	go func() {
		samples, err := s.deps.History.Refresh(ctx, loc, history.Range1h)
		select {
		case s.polls <- pollResult{locationID: loc.ID, samples: samples, err: err}:
		case <-ctx.Done():
		}
	}()
}

func (s *Session) onPoll(ctx context.Context, res pollResult) {
	if res.locationID != s.active {
		return
	}
	if res.err != nil {
		if !errors.Is(res.err, history.ErrSuperseded) {
			s.logger.Warn().Err(res.err).Str("location", res.locationID).Msg("poll failed")
		}
		return
	}
	if len(res.samples) == 0 {
		return
	}
	latest := res.samples[len(res.samples)-1]
	if !latest.Timestamp.After(s.lastPolled) {
		return
	}
	s.lastPolled = latest.Timestamp
	s.snapshot.Apply(telemetry.Patch{Metrics: latest.Values()}, latest.Timestamp)
	s.ingest(ctx, latest, nil, latest.Timestamp)
	s.publish()
}

// ingest runs one sample through the series and the threshold monitor, and
// device states through the usage ledger. Device IDs are household-wide and
// are not prefixed with the active location.
func (s *Session) ingest(ctx context.Context, sample telemetry.Sample, devices map[string]bool, at time.Time) {
	if names := sample.Metrics(); len(names) > 0 {
		s.series.Observe(sample)
		for _, name := range names {
			v, _ := sample.Value(name)
			s.deps.Metrics.SetReading(s.active, name, v)
		}
		for _, ev := range s.monitor.Observe(sample) {
			s.deliver(ctx, ev)
		}
	}

	ids := make([]string, 0, len(devices))
	for id := range devices {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		on := devices[id]
		s.deps.Metrics.SetDevice(id, on)
		changed, err := s.deps.Usage.OnTransition(ctx, id, on, at)
		if changed {
			s.deps.Metrics.LedgerWrite(err == nil)
		}
		if err != nil {
			s.logger.Error().Err(err).Str("device", id).Msg("usage transition not persisted")
		}
	}
}

func (s *Session) deliver(ctx context.Context, ev threshold.AlertEvent) {
	s.logger.Warn().Str("location", ev.LocationID).Str("metric", ev.Metric).
		Float64("value", ev.Value).Float64("threshold", ev.Threshold).Str("alert_id", ev.ID).
		Msg("threshold crossed")
	s.deps.Metrics.AlertRaised(ev.LocationID, ev.Metric)
	if s.deps.Alerts == nil && s.deps.Audit == nil {
		return
	}

	note := alerting.Notification{
		AlertID:      ev.ID,
		LocationID:   ev.LocationID,
		LocationName: s.locations[ev.LocationID].Name,
		Metric:       ev.Metric,
		Value:        decimal.NewFromFloat(ev.Value),
		Threshold:    decimal.NewFromFloat(ev.Threshold),
		RaisedAt:     ev.RaisedAt,
	}
	s.deliveries.Add(1)
	go func() {
		defer s.deliveries.Done()
		dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.DeliveryTimeout)
		defer cancel()

		var channels []string
		if s.deps.Alerts != nil {
			delivered, err := s.deps.Alerts.Dispatch(dctx, note)
			if err != nil {
				s.logger.Error().Err(err).Str("alert_id", ev.ID).Msg("alert delivery incomplete")
			}
			channels = delivered
		}
		if s.deps.Audit != nil {
			record := storage.AlertRecord{
				AlertID:    ev.ID,
				LocationID: ev.LocationID,
				Metric:     ev.Metric,
				Value:      note.Value,
				Threshold:  note.Threshold,
				RaisedAt:   ev.RaisedAt,
				Channels:   channels,
			}
			if _, err := s.deps.Audit.InsertAlert(dctx, record); err != nil {
				s.logger.Error().Err(err).Str("alert_id", ev.ID).Msg("failed to persist alert record")
			}
		}
	}()
}

func (s *Session) auditAck(ctx context.Context, alertID string) {
	if s.deps.Audit == nil || alertID == "" {
		return
	}
	at := s.opts.Now()
	s.deliveries.Add(1)
	go func() {
		defer s.deliveries.Done()
		actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.DeliveryTimeout)
		defer cancel()
		if err := s.deps.Audit.AcknowledgeAlert(actx, alertID, at); err != nil {
			s.logger.Error().Err(err).Str("alert_id", alertID).Msg("failed to record acknowledgement")
		}
	}()
}

func (s *Session) refresh(ctx context.Context, at time.Time) {
	loc := s.locations[s.active]
	st, _ := s.deps.Supervisor.Status(loc.ID)
	switch {
	case st.State == telemetry.StateUnknown || s.deps.Supervisor.NeedsRetry(loc.ID):
		s.logger.Debug().Str("location", loc.ID).Str("state", st.State.String()).Time("at", at).Msg("re-probing")
		s.forward(ctx, s.deps.Supervisor.ProbeAsync(ctx, loc))
	case st.State == telemetry.StateConnected && s.pollOnly:
		s.poll(ctx)
	case st.State == telemetry.StateConnected && s.sub == nil:
		s.startFeed(ctx)
	}
	s.publish()
}

func (s *Session) publish() {
	v := &View{
		ActiveLocation: s.active,
		Locations:      make([]telemetry.Location, 0, len(s.order)),
		Feed:           feed.StateIdle,
		Polling:        s.pollOnly,
		Snapshot:       s.snapshot.Clone(),
		Series:         s.series.Snapshot(),
		WindowSize:     s.series.Capacity(),
		Alerts:         s.monitor.Live(),
		Thresholds:     s.monitor.Thresholds(),
		AlertPolicy:    s.monitor.Policy(),
		PublishedAt:    s.opts.Now(),
	}
	for _, id := range s.order {
		v.Locations = append(v.Locations, s.locations[id])
	}
	if st, ok := s.deps.Supervisor.Status(s.active); ok {
		v.Connection = st.State
	}
	if s.sub != nil {
		v.Feed = s.sub.State()
		v.FeedDials = s.sub.Dials()
	}
	s.view.Store(v)
}
