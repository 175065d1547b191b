package app

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"roomwatch/internal/alerting"
	"roomwatch/internal/api"
	"roomwatch/internal/config"
	"roomwatch/internal/cost"
	"roomwatch/internal/feed"
	"roomwatch/internal/history"
	"roomwatch/internal/metrics"
	"roomwatch/internal/scheduler"
	"roomwatch/internal/session"
	"roomwatch/internal/storage"
	"roomwatch/internal/supervisor"
	"roomwatch/internal/telemetry"
	"roomwatch/internal/usage"
	"roomwatch/internal/version"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

// ErrLedgerLocked means another roomwatch process owns the usage ledger.
var ErrLedgerLocked = errors.New("usage ledger is locked by another roomwatch process; while the service runs, reset it through POST /api/usage/reset")

// backend is the configured persistent store. Exactly one of pg and file is set.
type backend struct {
	kv    storage.KV
	pg    *storage.Store
	file  *storage.FileStore
	close func()
}

func (a *App) openBackend(ctx context.Context) (*backend, error) {
	switch a.Config.Storage.Backend {
	case config.BackendPostgres:
		pool, err := storage.NewPool(ctx, a.Config.Database)
		if err != nil {
			return nil, err
		}
		store := storage.NewStore(pool)
		if err := store.EnsureSchema(ctx); err != nil {
			store.Close()
			return nil, err
		}
		return &backend{kv: store, pg: store, close: store.Close}, nil
	default:
		fs, err := storage.OpenFileStore(a.Config.Storage.Path)
		if err != nil {
			return nil, err
		}
		return &backend{kv: fs, file: fs, close: func() {}}, nil
	}
}

// lockUsage keeps two processes from advancing the same ledger: a postgres
// advisory lock, or an exclusive lock file next to the state file.
func (a *App) lockUsage(ctx context.Context, b *backend) (func(), error) {
	var (
		unlock   func()
		acquired bool
		err      error
	)
	switch {
	case b.pg != nil && a.Config.Storage.UsageLockKey != 0:
		unlock, acquired, err = b.pg.TryAdvisoryLock(ctx, a.Config.Storage.UsageLockKey)
	case b.file != nil:
		unlock, acquired, err = b.file.TryLock()
	default:
		return func() {}, nil
	}
	if err != nil {
		return nil, err
	}
	if !acquired {
		return nil, ErrLedgerLocked
	}
	return unlock, nil
}

func (a *App) newDispatcher(ctx context.Context) (*alerting.Dispatcher, error) {
	var notifiers []alerting.Notifier
	if cfg := a.Config.Alerting.Telegram; cfg.Enabled {
		notifiers = append(notifiers, alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, 10*time.Second, a.Logger))
	}
	if cfg := a.Config.Alerting.SNS; cfg.Enabled {
		n, err := alerting.NewSNSNotifier(ctx, cfg.Region, cfg.TopicARN, a.Logger)
		if err != nil {
			return nil, err
		}
		notifiers = append(notifiers, n)
	}
	return alerting.NewDispatcher(a.Logger, notifiers...), nil
}

func (a *App) newSupervisor(m *metrics.Metrics, locations []telemetry.Location) *supervisor.Supervisor {
	userAgent := a.Config.Probe.UserAgent
	if userAgent == "" {
		userAgent = version.UserAgent()
	}
	prober := supervisor.NewHTTPProber(supervisor.HTTPProberOptions{
		Path:      a.Config.Probe.Path,
		Timeout:   a.Config.Probe.Timeout,
		UserAgent: userAgent,
	}, a.Logger)
	return supervisor.New(prober, locations, a.Logger, supervisor.Options{
		Observer: func(st supervisor.Status, elapsed time.Duration) {
			m.ObserveProbe(st.Location.ID, st.State.String(), elapsed)
		},
	})
}

func (a *App) newFeedClient(gate feed.Gate, m *metrics.Metrics) *feed.Client {
	cfg := a.Config.Feed
	dialer := feed.NewSchemeDialer(
		&feed.WebSocketDialer{HandshakeTimeout: cfg.HandshakeTimeout},
		&feed.MQTTDialer{
			ClientIDPrefix: cfg.MQTTClientPrefix,
			DefaultTopic:   cfg.MQTTTopic,
			QoS:            byte(cfg.MQTTQoS),
			ConnectTimeout: cfg.HandshakeTimeout,
		},
	)
	return feed.NewClient(dialer, gate, feed.Options{
		ReconnectDelay: cfg.ReconnectDelay,
		BufferSize:     cfg.BufferSize,
		OnState: func(id string, st feed.State) {
			m.SetFeedState(id, st.String())
		},
		OnMessage: m.FeedMessage,
	}, a.Logger)
}

func (a *App) newHistory(gate history.Gate, m *metrics.Metrics) (*history.Cache, error) {
	tz, err := a.Config.HistoryTimeZone()
	if err != nil {
		return nil, err
	}
	fetcher := history.NewHTTPFetcher(history.HTTPFetcherOptions{
		PathPrefix: a.Config.History.PathPrefix,
		Timeout:    a.Config.History.Timeout,
		TimeZone:   tz,
	}, a.Logger)
	return history.NewCache(fetcher, gate, history.Options{
		TTL: a.Config.History.CacheTTL,
		OnOutcome: func(r history.Range, o history.Outcome) {
			m.HistoryRequest(string(r), string(o))
		},
	}, a.Logger), nil
}

func (a *App) openUsage(ctx context.Context, kv storage.KV) (*usage.Accumulator, error) {
	return usage.Open(ctx, usage.NewKVStore(kv, usage.LedgerKey), a.Config.Baselines(), a.Logger)
}

func (a *App) newCostModel() *cost.Model {
	classes := make([]cost.Class, 0, len(a.Config.Usage.Classes))
	for name, c := range a.Config.Usage.Classes {
		classes = append(classes, cost.Class{Name: name, PowerWatts: c.PowerWatts})
	}
	devices := make(map[string]string, len(a.Config.Usage.Devices))
	for id, d := range a.Config.Usage.Devices {
		if d.Class != "" {
			devices[id] = d.Class
		}
	}
	return cost.NewModel(a.Config.Usage.RatePerUnit, classes, devices)
}

// locations applies persisted address edits to the configured locations and
// resolves the active one.
func (a *App) locations(ctx context.Context, kv storage.KV) ([]telemetry.Location, string) {
	locs := a.Config.LocationList()
	active := a.Config.ActiveLocation
	settings, err := session.LoadSettings(ctx, kv)
	if err != nil {
		a.Logger.Warn().Err(err).Msg("ignoring persisted settings")
		return locs, active
	}
	for i := range locs {
		if addr, ok := settings.Addresses[locs[i].ID]; ok {
			locs[i].Address = addr
		}
	}
	for _, l := range locs {
		if l.ID == settings.ActiveLocation {
			active = l.ID
		}
	}
	if active == "" && len(locs) > 0 {
		active = locs[0].ID
	}
	return locs, active
}

// Run executes the long-running monitoring service.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

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

	m := metrics.New()
	locations := a.Config.LocationList()
	sup := a.newSupervisor(m, locations)
	client := a.newFeedClient(sup, m)
	cache, err := a.newHistory(sup, m)
	if err != nil {
		return err
	}
	defer cache.Close()

	acc, err := a.openUsage(ctx, b.kv)
	if err != nil {
		return err
	}
	dispatcher, err := a.newDispatcher(ctx)
	if err != nil {
		return err
	}

	var audit storage.AlertStore
	switch {
	case a.Config.Alerting.Audit && b.pg != nil:
		audit = b.pg
	case a.Config.Alerting.Audit:
		a.Logger.Info().Msg("alert audit needs the postgres backend; audit disabled")
	}

	sess, err := session.New(session.Deps{
		Supervisor: sup,
		Feed:       client,
		History:    cache,
		Usage:      acc,
		Cost:       a.newCostModel(),
		Alerts:     dispatcher,
		Audit:      audit,
		Settings:   b.kv,
		Metrics:    m,
	}, session.Options{
		Locations:      locations,
		ActiveLocation: a.Config.ActiveLocation,
		WindowSize:     a.Config.Window.Size,
		Thresholds:     a.Config.Thresholds,
		Policy:         a.Config.AlertPolicy(),
		Polling:        a.Config.PollingLocations(),
	}, a.Logger)
	if err != nil {
		return err
	}

	refresh := scheduler.New(scheduler.Options{
		Name:         "refresh",
		Interval:     a.Config.Refresh.Interval,
		StartupDelay: a.Config.Refresh.StartupDelay,
	}, a.Logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sess.Run(gctx) })
	g.Go(func() error { return refresh.Run(gctx, sess.Tick) })
	if audit != nil && a.Config.Alerting.Retention > 0 {
		prune := scheduler.New(scheduler.Options{Name: "alert-retention", Interval: 24 * time.Hour, FireOnStart: true}, a.Logger)
		g.Go(func() error { return prune.Run(gctx, a.pruneAlerts(audit)) })
	}
	if a.Config.API.Enabled {
		srv := api.NewServer(sess, api.Options{
			Listen:          a.Config.API.Listen,
			ReadTimeout:     a.Config.API.ReadTimeout,
			WriteTimeout:    a.Config.API.WriteTimeout,
			ShutdownTimeout: a.Config.API.ShutdownTimeout,
			Metrics:         m.Handler(),
		}, a.Logger)
		g.Go(func() error { return srv.Run(gctx) })
	}

	a.Logger.Info().Int("locations", len(locations)).Bool("api", a.Config.API.Enabled).Msg("starting monitoring service")
	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("monitoring service stopped")
	return nil
}

func (a *App) pruneAlerts(store storage.AlertStore) scheduler.TickFunc {
	return func(ctx context.Context, at time.Time) error {
		cutoff := at.Add(-a.Config.Alerting.Retention)
		if err := store.DeleteAlertsBefore(ctx, cutoff); err != nil {
			return fmt.Errorf("prune alert audit: %w", err)
		}
		a.Logger.Debug().Time("cutoff", cutoff).Msg("alert audit pruned")
		return nil
	}
}

// ExportOptions hold parameters for exporting a historical range.
type ExportOptions struct {
	LocationID string
	Range      history.Range
	PNGPath    string
	CSVPath    string
	MaxPoints  int
}

// HistoryOptions configure the history command.
type HistoryOptions struct {
	LocationID string
	Range      history.Range
	Limit      int
}

// SimulateOptions configure the simulate-alert command.
type SimulateOptions struct {
	LocationID string
	Metric     string
	Value      float64
}
