// Package usage keeps the per-device on-time ledger.
//
// The ledger is written through to its store on every mutation. A record that
// was running when the process stopped is resumed from its original start
// time, so time the monitor itself was down is counted as on-time for that
// device. This is a deliberate approximation: the monitor's availability
// stands in for the device's observed state.
//
// Records are keyed by device ID alone. Every location's controller reports
// the same household appliances, so a run started while one room is active
// is continued or ended by reports from another.
package usage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"roomwatch/internal/telemetry"
)

// Accumulator owns all usage records. Only the session loop mutates it;
// readers may call the accessor methods from any goroutine.
type Accumulator struct {
	mu        sync.RWMutex
	records   map[string]*Record
	baselines map[string]float64

	saveMu         sync.Mutex
	store          Store
	persistFailing bool

	logger zerolog.Logger
}

// Open loads the ledger and seeds configured devices that have no record yet
// with their baseline hours.
func Open(ctx context.Context, store Store, baselines map[string]float64, logger zerolog.Logger) (*Accumulator, error) {
	a := &Accumulator{
		records:   make(map[string]*Record),
		baselines: make(map[string]float64, len(baselines)),
		store:     store,
		logger:    logger.With().Str("component", "usage").Logger(),
	}
	for id, h := range baselines {
		a.baselines[id] = h
	}

	loaded, err := store.Load(ctx)
	if err != nil {
		return nil, err
	}
	for _, rec := range loaded {
		if rec.DeviceID == "" {
			continue
		}
		r := sanitize(rec)
		if r.IsRunning {
			a.logger.Info().Str("device", r.DeviceID).Time("run_started_at", *r.RunStartedAt).
				Msg("resuming run carried over from previous process")
		}
		a.records[r.DeviceID] = &r
	}
	for id, h := range a.baselines {
		if _, ok := a.records[id]; !ok {
			a.records[id] = &Record{DeviceID: id, TotalHours: nonNegative(h)}
		}
	}
	return a, nil
}

func sanitize(rec Record) Record {
	rec.TotalHours = nonNegative(rec.TotalHours)
	if rec.IsRunning && rec.RunStartedAt == nil {
		rec.IsRunning = false
	}
	if !rec.IsRunning {
		rec.RunStartedAt = nil
	}
	return rec
}

func nonNegative(h float64) float64 {
	if h < 0 || h != h {
		return 0
	}
	return h
}

// OnTransition records a device's observed state at time at. It reports
// whether the record changed. Repeating the current state is a no-op.
func (a *Accumulator) OnTransition(ctx context.Context, deviceID string, running bool, at time.Time) (bool, error) {
	a.mu.Lock()
	rec, ok := a.records[deviceID]
	if !ok {
		rec = &Record{DeviceID: deviceID, TotalHours: nonNegative(a.baselines[deviceID])}
		a.records[deviceID] = rec
	}

	switch {
	case running && !rec.IsRunning:
		started := at
		rec.RunStartedAt = &started
		rec.IsRunning = true
	case !running && rec.IsRunning:
		elapsed := at.Sub(*rec.RunStartedAt).Hours()
		if elapsed > 0 {
			rec.TotalHours += elapsed
		}
		rec.RunStartedAt = nil
		rec.IsRunning = false
	default:
		a.mu.Unlock()
		return false, nil
	}
	snapshot := a.snapshotLocked()
	a.mu.Unlock()

	a.logger.Debug().Str("device", deviceID).Bool("running", running).Time("at", at).Msg("usage transition")
	return true, a.persist(ctx, snapshot)
}

// Reset zeroes every record. Baselines only seed devices without a record.
// Devices still running restart their run at the reset time.
func (a *Accumulator) Reset(ctx context.Context, at time.Time) error {
	a.mu.Lock()
	for _, rec := range a.records {
		rec.TotalHours = 0
		if rec.IsRunning {
			started := at
			rec.RunStartedAt = &started
		}
	}
	snapshot := a.snapshotLocked()
	a.mu.Unlock()

	a.logger.Warn().Int("devices", len(snapshot)).Msg("usage ledger reset to zero")
	return a.persist(ctx, snapshot)
}

// persist writes the ledger. A failure is returned once per failure streak.
func (a *Accumulator) persist(ctx context.Context, records []Record) error {
	a.saveMu.Lock()
	defer a.saveMu.Unlock()

	if err := a.store.Save(ctx, records); err != nil {
		if a.persistFailing {
			a.logger.Warn().Err(err).Msg("usage ledger still not persisted")
			return nil
		}
		a.persistFailing = true
		a.logger.Error().Err(err).Msg("usage ledger write failed; keeping in-memory state")
		return &telemetry.PersistenceError{Key: LedgerKey, Err: err}
	}
	if a.persistFailing {
		a.logger.Info().Msg("usage ledger persisted again")
	}
	a.persistFailing = false
	return nil
}

func (a *Accumulator) snapshotLocked() []Record {
	out := make([]Record, 0, len(a.records))
	for _, rec := range a.records {
		out = append(out, copyRecord(*rec))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}

func copyRecord(r Record) Record {
	if r.RunStartedAt != nil {
		started := *r.RunStartedAt
		r.RunStartedAt = &started
	}
	return r
}

// Records returns copies of all records ordered by device ID.
func (a *Accumulator) Records() []Record {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.snapshotLocked()
}

// Record returns a copy of one device's record.
func (a *Accumulator) Record(deviceID string) (Record, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	rec, ok := a.records[deviceID]
	if !ok {
		return Record{}, false
	}
	return copyRecord(*rec), true
}

// HoursAt is the total including the in-progress run, for display.
func (a *Accumulator) HoursAt(deviceID string, now time.Time) float64 {
	rec, ok := a.Record(deviceID)
	if !ok {
		return 0
	}
	hours := rec.TotalHours
	if rec.IsRunning {
		if elapsed := now.Sub(*rec.RunStartedAt).Hours(); elapsed > 0 {
			hours += elapsed
		}
	}
	return hours
}
