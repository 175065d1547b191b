// Package supervisor tracks the reachability of every configured location.
//
// Each probe carries a generation number. Starting a new probe, switching
// away from a location or editing its address bumps the generation, and a
// result that arrives with an older generation is dropped, so a slow probe
// can never overwrite the state of a newer one.
package supervisor

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"roomwatch/internal/telemetry"
)

// Status is the published state of one location.
type Status struct {
	Location        telemetry.Location        `json:"location"`
	State           telemetry.ConnectionState `json:"state"`
	ReportedAddress string                    `json:"reportedAddress,omitempty"`
	Error           string                    `json:"error,omitempty"`
	CheckedAt       time.Time                 `json:"checkedAt,omitempty"`
	Generation      uint64                    `json:"generation"`
	Active          bool                      `json:"active"`

	err error
}

// Err returns the error behind a Degraded or Failed state.
func (s Status) Err() error { return s.err }

// ProbeObserver is told about every applied probe result.
type ProbeObserver func(status Status, elapsed time.Duration)

// Options tune the supervisor.
type Options struct {
	Observer ProbeObserver
	Now      func() time.Time
}

type entry struct {
	status Status
	cancel context.CancelFunc
}

// Supervisor owns the connection state of every location.
type Supervisor struct {
	mu      sync.Mutex
	prober  Prober
	entries map[string]*entry
	order   []string
	active  string

	observe ProbeObserver
	now     func() time.Time
	logger  zerolog.Logger
}

// New registers locations in the given order, all in state Unknown.
func New(prober Prober, locations []telemetry.Location, logger zerolog.Logger, opts Options) *Supervisor {
	s := &Supervisor{
		prober:  prober,
		entries: make(map[string]*entry, len(locations)),
		observe: opts.Observer,
		now:     opts.Now,
		logger:  logger.With().Str("component", "supervisor").Logger(),
	}
	if s.now == nil {
		s.now = time.Now
	}
	for _, loc := range locations {
		s.registerLocked(loc)
	}
	return s
}

func (s *Supervisor) registerLocked(loc telemetry.Location) *entry {
	e, ok := s.entries[loc.ID]
	if !ok {
		e = &entry{status: Status{Location: loc, State: telemetry.StateUnknown}}
		s.entries[loc.ID] = e
		s.order = append(s.order, loc.ID)
		return e
	}
	e.status.Location = loc
	return e
}

// begin cancels any in-flight probe of loc, bumps the generation and marks
// the location Probing.
func (s *Supervisor) begin(ctx context.Context, loc telemetry.Location) (context.Context, uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.registerLocked(loc)
	if e.cancel != nil {
		e.cancel()
	}
	probeCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.status.Generation++
	e.status.State = telemetry.StateProbing
	e.status.Error = ""
	e.status.err = nil
	return probeCtx, e.status.Generation
}

func (s *Supervisor) run(ctx context.Context, loc telemetry.Location, gen uint64) (Status, bool) {
	started := s.now()
	var res Result
	if err := telemetry.ValidateAddress(loc.ID, loc.Address); err != nil {
		res = Result{State: telemetry.StateFailed, Err: err}
	} else {
		res = s.prober.Probe(ctx, loc)
	}
	return s.finish(loc.ID, gen, res, s.now().Sub(started))
}

func (s *Supervisor) finish(id string, gen uint64, res Result, elapsed time.Duration) (Status, bool) {
	s.mu.Lock()
	e := s.entries[id]
	if e == nil || e.status.Generation != gen {
		var current Status
		if e != nil {
			current = s.statusLocked(e)
		}
		s.mu.Unlock()
		s.logger.Debug().Str("location", id).Uint64("generation", gen).Msg("discarding superseded probe result")
		return current, false
	}
	if e.cancel != nil {
		e.cancel()
		e.cancel = nil
	}
	e.status.State = res.State
	e.status.ReportedAddress = res.ReportedAddress
	e.status.CheckedAt = s.now()
	e.status.err = res.Err
	e.status.Error = ""
	if res.Err != nil {
		e.status.Error = res.Err.Error()
	}
	status := s.statusLocked(e)
	s.mu.Unlock()

	event := s.logger.Info()
	if res.Err != nil {
		event = s.logger.Warn().Err(res.Err)
	}
	event.Str("location", id).Str("state", res.State.String()).Dur("elapsed", elapsed).Msg("probe finished")

	if s.observe != nil {
		s.observe(status, elapsed)
	}
	return status, true
}

// Probe runs a probe and blocks until it completes. The returned status is
// the location's state afterwards, which is unchanged from before if the
// probe was superseded.
func (s *Supervisor) Probe(ctx context.Context, loc telemetry.Location) Status {
	probeCtx, gen := s.begin(ctx, loc)
	status, _ := s.run(probeCtx, loc, gen)
	return status
}

// ProbeAsync marks the location Probing before returning and probes in the
// background. The channel yields the applied status, or is closed without a
// value when the result was superseded.
func (s *Supervisor) ProbeAsync(ctx context.Context, loc telemetry.Location) <-chan Status {
	probeCtx, gen := s.begin(ctx, loc)
	out := make(chan Status, 1)
	go func() {
		defer close(out)
		if status, applied := s.run(probeCtx, loc, gen); applied {
			out <- status
		}
	}()
	return out
}

// Switch makes loc the active location. The previous active location's
// in-flight probe is cancelled and its state returns to Unknown.
func (s *Supervisor) Switch(loc telemetry.Location) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.active
	s.registerLocked(loc)
	s.active = loc.ID
	if prev == "" || prev == loc.ID {
		return
	}
	if e := s.entries[prev]; e != nil {
		if e.cancel != nil {
			e.cancel()
			e.cancel = nil
		}
		e.status.Generation++
		e.status.State = telemetry.StateUnknown
		e.status.Error = ""
		e.status.err = nil
		e.status.ReportedAddress = ""
	}
	s.logger.Info().Str("from", prev).Str("to", loc.ID).Msg("active location switched")
}

// SetAddress records an edited address and starts a fresh probe. Results of
// probes against the old address are discarded.
func (s *Supervisor) SetAddress(ctx context.Context, loc telemetry.Location) <-chan Status {
	s.logger.Info().Str("location", loc.ID).Str("address", loc.Address).Msg("address changed")
	return s.ProbeAsync(ctx, loc)
}

// Require is the gate for feed subscriptions and history fetches.
func (s *Supervisor) Require(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return telemetry.NotConnected(id, telemetry.StateUnknown)
	}
	if e.status.State != telemetry.StateConnected {
		return telemetry.NotConnected(id, e.status.State)
	}
	return nil
}

// Generation returns the current probe generation of a location.
func (s *Supervisor) Generation(id string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[id]; ok {
		return e.status.Generation
	}
	return 0
}

// NeedsRetry reports whether the refresh timer should re-probe a location:
// Degraded, or Failed for a reason other than its configuration.
func (s *Supervisor) NeedsRetry(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return false
	}
	switch e.status.State {
	case telemetry.StateDegraded:
		return true
	case telemetry.StateFailed:
		var cfgErr *telemetry.ConfigurationError
		return !errors.As(e.status.err, &cfgErr)
	default:
		return false
	}
}

// Location returns the registered location.
func (s *Supervisor) Location(id string) (telemetry.Location, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return telemetry.Location{}, false
	}
	return e.status.Location, true
}

// Active returns the active location ID, if any.
func (s *Supervisor) Active() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

func (s *Supervisor) Status(id string) (Status, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return Status{}, false
	}
	return s.statusLocked(e), true
}

// Statuses returns every location in registration order.
func (s *Supervisor) Statuses() []Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Status, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.statusLocked(s.entries[id]))
	}
	return out
}

func (s *Supervisor) statusLocked(e *entry) Status {
	st := e.status
	st.Active = st.Location.ID == s.active
	return st
}
