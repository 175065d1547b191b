// Package history serves historical ranges with a per-location cache.
package history

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"roomwatch/internal/telemetry"
)

// ErrSuperseded is returned when the location changed while a fetch was in flight.
var ErrSuperseded = errors.New("history fetch superseded by location change")

// Gate is the connection supervisor as seen by the cache.
type Gate interface {
	Require(locationID string) error
	Generation(locationID string) uint64
}

// Outcome labels how a request was served.
type Outcome string

const (
	OutcomeHit        Outcome = "hit"
	OutcomeMiss       Outcome = "miss"
	OutcomeStale      Outcome = "stale"
	OutcomeError      Outcome = "error"
	OutcomeSuperseded Outcome = "superseded"
)

// Options tune the cache.
type Options struct {
	TTL       time.Duration
	Now       func() time.Time
	OnOutcome func(r Range, outcome Outcome)
}

type key struct {
	location string
	rng      Range
}

func (k key) String() string { return k.location + "/" + string(k.rng) }

type entry struct {
	samples    []telemetry.Sample
	fetchedAt  time.Time
	generation uint64
}

// Cache holds the last successful fetch per (location, range) for the current
// location only.
type Cache struct {
	fetcher Fetcher
	gate    Gate
	opts    Options
	logger  zerolog.Logger
	group   singleflight.Group

	mu          sync.Mutex
	location    string
	entries     map[key]*entry
	epoch       uint64
	epochCtx    context.Context
	epochCancel context.CancelFunc
}

// NewCache constructs a cache. A zero TTL selects 30s.
func NewCache(fetcher Fetcher, gate Gate, opts Options, logger zerolog.Logger) *Cache {
	if opts.TTL <= 0 {
		opts.TTL = 30 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Cache{
		fetcher:     fetcher,
		gate:        gate,
		opts:        opts,
		logger:      logger.With().Str("component", "history").Logger(),
		entries:     make(map[key]*entry),
		epochCtx:    ctx,
		epochCancel: cancel,
	}
}

// SetLocation drops every entry and cancels in-flight fetches unless id is
// already the current location.
func (c *Cache) SetLocation(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.location == id {
		return
	}
	c.resetLocked(id)
}

// Invalidate drops every entry of the current location.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resetLocked(c.location)
}

// Close cancels in-flight fetches.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.epochCancel()
}

func (c *Cache) resetLocked(id string) {
	c.epochCancel()
	c.epochCtx, c.epochCancel = context.WithCancel(context.Background())
	c.epoch++
	c.location = id
	c.entries = make(map[key]*entry)
}

// Fetch serves a range from the cache or the location. On a failed fetch with
// a cached entry it returns the cached samples together with a
// *telemetry.StaleDataError.
func (c *Cache) Fetch(ctx context.Context, loc telemetry.Location, r Range) ([]telemetry.Sample, error) {
	return c.fetch(ctx, loc, r, false)
}

// Refresh always fetches, updating the entry on success.
func (c *Cache) Refresh(ctx context.Context, loc telemetry.Location, r Range) ([]telemetry.Sample, error) {
	return c.fetch(ctx, loc, r, true)
}

func (c *Cache) fetch(ctx context.Context, loc telemetry.Location, r Range, force bool) ([]telemetry.Sample, error) {
	if err := c.gate.Require(loc.ID); err != nil {
		return nil, err
	}
	k := key{location: loc.ID, rng: r}

	c.mu.Lock()
	if c.location != loc.ID {
		c.resetLocked(loc.ID)
	}
	gen := c.gate.Generation(loc.ID)
	if e, ok := c.entries[k]; ok && !force && e.generation == gen && c.opts.Now().Sub(e.fetchedAt) < c.opts.TTL {
		samples := copySamples(e.samples)
		c.mu.Unlock()
		c.observe(r, OutcomeHit)
		return samples, nil
	}
	epoch := c.epoch
	epochCtx := c.epochCtx
	c.mu.Unlock()

	flightKey := fmt.Sprintf("%d/%s", epoch, k)
	ch := c.group.DoChan(flightKey, func() (any, error) {
		return c.fetcher.FetchRange(epochCtx, loc, r)
	})

	var res singleflight.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.epoch != epoch {
		c.logger.Debug().Str("location", loc.ID).Str("range", string(r)).Msg("discarding history for previous location")
		c.observe(r, OutcomeSuperseded)
		return nil, ErrSuperseded
	}

	if res.Err != nil {
		if e, ok := c.entries[k]; ok {
			c.logger.Warn().Err(res.Err).Str("location", loc.ID).Str("range", string(r)).
				Time("fetched_at", e.fetchedAt).Msg("history fetch failed; serving cached samples")
			c.observe(r, OutcomeStale)
			return copySamples(e.samples), &telemetry.StaleDataError{Key: k.String(), Err: res.Err}
		}
		c.observe(r, OutcomeError)
		return nil, fmt.Errorf("fetch %s history for %s: %w", r, loc.ID, res.Err)
	}

	samples, _ := res.Val.([]telemetry.Sample)
	c.entries[k] = &entry{samples: copySamples(samples), fetchedAt: c.opts.Now(), generation: gen}
	c.observe(r, OutcomeMiss)
	return copySamples(samples), nil
}

func (c *Cache) observe(r Range, outcome Outcome) {
	if c.opts.OnOutcome != nil {
		c.opts.OnOutcome(r, outcome)
	}
}

func copySamples(in []telemetry.Sample) []telemetry.Sample {
	out := make([]telemetry.Sample, len(in))
	copy(out, in)
	return out
}
