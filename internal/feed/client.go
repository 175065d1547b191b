// Package feed maintains push subscriptions to the room controllers.
//
// A subscription moves Idle → Connecting → Open and, whenever the connection
// drops, Closed → Connecting again after a fixed delay. Cancel moves it to the
// terminal Cancelled state. One goroutine per subscription owns the
// connection and the single reconnect timer.
package feed

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"roomwatch/internal/telemetry"
)

// State is the lifecycle state of a subscription.
type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateClosed
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	case StateCancelled:
		return "cancelled"
	default:
		return "idle"
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Gate refuses subscriptions for locations that are not connected.
type Gate interface {
	Require(locationID string) error
}

// Options tune the client.
type Options struct {
	ReconnectDelay time.Duration
	BufferSize     int
	OnState        func(locationID string, state State)
	OnMessage      func(locationID string, decoded bool)
	Now            func() time.Time
}

// Client opens subscriptions.
type Client struct {
	dialer Dialer
	gate   Gate
	opts   Options
	logger zerolog.Logger
}

// NewClient constructs a client. The reconnect delay defaults to 3s.
func NewClient(dialer Dialer, gate Gate, opts Options, logger zerolog.Logger) *Client {
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = 3 * time.Second
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = 16
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Client{
		dialer: dialer,
		gate:   gate,
		opts:   opts,
		logger: logger.With().Str("component", "feed").Logger(),
	}
}

// Subscribe starts a subscription to loc's feed. It is refused with the gate
// error when the location is not Connected.
func (c *Client) Subscribe(ctx context.Context, loc telemetry.Location) (*Subscription, error) {
	if c.gate != nil {
		if err := c.gate.Require(loc.ID); err != nil {
			return nil, err
		}
	}
	feedURL := loc.ResolvedFeedURL()
	if feedURL == "" {
		return nil, &telemetry.ConfigurationError{LocationID: loc.ID, Address: loc.Address, Reason: "no feed url"}
	}

	subCtx, cancel := context.WithCancel(ctx)
	s := &Subscription{
		client:  c,
		loc:     loc,
		url:     feedURL,
		updates: make(chan telemetry.Snapshot, c.opts.BufferSize),
		cancel:  cancel,
		done:    make(chan struct{}),
		logger:  c.logger.With().Str("location", loc.ID).Str("url", feedURL).Logger(),
	}
	go s.run(subCtx)
	return s, nil
}

// Subscription is a live feed for one location.
type Subscription struct {
	client  *Client
	loc     telemetry.Location
	url     string
	updates chan telemetry.Snapshot
	state   atomic.Int32
	dials   atomic.Uint64
	cancel  context.CancelFunc
	done    chan struct{}
	logger  zerolog.Logger
}

// Updates delivers merged snapshots in message arrival order. It is closed
// once the subscription is cancelled.
func (s *Subscription) Updates() <-chan telemetry.Snapshot { return s.updates }

func (s *Subscription) State() State { return State(s.state.Load()) }

// Dials counts connection attempts.
func (s *Subscription) Dials() uint64 { return s.dials.Load() }

// Cancel stops the subscription. No reconnect happens afterwards.
func (s *Subscription) Cancel() { s.cancel() }

// Done is closed when the subscription goroutine has exited.
func (s *Subscription) Done() <-chan struct{} { return s.done }

func (s *Subscription) setState(st State) {
	s.state.Store(int32(st))
	if s.client.opts.OnState != nil {
		s.client.opts.OnState(s.loc.ID, st)
	}
}

func (s *Subscription) run(ctx context.Context) {
	defer close(s.done)
	defer close(s.updates)
	defer s.setState(StateCancelled)

	snap := telemetry.NewSnapshot(s.loc.ID)
	for {
		if ctx.Err() != nil {
			return
		}
		s.setState(StateConnecting)
		s.dials.Add(1)
		conn, err := s.client.dialer.Dial(ctx, s.url)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Warn().Err(err).Dur("retry_in", s.client.opts.ReconnectDelay).Msg("feed connect failed")
			s.setState(StateClosed)
			if !s.wait(ctx) {
				return
			}
			continue
		}
		if ctx.Err() != nil {
			_ = conn.Close()
			return
		}

		s.setState(StateOpen)
		s.logger.Info().Msg("feed open")
		err = s.read(ctx, conn, &snap)
		_ = conn.Close()
		if ctx.Err() != nil {
			return
		}
		s.setState(StateClosed)
		s.logger.Warn().Err(err).Dur("retry_in", s.client.opts.ReconnectDelay).Msg("feed closed")
		if !s.wait(ctx) {
			return
		}
	}
}

// read consumes messages until the connection fails or ctx is done.
func (s *Subscription) read(ctx context.Context, conn Conn, snap *telemetry.Snapshot) error {
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	for {
		data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		patch, err := telemetry.DecodePatch(data)
		if err != nil {
			s.logger.Warn().Err(err).Int("bytes", len(data)).Msg("skipping undecodable feed message")
			s.observeMessage(false)
			continue
		}
		s.observeMessage(true)
		if patch.Empty() {
			continue
		}
		snap.Apply(patch, s.client.opts.Now())
		select {
		case s.updates <- snap.Clone():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *Subscription) observeMessage(decoded bool) {
	if s.client.opts.OnMessage != nil {
		s.client.opts.OnMessage(s.loc.ID, decoded)
	}
}

func (s *Subscription) wait(ctx context.Context) bool {
	timer := time.NewTimer(s.client.opts.ReconnectDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return ctx.Err() == nil
	}
}
