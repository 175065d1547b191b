package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"roomwatch/internal/alerting"
	"roomwatch/internal/cost"
	"roomwatch/internal/feed"
	"roomwatch/internal/history"
	"roomwatch/internal/storage"
	"roomwatch/internal/supervisor"
	"roomwatch/internal/telemetry"
	"roomwatch/internal/threshold"
	"roomwatch/internal/usage"
)

var base = time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)

type fakeProber struct {
	mu      sync.Mutex
	results map[string]supervisor.Result
	hold    map[string]chan struct{}
	calls   map[string]int
}

func newFakeProber() *fakeProber {
	return &fakeProber{
		results: make(map[string]supervisor.Result),
		hold:    make(map[string]chan struct{}),
		calls:   make(map[string]int),
	}
}

func (p *fakeProber) Probe(ctx context.Context, loc telemetry.Location) supervisor.Result {
	p.mu.Lock()
	p.calls[loc.ID]++
	hold := p.hold[loc.ID]
	res, ok := p.results[loc.ID]
	p.mu.Unlock()
	if hold != nil {
		select {
		case <-hold:
		case <-ctx.Done():
			return supervisor.Result{State: telemetry.StateDegraded, Err: ctx.Err()}
		}
	}
	if !ok {
		res = supervisor.Result{State: telemetry.StateConnected}
	}
	return res
}

type fakeConn struct {
	msgs   chan []byte
	closed chan struct{}
	once   sync.Once
}

func (c *fakeConn) ReadMessage() ([]byte, error) {
	select {
	case m := <-c.msgs:
		return m, nil
	case <-c.closed:
		return nil, feed.ErrConnClosed
	}
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) push(msg string) { c.msgs <- []byte(msg) }

type fakeDialer struct {
	mu     sync.Mutex
	urls   []string
	dialed chan *fakeConn
}

func (d *fakeDialer) Dial(_ context.Context, url string) (feed.Conn, error) {
	c := &fakeConn{msgs: make(chan []byte, 8), closed: make(chan struct{})}
	d.mu.Lock()
	d.urls = append(d.urls, url)
	d.mu.Unlock()
	d.dialed <- c
	return c, nil
}

func (d *fakeDialer) dials() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.urls...)
}

type fakeFetcher struct {
	mu      sync.Mutex
	samples map[string][]telemetry.Sample
	calls   atomic.Int32
}

func (f *fakeFetcher) FetchRange(_ context.Context, loc telemetry.Location, _ history.Range) ([]telemetry.Sample, error) {
	f.calls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.samples[loc.ID], nil
}

type fakeSink struct {
	mu    sync.Mutex
	notes []alerting.Notification
}

func (s *fakeSink) Dispatch(_ context.Context, note alerting.Notification) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notes = append(s.notes, note)
	return []string{"stub"}, nil
}

func (s *fakeSink) sent() []alerting.Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]alerting.Notification(nil), s.notes...)
}

// steppingClock advances one hour per call.
func steppingClock() func() time.Time {
	var n atomic.Int64
	return func() time.Time {
		return base.Add(time.Duration(n.Add(1)-1) * time.Hour)
	}
}

type harness struct {
	sess    *Session
	sup     *supervisor.Supervisor
	prober  *fakeProber
	dialer  *fakeDialer
	fetcher *fakeFetcher
	sink    *fakeSink
	kv      *storage.MemoryStore
	acc     *usage.Accumulator

	cancel context.CancelFunc
	done   chan error
}

var rooms = []telemetry.Location{
	{ID: "1", Name: "Room 1", Address: "http://room1.test"},
	{ID: "2", Name: "Room 2", Address: "http://room2.test"},
}

func newHarness(t *testing.T, prober *fakeProber, polling map[string]bool) *harness {
	t.Helper()
	logger := zerolog.Nop()
	h := &harness{
		prober:  prober,
		dialer:  &fakeDialer{dialed: make(chan *fakeConn, 8)},
		fetcher: &fakeFetcher{samples: make(map[string][]telemetry.Sample)},
		sink:    &fakeSink{},
		kv:      storage.NewMemoryStore(),
	}
	h.sup = supervisor.New(prober, rooms, logger, supervisor.Options{})
	client := feed.NewClient(h.dialer, h.sup, feed.Options{ReconnectDelay: time.Hour, Now: steppingClock()}, logger)
	cache := history.NewCache(h.fetcher, h.sup, history.Options{}, logger)
	t.Cleanup(cache.Close)

	acc, err := usage.Open(context.Background(), usage.NewKVStore(h.kv, usage.LedgerKey), nil, logger)
	if err != nil {
		t.Fatalf("open usage: %v", err)
	}
	h.acc = acc
	model := cost.NewModel(7.15, []cost.Class{{Name: "fan", PowerWatts: 75}, {Name: "light", PowerWatts: 40}}, nil)

	sess, err := New(Deps{
		Supervisor: h.sup,
		Feed:       client,
		History:    cache,
		Usage:      acc,
		Cost:       model,
		Alerts:     h.sink,
		Settings:   h.kv,
	}, Options{
		Locations:      rooms,
		ActiveLocation: "1",
		WindowSize:     5,
		Thresholds:     map[string]float64{telemetry.MetricTemperature: 29, telemetry.MetricHumidity: 85},
		Polling:        polling,
	}, logger)
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	h.sess = sess
	return h
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	h.done = make(chan error, 1)
	go func() { h.done <- h.sess.Run(ctx) }()
	t.Cleanup(h.stop)
}

func (h *harness) stop() {
	if h.cancel == nil {
		return
	}
	h.cancel()
	<-h.done
	h.cancel = nil
}

func (h *harness) nextConn(t *testing.T) *fakeConn {
	t.Helper()
	select {
	case c := <-h.dialer.dialed:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("no feed dial")
		return nil
	}
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestFeedDrivesSeriesAlertsAndUsage(t *testing.T) {
	h := newHarness(t, newFakeProber(), nil)
	h.start(t)

	conn := h.nextConn(t)
	if urls := h.dialer.dials(); urls[0] != "ws://room1.test" {
		t.Fatalf("dialed %v", urls)
	}
	conn.push(`{"sensors":{"temperature":28.5,"humidity":60},"fan":true}`)
	conn.push(`{"sensors":{"temperature":30.1}}`)

	eventually(t, "alert", func() bool { return len(h.sess.View().Alerts) == 1 })
	v := h.sess.View()
	if got := v.Snapshot.Metrics[telemetry.MetricHumidity]; got != 60 {
		t.Fatalf("partial message lost humidity: %v", v.Snapshot.Metrics)
	}
	if got := len(v.Series[telemetry.MetricTemperature]); got != 2 {
		t.Fatalf("temperature series len = %d", got)
	}
	if v.Connection != telemetry.StateConnected {
		t.Fatalf("connection = %s", v.Connection)
	}
	if v.FeedDials != 1 || v.AlertPolicy != threshold.SuppressUntilDrop {
		t.Fatalf("feed dials = %d, policy = %q", v.FeedDials, v.AlertPolicy)
	}

	eventually(t, "alert delivery", func() bool { return len(h.sink.sent()) == 1 })
	note := h.sink.sent()[0]
	if note.Metric != telemetry.MetricTemperature || note.LocationName != "Room 1" || !note.Value.Equal(decimal.NewFromFloat(30.1)) {
		t.Fatalf("notification = %+v", note)
	}

	conn.push(`{"fan":false}`)
	eventually(t, "fan stopped", func() bool {
		rec, ok := h.acc.Record("fan")
		return ok && !rec.IsRunning
	})
	if rec, _ := h.acc.Record("fan"); rec.TotalHours != 2 {
		t.Fatalf("fan hours = %v, want 2", rec.TotalHours)
	}
}

func TestAcknowledgeClearsLiveAlert(t *testing.T) {
	h := newHarness(t, newFakeProber(), nil)
	h.start(t)
	conn := h.nextConn(t)
	conn.push(`{"sensors":{"humidity":90}}`)
	eventually(t, "alert", func() bool { return len(h.sess.View().Alerts) == 1 })

	acked, err := h.sess.Acknowledge(context.Background(), telemetry.MetricHumidity)
	if err != nil || !acked {
		t.Fatalf("ack = %v, %v", acked, err)
	}
	if n := len(h.sess.View().Alerts); n != 0 {
		t.Fatalf("live alerts after ack = %d", n)
	}
	if acked, _ := h.sess.Acknowledge(context.Background(), telemetry.MetricHumidity); acked {
		t.Fatal("second ack should report nothing live")
	}
}

func TestSelectLocationResetsStateAndPersists(t *testing.T) {
	h := newHarness(t, newFakeProber(), nil)
	h.start(t)
	first := h.nextConn(t)
	first.push(`{"sensors":{"temperature":22}}`)
	eventually(t, "first sample", func() bool { return len(h.sess.View().Series[telemetry.MetricTemperature]) == 1 })

	if err := h.sess.SelectLocation(context.Background(), "2"); err != nil {
		t.Fatalf("select: %v", err)
	}
	v := h.sess.View()
	if v.ActiveLocation != "2" || v.Snapshot.LocationID != "2" || len(v.Series) != 0 {
		t.Fatalf("state carried over: active=%s snapshot=%s series=%v", v.ActiveLocation, v.Snapshot.LocationID, v.Series)
	}
	if _, err := h.sess.History(context.Background(), "1", history.Range1h); !errors.Is(err, history.ErrSuperseded) {
		t.Fatalf("history for previous location err = %v", err)
	}
	select {
	case <-first.closed:
	case <-time.After(2 * time.Second):
		t.Fatal("previous feed connection left open")
	}
	if st, _ := h.sup.Status("1"); st.State != telemetry.StateUnknown {
		t.Fatalf("previous location state = %s", st.State)
	}

	h.nextConn(t)
	if urls := h.dialer.dials(); urls[len(urls)-1] != "ws://room2.test" {
		t.Fatalf("dialed %v", urls)
	}
	var saved Settings
	if ok, err := h.kv.Get(context.Background(), SettingsKey, &saved); !ok || err != nil || saved.ActiveLocation != "2" {
		t.Fatalf("settings = %+v ok=%v err=%v", saved, ok, err)
	}

	if err := h.sess.SelectLocation(context.Background(), "9"); !errors.Is(err, ErrUnknownLocation) {
		t.Fatalf("unknown location err = %v", err)
	}
}

func TestUsageLedgerSpansLocations(t *testing.T) {
	h := newHarness(t, newFakeProber(), nil)
	h.start(t)
	h.nextConn(t).push(`{"fan":true}`)
	eventually(t, "fan running", func() bool {
		rec, ok := h.acc.Record("fan")
		return ok && rec.IsRunning
	})

	if err := h.sess.SelectLocation(context.Background(), "2"); err != nil {
		t.Fatalf("select: %v", err)
	}
	h.nextConn(t).push(`{"fan":false}`)
	eventually(t, "fan stopped", func() bool {
		rec, ok := h.acc.Record("fan")
		return ok && !rec.IsRunning
	})
	if rec, _ := h.acc.Record("fan"); rec.TotalHours != 1 {
		t.Fatalf("fan hours = %v, want the run started in room 1 to end in room 2", rec.TotalHours)
	}
	if n := len(h.acc.Records()); n != 1 {
		t.Fatalf("records = %d, want one household record per device", n)
	}
}

func TestSwitchDiscardsInFlightProbe(t *testing.T) {
	prober := newFakeProber()
	prober.hold["1"] = make(chan struct{})
	h := newHarness(t, prober, nil)
	h.start(t)

	eventually(t, "probe of 1", func() bool {
		prober.mu.Lock()
		defer prober.mu.Unlock()
		return prober.calls["1"] == 1
	})
	if err := h.sess.SelectLocation(context.Background(), "2"); err != nil {
		t.Fatalf("select: %v", err)
	}
	eventually(t, "room 2 connected", func() bool { return h.sess.View().Connection == telemetry.StateConnected })
	if st, _ := h.sup.Status("1"); st.State != telemetry.StateUnknown {
		t.Fatalf("superseded probe applied: %s", st.State)
	}
}

func TestNotConnectedGatesFeedAndHistory(t *testing.T) {
	prober := newFakeProber()
	prober.results["1"] = supervisor.Result{
		State: telemetry.StateFailed,
		Err:   &telemetry.ConnectivityError{LocationID: "1", Op: "probe", Err: errors.New("connection refused")},
	}
	h := newHarness(t, prober, nil)
	h.start(t)

	eventually(t, "failed state", func() bool { return h.sess.View().Connection == telemetry.StateFailed })
	if _, err := h.sess.History(context.Background(), "1", history.Range24h); !errors.Is(err, telemetry.ErrNotConnected) {
		t.Fatalf("history err = %v", err)
	}
	if n := len(h.dialer.dials()); n != 0 {
		t.Fatalf("feed dialed %d times while failed", n)
	}
	if !h.sup.NeedsRetry("1") {
		t.Fatal("connectivity failure should be retried")
	}

	prober.mu.Lock()
	delete(prober.results, "1")
	prober.mu.Unlock()
	if err := h.sess.Tick(context.Background(), base); err != nil {
		t.Fatalf("tick: %v", err)
	}
	h.nextConn(t)
	eventually(t, "reconnected", func() bool { return h.sess.View().Connection == telemetry.StateConnected })
}

func TestPollingLocationIngestsLatestSample(t *testing.T) {
	h := newHarness(t, newFakeProber(), map[string]bool{"1": true})
	h.fetcher.samples["1"] = []telemetry.Sample{
		telemetry.NewSample(base, map[string]float64{telemetry.MetricTemperature: 25}),
		telemetry.NewSample(base.Add(time.Minute), map[string]float64{telemetry.MetricTemperature: 31}),
	}
	h.start(t)

	eventually(t, "polled sample", func() bool {
		return h.sess.View().Snapshot.Metrics[telemetry.MetricTemperature] == 31
	})
	v := h.sess.View()
	if !v.Polling || len(v.Alerts) != 1 {
		t.Fatalf("polling=%v alerts=%v", v.Polling, v.Alerts)
	}
	if err := h.sess.Tick(context.Background(), base); err != nil {
		t.Fatalf("tick: %v", err)
	}
	eventually(t, "second poll", func() bool { return h.fetcher.calls.Load() >= 2 })
	if n := len(h.dialer.dials()); n != 0 {
		t.Fatalf("polling location dialed the feed %d times", n)
	}
}

func TestSetAddressMalformedFailsWithoutRetry(t *testing.T) {
	h := newHarness(t, newFakeProber(), nil)
	h.start(t)
	conn := h.nextConn(t)

	err := h.sess.SetAddress(context.Background(), "1", "room-one")
	var cfgErr *telemetry.ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("err = %v, want ConfigurationError", err)
	}
	select {
	case <-conn.closed:
	case <-time.After(2 * time.Second):
		t.Fatal("feed for old address left open")
	}
	eventually(t, "failed state", func() bool {
		st, _ := h.sup.Status("1")
		return st.State == telemetry.StateFailed
	})
	if h.sup.NeedsRetry("1") {
		t.Fatal("configuration failures wait for an address edit")
	}
	if loc, _ := h.sess.View().Location("1"); loc.Address != "room-one" {
		t.Fatalf("address = %q", loc.Address)
	}
}

func TestRunRestoresSettings(t *testing.T) {
	h := newHarness(t, newFakeProber(), nil)
	err := h.kv.Put(context.Background(), SettingsKey, Settings{
		ActiveLocation: "2",
		Addresses:      map[string]string{"2": "http://room2b.test"},
		Thresholds:     map[string]float64{telemetry.MetricTemperature: 20},
	})
	if err != nil {
		t.Fatalf("seed settings: %v", err)
	}
	h.start(t)

	h.nextConn(t)
	if urls := h.dialer.dials(); urls[0] != "ws://room2b.test" {
		t.Fatalf("dialed %v", urls)
	}
	v := h.sess.View()
	if v.ActiveLocation != "2" || v.Thresholds[telemetry.MetricTemperature] != 20 {
		t.Fatalf("active=%s thresholds=%v", v.ActiveLocation, v.Thresholds)
	}
}

func TestCommandsAfterStop(t *testing.T) {
	h := newHarness(t, newFakeProber(), nil)
	h.start(t)
	h.nextConn(t)
	h.stop()
	if err := h.sess.SelectLocation(context.Background(), "2"); !errors.Is(err, ErrStopped) {
		t.Fatalf("err = %v", err)
	}
}

func TestBuildUsageReport(t *testing.T) {
	acc, err := usage.Open(context.Background(), usage.NewKVStore(storage.NewMemoryStore(), usage.LedgerKey),
		map[string]float64{"fan": 3, "light1": 3}, zerolog.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	model := cost.NewModel(7.15, []cost.Class{{Name: "fan", PowerWatts: 75}, {Name: "light", PowerWatts: 40}}, nil)

	report := BuildUsageReport(acc, model, base)
	if len(report.Devices) != 2 || report.Devices[0].Record.DeviceID != "fan" {
		t.Fatalf("devices = %+v", report.Devices)
	}
	if want := decimal.RequireFromString("1.60875"); !report.Devices[0].Cost.Cost.Equal(want) {
		t.Fatalf("fan cost = %s, want %s", report.Devices[0].Cost.Cost, want)
	}
	if want := decimal.RequireFromString("0.345"); !report.Total.Units.Equal(want) {
		t.Fatalf("total units = %s, want %s", report.Total.Units, want)
	}
}
