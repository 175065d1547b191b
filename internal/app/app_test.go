package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"roomwatch/internal/config"
	"roomwatch/internal/session"
	"roomwatch/internal/storage"
	"roomwatch/internal/telemetry"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Locations: []config.LocationConfig{
			{ID: "1", Address: "http://192.168.1.170:5000"},
			{ID: "2", Name: "Bedroom", Address: "http://192.168.1.171:5000"},
		},
		ActiveLocation: "1",
		Thresholds:     map[string]float64{telemetry.MetricTemperature: 29, telemetry.MetricHumidity: 85},
		Alerting:       config.AlertingConfig{Policy: "suppress_until_drop"},
		Usage: config.UsageConfig{
			RatePerUnit: 7.15,
			Classes:     map[string]config.ClassConfig{"fan": {PowerWatts: 75}},
			Devices:     map[string]config.DeviceConfig{"fan": {Class: "fan", BaselineHours: 3}},
		},
		Storage: config.StorageConfig{Backend: config.BackendFile, Path: filepath.Join(t.TempDir(), "state.json")},
	}
}

func TestLocationsAppliesPersistedSettings(t *testing.T) {
	cfg := testConfig(t)
	fs, err := storage.OpenFileStore(cfg.Storage.Path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	settings := session.Settings{ActiveLocation: "2", Addresses: map[string]string{"2": "http://10.0.0.9:5000"}}
	if err := fs.Put(context.Background(), session.SettingsKey, settings); err != nil {
		t.Fatalf("put: %v", err)
	}

	a := NewApp(cfg, zerolog.Nop())
	locs, active := a.locations(context.Background(), fs)
	if active != "2" {
		t.Fatalf("active = %q", active)
	}
	if locs[1].Address != "http://10.0.0.9:5000" || locs[0].Address != "http://192.168.1.170:5000" {
		t.Fatalf("locations = %+v", locs)
	}
	if locs[0].Name != "Room 1" {
		t.Fatalf("default name = %q", locs[0].Name)
	}
}

func TestUsageShowPricesBaseline(t *testing.T) {
	a := NewApp(testConfig(t), zerolog.Nop())

	var out bytes.Buffer
	if err := a.UsageShow(context.Background(), &out); err != nil {
		t.Fatalf("usage show: %v", err)
	}
	text := out.String()
	for _, want := range []string{"fan", "3.00", "0.225", "1.61", "7.15 per kWh"} {
		if !strings.Contains(text, want) {
			t.Fatalf("output missing %q:\n%s", want, text)
		}
	}
}

func TestSimulateAlertRequiresChannel(t *testing.T) {
	a := NewApp(testConfig(t), zerolog.Nop())
	err := a.SimulateAlert(context.Background(), SimulateOptions{Metric: telemetry.MetricTemperature, Value: 31})
	if err == nil || !strings.Contains(err.Error(), "no alert channel") {
		t.Fatalf("err = %v", err)
	}
}

func TestSimulateAlertDelivers(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	defer srv.Close()

	cfg := testConfig(t)
	cfg.Alerting.Telegram = config.TelegramConfig{Enabled: true, BotToken: "token", ChatID: "chat", APIBase: srv.URL}
	a := NewApp(cfg, zerolog.Nop())

	err := a.SimulateAlert(context.Background(), SimulateOptions{Metric: telemetry.MetricTemperature, Value: 28})
	if err == nil || !strings.Contains(err.Error(), "does not exceed") {
		t.Fatalf("below threshold err = %v", err)
	}
	if calls.Load() != 0 {
		t.Fatalf("below threshold sent %d messages", calls.Load())
	}

	if err := a.SimulateAlert(context.Background(), SimulateOptions{LocationID: "2", Metric: telemetry.MetricTemperature, Value: 31}); err != nil {
		t.Fatalf("simulate: %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("sent %d messages", calls.Load())
	}
}

func TestCostModelFromConfig(t *testing.T) {
	a := NewApp(testConfig(t), zerolog.Nop())
	model := a.newCostModel()
	if class, ok := model.ClassOf("fan"); !ok || class.PowerWatts != 75 {
		t.Fatalf("class = %+v ok=%v", class, ok)
	}
	if model.RatePerUnit() != 7.15 {
		t.Fatalf("rate = %v", model.RatePerUnit())
	}
}

func TestUsageResetRefusedWhileLedgerHeld(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	cfg.Usage.Devices["fan"] = config.DeviceConfig{Class: "fan"}
	a := NewApp(cfg, zerolog.Nop())

	// A running service holds the lock and has accrued on-time.
	running, err := a.openBackend(ctx)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	unlock, err := a.lockUsage(ctx, running)
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	acc, err := a.openUsage(ctx, running.kv)
	if err != nil {
		t.Fatalf("usage: %v", err)
	}
	start := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	if _, err := acc.OnTransition(ctx, "fan", true, start); err != nil {
		t.Fatalf("on: %v", err)
	}
	if _, err := acc.OnTransition(ctx, "fan", false, start.Add(10*time.Hour)); err != nil {
		t.Fatalf("off: %v", err)
	}

	if err := a.UsageReset(ctx); !errors.Is(err, ErrLedgerLocked) {
		t.Fatalf("reset while held: err = %v", err)
	}
	if _, err := acc.OnTransition(ctx, "fan", true, start.Add(11*time.Hour)); err != nil {
		t.Fatalf("on: %v", err)
	}
	if rec, _ := acc.Record("fan"); rec.TotalHours != 10 {
		t.Fatalf("running ledger = %+v", rec)
	}

	unlock()
	if err := a.UsageReset(ctx); err != nil {
		t.Fatalf("reset after release: %v", err)
	}
	b, err := a.openBackend(ctx)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	reopened, err := a.openUsage(ctx, b.kv)
	if err != nil {
		t.Fatalf("usage: %v", err)
	}
	if rec, _ := reopened.Record("fan"); rec.TotalHours != 0 {
		t.Fatalf("after reset = %+v", rec)
	}
}
