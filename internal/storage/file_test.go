package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

type ledgerEntry struct {
	DeviceID     string     `json:"deviceId"`
	TotalHours   float64    `json:"totalHours"`
	RunStartedAt *time.Time `json:"runStartedAt,omitempty"`
}

func TestFileStoreRoundTripAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state.json")

	s, err := OpenFileStore(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	var missing []ledgerEntry
	if found, err := s.Get(ctx, "deviceUsage", &missing); err != nil || found {
		t.Fatalf("empty store: found=%v err=%v", found, err)
	}

	started := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	in := []ledgerEntry{{DeviceID: "fan", TotalHours: 4.5, RunStartedAt: &started}}
	if err := s.Put(ctx, "deviceUsage", in); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := s.Put(ctx, "settings", map[string]string{"activeLocation": "2"}); err != nil {
		t.Fatalf("put settings: %v", err)
	}

	reopened, err := OpenFileStore(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	var out []ledgerEntry
	found, err := reopened.Get(ctx, "deviceUsage", &out)
	if err != nil || !found {
		t.Fatalf("get: found=%v err=%v", found, err)
	}
	if len(out) != 1 || out[0].TotalHours != 4.5 || !out[0].RunStartedAt.Equal(started) {
		t.Fatalf("ledger = %+v", out)
	}
	var settings map[string]string
	if _, err := reopened.Get(ctx, "settings", &settings); err != nil || settings["activeLocation"] != "2" {
		t.Fatalf("settings = %+v err=%v", settings, err)
	}
}

func TestFileStoreFailedWriteKeepsPreviousValue(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")
	s, err := OpenFileStore(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := s.Put(ctx, "k", 1); err != nil {
		t.Fatalf("put: %v", err)
	}

	s.path = filepath.Join(dir, "missing-dir", "state.json")
	if err := s.Put(ctx, "k", 2); err == nil {
		t.Fatal("write into a missing directory should fail")
	}
	var v int
	if _, err := s.Get(ctx, "k", &v); err != nil || v != 1 {
		t.Fatalf("value after failed put = %d, err %v", v, err)
	}
}

func TestOpenFileStoreRejectsCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := OpenFileStore(path); err == nil {
		t.Fatal("expected decode error")
	}
}

func TestMemoryStore(t *testing.T) {
	m := NewMemoryStore()
	if err := m.Put(context.Background(), "a", []string{"x"}); err != nil {
		t.Fatal(err)
	}
	var out []string
	if found, err := m.Get(context.Background(), "a", &out); !found || err != nil || out[0] != "x" {
		t.Fatalf("get = %v %v %v", out, found, err)
	}
}

func TestStoreWithoutPool(t *testing.T) {
	var s *Store
	if _, err := s.Get(context.Background(), "k", new(int)); err != ErrNotConfigured {
		t.Fatalf("err = %v", err)
	}
	if _, _, err := NewStore(nil).TryAdvisoryLock(context.Background(), 1); err != ErrNotConfigured {
		t.Fatalf("err = %v", err)
	}
}

func TestFileStoreLockIsExclusive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "state.json")
	first, err := OpenFileStore(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	second, err := OpenFileStore(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	unlock, acquired, err := first.TryLock()
	if err != nil || !acquired {
		t.Fatalf("first lock: acquired=%v err=%v", acquired, err)
	}
	if _, acquired, err := second.TryLock(); err != nil || acquired {
		t.Fatalf("second lock while held: acquired=%v err=%v", acquired, err)
	}

	unlock()
	unlock2, acquired, err := second.TryLock()
	if err != nil || !acquired {
		t.Fatalf("lock after release: acquired=%v err=%v", acquired, err)
	}
	unlock2()
}
