package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/gofrs/flock"
)

// FileStore keeps every key in a single JSON object on disk. Each Put
// rewrites the file through a temporary file and a rename.
type FileStore struct {
	mu   sync.Mutex
	path string
	data map[string]json.RawMessage
}

// OpenFileStore loads path, treating a missing file as empty.
func OpenFileStore(path string) (*FileStore, error) {
	s := &FileStore{path: path, data: make(map[string]json.RawMessage)}
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return s, nil
		}
		return nil, fmt.Errorf("read state file: %w", err)
	}
	if len(raw) == 0 {
		return s, nil
	}
	if err := json.Unmarshal(raw, &s.data); err != nil {
		return nil, fmt.Errorf("decode state file %s: %w", path, err)
	}
	return s, nil
}

// Path returns the backing file.
func (s *FileStore) Path() string { return s.path }

// Get implements KV.
func (s *FileStore) Get(_ context.Context, key string, dst any) (bool, error) {
	s.mu.Lock()
	raw, ok := s.data[key]
	s.mu.Unlock()
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return true, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

// Put implements KV. On a failed write the previous value is kept.
func (s *FileStore) Put(ctx context.Context, key string, value any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	prev, existed := s.data[key]
	s.data[key] = raw
	if err := s.flushLocked(); err != nil {
		if existed {
			s.data[key] = prev
		} else {
			delete(s.data, key)
		}
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

func (s *FileStore) flushLocked() error {
	payload, err := json.MarshalIndent(s.data, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".roomwatch-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(payload); err != nil {
		tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return err
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		cleanup()
		return err
	}
	return nil
}

// MemoryStore is a process-local KV.
type MemoryStore struct {
	mu   sync.Mutex
	data map[string]json.RawMessage
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string]json.RawMessage)}
}

func (m *MemoryStore) Get(_ context.Context, key string, dst any) (bool, error) {
	m.mu.Lock()
	raw, ok := m.data[key]
	m.mu.Unlock()
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(raw, dst)
}

func (m *MemoryStore) Put(_ context.Context, key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.data[key] = raw
	m.mu.Unlock()
	return nil
}

var (
	_ KV = (*FileStore)(nil)
	_ KV = (*MemoryStore)(nil)
)

// TryLock takes an exclusive lock on a sibling ".lock" file so that only one
// process at a time writes through this path. It does not block.
func (s *FileStore) TryLock() (func(), bool, error) {
	if dir := filepath.Dir(s.path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, false, fmt.Errorf("create state dir: %w", err)
		}
	}
	lock := flock.New(s.path + ".lock")
	acquired, err := lock.TryLock()
	if err != nil {
		return nil, false, fmt.Errorf("lock %s: %w", lock.Path(), err)
	}
	if !acquired {
		_ = lock.Close()
		return nil, false, nil
	}
	return func() { _ = lock.Unlock() }, true, nil
}
