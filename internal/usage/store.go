package usage

import (
	"context"
	"fmt"
	"time"
)

// LedgerKey is the key the usage ledger is stored under.
const LedgerKey = "deviceUsage"

// Record is the persisted on-time ledger entry of one device. RunStartedAt is
// set exactly when IsRunning is true.
type Record struct {
	DeviceID     string     `json:"deviceId"`
	TotalHours   float64    `json:"totalHours"`
	RunStartedAt *time.Time `json:"runStartedAt,omitempty"`
	IsRunning    bool       `json:"isRunning"`
}

// Store persists the whole ledger at once.
type Store interface {
	Load(ctx context.Context) ([]Record, error)
	Save(ctx context.Context, records []Record) error
}

// KV is the subset of a key-value store the ledger needs.
type KV interface {
	Get(ctx context.Context, key string, dst any) (bool, error)
	Put(ctx context.Context, key string, value any) error
}

// KVStore keeps the ledger as a single JSON document in a key-value store.
type KVStore struct {
	kv  KV
	key string
}

// NewKVStore wraps kv. An empty key selects LedgerKey.
func NewKVStore(kv KV, key string) *KVStore {
	if key == "" {
		key = LedgerKey
	}
	return &KVStore{kv: kv, key: key}
}

// Load reads the ledger; a missing key yields an empty ledger.
func (s *KVStore) Load(ctx context.Context) ([]Record, error) {
	var records []Record
	found, err := s.kv.Get(ctx, s.key, &records)
	if err != nil {
		return nil, fmt.Errorf("load usage ledger: %w", err)
	}
	if !found {
		return nil, nil
	}
	return records, nil
}

// Save replaces the ledger.
func (s *KVStore) Save(ctx context.Context, records []Record) error {
	if err := s.kv.Put(ctx, s.key, records); err != nil {
		return fmt.Errorf("save usage ledger: %w", err)
	}
	return nil
}

var _ Store = (*KVStore)(nil)
