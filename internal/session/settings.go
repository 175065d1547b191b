package session

import (
	"context"
	"fmt"
)

// SettingsKey is the KV key of the persisted user settings.
const SettingsKey = "settings"

// Settings are the user choices that survive restarts. They override the
// configured defaults when present.
type Settings struct {
	ActiveLocation string             `json:"activeLocation,omitempty"`
	Addresses      map[string]string  `json:"addresses,omitempty"`
	Thresholds     map[string]float64 `json:"thresholds,omitempty"`
}

// KV is the key-value store settings are kept in.
type KV interface {
	Get(ctx context.Context, key string, dst any) (bool, error)
	Put(ctx context.Context, key string, value any) error
}

// LoadSettings reads persisted settings. A missing key yields zero Settings.
func LoadSettings(ctx context.Context, kv KV) (Settings, error) {
	var s Settings
	if kv == nil {
		return s, nil
	}
	if _, err := kv.Get(ctx, SettingsKey, &s); err != nil {
		return Settings{}, fmt.Errorf("load settings: %w", err)
	}
	return s, nil
}

func saveSettings(ctx context.Context, kv KV, s Settings) error {
	if kv == nil {
		return nil
	}
	if err := kv.Put(ctx, SettingsKey, s); err != nil {
		return fmt.Errorf("save settings: %w", err)
	}
	return nil
}
