package autollm

import (
	"context"
	"encoding/json"
	"fmt"
)

// SettingsKey is the settings-store key holding selector preferences.
const SettingsKey = "autollm.selector"

// SettingsStore is a persistent key→value surface.
type SettingsStore interface {
	GetSetting(ctx context.Context, key string) (string, bool, error)
	SetSetting(ctx context.Context, key, value string) error
}

// LoadSettings applies stored preferences to sel. A missing entry leaves
// sel unchanged and reports false.
func LoadSettings(ctx context.Context, store SettingsStore, sel *Selector) (bool, error) {
	raw, ok, err := store.GetSetting(ctx, SettingsKey)
	if err != nil {
		return false, fmt.Errorf("load selector settings: %w", err)
	}
	if !ok {
		return false, nil
	}
	var st Settings
	if err := json.Unmarshal([]byte(raw), &st); err != nil {
		return false, fmt.Errorf("decode selector settings: %w", err)
	}
	if err := sel.ApplySettings(st); err != nil {
		return false, err
	}
	return true, nil
}

// SaveSettings persists sel's preferences.
func SaveSettings(ctx context.Context, store SettingsStore, sel *Selector) error {
	raw, err := json.Marshal(sel.Settings())
	if err != nil {
		return fmt.Errorf("encode selector settings: %w", err)
	}
	if err := store.SetSetting(ctx, SettingsKey, string(raw)); err != nil {
		return fmt.Errorf("save selector settings: %w", err)
	}
	return nil
}
