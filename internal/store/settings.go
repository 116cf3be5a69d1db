package store

import (
	"database/sql"
	"fmt"
	"strconv"
	"time"
)

// Setting keys for the runtime tunables the orchestrator and poller read.
const (
	SettingMinDelay   = "min_delay_seconds"
	SettingMaxDelay   = "max_delay_seconds"
	SettingCooldown   = "cooldown_seconds"
	SettingMaxRetries = "max_retries"
	SettingBatchWidth = "batch_width"
)

// Tunables is the snapshot of runtime settings consumed per orchestration
// cycle.
type Tunables struct {
	MinDelay   time.Duration
	MaxDelay   time.Duration
	Cooldown   time.Duration
	MaxRetries int
	BatchWidth int
}

// GetSetting reads one settings value. Returns ("", nil) if unset.
func (s *Store) GetSetting(key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var value string
	err := s.db.QueryRow(`SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read setting %s: %w", key, err)
	}
	return value, nil
}

// SetSetting writes one settings value.
func (s *Store) SetSetting(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
	INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
	ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to write setting %s: %w", key, err)
	}
	return nil
}

// SeedSettings inserts defaults for keys that have never been set. Existing
// values are left alone so admin edits survive restarts.
func (s *Store) SeedSettings(defaults map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for key, value := range defaults {
		_, err := s.db.Exec(`
		INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO NOTHING`,
			key, value, time.Now().UnixMilli())
		if err != nil {
			return fmt.Errorf("failed to seed setting %s: %w", key, err)
		}
	}
	return nil
}

// ListSettings returns all settings.
func (s *Store) ListSettings() (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`SELECT key, value FROM settings`)
	if err != nil {
		return nil, fmt.Errorf("failed to list settings: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("failed to scan setting: %w", err)
		}
		out[k] = v
	}
	return out, rows.Err()
}

// ReadTunables assembles the runtime tunables snapshot, falling back to the
// given defaults for anything unset or malformed.
func (s *Store) ReadTunables(defaults Tunables) (Tunables, error) {
	settings, err := s.ListSettings()
	if err != nil {
		return defaults, err
	}

	t := defaults
	if v, ok := intSetting(settings, SettingMinDelay); ok {
		t.MinDelay = time.Duration(v) * time.Second
	}
	if v, ok := intSetting(settings, SettingMaxDelay); ok {
		t.MaxDelay = time.Duration(v) * time.Second
	}
	if v, ok := intSetting(settings, SettingCooldown); ok {
		t.Cooldown = time.Duration(v) * time.Second
	}
	if v, ok := intSetting(settings, SettingMaxRetries); ok {
		t.MaxRetries = v
	}
	if v, ok := intSetting(settings, SettingBatchWidth); ok && v > 0 {
		t.BatchWidth = v
	}
	if t.MinDelay > t.MaxDelay {
		t.MaxDelay = t.MinDelay
	}
	return t, nil
}

func intSetting(m map[string]string, key string) (int, bool) {
	raw, ok := m[key]
	if !ok {
		return 0, false
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return v, true
}
