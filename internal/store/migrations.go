package store

import (
	"fmt"
	"strconv"
)

func (s *Store) migrate() error {
	if err := s.migrateV1(); err != nil {
		return err
	}
	return s.migrateV2()
}

func (s *Store) migrateV1() error {
	schema := `
	CREATE TABLE IF NOT EXISTS accounts (
		id            TEXT PRIMARY KEY,
		name          TEXT NOT NULL DEFAULT '',
		session       TEXT NOT NULL,
		csrf          TEXT NOT NULL,
		fp_a          TEXT NOT NULL DEFAULT '',
		fp_b          TEXT NOT NULL DEFAULT '',
		uid           INTEGER,
		status        TEXT NOT NULL DEFAULT 'valid',
		refresh_token TEXT,
		validated_at  INTEGER,
		created_at    INTEGER NOT NULL,
		updated_at    INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_accounts_status ON accounts(status);

	CREATE TABLE IF NOT EXISTS targets (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		platform_id TEXT NOT NULL,
		type        TEXT NOT NULL,
		reason      INTEGER NOT NULL DEFAULT 0,
		status      TEXT NOT NULL DEFAULT 'pending',
		retry_count INTEGER NOT NULL DEFAULT 0,
		created_at  INTEGER NOT NULL,
		updated_at  INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_targets_status ON targets(status);

	CREATE TABLE IF NOT EXISTS report_logs (
		id         TEXT PRIMARY KEY,
		target_id  INTEGER NOT NULL REFERENCES targets(id) ON DELETE CASCADE,
		account_id TEXT REFERENCES accounts(id) ON DELETE SET NULL,
		payload    TEXT NOT NULL DEFAULT '',
		response   TEXT NOT NULL DEFAULT '',
		success    INTEGER NOT NULL DEFAULT 0,
		error      TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_logs_target ON report_logs(target_id, created_at);

	CREATE TABLE IF NOT EXISTS reply_state (
		account_id TEXT NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
		peer_id    INTEGER NOT NULL,
		last_ts    INTEGER NOT NULL DEFAULT 0,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (account_id, peer_id)
	);

	CREATE TABLE IF NOT EXISTS meta (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	INSERT OR IGNORE INTO meta(key, value) VALUES ('schema_version', '1');
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to execute migration v1: %w", err)
	}
	return nil
}

func (s *Store) migrateV2() error {
	if v, err := s.schemaVersion(); err != nil || v >= 2 {
		return nil
	}

	schema := `
	CREATE TABLE IF NOT EXISTS settings (
		key        TEXT PRIMARY KEY,
		value      TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to execute migration v2: %w", err)
	}

	if _, err := s.db.Exec(`INSERT OR REPLACE INTO meta(key, value) VALUES ('schema_version', '2')`); err != nil {
		return fmt.Errorf("failed to update schema version: %w", err)
	}
	return nil
}

// schemaVersion reads the recorded version as an integer so comparisons
// stay correct past version 9.
func (s *Store) schemaVersion() (int, error) {
	var raw string
	if err := s.db.QueryRow(`SELECT value FROM meta WHERE key = 'schema_version'`).Scan(&raw); err != nil {
		return 0, err
	}
	return strconv.Atoi(raw)
}
