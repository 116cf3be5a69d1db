package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/p-moder/report-agent/internal/platform"
)

// AppendLog inserts one immutable attempt record. Rows are never updated.
func (s *Store) AppendLog(e *platform.LogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}

	_, err := s.db.Exec(`
	INSERT INTO report_logs (id, target_id, account_id, payload, response, success, error, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.TargetID,
		sql.NullString{String: e.AccountID, Valid: e.AccountID != ""},
		e.Payload, e.Response, boolToInt(e.Success), e.Error,
		e.CreatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to append log: %w", err)
	}
	return nil
}

// ListLogsByTarget returns attempt records for a target, oldest first.
func (s *Store) ListLogsByTarget(targetID int64) ([]*platform.LogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
	SELECT id, target_id, account_id, payload, response, success, error, created_at
	FROM report_logs WHERE target_id = ? ORDER BY created_at`, targetID)
	if err != nil {
		return nil, fmt.Errorf("failed to list logs: %w", err)
	}
	defer rows.Close()

	var entries []*platform.LogEntry
	for rows.Next() {
		e := &platform.LogEntry{}
		var accountID sql.NullString
		var success int
		var createdAt int64
		if err := rows.Scan(&e.ID, &e.TargetID, &accountID, &e.Payload, &e.Response, &success, &e.Error, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan log: %w", err)
		}
		if accountID.Valid {
			e.AccountID = accountID.String
		}
		e.Success = success != 0
		e.CreatedAt = time.UnixMilli(createdAt)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
