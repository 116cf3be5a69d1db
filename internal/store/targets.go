package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/p-moder/report-agent/internal/platform"
)

// AddTarget enqueues a new report target and returns its id.
func (s *Store) AddTarget(platformID string, typ platform.TargetType, reason int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UnixMilli()
	res, err := s.db.Exec(`
	INSERT INTO targets (platform_id, type, reason, status, created_at, updated_at)
	VALUES (?, ?, ?, 'pending', ?, ?)`,
		platformID, string(typ), reason, now, now)
	if err != nil {
		return 0, fmt.Errorf("failed to add target: %w", err)
	}
	return res.LastInsertId()
}

// ClaimTarget performs the conditional pending|failed → processing
// transition. Exactly one of any number of concurrent callers wins; the rest
// observe false and must skip. Failed targets stay claimable only below the
// retry ceiling.
func (s *Store) ClaimTarget(id int64, maxRetries int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`
	UPDATE targets SET status = 'processing', updated_at = ?
	WHERE id = ?
	  AND (status = 'pending' OR (status = 'failed' AND retry_count < ?))`,
		time.Now().UnixMilli(), id, maxRetries)
	if err != nil {
		return false, fmt.Errorf("failed to claim target: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rows == 1, nil
}

// UpdateTargetStatus moves a target to the given status, optionally bumping
// the retry counter.
func (s *Store) UpdateTargetStatus(id int64, status platform.TargetStatus, retryIncrement int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`
	UPDATE targets SET status = ?, retry_count = retry_count + ?, updated_at = ?
	WHERE id = ?`,
		string(status), retryIncrement, time.Now().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("failed to update target status: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("target not found: %d", id)
	}
	return nil
}

// GetTarget retrieves a target by id. Returns nil if not found.
func (s *Store) GetTarget(id int64) (*platform.Target, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t := &platform.Target{}
	var typ, status string
	var createdAt, updatedAt int64

	err := s.db.QueryRow(`
	SELECT id, platform_id, type, reason, status, retry_count, created_at, updated_at
	FROM targets WHERE id = ?`, id).Scan(
		&t.ID, &t.PlatformID, &typ, &t.Reason, &status, &t.RetryCount, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get target: %w", err)
	}

	t.Type = platform.TargetType(typ)
	t.Status = platform.TargetStatus(status)
	t.CreatedAt = time.UnixMilli(createdAt)
	t.UpdatedAt = time.UnixMilli(updatedAt)
	return t, nil
}

// ListTargets returns targets filtered by status ("" for all), newest first.
func (s *Store) ListTargets(status platform.TargetStatus, limit int) ([]*platform.Target, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
	SELECT id, platform_id, type, reason, status, retry_count, created_at, updated_at
	FROM targets`
	args := []interface{}{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list targets: %w", err)
	}
	defer rows.Close()

	var targets []*platform.Target
	for rows.Next() {
		t := &platform.Target{}
		var typ, st string
		var createdAt, updatedAt int64
		if err := rows.Scan(&t.ID, &t.PlatformID, &typ, &t.Reason, &st, &t.RetryCount, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan target: %w", err)
		}
		t.Type = platform.TargetType(typ)
		t.Status = platform.TargetStatus(st)
		t.CreatedAt = time.UnixMilli(createdAt)
		t.UpdatedAt = time.UnixMilli(updatedAt)
		targets = append(targets, t)
	}
	return targets, rows.Err()
}

// ClaimableTargetIDs returns ids eligible for a batch run: pending targets
// plus failed ones below the retry ceiling.
func (s *Store) ClaimableTargetIDs(maxRetries, limit int) ([]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
	SELECT id FROM targets
	WHERE status = 'pending' OR (status = 'failed' AND retry_count < ?)
	ORDER BY created_at`
	args := []interface{}{maxRetries}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list claimable targets: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan target id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ReleaseStuckTargets rolls processing targets back to pending. Called once
// at startup so a crash mid-batch never wedges a target.
func (s *Store) ReleaseStuckTargets() (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`
	UPDATE targets SET status = 'pending', updated_at = ?
	WHERE status = 'processing'`, time.Now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to release stuck targets: %w", err)
	}
	return res.RowsAffected()
}
