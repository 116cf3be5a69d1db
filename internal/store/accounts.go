package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/p-moder/report-agent/internal/platform"
)

// SaveAccount inserts or updates an account's credential bundle.
func (s *Store) SaveAccount(a *platform.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UnixMilli()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Unix(0, now*int64(time.Millisecond))
	}

	query := `
	INSERT OR REPLACE INTO accounts (
		id, name, session, csrf, fp_a, fp_b, uid, status,
		refresh_token, validated_at, created_at, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.Exec(query,
		a.ID, a.Name, a.Session, a.CSRF, a.Fingerprint, a.Fingerprint2,
		sql.NullInt64{Int64: a.UID, Valid: a.UID != 0},
		string(a.Status),
		sql.NullString{String: a.RefreshToken, Valid: a.RefreshToken != ""},
		sql.NullInt64{Int64: a.ValidatedAt.UnixMilli(), Valid: !a.ValidatedAt.IsZero()},
		a.CreatedAt.UnixMilli(), now,
	)
	if err != nil {
		return fmt.Errorf("failed to save account: %w", err)
	}
	return nil
}

// GetAccount retrieves an account by ID. Returns nil if not found.
func (s *Store) GetAccount(id string) (*platform.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`
	SELECT id, name, session, csrf, fp_a, fp_b, uid, status,
	       refresh_token, validated_at, created_at, updated_at
	FROM accounts WHERE id = ?`, id)

	a, err := scanAccount(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	return a, nil
}

// ListEligibleAccounts returns accounts in the given statuses, oldest first.
func (s *Store) ListEligibleAccounts(statuses ...platform.AccountStatus) ([]*platform.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(statuses) == 0 {
		statuses = []platform.AccountStatus{platform.AccountValid}
	}

	query := `
	SELECT id, name, session, csrf, fp_a, fp_b, uid, status,
	       refresh_token, validated_at, created_at, updated_at
	FROM accounts WHERE status IN (?` + repeat(",?", len(statuses)-1) + `) ORDER BY created_at`

	args := make([]interface{}, len(statuses))
	for i, st := range statuses {
		args[i] = string(st)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	defer rows.Close()

	var accounts []*platform.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan account: %w", err)
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

// MarkAccountStatus updates only the lifecycle status.
func (s *Store) MarkAccountStatus(id string, status platform.AccountStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`UPDATE accounts SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), time.Now().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("failed to mark account status: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("account not found: %s", id)
	}
	return nil
}

// UpdateAccountTokens atomically persists rotated credentials and resets the
// account to valid. Used by the session refresh flow as its final step.
func (s *Store) UpdateAccountTokens(id, session, csrf, refreshToken string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UnixMilli()
	res, err := s.db.Exec(`
	UPDATE accounts
	SET session = ?, csrf = ?, refresh_token = ?, status = 'valid',
	    validated_at = ?, updated_at = ?
	WHERE id = ?`,
		session, csrf,
		sql.NullString{String: refreshToken, Valid: refreshToken != ""},
		now, now, id)
	if err != nil {
		return fmt.Errorf("failed to update account tokens: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("account not found: %s", id)
	}
	return nil
}

// SetAccountUID records the numeric platform id resolved on first successful
// validation, and stamps the validation time.
func (s *Store) SetAccountUID(id string, uid int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UnixMilli()
	_, err := s.db.Exec(`UPDATE accounts SET uid = ?, validated_at = ?, updated_at = ? WHERE id = ?`,
		uid, now, now, id)
	if err != nil {
		return fmt.Errorf("failed to set account uid: %w", err)
	}
	return nil
}

// DeleteAccount removes an account. Report logs keep their rows with the
// account reference nulled; reply state cascades away.
func (s *Store) DeleteAccount(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`DELETE FROM accounts WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete account: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAccount(r rowScanner) (*platform.Account, error) {
	a := &platform.Account{}
	var uid, validatedAt sql.NullInt64
	var refreshToken sql.NullString
	var status string
	var createdAt, updatedAt int64

	err := r.Scan(&a.ID, &a.Name, &a.Session, &a.CSRF, &a.Fingerprint, &a.Fingerprint2,
		&uid, &status, &refreshToken, &validatedAt, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	if uid.Valid {
		a.UID = uid.Int64
	}
	if refreshToken.Valid {
		a.RefreshToken = refreshToken.String
	}
	if validatedAt.Valid {
		a.ValidatedAt = time.UnixMilli(validatedAt.Int64)
	}
	a.Status = platform.AccountStatus(status)
	a.CreatedAt = time.UnixMilli(createdAt)
	a.UpdatedAt = time.UnixMilli(updatedAt)
	return a, nil
}

func repeat(s string, n int) string {
	out := ""
	for i := 0; i < n; i++ {
		out += s
	}
	return out
}
