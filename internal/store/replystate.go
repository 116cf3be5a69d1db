package store

import (
	"database/sql"
	"fmt"
	"time"
)

// ReplyWatermark returns the timestamp of the last handled inbound message
// for an (account, peer) conversation, or 0 if none recorded.
func (s *Store) ReplyWatermark(accountID string, peerID int64) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var ts int64
	err := s.db.QueryRow(`
	SELECT last_ts FROM reply_state WHERE account_id = ? AND peer_id = ?`,
		accountID, peerID).Scan(&ts)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read reply watermark: %w", err)
	}
	return ts, nil
}

// AdvanceReplyWatermark records that the message at ts has been handled.
// Written after every send attempt, success or failure, so a permanently
// failing message is never reprocessed.
func (s *Store) AdvanceReplyWatermark(accountID string, peerID, ts int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
	INSERT INTO reply_state (account_id, peer_id, last_ts, updated_at)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(account_id, peer_id) DO UPDATE SET
		last_ts = excluded.last_ts, updated_at = excluded.updated_at`,
		accountID, peerID, ts, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to advance reply watermark: %w", err)
	}
	return nil
}
