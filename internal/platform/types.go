package platform

import "time"

// AccountStatus is the lifecycle state of a managed account's credentials.
type AccountStatus string

const (
	AccountValid    AccountStatus = "valid"
	AccountExpiring AccountStatus = "expiring"
	AccountInvalid  AccountStatus = "invalid"
)

// Account is one managed account's credential bundle. Token fields map
// directly onto the platform's cookies; UID is zero until the first
// successful validation resolves it.
type Account struct {
	ID           string
	Name         string
	Session      string // session cookie
	CSRF         string // anti-forgery token, sent as a body field on writes
	Fingerprint  string // primary device-fingerprint cookie
	Fingerprint2 string // secondary device-fingerprint cookie
	UID          int64
	Status       AccountStatus
	RefreshToken string // empty means the account cannot self-heal
	ValidatedAt  time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// CanRefresh reports whether the account carries a refresh token and so can
// rotate its own session.
func (a *Account) CanRefresh() bool { return a.RefreshToken != "" }

// TargetType is the report subject kind.
type TargetType string

const (
	TargetVideo   TargetType = "video"
	TargetComment TargetType = "comment"
	TargetUser    TargetType = "user"
)

// TargetStatus is the work-item state machine: pending → processing →
// completed | failed, with failed re-claimable until the retry ceiling.
type TargetStatus string

const (
	TargetPending    TargetStatus = "pending"
	TargetProcessing TargetStatus = "processing"
	TargetCompleted  TargetStatus = "completed"
	TargetFailed     TargetStatus = "failed"
)

// Target is one queued report subject. PlatformID is opaque; for comment
// targets it is "oid:rpid" (the hosting object and the comment itself).
type Target struct {
	ID         int64
	PlatformID string
	Type       TargetType
	Reason     int
	Status     TargetStatus
	RetryCount int
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// LogEntry is the immutable record of one (target, account) report attempt.
type LogEntry struct {
	ID        string
	TargetID  int64
	AccountID string // empty after the account is deleted
	Payload   string
	Response  string
	Success   bool
	Error     string
	CreatedAt time.Time
}

// commentReasons is the curated set the comment-report endpoint accepts.
// 6 is reserved platform-side and rejected.
var commentReasons = map[int]bool{
	1: true, 2: true, 3: true, 4: true,
	5: true, 7: true, 8: true, 9: true,
}

// CoerceCommentReason clamps a reason code to the accepted set, falling back
// to 4 (spam) for anything outside it.
func CoerceCommentReason(reason int) int {
	if commentReasons[reason] {
		return reason
	}
	return 4
}
