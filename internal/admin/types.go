package admin

// ProblemDetail is the RFC 7807 error body every failure path returns.
// Internal detail never leaks through it.
type ProblemDetail struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail"`
	Instance string `json:"instance,omitempty"`
}

// AddTargetRequest enqueues a new report target.
type AddTargetRequest struct {
	PlatformID string `json:"platform_id"`
	Type       string `json:"type"`
	Reason     int    `json:"reason"`
}

// ExecuteRequest optionally restricts a synchronous run to given accounts.
type ExecuteRequest struct {
	AccountIDs []string `json:"account_ids,omitempty"`
}

// BatchRequest optionally restricts an async batch to given targets.
type BatchRequest struct {
	TargetIDs []int64 `json:"target_ids,omitempty"`
}

// BatchResponse acknowledges an enqueued batch. The caller polls target logs
// for completion.
type BatchResponse struct {
	BatchID string `json:"batch_id"`
	Status  string `json:"status"`
}

// AccountRequest creates or updates a managed account.
type AccountRequest struct {
	ID           string `json:"id,omitempty"`
	Name         string `json:"name"`
	Session      string `json:"session"`
	CSRF         string `json:"csrf"`
	Fingerprint  string `json:"fingerprint,omitempty"`
	Fingerprint2 string `json:"fingerprint2,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
}

// AccountView is the redacted account representation: token material never
// leaves the process.
type AccountView struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	UID         int64  `json:"uid,omitempty"`
	Status      string `json:"status"`
	CanRefresh  bool   `json:"can_refresh"`
	ValidatedAt int64  `json:"validated_at,omitempty"`
}

// SettingsPatch updates runtime tunables.
type SettingsPatch map[string]string
