// Package platform defines the wire contract with the content platform:
// response codes, their classification, and the records shared across the
// agent. The classification table here is the single source of truth — no
// other package branches on raw codes.
package platform

import "fmt"

// Well-known response codes from the platform's JSON envelope.
const (
	CodeOK             = 0
	CodeNotLoggedIn    = 101  // stale session detected by the gateway, rate-limited variant
	CodeRisk           = -352 // risk-control flag on the calling account
	CodeSessionExpired = -101 // session cookie rejected
	CodeBlocked        = -412 // request intercepted by the anti-abuse gateway
	CodeHardStop       = -799 // stop everything for this operation immediately
	CodeCaptcha        = -105 // interaction requires a captcha ticket
	CodeReportRate     = 862  // report endpoint per-account rate window

	// CodeExhausted is synthesized by the request client when the retry
	// ceiling is reached; it never appears on the wire.
	CodeExhausted = -999

	// CodeMsgRate is the private-message send rate window. Unlike the
	// generic rate codes it aborts the whole poll cycle for the account.
	CodeMsgRate = 21046
)

// Class buckets every response code into one retry/recovery policy.
type Class int

const (
	ClassSuccess Class = iota
	ClassRetryNet        // network-level failure, linear backoff
	ClassRetryRate       // rate-limit class, exponential backoff with jitter
	ClassSuspect         // fail fast, mark account suspect, no wait
	ClassSessionInvalid  // fatal for the account, mark invalid
	ClassHardStop        // abort the entire operation, do not try other accounts
	ClassCaptcha         // cannot proceed without human interaction
	ClassFatal           // terminal for this attempt, no retry
)

// Classify maps a platform response code to its policy class.
func Classify(code int) Class {
	switch code {
	case CodeOK:
		return ClassSuccess
	case CodeBlocked, CodeReportRate, CodeNotLoggedIn:
		return ClassRetryRate
	case CodeRisk:
		return ClassSuspect
	case CodeSessionExpired:
		return ClassSessionInvalid
	case CodeHardStop:
		return ClassHardStop
	case CodeCaptcha:
		return ClassCaptcha
	default:
		return ClassFatal
	}
}

func (c Class) String() string {
	switch c {
	case ClassSuccess:
		return "success"
	case ClassRetryNet:
		return "retry_net"
	case ClassRetryRate:
		return "retry_rate"
	case ClassSuspect:
		return "suspect"
	case ClassSessionInvalid:
		return "session_invalid"
	case ClassHardStop:
		return "hard_stop"
	case ClassCaptcha:
		return "captcha"
	default:
		return "fatal"
	}
}

// APIError is a non-zero envelope code returned by the platform, or a
// synthetic code produced by the request client.
type APIError struct {
	Code    int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("platform error %d: %s", e.Code, e.Message)
}

// Class returns the policy class for the error's code.
func (e *APIError) Class() Class { return Classify(e.Code) }
