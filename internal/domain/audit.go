package domain

import "time"

// EventType classifies audit log entries. Values are stored uppercase
// so rows remain greppable and the suspicious-activity queries can
// match on them directly.
type EventType string

const (
	EventSendCodeSuccess        EventType = "SEND_CODE_SUCCESS"
	EventSendCodeFailure        EventType = "SEND_CODE_FAILURE"
	EventVerifyCodeSuccess      EventType = "VERIFY_CODE_SUCCESS"
	EventVerifyCodeFailure      EventType = "VERIFY_CODE_FAILURE"
	EventLoginSuccess           EventType = "LOGIN_SUCCESS"
	EventLoginFailure           EventType = "LOGIN_FAILURE"
	EventLogout                 EventType = "LOGOUT"
	EventTokenRefresh           EventType = "TOKEN_REFRESH"
	EventTokenRevoked           EventType = "TOKEN_REVOKED"
	EventRateLimitExceeded      EventType = "RATE_LIMIT_EXCEEDED"
	EventRateLimitPhoneExceeded EventType = "RATE_LIMIT_PHONE_EXCEEDED"
	EventRateLimitIPExceeded    EventType = "RATE_LIMIT_IP_EXCEEDED"
	EventAccountLocked          EventType = "ACCOUNT_LOCKED"
	EventSuspiciousActivity     EventType = "SUSPICIOUS_ACTIVITY"
	EventInvalidTokenUsage      EventType = "INVALID_TOKEN_USAGE"
)

// IsValidEventType checks if an event type is part of the vocabulary.
func IsValidEventType(et EventType) bool {
	switch et {
	case EventSendCodeSuccess, EventSendCodeFailure,
		EventVerifyCodeSuccess, EventVerifyCodeFailure,
		EventLoginSuccess, EventLoginFailure,
		EventLogout, EventTokenRefresh, EventTokenRevoked,
		EventRateLimitExceeded, EventRateLimitPhoneExceeded, EventRateLimitIPExceeded,
		EventAccountLocked, EventSuspiciousActivity, EventInvalidTokenUsage:
		return true
	}
	return false
}

// AuditEvent is one append-only row in the auth audit log. Once
// persisted, every field except Archived/ArchivedAt is immutable.
// Phone numbers appear only masked or hashed, never in full.
type AuditEvent struct {
	ID            EventID
	EventType     EventType
	UserID        string // optional
	PhoneMasked   string // optional, "***NNNN"
	PhoneHash     string // optional
	IPAddress     string
	UserAgent     string // optional
	DeviceInfo    string // optional
	Action        string // free-form tag, e.g. "send_code"
	Success       bool
	ErrorMessage  string // optional
	FailureReason string // optional, stable enum-ish tag
	TokenID       string // optional, never the token value
	RateLimitType string // optional
	EventData     map[string]any
	CreatedAt     time.Time
	Archived      bool
	ArchivedAt    *time.Time
}
