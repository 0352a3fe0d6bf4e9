package domain

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for domain error conditions.
// Use errors.Is() for matching - never compare error strings.
var (
	// ID validation errors
	ErrEmptyID   = errors.New("ID cannot be empty")
	ErrInvalidID = errors.New("invalid ID format")

	// Resource errors
	ErrNotFound      = errors.New("resource not found")
	ErrAlreadyExists = errors.New("resource already exists")

	// Format errors - rejected before any counter or audit state changes
	ErrInvalidPhoneNumber = errors.New("invalid phone number format")
	ErrInvalidCodeFormat  = errors.New("invalid verification code format")

	// User registry errors
	ErrUserNotFound            = errors.New("user not found")
	ErrUserAlreadyExists       = errors.New("user already exists")
	ErrAuthenticationFailed    = errors.New("authentication failed")
	ErrUserBlocked             = errors.New("user is blocked")
	ErrInsufficientPermissions = errors.New("insufficient permissions")
	ErrRegistrationDisabled    = errors.New("registration is disabled")
	ErrSessionExpired          = errors.New("session has expired")
	ErrAccountSuspended        = errors.New("account is suspended")

	// Verification errors - audited, may trigger an account lock (ADR-007)
	ErrInvalidVerificationCode = errors.New("incorrect verification code")
	ErrVerificationCodeExpired = errors.New("verification code has expired")
	ErrMaxAttemptsExceeded     = errors.New("maximum verification attempts exceeded")
	ErrSMSServiceFailure       = errors.New("sms delivery failed")

	// Rate limiting and lockout errors (ADR-007)
	ErrRateLimited   = errors.New("rate limit exceeded")
	ErrAccountLocked = errors.New("account is temporarily locked")

	// Token errors (ADR-004). Signature failures are terminal; refresh
	// reuse revokes the whole token family before the error is returned.
	ErrTokenExpired          = errors.New("token has expired")
	ErrTokenNotYetValid      = errors.New("token is not yet valid")
	ErrInvalidTokenFormat    = errors.New("invalid token format")
	ErrInvalidSignature      = errors.New("invalid token signature")
	ErrInvalidClaims         = errors.New("invalid token claims")
	ErrMissingClaim          = errors.New("token is missing a required claim")
	ErrTokenRevoked          = errors.New("token has been revoked")
	ErrRefreshTokenExpired   = errors.New("refresh token has expired")
	ErrInvalidRefreshToken   = errors.New("invalid refresh token")
	ErrTokenGenerationFailed = errors.New("token generation failed")
	ErrKeyLoadFailed         = errors.New("signing key load failed")

	// Authorization errors
	ErrUnauthorized = errors.New("authentication required")
	ErrForbidden    = errors.New("permission denied")

	// Validation errors
	ErrInvalidInput = errors.New("invalid input")

	// Operational errors. Infrastructure failures are wrapped in these
	// before crossing the app boundary; raw driver text never reaches
	// a client.
	ErrUnavailable = errors.New("service temporarily unavailable")
	ErrInternal    = errors.New("internal error")

	// Configuration errors
	ErrConfigRequired = errors.New("required configuration key missing")
)

// RateLimitError reports an exceeded sliding-window limit together with
// the wait the caller should observe before retrying.
type RateLimitError struct {
	Scope      RateScope
	Limit      int
	Window     time.Duration
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded for scope %q (%d per %s), retry after %s",
		e.Scope, e.Limit, e.Window, e.RetryAfter)
}

// Unwrap makes errors.Is(err, ErrRateLimited) match.
func (e *RateLimitError) Unwrap() error { return ErrRateLimited }

// LockedError reports a temporary account lock and its remaining duration.
type LockedError struct {
	RetryAfter time.Duration
}

func (e *LockedError) Error() string {
	return fmt.Sprintf("account locked, retry after %s", e.RetryAfter)
}

// Unwrap makes errors.Is(err, ErrAccountLocked) match.
func (e *LockedError) Unwrap() error { return ErrAccountLocked }

// InvalidCodeError reports a failed verification attempt together with
// the number of attempts remaining before the account locks.
type InvalidCodeError struct {
	RemainingAttempts int
}

func (e *InvalidCodeError) Error() string {
	return fmt.Sprintf("incorrect verification code, %d attempts remaining", e.RemainingAttempts)
}

// Unwrap makes errors.Is(err, ErrInvalidVerificationCode) match.
func (e *InvalidCodeError) Unwrap() error { return ErrInvalidVerificationCode }

// RetryAfter extracts the retry-after hint carried by rate-limit and
// lockout errors. Returns false when err carries none.
func RetryAfter(err error) (time.Duration, bool) {
	var rle *RateLimitError
	if errors.As(err, &rle) {
		return rle.RetryAfter, true
	}
	var le *LockedError
	if errors.As(err, &le) {
		return le.RetryAfter, true
	}
	return 0, false
}

// IsRetryable returns true if the error represents a transient condition
// that may succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrUnavailable) ||
		errors.Is(err, ErrSMSServiceFailure)
}

// clientErrors enumerates all domain errors that represent client-side issues.
var clientErrors = []error{
	ErrEmptyID,
	ErrInvalidID,
	ErrNotFound,
	ErrAlreadyExists,
	ErrInvalidPhoneNumber,
	ErrInvalidCodeFormat,
	ErrUserNotFound,
	ErrUserAlreadyExists,
	ErrAuthenticationFailed,
	ErrUserBlocked,
	ErrInsufficientPermissions,
	ErrRegistrationDisabled,
	ErrSessionExpired,
	ErrAccountSuspended,
	ErrInvalidVerificationCode,
	ErrVerificationCodeExpired,
	ErrMaxAttemptsExceeded,
	ErrRateLimited,
	ErrAccountLocked,
	ErrTokenExpired,
	ErrTokenNotYetValid,
	ErrInvalidTokenFormat,
	ErrInvalidSignature,
	ErrInvalidClaims,
	ErrMissingClaim,
	ErrTokenRevoked,
	ErrRefreshTokenExpired,
	ErrInvalidRefreshToken,
	ErrUnauthorized,
	ErrForbidden,
	ErrInvalidInput,
}

// IsClientError returns true if the error represents a client-side issue
// that will not succeed on retry without client-side changes.
func IsClientError(err error) bool {
	for _, target := range clientErrors {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// IsPermissionDenied returns true if the error represents a permission issue.
func IsPermissionDenied(err error) bool {
	return errors.Is(err, ErrForbidden) ||
		errors.Is(err, ErrInsufficientPermissions) ||
		errors.Is(err, ErrUnauthorized)
}

// IsNotFound returns true if the error represents a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrUserNotFound)
}
