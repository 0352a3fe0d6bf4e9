// Package errmap translates domain errors into transport error shapes.
// The app layer returns domain errors only; handlers call into this
// package at the boundary.
package errmap

import (
	"errors"
	"net/http"
	"time"

	"github.com/aelexs/phone-auth-service/internal/domain"
)

// HTTPError represents an HTTP error response. RetryAfterSeconds and
// RemainingAttempts surface the structured parameters carried by
// rate-limit, lockout, and failed-verification errors.
type HTTPError struct {
	StatusCode        int    `json:"-"`
	Code              string `json:"code"`
	Message           string `json:"message"`
	RetryAfterSeconds int    `json:"retry_after_seconds,omitempty"`
	RemainingAttempts *int   `json:"remaining_attempts,omitempty"`
}

func (e HTTPError) Error() string {
	return e.Message
}

// httpMapping defines a domain error to HTTP status/code mapping.
type httpMapping struct {
	err        error
	statusCode int
	code       string
}

// httpMappings maps domain errors to HTTP status codes and error codes.
// Order matters: first match wins (via errors.Is), so parameterized
// errors that unwrap to a sentinel are matched by that sentinel.
var httpMappings = []httpMapping{
	// Format and validation errors — 400, no state was changed
	{domain.ErrInvalidPhoneNumber, http.StatusBadRequest, "INVALID_PHONE_NUMBER"},
	{domain.ErrInvalidCodeFormat, http.StatusBadRequest, "INVALID_CODE_FORMAT"},
	{domain.ErrEmptyID, http.StatusBadRequest, "INVALID_ARGUMENT"},
	{domain.ErrInvalidID, http.StatusBadRequest, "INVALID_ARGUMENT"},
	{domain.ErrInvalidInput, http.StatusBadRequest, "INVALID_ARGUMENT"},

	// Rate limiting and lockout — 429 (ADR-007). Checked before the
	// verification errors so a lock triggered by max attempts reports
	// as locked, not as a bad code.
	{domain.ErrRateLimited, http.StatusTooManyRequests, "RATE_LIMITED"},
	{domain.ErrAccountLocked, http.StatusTooManyRequests, "ACCOUNT_LOCKED"},
	{domain.ErrMaxAttemptsExceeded, http.StatusTooManyRequests, "MAX_ATTEMPTS_EXCEEDED"},

	// Verification errors — 401
	{domain.ErrInvalidVerificationCode, http.StatusUnauthorized, "INVALID_CODE"},
	{domain.ErrVerificationCodeExpired, http.StatusUnauthorized, "CODE_EXPIRED"},

	// Auth errors — 401 (ADR-015)
	{domain.ErrAuthenticationFailed, http.StatusUnauthorized, "AUTHENTICATION_FAILED"},
	{domain.ErrUnauthorized, http.StatusUnauthorized, "UNAUTHENTICATED"},
	{domain.ErrSessionExpired, http.StatusUnauthorized, "SESSION_EXPIRED"},

	// Token errors — 401. Generation and key-load failures are server
	// faults and fall through to 500.
	{domain.ErrTokenExpired, http.StatusUnauthorized, "TOKEN_EXPIRED"},
	{domain.ErrTokenNotYetValid, http.StatusUnauthorized, "TOKEN_NOT_YET_VALID"},
	{domain.ErrInvalidSignature, http.StatusUnauthorized, "INVALID_SIGNATURE"},
	{domain.ErrInvalidClaims, http.StatusUnauthorized, "INVALID_CLAIMS"},
	{domain.ErrMissingClaim, http.StatusUnauthorized, "MISSING_CLAIM"},
	{domain.ErrInvalidTokenFormat, http.StatusUnauthorized, "INVALID_TOKEN"},
	{domain.ErrTokenRevoked, http.StatusUnauthorized, "TOKEN_REVOKED"},
	{domain.ErrRefreshTokenExpired, http.StatusUnauthorized, "REFRESH_TOKEN_EXPIRED"},
	{domain.ErrInvalidRefreshToken, http.StatusUnauthorized, "INVALID_REFRESH_TOKEN"},

	// Blocked / permission errors — 403
	{domain.ErrUserBlocked, http.StatusForbidden, "USER_BLOCKED"},
	{domain.ErrAccountSuspended, http.StatusForbidden, "ACCOUNT_SUSPENDED"},
	{domain.ErrInsufficientPermissions, http.StatusForbidden, "PERMISSION_DENIED"},
	{domain.ErrForbidden, http.StatusForbidden, "PERMISSION_DENIED"},
	{domain.ErrRegistrationDisabled, http.StatusForbidden, "REGISTRATION_DISABLED"},

	// Resource errors
	{domain.ErrUserNotFound, http.StatusNotFound, "USER_NOT_FOUND"},
	{domain.ErrNotFound, http.StatusNotFound, "NOT_FOUND"},
	{domain.ErrUserAlreadyExists, http.StatusConflict, "USER_ALREADY_EXISTS"},
	{domain.ErrAlreadyExists, http.StatusConflict, "ALREADY_EXISTS"},

	// Availability — 503
	{domain.ErrSMSServiceFailure, http.StatusServiceUnavailable, "SMS_UNAVAILABLE"},
	{domain.ErrUnavailable, http.StatusServiceUnavailable, "UNAVAILABLE"},
}

// ToHTTPError converts a domain error to an HTTP error.
func ToHTTPError(err error) HTTPError {
	if err == nil {
		return HTTPError{StatusCode: http.StatusOK}
	}
	for _, m := range httpMappings {
		if errors.Is(err, m.err) {
			he := HTTPError{StatusCode: m.statusCode, Code: m.code, Message: err.Error()}
			if after, ok := domain.RetryAfter(err); ok {
				// Round up so clients never retry inside the window.
				he.RetryAfterSeconds = int((after + time.Second - 1) / time.Second)
			}
			var ice *domain.InvalidCodeError
			if errors.As(err, &ice) {
				remaining := ice.RemainingAttempts
				he.RemainingAttempts = &remaining
			}
			return he
		}
	}
	// Never expose internal error details to clients
	return HTTPError{StatusCode: http.StatusInternalServerError, Code: "INTERNAL", Message: "internal error"}
}

// ToHTTPStatusCode extracts just the HTTP status code for a domain error.
func ToHTTPStatusCode(err error) int {
	return ToHTTPError(err).StatusCode
}
