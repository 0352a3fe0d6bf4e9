// Package app contains the application services of the phone
// authentication core: OTP issuance and verification, token lifecycle,
// audit logging, attack detection, and the orchestrator that composes
// them into request flows. Adapters plug in through the port interfaces
// declared here; nothing in this package touches Redis, Postgres, or
// vendor SDKs directly.
package app

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/aelexs/phone-auth-service/internal/domain"
)

var tracer = otel.Tracer("phoneauth/app")

var (
	codesSentTotal        metric.Int64Counter
	codesVerifiedTotal    metric.Int64Counter
	loginsTotal           metric.Int64Counter
	tokensMintedTotal     metric.Int64Counter
	tokenRefreshesTotal   metric.Int64Counter
	authFailuresTotal     metric.Int64Counter
	rateLimitsTotal       metric.Int64Counter
	accountLocksTotal     metric.Int64Counter
	tokenRevocationsTotal metric.Int64Counter
	attacksDetectedTotal  metric.Int64Counter
	auditDroppedTotal     metric.Int64Counter
)

func init() {
	m := otel.Meter("phoneauth/app")

	codesSentTotal, _ = m.Int64Counter("auth_codes_sent_total",
		metric.WithDescription("Total verification codes dispatched"))
	codesVerifiedTotal, _ = m.Int64Counter("auth_codes_verified_total",
		metric.WithDescription("Total verification codes accepted"))
	loginsTotal, _ = m.Int64Counter("auth_logins_total",
		metric.WithDescription("Total completed logins"))
	tokensMintedTotal, _ = m.Int64Counter("auth_tokens_minted_total",
		metric.WithDescription("Total access tokens minted"))
	tokenRefreshesTotal, _ = m.Int64Counter("auth_token_refreshes_total",
		metric.WithDescription("Total refresh rotations"))
	authFailuresTotal, _ = m.Int64Counter("security_auth_failures_total",
		metric.WithDescription("Total authentication failures"))
	rateLimitsTotal, _ = m.Int64Counter("security_rate_limits_total",
		metric.WithDescription("Total rate limit hits"))
	accountLocksTotal, _ = m.Int64Counter("security_account_locks_total",
		metric.WithDescription("Total account locks set"))
	tokenRevocationsTotal, _ = m.Int64Counter("security_token_revocations_total",
		metric.WithDescription("Total token revocations"))
	attacksDetectedTotal, _ = m.Int64Counter("security_attacks_detected_total",
		metric.WithDescription("Total attack patterns detected"))
	auditDroppedTotal, _ = m.Int64Counter("audit_events_dropped_total",
		metric.WithDescription("Total audit events dropped on queue overflow"))
}

// OTPStore is the dual-tier verification-code store: cache primary,
// relational fallback. Store reports which tier served the write so
// callers can tag logs; they never branch on it (ADR-006 §2).
type OTPStore interface {
	// Store replaces any prior code for the phone and persists the
	// encrypted code beside its metadata, both with the code's TTL.
	Store(ctx context.Context, otp domain.EncryptedOTP, meta domain.OTPMetadata) (domain.StoreBackend, error)
	Get(ctx context.Context, phone string) (*domain.EncryptedOTP, error)
	Metadata(ctx context.Context, phone string) (*domain.OTPMetadata, error)
	// IncrementAttempts bumps the metadata attempt counter preserving
	// the remaining TTL and returns the new count.
	IncrementAttempts(ctx context.Context, phone string) (uint32, error)
	Exists(ctx context.Context, phone string) (bool, error)
	// TTL returns the remaining life of the stored code, or
	// domain.ErrNotFound when no code exists.
	TTL(ctx context.Context, phone string) (time.Duration, error)
	// Clear removes code and metadata. Unconditional and idempotent.
	Clear(ctx context.Context, phone string) error
}

// RateLimiter enforces the sliding windows and account locks of
// ADR-007. Allow is check-and-insert: an admitted request has already
// been counted. Exceeded windows surface as *domain.RateLimitError,
// active locks as *domain.LockedError; any other error is an
// infrastructure failure and callers fail closed.
type RateLimiter interface {
	Allow(ctx context.Context, scope domain.RateScope, id string) (remaining int, err error)
	CheckLock(ctx context.Context, phoneHash string) error
	Lock(ctx context.Context, phoneHash string, ttl time.Duration) error
	// RecordFailure adds one failed attempt to the per-phone and per-IP
	// windows and returns the phone window's new count.
	RecordFailure(ctx context.Context, phoneHash, ip string) (int, error)
	// FailureCount reads the per-phone failed-attempt window without
	// modifying it.
	FailureCount(ctx context.Context, phoneHash string) (int, error)
	ResetFailures(ctx context.Context, phoneHash string) error
	StatusPhone(ctx context.Context, phoneHash string) (*domain.RateLimitStatus, error)
	StatusIP(ctx context.Context, ip string) (*domain.RateLimitStatus, error)
	ResetPhone(ctx context.Context, phoneHash string) error
	ResetIP(ctx context.Context, ip string) error
}

// UserRegistry persists users keyed by the identity pair
// (phone_hash, country_code).
type UserRegistry interface {
	// Create rejects duplicates of the identity pair with
	// domain.ErrUserAlreadyExists.
	Create(ctx context.Context, user domain.User) error
	FindByPhone(ctx context.Context, phoneHash, countryCode string) (*domain.User, error)
	FindByID(ctx context.Context, id domain.UserID) (*domain.User, error)
	// Update is idempotent; implementations persist all mutable fields.
	Update(ctx context.Context, user domain.User) error
	Delete(ctx context.Context, id domain.UserID) error
	ExistsByPhone(ctx context.Context, phoneHash, countryCode string) (bool, error)
	// CountByType counts users of one type, or all users when
	// userType is empty.
	CountByType(ctx context.Context, userType domain.UserType) (int64, error)
}

// TokenStore persists refresh-token records. Raw tokens never reach
// this interface; lookups go through SHA-256 hashes (ADR-004 §2).
type TokenStore interface {
	Create(ctx context.Context, token domain.RefreshToken) error
	FindByHash(ctx context.Context, tokenHash string) (*domain.RefreshToken, error)
	Revoke(ctx context.Context, id domain.TokenID) error
	RevokeFamily(ctx context.Context, family domain.FamilyID) error
	RevokeAllForUser(ctx context.Context, userID domain.UserID) error
	RevokeDevice(ctx context.Context, userID domain.UserID, deviceFingerprint string) error
	// DeleteExpired removes tokens expired at asOf plus revoked tokens
	// created before revokedBefore, returning the rows removed.
	DeleteExpired(ctx context.Context, asOf, revokedBefore time.Time) (int64, error)
}

// BlacklistStore records revoked access-token jtis until their natural
// expiry.
type BlacklistStore interface {
	Add(ctx context.Context, entry domain.BlacklistEntry) error
	Contains(ctx context.Context, jti string) (bool, error)
	DeleteExpired(ctx context.Context, asOf time.Time) (int64, error)
}

// AuditStore is the append-only security event log and its query
// surface (ADR-008). Find results are newest first.
type AuditStore interface {
	Append(ctx context.Context, event domain.AuditEvent) error
	FindByUser(ctx context.Context, userID string, limit int) ([]domain.AuditEvent, error)
	FindByPhoneHash(ctx context.Context, phoneHash string, limit int) ([]domain.AuditEvent, error)
	// CountFailed counts failed events for an action since the given
	// time; empty phoneHash or ip means "any".
	CountFailed(ctx context.Context, action, phoneHash, ip string, since time.Time) (int64, error)
	// FindSuspicious returns failures plus rate-limit, suspicious
	// activity, and invalid-token events, optionally filtered by IP.
	FindSuspicious(ctx context.Context, ip string, since time.Time) ([]domain.AuditEvent, error)
	FindSince(ctx context.Context, since time.Time) ([]domain.AuditEvent, error)
	// ArchiveOld marks rows created before cutoff as archived.
	ArchiveOld(ctx context.Context, cutoff time.Time) (int64, error)
	// DeleteArchived deletes rows archived before cutoff.
	DeleteArchived(ctx context.Context, cutoff time.Time) (int64, error)
}

// AuditSource is the slice of the audit store the attack detector reads.
type AuditSource interface {
	FindSince(ctx context.Context, since time.Time) ([]domain.AuditEvent, error)
}

// RequestMeta carries per-request client context into flows for audit
// events. All fields are optional.
type RequestMeta struct {
	IP         string
	UserAgent  string
	DeviceInfo string
}

// SendCodeResult is returned by the send-code flow on success.
type SendCodeResult struct {
	SessionID    string
	ExpiresAt    time.Time
	NextResendAt time.Time

	// VendorMessageID is the SMS vendor's accept id, recorded into
	// audit event data. Empty for providers that do not report one.
	VendorMessageID string
}

// OTPStatus is the read-only view of a phone's pending verification,
// used by clients to drive resend UX.
type OTPStatus struct {
	Exists       bool
	TTL          time.Duration
	AttemptsUsed uint32
	MaxAttempts  uint32
}

// TokenPair is a freshly issued access + refresh credential set.
type TokenPair struct {
	AccessToken      string
	RefreshToken     string
	Family           string
	AccessJTI        string
	ExpiresIn        time.Duration
	RefreshExpiresIn time.Duration
}

// VerifyCodeResult is returned by the verify-code flow on success.
type VerifyCodeResult struct {
	UserID    string
	UserType  domain.UserType
	IsNewUser bool
	Tokens    TokenPair
}

// VerifiedToken is the identity an access token proved. Transports
// attach it to the request context for downstream handlers.
type VerifiedToken struct {
	UserID            string
	UserType          string
	IsVerified        bool
	PhoneHash         string
	DeviceFingerprint string
	JTI               string
}

// AuthServiceConfig holds the dependencies for AuthService.
type AuthServiceConfig struct {
	OTP      *OTPService
	Tokens   *TokenService
	Users    UserRegistry
	Limiter  RateLimiter
	Audit    *AuditLogger
	Detector *AttackDetector
	Clock    domain.Clock
	Logger   *slog.Logger

	// DefaultCountry is applied when normalizing numbers submitted
	// without a + prefix, e.g. "+86".
	DefaultCountry string

	// AllowRegistration controls whether verify-code may create users.
	AllowRegistration bool
}

// AuthService is the orchestrator: it wires rate limiting, OTP
// issuance/verification, token lifecycle, the user registry, and audit
// into the five public flows plus the admin surface. Services never
// call back into it (ADR-015 §1).
type AuthService struct {
	otp               *OTPService
	tokens            *TokenService
	users             UserRegistry
	limiter           RateLimiter
	audit             *AuditLogger
	detector          *AttackDetector
	clock             domain.Clock
	logger            *slog.Logger
	defaultCountry    string
	allowRegistration bool
}

// NewAuthService creates a new AuthService with the given dependencies.
func NewAuthService(cfg AuthServiceConfig) *AuthService {
	return &AuthService{
		otp:               cfg.OTP,
		tokens:            cfg.Tokens,
		users:             cfg.Users,
		limiter:           cfg.Limiter,
		audit:             cfg.Audit,
		detector:          cfg.Detector,
		clock:             cfg.Clock,
		logger:            cfg.Logger,
		defaultCountry:    cfg.DefaultCountry,
		allowRegistration: cfg.AllowRegistration,
	}
}
