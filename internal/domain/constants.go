package domain

import "time"

// Normative limits from ADR-007 (Abuse Controls) and ADR-004 (Token
// Lifecycle). These are compiled defaults that can be overridden via
// configuration.
const (
	// Verification code parameters
	OTPCodeLength       = 6               // Digits in a verification code
	OTPValidityDuration = 5 * time.Minute // How long a code remains valid
	MaxVerifyAttempts   = 3               // Failed attempts before the account locks
	ResendCooldown      = 60 * time.Second

	// Rate limiting (ADR-007 §2), sliding windows
	SMSRateLimit              = 3 // Max code requests per phone per window
	SMSRateLimitWindow        = 1 * time.Hour
	IPVerifyRateLimit         = 10 // Max code requests per IP per window
	IPVerifyRateLimitWindow   = 1 * time.Hour
	APIRateLimit              = 60 // Max API requests per IP per window
	APIRateLimitWindow        = 1 * time.Minute
	VerifyAttemptsLimit       = 3 // Max verification attempts per phone per window
	VerifyAttemptsLimitWindow = 5 * time.Minute

	// Account lockout (ADR-007 §3)
	AccountLockDuration     = 30 * time.Minute // Default lock TTL, configurable
	FailedAttemptsWindow    = 1 * time.Hour    // Window for counting failed attempts
	FailedAttemptsThreshold = 5                // Failures within the window that trigger a lock

	// Progressive verification delay (ADR-007 §4). Doubles per prior
	// failure, capped.
	VerifyBaseDelay = 500 * time.Millisecond
	VerifyMaxDelay  = 10 * time.Second

	// Token configuration (ADR-004)
	AccessTokenLifetime   = 15 * time.Minute
	RefreshTokenLifetime  = 7 * 24 * time.Hour
	RefreshTokenLength    = 32                  // Opaque wire token, [0-9A-Za-z]
	RevokedTokenRetention = 30 * 24 * time.Hour // Revoked rows kept for forensics before cleanup

	// Key management (ADR-006)
	EncryptionKeySize   = 32 // AES-256
	EncryptionNonceSize = 12 // GCM standard nonce
	KeyRotationInterval = 24 * time.Hour

	// Audit retention (ADR-008)
	AuditArchiveAfter        = 90 * 24 * time.Hour
	AuditDeleteArchivedAfter = 7 * 24 * time.Hour
	AuditQueueSize           = 1024 // Async mode buffer; overflow drops with an error log

	// Attack detection (ADR-009)
	DetectionWindow           = 10 * time.Minute
	CredentialStuffingMinIPs  = 5   // Distinct IPs against one phone
	SubnetAbuseMinIPs         = 3   // Distinct IPs from one subnet
	IPRotationMinRate         = 2.0 // Distinct IPs per minute
	PatternConfidenceCap      = 0.9
	CoordinatedConfidenceCap  = 0.99
	CoordinatedConfidenceGain = 1.2 // Multiplier when ≥2 patterns coincide

	// Timeout contracts (ADR-003 §1)
	SMSTimeout      = 30 * time.Second // Max time for a vendor send call
	CacheTimeout    = 5 * time.Second  // Max time for cache operations
	DatabaseTimeout = 5 * time.Second  // Max time for relational store operations

	// Cache fallback retry (ADR-003 §2)
	CacheRetryAttempts  = 3
	CacheRetryBaseDelay = 100 * time.Millisecond // Doubles per attempt

	// Graceful shutdown (ADR-014 §4.1)
	GracefulShutdownTimeout = 30 * time.Second
	ShutdownDrainDelay      = 2 * time.Second // Let load balancers observe /healthz flip
	ShutdownHTTPTimeout     = 10 * time.Second
	ShutdownOTELTimeout     = 5 * time.Second

	// Pagination defaults
	DefaultPageSize = 50
	MaxPageSize     = 100

	// Device fingerprint is client-provided and opaque
	MaxDeviceFingerprintLength = 128
)

// RateScope identifies a sliding-window rate limit bucket family.
type RateScope string

const (
	ScopeSMS            RateScope = "sms"
	ScopeIPVerification RateScope = "ip_verification"
	ScopeAPI            RateScope = "api"
	ScopeVerifyAttempts RateScope = "verify_attempts"
)

// IsValidRateScope checks if a rate scope is recognized.
func IsValidRateScope(s RateScope) bool {
	switch s {
	case ScopeSMS, ScopeIPVerification, ScopeAPI, ScopeVerifyAttempts:
		return true
	}
	return false
}

// SigningAlgorithm selects the JWT signature scheme.
type SigningAlgorithm string

const (
	AlgRS256 SigningAlgorithm = "RS256"
	AlgHS256 SigningAlgorithm = "HS256"
)

// IsValidSigningAlgorithm checks if an algorithm is supported.
func IsValidSigningAlgorithm(a SigningAlgorithm) bool {
	return a == AlgRS256 || a == AlgHS256
}
