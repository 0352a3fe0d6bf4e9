package domain

import "time"

// StoreBackend names which tier of the OTP store served a call.
// Callers only pass it through to logs; they never branch on it.
type StoreBackend string

const (
	BackendRedis    StoreBackend = "redis"
	BackendDatabase StoreBackend = "database"
)

// EncryptedOTP is a verification code at rest. The code exists in
// plaintext only in memory between generation and encryption, and
// between decryption and comparison. Ciphertext and nonce are
// base64-encoded for cache and row storage.
type EncryptedOTP struct {
	Phone        string    `json:"phone"`
	Ciphertext   string    `json:"ciphertext"`
	Nonce        string    `json:"nonce"`
	KeyID        string    `json:"key_id"`
	CreatedAt    time.Time `json:"created_at"`
	ExpiresAt    time.Time `json:"expires_at"`
	AttemptCount uint32    `json:"attempt_count"`
}

// IsExpired reports whether the code is unusable at the given time.
// A code exactly at its expiry instant is already expired.
func (o EncryptedOTP) IsExpired(now time.Time) bool {
	return !now.Before(o.ExpiresAt)
}

// OTPMetadata tracks the verification session beside the encrypted
// code: attempt counting and the session handle returned to the client.
type OTPMetadata struct {
	Phone       string       `json:"phone"`
	CreatedAt   time.Time    `json:"created_at"`
	ExpiresAt   time.Time    `json:"expires_at"`
	Attempts    uint32       `json:"attempts"`
	MaxAttempts uint32       `json:"max_attempts"`
	SessionID   string       `json:"session_id"`
	IsUsed      bool         `json:"is_used"`
	Backend     StoreBackend `json:"backend"`
}
