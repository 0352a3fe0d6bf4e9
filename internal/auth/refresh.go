package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"

	"github.com/aelexs/phone-auth-service/internal/domain"
)

// GenerateRefreshToken generates a cryptographically random opaque
// refresh token: 32 characters over [0-9A-Za-z] per ADR-004 §2. The
// wire form discloses none of the stored metadata (family, previous id).
func GenerateRefreshToken() (string, error) {
	return GenerateTokenString(domain.RefreshTokenLength)
}

// HashRefreshToken returns the SHA-256 hex digest of a refresh token.
// Only the hash is stored server-side (ADR-004 §2).
func HashRefreshToken(token string) string {
	h := sha256.Sum256([]byte(token))
	return hex.EncodeToString(h[:])
}

// ValidateRefreshHash verifies a refresh token against its stored hash
// using constant-time comparison.
func ValidateRefreshHash(token, storedHash string) bool {
	candidateHash := HashRefreshToken(token)
	return subtle.ConstantTimeCompare([]byte(candidateHash), []byte(storedHash)) == 1
}
