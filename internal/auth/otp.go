package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"math/big"
	"regexp"
)

var otpMax = big.NewInt(1_000_000) // 10^6 for 6-digit OTP

// codePattern matches exactly six decimal digits.
var codePattern = regexp.MustCompile(`^\d{6}$`)

// tokenAlphabet is the character set for opaque wire tokens.
const tokenAlphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

// GenerateOTP generates a cryptographically random 6-digit verification code.
// Uses crypto/rand with rejection sampling (via big.Int) to avoid modulo bias.
// The code is zero-padded (e.g., "000123") per ADR-006 §1.
func GenerateOTP() (string, error) {
	n, err := rand.Int(rand.Reader, otpMax)
	if err != nil {
		return "", fmt.Errorf("generate OTP: %w", err)
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}

// IsValidCodeFormat reports whether a candidate is exactly six decimal
// digits. Anything else is rejected before any store access.
func IsValidCodeFormat(code string) bool {
	return codePattern.MatchString(code)
}

// GenerateTokenString generates an n-character random string over
// [0-9A-Za-z] using rejection-sampled indices from crypto/rand.
// Used for opaque refresh tokens on the wire (ADR-004 §2).
func GenerateTokenString(n int) (string, error) {
	alphabetLen := big.NewInt(int64(len(tokenAlphabet)))
	out := make([]byte, n)
	for i := range out {
		idx, err := rand.Int(rand.Reader, alphabetLen)
		if err != nil {
			return "", fmt.Errorf("generate token string: %w", err)
		}
		out[i] = tokenAlphabet[idx.Int64()]
	}
	return string(out), nil
}

// HashPhone returns the SHA-256 hex digest of the local part of a phone
// number. The country code is excluded so a user keeps the same hash
// regardless of how their country prefix was captured (ADR-002 §3).
func HashPhone(local string) string {
	h := sha256.Sum256([]byte(local))
	return hex.EncodeToString(h[:])
}

// ConstantTimeEquals compares two codes without leaking the position of
// the first mismatch. Unequal lengths return false immediately; the
// six-digit format check upstream makes that path unreachable for
// well-formed candidates.
func ConstantTimeEquals(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
