package auth

import "github.com/golang-jwt/jwt/v5"

// Claims represents the JWT claims for access tokens per ADR-004 §1.
// Registered claims carry sub/iat/exp/nbf/iss/aud/jti; the private
// claims bind the token to the verified identity and device.
type Claims struct {
	jwt.RegisteredClaims
	UserType          string `json:"user_type,omitempty"`
	IsVerified        bool   `json:"is_verified"`
	PhoneHash         string `json:"phone_hash"`
	DeviceFingerprint string `json:"device_fp,omitempty"`
	Family            string `json:"family"`
}
