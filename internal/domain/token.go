package domain

import "time"

// RefreshToken is the stored record for one refresh token. The raw
// token string never persists; only its SHA-256 hash. Rotation links
// successors through PreviousTokenID, and Family groups every token
// descended from one login (ADR-004).
type RefreshToken struct {
	ID                TokenID
	UserID            UserID
	TokenHash         string
	CreatedAt         time.Time
	ExpiresAt         time.Time
	IsRevoked         bool
	Family            FamilyID
	DeviceFingerprint string // optional, client-provided
	PreviousTokenID   string // optional, id of the rotated predecessor
}

// IsExpired reports whether the token is past its expiry at the given time.
func (t RefreshToken) IsExpired(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}

// BlacklistEntry records a revoked access-token jti until the token
// would have expired anyway, after which the entry is garbage.
type BlacklistEntry struct {
	JTI       string
	ExpiresAt time.Time
}
