package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/aelexs/phone-auth-service/internal/domain"
)

// MintResult holds the result of minting an access token.
type MintResult struct {
	Token     string
	JTI       string
	ExpiresAt time.Time
}

// AccessTokenParams carries the identity fields stamped into the claims.
type AccessTokenParams struct {
	UserID            string
	UserType          string
	IsVerified        bool
	PhoneHash         string
	DeviceFingerprint string
	Family            string
}

// Minter creates signed JWT access tokens per ADR-004 §1. RS256 signs
// with the key store's private key and stamps the kid header; HS256
// signs with the shared secret when no key pair is configured.
type Minter struct {
	algorithm domain.SigningAlgorithm
	keyStore  KeyStore
	secret    domain.SecretBytes
	accessTTL time.Duration
	issuer    string
	audience  string
	clock     domain.Clock
}

// MinterConfig holds configuration for creating a Minter.
type MinterConfig struct {
	Algorithm domain.SigningAlgorithm
	// KeyStore is required for RS256.
	KeyStore KeyStore
	// Secret is required for HS256.
	Secret    domain.SecretBytes
	AccessTTL time.Duration
	Issuer    string
	Audience  string
	Clock     domain.Clock
}

// NewMinter creates a new JWT minter.
func NewMinter(cfg MinterConfig) *Minter {
	return &Minter{
		algorithm: cfg.Algorithm,
		keyStore:  cfg.KeyStore,
		secret:    cfg.Secret,
		accessTTL: cfg.AccessTTL,
		issuer:    cfg.Issuer,
		audience:  cfg.Audience,
		clock:     cfg.Clock,
	}
}

// MintAccessToken creates a signed JWT access token for the given
// identity. Returns the signed token string, JTI, and expiration.
func (m *Minter) MintAccessToken(params AccessTokenParams) (MintResult, error) {
	now := m.clock.Now().UTC()
	jti := uuid.NewString()
	expiresAt := now.Add(m.accessTTL)

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   params.UserID,
			Issuer:    m.issuer,
			Audience:  jwt.ClaimStrings{m.audience},
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			ID:        jti,
		},
		UserType:          params.UserType,
		IsVerified:        params.IsVerified,
		PhoneHash:         params.PhoneHash,
		DeviceFingerprint: params.DeviceFingerprint,
		Family:            params.Family,
	}

	signed, err := m.sign(&claims)
	if err != nil {
		return MintResult{}, err
	}

	return MintResult{
		Token:     signed,
		JTI:       jti,
		ExpiresAt: expiresAt,
	}, nil
}

func (m *Minter) sign(claims *Claims) (string, error) {
	switch m.algorithm {
	case domain.AlgHS256:
		token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
		signed, err := token.SignedString(m.secret.Expose())
		if err != nil {
			return "", fmt.Errorf("sign access token: %w: %w", domain.ErrTokenGenerationFailed, err)
		}
		return signed, nil
	default: // RS256
		privateKey, keyID, err := m.keyStore.SigningKey()
		if err != nil {
			return "", fmt.Errorf("get signing key: %w", err)
		}
		token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
		token.Header["kid"] = keyID
		signed, err := token.SignedString(privateKey)
		if err != nil {
			return "", fmt.Errorf("sign access token: %w: %w", domain.ErrTokenGenerationFailed, err)
		}
		return signed, nil
	}
}
