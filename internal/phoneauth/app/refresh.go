package app

import "context"

// RefreshTokens rotates a refresh token into a fresh pair. All policy,
// reuse detection and device binding included, lives in the token
// service; the audit row it writes carries the new access jti.
func (s *AuthService) RefreshTokens(ctx context.Context, rawRefresh, deviceFP string, meta RequestMeta) (*TokenPair, error) {
	return s.tokens.Refresh(ctx, rawRefresh, deviceFP, meta)
}

// VerifyAccessToken validates an access token against signature,
// expiry, and the revocation blacklist.
func (s *AuthService) VerifyAccessToken(ctx context.Context, token string) (*VerifiedToken, error) {
	claims, err := s.tokens.VerifyAccess(ctx, token)
	if err != nil {
		return nil, err
	}
	return &VerifiedToken{
		UserID:            claims.Subject,
		UserType:          claims.UserType,
		IsVerified:        claims.IsVerified,
		PhoneHash:         claims.PhoneHash,
		DeviceFingerprint: claims.DeviceFingerprint,
		JTI:               claims.ID,
	}, nil
}
