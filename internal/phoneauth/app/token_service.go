package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"

	"github.com/aelexs/phone-auth-service/internal/auth"
	"github.com/aelexs/phone-auth-service/internal/domain"
	"github.com/aelexs/phone-auth-service/internal/observability"
)

// TokenServiceConfig holds the dependencies for a TokenService.
type TokenServiceConfig struct {
	Tokens    TokenStore
	Blacklist BlacklistStore
	Users     UserRegistry
	Minter    *auth.Minter
	Validator *auth.Validator
	Audit     *AuditLogger
	Clock     domain.Clock
	Logger    *slog.Logger

	// RefreshTTL is the refresh-token lifetime. Zero means
	// domain.RefreshTokenLifetime.
	RefreshTTL time.Duration
}

// TokenService owns the token lifecycle: minting access tokens,
// rotating refresh families, reuse detection, blacklisting, and
// revocation (ADR-004).
type TokenService struct {
	tokens     TokenStore
	blacklist  BlacklistStore
	users      UserRegistry
	minter     *auth.Minter
	validator  *auth.Validator
	audit      *AuditLogger
	clock      domain.Clock
	logger     *slog.Logger
	refreshTTL time.Duration
}

// CleanupStats reports what one cleanup pass removed.
type CleanupStats struct {
	TokensDeleted    int64
	BlacklistDeleted int64
}

// NewTokenService creates a TokenService with the given dependencies.
func NewTokenService(cfg TokenServiceConfig) *TokenService {
	if cfg.RefreshTTL == 0 {
		cfg.RefreshTTL = domain.RefreshTokenLifetime
	}
	return &TokenService{
		tokens:     cfg.Tokens,
		blacklist:  cfg.Blacklist,
		users:      cfg.Users,
		minter:     cfg.Minter,
		validator:  cfg.Validator,
		audit:      cfg.Audit,
		clock:      cfg.Clock,
		logger:     cfg.Logger,
		refreshTTL: cfg.RefreshTTL,
	}
}

// Issue mints an access token and the first refresh token of a new
// family for the user.
func (s *TokenService) Issue(ctx context.Context, user domain.User, deviceFP string) (*TokenPair, error) {
	ctx, span := tracer.Start(ctx, "auth.token_issue")
	defer span.End()

	family := domain.GenerateFamilyID()

	pair, err := s.mintPair(ctx, user, family, deviceFP, "")
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	tokensMintedTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("flow", "login")))
	observability.WithTraceID(ctx, s.logger).InfoContext(ctx, "token.issued",
		"user_id", user.ID.String(),
		"family", family.String(),
	)
	return pair, nil
}

// VerifyAccess validates signature and claims strictly, then checks the
// jti blacklist. Blacklist lookups fail closed (ADR-013 §2).
func (s *TokenService) VerifyAccess(ctx context.Context, token string) (*auth.Claims, error) {
	ctx, span := tracer.Start(ctx, "auth.token_verify")
	defer span.End()

	claims, err := s.validator.ValidateAccessToken(token)
	if err != nil {
		authFailuresTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", "invalid_token")))
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	revoked, err := s.blacklist.Contains(ctx, claims.ID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("check blacklist: %w", errors.Join(err, domain.ErrUnavailable))
	}
	if revoked {
		authFailuresTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", "token_revoked")))
		span.SetStatus(codes.Error, "token revoked")
		return nil, domain.ErrTokenRevoked
	}

	return claims, nil
}

// Refresh rotates a refresh token. A replayed revoked token or a device
// mismatch revokes the whole family before the error returns, so a
// stolen token's lineage dies with the first detected misuse.
func (s *TokenService) Refresh(ctx context.Context, rawRefresh, deviceFP string, meta RequestMeta) (*TokenPair, error) {
	ctx, span := tracer.Start(ctx, "auth.token_refresh")
	defer span.End()

	logger := observability.WithTraceID(ctx, s.logger)

	if rawRefresh == "" {
		return nil, domain.ErrInvalidTokenFormat
	}

	// 1. Resolve the presented token by hash.
	stored, err := s.tokens.FindByHash(ctx, auth.HashRefreshToken(rawRefresh))
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			authFailuresTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", "unknown_refresh")))
			span.SetStatus(codes.Error, "unknown refresh token")
			return nil, domain.ErrInvalidTokenFormat
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("find refresh token: %w", err)
	}

	now := s.clock.Now().UTC()

	// 2. Expiry.
	if stored.IsExpired(now) {
		authFailuresTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", "refresh_expired")))
		span.SetStatus(codes.Error, "refresh token expired")
		return nil, domain.ErrRefreshTokenExpired
	}

	// 3. Reuse detection: presenting a revoked member is the signature
	// of a replay. Kill the family first, then report.
	if stored.IsRevoked {
		if revErr := s.revokeFamilyForMisuse(ctx, stored, meta, "refresh_reuse"); revErr != nil {
			return nil, revErr
		}
		authFailuresTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", "refresh_reuse")))
		logger.WarnContext(ctx, "token.refresh_reuse",
			"user_id", stored.UserID.String(),
			"family", stored.Family.String(),
		)
		span.SetStatus(codes.Error, "refresh token reuse")
		return nil, domain.ErrTokenRevoked
	}

	// 4. Device binding: both sides pinned and different is misuse.
	if stored.DeviceFingerprint != "" && deviceFP != "" && stored.DeviceFingerprint != deviceFP {
		if revErr := s.revokeFamilyForMisuse(ctx, stored, meta, "device_mismatch"); revErr != nil {
			return nil, revErr
		}
		authFailuresTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", "device_mismatch")))
		logger.WarnContext(ctx, "token.device_mismatch",
			"user_id", stored.UserID.String(),
			"family", stored.Family.String(),
		)
		span.SetStatus(codes.Error, "device mismatch")
		return nil, domain.ErrInvalidTokenFormat
	}

	// 5. The user must still be in good standing.
	user, err := s.users.FindByID(ctx, stored.UserID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			span.SetStatus(codes.Error, "user gone")
			return nil, domain.ErrUserNotFound
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("load user: %w", err)
	}
	if user.IsBlocked {
		authFailuresTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", "user_blocked")))
		span.SetStatus(codes.Error, "user blocked")
		return nil, domain.ErrUserBlocked
	}

	// 6. Rotate: revoke the old member before its successor exists so
	// the family never has two live tokens. A crash between the two
	// writes leaves the family empty, which only costs a re-login.
	if err := s.tokens.Revoke(ctx, stored.ID); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("revoke rotated token: %w", err)
	}

	pair, err := s.mintPair(ctx, *user, stored.Family, stored.DeviceFingerprint, stored.ID.String())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	tokensMintedTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("flow", "refresh")))
	tokenRefreshesTotal.Add(ctx, 1)
	s.audit.Record(ctx, domain.AuditEvent{
		EventType: domain.EventTokenRefresh,
		UserID:    user.ID.String(),
		PhoneHash: user.PhoneHash,
		IPAddress: meta.IP,
		UserAgent: meta.UserAgent,
		Action:    "refresh_token",
		Success:   true,
		TokenID:   pair.AccessJTI,
	})
	logger.InfoContext(ctx, "token.refreshed",
		"user_id", user.ID.String(),
		"family", stored.Family.String(),
	)
	return pair, nil
}

// BlacklistAccess records an access token's jti until the token would
// have expired anyway, and returns its claims so callers can act on
// the identity it carried. The expiry claim is honored even on an
// already expired token so logout never fails on staleness.
func (s *TokenService) BlacklistAccess(ctx context.Context, token string) (*auth.Claims, error) {
	ctx, span := tracer.Start(ctx, "auth.token_blacklist")
	defer span.End()

	claims, err := s.validator.ValidateIgnoreExpiry(token)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	if claims.ExpiresAt == nil {
		return nil, domain.ErrMissingClaim
	}

	entry := domain.BlacklistEntry{JTI: claims.ID, ExpiresAt: claims.ExpiresAt.Time}
	if err := s.blacklist.Add(ctx, entry); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("blacklist jti: %w", err)
	}

	tokenRevocationsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", "logout_access")))
	return claims, nil
}

// RevokeDevice revokes the user's refresh tokens bound to one device.
func (s *TokenService) RevokeDevice(ctx context.Context, userID domain.UserID, deviceFP string) error {
	if err := s.tokens.RevokeDevice(ctx, userID, deviceFP); err != nil {
		return fmt.Errorf("revoke device tokens: %w", err)
	}
	tokenRevocationsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", "device")))
	return nil
}

// RevokeUser revokes every live refresh token the user holds.
func (s *TokenService) RevokeUser(ctx context.Context, userID domain.UserID) error {
	if err := s.tokens.RevokeAllForUser(ctx, userID); err != nil {
		return fmt.Errorf("revoke user tokens: %w", err)
	}
	tokenRevocationsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", "user")))
	return nil
}

// Cleanup removes expired refresh tokens, revoked tokens past the
// forensic retention window, and dead blacklist entries.
func (s *TokenService) Cleanup(ctx context.Context) (CleanupStats, error) {
	ctx, span := tracer.Start(ctx, "auth.token_cleanup")
	defer span.End()

	now := s.clock.Now().UTC()
	var stats CleanupStats

	tokens, err := s.tokens.DeleteExpired(ctx, now, now.Add(-domain.RevokedTokenRetention))
	if err != nil {
		span.RecordError(err)
		return stats, fmt.Errorf("delete expired tokens: %w", err)
	}
	stats.TokensDeleted = tokens

	entries, err := s.blacklist.DeleteExpired(ctx, now)
	if err != nil {
		span.RecordError(err)
		return stats, fmt.Errorf("delete expired blacklist entries: %w", err)
	}
	stats.BlacklistDeleted = entries

	return stats, nil
}

// mintPair mints an access token and persists a refresh token in the
// given family. previousID is empty for the first member.
func (s *TokenService) mintPair(ctx context.Context, user domain.User, family domain.FamilyID, deviceFP, previousID string) (*TokenPair, error) {
	mint, err := s.minter.MintAccessToken(auth.AccessTokenParams{
		UserID:            user.ID.String(),
		UserType:          string(user.UserType),
		IsVerified:        user.IsVerified,
		PhoneHash:         user.PhoneHash,
		DeviceFingerprint: deviceFP,
		Family:            family.String(),
	})
	if err != nil {
		return nil, fmt.Errorf("mint access token: %w", err)
	}

	raw, err := auth.GenerateRefreshToken()
	if err != nil {
		return nil, fmt.Errorf("generate refresh token: %w", err)
	}

	now := s.clock.Now().UTC()
	record := domain.RefreshToken{
		ID:                domain.GenerateTokenID(),
		UserID:            user.ID,
		TokenHash:         auth.HashRefreshToken(raw),
		CreatedAt:         now,
		ExpiresAt:         now.Add(s.refreshTTL),
		Family:            family,
		DeviceFingerprint: deviceFP,
		PreviousTokenID:   previousID,
	}
	if err := s.tokens.Create(ctx, record); err != nil {
		return nil, fmt.Errorf("persist refresh token: %w", err)
	}

	return &TokenPair{
		AccessToken:      mint.Token,
		RefreshToken:     raw,
		Family:           family.String(),
		AccessJTI:        mint.JTI,
		ExpiresIn:        mint.ExpiresAt.Sub(now),
		RefreshExpiresIn: s.refreshTTL,
	}, nil
}

// revokeFamilyForMisuse kills every member of the family and writes the
// audit trail. The revocation must land before the caller reports the
// error, so a failure here propagates instead of the misuse error.
func (s *TokenService) revokeFamilyForMisuse(ctx context.Context, stored *domain.RefreshToken, meta RequestMeta, reason string) error {
	if err := s.tokens.RevokeFamily(ctx, stored.Family); err != nil {
		return fmt.Errorf("revoke family %s: %w", stored.Family.String(), err)
	}

	tokenRevocationsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))

	event := domain.AuditEvent{
		UserID:        stored.UserID.String(),
		IPAddress:     meta.IP,
		UserAgent:     meta.UserAgent,
		Action:        "refresh_token",
		Success:       false,
		FailureReason: reason,
		TokenID:       stored.ID.String(),
		EventData:     map[string]any{"family": stored.Family.String()},
	}
	if reason == "device_mismatch" {
		event.EventType = domain.EventInvalidTokenUsage
	} else {
		event.EventType = domain.EventTokenRevoked
	}
	s.audit.Record(ctx, event)
	return nil
}
