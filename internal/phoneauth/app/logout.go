package app

import (
	"context"

	"go.opentelemetry.io/otel/codes"

	"github.com/aelexs/phone-auth-service/internal/domain"
	"github.com/aelexs/phone-auth-service/internal/observability"
)

// Logout invalidates the caller's session. The presented access token
// is blacklisted for its remaining lifetime; refresh tokens are then
// revoked for the presented device, or for the whole user when no
// device fingerprint accompanies the request (ADR-015 §5).
func (s *AuthService) Logout(ctx context.Context, accessToken, deviceFP string, meta RequestMeta) error {
	ctx, span := tracer.Start(ctx, "auth.logout")
	defer span.End()

	// 1. Kill the access token first. Its claims identify the user
	// without another registry read.
	claims, err := s.tokens.BlacklistAccess(ctx, accessToken)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	userID, err := domain.NewUserID(claims.Subject)
	if err != nil {
		span.SetStatus(codes.Error, "bad subject claim")
		return domain.ErrInvalidClaims
	}

	// 2. Revoke the refresh side, scoped by what the caller presented.
	scope := "user"
	if deviceFP != "" {
		scope = "device"
		err = s.tokens.RevokeDevice(ctx, userID, deviceFP)
	} else {
		err = s.tokens.RevokeUser(ctx, userID)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	s.audit.Record(ctx, domain.AuditEvent{
		EventType:  domain.EventLogout,
		UserID:     claims.Subject,
		PhoneHash:  claims.PhoneHash,
		IPAddress:  meta.IP,
		UserAgent:  meta.UserAgent,
		DeviceInfo: meta.DeviceInfo,
		Action:     "logout",
		Success:    true,
		TokenID:    claims.ID,
		EventData:  map[string]any{"scope": scope},
	})
	observability.WithTraceID(ctx, s.logger).InfoContext(ctx, "auth.logout",
		"user_id", claims.Subject,
		"scope", scope,
	)
	return nil
}
