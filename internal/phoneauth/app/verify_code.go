package app

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"

	"github.com/aelexs/phone-auth-service/internal/auth"
	"github.com/aelexs/phone-auth-service/internal/domain"
	"github.com/aelexs/phone-auth-service/internal/observability"
)

// VerifyCode checks a submitted code and, on success, logs the caller
// in: the user record is found or created, last login is stamped, and
// a fresh token pair is issued (ADR-015 §3).
func (s *AuthService) VerifyCode(ctx context.Context, rawPhone, code, deviceFP string, meta RequestMeta) (*VerifyCodeResult, error) {
	ctx, span := tracer.Start(ctx, "auth.verify_code")
	defer span.End()

	// 1. Normalize to the canonical form the send path used.
	phone, err := domain.NormalizePhone(rawPhone, s.defaultCountry)
	if err != nil {
		span.SetStatus(codes.Error, "invalid phone")
		return nil, err
	}
	country, local := domain.ExtractCountry(phone)
	phoneHash := auth.HashPhone(local)
	logger := observability.WithTraceID(ctx, s.logger)

	// 2. IP budget. Phone-scoped budgets live inside the code check.
	if meta.IP != "" {
		if _, err := s.limiter.Allow(ctx, domain.ScopeIPVerification, meta.IP); err != nil {
			return nil, s.rejectLimited(ctx, span, phone, phoneHash, "verify_code", meta, err)
		}
	}

	// 3. The code check audits its own failures, so none of them are
	// re-recorded here.
	if err := s.otp.Verify(ctx, phone, code, meta.IP); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	// 4. Resolve the user behind the verified number.
	now := s.clock.Now().UTC()
	isNew := false
	user, err := s.users.FindByPhone(ctx, phoneHash, country)
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrNotFound) || errors.Is(err, domain.ErrUserNotFound):
		if !s.allowRegistration {
			s.auditLoginFailure(ctx, "", phone, phoneHash, meta, "registration_disabled")
			span.SetStatus(codes.Error, "registration disabled")
			return nil, domain.ErrRegistrationDisabled
		}
		created := domain.NewUser(phoneHash, country, now)
		if createErr := s.users.Create(ctx, created); createErr != nil {
			if !errors.Is(createErr, domain.ErrUserAlreadyExists) {
				span.RecordError(createErr)
				span.SetStatus(codes.Error, createErr.Error())
				return nil, fmt.Errorf("create user: %w", createErr)
			}
			// A concurrent verify won the insert; use its row.
			user, err = s.users.FindByPhone(ctx, phoneHash, country)
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
				return nil, fmt.Errorf("find user after duplicate create: %w", err)
			}
		} else {
			user = &created
			isNew = true
		}
	default:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("find user: %w", err)
	}

	// 5. Blocked accounts can verify codes but never log in.
	if user.IsBlocked {
		authFailuresTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", "user_blocked")))
		s.auditLoginFailure(ctx, user.ID.String(), phone, phoneHash, meta, "user_blocked")
		span.SetStatus(codes.Error, "user blocked")
		return nil, domain.ErrUserBlocked
	}

	// 6. Stamp the login. A failed stamp is telemetry loss, not a
	// failed login.
	user.LastLoginAt = &now
	user.UpdatedAt = now
	if err := s.users.Update(ctx, *user); err != nil {
		logger.WarnContext(ctx, "failed to stamp last login", "error", err, "user_id", user.ID.String())
	}

	// 7. Issue the session tokens.
	tokens, err := s.tokens.Issue(ctx, *user, deviceFP)
	if err != nil {
		s.auditLoginFailure(ctx, user.ID.String(), phone, phoneHash, meta, "token_issue")
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	flow := "login"
	if isNew {
		flow = "registration"
	}
	loginsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("flow", flow)))

	s.audit.Record(ctx, domain.AuditEvent{
		EventType:   domain.EventLoginSuccess,
		UserID:      user.ID.String(),
		PhoneMasked: phone.Mask(),
		PhoneHash:   phoneHash,
		IPAddress:   meta.IP,
		UserAgent:   meta.UserAgent,
		DeviceInfo:  meta.DeviceInfo,
		Action:      "verify_code",
		Success:     true,
		TokenID:     tokens.AccessJTI,
		EventData:   map[string]any{"is_new_user": isNew},
	})
	logger.InfoContext(ctx, "auth.login",
		"user_id", user.ID.String(),
		"is_new_user", isNew,
		"phone", phone,
	)

	return &VerifyCodeResult{
		UserID:    user.ID.String(),
		UserType:  user.UserType,
		IsNewUser: isNew,
		Tokens:    *tokens,
	}, nil
}

// auditLoginFailure records a login that failed after the code itself
// verified. Code-check failures are recorded by the OTP service with
// finer-grained reasons.
func (s *AuthService) auditLoginFailure(ctx context.Context, userID string, phone domain.PhoneNumber, phoneHash string, meta RequestMeta, reason string) {
	s.audit.Record(ctx, domain.AuditEvent{
		EventType:     domain.EventLoginFailure,
		UserID:        userID,
		PhoneMasked:   phone.Mask(),
		PhoneHash:     phoneHash,
		IPAddress:     meta.IP,
		UserAgent:     meta.UserAgent,
		DeviceInfo:    meta.DeviceInfo,
		Action:        "verify_code",
		FailureReason: reason,
	})
}
