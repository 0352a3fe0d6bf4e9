package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/aelexs/phone-auth-service/internal/auth"
	"github.com/aelexs/phone-auth-service/internal/domain"
	"github.com/aelexs/phone-auth-service/internal/observability"
)

// SendCode runs the full code-issue path for one phone number:
// normalize, budget checks, generate, store, dispatch (ADR-015 §2).
func (s *AuthService) SendCode(ctx context.Context, rawPhone string, meta RequestMeta) (*SendCodeResult, error) {
	ctx, span := tracer.Start(ctx, "auth.send_code")
	defer span.End()

	// 1. Normalize first so every limiter key and audit row sees one
	// canonical form of the number.
	phone, err := domain.NormalizePhone(rawPhone, s.defaultCountry)
	if err != nil {
		span.SetStatus(codes.Error, "invalid phone")
		return nil, err
	}
	_, local := domain.ExtractCountry(phone)
	phoneHash := auth.HashPhone(local)

	// 2. Phone-scoped SMS budget. Allow consults the account lock
	// before counting, so lock beats limit in the failure order
	// (ADR-007 §3).
	if _, err := s.limiter.Allow(ctx, domain.ScopeSMS, phoneHash); err != nil {
		return nil, s.rejectLimited(ctx, span, phone, phoneHash, "send_code", meta, err)
	}

	// 3. IP budget, when the transport knows the caller address.
	if meta.IP != "" {
		if _, err := s.limiter.Allow(ctx, domain.ScopeIPVerification, meta.IP); err != nil {
			return nil, s.rejectLimited(ctx, span, phone, phoneHash, "send_code", meta, err)
		}
	}

	// 4. Issue and dispatch.
	result, err := s.otp.Request(ctx, phone)
	if err != nil {
		s.audit.Record(ctx, domain.AuditEvent{
			EventType:     domain.EventSendCodeFailure,
			PhoneMasked:   phone.Mask(),
			PhoneHash:     phoneHash,
			IPAddress:     meta.IP,
			UserAgent:     meta.UserAgent,
			DeviceInfo:    meta.DeviceInfo,
			Action:        "send_code",
			FailureReason: sendFailureReason(err),
			ErrorMessage:  err.Error(),
		})
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	// 5. Audit success with the vendor receipt for delivery disputes.
	s.audit.Record(ctx, domain.AuditEvent{
		EventType:   domain.EventSendCodeSuccess,
		PhoneMasked: phone.Mask(),
		PhoneHash:   phoneHash,
		IPAddress:   meta.IP,
		UserAgent:   meta.UserAgent,
		DeviceInfo:  meta.DeviceInfo,
		Action:      "send_code",
		Success:     true,
		EventData: map[string]any{
			"session_id":        result.SessionID,
			"vendor_message_id": result.VendorMessageID,
		},
	})
	return result, nil
}

// rejectLimited classifies a budget failure, moves the matching
// counters, and audits limit violations. Lock hits are not re-audited;
// the lock creation already was.
func (s *AuthService) rejectLimited(ctx context.Context, span trace.Span, phone domain.PhoneNumber, phoneHash, action string, meta RequestMeta, err error) error {
	var rle *domain.RateLimitError
	switch {
	case errors.Is(err, domain.ErrAccountLocked):
		rateLimitsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("scope", "account_lock")))
		span.SetStatus(codes.Error, "account locked")
		return err

	case errors.As(err, &rle):
		rateLimitsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("scope", string(rle.Scope))))
		eventType := domain.EventRateLimitPhoneExceeded
		if rle.Scope == domain.ScopeIPVerification {
			eventType = domain.EventRateLimitIPExceeded
		}
		s.audit.Record(ctx, domain.AuditEvent{
			EventType:     eventType,
			PhoneMasked:   phone.Mask(),
			PhoneHash:     phoneHash,
			IPAddress:     meta.IP,
			UserAgent:     meta.UserAgent,
			DeviceInfo:    meta.DeviceInfo,
			Action:        action,
			FailureReason: "rate_limited",
			RateLimitType: string(rle.Scope),
			EventData:     map[string]any{"retry_after_seconds": int(rle.RetryAfter / time.Second)},
		})
		span.SetStatus(codes.Error, "rate limited")
		return err

	default:
		// Limiter infrastructure failure denies the request (ADR-013 §2).
		span.SetStatus(codes.Error, err.Error())
		observability.WithTraceID(ctx, s.logger).ErrorContext(ctx, "rate limit check failed", "error", err)
		return fmt.Errorf("rate limit check: %w", errors.Join(err, domain.ErrUnavailable))
	}
}

func sendFailureReason(err error) string {
	switch {
	case errors.Is(err, domain.ErrSMSServiceFailure):
		return "sms_failure"
	case errors.Is(err, domain.ErrRateLimited):
		return "resend_cooldown"
	default:
		return "internal"
	}
}
