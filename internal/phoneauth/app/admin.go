package app

import (
	"context"
	"fmt"
	"net/netip"

	"github.com/aelexs/phone-auth-service/internal/auth"
	"github.com/aelexs/phone-auth-service/internal/domain"
	"github.com/aelexs/phone-auth-service/internal/observability"
)

// Operational surface: limiter introspection, manual resets, and
// on-demand abuse analysis. Exposed only on internal routes.

// CodeStatus reports whether a live code exists for the number and how
// much of its attempt budget remains. The code itself is never exposed.
func (s *AuthService) CodeStatus(ctx context.Context, rawPhone string) (*OTPStatus, error) {
	phone, err := domain.NormalizePhone(rawPhone, s.defaultCountry)
	if err != nil {
		return nil, err
	}
	return s.otp.Status(ctx, phone)
}

// PhoneRateStatus reports the limiter's view of one phone number.
func (s *AuthService) PhoneRateStatus(ctx context.Context, rawPhone string) (*domain.RateLimitStatus, error) {
	phone, err := domain.NormalizePhone(rawPhone, s.defaultCountry)
	if err != nil {
		return nil, err
	}
	_, local := domain.ExtractCountry(phone)
	status, err := s.limiter.StatusPhone(ctx, auth.HashPhone(local))
	if err != nil {
		return nil, fmt.Errorf("phone rate status: %w", err)
	}
	// Admins see the masked number, not the hash.
	status.Identifier = phone.Mask()
	return status, nil
}

// IPRateStatus reports the limiter's view of one source address.
func (s *AuthService) IPRateStatus(ctx context.Context, ip string) (*domain.RateLimitStatus, error) {
	if _, err := netip.ParseAddr(ip); err != nil {
		return nil, fmt.Errorf("ip %q: %w", ip, domain.ErrInvalidInput)
	}
	status, err := s.limiter.StatusIP(ctx, ip)
	if err != nil {
		return nil, fmt.Errorf("ip rate status: %w", err)
	}
	return status, nil
}

// ResetPhoneLimits clears every phone-scoped window and the account
// lock for the number. Support tooling only.
func (s *AuthService) ResetPhoneLimits(ctx context.Context, rawPhone string) error {
	phone, err := domain.NormalizePhone(rawPhone, s.defaultCountry)
	if err != nil {
		return err
	}
	_, local := domain.ExtractCountry(phone)
	if err := s.limiter.ResetPhone(ctx, auth.HashPhone(local)); err != nil {
		return fmt.Errorf("reset phone limits: %w", err)
	}
	observability.WithTraceID(ctx, s.logger).InfoContext(ctx, "admin.rate_limit_reset",
		"scope", "phone",
		"phone", phone.Mask(),
	)
	return nil
}

// ResetIPLimits clears every IP-scoped window for the address.
func (s *AuthService) ResetIPLimits(ctx context.Context, ip string) error {
	if _, err := netip.ParseAddr(ip); err != nil {
		return fmt.Errorf("ip %q: %w", ip, domain.ErrInvalidInput)
	}
	if err := s.limiter.ResetIP(ctx, ip); err != nil {
		return fmt.Errorf("reset ip limits: %w", err)
	}
	observability.WithTraceID(ctx, s.logger).InfoContext(ctx, "admin.rate_limit_reset",
		"scope", "ip",
		"ip", ip,
	)
	return nil
}

// DetectAttacks runs one detection pass and records a finding in the
// audit log so later passes and operators can see it.
func (s *AuthService) DetectAttacks(ctx context.Context) (*domain.DetectionResult, error) {
	result, err := s.detector.Detect(ctx)
	if err != nil {
		return nil, err
	}
	if result.Detected {
		s.audit.Record(ctx, domain.AuditEvent{
			EventType: domain.EventSuspiciousActivity,
			Action:    "detect_attacks",
			Success:   true,
			EventData: map[string]any{
				"pattern":         string(result.Pattern),
				"confidence":      result.Confidence,
				"action":          string(result.Action),
				"block_cidr":      result.BlockCIDR,
				"suspicious_ips":  len(result.SuspiciousIPs),
				"targeted_phones": len(result.TargetedPhones),
				"details":         result.Details,
			},
		})
	}
	return result, nil
}

// AnalyzeTrends summarizes recent audit activity for dashboards.
func (s *AuthService) AnalyzeTrends(ctx context.Context, hours int) (*domain.TrendReport, error) {
	return s.detector.AnalyzeTrends(ctx, hours)
}
