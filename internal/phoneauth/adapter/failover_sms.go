package adapter

import (
	"context"
	"errors"
	"log/slog"

	"github.com/aelexs/phone-auth-service/internal/auth"
	"github.com/aelexs/phone-auth-service/internal/domain"
)

// Compile-time check: FailoverSMSProvider satisfies auth.SMSProvider.
var _ auth.SMSProvider = (*FailoverSMSProvider)(nil)

// FailoverSMSProvider sends through the primary vendor and falls back
// to the secondary when the primary fails (ADR-005 §3). Callers see
// one vendor; which one served is a log line, not an API concern.
type FailoverSMSProvider struct {
	primary   auth.SMSProvider
	secondary auth.SMSProvider
	logger    *slog.Logger
}

// NewFailoverSMSProvider chains two providers.
func NewFailoverSMSProvider(primary, secondary auth.SMSProvider, logger *slog.Logger) *FailoverSMSProvider {
	return &FailoverSMSProvider{primary: primary, secondary: secondary, logger: logger}
}

// SendCode tries the primary, then the secondary. Both failing returns
// both errors.
func (p *FailoverSMSProvider) SendCode(ctx context.Context, phone string, code string) (string, error) {
	id, primaryErr := p.primary.SendCode(ctx, phone, code)
	if primaryErr == nil {
		return id, nil
	}
	p.logger.WarnContext(ctx, "primary sms vendor failed, using secondary",
		"error", primaryErr,
		"phone", domain.MaskPhone(phone),
	)

	id, err := p.secondary.SendCode(ctx, phone, code)
	if err != nil {
		return "", errors.Join(primaryErr, err)
	}
	return id, nil
}

// IsValidPhoneNumber accepts numbers either vendor would take, since a
// send may end up on either one.
func (p *FailoverSMSProvider) IsValidPhoneNumber(phone string) bool {
	return p.primary.IsValidPhoneNumber(phone) || p.secondary.IsValidPhoneNumber(phone)
}
