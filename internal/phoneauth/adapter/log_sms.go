package adapter

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/aelexs/phone-auth-service/internal/auth"
	"github.com/aelexs/phone-auth-service/internal/domain"
)

// Compile-time check: LogSMSProvider satisfies auth.SMSProvider.
var _ auth.SMSProvider = (*LogSMSProvider)(nil)

// LogSMSProvider writes codes to the log instead of sending them.
// Local development only. The code line is the delivery channel here,
// which is the one place a code may appear in output.
type LogSMSProvider struct {
	logger *slog.Logger
}

// NewLogSMSProvider creates a provider that logs instead of sending.
func NewLogSMSProvider(logger *slog.Logger) *LogSMSProvider {
	return &LogSMSProvider{logger: logger}
}

// SendCode logs the delivery and returns a synthetic message id.
func (p *LogSMSProvider) SendCode(ctx context.Context, phone string, code string) (string, error) {
	p.logger.InfoContext(ctx, "sms delivery (log-only)",
		"phone", domain.MaskPhone(phone),
		"code", code,
	)
	return "log-" + uuid.NewString(), nil
}

// IsValidPhoneNumber accepts anything that looks like E.164.
func (p *LogSMSProvider) IsValidPhoneNumber(phone string) bool {
	return validE164(phone)
}

// smsBody is the message template every vendor sends.
func smsBody(code string) string {
	return "Your verification code is: " + code
}

// validE164 is the syntactic vendor-acceptance check: a plus sign and
// 8 to 15 digits, no leading zero.
func validE164(phone string) bool {
	if len(phone) < 9 || len(phone) > 16 || phone[0] != '+' {
		return false
	}
	if phone[1] == '0' {
		return false
	}
	for _, r := range phone[1:] {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
