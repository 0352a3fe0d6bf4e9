package auth

import "context"

// SMSProvider abstracts verification-code delivery for vendor
// independence (ADR-005 §1). The orchestrator tolerates any
// implementation and does not care which vendor served a send.
type SMSProvider interface {
	// SendCode delivers the code to the given E.164 number and returns
	// the vendor's message id on acceptance (not necessarily receipt).
	SendCode(ctx context.Context, phone string, code string) (string, error)

	// IsValidPhoneNumber reports whether the vendor would accept the
	// number. A cheap syntactic check, not a lookup.
	IsValidPhoneNumber(phone string) bool
}
