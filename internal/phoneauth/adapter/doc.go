// Package adapter contains implementations of the port interfaces
// defined in app: Redis for verification codes and rate limiting,
// Postgres (gorm) for users, tokens, and the audit log, and the SMS
// vendors. Redis errors follow the fail-closed policy from ADR-013.
package adapter

import (
	"context"

	"go.opentelemetry.io/otel"

	"github.com/aelexs/phone-auth-service/internal/domain"
)

var tracer = otel.Tracer("phoneauth/adapter")

// dbCtx caps one relational statement per the ADR-003 timeout contract.
func dbCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, domain.DatabaseTimeout)
}
