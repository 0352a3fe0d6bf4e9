package port

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/aelexs/phone-auth-service/internal/domain"
	"github.com/aelexs/phone-auth-service/internal/phoneauth/app"
)

// identityKey is the gin context key RequireAuth stores the verified
// identity under.
const identityKey = "phoneauth/identity"

// tokenVerifier is the slice of the auth service RequireAuth needs.
type tokenVerifier interface {
	VerifyAccessToken(ctx context.Context, token string) (*app.VerifiedToken, error)
}

// APILimiter admits or refuses one request per client address. The
// adapter RateLimiter satisfies it.
type APILimiter interface {
	Allow(ctx context.Context, scope domain.RateScope, id string) (remaining int, err error)
}

// Identity returns the verified identity RequireAuth attached, if any.
func Identity(c *gin.Context) (*app.VerifiedToken, bool) {
	v, ok := c.Get(identityKey)
	if !ok {
		return nil, false
	}
	ident, ok := v.(*app.VerifiedToken)
	return ident, ok
}

// RequireAuth verifies the bearer token and attaches the proven
// identity to the request. Missing or failed verification ends the
// request with the mapped status.
func RequireAuth(verifier tokenVerifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearerToken(c)
		if token == "" {
			renderError(c, domain.ErrUnauthorized)
			return
		}
		ident, err := verifier.VerifyAccessToken(c.Request.Context(), token)
		if err != nil {
			renderError(c, err)
			return
		}
		c.Set(identityKey, ident)
		c.Next()
	}
}

// APIRateLimit enforces the per-IP request budget on the public
// surface. A limiter failure refuses the request; the path fails
// closed.
func APIRateLimit(limiter APILimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		remaining, err := limiter.Allow(c.Request.Context(), domain.ScopeAPI, c.ClientIP())
		if err != nil {
			renderError(c, err)
			return
		}
		c.Header("X-RateLimit-Remaining", strconv.Itoa(remaining))
		c.Next()
	}
}

// AccessLog emits one structured line per request. FullPath keeps raw
// path parameters (phone numbers on admin routes) out of the logs.
func AccessLog(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.InfoContext(c.Request.Context(), "http.request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"ip", c.ClientIP(),
		)
	}
}
