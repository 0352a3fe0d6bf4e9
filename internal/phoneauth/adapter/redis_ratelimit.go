package adapter

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/aelexs/phone-auth-service/internal/domain"
	"github.com/aelexs/phone-auth-service/internal/phoneauth/app"
	redisclient "github.com/aelexs/phone-auth-service/internal/redis"
)

// Key patterns per ADR-007 §2-3. Phone identifiers are always hashes by
// the time they reach this layer; raw numbers never become keys.
const (
	accountLockPrefix  = "account_lock:phone:"
	failedPhonePrefix  = "failed_attempts:phone:"
	failedIPPrefix     = "failed_attempts:ip:"
	smsWindowPrefix    = "rate_limit:sms:"
	ipVerifyPrefix     = "rate_limit:ip_verification:"
	apiWindowPrefix    = "api_limit:"
	verifyWindowPrefix = "verify_attempts:"
)

// Compile-time check: RateLimiter satisfies app.RateLimiter.
var _ app.RateLimiter = (*RateLimiter)(nil)

// limitRule is one scope's window geometry.
type limitRule struct {
	limit  int
	window time.Duration
}

// RateLimiterConfig tunes the sliding windows and the lockout. Zero
// values fall back to the ADR-007 defaults.
type RateLimiterConfig struct {
	Cmd   redisclient.Cmdable
	Clock domain.Clock

	SMSLimit       int
	SMSWindow      time.Duration
	IPVerifyLimit  int
	IPVerifyWindow time.Duration
	APILimit       int
	APIWindow      time.Duration
	VerifyAttempts int
	VerifyWindow   time.Duration

	LockDuration            time.Duration
	FailedAttemptsThreshold int
	FailedAttemptsWindow    time.Duration
}

// RateLimiter enforces the sliding windows and account locks on Redis
// sorted sets: one member per admitted request, scored by timestamp.
// Members older than the window are pruned on every touch, so a
// window's count is exact without a background sweeper. Redis errors
// surface to callers, which deny the request (fail closed, ADR-013).
type RateLimiter struct {
	cmd   redisclient.Cmdable
	clock domain.Clock

	rules           map[domain.RateScope]limitRule
	lockDuration    time.Duration
	failedThreshold int
	failedWindow    time.Duration
}

// NewRateLimiter creates a RateLimiter with the given tuning.
func NewRateLimiter(cfg RateLimiterConfig) *RateLimiter {
	pick := func(v, def int) int {
		if v <= 0 {
			return def
		}
		return v
	}
	pickD := func(v, def time.Duration) time.Duration {
		if v <= 0 {
			return def
		}
		return v
	}

	return &RateLimiter{
		cmd:   cfg.Cmd,
		clock: cfg.Clock,
		rules: map[domain.RateScope]limitRule{
			domain.ScopeSMS: {
				limit:  pick(cfg.SMSLimit, domain.SMSRateLimit),
				window: pickD(cfg.SMSWindow, domain.SMSRateLimitWindow),
			},
			domain.ScopeIPVerification: {
				limit:  pick(cfg.IPVerifyLimit, domain.IPVerifyRateLimit),
				window: pickD(cfg.IPVerifyWindow, domain.IPVerifyRateLimitWindow),
			},
			domain.ScopeAPI: {
				limit:  pick(cfg.APILimit, domain.APIRateLimit),
				window: pickD(cfg.APIWindow, domain.APIRateLimitWindow),
			},
			domain.ScopeVerifyAttempts: {
				limit:  pick(cfg.VerifyAttempts, domain.VerifyAttemptsLimit),
				window: pickD(cfg.VerifyWindow, domain.VerifyAttemptsLimitWindow),
			},
		},
		lockDuration:    pickD(cfg.LockDuration, domain.AccountLockDuration),
		failedThreshold: pick(cfg.FailedAttemptsThreshold, domain.FailedAttemptsThreshold),
		failedWindow:    pickD(cfg.FailedAttemptsWindow, domain.FailedAttemptsWindow),
	}
}

// Allow checks one scope's window and counts the request when admitted.
// Phone-scoped checks consult the account lock first (ADR-007 §3), so
// callers need no separate lock probe.
func (r *RateLimiter) Allow(ctx context.Context, scope domain.RateScope, id string) (int, error) {
	ctx, span := tracer.Start(ctx, "redis.ratelimit.allow")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "redis"),
		attribute.String("ratelimit.scope", string(scope)),
	)

	rule, ok := r.rules[scope]
	if !ok {
		return 0, fmt.Errorf("rate scope %q: %w", scope, domain.ErrInvalidInput)
	}

	if scopeIsPhone(scope) {
		if err := r.CheckLock(ctx, id); err != nil {
			return 0, err
		}
	}

	key := windowKey(scope, id)
	now := r.clock.Now()

	count, err := r.pruneAndCount(ctx, key, now, rule.window)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return 0, fmt.Errorf("rate limit check %q: %w", key, err)
	}

	if count >= int64(rule.limit) {
		retryAfter, err := r.retryAfter(ctx, key, now, rule.window)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return 0, fmt.Errorf("rate limit check %q: %w", key, err)
		}
		return 0, &domain.RateLimitError{
			Scope:      scope,
			Limit:      rule.limit,
			Window:     rule.window,
			RetryAfter: retryAfter,
		}
	}

	if err := r.insert(ctx, key, now, rule.window); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return 0, fmt.Errorf("rate limit insert %q: %w", key, err)
	}

	return rule.limit - int(count) - 1, nil
}

// CheckLock reports an active account lock as *domain.LockedError.
func (r *RateLimiter) CheckLock(ctx context.Context, phoneHash string) error {
	ctx, span := tracer.Start(ctx, "redis.ratelimit.check_lock")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "redis"),
		attribute.String("db.operation", "TTL"),
	)

	ttl, err := r.cmd.TTL(ctx, accountLockPrefix+phoneHash).Result()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("lock check: %w", err)
	}
	switch {
	case ttl > 0:
		return &domain.LockedError{RetryAfter: ttl}
	case ttl == -1:
		// A lock without expiry should not exist; report the
		// configured duration rather than treating it as open.
		return &domain.LockedError{RetryAfter: r.lockDuration}
	}
	return nil
}

// Lock sets the account lock. Zero ttl means the configured duration.
func (r *RateLimiter) Lock(ctx context.Context, phoneHash string, ttl time.Duration) error {
	ctx, span := tracer.Start(ctx, "redis.ratelimit.lock")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "redis"),
		attribute.String("db.operation", "SET"),
	)

	if ttl <= 0 {
		ttl = r.lockDuration
	}
	if err := r.cmd.Set(ctx, accountLockPrefix+phoneHash, "locked", ttl).Err(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("set lock: %w", err)
	}
	return nil
}

// RecordFailure adds one failed attempt to the phone window, and to the
// IP window when an address is known, returning the phone window's new
// count for threshold decisions.
func (r *RateLimiter) RecordFailure(ctx context.Context, phoneHash, ip string) (int, error) {
	ctx, span := tracer.Start(ctx, "redis.ratelimit.record_failure")
	defer span.End()
	span.SetAttributes(attribute.String("db.system", "redis"))

	now := r.clock.Now()
	count, err := r.bumpWindow(ctx, failedPhonePrefix+phoneHash, now)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return 0, fmt.Errorf("record phone failure: %w", err)
	}
	if ip != "" {
		if _, err := r.bumpWindow(ctx, failedIPPrefix+ip, now); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return 0, fmt.Errorf("record ip failure: %w", err)
		}
	}
	return int(count), nil
}

// FailureCount reads the phone's failed-attempt window.
func (r *RateLimiter) FailureCount(ctx context.Context, phoneHash string) (int, error) {
	ctx, span := tracer.Start(ctx, "redis.ratelimit.failure_count")
	defer span.End()
	span.SetAttributes(attribute.String("db.system", "redis"))

	count, err := r.pruneAndCount(ctx, failedPhonePrefix+phoneHash, r.clock.Now(), r.failedWindow)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return 0, fmt.Errorf("failure count: %w", err)
	}
	return int(count), nil
}

// ResetFailures clears the phone's failed-attempt window.
func (r *RateLimiter) ResetFailures(ctx context.Context, phoneHash string) error {
	ctx, span := tracer.Start(ctx, "redis.ratelimit.reset_failures")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "redis"),
		attribute.String("db.operation", "DEL"),
	)

	if err := r.cmd.Del(ctx, failedPhonePrefix+phoneHash).Err(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("reset failures: %w", err)
	}
	return nil
}

// StatusPhone reports the limiter's full view of one phone hash.
func (r *RateLimiter) StatusPhone(ctx context.Context, phoneHash string) (*domain.RateLimitStatus, error) {
	ctx, span := tracer.Start(ctx, "redis.ratelimit.status_phone")
	defer span.End()
	span.SetAttributes(attribute.String("db.system", "redis"))

	status := &domain.RateLimitStatus{
		Identifier: phoneHash,
		Threshold:  r.failedThreshold,
	}

	ttl, err := r.cmd.TTL(ctx, accountLockPrefix+phoneHash).Result()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("phone status lock: %w", err)
	}
	if ttl > 0 {
		status.Locked = true
		status.LockTTL = ttl
	}

	for _, scope := range []domain.RateScope{domain.ScopeSMS, domain.ScopeVerifyAttempts} {
		usage, err := r.usage(ctx, scope, phoneHash)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
		status.Limits = append(status.Limits, usage)
	}

	failures, err := r.FailureCount(ctx, phoneHash)
	if err != nil {
		return nil, err
	}
	status.FailedAttempts = failures

	return status, nil
}

// StatusIP reports the limiter's view of one source address. Addresses
// never lock, so the lock fields stay zero.
func (r *RateLimiter) StatusIP(ctx context.Context, ip string) (*domain.RateLimitStatus, error) {
	ctx, span := tracer.Start(ctx, "redis.ratelimit.status_ip")
	defer span.End()
	span.SetAttributes(attribute.String("db.system", "redis"))

	status := &domain.RateLimitStatus{
		Identifier: ip,
		Threshold:  r.failedThreshold,
	}

	for _, scope := range []domain.RateScope{domain.ScopeIPVerification, domain.ScopeAPI} {
		usage, err := r.usage(ctx, scope, ip)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
		status.Limits = append(status.Limits, usage)
	}

	count, err := r.pruneAndCount(ctx, failedIPPrefix+ip, r.clock.Now(), r.failedWindow)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("ip failure count: %w", err)
	}
	status.FailedAttempts = int(count)

	return status, nil
}

// ResetPhone clears every phone-scoped window, the failed-attempt
// counter, and the account lock.
func (r *RateLimiter) ResetPhone(ctx context.Context, phoneHash string) error {
	ctx, span := tracer.Start(ctx, "redis.ratelimit.reset_phone")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "redis"),
		attribute.String("db.operation", "DEL"),
	)

	err := r.cmd.Del(ctx,
		smsWindowPrefix+phoneHash,
		verifyWindowPrefix+phoneHash,
		failedPhonePrefix+phoneHash,
		accountLockPrefix+phoneHash,
	).Err()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("reset phone limits: %w", err)
	}
	return nil
}

// ResetIP clears every IP-scoped window.
func (r *RateLimiter) ResetIP(ctx context.Context, ip string) error {
	ctx, span := tracer.Start(ctx, "redis.ratelimit.reset_ip")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "redis"),
		attribute.String("db.operation", "DEL"),
	)

	err := r.cmd.Del(ctx,
		ipVerifyPrefix+ip,
		apiWindowPrefix+ip,
		failedIPPrefix+ip,
	).Err()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("reset ip limits: %w", err)
	}
	return nil
}

// pruneAndCount drops window members older than now-window and returns
// how many remain.
func (r *RateLimiter) pruneAndCount(ctx context.Context, key string, now time.Time, window time.Duration) (int64, error) {
	cutoff := "(" + strconv.FormatInt(now.Add(-window).UnixMilli(), 10)
	if err := r.cmd.ZRemRangeByScore(ctx, key, "-inf", cutoff).Err(); err != nil {
		return 0, err
	}
	return r.cmd.ZCard(ctx, key).Result()
}

// insert adds one member scored at now and refreshes the key TTL.
func (r *RateLimiter) insert(ctx context.Context, key string, now time.Time, window time.Duration) error {
	member := redisclient.Z{
		Score: float64(now.UnixMilli()),
		// Unique member per request; two requests in the same
		// millisecond must both count.
		Member: uuid.NewString(),
	}
	if err := r.cmd.ZAdd(ctx, key, member).Err(); err != nil {
		return err
	}
	return r.cmd.Expire(ctx, key, window).Err()
}

// bumpWindow prunes, inserts, and returns the window's new count.
func (r *RateLimiter) bumpWindow(ctx context.Context, key string, now time.Time) (int64, error) {
	if _, err := r.pruneAndCount(ctx, key, now, r.failedWindow); err != nil {
		return 0, err
	}
	if err := r.insert(ctx, key, now, r.failedWindow); err != nil {
		return 0, err
	}
	return r.cmd.ZCard(ctx, key).Result()
}

// retryAfter computes oldest + window - now for a full window.
func (r *RateLimiter) retryAfter(ctx context.Context, key string, now time.Time, window time.Duration) (time.Duration, error) {
	entries, err := r.cmd.ZRangeWithScores(ctx, key, 0, 0).Result()
	if err != nil {
		return 0, err
	}
	if len(entries) == 0 {
		return window, nil
	}
	oldest := time.UnixMilli(int64(entries[0].Score))
	retryAfter := oldest.Add(window).Sub(now)
	if retryAfter < 0 {
		retryAfter = 0
	}
	return retryAfter, nil
}

func (r *RateLimiter) usage(ctx context.Context, scope domain.RateScope, id string) (domain.LimitUsage, error) {
	rule := r.rules[scope]
	count, err := r.pruneAndCount(ctx, windowKey(scope, id), r.clock.Now(), rule.window)
	if err != nil {
		return domain.LimitUsage{}, fmt.Errorf("usage %q: %w", scope, err)
	}
	return domain.LimitUsage{
		Scope:   scope,
		Current: int(count),
		Limit:   rule.limit,
		Window:  rule.window,
	}, nil
}

func windowKey(scope domain.RateScope, id string) string {
	switch scope {
	case domain.ScopeSMS:
		return smsWindowPrefix + id
	case domain.ScopeIPVerification:
		return ipVerifyPrefix + id
	case domain.ScopeAPI:
		return apiWindowPrefix + id
	case domain.ScopeVerifyAttempts:
		return verifyWindowPrefix + id
	}
	return "rate_limit:" + string(scope) + ":" + id
}

// scopeIsPhone reports whether the scope's identifier is a phone hash,
// which is what account locks key on.
func scopeIsPhone(scope domain.RateScope) bool {
	return scope == domain.ScopeSMS || scope == domain.ScopeVerifyAttempts
}
