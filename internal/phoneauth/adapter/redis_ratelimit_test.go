package adapter_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aelexs/phone-auth-service/internal/domain"
	"github.com/aelexs/phone-auth-service/internal/domain/domaintest"
	"github.com/aelexs/phone-auth-service/internal/phoneauth/adapter"
)

const (
	testPhoneHash = "a1b2c3d4e5f60718293a4b5c6d7e8f90a1b2c3d4e5f60718293a4b5c6d7e8f90"
	testIP        = "203.0.113.7"
)

// newTestRateLimiter builds a limiter on the default windows. Window
// pruning follows the fake clock while key expiry follows miniredis, so
// tests that age entries advance both together.
func newTestRateLimiter(t *testing.T) (*adapter.RateLimiter, *miniredis.Miniredis, *domaintest.FakeClock) {
	t.Helper()

	cmd, mr := newRedisCmd(t)
	clock := domaintest.NewFakeClock(testStart)
	limiter := adapter.NewRateLimiter(adapter.RateLimiterConfig{Cmd: cmd, Clock: clock})
	return limiter, mr, clock
}

func TestRateLimiterAllow(t *testing.T) {
	ctx := context.Background()

	t.Run("counts down the remaining budget", func(t *testing.T) {
		limiter, mr, _ := newTestRateLimiter(t)

		for want := domain.SMSRateLimit - 1; want >= 0; want-- {
			remaining, err := limiter.Allow(ctx, domain.ScopeSMS, testPhoneHash)
			require.NoError(t, err)
			assert.Equal(t, want, remaining)
		}
		assert.True(t, mr.Exists("rate_limit:sms:"+testPhoneHash))
	})

	t.Run("a full window reports the wait until a slot frees", func(t *testing.T) {
		limiter, mr, clock := newTestRateLimiter(t)
		for i := 0; i < domain.SMSRateLimit; i++ {
			_, err := limiter.Allow(ctx, domain.ScopeSMS, testPhoneHash)
			require.NoError(t, err)
		}
		clock.Advance(10 * time.Minute)
		mr.FastForward(10 * time.Minute)

		_, err := limiter.Allow(ctx, domain.ScopeSMS, testPhoneHash)

		require.ErrorIs(t, err, domain.ErrRateLimited)
		var rle *domain.RateLimitError
		require.ErrorAs(t, err, &rle)
		assert.Equal(t, domain.ScopeSMS, rle.Scope)
		assert.Equal(t, domain.SMSRateLimit, rle.Limit)
		assert.Equal(t, domain.SMSRateLimitWindow, rle.Window)
		assert.Equal(t, 50*time.Minute, rle.RetryAfter,
			"the oldest entry frees its slot when it leaves the window")
	})

	t.Run("entries older than the window stop counting", func(t *testing.T) {
		limiter, mr, clock := newTestRateLimiter(t)
		_, err := limiter.Allow(ctx, domain.ScopeSMS, testPhoneHash)
		require.NoError(t, err)

		clock.Advance(40 * time.Minute)
		mr.FastForward(40 * time.Minute)
		for i := 0; i < 2; i++ {
			_, err := limiter.Allow(ctx, domain.ScopeSMS, testPhoneHash)
			require.NoError(t, err)
		}

		// 65 minutes after the first request it no longer occupies
		// the hour window; one slot is open again.
		clock.Advance(25 * time.Minute)
		mr.FastForward(25 * time.Minute)
		remaining, err := limiter.Allow(ctx, domain.ScopeSMS, testPhoneHash)
		require.NoError(t, err)
		assert.Equal(t, 0, remaining)
	})

	t.Run("an unknown scope is rejected", func(t *testing.T) {
		limiter, _, _ := newTestRateLimiter(t)

		_, err := limiter.Allow(ctx, domain.RateScope("bogus"), testPhoneHash)

		assert.ErrorIs(t, err, domain.ErrInvalidInput)
	})

	t.Run("a locked account is refused before the window is touched", func(t *testing.T) {
		limiter, mr, _ := newTestRateLimiter(t)
		require.NoError(t, limiter.Lock(ctx, testPhoneHash, 0))

		_, err := limiter.Allow(ctx, domain.ScopeSMS, testPhoneHash)

		assert.ErrorIs(t, err, domain.ErrAccountLocked)
		assert.False(t, mr.Exists("rate_limit:sms:"+testPhoneHash),
			"a refused request must not consume the window")
	})

	t.Run("address scopes ignore account locks", func(t *testing.T) {
		limiter, _, _ := newTestRateLimiter(t)
		require.NoError(t, limiter.Lock(ctx, testIP, 0))

		_, err := limiter.Allow(ctx, domain.ScopeAPI, testIP)

		assert.NoError(t, err)
	})
}

func TestRateLimiterLocks(t *testing.T) {
	ctx := context.Background()

	t.Run("an active lock reports its remaining life", func(t *testing.T) {
		limiter, mr, clock := newTestRateLimiter(t)
		require.NoError(t, limiter.Lock(ctx, testPhoneHash, 0))

		locked, err := mr.Get("account_lock:phone:" + testPhoneHash)
		require.NoError(t, err)
		assert.Equal(t, "locked", locked)

		clock.Advance(10 * time.Minute)
		mr.FastForward(10 * time.Minute)

		err = limiter.CheckLock(ctx, testPhoneHash)
		var le *domain.LockedError
		require.ErrorAs(t, err, &le)
		assert.Equal(t, domain.AccountLockDuration-10*time.Minute, le.RetryAfter)
	})

	t.Run("a custom duration is honored", func(t *testing.T) {
		limiter, mr, _ := newTestRateLimiter(t)

		require.NoError(t, limiter.Lock(ctx, testPhoneHash, 5*time.Minute))

		assert.Equal(t, 5*time.Minute, mr.TTL("account_lock:phone:"+testPhoneHash))
	})

	t.Run("no lock means no error", func(t *testing.T) {
		limiter, _, _ := newTestRateLimiter(t)

		assert.NoError(t, limiter.CheckLock(ctx, testPhoneHash))
	})

	t.Run("a lock that lost its expiry still locks", func(t *testing.T) {
		limiter, mr, _ := newTestRateLimiter(t)
		require.NoError(t, mr.Set("account_lock:phone:"+testPhoneHash, "locked"))

		err := limiter.CheckLock(ctx, testPhoneHash)

		var le *domain.LockedError
		require.ErrorAs(t, err, &le)
		assert.Equal(t, domain.AccountLockDuration, le.RetryAfter)
	})

	t.Run("the lock expires on its own", func(t *testing.T) {
		limiter, mr, clock := newTestRateLimiter(t)
		require.NoError(t, limiter.Lock(ctx, testPhoneHash, 0))

		clock.Advance(domain.AccountLockDuration + time.Second)
		mr.FastForward(domain.AccountLockDuration + time.Second)

		assert.NoError(t, limiter.CheckLock(ctx, testPhoneHash))
	})
}

func TestRateLimiterFailures(t *testing.T) {
	ctx := context.Background()

	t.Run("counts phone failures and mirrors them to the address", func(t *testing.T) {
		limiter, mr, _ := newTestRateLimiter(t)

		count, err := limiter.RecordFailure(ctx, testPhoneHash, testIP)
		require.NoError(t, err)
		assert.Equal(t, 1, count)

		count, err = limiter.RecordFailure(ctx, testPhoneHash, testIP)
		require.NoError(t, err)
		assert.Equal(t, 2, count)

		got, err := limiter.FailureCount(ctx, testPhoneHash)
		require.NoError(t, err)
		assert.Equal(t, 2, got)
		assert.True(t, mr.Exists("failed_attempts:ip:"+testIP))
	})

	t.Run("an unknown address only counts the phone", func(t *testing.T) {
		limiter, mr, _ := newTestRateLimiter(t)

		count, err := limiter.RecordFailure(ctx, testPhoneHash, "")
		require.NoError(t, err)
		assert.Equal(t, 1, count)
		assert.False(t, mr.Exists("failed_attempts:ip:"))
	})

	t.Run("old failures age out of the window", func(t *testing.T) {
		limiter, mr, clock := newTestRateLimiter(t)
		_, err := limiter.RecordFailure(ctx, testPhoneHash, "")
		require.NoError(t, err)

		clock.Advance(45 * time.Minute)
		mr.FastForward(45 * time.Minute)
		count, err := limiter.RecordFailure(ctx, testPhoneHash, "")
		require.NoError(t, err)
		assert.Equal(t, 2, count)

		clock.Advance(45 * time.Minute)
		mr.FastForward(45 * time.Minute)
		got, err := limiter.FailureCount(ctx, testPhoneHash)
		require.NoError(t, err)
		assert.Equal(t, 1, got, "the first failure is now older than the window")
	})

	t.Run("reset clears the counter", func(t *testing.T) {
		limiter, mr, _ := newTestRateLimiter(t)
		_, err := limiter.RecordFailure(ctx, testPhoneHash, "")
		require.NoError(t, err)

		require.NoError(t, limiter.ResetFailures(ctx, testPhoneHash))

		got, err := limiter.FailureCount(ctx, testPhoneHash)
		require.NoError(t, err)
		assert.Zero(t, got)
		assert.False(t, mr.Exists("failed_attempts:phone:"+testPhoneHash))
	})
}

func TestRateLimiterStatus(t *testing.T) {
	ctx := context.Background()

	t.Run("phone status gathers lock, windows, and failures", func(t *testing.T) {
		limiter, _, _ := newTestRateLimiter(t)
		for i := 0; i < 2; i++ {
			_, err := limiter.Allow(ctx, domain.ScopeSMS, testPhoneHash)
			require.NoError(t, err)
		}
		_, err := limiter.Allow(ctx, domain.ScopeVerifyAttempts, testPhoneHash)
		require.NoError(t, err)
		_, err = limiter.RecordFailure(ctx, testPhoneHash, "")
		require.NoError(t, err)
		require.NoError(t, limiter.Lock(ctx, testPhoneHash, 0))

		status, err := limiter.StatusPhone(ctx, testPhoneHash)
		require.NoError(t, err)

		assert.Equal(t, testPhoneHash, status.Identifier)
		assert.True(t, status.Locked)
		assert.Equal(t, domain.AccountLockDuration, status.LockTTL)
		assert.Equal(t, []domain.LimitUsage{
			{Scope: domain.ScopeSMS, Current: 2, Limit: domain.SMSRateLimit, Window: domain.SMSRateLimitWindow},
			{Scope: domain.ScopeVerifyAttempts, Current: 1, Limit: domain.VerifyAttemptsLimit, Window: domain.VerifyAttemptsLimitWindow},
		}, status.Limits)
		assert.Equal(t, 1, status.FailedAttempts)
		assert.Equal(t, domain.FailedAttemptsThreshold, status.Threshold)
	})

	t.Run("address status never reports a lock", func(t *testing.T) {
		limiter, _, _ := newTestRateLimiter(t)
		_, err := limiter.Allow(ctx, domain.ScopeIPVerification, testIP)
		require.NoError(t, err)
		for i := 0; i < 2; i++ {
			_, err := limiter.Allow(ctx, domain.ScopeAPI, testIP)
			require.NoError(t, err)
		}
		_, err = limiter.RecordFailure(ctx, testPhoneHash, testIP)
		require.NoError(t, err)

		status, err := limiter.StatusIP(ctx, testIP)
		require.NoError(t, err)

		assert.Equal(t, testIP, status.Identifier)
		assert.False(t, status.Locked)
		assert.Zero(t, status.LockTTL)
		assert.Equal(t, []domain.LimitUsage{
			{Scope: domain.ScopeIPVerification, Current: 1, Limit: domain.IPVerifyRateLimit, Window: domain.IPVerifyRateLimitWindow},
			{Scope: domain.ScopeAPI, Current: 2, Limit: domain.APIRateLimit, Window: domain.APIRateLimitWindow},
		}, status.Limits)
		assert.Equal(t, 1, status.FailedAttempts, "address failures come from the mirror window")
	})
}

func TestRateLimiterResets(t *testing.T) {
	ctx := context.Background()

	t.Run("reset phone clears windows, failures, and the lock", func(t *testing.T) {
		limiter, mr, _ := newTestRateLimiter(t)
		_, err := limiter.Allow(ctx, domain.ScopeSMS, testPhoneHash)
		require.NoError(t, err)
		_, err = limiter.Allow(ctx, domain.ScopeVerifyAttempts, testPhoneHash)
		require.NoError(t, err)
		_, err = limiter.RecordFailure(ctx, testPhoneHash, "")
		require.NoError(t, err)
		require.NoError(t, limiter.Lock(ctx, testPhoneHash, 0))

		require.NoError(t, limiter.ResetPhone(ctx, testPhoneHash))

		for _, key := range []string{
			"rate_limit:sms:" + testPhoneHash,
			"verify_attempts:" + testPhoneHash,
			"failed_attempts:phone:" + testPhoneHash,
			"account_lock:phone:" + testPhoneHash,
		} {
			assert.False(t, mr.Exists(key), key)
		}
		assert.NoError(t, limiter.CheckLock(ctx, testPhoneHash))
	})

	t.Run("reset address leaves phone state alone", func(t *testing.T) {
		limiter, mr, _ := newTestRateLimiter(t)
		_, err := limiter.Allow(ctx, domain.ScopeIPVerification, testIP)
		require.NoError(t, err)
		_, err = limiter.Allow(ctx, domain.ScopeAPI, testIP)
		require.NoError(t, err)
		_, err = limiter.RecordFailure(ctx, testPhoneHash, testIP)
		require.NoError(t, err)

		require.NoError(t, limiter.ResetIP(ctx, testIP))

		for _, key := range []string{
			"rate_limit:ip_verification:" + testIP,
			"api_limit:" + testIP,
			"failed_attempts:ip:" + testIP,
		} {
			assert.False(t, mr.Exists(key), key)
		}
		assert.True(t, mr.Exists("failed_attempts:phone:"+testPhoneHash))
	})
}

// FuzzSlidingWindow replays arbitrary request timings against one window
// and checks the admission invariant: however the calls land, at most
// SMSRateLimit of them sit inside any trailing window.
func FuzzSlidingWindow(f *testing.F) {
	f.Add([]byte{0, 0, 0, 0, 0})
	f.Add([]byte{10, 240, 10, 240, 10})
	f.Add([]byte{240, 240, 240, 240})
	f.Add([]byte{1, 2, 3, 4, 5, 6, 7, 8})
	f.Fuzz(func(t *testing.T, steps []byte) {
		if len(steps) > 48 {
			steps = steps[:48]
		}
		ctx := context.Background()
		limiter, mr, clock := newTestRateLimiter(t)

		var admitted []time.Time
		for _, step := range steps {
			gap := time.Duration(step) * 15 * time.Second
			clock.Advance(gap)
			mr.FastForward(gap)
			now := clock.Now()

			remaining, err := limiter.Allow(ctx, domain.ScopeSMS, testPhoneHash)
			if err == nil {
				admitted = append(admitted, now)
			} else {
				require.ErrorIs(t, err, domain.ErrRateLimited)
				retryAfter, ok := domain.RetryAfter(err)
				require.True(t, ok)
				require.GreaterOrEqual(t, retryAfter, time.Duration(0))
				require.LessOrEqual(t, retryAfter, domain.SMSRateLimitWindow)
			}

			// Entries exactly one window old still count; the prune
			// cutoff is exclusive.
			cutoff := now.Add(-domain.SMSRateLimitWindow)
			inWindow := 0
			for _, at := range admitted {
				if !at.Before(cutoff) {
					inWindow++
				}
			}
			require.LessOrEqual(t, inWindow, domain.SMSRateLimit)
			if err == nil {
				require.Equal(t, domain.SMSRateLimit-inWindow, remaining)
			}
		}
	})
}
