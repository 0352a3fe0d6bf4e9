package app_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aelexs/phone-auth-service/internal/auth"
	"github.com/aelexs/phone-auth-service/internal/domain"
)

func TestIssueTokens(t *testing.T) {
	ctx := context.Background()

	t.Run("mints a verifiable pair bound to user and device", func(t *testing.T) {
		h := newTestHarness(t)
		user := domain.NewUser(phoneHashFor(t, testPhone), "+1", testStart)
		user.UserType = domain.UserTypeWorker
		h.users.add(user)

		pair, err := h.tokenSvc.Issue(ctx, user, "device-a")
		require.NoError(t, err)
		assert.Equal(t, domain.AccessTokenLifetime, pair.ExpiresIn)
		assert.Equal(t, domain.RefreshTokenLifetime, pair.RefreshExpiresIn)

		claims, err := h.tokenSvc.VerifyAccess(ctx, pair.AccessToken)
		require.NoError(t, err)
		assert.Equal(t, user.ID.String(), claims.Subject)
		assert.Equal(t, "worker", claims.UserType)
		assert.Equal(t, user.PhoneHash, claims.PhoneHash)
		assert.Equal(t, "device-a", claims.DeviceFingerprint)
		assert.Equal(t, pair.Family, claims.Family)
		assert.Equal(t, pair.AccessJTI, claims.ID)

		family := domain.MustFamilyID(pair.Family)
		live := h.tokens.live(family, testStart)
		require.Len(t, live, 1)
		assert.Equal(t, auth.HashRefreshToken(pair.RefreshToken), live[0].TokenHash)
		assert.Equal(t, "device-a", live[0].DeviceFingerprint)
		assert.Empty(t, live[0].PreviousTokenID)
	})
}

func TestRefreshRotation(t *testing.T) {
	ctx := context.Background()

	t.Run("rotation keeps one live family member", func(t *testing.T) {
		h := newTestHarness(t)
		first := h.login(t, testPhone, "device-a").Tokens
		h.clock.Advance(10 * time.Minute)

		second, err := h.svc.RefreshTokens(ctx, first.RefreshToken, "device-a", testMeta())
		require.NoError(t, err)
		assert.Equal(t, first.Family, second.Family)
		assert.NotEqual(t, first.RefreshToken, second.RefreshToken)
		assert.NotEqual(t, first.AccessJTI, second.AccessJTI)

		family := domain.MustFamilyID(first.Family)
		live := h.tokens.live(family, h.clock.Now())
		require.Len(t, live, 1)
		assert.Equal(t, auth.HashRefreshToken(second.RefreshToken), live[0].TokenHash)
		assert.NotEmpty(t, live[0].PreviousTokenID)

		refreshes := h.auditDB.ofType(domain.EventTokenRefresh)
		require.Len(t, refreshes, 1)
		assert.Equal(t, second.AccessJTI, refreshes[0].TokenID)
		assert.True(t, refreshes[0].Success)
	})

	t.Run("reuse of a rotated token revokes the family", func(t *testing.T) {
		h := newTestHarness(t)
		first := h.login(t, testPhone, "device-a").Tokens
		h.clock.Advance(time.Minute)

		second, err := h.svc.RefreshTokens(ctx, first.RefreshToken, "device-a", testMeta())
		require.NoError(t, err)

		// The attacker replays the consumed token.
		_, err = h.svc.RefreshTokens(ctx, first.RefreshToken, "device-a", testMeta())
		require.ErrorIs(t, err, domain.ErrTokenRevoked)

		family := domain.MustFamilyID(first.Family)
		assert.Contains(t, h.tokens.revokedFamilies, family)
		assert.Empty(t, h.tokens.live(family, h.clock.Now()))

		// The legitimate successor died with the family.
		_, err = h.svc.RefreshTokens(ctx, second.RefreshToken, "device-a", testMeta())
		require.ErrorIs(t, err, domain.ErrTokenRevoked)

		revoked := h.auditDB.ofType(domain.EventTokenRevoked)
		require.NotEmpty(t, revoked)
		assert.Equal(t, "refresh_reuse", revoked[0].FailureReason)
		assert.Equal(t, first.Family, revoked[0].EventData["family"])
	})

	t.Run("device mismatch kills the family", func(t *testing.T) {
		h := newTestHarness(t)
		pair := h.login(t, testPhone, "device-a").Tokens

		_, err := h.svc.RefreshTokens(ctx, pair.RefreshToken, "device-b", testMeta())
		require.ErrorIs(t, err, domain.ErrInvalidTokenFormat)

		family := domain.MustFamilyID(pair.Family)
		assert.Empty(t, h.tokens.live(family, h.clock.Now()))

		misuse := h.auditDB.ofType(domain.EventInvalidTokenUsage)
		require.Len(t, misuse, 1)
		assert.Equal(t, "device_mismatch", misuse[0].FailureReason)
	})

	t.Run("absent fingerprint on either side is tolerated", func(t *testing.T) {
		h := newTestHarness(t)
		pair := h.login(t, testPhone, "device-a").Tokens

		rotated, err := h.svc.RefreshTokens(ctx, pair.RefreshToken, "", testMeta())
		require.NoError(t, err)

		// The stored binding survives the rotation.
		family := domain.MustFamilyID(rotated.Family)
		live := h.tokens.live(family, h.clock.Now())
		require.Len(t, live, 1)
		assert.Equal(t, "device-a", live[0].DeviceFingerprint)
	})

	t.Run("expired refresh token", func(t *testing.T) {
		h := newTestHarness(t)
		pair := h.login(t, testPhone, "device-a").Tokens
		h.clock.Advance(domain.RefreshTokenLifetime)

		_, err := h.svc.RefreshTokens(ctx, pair.RefreshToken, "device-a", testMeta())
		require.ErrorIs(t, err, domain.ErrRefreshTokenExpired)
	})

	t.Run("unknown and empty tokens", func(t *testing.T) {
		h := newTestHarness(t)

		_, err := h.svc.RefreshTokens(ctx, "deadbeefdeadbeef", "", testMeta())
		require.ErrorIs(t, err, domain.ErrInvalidTokenFormat)

		_, err = h.svc.RefreshTokens(ctx, "", "", testMeta())
		require.ErrorIs(t, err, domain.ErrInvalidTokenFormat)
	})

	t.Run("blocked user cannot refresh", func(t *testing.T) {
		h := newTestHarness(t)
		result := h.login(t, testPhone, "device-a")

		user, err := h.users.FindByPhone(ctx, phoneHashFor(t, testPhone), "+1")
		require.NoError(t, err)
		user.IsBlocked = true
		h.users.add(*user)

		_, err = h.svc.RefreshTokens(ctx, result.Tokens.RefreshToken, "device-a", testMeta())
		require.ErrorIs(t, err, domain.ErrUserBlocked)
	})
}

func TestVerifyAccessToken(t *testing.T) {
	ctx := context.Background()

	t.Run("valid token yields its identity", func(t *testing.T) {
		h := newTestHarness(t)
		result := h.login(t, testPhone, "device-a")

		verified, err := h.svc.VerifyAccessToken(ctx, result.Tokens.AccessToken)
		require.NoError(t, err)
		assert.Equal(t, result.UserID, verified.UserID)
		assert.True(t, verified.IsVerified)
		assert.Equal(t, "device-a", verified.DeviceFingerprint)
		assert.Equal(t, result.Tokens.AccessJTI, verified.JTI)
	})

	t.Run("expired token is rejected", func(t *testing.T) {
		h := newTestHarness(t)
		result := h.login(t, testPhone, "device-a")
		h.clock.Advance(domain.AccessTokenLifetime + time.Second)

		_, err := h.svc.VerifyAccessToken(ctx, result.Tokens.AccessToken)
		require.ErrorIs(t, err, domain.ErrTokenExpired)
	})

	t.Run("blacklist outage fails closed", func(t *testing.T) {
		h := newTestHarness(t)
		result := h.login(t, testPhone, "device-a")
		h.blacklist.containsF = func(ctx context.Context, jti string) (bool, error) {
			return false, errors.New("redis: connection refused")
		}

		_, err := h.svc.VerifyAccessToken(ctx, result.Tokens.AccessToken)
		require.ErrorIs(t, err, domain.ErrUnavailable)
	})
}

func TestLogout(t *testing.T) {
	ctx := context.Background()

	t.Run("device scoped logout keeps other devices alive", func(t *testing.T) {
		h := newTestHarness(t)
		onPhoneA := h.login(t, testPhone, "device-a").Tokens
		h.clock.Advance(domain.ResendCooldown)
		onPhoneB := h.login(t, testPhone, "device-b").Tokens

		err := h.svc.Logout(ctx, onPhoneA.AccessToken, "device-a", testMeta())
		require.NoError(t, err)

		// The logged-out access token is dead immediately.
		_, err = h.svc.VerifyAccessToken(ctx, onPhoneA.AccessToken)
		require.ErrorIs(t, err, domain.ErrTokenRevoked)

		// Its refresh token too, but the other device still rotates.
		_, err = h.svc.RefreshTokens(ctx, onPhoneA.RefreshToken, "device-a", testMeta())
		require.Error(t, err)
		_, err = h.svc.RefreshTokens(ctx, onPhoneB.RefreshToken, "device-b", testMeta())
		require.NoError(t, err)

		logouts := h.auditDB.ofType(domain.EventLogout)
		require.Len(t, logouts, 1)
		assert.Equal(t, "device", logouts[0].EventData["scope"])
	})

	t.Run("logout without fingerprint revokes everything", func(t *testing.T) {
		h := newTestHarness(t)
		onPhoneA := h.login(t, testPhone, "device-a").Tokens
		h.clock.Advance(domain.ResendCooldown)
		onPhoneB := h.login(t, testPhone, "device-b").Tokens

		err := h.svc.Logout(ctx, onPhoneA.AccessToken, "", testMeta())
		require.NoError(t, err)

		_, err = h.svc.RefreshTokens(ctx, onPhoneA.RefreshToken, "device-a", testMeta())
		require.Error(t, err)
		_, err = h.svc.RefreshTokens(ctx, onPhoneB.RefreshToken, "device-b", testMeta())
		require.Error(t, err)

		logouts := h.auditDB.ofType(domain.EventLogout)
		require.Len(t, logouts, 1)
		assert.Equal(t, "user", logouts[0].EventData["scope"])
	})

	t.Run("expired access token still logs out", func(t *testing.T) {
		h := newTestHarness(t)
		pair := h.login(t, testPhone, "device-a").Tokens
		h.clock.Advance(domain.AccessTokenLifetime + time.Minute)

		err := h.svc.Logout(ctx, pair.AccessToken, "device-a", testMeta())
		require.NoError(t, err)

		_, err = h.svc.RefreshTokens(ctx, pair.RefreshToken, "device-a", testMeta())
		require.Error(t, err)
	})

	t.Run("garbage token cannot log out", func(t *testing.T) {
		h := newTestHarness(t)

		err := h.svc.Logout(ctx, "not-a-jwt", "", testMeta())
		require.Error(t, err)
		assert.Empty(t, h.auditDB.ofType(domain.EventLogout))
	})
}

func TestTokenCleanup(t *testing.T) {
	ctx := context.Background()

	t.Run("removes expired and long revoked tokens", func(t *testing.T) {
		h := newTestHarness(t)
		now := h.clock.Now().UTC()
		user := domain.NewUser(phoneHashFor(t, testPhone), "+1", now)

		expired := domain.RefreshToken{
			ID:        domain.GenerateTokenID(),
			UserID:    user.ID,
			TokenHash: "hash-expired",
			CreatedAt: now.Add(-8 * 24 * time.Hour),
			ExpiresAt: now.Add(-time.Hour),
			Family:    domain.GenerateFamilyID(),
		}
		staleRevoked := domain.RefreshToken{
			ID:        domain.GenerateTokenID(),
			UserID:    user.ID,
			TokenHash: "hash-revoked",
			CreatedAt: now.Add(-40 * 24 * time.Hour),
			ExpiresAt: now.Add(time.Hour),
			IsRevoked: true,
			Family:    domain.GenerateFamilyID(),
		}
		liveToken := domain.RefreshToken{
			ID:        domain.GenerateTokenID(),
			UserID:    user.ID,
			TokenHash: "hash-live",
			CreatedAt: now,
			ExpiresAt: now.Add(domain.RefreshTokenLifetime),
			Family:    domain.GenerateFamilyID(),
		}
		for _, token := range []domain.RefreshToken{expired, staleRevoked, liveToken} {
			require.NoError(t, h.tokens.Create(ctx, token))
		}
		require.NoError(t, h.blacklist.Add(ctx, domain.BlacklistEntry{JTI: "dead-jti", ExpiresAt: now.Add(-time.Minute)}))
		require.NoError(t, h.blacklist.Add(ctx, domain.BlacklistEntry{JTI: "live-jti", ExpiresAt: now.Add(time.Hour)}))

		stats, err := h.tokenSvc.Cleanup(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(2), stats.TokensDeleted)
		assert.Equal(t, int64(1), stats.BlacklistDeleted)

		_, ok := h.tokens.tokens[liveToken.ID]
		assert.True(t, ok)
		_, ok = h.blacklist.entries["live-jti"]
		assert.True(t, ok)
	})
}
