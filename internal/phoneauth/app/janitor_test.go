package app_test

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aelexs/phone-auth-service/internal/domain"
	"github.com/aelexs/phone-auth-service/internal/phoneauth/app"
)

func newTestJanitor(h *testHarness) *app.Janitor {
	return app.NewJanitor(app.JanitorConfig{
		Tokens: h.tokenSvc,
		Audit:  h.auditDB,
		Keys:   h.keyring,
		Clock:  h.clock,
		Logger: slog.Default(),
	})
}

func seedRefreshToken(h *testHarness, createdAt, expiresAt time.Time, revoked bool) domain.TokenID {
	id := domain.GenerateTokenID()
	h.tokens.tokens[id] = domain.RefreshToken{
		ID:        id,
		UserID:    domain.GenerateUserID(),
		TokenHash: "hash-" + id.String(),
		Family:    domain.GenerateFamilyID(),
		CreatedAt: createdAt,
		ExpiresAt: expiresAt,
		IsRevoked: revoked,
	}
	return id
}

func TestJanitorSweep(t *testing.T) {
	t.Run("one pass cleans tokens audit and due keys", func(t *testing.T) {
		h := newTestHarness(t)
		h.clock.Advance(domain.KeyRotationInterval + time.Minute)
		now := h.clock.Now().UTC()

		expired := seedRefreshToken(h, now.Add(-8*24*time.Hour), now.Add(-time.Hour), false)
		staleRevoked := seedRefreshToken(h, now.Add(-40*24*time.Hour), now.Add(time.Hour), true)
		live := seedRefreshToken(h, now.Add(-time.Hour), now.Add(6*24*time.Hour), false)

		h.blacklist.entries["dead-jti"] = now.Add(-time.Minute)
		h.blacklist.entries["live-jti"] = now.Add(time.Hour)

		graveyard := now.Add(-8 * 24 * time.Hour)
		h.auditDB.appended = []domain.AuditEvent{
			{Action: "grave", CreatedAt: now.Add(-100 * 24 * time.Hour), Archived: true, ArchivedAt: &graveyard},
			{Action: "old", CreatedAt: now.Add(-91 * 24 * time.Hour)},
			{Action: "fresh", CreatedAt: now.Add(-time.Hour)},
		}

		keyBefore := h.keyring.Active().ID
		require.NoError(t, newTestJanitor(h).Sweep(context.Background()))

		assert.NotContains(t, h.tokens.tokens, expired)
		assert.NotContains(t, h.tokens.tokens, staleRevoked)
		assert.Contains(t, h.tokens.tokens, live)

		assert.NotContains(t, h.blacklist.entries, "dead-jti")
		assert.Contains(t, h.blacklist.entries, "live-jti")

		byAction := make(map[string]domain.AuditEvent)
		for _, event := range h.auditDB.events() {
			byAction[event.Action] = event
		}
		assert.NotContains(t, byAction, "grave")
		require.Contains(t, byAction, "old")
		assert.True(t, byAction["old"].Archived)
		require.NotNil(t, byAction["old"].ArchivedAt)
		assert.True(t, byAction["old"].ArchivedAt.Equal(now))
		require.Contains(t, byAction, "fresh")
		assert.False(t, byAction["fresh"].Archived)

		assert.NotEqual(t, keyBefore, h.keyring.Active().ID)
	})

	t.Run("fresh keys are left alone", func(t *testing.T) {
		h := newTestHarness(t)
		keyBefore := h.keyring.Active().ID

		require.NoError(t, newTestJanitor(h).Sweep(context.Background()))

		assert.Equal(t, keyBefore, h.keyring.Active().ID)
	})

	t.Run("failing step does not stop the others", func(t *testing.T) {
		h := newTestHarness(t)
		h.auditDB.archiveErr = errors.New("pg down")
		now := h.clock.Now().UTC()

		expired := seedRefreshToken(h, now.Add(-8*24*time.Hour), now.Add(-time.Hour), false)
		graveyard := now.Add(-8 * 24 * time.Hour)
		h.auditDB.appended = []domain.AuditEvent{
			{Action: "grave", CreatedAt: now.Add(-100 * 24 * time.Hour), Archived: true, ArchivedAt: &graveyard},
		}

		err := newTestJanitor(h).Sweep(context.Background())
		require.Error(t, err)
		assert.ErrorContains(t, err, "archive audit")

		// The steps around the failure still ran.
		assert.NotContains(t, h.tokens.tokens, expired)
		assert.Empty(t, h.auditDB.events())
	})

	t.Run("cancelled context stops between steps", func(t *testing.T) {
		h := newTestHarness(t)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		err := newTestJanitor(h).Sweep(ctx)
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestJanitorLifecycle(t *testing.T) {
	t.Run("start then stop shuts the loop down", func(t *testing.T) {
		janitor := newTestJanitor(newTestHarness(t))
		janitor.Start(context.Background())
		janitor.Stop()
	})

	t.Run("stop before start is a no-op", func(t *testing.T) {
		newTestJanitor(newTestHarness(t)).Stop()
	})
}
