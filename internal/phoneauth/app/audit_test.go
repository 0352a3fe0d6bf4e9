package app_test

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aelexs/phone-auth-service/internal/domain"
	"github.com/aelexs/phone-auth-service/internal/domain/domaintest"
	"github.com/aelexs/phone-auth-service/internal/phoneauth/app"
)

func TestAuditLoggerSync(t *testing.T) {
	t.Run("fills id and timestamp on write", func(t *testing.T) {
		store := newStubAuditStore()
		logger := app.NewAuditLogger(app.AuditLoggerConfig{
			Store:  store,
			Logger: slog.Default(),
			Clock:  domaintest.NewFakeClock(testStart),
		})

		logger.Record(context.Background(), domain.AuditEvent{
			EventType: domain.EventLoginSuccess,
			Action:    "verify_code",
			Success:   true,
		})

		require.Len(t, store.events(), 1)
		got := store.events()[0]
		assert.False(t, got.ID.IsZero())
		assert.Equal(t, testStart, got.CreatedAt)
		assert.Equal(t, domain.EventLoginSuccess, got.EventType)
	})

	t.Run("caller supplied id and timestamp survive", func(t *testing.T) {
		store := newStubAuditStore()
		logger := app.NewAuditLogger(app.AuditLoggerConfig{
			Store:  store,
			Logger: slog.Default(),
			Clock:  domaintest.NewFakeClock(testStart),
		})

		id := domain.GenerateEventID()
		at := testStart.Add(-time.Hour)
		logger.Record(context.Background(), domain.AuditEvent{
			ID:        id,
			EventType: domain.EventLogout,
			CreatedAt: at,
		})

		require.Len(t, store.events(), 1)
		assert.Equal(t, id, store.events()[0].ID)
		assert.Equal(t, at, store.events()[0].CreatedAt)
	})

	t.Run("store failure never reaches the caller", func(t *testing.T) {
		store := newStubAuditStore()
		store.appendErr = errors.New("pg down")
		logger := app.NewAuditLogger(app.AuditLoggerConfig{
			Store:  store,
			Logger: slog.Default(),
			Clock:  domaintest.NewFakeClock(testStart),
		})

		logger.Record(context.Background(), domain.AuditEvent{EventType: domain.EventLoginFailure})

		assert.Empty(t, store.events())
	})
}

func TestAuditLoggerAsync(t *testing.T) {
	t.Run("drains queued events on close", func(t *testing.T) {
		store := newStubAuditStore()
		logger := app.NewAuditLogger(app.AuditLoggerConfig{
			Store:     store,
			Logger:    slog.Default(),
			Clock:     domaintest.NewFakeClock(testStart),
			Async:     true,
			QueueSize: 8,
		})

		for i := 0; i < 5; i++ {
			logger.Record(context.Background(), domain.AuditEvent{
				EventType: domain.EventSendCodeSuccess,
				Action:    fmt.Sprintf("send-%d", i),
			})
		}
		logger.Close()

		got := store.events()
		require.Len(t, got, 5)
		for i, event := range got {
			assert.Equal(t, fmt.Sprintf("send-%d", i), event.Action)
			assert.False(t, event.ID.IsZero())
		}
	})

	t.Run("full queue drops instead of blocking", func(t *testing.T) {
		store := newStubAuditStore()
		started := make(chan struct{}, 8)
		gate := make(chan struct{})
		store.appendFn = func(_ context.Context, event domain.AuditEvent) error {
			started <- struct{}{}
			<-gate
			store.record(event)
			return nil
		}

		logger := app.NewAuditLogger(app.AuditLoggerConfig{
			Store:     store,
			Logger:    slog.Default(),
			Clock:     domaintest.NewFakeClock(testStart),
			Async:     true,
			QueueSize: 1,
		})

		logger.Record(context.Background(), domain.AuditEvent{Action: "first"})
		<-started // consumer is parked inside the store write

		// Queue slot free again: this one is accepted.
		logger.Record(context.Background(), domain.AuditEvent{Action: "second"})
		// Queue full: this one must drop without blocking the caller.
		logger.Record(context.Background(), domain.AuditEvent{Action: "third"})

		close(gate)
		logger.Close()

		got := store.events()
		require.Len(t, got, 2)
		assert.Equal(t, "first", got[0].Action)
		assert.Equal(t, "second", got[1].Action)
	})

	t.Run("close is idempotent", func(t *testing.T) {
		logger := app.NewAuditLogger(app.AuditLoggerConfig{
			Store:  newStubAuditStore(),
			Logger: slog.Default(),
			Clock:  domaintest.NewFakeClock(testStart),
			Async:  true,
		})

		logger.Close()
		logger.Close()
	})
}
