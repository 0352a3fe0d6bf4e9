package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/codes"

	"github.com/aelexs/phone-auth-service/internal/auth"
	"github.com/aelexs/phone-auth-service/internal/domain"
	"github.com/aelexs/phone-auth-service/internal/observability"
)

// JanitorConfig configures the background maintenance loop.
type JanitorConfig struct {
	Tokens *TokenService
	Audit  AuditStore
	Keys   *auth.Keyring
	Clock  domain.Clock
	Logger *slog.Logger

	// Interval between sweeps. Zero means one hour.
	Interval time.Duration
	// ArchiveAfter is the audit retention before archival. Zero means
	// domain.AuditArchiveAfter.
	ArchiveAfter time.Duration
	// DeleteArchivedAfter is the grace period archived rows live on.
	// Zero means domain.AuditDeleteArchivedAfter.
	DeleteArchivedAfter time.Duration
}

// Janitor owns the recurring maintenance work no request path wants to
// pay for: expired token cleanup, audit archival, and encryption key
// rotation (ADR-006 §4, ADR-008 §3).
type Janitor struct {
	tokens              *TokenService
	audit               AuditStore
	keys                *auth.Keyring
	clock               domain.Clock
	logger              *slog.Logger
	interval            time.Duration
	archiveAfter        time.Duration
	deleteArchivedAfter time.Duration

	cancel context.CancelFunc
	done   chan struct{}
}

// NewJanitor creates a Janitor with the given dependencies.
func NewJanitor(cfg JanitorConfig) *Janitor {
	if cfg.Interval == 0 {
		cfg.Interval = time.Hour
	}
	if cfg.ArchiveAfter == 0 {
		cfg.ArchiveAfter = domain.AuditArchiveAfter
	}
	if cfg.DeleteArchivedAfter == 0 {
		cfg.DeleteArchivedAfter = domain.AuditDeleteArchivedAfter
	}
	return &Janitor{
		tokens:              cfg.Tokens,
		audit:               cfg.Audit,
		keys:                cfg.Keys,
		clock:               cfg.Clock,
		logger:              cfg.Logger,
		interval:            cfg.Interval,
		archiveAfter:        cfg.ArchiveAfter,
		deleteArchivedAfter: cfg.DeleteArchivedAfter,
	}
}

// Start launches the sweep loop. The first sweep runs one interval
// from now, not immediately, so startup stays fast.
func (j *Janitor) Start(ctx context.Context) {
	ctx, j.cancel = context.WithCancel(ctx)
	j.done = make(chan struct{})
	go j.loop(ctx)
}

// Stop cancels the loop and waits for any in-flight sweep to return.
func (j *Janitor) Stop() {
	if j.cancel == nil {
		return
	}
	j.cancel()
	<-j.done
}

func (j *Janitor) loop(ctx context.Context) {
	defer close(j.done)
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := j.Sweep(ctx); err != nil && ctx.Err() == nil {
				j.logger.ErrorContext(ctx, "maintenance sweep failed", "error", err)
			}
		}
	}
}

// Sweep runs one maintenance pass. Steps are independent, so one
// failure does not stop the others; cancellation does, at the next
// step boundary.
func (j *Janitor) Sweep(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "janitor.sweep")
	defer span.End()

	logger := observability.WithTraceID(ctx, j.logger)
	now := j.clock.Now().UTC()
	var errs []error

	stats, err := j.tokens.Cleanup(ctx)
	if err != nil {
		errs = append(errs, fmt.Errorf("token cleanup: %w", err))
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	archived, err := j.audit.ArchiveOld(ctx, now.Add(-j.archiveAfter))
	if err != nil {
		errs = append(errs, fmt.Errorf("archive audit: %w", err))
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	deleted, err := j.audit.DeleteArchived(ctx, now.Add(-j.deleteArchivedAfter))
	if err != nil {
		errs = append(errs, fmt.Errorf("delete archived audit: %w", err))
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	rotated := false
	if j.keys.ShouldRotate() {
		if _, err := j.keys.Rotate(); err != nil {
			errs = append(errs, fmt.Errorf("rotate encryption key: %w", err))
		} else {
			rotated = true
		}
	}

	logger.InfoContext(ctx, "janitor.sweep",
		"tokens_deleted", stats.TokensDeleted,
		"blacklist_deleted", stats.BlacklistDeleted,
		"audit_archived", archived,
		"audit_deleted", deleted,
		"key_rotated", rotated,
		"errors", len(errs),
	)

	if len(errs) > 0 {
		err := errors.Join(errs...)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}
