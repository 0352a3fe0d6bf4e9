package adapter

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/aelexs/phone-auth-service/internal/domain"
	"github.com/aelexs/phone-auth-service/internal/phoneauth/app"
	"github.com/aelexs/phone-auth-service/internal/postgres"
)

// suspiciousEventTypes are the non-failure event types that still count
// as suspicious for detection queries (ADR-009 §2).
var suspiciousEventTypes = []string{
	string(domain.EventRateLimitExceeded),
	string(domain.EventRateLimitPhoneExceeded),
	string(domain.EventRateLimitIPExceeded),
	string(domain.EventSuspiciousActivity),
	string(domain.EventInvalidTokenUsage),
}

// Compile-time check: PostgresAuditStore satisfies app.AuditStore.
var _ app.AuditStore = (*PostgresAuditStore)(nil)

// PostgresAuditStore is the append-only security event log (ADR-008).
// Rows are inserted once; only the archive pair of columns ever changes
// afterwards, and the janitor deletes archived rows past retention.
type PostgresAuditStore struct {
	db    *postgres.Client
	clock domain.Clock
}

// NewPostgresAuditStore creates an audit store on the given client.
func NewPostgresAuditStore(db *postgres.Client, clock domain.Clock) *PostgresAuditStore {
	return &PostgresAuditStore{db: db, clock: clock}
}

// Append inserts one event.
func (s *PostgresAuditStore) Append(ctx context.Context, event domain.AuditEvent) error {
	ctx, span := tracer.Start(ctx, "postgres.audit.append")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "INSERT"),
	)
	ctx, cancel := dbCtx(ctx)
	defer cancel()

	row := postgres.FromAuditEvent(event)
	if err := s.db.DB.WithContext(ctx).Create(&row).Error; err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("append audit event %q: %w", event.ID, err)
	}
	return nil
}

// FindByUser returns a user's events, newest first.
func (s *PostgresAuditStore) FindByUser(ctx context.Context, userID string, limit int) ([]domain.AuditEvent, error) {
	ctx, span := tracer.Start(ctx, "postgres.audit.find_by_user")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "SELECT"),
	)

	q := s.db.DB.Where("user_id = ?", userID)
	return s.find(ctx, span, q, limit)
}

// FindByPhoneHash returns a phone's events, newest first.
func (s *PostgresAuditStore) FindByPhoneHash(ctx context.Context, phoneHash string, limit int) ([]domain.AuditEvent, error) {
	ctx, span := tracer.Start(ctx, "postgres.audit.find_by_phone_hash")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "SELECT"),
	)

	q := s.db.DB.Where("phone_hash = ?", phoneHash)
	return s.find(ctx, span, q, limit)
}

// CountFailed counts failed events for one action since the given time.
// Empty phoneHash or ip widens the count to any phone or any address.
func (s *PostgresAuditStore) CountFailed(ctx context.Context, action, phoneHash, ip string, since time.Time) (int64, error) {
	ctx, span := tracer.Start(ctx, "postgres.audit.count_failed")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "SELECT"),
	)
	ctx, cancel := dbCtx(ctx)
	defer cancel()

	q := s.db.DB.WithContext(ctx).Model(&postgres.AuditEventRow{}).
		Where("action = ? AND success = ? AND created_at >= ?", action, false, since)
	if phoneHash != "" {
		q = q.Where("phone_hash = ?", phoneHash)
	}
	if ip != "" {
		q = q.Where("ip_address = ?", ip)
	}

	var count int64
	if err := q.Count(&count).Error; err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return 0, fmt.Errorf("count failed audit events: %w", err)
	}
	return count, nil
}

// FindSuspicious returns failures plus rate-limit, suspicious-activity,
// and invalid-token events since the given time, newest first,
// optionally narrowed to one address.
func (s *PostgresAuditStore) FindSuspicious(ctx context.Context, ip string, since time.Time) ([]domain.AuditEvent, error) {
	ctx, span := tracer.Start(ctx, "postgres.audit.find_suspicious")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "SELECT"),
	)

	q := s.db.DB.
		Where("created_at >= ?", since).
		Where("success = ? OR event_type IN ?", false, suspiciousEventTypes)
	if ip != "" {
		q = q.Where("ip_address = ?", ip)
	}
	return s.find(ctx, span, q, 0)
}

// FindSince returns every event at or after the given time, oldest
// first, which is the order the attack detector consumes.
func (s *PostgresAuditStore) FindSince(ctx context.Context, since time.Time) ([]domain.AuditEvent, error) {
	ctx, span := tracer.Start(ctx, "postgres.audit.find_since")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "SELECT"),
	)
	ctx, cancel := dbCtx(ctx)
	defer cancel()

	var rows []postgres.AuditEventRow
	err := s.db.DB.WithContext(ctx).
		Where("created_at >= ?", since).
		Order("created_at ASC").
		Find(&rows).Error
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("find audit events since %v: %w", since, err)
	}
	return rowsToEvents(rows)
}

// ArchiveOld marks rows created before cutoff as archived, stamping the
// archive time so retention counts from the sweep, not the event.
func (s *PostgresAuditStore) ArchiveOld(ctx context.Context, cutoff time.Time) (int64, error) {
	ctx, span := tracer.Start(ctx, "postgres.audit.archive_old")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "UPDATE"),
	)
	ctx, cancel := dbCtx(ctx)
	defer cancel()

	now := s.clock.Now().UTC()
	res := s.db.DB.WithContext(ctx).Model(&postgres.AuditEventRow{}).
		Where("created_at < ? AND archived = ?", cutoff, false).
		Updates(map[string]any{"archived": true, "archived_at": now})
	if res.Error != nil {
		span.RecordError(res.Error)
		span.SetStatus(codes.Error, res.Error.Error())
		return 0, fmt.Errorf("archive audit events: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// DeleteArchived removes rows archived before cutoff.
func (s *PostgresAuditStore) DeleteArchived(ctx context.Context, cutoff time.Time) (int64, error) {
	ctx, span := tracer.Start(ctx, "postgres.audit.delete_archived")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "DELETE"),
	)
	ctx, cancel := dbCtx(ctx)
	defer cancel()

	res := s.db.DB.WithContext(ctx).
		Where("archived = ? AND archived_at < ?", true, cutoff).
		Delete(&postgres.AuditEventRow{})
	if res.Error != nil {
		span.RecordError(res.Error)
		span.SetStatus(codes.Error, res.Error.Error())
		return 0, fmt.Errorf("delete archived audit events: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// find runs a prepared filter newest-first with an optional limit. The
// span belongs to the caller; errors are recorded on it here so every
// query path reports the same way.
func (s *PostgresAuditStore) find(ctx context.Context, span trace.Span, q *postgres.DB, limit int) ([]domain.AuditEvent, error) {
	ctx, cancel := dbCtx(ctx)
	defer cancel()

	q = q.WithContext(ctx).Order("created_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var rows []postgres.AuditEventRow
	if err := q.Find(&rows).Error; err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("find audit events: %w", err)
	}
	return rowsToEvents(rows)
}

func rowsToEvents(rows []postgres.AuditEventRow) ([]domain.AuditEvent, error) {
	events := make([]domain.AuditEvent, 0, len(rows))
	for _, row := range rows {
		event, err := row.ToDomain()
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	return events, nil
}
