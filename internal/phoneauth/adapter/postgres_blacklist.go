package adapter

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/aelexs/phone-auth-service/internal/domain"
	"github.com/aelexs/phone-auth-service/internal/phoneauth/app"
	"github.com/aelexs/phone-auth-service/internal/postgres"
)

// Compile-time check: PostgresBlacklistStore satisfies app.BlacklistStore.
var _ app.BlacklistStore = (*PostgresBlacklistStore)(nil)

// PostgresBlacklistStore records revoked access-token jtis until their
// natural expiry, after which the janitor reaps them (ADR-004 §5).
type PostgresBlacklistStore struct {
	db *postgres.Client
}

// NewPostgresBlacklistStore creates a blacklist store on the given client.
func NewPostgresBlacklistStore(db *postgres.Client) *PostgresBlacklistStore {
	return &PostgresBlacklistStore{db: db}
}

// Add records one jti. Re-adding an existing jti refreshes its expiry,
// so logout racing logout stays idempotent.
func (s *PostgresBlacklistStore) Add(ctx context.Context, entry domain.BlacklistEntry) error {
	ctx, span := tracer.Start(ctx, "postgres.blacklist.add")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "INSERT"),
	)
	ctx, cancel := dbCtx(ctx)
	defer cancel()

	row := postgres.FromBlacklistEntry(entry)
	err := s.db.DB.WithContext(ctx).Clauses(postgres.OnConflictUpdateAll).Create(&row).Error
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("blacklist jti: %w", err)
	}
	return nil
}

// Contains reports whether a jti has been revoked.
func (s *PostgresBlacklistStore) Contains(ctx context.Context, jti string) (bool, error) {
	ctx, span := tracer.Start(ctx, "postgres.blacklist.contains")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "SELECT"),
	)
	ctx, cancel := dbCtx(ctx)
	defer cancel()

	var count int64
	err := s.db.DB.WithContext(ctx).Model(&postgres.BlacklistRow{}).
		Where("jti = ?", jti).
		Count(&count).Error
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return false, fmt.Errorf("blacklist lookup: %w", err)
	}
	return count > 0, nil
}

// DeleteExpired removes entries whose access token has expired anyway.
func (s *PostgresBlacklistStore) DeleteExpired(ctx context.Context, asOf time.Time) (int64, error) {
	ctx, span := tracer.Start(ctx, "postgres.blacklist.delete_expired")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "DELETE"),
	)
	ctx, cancel := dbCtx(ctx)
	defer cancel()

	res := s.db.DB.WithContext(ctx).
		Where("expires_at <= ?", asOf).
		Delete(&postgres.BlacklistRow{})
	if res.Error != nil {
		span.RecordError(res.Error)
		span.SetStatus(codes.Error, res.Error.Error())
		return 0, fmt.Errorf("delete expired blacklist entries: %w", res.Error)
	}
	return res.RowsAffected, nil
}
