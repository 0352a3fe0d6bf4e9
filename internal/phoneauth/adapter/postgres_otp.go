package adapter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/aelexs/phone-auth-service/internal/domain"
	"github.com/aelexs/phone-auth-service/internal/postgres"
)

// PostgresOTPStore is the durable fallback tier of the verification-code
// store. It only sees traffic while the cache is down (ADR-006 §2); the
// table has no TTL reaper, so writes sweep expired rows opportunistically.
type PostgresOTPStore struct {
	db    *postgres.Client
	clock domain.Clock
}

// NewPostgresOTPStore creates a PostgresOTPStore on the given client.
func NewPostgresOTPStore(db *postgres.Client, clock domain.Clock) *PostgresOTPStore {
	return &PostgresOTPStore{db: db, clock: clock}
}

// Store upserts the row for the phone. The metadata record does not
// survive in this tier; only the attempt counter does, as a row column.
func (s *PostgresOTPStore) Store(ctx context.Context, otp domain.EncryptedOTP, meta domain.OTPMetadata) error {
	ctx, span := tracer.Start(ctx, "postgres.otp.store")
	defer span.End()
	span.SetAttributes(attribute.String("db.system", "postgresql"))

	ctx, cancel := dbCtx(ctx)
	defer cancel()

	now := s.clock.Now().UTC()
	if err := s.db.DB.WithContext(ctx).
		Where("expires_at <= ?", now).
		Delete(&postgres.EncryptedOTPRow{}).Error; err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("sweep expired codes: %w", err)
	}

	row := postgres.FromEncryptedOTP(otp)
	if err := s.db.DB.WithContext(ctx).
		Clauses(postgres.OnConflictUpdateAll).
		Create(&row).Error; err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("store fallback code for %s: %w", domain.MaskPhone(otp.Phone), err)
	}
	return nil
}

// Get returns the stored code if it is still live, or domain.ErrNotFound.
func (s *PostgresOTPStore) Get(ctx context.Context, phone string) (*domain.EncryptedOTP, error) {
	ctx, span := tracer.Start(ctx, "postgres.otp.get")
	defer span.End()
	span.SetAttributes(attribute.String("db.system", "postgresql"))

	ctx, cancel := dbCtx(ctx)
	defer cancel()

	row, err := s.liveRow(ctx, phone)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	otp := row.ToDomain()
	return &otp, nil
}

// Metadata reconstructs the session record from the row. The session
// handle and usage flag do not survive a cache outage; attempts do.
func (s *PostgresOTPStore) Metadata(ctx context.Context, phone string) (*domain.OTPMetadata, error) {
	ctx, span := tracer.Start(ctx, "postgres.otp.metadata")
	defer span.End()
	span.SetAttributes(attribute.String("db.system", "postgresql"))

	ctx, cancel := dbCtx(ctx)
	defer cancel()

	row, err := s.liveRow(ctx, phone)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return &domain.OTPMetadata{
		Phone:       row.Phone,
		CreatedAt:   row.CreatedAt,
		ExpiresAt:   row.ExpiresAt,
		Attempts:    uint32(row.AttemptCount),
		MaxAttempts: domain.MaxVerifyAttempts,
		Backend:     domain.BackendDatabase,
	}, nil
}

// IncrementAttempts bumps the row's attempt counter and returns the new
// count, or domain.ErrNotFound when no live row exists.
func (s *PostgresOTPStore) IncrementAttempts(ctx context.Context, phone string) (uint32, error) {
	ctx, span := tracer.Start(ctx, "postgres.otp.increment_attempts")
	defer span.End()
	span.SetAttributes(attribute.String("db.system", "postgresql"))

	ctx, cancel := dbCtx(ctx)
	defer cancel()

	now := s.clock.Now().UTC()
	res := s.db.DB.WithContext(ctx).
		Model(&postgres.EncryptedOTPRow{}).
		Where("phone = ? AND expires_at > ?", phone, now).
		UpdateColumn("attempt_count", postgres.Expr("attempt_count + 1"))
	if res.Error != nil {
		span.RecordError(res.Error)
		span.SetStatus(codes.Error, res.Error.Error())
		return 0, fmt.Errorf("update fallback attempts for %s: %w", domain.MaskPhone(phone), res.Error)
	}
	if res.RowsAffected == 0 {
		return 0, domain.ErrNotFound
	}

	row, err := s.liveRow(ctx, phone)
	if err != nil {
		return 0, err
	}
	return uint32(row.AttemptCount), nil
}

// Exists reports whether a live row is stored for the phone.
func (s *PostgresOTPStore) Exists(ctx context.Context, phone string) (bool, error) {
	ctx, span := tracer.Start(ctx, "postgres.otp.exists")
	defer span.End()
	span.SetAttributes(attribute.String("db.system", "postgresql"))

	ctx, cancel := dbCtx(ctx)
	defer cancel()

	var n int64
	err := s.db.DB.WithContext(ctx).
		Model(&postgres.EncryptedOTPRow{}).
		Where("phone = ? AND expires_at > ?", phone, s.clock.Now().UTC()).
		Count(&n).Error
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return false, fmt.Errorf("check fallback code for %s: %w", domain.MaskPhone(phone), err)
	}
	return n > 0, nil
}

// TTL returns the code's remaining life, or domain.ErrNotFound.
func (s *PostgresOTPStore) TTL(ctx context.Context, phone string) (time.Duration, error) {
	ctx, span := tracer.Start(ctx, "postgres.otp.ttl")
	defer span.End()
	span.SetAttributes(attribute.String("db.system", "postgresql"))

	ctx, cancel := dbCtx(ctx)
	defer cancel()

	row, err := s.liveRow(ctx, phone)
	if err != nil {
		span.RecordError(err)
		return 0, err
	}
	return row.ExpiresAt.Sub(s.clock.Now()), nil
}

// Clear removes the row. Idempotent.
func (s *PostgresOTPStore) Clear(ctx context.Context, phone string) error {
	ctx, span := tracer.Start(ctx, "postgres.otp.clear")
	defer span.End()
	span.SetAttributes(attribute.String("db.system", "postgresql"))

	ctx, cancel := dbCtx(ctx)
	defer cancel()

	if err := s.db.DB.WithContext(ctx).
		Delete(&postgres.EncryptedOTPRow{Phone: phone}).Error; err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("clear fallback code for %s: %w", domain.MaskPhone(phone), err)
	}
	return nil
}

func (s *PostgresOTPStore) liveRow(ctx context.Context, phone string) (*postgres.EncryptedOTPRow, error) {
	var row postgres.EncryptedOTPRow
	err := s.db.DB.WithContext(ctx).
		Where("phone = ? AND expires_at > ?", phone, s.clock.Now().UTC()).
		First(&row).Error
	if errors.Is(err, postgres.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load fallback code for %s: %w", domain.MaskPhone(phone), err)
	}
	return &row, nil
}
