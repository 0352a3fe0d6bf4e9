package adapter

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/aelexs/phone-auth-service/internal/domain"
	"github.com/aelexs/phone-auth-service/internal/phoneauth/app"
	"github.com/aelexs/phone-auth-service/internal/postgres"
)

// Compile-time check: PostgresUserRegistry satisfies app.UserRegistry.
var _ app.UserRegistry = (*PostgresUserRegistry)(nil)

// PostgresUserRegistry stores verified phone identities. Identity is
// the (phone_hash, country_code) pair; the raw number never reaches
// this table (ADR-006 §4).
type PostgresUserRegistry struct {
	db *postgres.Client
}

// NewPostgresUserRegistry creates a registry on the given client.
func NewPostgresUserRegistry(db *postgres.Client) *PostgresUserRegistry {
	return &PostgresUserRegistry{db: db}
}

// Create inserts a new user. A duplicate identity pair reports
// domain.ErrUserAlreadyExists so concurrent first-verification races
// resolve to one winner.
func (s *PostgresUserRegistry) Create(ctx context.Context, user domain.User) error {
	ctx, span := tracer.Start(ctx, "postgres.users.create")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "INSERT"),
	)
	ctx, cancel := dbCtx(ctx)
	defer cancel()

	row := postgres.FromUser(user)
	if err := s.db.DB.WithContext(ctx).Create(&row).Error; err != nil {
		if errors.Is(err, postgres.ErrDuplicatedKey) {
			return fmt.Errorf("create user %q: %w", user.ID, domain.ErrUserAlreadyExists)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("create user %q: %w", user.ID, err)
	}
	return nil
}

// FindByPhone looks a user up by identity pair.
func (s *PostgresUserRegistry) FindByPhone(ctx context.Context, phoneHash, countryCode string) (*domain.User, error) {
	ctx, span := tracer.Start(ctx, "postgres.users.find_by_phone")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "SELECT"),
	)
	ctx, cancel := dbCtx(ctx)
	defer cancel()

	var row postgres.UserRow
	err := s.db.DB.WithContext(ctx).
		Where("phone_hash = ? AND country_code = ?", phoneHash, countryCode).
		First(&row).Error
	if err != nil {
		if errors.Is(err, postgres.ErrRecordNotFound) {
			return nil, domain.ErrUserNotFound
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("find user by phone: %w", err)
	}
	return rowToUser(row)
}

// FindByID looks a user up by id.
func (s *PostgresUserRegistry) FindByID(ctx context.Context, id domain.UserID) (*domain.User, error) {
	ctx, span := tracer.Start(ctx, "postgres.users.find_by_id")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "SELECT"),
	)
	ctx, cancel := dbCtx(ctx)
	defer cancel()

	var row postgres.UserRow
	err := s.db.DB.WithContext(ctx).Where("id = ?", id.String()).First(&row).Error
	if err != nil {
		if errors.Is(err, postgres.ErrRecordNotFound) {
			return nil, domain.ErrUserNotFound
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("find user %q: %w", id, err)
	}
	return rowToUser(row)
}

// Update persists every mutable field of the user.
func (s *PostgresUserRegistry) Update(ctx context.Context, user domain.User) error {
	ctx, span := tracer.Start(ctx, "postgres.users.update")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "UPDATE"),
	)
	ctx, cancel := dbCtx(ctx)
	defer cancel()

	row := postgres.FromUser(user)
	// Save writes all columns, including ones reset to their zero
	// value, which is what Update's idempotency contract needs.
	if err := s.db.DB.WithContext(ctx).Save(&row).Error; err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("update user %q: %w", user.ID, err)
	}
	return nil
}

// Delete removes a user row.
func (s *PostgresUserRegistry) Delete(ctx context.Context, id domain.UserID) error {
	ctx, span := tracer.Start(ctx, "postgres.users.delete")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "DELETE"),
	)
	ctx, cancel := dbCtx(ctx)
	defer cancel()

	res := s.db.DB.WithContext(ctx).Where("id = ?", id.String()).Delete(&postgres.UserRow{})
	if res.Error != nil {
		span.RecordError(res.Error)
		span.SetStatus(codes.Error, res.Error.Error())
		return fmt.Errorf("delete user %q: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return domain.ErrUserNotFound
	}
	return nil
}

// ExistsByPhone reports whether the identity pair is taken.
func (s *PostgresUserRegistry) ExistsByPhone(ctx context.Context, phoneHash, countryCode string) (bool, error) {
	ctx, span := tracer.Start(ctx, "postgres.users.exists_by_phone")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "SELECT"),
	)
	ctx, cancel := dbCtx(ctx)
	defer cancel()

	var count int64
	err := s.db.DB.WithContext(ctx).Model(&postgres.UserRow{}).
		Where("phone_hash = ? AND country_code = ?", phoneHash, countryCode).
		Count(&count).Error
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return false, fmt.Errorf("user exists by phone: %w", err)
	}
	return count > 0, nil
}

// CountByType counts users of one type, or every user when userType is
// empty.
func (s *PostgresUserRegistry) CountByType(ctx context.Context, userType domain.UserType) (int64, error) {
	ctx, span := tracer.Start(ctx, "postgres.users.count_by_type")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "SELECT"),
	)
	ctx, cancel := dbCtx(ctx)
	defer cancel()

	q := s.db.DB.WithContext(ctx).Model(&postgres.UserRow{})
	if userType != "" {
		q = q.Where("user_type = ?", string(userType))
	}
	var count int64
	if err := q.Count(&count).Error; err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return 0, fmt.Errorf("count users by type %q: %w", userType, err)
	}
	return count, nil
}

func rowToUser(row postgres.UserRow) (*domain.User, error) {
	user, err := row.ToDomain()
	if err != nil {
		return nil, err
	}
	return &user, nil
}
