package adapter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/aelexs/phone-auth-service/internal/domain"
	"github.com/aelexs/phone-auth-service/internal/phoneauth/app"
	"github.com/aelexs/phone-auth-service/internal/postgres"
)

// Compile-time check: PostgresTokenStore satisfies app.TokenStore.
var _ app.TokenStore = (*PostgresTokenStore)(nil)

// PostgresTokenStore persists refresh-token records. Rows are only ever
// inserted, flipped to revoked, or deleted by the janitor; the token
// hash column is unique so one raw token maps to one row (ADR-004 §2).
type PostgresTokenStore struct {
	db *postgres.Client
}

// NewPostgresTokenStore creates a token store on the given client.
func NewPostgresTokenStore(db *postgres.Client) *PostgresTokenStore {
	return &PostgresTokenStore{db: db}
}

// Create inserts one refresh-token record.
func (s *PostgresTokenStore) Create(ctx context.Context, token domain.RefreshToken) error {
	ctx, span := tracer.Start(ctx, "postgres.tokens.create")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "INSERT"),
	)
	ctx, cancel := dbCtx(ctx)
	defer cancel()

	row := postgres.FromRefreshToken(token)
	if err := s.db.DB.WithContext(ctx).Create(&row).Error; err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("create refresh token %q: %w", token.ID, err)
	}
	return nil
}

// FindByHash returns the record for a token hash, or domain.ErrNotFound.
func (s *PostgresTokenStore) FindByHash(ctx context.Context, tokenHash string) (*domain.RefreshToken, error) {
	ctx, span := tracer.Start(ctx, "postgres.tokens.find_by_hash")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "SELECT"),
	)
	ctx, cancel := dbCtx(ctx)
	defer cancel()

	var row postgres.RefreshTokenRow
	err := s.db.DB.WithContext(ctx).Where("token_hash = ?", tokenHash).First(&row).Error
	if err != nil {
		if errors.Is(err, postgres.ErrRecordNotFound) {
			return nil, domain.ErrNotFound
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("find refresh token by hash: %w", err)
	}
	token, err := row.ToDomain()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return &token, nil
}

// Revoke marks one token revoked. Revoking an already-revoked or
// missing token is a no-op; rotation and reuse handling both race the
// janitor here and neither outcome needs an error.
func (s *PostgresTokenStore) Revoke(ctx context.Context, id domain.TokenID) error {
	return s.revokeWhere(ctx, "postgres.tokens.revoke", "id = ?", id.String())
}

// RevokeFamily revokes every token in a rotation family (ADR-004 §4).
func (s *PostgresTokenStore) RevokeFamily(ctx context.Context, family domain.FamilyID) error {
	return s.revokeWhere(ctx, "postgres.tokens.revoke_family", "token_family = ?", family.String())
}

// RevokeAllForUser revokes every live token a user holds.
func (s *PostgresTokenStore) RevokeAllForUser(ctx context.Context, userID domain.UserID) error {
	return s.revokeWhere(ctx, "postgres.tokens.revoke_all_for_user", "user_id = ?", userID.String())
}

// RevokeDevice revokes a user's tokens bound to one device fingerprint.
func (s *PostgresTokenStore) RevokeDevice(ctx context.Context, userID domain.UserID, deviceFingerprint string) error {
	return s.revokeWhere(ctx, "postgres.tokens.revoke_device",
		"user_id = ? AND device_fingerprint = ?", userID.String(), deviceFingerprint)
}

// DeleteExpired removes tokens expired at asOf plus revoked tokens
// created before revokedBefore, returning the rows removed.
func (s *PostgresTokenStore) DeleteExpired(ctx context.Context, asOf, revokedBefore time.Time) (int64, error) {
	ctx, span := tracer.Start(ctx, "postgres.tokens.delete_expired")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "DELETE"),
	)
	ctx, cancel := dbCtx(ctx)
	defer cancel()

	res := s.db.DB.WithContext(ctx).
		Where("expires_at <= ? OR (is_revoked = ? AND created_at < ?)", asOf, true, revokedBefore).
		Delete(&postgres.RefreshTokenRow{})
	if res.Error != nil {
		span.RecordError(res.Error)
		span.SetStatus(codes.Error, res.Error.Error())
		return 0, fmt.Errorf("delete expired refresh tokens: %w", res.Error)
	}
	return res.RowsAffected, nil
}

func (s *PostgresTokenStore) revokeWhere(ctx context.Context, spanName, cond string, args ...any) error {
	ctx, span := tracer.Start(ctx, spanName)
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "UPDATE"),
	)
	ctx, cancel := dbCtx(ctx)
	defer cancel()

	err := s.db.DB.WithContext(ctx).Model(&postgres.RefreshTokenRow{}).
		Where(cond, args...).
		Update("is_revoked", true).Error
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("revoke refresh tokens: %w", err)
	}
	return nil
}
