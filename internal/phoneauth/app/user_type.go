package app

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/codes"

	"github.com/aelexs/phone-auth-service/internal/domain"
	"github.com/aelexs/phone-auth-service/internal/observability"
)

// SelectUserType records the account classification a user picks after
// first login. The selection is write-once: once set it never changes,
// whatever value a later call carries (ADR-015 §4).
func (s *AuthService) SelectUserType(ctx context.Context, userID domain.UserID, userType domain.UserType) (*domain.User, error) {
	ctx, span := tracer.Start(ctx, "auth.select_user_type")
	defer span.End()

	if !domain.IsValidUserType(userType) {
		span.SetStatus(codes.Error, "unknown user type")
		return nil, fmt.Errorf("user type %q: %w", userType, domain.ErrInvalidInput)
	}

	user, err := s.users.FindByID(ctx, userID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, domain.ErrUserNotFound
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("find user: %w", err)
	}
	if user.HasUserType() {
		span.SetStatus(codes.Error, "user type already set")
		return nil, domain.ErrInsufficientPermissions
	}

	user.UserType = userType
	user.UpdatedAt = s.clock.Now().UTC()
	if err := s.users.Update(ctx, *user); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("update user: %w", err)
	}

	observability.WithTraceID(ctx, s.logger).InfoContext(ctx, "auth.user_type_selected",
		"user_id", user.ID.String(),
		"user_type", string(userType),
	)
	return user, nil
}

// GetUser returns one user by id.
func (s *AuthService) GetUser(ctx context.Context, userID domain.UserID) (*domain.User, error) {
	user, err := s.users.FindByID(ctx, userID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, domain.ErrUserNotFound
		}
		return nil, fmt.Errorf("find user: %w", err)
	}
	return user, nil
}
