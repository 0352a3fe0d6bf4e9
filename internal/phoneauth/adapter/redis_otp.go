package adapter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/aelexs/phone-auth-service/internal/domain"
	redisclient "github.com/aelexs/phone-auth-service/internal/redis"
)

const (
	// Key patterns per ADR-006 §2. The TTL on both keys equals the
	// code's remaining validity, so Redis expires a code on schedule
	// without a sweeper.
	otpCodePrefix = "otp:encrypted:"
	otpMetaPrefix = "otp:metadata:"
)

// RedisOTPStore is the cache tier of the verification-code store: one
// JSON document for the encrypted code and one for its metadata, both
// keyed by phone and expiring with the code.
type RedisOTPStore struct {
	cmd   redisclient.Cmdable
	clock domain.Clock
}

// NewRedisOTPStore creates a RedisOTPStore on the given Redis handle.
func NewRedisOTPStore(cmd redisclient.Cmdable, clock domain.Clock) *RedisOTPStore {
	return &RedisOTPStore{cmd: cmd, clock: clock}
}

// Store replaces any prior code for the phone. Both keys get
// TTL = expires_at - now; an already expired record is rejected.
func (s *RedisOTPStore) Store(ctx context.Context, otp domain.EncryptedOTP, meta domain.OTPMetadata) error {
	ctx, span := tracer.Start(ctx, "redis.otp.store")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "redis"),
		attribute.String("db.operation", "SET"),
	)

	ttl := otp.ExpiresAt.Sub(s.clock.Now())
	if ttl <= 0 {
		return fmt.Errorf("store code for %s: %w", domain.MaskPhone(otp.Phone), domain.ErrInvalidInput)
	}

	meta.Backend = domain.BackendRedis
	codeJSON, err := json.Marshal(otp)
	if err != nil {
		return fmt.Errorf("marshal code for %s: %w", domain.MaskPhone(otp.Phone), err)
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal metadata for %s: %w", domain.MaskPhone(otp.Phone), err)
	}

	pipe := s.cmd.TxPipeline()
	pipe.Set(ctx, otpCodePrefix+otp.Phone, codeJSON, ttl)
	pipe.Set(ctx, otpMetaPrefix+otp.Phone, metaJSON, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("store code for %s: %w", domain.MaskPhone(otp.Phone), err)
	}

	return nil
}

// Get returns the stored encrypted code, or domain.ErrNotFound.
func (s *RedisOTPStore) Get(ctx context.Context, phone string) (*domain.EncryptedOTP, error) {
	ctx, span := tracer.Start(ctx, "redis.otp.get")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "redis"),
		attribute.String("db.operation", "GET"),
	)

	raw, err := s.cmd.Get(ctx, otpCodePrefix+phone).Bytes()
	if errors.Is(err, redisclient.Nil) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("get code for %s: %w", domain.MaskPhone(phone), err)
	}

	var otp domain.EncryptedOTP
	if err := json.Unmarshal(raw, &otp); err != nil {
		return nil, fmt.Errorf("decode code for %s: %w", domain.MaskPhone(phone), err)
	}
	return &otp, nil
}

// Metadata returns the verification session record, or domain.ErrNotFound.
func (s *RedisOTPStore) Metadata(ctx context.Context, phone string) (*domain.OTPMetadata, error) {
	ctx, span := tracer.Start(ctx, "redis.otp.metadata")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "redis"),
		attribute.String("db.operation", "GET"),
	)

	raw, err := s.cmd.Get(ctx, otpMetaPrefix+phone).Bytes()
	if errors.Is(err, redisclient.Nil) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("get metadata for %s: %w", domain.MaskPhone(phone), err)
	}

	var meta domain.OTPMetadata
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, fmt.Errorf("decode metadata for %s: %w", domain.MaskPhone(phone), err)
	}
	return &meta, nil
}

// IncrementAttempts bumps the metadata attempt counter in place,
// preserving the remaining TTL.
func (s *RedisOTPStore) IncrementAttempts(ctx context.Context, phone string) (uint32, error) {
	ctx, span := tracer.Start(ctx, "redis.otp.increment_attempts")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "redis"),
		attribute.String("db.operation", "SET"),
	)

	meta, err := s.Metadata(ctx, phone)
	if err != nil {
		return 0, err
	}
	meta.Attempts++

	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return 0, fmt.Errorf("marshal metadata for %s: %w", domain.MaskPhone(phone), err)
	}
	if err := s.cmd.Set(ctx, otpMetaPrefix+phone, metaJSON, redisclient.KeepTTL).Err(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return 0, fmt.Errorf("update attempts for %s: %w", domain.MaskPhone(phone), err)
	}

	return meta.Attempts, nil
}

// Exists reports whether a live code is stored for the phone.
func (s *RedisOTPStore) Exists(ctx context.Context, phone string) (bool, error) {
	ctx, span := tracer.Start(ctx, "redis.otp.exists")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "redis"),
		attribute.String("db.operation", "EXISTS"),
	)

	n, err := s.cmd.Exists(ctx, otpCodePrefix+phone).Result()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return false, fmt.Errorf("check code for %s: %w", domain.MaskPhone(phone), err)
	}
	return n > 0, nil
}

// TTL returns the code's remaining life, or domain.ErrNotFound.
func (s *RedisOTPStore) TTL(ctx context.Context, phone string) (time.Duration, error) {
	ctx, span := tracer.Start(ctx, "redis.otp.ttl")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "redis"),
		attribute.String("db.operation", "PTTL"),
	)

	ttl, err := s.cmd.PTTL(ctx, otpCodePrefix+phone).Result()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return 0, fmt.Errorf("code ttl for %s: %w", domain.MaskPhone(phone), err)
	}
	if ttl < 0 {
		// -2: no key. -1: no expiry, which Store never produces.
		return 0, domain.ErrNotFound
	}
	return ttl, nil
}

// Clear removes the code and its metadata. Idempotent.
func (s *RedisOTPStore) Clear(ctx context.Context, phone string) error {
	ctx, span := tracer.Start(ctx, "redis.otp.clear")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "redis"),
		attribute.String("db.operation", "DEL"),
	)

	if err := s.cmd.Del(ctx, otpCodePrefix+phone, otpMetaPrefix+phone).Err(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("clear code for %s: %w", domain.MaskPhone(phone), err)
	}
	return nil
}
