package adapter

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/aelexs/phone-auth-service/internal/domain"
	"github.com/aelexs/phone-auth-service/internal/phoneauth/app"
)

// OTPTier is one storage tier of the verification-code store. The Redis
// and Postgres tiers both implement it.
type OTPTier interface {
	Store(ctx context.Context, otp domain.EncryptedOTP, meta domain.OTPMetadata) error
	Get(ctx context.Context, phone string) (*domain.EncryptedOTP, error)
	Metadata(ctx context.Context, phone string) (*domain.OTPMetadata, error)
	IncrementAttempts(ctx context.Context, phone string) (uint32, error)
	Exists(ctx context.Context, phone string) (bool, error)
	TTL(ctx context.Context, phone string) (time.Duration, error)
	Clear(ctx context.Context, phone string) error
}

// Compile-time check: OTPStore satisfies app.OTPStore.
var _ app.OTPStore = (*OTPStore)(nil)

// OTPStoreConfig holds the tiers of the dual-tier code store.
type OTPStoreConfig struct {
	Cache    OTPTier
	Fallback OTPTier // nil disables the durable tier
	Logger   *slog.Logger

	// Sleep paces the cache write retries. Tests inject a recorder;
	// nil means a context-aware real sleep.
	Sleep func(ctx context.Context, d time.Duration)
}

// OTPStore sequences the cache and durable tiers per ADR-006 §2: writes
// retry the cache with doubling delays, then fall back to the database;
// reads prefer the cache and fall through on miss or outage. Callers
// learn which tier served a write but never branch on it.
type OTPStore struct {
	cache    OTPTier
	fallback OTPTier
	logger   *slog.Logger
	sleep    func(ctx context.Context, d time.Duration)
}

// NewOTPStore creates an OTPStore with the given tiers.
func NewOTPStore(cfg OTPStoreConfig) *OTPStore {
	if cfg.Sleep == nil {
		cfg.Sleep = sleepContext
	}
	return &OTPStore{
		cache:    cfg.Cache,
		fallback: cfg.Fallback,
		logger:   cfg.Logger,
		sleep:    cfg.Sleep,
	}
}

// Store writes the code to the cache, retrying transient failures, and
// falls back to the durable tier when the cache stays down.
func (s *OTPStore) Store(ctx context.Context, otp domain.EncryptedOTP, meta domain.OTPMetadata) (domain.StoreBackend, error) {
	ctx, span := tracer.Start(ctx, "otp_store.store")
	defer span.End()

	cacheErr := s.storeWithRetry(ctx, otp, meta)
	if cacheErr == nil {
		span.SetAttributes(attribute.String("otp.backend", string(domain.BackendRedis)))
		return domain.BackendRedis, nil
	}
	if s.fallback == nil || errors.Is(cacheErr, domain.ErrInvalidInput) || ctx.Err() != nil {
		span.RecordError(cacheErr)
		return "", cacheErr
	}

	s.logger.WarnContext(ctx, "otp cache write failed, using database fallback",
		"error", cacheErr)
	if err := s.fallback.Store(ctx, otp, meta); err != nil {
		span.RecordError(err)
		return "", errors.Join(cacheErr, err)
	}
	span.SetAttributes(attribute.String("otp.backend", string(domain.BackendDatabase)))
	return domain.BackendDatabase, nil
}

func (s *OTPStore) storeWithRetry(ctx context.Context, otp domain.EncryptedOTP, meta domain.OTPMetadata) error {
	delay := domain.CacheRetryBaseDelay
	var err error
	for attempt := 1; attempt <= domain.CacheRetryAttempts; attempt++ {
		if err = s.cache.Store(ctx, otp, meta); err == nil {
			return nil
		}
		// A rejected write is not an outage; retrying cannot help.
		if errors.Is(err, domain.ErrInvalidInput) {
			return err
		}
		if attempt == domain.CacheRetryAttempts {
			break
		}
		s.sleep(ctx, delay)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		delay *= 2
	}
	return err
}

// Get reads the code, cache first.
func (s *OTPStore) Get(ctx context.Context, phone string) (*domain.EncryptedOTP, error) {
	otp, err := s.cache.Get(ctx, phone)
	if err == nil {
		return otp, nil
	}
	if s.fallback == nil {
		return nil, err
	}
	// A miss falls through too: a code written during a cache outage
	// lives only in the durable tier.
	return s.fallback.Get(ctx, phone)
}

// Metadata reads the session record, cache first.
func (s *OTPStore) Metadata(ctx context.Context, phone string) (*domain.OTPMetadata, error) {
	meta, err := s.cache.Metadata(ctx, phone)
	if err == nil {
		return meta, nil
	}
	if s.fallback == nil {
		return nil, err
	}
	return s.fallback.Metadata(ctx, phone)
}

// IncrementAttempts bumps the attempt counter in whichever tier holds
// the record. A counter that lapsed mid-verification reports 1.
func (s *OTPStore) IncrementAttempts(ctx context.Context, phone string) (uint32, error) {
	count, cacheErr := s.cache.IncrementAttempts(ctx, phone)
	if cacheErr == nil {
		return count, nil
	}
	if s.fallback != nil {
		count, err := s.fallback.IncrementAttempts(ctx, phone)
		if err == nil {
			return count, nil
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return 0, err
		}
	}
	if errors.Is(cacheErr, domain.ErrNotFound) {
		return 1, nil
	}
	return 0, cacheErr
}

// Exists reports whether either tier holds a live code.
func (s *OTPStore) Exists(ctx context.Context, phone string) (bool, error) {
	exists, err := s.cache.Exists(ctx, phone)
	if err == nil && exists {
		return true, nil
	}
	if s.fallback == nil {
		return exists, err
	}
	return s.fallback.Exists(ctx, phone)
}

// TTL returns the code's remaining life from whichever tier holds it.
func (s *OTPStore) TTL(ctx context.Context, phone string) (time.Duration, error) {
	ttl, err := s.cache.TTL(ctx, phone)
	if err == nil {
		return ttl, nil
	}
	if s.fallback == nil {
		return 0, err
	}
	return s.fallback.TTL(ctx, phone)
}

// Clear removes the code from both tiers. Best-effort and idempotent.
func (s *OTPStore) Clear(ctx context.Context, phone string) error {
	err := s.cache.Clear(ctx, phone)
	if s.fallback != nil {
		err = errors.Join(err, s.fallback.Clear(ctx, phone))
	}
	return err
}

func sleepContext(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
