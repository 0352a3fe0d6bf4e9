package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"

	"github.com/aelexs/phone-auth-service/internal/auth"
	"github.com/aelexs/phone-auth-service/internal/domain"
	"github.com/aelexs/phone-auth-service/internal/observability"
)

// OTPServiceConfig holds the dependencies for an OTPService. Zero
// tunables fall back to the domain defaults.
type OTPServiceConfig struct {
	Store   OTPStore
	Keys    *auth.Keyring
	SMS     auth.SMSProvider
	Limiter RateLimiter
	Audit   *AuditLogger
	Clock   domain.Clock
	Logger  *slog.Logger

	Expiry                  time.Duration
	MaxAttempts             uint32
	ResendCooldown          time.Duration
	LockDuration            time.Duration
	FailedAttemptsThreshold int

	// Sleep implements the progressive verification delay. Tests
	// inject a recorder; nil means a context-aware real sleep.
	Sleep func(ctx context.Context, d time.Duration)
}

// OTPService issues and verifies one-time codes (ADR-005, ADR-006).
// Codes live encrypted in the dual-tier store; the plaintext exists
// only between generation and dispatch, and between decryption and
// comparison.
type OTPService struct {
	store   OTPStore
	keys    *auth.Keyring
	sms     auth.SMSProvider
	limiter RateLimiter
	audit   *AuditLogger
	clock   domain.Clock
	logger  *slog.Logger

	expiry          time.Duration
	maxAttempts     uint32
	resendCooldown  time.Duration
	lockDuration    time.Duration
	failedThreshold int
	sleep           func(ctx context.Context, d time.Duration)
}

// NewOTPService creates an OTPService with the given dependencies.
func NewOTPService(cfg OTPServiceConfig) *OTPService {
	if cfg.Expiry == 0 {
		cfg.Expiry = domain.OTPValidityDuration
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = domain.MaxVerifyAttempts
	}
	if cfg.ResendCooldown == 0 {
		cfg.ResendCooldown = domain.ResendCooldown
	}
	if cfg.LockDuration == 0 {
		cfg.LockDuration = domain.AccountLockDuration
	}
	if cfg.FailedAttemptsThreshold == 0 {
		cfg.FailedAttemptsThreshold = domain.FailedAttemptsThreshold
	}
	if cfg.Sleep == nil {
		cfg.Sleep = sleepContext
	}
	return &OTPService{
		store:           cfg.Store,
		keys:            cfg.Keys,
		sms:             cfg.SMS,
		limiter:         cfg.Limiter,
		audit:           cfg.Audit,
		clock:           cfg.Clock,
		logger:          cfg.Logger,
		expiry:          cfg.Expiry,
		maxAttempts:     cfg.MaxAttempts,
		resendCooldown:  cfg.ResendCooldown,
		lockDuration:    cfg.LockDuration,
		failedThreshold: cfg.FailedAttemptsThreshold,
		sleep:           cfg.Sleep,
	}
}

// Request generates and dispatches a fresh code for the phone,
// replacing any previous one. The clear→store→dispatch sequence is
// intentionally not atomic; a failed dispatch compensates by clearing
// the stored code (ADR-005 §3).
func (s *OTPService) Request(ctx context.Context, phone domain.PhoneNumber) (*SendCodeResult, error) {
	ctx, span := tracer.Start(ctx, "auth.otp_request")
	defer span.End()

	logger := observability.WithTraceID(ctx, s.logger)

	// 1. Resend cooldown: a code issued less than resendCooldown ago
	// still has more than expiry−cooldown of life left.
	ttl, err := s.store.TTL(ctx, phone.String())
	switch {
	case err == nil:
		if wait := ttl - (s.expiry - s.resendCooldown); wait > 0 {
			rateLimitsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("scope", "resend_cooldown")))
			span.SetStatus(codes.Error, "resend cooldown active")
			return nil, &domain.RateLimitError{
				Scope:      domain.ScopeSMS,
				Limit:      1,
				Window:     s.resendCooldown,
				RetryAfter: wait,
			}
		}
	case errors.Is(err, domain.ErrNotFound):
		// No active code.
	default:
		logger.WarnContext(ctx, "otp ttl check failed, proceeding", "error", err, "phone", phone)
	}

	// 2. Invalidate the previous code. Store replaces it anyway; the
	// explicit clear keeps the single-active-code invariant even if
	// the store write below fails midway.
	if err := s.store.Clear(ctx, phone.String()); err != nil {
		logger.WarnContext(ctx, "failed to clear previous code", "error", err, "phone", phone)
	}

	// 3. Generate and encrypt under the active key.
	code, err := auth.GenerateOTP()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("generate code: %w", err)
	}

	key := s.keys.Active()
	ciphertext, nonce, err := auth.EncryptCode(key.Material, code)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("encrypt code: %w", err)
	}

	now := s.clock.Now().UTC()
	expiresAt := now.Add(s.expiry)
	sessionID := domain.GenerateSessionID()

	backend, err := s.store.Store(ctx,
		domain.EncryptedOTP{
			Phone:      phone.String(),
			Ciphertext: ciphertext,
			Nonce:      nonce,
			KeyID:      key.ID,
			CreatedAt:  now,
			ExpiresAt:  expiresAt,
		},
		domain.OTPMetadata{
			Phone:       phone.String(),
			CreatedAt:   now,
			ExpiresAt:   expiresAt,
			MaxAttempts: s.maxAttempts,
			SessionID:   sessionID.String(),
		},
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("store code: %w", err)
	}

	// 4. Dispatch. Synchronous so a vendor failure surfaces to the
	// caller; compensate by clearing the stored code.
	smsCtx, cancel := context.WithTimeout(ctx, domain.SMSTimeout)
	vendorID, sendErr := s.sms.SendCode(smsCtx, phone.String(), code)
	cancel()
	if sendErr != nil {
		logger.ErrorContext(ctx, "sms dispatch failed", "error", sendErr, "phone", phone)
		// The request context may already be dead; the compensation
		// still has to run.
		clearCtx, clearCancel := context.WithTimeout(context.WithoutCancel(ctx), domain.CacheTimeout)
		if clearErr := s.store.Clear(clearCtx, phone.String()); clearErr != nil {
			logger.ErrorContext(ctx, "failed to clear code after dispatch failure",
				"error", clearErr, "phone", phone)
		}
		clearCancel()
		span.SetStatus(codes.Error, "sms dispatch failed")
		return nil, domain.ErrSMSServiceFailure
	}

	codesSentTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("backend", string(backend))))
	logger.InfoContext(ctx, "otp.issued",
		"phone", phone,
		"session_id", sessionID.String(),
		"backend", string(backend),
	)

	return &SendCodeResult{
		SessionID:       sessionID.String(),
		ExpiresAt:       expiresAt,
		NextResendAt:    now.Add(s.resendCooldown),
		VendorMessageID: vendorID,
	}, nil
}

// Verify checks a candidate code. Failures count against both the
// per-code attempt budget and the windowed failure counters; crossing
// either threshold locks the account (ADR-007 §2).
func (s *OTPService) Verify(ctx context.Context, phone domain.PhoneNumber, candidate, clientIP string) error {
	ctx, span := tracer.Start(ctx, "auth.otp_verify")
	defer span.End()

	logger := observability.WithTraceID(ctx, s.logger)
	_, local := domain.ExtractCountry(phone)
	phoneHash := auth.HashPhone(local)

	// 1. Format gate: no counters move for malformed input.
	if !auth.IsValidCodeFormat(candidate) {
		span.SetStatus(codes.Error, "malformed code")
		return domain.ErrInvalidCodeFormat
	}

	// 2. Account lock.
	if err := s.limiter.CheckLock(ctx, phoneHash); err != nil {
		rateLimitsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("scope", "account_lock")))
		span.SetStatus(codes.Error, "account locked")
		return err
	}

	// 3. Progressive delay grows with recent failures so brute force
	// slows down while an honest retry stays fast.
	fails, err := s.limiter.FailureCount(ctx, phoneHash)
	if err != nil {
		logger.WarnContext(ctx, "failure count read failed, skipping delay", "error", err)
		fails = 0
	}
	if delay := progressiveDelay(fails); delay > 0 {
		s.sleep(ctx, delay)
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}

	// 4. Windowed verification budget across codes.
	if _, err := s.limiter.Allow(ctx, domain.ScopeVerifyAttempts, phoneHash); err != nil {
		var rle *domain.RateLimitError
		if errors.As(err, &rle) {
			s.lockAccount(ctx, phone, phoneHash, clientIP, "verify_attempts_exceeded")
			return domain.ErrMaxAttemptsExceeded
		}
		if errors.Is(err, domain.ErrAccountLocked) {
			// Lock raced in after step 2.
			return err
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("check verify window: %w", err)
	}

	// 5. Retrieve and decrypt the stored code.
	stored, err := s.store.Get(ctx, phone.String())
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			s.auditVerifyFailure(ctx, phone, phoneHash, clientIP, "code_expired", nil)
			authFailuresTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", "code_expired")))
			return domain.ErrVerificationCodeExpired
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("get code: %w", err)
	}
	if stored.IsExpired(s.clock.Now().UTC()) {
		if clearErr := s.store.Clear(ctx, phone.String()); clearErr != nil {
			logger.WarnContext(ctx, "failed to clear expired code", "error", clearErr)
		}
		s.auditVerifyFailure(ctx, phone, phoneHash, clientIP, "code_expired", nil)
		authFailuresTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", "code_expired")))
		return domain.ErrVerificationCodeExpired
	}

	key, err := s.keys.Get(stored.KeyID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("resolve code key %q: %w", stored.KeyID, err)
	}
	code, err := auth.DecryptCode(key.Material, stored.Ciphertext, stored.Nonce)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("decrypt code: %w", err)
	}

	// 6. Constant-time comparison.
	if auth.ConstantTimeEquals(code, candidate) {
		if clearErr := s.store.Clear(ctx, phone.String()); clearErr != nil {
			logger.WarnContext(ctx, "failed to clear verified code", "error", clearErr)
		}
		if resetErr := s.limiter.ResetFailures(ctx, phoneHash); resetErr != nil {
			logger.WarnContext(ctx, "failed to reset failure window", "error", resetErr)
		}
		codesVerifiedTotal.Add(ctx, 1)
		s.audit.Record(ctx, domain.AuditEvent{
			EventType:   domain.EventVerifyCodeSuccess,
			PhoneMasked: phone.Mask(),
			PhoneHash:   phoneHash,
			IPAddress:   clientIP,
			Action:      "verify_code",
			Success:     true,
		})
		logger.InfoContext(ctx, "otp.verified", "phone", phone)
		return nil
	}

	// 7. Wrong code: burn one attempt, feed the failure windows.
	attempts, incErr := s.store.IncrementAttempts(ctx, phone.String())
	if incErr != nil {
		logger.ErrorContext(ctx, "failed to increment attempts", "error", incErr)
		attempts = stored.AttemptCount + 1
	}
	windowFails, recErr := s.limiter.RecordFailure(ctx, phoneHash, clientIP)
	if recErr != nil {
		logger.WarnContext(ctx, "failed to record failure", "error", recErr)
	}

	authFailuresTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", "invalid_code")))

	if attempts >= s.maxAttempts {
		s.lockAccount(ctx, phone, phoneHash, clientIP, "max_attempts")
		s.auditVerifyFailure(ctx, phone, phoneHash, clientIP, "max_attempts", nil)
		return domain.ErrMaxAttemptsExceeded
	}
	if recErr == nil && windowFails >= s.failedThreshold {
		s.lockAccount(ctx, phone, phoneHash, clientIP, "failed_attempts_threshold")
		s.auditVerifyFailure(ctx, phone, phoneHash, clientIP, "failed_attempts_threshold", nil)
		return &domain.LockedError{RetryAfter: s.lockDuration}
	}

	remaining := int(s.maxAttempts - attempts)
	s.auditVerifyFailure(ctx, phone, phoneHash, clientIP, "invalid_code",
		map[string]any{"attempts_remaining": remaining})
	span.SetStatus(codes.Error, "invalid code")
	return &domain.InvalidCodeError{RemainingAttempts: remaining}
}

// Status reports the pending verification for a phone without touching
// counters. Used by clients to drive resend UX.
func (s *OTPService) Status(ctx context.Context, phone domain.PhoneNumber) (*OTPStatus, error) {
	ctx, span := tracer.Start(ctx, "auth.otp_status")
	defer span.End()

	exists, err := s.store.Exists(ctx, phone.String())
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("check code existence: %w", err)
	}
	status := &OTPStatus{Exists: exists, MaxAttempts: s.maxAttempts}
	if !exists {
		return status, nil
	}

	ttl, err := s.store.TTL(ctx, phone.String())
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		span.RecordError(err)
		return nil, fmt.Errorf("read code ttl: %w", err)
	}
	status.TTL = ttl

	meta, err := s.store.Metadata(ctx, phone.String())
	switch {
	case err == nil:
		status.AttemptsUsed = meta.Attempts
		if meta.MaxAttempts > 0 {
			status.MaxAttempts = meta.MaxAttempts
		}
	case errors.Is(err, domain.ErrNotFound):
		// Code without metadata: report attempt budget untouched.
	default:
		span.RecordError(err)
		return nil, fmt.Errorf("read code metadata: %w", err)
	}

	return status, nil
}

func (s *OTPService) lockAccount(ctx context.Context, phone domain.PhoneNumber, phoneHash, clientIP, reason string) {
	if err := s.limiter.Lock(ctx, phoneHash, s.lockDuration); err != nil {
		s.logger.ErrorContext(ctx, "failed to set account lock", "error", err, "phone", phone)
		return
	}
	accountLocksTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
	s.audit.Record(ctx, domain.AuditEvent{
		EventType:     domain.EventAccountLocked,
		PhoneMasked:   phone.Mask(),
		PhoneHash:     phoneHash,
		IPAddress:     clientIP,
		Action:        "verify_code",
		Success:       false,
		FailureReason: reason,
		EventData:     map[string]any{"lock_ttl_seconds": int(s.lockDuration.Seconds())},
	})
	observability.WithTraceID(ctx, s.logger).WarnContext(ctx, "otp.account_locked",
		"phone", phone, "reason", reason)
}

func (s *OTPService) auditVerifyFailure(ctx context.Context, phone domain.PhoneNumber, phoneHash, clientIP, reason string, data map[string]any) {
	s.audit.Record(ctx, domain.AuditEvent{
		EventType:     domain.EventVerifyCodeFailure,
		PhoneMasked:   phone.Mask(),
		PhoneHash:     phoneHash,
		IPAddress:     clientIP,
		Action:        "verify_code",
		Success:       false,
		FailureReason: reason,
		EventData:     data,
	})
}

// progressiveDelay doubles from the base per recorded failure, capped.
// No failures, no delay.
func progressiveDelay(failures int) time.Duration {
	if failures <= 0 {
		return 0
	}
	if failures > 6 {
		return domain.VerifyMaxDelay
	}
	d := domain.VerifyBaseDelay << (failures - 1)
	if d > domain.VerifyMaxDelay {
		return domain.VerifyMaxDelay
	}
	return d
}

func sleepContext(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
