package main

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"fmt"
	"log/slog"
	"net/http"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/gin-gonic/gin"

	"github.com/aelexs/phone-auth-service/internal/auth"
	"github.com/aelexs/phone-auth-service/internal/config"
	"github.com/aelexs/phone-auth-service/internal/domain"
	"github.com/aelexs/phone-auth-service/internal/phoneauth/adapter"
	"github.com/aelexs/phone-auth-service/internal/phoneauth/app"
	"github.com/aelexs/phone-auth-service/internal/phoneauth/port"
	"github.com/aelexs/phone-auth-service/internal/postgres"
	"github.com/aelexs/phone-auth-service/internal/redis"
	"github.com/aelexs/phone-auth-service/internal/server"
)

// setup is the authd composition root. It creates infrastructure
// clients, adapters, the application services, and mounts the HTTP
// routes on the lifecycle runner's mux.
func setup(ctx context.Context, deps server.SetupDeps) (server.CleanupFunc, error) {
	cfg := deps.Config
	logger := deps.Logger
	clock := domain.RealClock{}

	// 1. Infrastructure clients.
	redisClient := redis.NewClient(redis.Config{
		Addr:         cfg.Redis.Addr,
		Password:     cfg.Redis.Password.Expose(),
		DB:           cfg.Redis.DB,
		ReadTimeout:  cfg.Redis.Timeout,
		WriteTimeout: cfg.Redis.Timeout,
	})

	pgClient, err := createDatabase(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("authd setup: open database: %w", err)
	}

	// 2. Stores.
	otpStore := adapter.NewOTPStore(adapter.OTPStoreConfig{
		Cache:    adapter.NewRedisOTPStore(redisClient.RDB, clock),
		Fallback: adapter.NewPostgresOTPStore(pgClient, clock),
		Logger:   logger,
	})
	limiter := adapter.NewRateLimiter(adapter.RateLimiterConfig{
		Cmd:   redisClient.RDB,
		Clock: clock,

		SMSLimit:       cfg.RateLimit.SMSLimit,
		SMSWindow:      cfg.RateLimit.SMSWindow,
		IPVerifyLimit:  cfg.RateLimit.IPVerifyLimit,
		IPVerifyWindow: cfg.RateLimit.IPVerifyWindow,
		APILimit:       cfg.RateLimit.APILimit,
		APIWindow:      cfg.RateLimit.APIWindow,
		VerifyAttempts: cfg.RateLimit.VerifyAttempts,
		VerifyWindow:   cfg.RateLimit.VerifyWindow,

		LockDuration:            cfg.RateLimit.LockDuration,
		FailedAttemptsThreshold: cfg.RateLimit.FailedAttemptsThreshold,
		FailedAttemptsWindow:    cfg.RateLimit.FailedAttemptsWindow,
	})
	users := adapter.NewPostgresUserRegistry(pgClient)
	tokens := adapter.NewPostgresTokenStore(pgClient)
	blacklist := adapter.NewPostgresBlacklistStore(pgClient)
	auditStore := adapter.NewPostgresAuditStore(pgClient, clock)

	// 3. Key material and SMS delivery (environment-dependent).
	//
	// The keyring starts unseeded: a restart orphans codes already in
	// flight, bounded by the code expiry (ADR-006 §1).
	keyring, err := auth.NewKeyring(auth.KeyringConfig{Clock: clock})
	if err != nil {
		return nil, fmt.Errorf("authd setup: create keyring: %w", err)
	}

	keyStore, err := createKeyStore(ctx, cfg, clock, logger)
	if err != nil {
		return nil, fmt.Errorf("authd setup: create key store: %w", err)
	}

	smsProvider, err := createSMSProvider(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("authd setup: create sms provider: %w", err)
	}

	// 4. Token minting and validation.
	var hsSecret domain.SecretBytes
	if cfg.SigningAlgorithm() == domain.AlgHS256 {
		hsSecret = domain.SecretBytes(cfg.Token.Secret.Expose())
	}
	minter := auth.NewMinter(auth.MinterConfig{
		Algorithm: cfg.SigningAlgorithm(),
		KeyStore:  keyStore,
		Secret:    hsSecret,
		AccessTTL: cfg.Token.AccessTTL,
		Issuer:    cfg.Token.Issuer,
		Audience:  cfg.Token.Audience,
		Clock:     clock,
	})
	validator := auth.NewValidator(auth.ValidatorConfig{
		Algorithm: cfg.SigningAlgorithm(),
		KeyStore:  keyStore,
		Secret:    hsSecret,
		Issuer:    cfg.Token.Issuer,
		Audience:  cfg.Token.Audience,
		Clock:     clock,
	})

	// 5. Application services.
	auditLogger := app.NewAuditLogger(app.AuditLoggerConfig{
		Store:  auditStore,
		Logger: logger,
		Clock:  clock,
		Async:  cfg.Audit.AsyncWrites,
	})
	detector := app.NewAttackDetector(app.AttackDetectorConfig{
		Source: auditStore,
		Clock:  clock,
		Logger: logger,
		Window: cfg.Detector.Window,
	})
	otpSvc := app.NewOTPService(app.OTPServiceConfig{
		Store:   otpStore,
		Keys:    keyring,
		SMS:     smsProvider,
		Limiter: limiter,
		Audit:   auditLogger,
		Clock:   clock,
		Logger:  logger,

		Expiry:                  cfg.OTP.Expiry,
		MaxAttempts:             uint32(cfg.OTP.MaxAttempts),
		ResendCooldown:          cfg.OTP.ResendCooldown,
		LockDuration:            cfg.RateLimit.LockDuration,
		FailedAttemptsThreshold: cfg.RateLimit.FailedAttemptsThreshold,
	})
	tokenSvc := app.NewTokenService(app.TokenServiceConfig{
		Tokens:     tokens,
		Blacklist:  blacklist,
		Users:      users,
		Minter:     minter,
		Validator:  validator,
		Audit:      auditLogger,
		Clock:      clock,
		Logger:     logger,
		RefreshTTL: cfg.Token.RefreshTTL,
	})
	authSvc := app.NewAuthService(app.AuthServiceConfig{
		OTP:               otpSvc,
		Tokens:            tokenSvc,
		Users:             users,
		Limiter:           limiter,
		Audit:             auditLogger,
		Detector:          detector,
		Clock:             clock,
		Logger:            logger,
		DefaultCountry:    cfg.DefaultCountry,
		AllowRegistration: cfg.Registration.AllowRegistration,
	})

	// 6. Background maintenance.
	janitor := app.NewJanitor(app.JanitorConfig{
		Tokens:              tokenSvc,
		Audit:               auditStore,
		Keys:                keyring,
		Clock:               clock,
		Logger:              logger,
		ArchiveAfter:        cfg.ArchiveAfter(),
		DeleteArchivedAfter: cfg.DeleteArchivedAfter(),
	})
	janitor.Start(ctx)

	// 7. HTTP routes. The engine handles both route trees; the
	// lifecycle runner keeps /healthz for itself.
	if !cfg.IsLocal() {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(port.AccessLog(logger), gin.Recovery())
	port.Routes(engine, port.NewAuthHandler(authSvc), port.NewAdminHandler(authSvc), limiter)
	deps.Mux.Handle("/api/", engine)
	deps.Mux.Handle("/internal/", engine)

	logger.InfoContext(ctx, "authd initialized",
		slog.String("sms_provider", cfg.SMS.Provider),
		slog.String("token_algorithm", string(cfg.SigningAlgorithm())))

	cleanup := func(ctx context.Context) {
		janitor.Stop()
		auditLogger.Close()
		if err := redisClient.Close(); err != nil {
			logger.ErrorContext(ctx, "close redis", slog.String("error", err.Error()))
		}
		if err := pgClient.Close(); err != nil {
			logger.ErrorContext(ctx, "close postgres", slog.String("error", err.Error()))
		}
	}

	return cleanup, nil
}

// createDatabase opens the relational store.
// Local: in-memory SQLite with the schema migrated, no external dependency.
// Otherwise: Postgres over the configured DSN, verified with a ping.
func createDatabase(ctx context.Context, cfg *config.Config) (*postgres.Client, error) {
	if cfg.IsLocal() {
		return postgres.NewSQLiteClient()
	}

	client, err := postgres.NewClient(postgres.Config{
		DSN:     cfg.Postgres.DSN.Expose(),
		Timeout: cfg.Postgres.Timeout,
	})
	if err != nil {
		return nil, err
	}
	if err := client.Ping(ctx); err != nil {
		return nil, err
	}
	return client, nil
}

// createKeyStore returns the signing key store for the environment.
// HS256 needs none. RS256 local: an ephemeral RSA key pair. RS256
// otherwise: AWS Secrets Manager + SSM Parameter Store.
func createKeyStore(ctx context.Context, cfg *config.Config, clock domain.Clock, logger *slog.Logger) (auth.KeyStore, error) {
	if cfg.SigningAlgorithm() == domain.AlgHS256 {
		return nil, nil
	}

	if cfg.IsLocal() {
		key, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			return nil, fmt.Errorf("generate dev RSA key: %w", err)
		}
		logger.Info("using ephemeral RSA key for local development", slog.String("key_id", "dev-key-001"))
		return auth.NewStaticKeyStore(key, "dev-key-001"), nil
	}

	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.AWS.Region),
	}
	if cfg.AWS.Endpoint != "" {
		// LocalStack accepts any static credentials.
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider("test", "test", ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}

	var smOpts []func(*secretsmanager.Options)
	var ssmOpts []func(*ssm.Options)
	if cfg.AWS.Endpoint != "" {
		endpoint := cfg.AWS.Endpoint
		smOpts = append(smOpts, func(o *secretsmanager.Options) { o.BaseEndpoint = &endpoint })
		ssmOpts = append(ssmOpts, func(o *ssm.Options) { o.BaseEndpoint = &endpoint })
	}

	return adapter.NewAWSKeyStore(ctx,
		secretsmanager.NewFromConfig(awsCfg, smOpts...),
		ssm.NewFromConfig(awsCfg, ssmOpts...),
		clock)
}

// createSMSProvider builds the configured SMS vendor chain. Config
// validation has already checked the credentials for the selection.
func createSMSProvider(ctx context.Context, cfg *config.Config, logger *slog.Logger) (auth.SMSProvider, error) {
	switch cfg.SMS.Provider {
	case "twilio":
		return createTwilioProvider(cfg), nil
	case "sns":
		return createSNSProvider(ctx, cfg)
	case "failover":
		secondary, err := createSNSProvider(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return adapter.NewFailoverSMSProvider(createTwilioProvider(cfg), secondary, logger), nil
	default:
		logger.Info("using log-only SMS provider, codes are not delivered")
		return adapter.NewLogSMSProvider(logger), nil
	}
}

func createTwilioProvider(cfg *config.Config) *adapter.TwilioSMSProvider {
	return adapter.NewTwilioSMSProvider(adapter.TwilioSMSConfig{
		AccountSID: cfg.SMS.Twilio.AccountSID,
		AuthToken:  cfg.SMS.Twilio.AuthToken.Expose(),
		From:       cfg.SMS.Twilio.FromNumber,
		BaseURL:    cfg.SMS.Twilio.BaseURL,
		MaxRetries: cfg.SMS.MaxRetries,
		RetryDelay: cfg.SMS.RetryDelay,
		HTTPClient: &http.Client{Timeout: cfg.SMS.RequestTimeout},
	})
}

func createSNSProvider(ctx context.Context, cfg *config.Config) (*adapter.SNSSMSProvider, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.SMS.SNS.Region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.SMS.SNS.AccessKey, cfg.SMS.SNS.SecretKey.Expose(), "")),
	)
	if err != nil {
		return nil, fmt.Errorf("load AWS config for SNS: %w", err)
	}

	var snsOpts []func(*sns.Options)
	if cfg.AWS.Endpoint != "" {
		endpoint := cfg.AWS.Endpoint
		snsOpts = append(snsOpts, func(o *sns.Options) { o.BaseEndpoint = &endpoint })
	}

	return adapter.NewSNSSMSProvider(sns.NewFromConfig(awsCfg, snsOpts...),
		cfg.SMS.SNS.SenderID, cfg.SMS.SNS.SMSType), nil
}
