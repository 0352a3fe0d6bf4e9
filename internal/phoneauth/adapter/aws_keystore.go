package adapter

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"

	"github.com/aelexs/phone-auth-service/internal/auth"
	"github.com/aelexs/phone-auth-service/internal/domain"
)

// smClient is the narrow consumer-defined interface for the Secrets
// Manager operations the keystore needs.
type smClient interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// ssmClient is the narrow consumer-defined interface for the Parameter
// Store operations the keystore needs.
type ssmClient interface {
	GetParameter(ctx context.Context, params *awsssm.GetParameterInput, optFns ...func(*awsssm.Options)) (*awsssm.GetParameterOutput, error)
	GetParametersByPath(ctx context.Context, params *awsssm.GetParametersByPathInput, optFns ...func(*awsssm.Options)) (*awsssm.GetParametersByPathOutput, error)
}

// Compile-time check: AWSKeyStore satisfies auth.KeyStore.
var _ auth.KeyStore = (*AWSKeyStore)(nil)

const (
	// Parameter and secret layout for RS256 material (ADR-004 §1):
	// the active key id and the public keys live in SSM, the private
	// key in Secrets Manager under its key id.
	ssmActiveKeyIDPath  = "/phone-auth/jwt/current-key-id"
	ssmPublicKeysPrefix = "/phone-auth/jwt/public-keys/"
	smSigningKeyPrefix  = "phone-auth/jwt/signing-key/"

	publicKeyCacheTTL  = 5 * time.Minute
	unknownKidCooldown = 30 * time.Second
)

// AWSKeyStore serves RS256 signing material from AWS: the private key
// from Secrets Manager, verification keys from SSM Parameter Store.
// The signing key loads eagerly at construction so the service cannot
// start unable to mint tokens. Public keys cache for a TTL and refresh
// inline on expiry or on an unknown kid, the latter behind a cooldown
// so a stream of bad tokens cannot hammer SSM.
type AWSKeyStore struct {
	sm    smClient
	ssm   ssmClient
	clock domain.Clock

	mu                sync.RWMutex
	privateKey        *rsa.PrivateKey
	activeKeyID       string
	publicKeys        map[string]*rsa.PublicKey
	publicKeysLoaded  time.Time
	lastUnknownKidTry time.Time
}

// NewAWSKeyStore loads the active key id, the private signing key, and
// every published public key. Any failure aborts construction; there is
// no degraded mode without a signing key.
func NewAWSKeyStore(ctx context.Context, sm smClient, ssmc ssmClient, clock domain.Clock) (*AWSKeyStore, error) {
	out, err := ssmc.GetParameter(ctx, &awsssm.GetParameterInput{
		Name: aws.String(ssmActiveKeyIDPath),
	})
	if err != nil {
		return nil, fmt.Errorf("fetch active key id: %w", err)
	}
	if out.Parameter == nil || out.Parameter.Value == nil {
		return nil, fmt.Errorf("ssm parameter %q has no value", ssmActiveKeyIDPath)
	}
	activeKeyID := *out.Parameter.Value

	secretName := smSigningKeyPrefix + activeKeyID
	secret, err := sm.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(secretName),
	})
	if err != nil {
		return nil, fmt.Errorf("fetch signing key %q: %w", secretName, err)
	}
	if secret.SecretString == nil {
		return nil, fmt.Errorf("signing key %q has no secret string", secretName)
	}
	privateKey, err := parseRSAPrivateKey(*secret.SecretString)
	if err != nil {
		return nil, fmt.Errorf("parse signing key %q: %w", activeKeyID, err)
	}

	publicKeys, err := loadPublicKeys(ctx, ssmc)
	if err != nil {
		return nil, err
	}

	return &AWSKeyStore{
		sm:               sm,
		ssm:              ssmc,
		clock:            clock,
		privateKey:       privateKey,
		activeKeyID:      activeKeyID,
		publicKeys:       publicKeys,
		publicKeysLoaded: clock.Now(),
	}, nil
}

// SigningKey returns the private signing key and its key id.
func (ks *AWSKeyStore) SigningKey() (*rsa.PrivateKey, string, error) {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	if ks.privateKey == nil {
		return nil, "", fmt.Errorf("no signing key loaded")
	}
	return ks.privateKey, ks.activeKeyID, nil
}

// PublicKey returns the verification key for a kid, refreshing the SSM
// cache when it is stale or the kid is new. The KeyStore interface
// carries no context, so refreshes triggered here run on Background.
func (ks *AWSKeyStore) PublicKey(kid string) (*rsa.PublicKey, error) {
	ks.mu.RLock()
	now := ks.clock.Now()
	expired := now.Sub(ks.publicKeysLoaded) > publicKeyCacheTTL
	pk, known := ks.publicKeys[kid]
	cooldown := now.Sub(ks.lastUnknownKidTry) <= unknownKidCooldown
	ks.mu.RUnlock()

	if known && !expired {
		return pk, nil
	}

	if expired {
		if err := ks.refresh(context.Background(), false); err != nil {
			return nil, fmt.Errorf("refresh public keys: %w", err)
		}
		if pk, ok := ks.lookup(kid); ok {
			return pk, nil
		}
	}

	// The kid is absent from a fresh cache. One more refresh covers a
	// rotation published moments ago, rate-limited so garbage kids
	// cannot turn into an SSM flood.
	if cooldown {
		return nil, fmt.Errorf("unknown key id %q", kid)
	}
	if err := ks.refresh(context.Background(), true); err != nil {
		return nil, fmt.Errorf("refresh public keys for kid %q: %w", kid, err)
	}
	if pk, ok := ks.lookup(kid); ok {
		return pk, nil
	}
	return nil, fmt.Errorf("unknown key id %q", kid)
}

func (ks *AWSKeyStore) lookup(kid string) (*rsa.PublicKey, bool) {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	pk, ok := ks.publicKeys[kid]
	return pk, ok
}

func (ks *AWSKeyStore) refresh(ctx context.Context, unknownKid bool) error {
	publicKeys, err := loadPublicKeys(ctx, ks.ssm)
	if err != nil {
		return err
	}

	ks.mu.Lock()
	defer ks.mu.Unlock()
	ks.publicKeys = publicKeys
	ks.publicKeysLoaded = ks.clock.Now()
	if unknownKid {
		ks.lastUnknownKidTry = ks.clock.Now()
	}
	return nil
}

// loadPublicKeys fetches every parameter under the public-key prefix.
// The kid is the parameter name with the prefix trimmed.
func loadPublicKeys(ctx context.Context, client ssmClient) (map[string]*rsa.PublicKey, error) {
	out, err := client.GetParametersByPath(ctx, &awsssm.GetParametersByPathInput{
		Path:      aws.String(ssmPublicKeysPrefix),
		Recursive: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("load public keys %q: %w", ssmPublicKeysPrefix, err)
	}

	keys := make(map[string]*rsa.PublicKey, len(out.Parameters))
	for _, param := range out.Parameters {
		if param.Name == nil || param.Value == nil {
			continue
		}
		kid := strings.TrimPrefix(*param.Name, ssmPublicKeysPrefix)
		pk, err := parseRSAPublicKey(*param.Value)
		if err != nil {
			return nil, fmt.Errorf("parse public key %q: %w", kid, err)
		}
		keys[kid] = pk
	}
	return keys, nil
}

// parseRSAPrivateKey accepts PEM in PKCS#1 or PKCS#8 form.
func parseRSAPrivateKey(pemData string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(pemData))
	if block == nil {
		return nil, fmt.Errorf("no pem block in private key data")
	}

	if block.Type == "RSA PRIVATE KEY" {
		key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parse pkcs1 private key: %w", err)
		}
		return key, nil
	}

	keyIface, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse pkcs8 private key: %w", err)
	}
	rsaKey, ok := keyIface.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("pkcs8 key is %T, want rsa", keyIface)
	}
	return rsaKey, nil
}

// parseRSAPublicKey accepts PEM in PKIX form.
func parseRSAPublicKey(pemData string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemData))
	if block == nil {
		return nil, fmt.Errorf("no pem block in public key data")
	}
	keyIface, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse pkix public key: %w", err)
	}
	rsaKey, ok := keyIface.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("pkix key is %T, want rsa", keyIface)
	}
	return rsaKey, nil
}
