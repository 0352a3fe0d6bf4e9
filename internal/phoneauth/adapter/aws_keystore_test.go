package adapter

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"
	ssmtypes "github.com/aws/aws-sdk-go-v2/service/ssm/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aelexs/phone-auth-service/internal/domain/domaintest"
)

var keystoreEpoch = time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)

// --- Stubs ---

// stubSMClient implements smClient for testing.
type stubSMClient struct {
	getSecretValueFn func(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

func (s *stubSMClient) GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error) {
	return s.getSecretValueFn(ctx, params, optFns...)
}

// stubSSMClient implements ssmClient for testing.
type stubSSMClient struct {
	getParameterFn        func(ctx context.Context, params *awsssm.GetParameterInput, optFns ...func(*awsssm.Options)) (*awsssm.GetParameterOutput, error)
	getParametersByPathFn func(ctx context.Context, params *awsssm.GetParametersByPathInput, optFns ...func(*awsssm.Options)) (*awsssm.GetParametersByPathOutput, error)

	// getParametersByPathCallCount tracks how many times GetParametersByPath was called.
	getParametersByPathCallCount int
}

func (s *stubSSMClient) GetParameter(ctx context.Context, params *awsssm.GetParameterInput, optFns ...func(*awsssm.Options)) (*awsssm.GetParameterOutput, error) {
	return s.getParameterFn(ctx, params, optFns...)
}

func (s *stubSSMClient) GetParametersByPath(ctx context.Context, params *awsssm.GetParametersByPathInput, optFns ...func(*awsssm.Options)) (*awsssm.GetParametersByPathOutput, error) {
	s.getParametersByPathCallCount++
	return s.getParametersByPathFn(ctx, params, optFns...)
}

// --- Test Helpers ---

// testKeyPair generates an RSA key pair and returns PEM-encoded strings.
func testKeyPair(t *testing.T) (*rsa.PrivateKey, string, string) {
	t.Helper()

	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	privPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(privateKey),
	})

	pubBytes, err := x509.MarshalPKIXPublicKey(&privateKey.PublicKey)
	require.NoError(t, err)
	pubPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "PUBLIC KEY",
		Bytes: pubBytes,
	})

	return privateKey, string(privPEM), string(pubPEM)
}

// newValidStubs creates SM and SSM stubs that return valid key data.
func newValidStubs(t *testing.T, keyID, privPEM, pubPEM string) (*stubSMClient, *stubSSMClient) {
	t.Helper()

	sm := &stubSMClient{
		getSecretValueFn: func(_ context.Context, params *secretsmanager.GetSecretValueInput, _ ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error) {
			expectedSecret := smSigningKeyPrefix + keyID
			if aws.ToString(params.SecretId) != expectedSecret {
				return nil, fmt.Errorf("unexpected secret ID: %s", aws.ToString(params.SecretId))
			}
			return &secretsmanager.GetSecretValueOutput{
				SecretString: aws.String(privPEM),
			}, nil
		},
	}

	ssm := &stubSSMClient{
		getParameterFn: func(_ context.Context, params *awsssm.GetParameterInput, _ ...func(*awsssm.Options)) (*awsssm.GetParameterOutput, error) {
			if aws.ToString(params.Name) != ssmActiveKeyIDPath {
				return nil, fmt.Errorf("unexpected parameter name: %s", aws.ToString(params.Name))
			}
			return &awsssm.GetParameterOutput{
				Parameter: &ssmtypes.Parameter{
					Name:  aws.String(ssmActiveKeyIDPath),
					Value: aws.String(keyID),
				},
			}, nil
		},
		getParametersByPathFn: func(_ context.Context, _ *awsssm.GetParametersByPathInput, _ ...func(*awsssm.Options)) (*awsssm.GetParametersByPathOutput, error) {
			return &awsssm.GetParametersByPathOutput{
				Parameters: []ssmtypes.Parameter{
					{
						Name:  aws.String(ssmPublicKeysPrefix + keyID),
						Value: aws.String(pubPEM),
					},
				},
			}, nil
		},
	}

	return sm, ssm
}

// --- Tests ---

func TestNewAWSKeyStore(t *testing.T) {
	t.Run("success with valid keys", func(t *testing.T) {
		expectedKey, privPEM, pubPEM := testKeyPair(t)
		keyID := "test-key-001"
		sm, ssmStub := newValidStubs(t, keyID, privPEM, pubPEM)
		clock := domaintest.NewFakeClock(keystoreEpoch)

		ks, err := NewAWSKeyStore(context.Background(), sm, ssmStub, clock)

		require.NoError(t, err)
		require.NotNil(t, ks)
		assert.Equal(t, keyID, ks.activeKeyID)
		assert.True(t, expectedKey.Equal(ks.privateKey))
		assert.Len(t, ks.publicKeys, 1)
		assert.Contains(t, ks.publicKeys, keyID)
	})

	t.Run("multiple public keys", func(t *testing.T) {
		_, privPEM, pubPEM1 := testKeyPair(t)
		_, _, pubPEM2 := testKeyPair(t)
		keyID := "key-current"
		sm, ssmStub := newValidStubs(t, keyID, privPEM, pubPEM1)

		ssmStub.getParametersByPathFn = func(_ context.Context, _ *awsssm.GetParametersByPathInput, _ ...func(*awsssm.Options)) (*awsssm.GetParametersByPathOutput, error) {
			return &awsssm.GetParametersByPathOutput{
				Parameters: []ssmtypes.Parameter{
					{
						Name:  aws.String(ssmPublicKeysPrefix + "key-current"),
						Value: aws.String(pubPEM1),
					},
					{
						Name:  aws.String(ssmPublicKeysPrefix + "key-old"),
						Value: aws.String(pubPEM2),
					},
				},
			}, nil
		}

		ks, err := NewAWSKeyStore(context.Background(), sm, ssmStub, domaintest.NewFakeClock(keystoreEpoch))

		require.NoError(t, err)
		assert.Len(t, ks.publicKeys, 2)
		assert.Contains(t, ks.publicKeys, "key-current")
		assert.Contains(t, ks.publicKeys, "key-old")
	})

	t.Run("accepts a pkcs8 signing key", func(t *testing.T) {
		expectedKey, _, pubPEM := testKeyPair(t)
		keyBytes, err := x509.MarshalPKCS8PrivateKey(expectedKey)
		require.NoError(t, err)
		privPEM := string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyBytes}))
		sm, ssmStub := newValidStubs(t, "key-pkcs8", privPEM, pubPEM)

		ks, err := NewAWSKeyStore(context.Background(), sm, ssmStub, domaintest.NewFakeClock(keystoreEpoch))

		require.NoError(t, err)
		assert.True(t, expectedKey.Equal(ks.privateKey))
	})
}

func TestNewAWSKeyStoreErrors(t *testing.T) {
	_, validPrivPEM, _ := testKeyPair(t)

	validGetParameter := func(_ context.Context, _ *awsssm.GetParameterInput, _ ...func(*awsssm.Options)) (*awsssm.GetParameterOutput, error) {
		return &awsssm.GetParameterOutput{
			Parameter: &ssmtypes.Parameter{
				Name:  aws.String(ssmActiveKeyIDPath),
				Value: aws.String("key-1"),
			},
		}, nil
	}
	validGetSecret := func(_ context.Context, _ *secretsmanager.GetSecretValueInput, _ ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error) {
		return &secretsmanager.GetSecretValueOutput{SecretString: aws.String(validPrivPEM)}, nil
	}
	emptyByPath := func(_ context.Context, _ *awsssm.GetParametersByPathInput, _ ...func(*awsssm.Options)) (*awsssm.GetParametersByPathOutput, error) {
		return &awsssm.GetParametersByPathOutput{}, nil
	}

	tests := []struct {
		name     string
		smSetup  func() *stubSMClient
		ssmSetup func() *stubSSMClient
		wantErr  string
	}{
		{
			name:    "SSM GetParameter fails",
			smSetup: func() *stubSMClient { return &stubSMClient{getSecretValueFn: validGetSecret} },
			ssmSetup: func() *stubSSMClient {
				return &stubSSMClient{
					getParameterFn: func(_ context.Context, _ *awsssm.GetParameterInput, _ ...func(*awsssm.Options)) (*awsssm.GetParameterOutput, error) {
						return nil, fmt.Errorf("ssm unavailable")
					},
					getParametersByPathFn: emptyByPath,
				}
			},
			wantErr: "fetch active key id",
		},
		{
			name:    "SSM parameter has nil value",
			smSetup: func() *stubSMClient { return &stubSMClient{getSecretValueFn: validGetSecret} },
			ssmSetup: func() *stubSSMClient {
				return &stubSSMClient{
					getParameterFn: func(_ context.Context, _ *awsssm.GetParameterInput, _ ...func(*awsssm.Options)) (*awsssm.GetParameterOutput, error) {
						return &awsssm.GetParameterOutput{
							Parameter: &ssmtypes.Parameter{Name: aws.String(ssmActiveKeyIDPath)},
						}, nil
					},
					getParametersByPathFn: emptyByPath,
				}
			},
			wantErr: "has no value",
		},
		{
			name: "Secrets Manager unavailable",
			smSetup: func() *stubSMClient {
				return &stubSMClient{
					getSecretValueFn: func(_ context.Context, _ *secretsmanager.GetSecretValueInput, _ ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error) {
						return nil, fmt.Errorf("secrets manager unavailable")
					},
				}
			},
			ssmSetup: func() *stubSSMClient {
				return &stubSSMClient{getParameterFn: validGetParameter, getParametersByPathFn: emptyByPath}
			},
			wantErr: "fetch signing key",
		},
		{
			name: "Secrets Manager returns nil SecretString",
			smSetup: func() *stubSMClient {
				return &stubSMClient{
					getSecretValueFn: func(_ context.Context, _ *secretsmanager.GetSecretValueInput, _ ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error) {
						return &secretsmanager.GetSecretValueOutput{}, nil
					},
				}
			},
			ssmSetup: func() *stubSSMClient {
				return &stubSSMClient{getParameterFn: validGetParameter, getParametersByPathFn: emptyByPath}
			},
			wantErr: "has no secret string",
		},
		{
			name: "invalid private key PEM",
			smSetup: func() *stubSMClient {
				return &stubSMClient{
					getSecretValueFn: func(_ context.Context, _ *secretsmanager.GetSecretValueInput, _ ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error) {
						return &secretsmanager.GetSecretValueOutput{SecretString: aws.String("not-a-pem")}, nil
					},
				}
			},
			ssmSetup: func() *stubSSMClient {
				return &stubSSMClient{getParameterFn: validGetParameter, getParametersByPathFn: emptyByPath}
			},
			wantErr: "parse signing key",
		},
		{
			name:    "SSM GetParametersByPath fails",
			smSetup: func() *stubSMClient { return &stubSMClient{getSecretValueFn: validGetSecret} },
			ssmSetup: func() *stubSSMClient {
				return &stubSSMClient{
					getParameterFn: validGetParameter,
					getParametersByPathFn: func(_ context.Context, _ *awsssm.GetParametersByPathInput, _ ...func(*awsssm.Options)) (*awsssm.GetParametersByPathOutput, error) {
						return nil, fmt.Errorf("ssm path unavailable")
					},
				}
			},
			wantErr: "load public keys",
		},
		{
			name:    "invalid public key PEM in SSM",
			smSetup: func() *stubSMClient { return &stubSMClient{getSecretValueFn: validGetSecret} },
			ssmSetup: func() *stubSSMClient {
				return &stubSSMClient{
					getParameterFn: validGetParameter,
					getParametersByPathFn: func(_ context.Context, _ *awsssm.GetParametersByPathInput, _ ...func(*awsssm.Options)) (*awsssm.GetParametersByPathOutput, error) {
						return &awsssm.GetParametersByPathOutput{
							Parameters: []ssmtypes.Parameter{
								{
									Name:  aws.String(ssmPublicKeysPrefix + "bad-key"),
									Value: aws.String("not-a-pem"),
								},
							},
						}, nil
					},
				}
			},
			wantErr: "parse public key",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ks, err := NewAWSKeyStore(context.Background(), tt.smSetup(), tt.ssmSetup(), domaintest.NewFakeClock(keystoreEpoch))

			require.Error(t, err)
			assert.Nil(t, ks)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestAWSKeyStoreSigningKey(t *testing.T) {
	t.Run("returns the cached private key and key id", func(t *testing.T) {
		expectedKey, privPEM, pubPEM := testKeyPair(t)
		keyID := "signing-key-001"
		sm, ssmStub := newValidStubs(t, keyID, privPEM, pubPEM)
		ks, err := NewAWSKeyStore(context.Background(), sm, ssmStub, domaintest.NewFakeClock(keystoreEpoch))
		require.NoError(t, err)

		pk, kid, err := ks.SigningKey()

		require.NoError(t, err)
		assert.Equal(t, keyID, kid)
		assert.True(t, expectedKey.Equal(pk))
	})
}

func TestAWSKeyStorePublicKey(t *testing.T) {
	t.Run("found in cache returns without SSM calls", func(t *testing.T) {
		expectedKey, privPEM, pubPEM := testKeyPair(t)
		keyID := "pub-key-001"
		sm, ssmStub := newValidStubs(t, keyID, privPEM, pubPEM)
		ks, err := NewAWSKeyStore(context.Background(), sm, ssmStub, domaintest.NewFakeClock(keystoreEpoch))
		require.NoError(t, err)
		initialCallCount := ssmStub.getParametersByPathCallCount

		pk, err := ks.PublicKey(keyID)

		require.NoError(t, err)
		assert.True(t, expectedKey.PublicKey.Equal(pk))
		assert.Equal(t, initialCallCount, ssmStub.getParametersByPathCallCount)
	})

	t.Run("an expired cache refreshes inline", func(t *testing.T) {
		expectedKey, privPEM, pubPEM := testKeyPair(t)
		keyID := "pub-key-001"
		sm, ssmStub := newValidStubs(t, keyID, privPEM, pubPEM)
		clock := domaintest.NewFakeClock(keystoreEpoch)
		ks, err := NewAWSKeyStore(context.Background(), sm, ssmStub, clock)
		require.NoError(t, err)
		initialCallCount := ssmStub.getParametersByPathCallCount

		clock.Advance(publicKeyCacheTTL + time.Second)

		pk, err := ks.PublicKey(keyID)

		require.NoError(t, err)
		assert.True(t, expectedKey.PublicKey.Equal(pk))
		assert.Equal(t, initialCallCount+1, ssmStub.getParametersByPathCallCount)
	})

	t.Run("an unknown kid triggers one refresh and finds a fresh rotation", func(t *testing.T) {
		_, privPEM, pubPEM := testKeyPair(t)
		rotatedKey, _, rotatedPubPEM := testKeyPair(t)
		keyID := "key-original"
		rotatedKeyID := "key-rotated"
		sm, ssmStub := newValidStubs(t, keyID, privPEM, pubPEM)
		ks, err := NewAWSKeyStore(context.Background(), sm, ssmStub, domaintest.NewFakeClock(keystoreEpoch))
		require.NoError(t, err)

		ssmStub.getParametersByPathFn = func(_ context.Context, _ *awsssm.GetParametersByPathInput, _ ...func(*awsssm.Options)) (*awsssm.GetParametersByPathOutput, error) {
			return &awsssm.GetParametersByPathOutput{
				Parameters: []ssmtypes.Parameter{
					{
						Name:  aws.String(ssmPublicKeysPrefix + keyID),
						Value: aws.String(pubPEM),
					},
					{
						Name:  aws.String(ssmPublicKeysPrefix + rotatedKeyID),
						Value: aws.String(rotatedPubPEM),
					},
				},
			}, nil
		}

		pk, err := ks.PublicKey(rotatedKeyID)

		require.NoError(t, err)
		assert.True(t, rotatedKey.PublicKey.Equal(pk))
	})

	t.Run("garbage kids cannot hammer SSM", func(t *testing.T) {
		_, privPEM, pubPEM := testKeyPair(t)
		keyID := "key-001"
		sm, ssmStub := newValidStubs(t, keyID, privPEM, pubPEM)
		clock := domaintest.NewFakeClock(keystoreEpoch)
		ks, err := NewAWSKeyStore(context.Background(), sm, ssmStub, clock)
		require.NoError(t, err)

		// The first unknown kid buys one refresh and starts the cooldown.
		_, err = ks.PublicKey("ghost-1")
		require.ErrorContains(t, err, "unknown key id")
		callsAfterFirst := ssmStub.getParametersByPathCallCount

		clock.Advance(10 * time.Second)
		_, err = ks.PublicKey("ghost-2")
		require.ErrorContains(t, err, "unknown key id")
		assert.Equal(t, callsAfterFirst, ssmStub.getParametersByPathCallCount,
			"inside the cooldown no SSM call happens")

		clock.Advance(unknownKidCooldown)
		_, err = ks.PublicKey("ghost-3")
		require.ErrorContains(t, err, "unknown key id")
		assert.Equal(t, callsAfterFirst+1, ssmStub.getParametersByPathCallCount,
			"past the cooldown one more refresh is allowed")
	})
}
