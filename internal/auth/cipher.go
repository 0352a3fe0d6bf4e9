package auth

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"github.com/aelexs/phone-auth-service/internal/domain"
)

// GenerateEncryptionKey returns 32 random bytes for AES-256.
func GenerateEncryptionKey() (domain.SecretBytes, error) {
	key := make([]byte, domain.EncryptionKeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate encryption key: %w", err)
	}
	return key, nil
}

// EncryptCode seals a verification code with AES-256-GCM under the given
// key. A fresh 12-byte nonce is drawn per call; ciphertext (tag included)
// and nonce are returned base64-encoded for storage (ADR-006 §2).
func EncryptCode(key domain.SecretBytes, code string) (ciphertext, nonce string, err error) {
	aead, err := newGCM(key)
	if err != nil {
		return "", "", err
	}

	rawNonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(rawNonce); err != nil {
		return "", "", fmt.Errorf("generate nonce: %w", err)
	}

	sealed := aead.Seal(nil, rawNonce, []byte(code), nil)
	return base64.StdEncoding.EncodeToString(sealed),
		base64.StdEncoding.EncodeToString(rawNonce),
		nil
}

// DecryptCode opens a stored ciphertext produced by EncryptCode. The key
// must be the one referenced by the stored record's key id; rotated keys
// stay retained for exactly this purpose.
func DecryptCode(key domain.SecretBytes, ciphertext, nonce string) (string, error) {
	aead, err := newGCM(key)
	if err != nil {
		return "", err
	}

	sealed, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}
	rawNonce, err := base64.StdEncoding.DecodeString(nonce)
	if err != nil {
		return "", fmt.Errorf("decode nonce: %w", err)
	}
	if len(rawNonce) != aead.NonceSize() {
		return "", fmt.Errorf("nonce length %d, want %d", len(rawNonce), aead.NonceSize())
	}

	plain, err := aead.Open(nil, rawNonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("decrypt code: %w", err)
	}
	return string(plain), nil
}

func newGCM(key domain.SecretBytes) (cipher.AEAD, error) {
	if len(key) != domain.EncryptionKeySize {
		return nil, fmt.Errorf("encryption key length %d, want %d", len(key), domain.EncryptionKeySize)
	}
	block, err := aes.NewCipher(key.Expose())
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("init GCM: %w", err)
	}
	return aead, nil
}
