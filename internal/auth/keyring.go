package auth

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aelexs/phone-auth-service/internal/domain"
)

// Key is one symmetric encryption key in the ring.
type Key struct {
	ID        string
	Material  domain.SecretBytes
	CreatedAt time.Time
	ExpiresAt time.Time
}

// KeyringConfig holds the dependencies for a Keyring.
type KeyringConfig struct {
	// RotationInterval is the active key's service life. Zero means
	// domain.KeyRotationInterval.
	RotationInterval time.Duration
	Clock            domain.Clock

	// Seed, when set, becomes the initial active key instead of a
	// freshly generated one. Production wiring seeds from the external
	// secret store so restarts can decrypt codes issued before them.
	Seed *Key
}

// Keyring maintains exactly one active data-encryption key plus retained
// predecessors that can still decrypt (ADR-006 §3). Readers (encrypt,
// decrypt) take shared access; Rotate takes exclusive access.
type Keyring struct {
	mu       sync.RWMutex
	active   Key
	retained map[string]Key
	interval time.Duration
	clock    domain.Clock
}

// NewKeyring creates a Keyring with one active key.
func NewKeyring(cfg KeyringConfig) (*Keyring, error) {
	interval := cfg.RotationInterval
	if interval <= 0 {
		interval = domain.KeyRotationInterval
	}

	k := &Keyring{
		retained: make(map[string]Key),
		interval: interval,
		clock:    cfg.Clock,
	}

	if cfg.Seed != nil {
		if len(cfg.Seed.Material) != domain.EncryptionKeySize {
			return nil, fmt.Errorf("seed key length %d, want %d: %w",
				len(cfg.Seed.Material), domain.EncryptionKeySize, domain.ErrKeyLoadFailed)
		}
		k.active = *cfg.Seed
		return k, nil
	}

	key, err := k.mint()
	if err != nil {
		return nil, err
	}
	k.active = key
	return k, nil
}

// Active returns the current encryption key. Callers must not hold the
// returned material beyond the operation at hand.
func (k *Keyring) Active() Key {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.active
}

// Get returns the key with the given id, whether active or retained.
// Unknown ids mean the record referencing them predates every key this
// process knows, which is unrecoverable.
func (k *Keyring) Get(id string) (Key, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()

	if k.active.ID == id {
		return k.active, nil
	}
	if key, ok := k.retained[id]; ok {
		return key, nil
	}
	return Key{}, fmt.Errorf("key %q not in ring: %w", id, domain.ErrKeyLoadFailed)
}

// ShouldRotate reports whether the active key is past its service life.
func (k *Keyring) ShouldRotate() bool {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return !k.clock.Now().Before(k.active.ExpiresAt)
}

// Rotate mints a new active key and demotes the previous one to
// decrypt-only retention. The swap is atomic with respect to Active/Get.
func (k *Keyring) Rotate() (Key, error) {
	key, err := k.mint()
	if err != nil {
		return Key{}, err
	}

	k.mu.Lock()
	defer k.mu.Unlock()
	k.retained[k.active.ID] = k.active
	k.active = key
	return key, nil
}

func (k *Keyring) mint() (Key, error) {
	material, err := GenerateEncryptionKey()
	if err != nil {
		return Key{}, err
	}
	now := k.clock.Now().UTC()
	return Key{
		ID:        uuid.NewString(),
		Material:  material,
		CreatedAt: now,
		ExpiresAt: now.Add(k.interval),
	}, nil
}
