// Package domain contains pure business logic and types.
// No external dependencies allowed - this is the innermost ring of Clean Architecture.
package domain

import (
	"fmt"

	"github.com/google/uuid"
)

// UserID is a value object representing a unique user identifier.
// Always valid in memory - use NewUserID to construct.
type UserID struct {
	value string
}

// NewUserID creates a UserID from a raw string, validating it is a valid UUID.
func NewUserID(raw string) (UserID, error) {
	if raw == "" {
		return UserID{}, ErrEmptyID
	}
	if _, err := uuid.Parse(raw); err != nil {
		return UserID{}, fmt.Errorf("invalid user ID %q: %w", raw, ErrInvalidID)
	}
	return UserID{value: raw}, nil
}

// MustUserID creates a UserID, panicking on invalid input. Use only in tests.
func MustUserID(raw string) UserID {
	id, err := NewUserID(raw)
	if err != nil {
		panic(err)
	}
	return id
}

// GenerateUserID creates a new random UserID.
func GenerateUserID() UserID {
	return UserID{value: uuid.NewString()}
}

func (id UserID) String() string { return id.value }
func (id UserID) IsZero() bool   { return id.value == "" }

// TokenID is a value object identifying a stored refresh token record.
type TokenID struct {
	value string
}

// NewTokenID creates a TokenID from a raw string, validating it is a valid UUID.
func NewTokenID(raw string) (TokenID, error) {
	if raw == "" {
		return TokenID{}, ErrEmptyID
	}
	if _, err := uuid.Parse(raw); err != nil {
		return TokenID{}, fmt.Errorf("invalid token ID %q: %w", raw, ErrInvalidID)
	}
	return TokenID{value: raw}, nil
}

// MustTokenID creates a TokenID, panicking on invalid input. Use only in tests.
func MustTokenID(raw string) TokenID {
	id, err := NewTokenID(raw)
	if err != nil {
		panic(err)
	}
	return id
}

// GenerateTokenID creates a new random TokenID.
func GenerateTokenID() TokenID {
	return TokenID{value: uuid.NewString()}
}

func (id TokenID) String() string { return id.value }
func (id TokenID) IsZero() bool   { return id.value == "" }

// FamilyID groups the refresh tokens descended from one login.
// Revocation on reuse detection operates on the whole family (ADR-004).
type FamilyID struct {
	value string
}

// NewFamilyID creates a FamilyID from a raw string, validating it is a valid UUID.
func NewFamilyID(raw string) (FamilyID, error) {
	if raw == "" {
		return FamilyID{}, ErrEmptyID
	}
	if _, err := uuid.Parse(raw); err != nil {
		return FamilyID{}, fmt.Errorf("invalid family ID %q: %w", raw, ErrInvalidID)
	}
	return FamilyID{value: raw}, nil
}

// MustFamilyID creates a FamilyID, panicking on invalid input. Use only in tests.
func MustFamilyID(raw string) FamilyID {
	id, err := NewFamilyID(raw)
	if err != nil {
		panic(err)
	}
	return id
}

// GenerateFamilyID creates a new random FamilyID.
func GenerateFamilyID() FamilyID {
	return FamilyID{value: uuid.NewString()}
}

func (id FamilyID) String() string { return id.value }
func (id FamilyID) IsZero() bool   { return id.value == "" }

// SessionID is a value object identifying one verification session,
// created when a code is sent and consumed when it is verified.
type SessionID struct {
	value string
}

// NewSessionID creates a SessionID from a raw string, validating it is a valid UUID.
func NewSessionID(raw string) (SessionID, error) {
	if raw == "" {
		return SessionID{}, ErrEmptyID
	}
	if _, err := uuid.Parse(raw); err != nil {
		return SessionID{}, fmt.Errorf("invalid session ID %q: %w", raw, ErrInvalidID)
	}
	return SessionID{value: raw}, nil
}

// MustSessionID creates a SessionID, panicking on invalid input. Use only in tests.
func MustSessionID(raw string) SessionID {
	id, err := NewSessionID(raw)
	if err != nil {
		panic(err)
	}
	return id
}

// GenerateSessionID creates a new random SessionID.
func GenerateSessionID() SessionID {
	return SessionID{value: uuid.NewString()}
}

func (id SessionID) String() string { return id.value }
func (id SessionID) IsZero() bool   { return id.value == "" }

// EventID is a value object identifying an audit log event.
type EventID struct {
	value string
}

// NewEventID creates an EventID from a raw string, validating it is a valid UUID.
func NewEventID(raw string) (EventID, error) {
	if raw == "" {
		return EventID{}, ErrEmptyID
	}
	if _, err := uuid.Parse(raw); err != nil {
		return EventID{}, fmt.Errorf("invalid event ID %q: %w", raw, ErrInvalidID)
	}
	return EventID{value: raw}, nil
}

// GenerateEventID creates a new random EventID.
func GenerateEventID() EventID {
	return EventID{value: uuid.NewString()}
}

func (id EventID) String() string { return id.value }
func (id EventID) IsZero() bool   { return id.value == "" }

// DeviceFingerprint is a client-provided opaque device identifier used
// to bind refresh tokens to a device. Unlike other IDs, this is chosen
// by the client and carries no format guarantee beyond length.
type DeviceFingerprint struct {
	value string
}

// NewDeviceFingerprint creates a DeviceFingerprint from a raw string.
// Fingerprints must be non-empty but can be any format the client chooses.
func NewDeviceFingerprint(raw string) (DeviceFingerprint, error) {
	if raw == "" {
		return DeviceFingerprint{}, ErrEmptyID
	}
	if len(raw) > MaxDeviceFingerprintLength {
		return DeviceFingerprint{}, fmt.Errorf("device fingerprint exceeds max length %d: %w", MaxDeviceFingerprintLength, ErrInvalidID)
	}
	return DeviceFingerprint{value: raw}, nil
}

// MustDeviceFingerprint creates a DeviceFingerprint, panicking on invalid input. Use only in tests.
func MustDeviceFingerprint(raw string) DeviceFingerprint {
	fp, err := NewDeviceFingerprint(raw)
	if err != nil {
		panic(err)
	}
	return fp
}

func (fp DeviceFingerprint) String() string { return fp.value }
func (fp DeviceFingerprint) IsZero() bool   { return fp.value == "" }
