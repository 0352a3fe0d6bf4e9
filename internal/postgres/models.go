package postgres

import (
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/aelexs/phone-auth-service/internal/domain"
)

// UserRow is the relational shape of one verified phone identity.
// Identity is UNIQUE(phone_hash, country_code); the phone number
// itself never appears.
type UserRow struct {
	ID          string     `gorm:"primaryKey;column:id;type:uuid"`
	PhoneHash   string     `gorm:"column:phone_hash;type:varchar(64);not null;uniqueIndex:idx_users_identity"`
	CountryCode string     `gorm:"column:country_code;type:varchar(8);not null;uniqueIndex:idx_users_identity"`
	UserType    *string    `gorm:"column:user_type;type:varchar(16)"`
	CreatedAt   time.Time  `gorm:"column:created_at;not null"`
	UpdatedAt   time.Time  `gorm:"column:updated_at;not null"`
	LastLoginAt *time.Time `gorm:"column:last_login_at"`
	IsVerified  bool       `gorm:"column:is_verified;not null"`
	IsBlocked   bool       `gorm:"column:is_blocked;not null"`
}

func (UserRow) TableName() string { return "users" }

// FromUser converts a domain user to its row shape.
func FromUser(u domain.User) UserRow {
	row := UserRow{
		ID:          u.ID.String(),
		PhoneHash:   u.PhoneHash,
		CountryCode: u.CountryCode,
		CreatedAt:   u.CreatedAt,
		UpdatedAt:   u.UpdatedAt,
		LastLoginAt: u.LastLoginAt,
		IsVerified:  u.IsVerified,
		IsBlocked:   u.IsBlocked,
	}
	if u.UserType != "" {
		ut := string(u.UserType)
		row.UserType = &ut
	}
	return row
}

// ToDomain converts a row back to the domain shape.
func (r UserRow) ToDomain() (domain.User, error) {
	id, err := domain.NewUserID(r.ID)
	if err != nil {
		return domain.User{}, fmt.Errorf("user row %q: %w", r.ID, err)
	}
	u := domain.User{
		ID:          id,
		PhoneHash:   r.PhoneHash,
		CountryCode: r.CountryCode,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
		LastLoginAt: r.LastLoginAt,
		IsVerified:  r.IsVerified,
		IsBlocked:   r.IsBlocked,
	}
	if r.UserType != nil {
		u.UserType = domain.UserType(*r.UserType)
	}
	return u, nil
}

// RefreshTokenRow stores one refresh token's metadata. The raw token
// never persists; token_hash is its SHA-256.
type RefreshTokenRow struct {
	ID                string    `gorm:"primaryKey;column:id;type:uuid"`
	UserID            string    `gorm:"column:user_id;type:uuid;not null;index:idx_refresh_tokens_user"`
	TokenHash         string    `gorm:"column:token_hash;type:varchar(64);not null;uniqueIndex"`
	CreatedAt         time.Time `gorm:"column:created_at;not null"`
	ExpiresAt         time.Time `gorm:"column:expires_at;not null;index:idx_refresh_tokens_expiry"`
	IsRevoked         bool      `gorm:"column:is_revoked;not null"`
	TokenFamily       *string   `gorm:"column:token_family;type:uuid;index:idx_refresh_tokens_family"`
	DeviceFingerprint *string   `gorm:"column:device_fingerprint;type:varchar(128)"`
	PreviousTokenID   *string   `gorm:"column:previous_token_id;type:uuid"`
}

func (RefreshTokenRow) TableName() string { return "refresh_tokens" }

// FromRefreshToken converts a domain refresh token to its row shape.
func FromRefreshToken(t domain.RefreshToken) RefreshTokenRow {
	row := RefreshTokenRow{
		ID:        t.ID.String(),
		UserID:    t.UserID.String(),
		TokenHash: t.TokenHash,
		CreatedAt: t.CreatedAt,
		ExpiresAt: t.ExpiresAt,
		IsRevoked: t.IsRevoked,
	}
	if !t.Family.IsZero() {
		f := t.Family.String()
		row.TokenFamily = &f
	}
	if t.DeviceFingerprint != "" {
		fp := t.DeviceFingerprint
		row.DeviceFingerprint = &fp
	}
	if t.PreviousTokenID != "" {
		prev := t.PreviousTokenID
		row.PreviousTokenID = &prev
	}
	return row
}

// ToDomain converts a row back to the domain shape.
func (r RefreshTokenRow) ToDomain() (domain.RefreshToken, error) {
	id, err := domain.NewTokenID(r.ID)
	if err != nil {
		return domain.RefreshToken{}, fmt.Errorf("refresh token row %q: %w", r.ID, err)
	}
	userID, err := domain.NewUserID(r.UserID)
	if err != nil {
		return domain.RefreshToken{}, fmt.Errorf("refresh token row %q user: %w", r.ID, err)
	}
	t := domain.RefreshToken{
		ID:        id,
		UserID:    userID,
		TokenHash: r.TokenHash,
		CreatedAt: r.CreatedAt,
		ExpiresAt: r.ExpiresAt,
		IsRevoked: r.IsRevoked,
	}
	if r.TokenFamily != nil {
		family, err := domain.NewFamilyID(*r.TokenFamily)
		if err != nil {
			return domain.RefreshToken{}, fmt.Errorf("refresh token row %q family: %w", r.ID, err)
		}
		t.Family = family
	}
	if r.DeviceFingerprint != nil {
		t.DeviceFingerprint = *r.DeviceFingerprint
	}
	if r.PreviousTokenID != nil {
		t.PreviousTokenID = *r.PreviousTokenID
	}
	return t, nil
}

// BlacklistRow records a revoked access-token jti until natural expiry.
type BlacklistRow struct {
	JTI       string    `gorm:"primaryKey;column:jti;type:uuid"`
	ExpiresAt time.Time `gorm:"column:expires_at;not null;index:idx_token_blacklist_expiry"`
}

func (BlacklistRow) TableName() string { return "token_blacklist" }

// FromBlacklistEntry converts a domain blacklist entry to its row shape.
func FromBlacklistEntry(e domain.BlacklistEntry) BlacklistRow {
	return BlacklistRow{JTI: e.JTI, ExpiresAt: e.ExpiresAt}
}

// ToDomain converts a row back to the domain shape.
func (r BlacklistRow) ToDomain() domain.BlacklistEntry {
	return domain.BlacklistEntry{JTI: r.JTI, ExpiresAt: r.ExpiresAt}
}

// AuditEventRow is one append-only audit log entry. Only archived and
// archived_at ever change after insert.
type AuditEventRow struct {
	ID            string     `gorm:"primaryKey;column:id;type:uuid"`
	EventType     string     `gorm:"column:event_type;type:varchar(64);not null;index:idx_audit_event_type"`
	UserID        *string    `gorm:"column:user_id;type:uuid"`
	PhoneMasked   *string    `gorm:"column:phone_masked;type:varchar(24)"`
	PhoneHash     *string    `gorm:"column:phone_hash;type:varchar(64);index:idx_audit_phone_hash"`
	IPAddress     string     `gorm:"column:ip_address;type:varchar(64);not null;index:idx_audit_ip"`
	UserAgent     *string    `gorm:"column:user_agent;type:text"`
	DeviceInfo    *string    `gorm:"column:device_info;type:text"`
	Action        string     `gorm:"column:action;type:varchar(64);not null"`
	Success       bool       `gorm:"column:success;not null"`
	ErrorMessage  *string    `gorm:"column:error_message;type:text"`
	FailureReason *string    `gorm:"column:failure_reason;type:varchar(64)"`
	TokenID       *string    `gorm:"column:token_id;type:uuid"`
	RateLimitType *string    `gorm:"column:rate_limit_type;type:varchar(32)"`
	EventData     *string    `gorm:"column:event_data;type:jsonb"`
	CreatedAt     time.Time  `gorm:"column:created_at;not null;index:idx_audit_created_at"`
	Archived      bool       `gorm:"column:archived;not null;index:idx_audit_archived"`
	ArchivedAt    *time.Time `gorm:"column:archived_at"`
}

func (AuditEventRow) TableName() string { return "auth_audit_log" }

// FromAuditEvent converts a domain audit event to its row shape.
// EventData marshals to JSON; a marshalling failure drops the payload
// rather than the event.
func FromAuditEvent(e domain.AuditEvent) AuditEventRow {
	row := AuditEventRow{
		ID:        e.ID.String(),
		EventType: string(e.EventType),
		IPAddress: e.IPAddress,
		Action:    e.Action,
		Success:   e.Success,
		CreatedAt: e.CreatedAt,
		Archived:  e.Archived,
	}
	row.UserID = optional(e.UserID)
	row.PhoneMasked = optional(e.PhoneMasked)
	row.PhoneHash = optional(e.PhoneHash)
	row.UserAgent = optional(e.UserAgent)
	row.DeviceInfo = optional(e.DeviceInfo)
	row.ErrorMessage = optional(e.ErrorMessage)
	row.FailureReason = optional(e.FailureReason)
	row.TokenID = optional(e.TokenID)
	row.RateLimitType = optional(e.RateLimitType)
	row.ArchivedAt = e.ArchivedAt

	if len(e.EventData) > 0 {
		if raw, err := json.Marshal(e.EventData); err == nil {
			s := string(raw)
			row.EventData = &s
		}
	}
	return row
}

// ToDomain converts a row back to the domain shape.
func (r AuditEventRow) ToDomain() (domain.AuditEvent, error) {
	id, err := domain.NewEventID(r.ID)
	if err != nil {
		return domain.AuditEvent{}, fmt.Errorf("audit row %q: %w", r.ID, err)
	}
	e := domain.AuditEvent{
		ID:         id,
		EventType:  domain.EventType(r.EventType),
		IPAddress:  r.IPAddress,
		Action:     r.Action,
		Success:    r.Success,
		CreatedAt:  r.CreatedAt,
		Archived:   r.Archived,
		ArchivedAt: r.ArchivedAt,
	}
	e.UserID = deref(r.UserID)
	e.PhoneMasked = deref(r.PhoneMasked)
	e.PhoneHash = deref(r.PhoneHash)
	e.UserAgent = deref(r.UserAgent)
	e.DeviceInfo = deref(r.DeviceInfo)
	e.ErrorMessage = deref(r.ErrorMessage)
	e.FailureReason = deref(r.FailureReason)
	e.TokenID = deref(r.TokenID)
	e.RateLimitType = deref(r.RateLimitType)

	if r.EventData != nil && *r.EventData != "" {
		var data map[string]any
		if err := json.Unmarshal([]byte(*r.EventData), &data); err != nil {
			return domain.AuditEvent{}, fmt.Errorf("audit row %q event_data: %w", r.ID, err)
		}
		e.EventData = data
	}
	return e, nil
}

// EncryptedOTPRow is the durable fallback tier for verification codes,
// one row per phone.
type EncryptedOTPRow struct {
	Phone        string    `gorm:"primaryKey;column:phone;type:varchar(20)"`
	Ciphertext   string    `gorm:"column:ciphertext;type:text;not null"`
	Nonce        string    `gorm:"column:nonce;type:varchar(32);not null"`
	KeyID        string    `gorm:"column:key_id;type:uuid;not null"`
	CreatedAt    time.Time `gorm:"column:created_at;not null"`
	ExpiresAt    time.Time `gorm:"column:expires_at;not null;index:idx_encrypted_otps_expiry"`
	AttemptCount int64     `gorm:"column:attempt_count;not null"`
}

func (EncryptedOTPRow) TableName() string { return "encrypted_otps" }

// FromEncryptedOTP converts a domain OTP record to its row shape.
func FromEncryptedOTP(o domain.EncryptedOTP) EncryptedOTPRow {
	return EncryptedOTPRow{
		Phone:        o.Phone,
		Ciphertext:   o.Ciphertext,
		Nonce:        o.Nonce,
		KeyID:        o.KeyID,
		CreatedAt:    o.CreatedAt,
		ExpiresAt:    o.ExpiresAt,
		AttemptCount: int64(o.AttemptCount),
	}
}

// ToDomain converts a row back to the domain shape.
func (r EncryptedOTPRow) ToDomain() domain.EncryptedOTP {
	return domain.EncryptedOTP{
		Phone:        r.Phone,
		Ciphertext:   r.Ciphertext,
		Nonce:        r.Nonce,
		KeyID:        r.KeyID,
		CreatedAt:    r.CreatedAt,
		ExpiresAt:    r.ExpiresAt,
		AttemptCount: uint32(r.AttemptCount),
	}
}

// AutoMigrate creates the schema. Local development only; deployed
// environments manage schema out of band.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&UserRow{},
		&RefreshTokenRow{},
		&BlacklistRow{},
		&AuditEventRow{},
		&EncryptedOTPRow{},
	)
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
