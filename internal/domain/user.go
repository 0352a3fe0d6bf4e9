package domain

import "time"

// UserType is the account classification a user selects once after
// first login. Empty until selected; the selection is write-once.
type UserType string

const (
	UserTypeCustomer UserType = "customer"
	UserTypeWorker   UserType = "worker"
)

// IsValidUserType checks if a user type is recognized.
func IsValidUserType(ut UserType) bool {
	return ut == UserTypeCustomer || ut == UserTypeWorker
}

// User is the registry record for one verified phone identity.
// The phone number itself is never stored; identity is the pair
// (PhoneHash, CountryCode), unique per user.
type User struct {
	ID          UserID
	PhoneHash   string
	CountryCode string
	UserType    UserType // empty until selected
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastLoginAt *time.Time
	IsVerified  bool
	IsBlocked   bool
}

// NewUser builds a verified user for the given identity pair.
// Callers persist it through the user registry.
func NewUser(phoneHash, countryCode string, now time.Time) User {
	return User{
		ID:          GenerateUserID(),
		PhoneHash:   phoneHash,
		CountryCode: countryCode,
		CreatedAt:   now,
		UpdatedAt:   now,
		IsVerified:  true,
	}
}

// HasUserType reports whether the write-once type selection has happened.
func (u User) HasUserType() bool {
	return u.UserType != ""
}
