package domain

import "time"

type User struct {
	ID            string
	Username      string
	PreferredName string
	PasswordHash  string // argon2 encoded
	Locale        string // BCP 47 tag, empty falls back to the service default
	RoleID        string // Foreign key to roles table
	MFAEnabled    *time.Time
	MFASecret     *string // TOTP secret (nullable, base32 encoded)
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// HasMFA reports whether the user has completed TOTP enrolment.
func (u *User) HasMFA() bool {
	return u.MFAEnabled != nil && u.MFASecret != nil
}
