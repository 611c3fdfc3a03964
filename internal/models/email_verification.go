package models

import "time"

// EmailVerificationToken is a single-use token bound to a user.
type EmailVerificationToken struct {
	ID        int64      `db:"id" json:"id"`
	UserID    int64      `db:"user_id" json:"user_id"`
	Token     string     `db:"token" json:"-"`
	ExpiresAt time.Time  `db:"expires_at" json:"expires_at"`
	UsedAt    *time.Time `db:"used_at" json:"used_at,omitempty"`
	CreatedAt time.Time  `db:"created_at" json:"created_at"`
}

// Usable reports whether the token is unused and unexpired at now.
func (t *EmailVerificationToken) Usable(now time.Time) bool {
	return t != nil && t.UsedAt == nil && t.ExpiresAt.After(now)
}
