package models

import "time"

// RefreshToken is one issued refresh credential. Only the SHA-256 digest of the
// plaintext is stored.
type RefreshToken struct {
	ID                  int64      `db:"id" json:"id"`
	UserID              int64      `db:"user_id" json:"user_id"`
	TokenHash           string     `db:"token_hash" json:"-"`
	TokenFamily         string     `db:"token_family" json:"token_family"`
	IssuedAt            time.Time  `db:"issued_at" json:"issued_at"`
	ExpiresAt           time.Time  `db:"expires_at" json:"expires_at"`
	Revoked             bool       `db:"revoked" json:"revoked"`
	RevokedAt           *time.Time `db:"revoked_at" json:"revoked_at,omitempty"`
	ReplacedByTokenHash *string    `db:"replaced_by_token_hash" json:"-"`
	IPAddress           string     `db:"ip_address" json:"ip_address"`
	UserAgent           string     `db:"user_agent" json:"user_agent"`
	CreatedAt           time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt           time.Time  `db:"updated_at" json:"updated_at"`
}

// Valid reports whether the token can still be exchanged at now.
func (t *RefreshToken) Valid(now time.Time) bool {
	return t != nil && !t.Revoked && t.ExpiresAt.After(now)
}
