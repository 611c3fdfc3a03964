package models

import "time"

// UserRole is the primary role stored on the users row.
type UserRole string

const (
	RoleCustomer UserRole = "CUSTOMER"
	RoleEmployee UserRole = "EMPLOYEE"
	RoleAdmin    UserRole = "ADMIN"
)

// User represents an account stored in the users table.
type User struct {
	ID             int64     `db:"id" json:"id"`
	Username       string    `db:"username" json:"username"`
	Email          string    `db:"email" json:"email"`
	PasswordHash   string    `db:"password_hash" json:"-"`
	Role           UserRole  `db:"role" json:"role"`
	Active         bool      `db:"active" json:"active"`
	EmailConfirmed bool      `db:"email_confirmed" json:"email_confirmed"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time `db:"updated_at" json:"updated_at"`
}

// Identity is the per-request projection of a user used to build access tokens.
// It is never persisted.
type Identity struct {
	UserID      int64    `json:"user_id"`
	Username    string   `json:"username"`
	Email       string   `json:"email"`
	Role        UserRole `json:"role"`
	Roles       []string `json:"roles,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
}

// IdentityFromUser builds the base projection without role/permission sets.
func IdentityFromUser(user *User) Identity {
	return Identity{
		UserID:   user.ID,
		Username: user.Username,
		Email:    user.Email,
		Role:     user.Role,
	}
}

// EffectiveRoles returns the multi-role set, or the primary role when none is loaded.
func (i Identity) EffectiveRoles() []string {
	if len(i.Roles) > 0 {
		return i.Roles
	}
	if i.Role == "" {
		return []string{string(RoleCustomer)}
	}
	return []string{string(i.Role)}
}
