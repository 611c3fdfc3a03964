package models

import (
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// RegisterRequest holds the fields required to create an account.
type RegisterRequest struct {
	Username string `json:"username" validate:"required,min=3,max=50"`
	Email    string `json:"email" validate:"required,email,max=255"`
	Password string `json:"password" validate:"required,min=8,max=100,letterdigit"`
}

// LoginRequest holds credentials for authenticating a user. Identifier is an
// email or a username.
type LoginRequest struct {
	Identifier string `json:"email_or_username" validate:"required"`
	Password   string `json:"password" validate:"required"`
	IP         string `json:"-"`
	UserAgent  string `json:"-"`
}

// RefreshRequest exchanges a refresh token for a new session pair.
type RefreshRequest struct {
	UserID       int64  `json:"-"`
	RefreshToken string `json:"-"`
	IP           string `json:"-"`
	UserAgent    string `json:"-"`
}

// Session is the result of a login or a refresh. RefreshToken is plaintext and
// is only returned here for transport.
type Session struct {
	Identity         Identity
	AccessToken      string
	AccessExpiresAt  time.Time
	RefreshToken     string
	RefreshHash      string
	Family           string
	RefreshExpiresAt time.Time
}

// SendVerificationRequest identifies the user to send a verification email to.
type SendVerificationRequest struct {
	UserID   *int64  `json:"userId" validate:"omitempty,gt=0"`
	Email    *string `json:"email" validate:"omitempty,email,max=255"`
	Username *string `json:"username" validate:"omitempty,max=50"`
}

// UserInfo describes the authenticated user in responses.
type UserInfo struct {
	UserID      int64    `json:"userId"`
	Username    string   `json:"username"`
	Email       string   `json:"email"`
	Role        UserRole `json:"role"`
	Roles       []string `json:"roles,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
}

// UserInfoFromIdentity converts a projection to its response shape.
func UserInfoFromIdentity(identity Identity) UserInfo {
	return UserInfo{
		UserID:      identity.UserID,
		Username:    identity.Username,
		Email:       identity.Email,
		Role:        identity.Role,
		Roles:       identity.Roles,
		Permissions: identity.Permissions,
	}
}

// SessionInfo describes one active refresh token lineage for the device list.
type SessionInfo struct {
	Family    string    `json:"family"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
	IPAddress string    `json:"ip_address"`
	UserAgent string    `json:"user_agent"`
	Current   bool      `json:"current"`
}

// JWTClaims represents the JWT payload for access tokens.
type JWTClaims struct {
	Username    string   `json:"username"`
	Email       string   `json:"email"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions,omitempty"`
	jwt.RegisteredClaims
}

// HasRole reports whether the claims carry role.
func (c *JWTClaims) HasRole(role UserRole) bool {
	for _, r := range c.Roles {
		if r == string(role) {
			return true
		}
	}
	return false
}

// UserID parses the subject claim.
func (c *JWTClaims) UserID() (int64, error) {
	return strconv.ParseInt(c.Subject, 10, 64)
}
