package service

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/vehicle-insurance-auth/internal/models"
	"github.com/noah-isme/vehicle-insurance-auth/pkg/config"
	appErrors "github.com/noah-isme/vehicle-insurance-auth/pkg/errors"
)

func testJWTConfig() config.JWTConfig {
	return config.JWTConfig{
		Secret:     "issuer-test-secret-0123456789abcdef",
		Issuer:     "vehicle-insurance",
		Audience:   "vehicle-insurance-clients",
		Expiration: 15 * time.Minute,
		ClockSkew:  30 * time.Second,
	}
}

func TestCreateAccessTokenClaims(t *testing.T) {
	issuer := NewTokenIssuer(testJWTConfig())
	fixed := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	issuer.now = func() time.Time { return fixed }

	token, expiresAt, err := issuer.CreateAccessToken(models.Identity{UserID: 7, Username: "alice", Email: "alice@x.com", Role: models.RoleCustomer})
	require.NoError(t, err)
	assert.Equal(t, fixed.Add(15*time.Minute), expiresAt)

	claims, err := issuer.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "7", claims.Subject)
	assert.Equal(t, "alice", claims.Username)
	assert.Equal(t, "alice@x.com", claims.Email)
	assert.Equal(t, []string{"CUSTOMER"}, claims.Roles)
	assert.Equal(t, "vehicle-insurance", claims.Issuer)
	assert.Equal(t, jwt.ClaimStrings{"vehicle-insurance-clients"}, claims.Audience)
	assert.Equal(t, fixed, claims.NotBefore.Time.UTC())
	assert.Equal(t, fixed.Add(15*time.Minute), claims.ExpiresAt.Time.UTC())
	assert.True(t, claims.HasRole(models.RoleCustomer))
	assert.False(t, claims.HasRole(models.RoleAdmin))
}

func TestValidateTokenClockSkew(t *testing.T) {
	issuer := NewTokenIssuer(testJWTConfig())
	fixed := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	issuer.now = func() time.Time { return fixed }
	token, _, err := issuer.CreateAccessToken(models.Identity{UserID: 7, Username: "alice"})
	require.NoError(t, err)

	issuer.now = func() time.Time { return fixed.Add(15*time.Minute + 20*time.Second) }
	_, err = issuer.ValidateToken(token)
	assert.NoError(t, err)

	issuer.now = func() time.Time { return fixed.Add(15*time.Minute + 45*time.Second) }
	_, err = issuer.ValidateToken(token)
	assert.ErrorIs(t, err, appErrors.ErrInvalidAccessToken)

	issuer.now = func() time.Time { return fixed.Add(-20 * time.Second) }
	_, err = issuer.ValidateToken(token)
	assert.NoError(t, err)
}

func TestValidateTokenRejectsForeignTokens(t *testing.T) {
	issuer := NewTokenIssuer(testJWTConfig())
	token, _, err := issuer.CreateAccessToken(models.Identity{UserID: 7})
	require.NoError(t, err)

	otherCfg := testJWTConfig()
	otherCfg.Audience = "someone-else"
	_, err = NewTokenIssuer(otherCfg).ValidateToken(token)
	assert.Error(t, err)

	otherCfg = testJWTConfig()
	otherCfg.Secret = "a-different-secret-0123456789abcdef"
	_, err = NewTokenIssuer(otherCfg).ValidateToken(token)
	assert.Error(t, err)

	none, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{Subject: "7"}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, err = issuer.ValidateToken(none)
	assert.Error(t, err)

	_, err = issuer.ValidateToken("")
	assert.ErrorIs(t, err, appErrors.ErrInvalidAccessToken)
}

func TestCreateAccessTokenRequiresSecret(t *testing.T) {
	cfg := testJWTConfig()
	cfg.Secret = ""
	_, _, err := NewTokenIssuer(cfg).CreateAccessToken(models.Identity{UserID: 1})
	assert.Error(t, err)
}
