package service

import (
	"errors"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/noah-isme/vehicle-insurance-auth/internal/models"
	"github.com/noah-isme/vehicle-insurance-auth/pkg/config"
	appErrors "github.com/noah-isme/vehicle-insurance-auth/pkg/errors"
)

// TokenIssuer signs and validates HS256 access tokens.
type TokenIssuer struct {
	secret   []byte
	issuer   string
	audience string
	ttl      time.Duration
	leeway   time.Duration
	now      func() time.Time
}

// NewTokenIssuer constructs a TokenIssuer from JWT configuration.
func NewTokenIssuer(cfg config.JWTConfig) *TokenIssuer {
	ttl := cfg.Expiration
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &TokenIssuer{
		secret:   []byte(cfg.Secret),
		issuer:   cfg.Issuer,
		audience: cfg.Audience,
		ttl:      ttl,
		leeway:   cfg.ClockSkew,
		now:      time.Now,
	}
}

// CreateAccessToken signs a token for identity and returns it with its expiry.
func (t *TokenIssuer) CreateAccessToken(identity models.Identity) (string, time.Time, error) {
	if len(t.secret) == 0 {
		return "", time.Time{}, errors.New("jwt secret is not configured")
	}
	issuedAt := t.now().UTC().Truncate(time.Second)
	expiresAt := issuedAt.Add(t.ttl)

	claims := &models.JWTClaims{
		Username:    identity.Username,
		Email:       identity.Email,
		Roles:       identity.EffectiveRoles(),
		Permissions: identity.Permissions,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    t.issuer,
			Subject:   strconv.FormatInt(identity.UserID, 10),
			Audience:  jwt.ClaimStrings{t.audience},
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			NotBefore: jwt.NewNumericDate(issuedAt),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}

// ValidateToken parses and validates an access token returning the claims.
func (t *TokenIssuer) ValidateToken(tokenString string) (*models.JWTClaims, error) {
	if tokenString == "" {
		return nil, appErrors.ErrInvalidAccessToken
	}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(t.issuer),
		jwt.WithAudience(t.audience),
		jwt.WithLeeway(t.leeway),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(t.now),
	)

	claims := &models.JWTClaims{}
	token, err := parser.ParseWithClaims(tokenString, claims, func(*jwt.Token) (interface{}, error) {
		return t.secret, nil
	})
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.KindUnauthorized, appErrors.ErrInvalidAccessToken.Code, appErrors.ErrInvalidAccessToken.Message)
	}
	if !token.Valid {
		return nil, appErrors.ErrInvalidAccessToken
	}
	if _, err := claims.UserID(); err != nil {
		return nil, appErrors.Wrap(err, appErrors.KindUnauthorized, appErrors.ErrInvalidAccessToken.Code, "invalid token subject")
	}
	return claims, nil
}
