package service

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/noah-isme/vehicle-insurance-auth/internal/models"
	"github.com/noah-isme/vehicle-insurance-auth/internal/repository"
	appErrors "github.com/noah-isme/vehicle-insurance-auth/pkg/errors"
	"github.com/noah-isme/vehicle-insurance-auth/pkg/events"
)

const refreshTokenBytes = 64

type authUserStore interface {
	FindByEmail(ctx context.Context, email string) (*models.User, error)
	FindByUsername(ctx context.Context, username string) (*models.User, error)
	FindByID(ctx context.Context, id int64) (*models.User, error)
	Create(ctx context.Context, user *models.User) error
	GetRoles(ctx context.Context, userID int64) ([]string, error)
	GetPermissions(ctx context.Context, userID int64) ([]string, error)
}

type refreshTokenStore interface {
	Add(ctx context.Context, token *models.RefreshToken) error
	FindValid(ctx context.Context, userID int64, tokenHash string) (*models.RefreshToken, error)
	Rotate(ctx context.Context, old, next *models.RefreshToken) error
	RevokeFamily(ctx context.Context, userID int64, family string) (int64, error)
	ListActive(ctx context.Context, userID int64) ([]models.RefreshToken, error)
}

type auditLogWriter interface {
	CreateAuditLog(ctx context.Context, log *models.AuditLog) error
}

type accessTokenIssuer interface {
	CreateAccessToken(identity models.Identity) (string, time.Time, error)
	ValidateToken(token string) (*models.JWTClaims, error)
}

type verificationSender interface {
	SendVerification(ctx context.Context, req models.SendVerificationRequest) error
}

// AuthConfig defines configuration for authentication flows.
type AuthConfig struct {
	RefreshTokenExpiry   time.Duration
	AutoSendVerification bool
}

// AuthService provides registration, login and refresh token rotation.
type AuthService struct {
	users     authUserStore
	tokens    refreshTokenStore
	audit     auditLogWriter
	hasher    PasswordHasher
	issuer    accessTokenIssuer
	publisher events.Publisher
	metrics   *MetricsService
	verifier  verificationSender
	validator *validator.Validate
	logger    *zap.Logger
	config    AuthConfig
	now       func() time.Time

	dummyOnce sync.Once
	dummyHash string
}

// NewAuthService constructs an AuthService instance.
func NewAuthService(users authUserStore, tokens refreshTokenStore, audit auditLogWriter, hasher PasswordHasher, issuer accessTokenIssuer, validate *validator.Validate, logger *zap.Logger, config AuthConfig) *AuthService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if validate == nil {
		validate = NewValidator()
	}
	if config.RefreshTokenExpiry <= 0 {
		config.RefreshTokenExpiry = 30 * 24 * time.Hour
	}
	return &AuthService{
		users:     users,
		tokens:    tokens,
		audit:     audit,
		hasher:    hasher,
		issuer:    issuer,
		publisher: events.NopPublisher{},
		validator: validate,
		logger:    logger,
		config:    config,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// WithEvents sets the domain event publisher.
func (s *AuthService) WithEvents(publisher events.Publisher) *AuthService {
	if publisher != nil {
		s.publisher = publisher
	}
	return s
}

// WithMetrics sets the metrics recorder.
func (s *AuthService) WithMetrics(metrics *MetricsService) *AuthService {
	s.metrics = metrics
	return s
}

// WithVerification enables sending a verification email after registration
// when AutoSendVerification is set.
func (s *AuthService) WithVerification(verifier verificationSender) *AuthService {
	s.verifier = verifier
	return s
}

// Register creates a CUSTOMER account. It issues no tokens.
func (s *AuthService) Register(ctx context.Context, req models.RegisterRequest) (identity *models.Identity, err error) {
	defer func() { s.metrics.RecordAuthEvent("register", err) }()

	req.Username = strings.TrimSpace(req.Username)
	req.Email = strings.TrimSpace(req.Email)
	if err := s.validator.Struct(req); err != nil {
		return nil, ValidationError(err, "invalid register payload")
	}

	if _, err := s.users.FindByEmail(ctx, req.Email); err == nil {
		return nil, appErrors.ErrEmailExists
	} else if !errors.Is(err, sql.ErrNoRows) {
		return nil, appErrors.Internal(err, "failed to check email")
	}
	if _, err := s.users.FindByUsername(ctx, req.Username); err == nil {
		return nil, appErrors.ErrUsernameExists
	} else if !errors.Is(err, sql.ErrNoRows) {
		return nil, appErrors.Internal(err, "failed to check username")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	hash, err := s.hasher.Hash(req.Password)
	if err != nil {
		return nil, appErrors.Internal(err, "failed to hash password")
	}

	user := &models.User{
		Username:       req.Username,
		Email:          req.Email,
		PasswordHash:   hash,
		Role:           models.RoleCustomer,
		Active:         true,
		EmailConfirmed: false,
	}
	if err := s.users.Create(ctx, user); err != nil {
		switch {
		case errors.Is(err, repository.ErrEmailTaken):
			return nil, appErrors.ErrEmailExists
		case errors.Is(err, repository.ErrUsernameTaken):
			return nil, appErrors.ErrUsernameExists
		}
		return nil, appErrors.Internal(err, "failed to create user")
	}

	created := models.IdentityFromUser(user)
	s.recordAudit(ctx, user.ID, models.AuditActionRegister, "", "", map[string]interface{}{"username": user.Username})
	s.publish(ctx, events.TypeUserRegistered, user.ID, map[string]interface{}{"username": user.Username, "email": user.Email})

	if s.config.AutoSendVerification && s.verifier != nil {
		userID := user.ID
		if err := s.verifier.SendVerification(ctx, models.SendVerificationRequest{UserID: &userID}); err != nil {
			s.logger.Warn("failed to send verification email after register", zap.Int64("user_id", user.ID), zap.Error(err))
		}
	}

	return &created, nil
}

// Login authenticates by email or username and opens a new token family.
func (s *AuthService) Login(ctx context.Context, req models.LoginRequest) (session *models.Session, err error) {
	defer func() { s.metrics.RecordAuthEvent("login", err) }()

	req.Identifier = strings.TrimSpace(req.Identifier)
	if err := s.validator.Struct(req); err != nil {
		return nil, ValidationError(err, "invalid login payload")
	}

	user, err := s.findByIdentifier(ctx, req.Identifier)
	if err != nil {
		return nil, err
	}
	if user == nil {
		// Unknown identifiers pay the same hashing cost as known ones.
		s.verifyAgainstDummy(req.Password)
		return nil, appErrors.ErrInvalidLogin
	}
	// Inactive accounts still pay for the bcrypt compare.
	if passwordOK := s.hasher.Verify(req.Password, user.PasswordHash); !passwordOK || !user.Active {
		return nil, appErrors.ErrInvalidLogin
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	identity, err := s.resolveIdentity(ctx, user)
	if err != nil {
		return nil, err
	}

	refreshToken, err := generateRefreshToken()
	if err != nil {
		return nil, appErrors.Internal(err, "failed to create refresh token")
	}
	now := s.now()
	record := &models.RefreshToken{
		UserID:      user.ID,
		TokenHash:   sha256Hex(refreshToken),
		TokenFamily: uuid.NewString(),
		IssuedAt:    now,
		ExpiresAt:   now.Add(s.config.RefreshTokenExpiry),
		IPAddress:   req.IP,
		UserAgent:   req.UserAgent,
	}
	if err := s.tokens.Add(ctx, record); err != nil {
		return nil, appErrors.Internal(err, "failed to persist refresh token")
	}

	accessToken, accessExpiresAt, err := s.issuer.CreateAccessToken(identity)
	if err != nil {
		return nil, appErrors.Internal(err, "failed to create access token")
	}

	s.recordAudit(ctx, user.ID, models.AuditActionLogin, req.IP, req.UserAgent, map[string]interface{}{"family": record.TokenFamily})
	s.publish(ctx, events.TypeSessionLogin, user.ID, map[string]interface{}{"family": record.TokenFamily, "ip": req.IP})

	return &models.Session{
		Identity:         identity,
		AccessToken:      accessToken,
		AccessExpiresAt:  accessExpiresAt,
		RefreshToken:     refreshToken,
		RefreshHash:      record.TokenHash,
		Family:           record.TokenFamily,
		RefreshExpiresAt: record.ExpiresAt,
	}, nil
}

// Refresh exchanges a valid refresh token for a new pair in the same family.
// The presented token is revoked as part of the exchange.
func (s *AuthService) Refresh(ctx context.Context, req models.RefreshRequest) (session *models.Session, err error) {
	defer func() { s.metrics.RecordAuthEvent("refresh", err) }()

	if req.UserID <= 0 || req.RefreshToken == "" {
		return nil, appErrors.ErrInvalidRefreshToken
	}

	current, err := s.tokens.FindValid(ctx, req.UserID, sha256Hex(req.RefreshToken))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.ErrInvalidRefreshToken
		}
		return nil, appErrors.Internal(err, "failed to fetch refresh token")
	}

	user, err := s.users.FindByID(ctx, req.UserID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.ErrInvalidRefreshToken
		}
		return nil, appErrors.Internal(err, "failed to load user")
	}
	if !user.Active {
		return nil, appErrors.ErrInvalidRefreshToken
	}

	identity, err := s.resolveIdentity(ctx, user)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	refreshToken, err := generateRefreshToken()
	if err != nil {
		return nil, appErrors.Internal(err, "failed to create refresh token")
	}
	now := s.now()
	next := &models.RefreshToken{
		UserID:      user.ID,
		TokenHash:   sha256Hex(refreshToken),
		TokenFamily: current.TokenFamily,
		IssuedAt:    now,
		ExpiresAt:   now.Add(s.config.RefreshTokenExpiry),
		IPAddress:   req.IP,
		UserAgent:   req.UserAgent,
	}
	if err := s.tokens.Rotate(ctx, current, next); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.ErrInvalidRefreshToken
		}
		return nil, appErrors.Internal(err, "failed to rotate refresh token")
	}

	accessToken, accessExpiresAt, err := s.issuer.CreateAccessToken(identity)
	if err != nil {
		return nil, appErrors.Internal(err, "failed to create access token")
	}

	s.recordAudit(ctx, user.ID, models.AuditActionRefresh, req.IP, req.UserAgent, map[string]interface{}{"family": next.TokenFamily})
	s.publish(ctx, events.TypeSessionRefreshed, user.ID, map[string]interface{}{"family": next.TokenFamily})

	return &models.Session{
		Identity:         identity,
		AccessToken:      accessToken,
		AccessExpiresAt:  accessExpiresAt,
		RefreshToken:     refreshToken,
		RefreshHash:      next.TokenHash,
		Family:           next.TokenFamily,
		RefreshExpiresAt: next.ExpiresAt,
	}, nil
}

// RevokeFamily revokes every valid token of the family and returns how many
// were revoked. A blank family is a no-op.
func (s *AuthService) RevokeFamily(ctx context.Context, userID int64, family string) (int64, error) {
	family = strings.TrimSpace(family)
	if family == "" {
		return 0, nil
	}

	count, err := s.tokens.RevokeFamily(ctx, userID, family)
	s.metrics.RecordAuthEvent("logout", err)
	if err != nil {
		return 0, appErrors.Internal(err, "failed to revoke token family")
	}
	s.metrics.RecordRevokedTokens(count)

	s.recordAudit(ctx, userID, models.AuditActionLogout, "", "", map[string]interface{}{"family": family, "revoked": count})
	s.publish(ctx, events.TypeSessionRevoked, userID, map[string]interface{}{"family": family, "revoked": count})
	return count, nil
}

// Sessions lists the caller's active refresh tokens, flagging the current family.
func (s *AuthService) Sessions(ctx context.Context, userID int64, currentFamily string) ([]models.SessionInfo, error) {
	tokens, err := s.tokens.ListActive(ctx, userID)
	if err != nil {
		return nil, appErrors.Internal(err, "failed to list sessions")
	}
	sessions := make([]models.SessionInfo, 0, len(tokens))
	for _, t := range tokens {
		sessions = append(sessions, models.SessionInfo{
			Family:    t.TokenFamily,
			IssuedAt:  t.IssuedAt,
			ExpiresAt: t.ExpiresAt,
			IPAddress: t.IPAddress,
			UserAgent: t.UserAgent,
			Current:   currentFamily != "" && t.TokenFamily == currentFamily,
		})
	}
	return sessions, nil
}

// Me returns the current projection of an authenticated user.
func (s *AuthService) Me(ctx context.Context, userID int64) (*models.Identity, error) {
	user, err := s.users.FindByID(ctx, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "user not found")
		}
		return nil, appErrors.Internal(err, "failed to load user")
	}
	identity, err := s.resolveIdentity(ctx, user)
	if err != nil {
		return nil, err
	}
	return &identity, nil
}

// ValidateToken parses and validates an access token returning the claims.
func (s *AuthService) ValidateToken(token string) (*models.JWTClaims, error) {
	return s.issuer.ValidateToken(token)
}

func (s *AuthService) findByIdentifier(ctx context.Context, identifier string) (*models.User, error) {
	user, err := s.users.FindByEmail(ctx, identifier)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, appErrors.Internal(err, "failed to fetch user")
	}
	user, err = s.users.FindByUsername(ctx, identifier)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, appErrors.Internal(err, "failed to fetch user")
	}
	return nil, nil
}

// verifyAgainstDummy runs one hash comparison whose result is discarded.
func (s *AuthService) verifyAgainstDummy(password string) {
	s.dummyOnce.Do(func() {
		hash, err := s.hasher.Hash("no-such-account-placeholder")
		if err != nil {
			s.logger.Warn("failed to prepare dummy password hash", zap.Error(err))
			return
		}
		s.dummyHash = hash
	})
	_ = s.hasher.Verify(password, s.dummyHash)
}

func (s *AuthService) resolveIdentity(ctx context.Context, user *models.User) (models.Identity, error) {
	identity := models.IdentityFromUser(user)
	roles, err := s.users.GetRoles(ctx, user.ID)
	if err != nil {
		return models.Identity{}, appErrors.Internal(err, "failed to load roles")
	}
	permissions, err := s.users.GetPermissions(ctx, user.ID)
	if err != nil {
		return models.Identity{}, appErrors.Internal(err, "failed to load permissions")
	}
	identity.Roles = roles
	identity.Permissions = permissions
	return identity, nil
}

func (s *AuthService) recordAudit(ctx context.Context, userID int64, action, ip, userAgent string, values map[string]interface{}) {
	if s.audit == nil {
		return
	}
	payload, err := json.Marshal(values)
	if err != nil {
		payload = nil
	}
	resourceID := strconv.FormatInt(userID, 10)
	if err := s.audit.CreateAuditLog(ctx, &models.AuditLog{
		UserID:     &userID,
		Action:     action,
		Resource:   models.AuditResourceAuth,
		ResourceID: &resourceID,
		NewValues:  payload,
		IPAddress:  ip,
		UserAgent:  userAgent,
	}); err != nil {
		s.logger.Warn("failed to record audit log", zap.String("action", action), zap.Int64("user_id", userID), zap.Error(err))
	}
}

func (s *AuthService) publish(ctx context.Context, eventType string, userID int64, data map[string]interface{}) {
	if err := s.publisher.Publish(ctx, events.Event{Type: eventType, UserID: userID, Data: data}); err != nil {
		s.logger.Warn("failed to publish auth event", zap.String("type", eventType), zap.Int64("user_id", userID), zap.Error(err))
	}
}

func generateRefreshToken() (string, error) {
	buf := make([]byte, refreshTokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(buf), nil
}

// sha256Hex returns the lowercase hex SHA-256 digest stored for a refresh token.
// Rows written by the legacy system used uppercase hex and do not match.
func sha256Hex(value string) string {
	sum := sha256.Sum256([]byte(value))
	return hex.EncodeToString(sum[:])
}
