package service

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/noah-isme/vehicle-insurance-auth/internal/models"
	appErrors "github.com/noah-isme/vehicle-insurance-auth/pkg/errors"
	"github.com/noah-isme/vehicle-insurance-auth/pkg/events"
	"github.com/noah-isme/vehicle-insurance-auth/pkg/mailer"
)

const (
	verificationTokenBytes = 32
	verificationSubject    = "Confirm your email address"
)

type verificationUserStore interface {
	FindByEmail(ctx context.Context, email string) (*models.User, error)
	FindByUsername(ctx context.Context, username string) (*models.User, error)
	FindByID(ctx context.Context, id int64) (*models.User, error)
}

type verificationTokenStore interface {
	Save(ctx context.Context, token *models.EmailVerificationToken) error
	FindByToken(ctx context.Context, token string) (*models.EmailVerificationToken, error)
	MarkUsed(ctx context.Context, id int64) error
	ConfirmEmail(ctx context.Context, userID, tokenID int64) error
}

type cooldownStore interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (bool, time.Duration, error)
	Release(ctx context.Context, key string) error
}

// EmailVerificationConfig configures verification links and limits.
type EmailVerificationConfig struct {
	BaseURL        string
	TokenTTL       time.Duration
	ResendCooldown time.Duration
}

// EmailVerificationService issues and consumes email verification tokens.
type EmailVerificationService struct {
	users     verificationUserStore
	tokens    verificationTokenStore
	cooldown  cooldownStore
	sender    mailer.Sender
	audit     auditLogWriter
	publisher events.Publisher
	metrics   *MetricsService
	validator *validator.Validate
	logger    *zap.Logger
	config    EmailVerificationConfig
	now       func() time.Time
}

// NewEmailVerificationService constructs the service. cooldown may be nil.
func NewEmailVerificationService(users verificationUserStore, tokens verificationTokenStore, cooldown cooldownStore, sender mailer.Sender, audit auditLogWriter, validate *validator.Validate, logger *zap.Logger, config EmailVerificationConfig) *EmailVerificationService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if validate == nil {
		validate = NewValidator()
	}
	if config.TokenTTL <= 0 {
		config.TokenTTL = 24 * time.Hour
	}
	return &EmailVerificationService{
		users:     users,
		tokens:    tokens,
		cooldown:  cooldown,
		sender:    sender,
		audit:     audit,
		publisher: events.NopPublisher{},
		validator: validate,
		logger:    logger,
		config:    config,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// WithEvents sets the domain event publisher.
func (s *EmailVerificationService) WithEvents(publisher events.Publisher) *EmailVerificationService {
	if publisher != nil {
		s.publisher = publisher
	}
	return s
}

// WithMetrics sets the metrics recorder.
func (s *EmailVerificationService) WithMetrics(metrics *MetricsService) *EmailVerificationService {
	s.metrics = metrics
	return s
}

// SendVerification resolves a user from any of id, email or username, checks
// that all supplied fields agree, stores a fresh token and emails the link.
func (s *EmailVerificationService) SendVerification(ctx context.Context, req models.SendVerificationRequest) (err error) {
	defer func() { s.metrics.RecordAuthEvent("send_verification", err) }()

	req = normaliseSendRequest(req)
	if req.UserID == nil && req.Email == nil && req.Username == nil {
		return appErrors.ErrVerifyCriteriaMissing
	}
	if err := s.validator.Struct(req); err != nil {
		return ValidationError(err, "invalid verification request")
	}

	user, err := s.resolveUser(ctx, req)
	if err != nil {
		return err
	}
	if !identityMatches(user, req) {
		return appErrors.ErrVerifyMismatch
	}
	if user.EmailConfirmed {
		return appErrors.ErrVerifyAlreadyDone
	}

	cooldownKey := strconv.FormatInt(user.ID, 10)
	if s.cooldown != nil {
		ok, remaining, err := s.cooldown.Acquire(ctx, cooldownKey, s.config.ResendCooldown)
		if err != nil {
			s.logger.Warn("verification cooldown unavailable", zap.Int64("user_id", user.ID), zap.Error(err))
		} else if !ok {
			return appErrors.WithRetryAfter(appErrors.ErrVerifyTooSoon, remaining)
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	value, err := generateVerificationToken()
	if err != nil {
		return appErrors.Internal(err, "failed to create verification token")
	}
	record := &models.EmailVerificationToken{
		UserID:    user.ID,
		Token:     value,
		ExpiresAt: s.now().Add(s.config.TokenTTL),
	}
	if err := s.tokens.Save(ctx, record); err != nil {
		s.releaseCooldown(ctx, cooldownKey)
		return appErrors.Internal(err, "failed to persist verification token")
	}

	link := s.verificationLink(value)
	sendErr := s.sender.Send(ctx, user.Email, verificationSubject, verificationBody(user.Username, link, s.config.TokenTTL))
	s.metrics.RecordVerificationEmail(sendErr)
	if sendErr != nil {
		s.releaseCooldown(ctx, cooldownKey)
		return appErrors.Internal(sendErr, "failed to send verification email")
	}

	payload, _ := json.Marshal(map[string]interface{}{"expires_at": record.ExpiresAt})
	s.recordAudit(ctx, user.ID, models.AuditActionVerifySent, payload)
	s.publish(ctx, events.TypeEmailVerificationSent, user.ID)
	return nil
}

// Verify consumes a token and confirms the owner's email. Any token that cannot
// confirm an email yields ErrVerifyTokenInvalid.
func (s *EmailVerificationService) Verify(ctx context.Context, token string) (ok bool, err error) {
	defer func() { s.metrics.RecordAuthEvent("verify_email", err) }()

	token = strings.TrimSpace(token)
	if token == "" {
		return false, appErrors.Clone(appErrors.ErrBadRequest, "token is required")
	}

	record, err := s.tokens.FindByToken(ctx, token)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, appErrors.ErrVerifyTokenInvalid
		}
		return false, appErrors.Internal(err, "failed to fetch verification token")
	}
	if !record.Usable(s.now()) {
		return false, appErrors.ErrVerifyTokenInvalid
	}

	user, err := s.users.FindByID(ctx, record.UserID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, appErrors.ErrVerifyTokenInvalid
		}
		return false, appErrors.Internal(err, "failed to load user")
	}
	if user.EmailConfirmed {
		if err := s.tokens.MarkUsed(ctx, record.ID); err != nil {
			s.logger.Warn("failed to retire verification token", zap.Int64("token_id", record.ID), zap.Error(err))
		}
		return false, appErrors.ErrVerifyTokenInvalid
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}

	if err := s.tokens.ConfirmEmail(ctx, user.ID, record.ID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, appErrors.ErrVerifyTokenInvalid
		}
		return false, appErrors.Internal(err, "failed to confirm email")
	}

	s.recordAudit(ctx, user.ID, models.AuditActionEmailVerified, nil)
	s.publish(ctx, events.TypeEmailVerified, user.ID)
	return true, nil
}

// resolveUser tries id, then email, then username, and returns the first user
// found among the supplied fields.
func (s *EmailVerificationService) resolveUser(ctx context.Context, req models.SendVerificationRequest) (*models.User, error) {
	var lookups []func() (*models.User, error)
	if req.UserID != nil {
		lookups = append(lookups, func() (*models.User, error) { return s.users.FindByID(ctx, *req.UserID) })
	}
	if req.Email != nil {
		lookups = append(lookups, func() (*models.User, error) { return s.users.FindByEmail(ctx, *req.Email) })
	}
	if req.Username != nil {
		lookups = append(lookups, func() (*models.User, error) { return s.users.FindByUsername(ctx, *req.Username) })
	}

	for _, lookup := range lookups {
		user, err := lookup()
		if err == nil {
			return user, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Internal(err, "failed to resolve user")
		}
	}
	return nil, appErrors.ErrVerifyUserNotFound
}

func (s *EmailVerificationService) verificationLink(token string) string {
	sep := "?"
	if strings.Contains(s.config.BaseURL, "?") {
		sep = "&"
	}
	return s.config.BaseURL + sep + "token=" + url.QueryEscape(token)
}

func (s *EmailVerificationService) releaseCooldown(ctx context.Context, key string) {
	if s.cooldown == nil {
		return
	}
	if err := s.cooldown.Release(ctx, key); err != nil {
		s.logger.Warn("failed to release verification cooldown", zap.String("user_id", key), zap.Error(err))
	}
}

func (s *EmailVerificationService) recordAudit(ctx context.Context, userID int64, action string, values []byte) {
	if s.audit == nil {
		return
	}
	resourceID := strconv.FormatInt(userID, 10)
	entry := &models.AuditLog{UserID: &userID, Action: action, Resource: models.AuditResourceEmailVerification, ResourceID: &resourceID, NewValues: values}
	if err := s.audit.CreateAuditLog(ctx, entry); err != nil {
		s.logger.Warn("failed to record audit log", zap.String("action", action), zap.Int64("user_id", userID), zap.Error(err))
	}
}

func (s *EmailVerificationService) publish(ctx context.Context, eventType string, userID int64) {
	if err := s.publisher.Publish(ctx, events.Event{Type: eventType, UserID: userID}); err != nil {
		s.logger.Warn("failed to publish verification event", zap.String("type", eventType), zap.Int64("user_id", userID), zap.Error(err))
	}
}

func normaliseSendRequest(req models.SendVerificationRequest) models.SendVerificationRequest {
	if req.Email != nil {
		email := strings.TrimSpace(*req.Email)
		req.Email = &email
		if email == "" {
			req.Email = nil
		}
	}
	if req.Username != nil {
		username := strings.TrimSpace(*req.Username)
		req.Username = &username
		if username == "" {
			req.Username = nil
		}
	}
	if req.UserID != nil && *req.UserID == 0 {
		req.UserID = nil
	}
	return req
}

func identityMatches(user *models.User, req models.SendVerificationRequest) bool {
	if req.UserID != nil && *req.UserID != user.ID {
		return false
	}
	if req.Email != nil && !strings.EqualFold(*req.Email, user.Email) {
		return false
	}
	if req.Username != nil && *req.Username != user.Username {
		return false
	}
	return true
}

func verificationBody(username, link string, ttl time.Duration) string {
	escapedLink := html.EscapeString(link)
	return fmt.Sprintf(`<p>Hello %s,</p>
<p>Please confirm your email address by opening the link below:</p>
<p><a href="%s">%s</a></p>
<p>The link expires in %d hours. If you did not create an account you can ignore this message.</p>`,
		html.EscapeString(username), escapedLink, escapedLink, int(ttl.Hours()))
}

func generateVerificationToken() (string, error) {
	buf := make([]byte, verificationTokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
