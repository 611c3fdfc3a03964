package service

import (
	"context"
	"database/sql"
	"encoding/base64"
	"errors"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/noah-isme/vehicle-insurance-auth/internal/models"
	appErrors "github.com/noah-isme/vehicle-insurance-auth/pkg/errors"
	"github.com/noah-isme/vehicle-insurance-auth/pkg/events"
)

type memVerificationStore struct {
	mu      sync.Mutex
	users   *memUserStore
	tokens  []*models.EmailVerificationToken
	saveErr error
}

func (m *memVerificationStore) Save(ctx context.Context, token *models.EmailVerificationToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	token.ID = int64(len(m.tokens) + 1)
	copied := *token
	m.tokens = append(m.tokens, &copied)
	return nil
}

func (m *memVerificationStore) FindByToken(ctx context.Context, token string) (*models.EmailVerificationToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.tokens {
		if t.Token == token {
			copied := *t
			return &copied, nil
		}
	}
	return nil, sql.ErrNoRows
}

func (m *memVerificationStore) MarkUsed(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.tokens {
		if t.ID == id && t.UsedAt == nil {
			now := time.Now().UTC()
			t.UsedAt = &now
		}
	}
	return nil
}

func (m *memVerificationStore) ConfirmEmail(ctx context.Context, userID, tokenID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.tokens {
		if t.ID != tokenID {
			continue
		}
		if t.UsedAt != nil {
			return sql.ErrNoRows
		}
		user, err := m.users.FindByID(ctx, userID)
		if err != nil || user.EmailConfirmed {
			return sql.ErrNoRows
		}
		now := time.Now().UTC()
		t.UsedAt = &now
		m.users.confirm(userID)
		return nil
	}
	return sql.ErrNoRows
}

func (m *memVerificationStore) latest() *models.EmailVerificationToken {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.tokens) == 0 {
		return nil
	}
	return m.tokens[len(m.tokens)-1]
}

type sentMail struct {
	to, subject, body string
}

type memSender struct {
	mu   sync.Mutex
	sent []sentMail
	err  error
}

func (s *memSender) Send(ctx context.Context, to, subject, htmlBody string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, sentMail{to: to, subject: subject, body: htmlBody})
	return nil
}

type memCooldown struct {
	held     map[string]bool
	released []string
}

func (c *memCooldown) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, time.Duration, error) {
	if c.held == nil {
		c.held = map[string]bool{}
	}
	if c.held[key] {
		return false, 42 * time.Second, nil
	}
	c.held[key] = true
	return true, 0, nil
}

func (c *memCooldown) Release(ctx context.Context, key string) error {
	delete(c.held, key)
	c.released = append(c.released, key)
	return nil
}

type verificationFixture struct {
	svc       *EmailVerificationService
	users     *memUserStore
	tokens    *memVerificationStore
	sender    *memSender
	publisher *recordingPublisher
	alice     *models.User
}

func newVerificationFixture(t *testing.T, cooldown cooldownStore) *verificationFixture {
	t.Helper()
	users := newMemUserStore()
	alice := &models.User{Username: "alice", Email: "alice@x.com", Role: models.RoleCustomer, Active: true}
	require.NoError(t, users.Create(context.Background(), alice))

	tokens := &memVerificationStore{users: users}
	sender := &memSender{}
	publisher := &recordingPublisher{}
	svc := NewEmailVerificationService(users, tokens, cooldown, sender, &memAudit{}, nil, zap.NewNop(), EmailVerificationConfig{
		BaseURL:        "https://app.example.com/verify-email",
		TokenTTL:       24 * time.Hour,
		ResendCooldown: time.Minute,
	}).WithEvents(publisher)
	return &verificationFixture{svc: svc, users: users, tokens: tokens, sender: sender, publisher: publisher, alice: alice}
}

func int64Ptr(v int64) *int64    { return &v }
func stringPtr(v string) *string { return &v }

func TestSendVerificationPersistsThenEmails(t *testing.T) {
	f := newVerificationFixture(t, nil)

	err := f.svc.SendVerification(context.Background(), models.SendVerificationRequest{Email: stringPtr("ALICE@x.com")})
	require.NoError(t, err)

	record := f.tokens.latest()
	require.NotNil(t, record)
	assert.Equal(t, f.alice.ID, record.UserID)
	assert.WithinDuration(t, time.Now().Add(24*time.Hour), record.ExpiresAt, time.Minute)
	raw, err := base64.RawURLEncoding.DecodeString(record.Token)
	require.NoError(t, err)
	assert.Len(t, raw, 32)

	require.Len(t, f.sender.sent, 1)
	mail := f.sender.sent[0]
	assert.Equal(t, "alice@x.com", mail.to)
	assert.Contains(t, mail.body, "https://app.example.com/verify-email?token="+url.QueryEscape(record.Token))
	assert.Contains(t, f.publisher.types(), events.TypeEmailVerificationSent)
}

func TestSendVerificationEscapesUsername(t *testing.T) {
	f := newVerificationFixture(t, nil)
	bob := &models.User{Username: "<b>bob</b>", Email: "bob@x.com", Active: true}
	require.NoError(t, f.users.Create(context.Background(), bob))

	require.NoError(t, f.svc.SendVerification(context.Background(), models.SendVerificationRequest{UserID: int64Ptr(bob.ID)}))
	require.Len(t, f.sender.sent, 1)
	assert.Contains(t, f.sender.sent[0].body, "&lt;b&gt;bob&lt;/b&gt;")
	assert.NotContains(t, f.sender.sent[0].body, "<b>bob</b>")
}

func TestSendVerificationCriteria(t *testing.T) {
	f := newVerificationFixture(t, nil)

	err := f.svc.SendVerification(context.Background(), models.SendVerificationRequest{Email: stringPtr("  ")})
	assert.ErrorIs(t, err, appErrors.ErrVerifyCriteriaMissing)
	assert.Equal(t, appErrors.KindBadRequest, appErrors.KindOf(err))

	err = f.svc.SendVerification(context.Background(), models.SendVerificationRequest{Username: stringPtr("nobody")})
	assert.ErrorIs(t, err, appErrors.ErrVerifyUserNotFound)
	assert.Equal(t, appErrors.KindNotFound, appErrors.KindOf(err))
}

func TestSendVerificationMismatchSendsNothing(t *testing.T) {
	f := newVerificationFixture(t, nil)

	err := f.svc.SendVerification(context.Background(), models.SendVerificationRequest{
		UserID: int64Ptr(f.alice.ID),
		Email:  stringPtr("bob@x.com"),
	})
	assert.ErrorIs(t, err, appErrors.ErrVerifyMismatch)

	err = f.svc.SendVerification(context.Background(), models.SendVerificationRequest{
		Email:    stringPtr("alice@x.com"),
		Username: stringPtr("Alice"),
	})
	assert.ErrorIs(t, err, appErrors.ErrVerifyMismatch)

	// Unknown id falls through to the email lookup, which then disagrees on id.
	err = f.svc.SendVerification(context.Background(), models.SendVerificationRequest{
		UserID: int64Ptr(9999),
		Email:  stringPtr("alice@x.com"),
	})
	assert.ErrorIs(t, err, appErrors.ErrVerifyMismatch)

	assert.Nil(t, f.tokens.latest())
	assert.Empty(t, f.sender.sent)
}

func TestSendVerificationAlreadyConfirmed(t *testing.T) {
	f := newVerificationFixture(t, nil)
	f.users.confirm(f.alice.ID)

	err := f.svc.SendVerification(context.Background(), models.SendVerificationRequest{UserID: int64Ptr(f.alice.ID)})
	assert.ErrorIs(t, err, appErrors.ErrVerifyAlreadyDone)
	assert.Equal(t, appErrors.KindConflict, appErrors.KindOf(err))
}

func TestSendVerificationCooldown(t *testing.T) {
	cooldown := &memCooldown{}
	f := newVerificationFixture(t, cooldown)
	req := models.SendVerificationRequest{UserID: int64Ptr(f.alice.ID)}

	require.NoError(t, f.svc.SendVerification(context.Background(), req))
	err := f.svc.SendVerification(context.Background(), req)
	require.Error(t, err)
	assert.ErrorIs(t, err, appErrors.ErrVerifyTooSoon)
	assert.Equal(t, appErrors.KindRateLimited, appErrors.KindOf(err))
	assert.Equal(t, 42*time.Second, appErrors.FromError(err).RetryAfter)
	assert.Len(t, f.sender.sent, 1)
}

func TestSendVerificationSenderFailureReleasesCooldown(t *testing.T) {
	cooldown := &memCooldown{}
	f := newVerificationFixture(t, cooldown)
	f.sender.err = errors.New("smtp timeout")

	err := f.svc.SendVerification(context.Background(), models.SendVerificationRequest{UserID: int64Ptr(f.alice.ID)})
	assert.Equal(t, appErrors.KindInternal, appErrors.KindOf(err))
	assert.NotNil(t, f.tokens.latest())
	assert.Equal(t, []string{"1"}, cooldown.released)
}

func TestVerifyConfirmsOnce(t *testing.T) {
	f := newVerificationFixture(t, nil)
	require.NoError(t, f.svc.SendVerification(context.Background(), models.SendVerificationRequest{UserID: int64Ptr(f.alice.ID)}))
	token := f.tokens.latest().Token

	ok, err := f.svc.Verify(context.Background(), token)
	require.NoError(t, err)
	assert.True(t, ok)

	user, err := f.users.FindByID(context.Background(), f.alice.ID)
	require.NoError(t, err)
	assert.True(t, user.EmailConfirmed)
	assert.NotNil(t, f.tokens.latest().UsedAt)
	assert.Contains(t, f.publisher.types(), events.TypeEmailVerified)

	ok, err = f.svc.Verify(context.Background(), token)
	assert.False(t, ok)
	assert.ErrorIs(t, err, appErrors.ErrVerifyTokenInvalid)
	assert.Equal(t, appErrors.KindGone, appErrors.KindOf(err))
}

func TestVerifyRejectsBadTokens(t *testing.T) {
	f := newVerificationFixture(t, nil)

	_, err := f.svc.Verify(context.Background(), "   ")
	assert.Equal(t, appErrors.KindBadRequest, appErrors.KindOf(err))

	_, err = f.svc.Verify(context.Background(), "unknown")
	assert.ErrorIs(t, err, appErrors.ErrVerifyTokenInvalid)

	expired := &models.EmailVerificationToken{UserID: f.alice.ID, Token: "expired", ExpiresAt: time.Now().Add(-time.Minute)}
	require.NoError(t, f.tokens.Save(context.Background(), expired))
	_, err = f.svc.Verify(context.Background(), "expired")
	assert.ErrorIs(t, err, appErrors.ErrVerifyTokenInvalid)

	dangling := &models.EmailVerificationToken{UserID: 999, Token: "dangling", ExpiresAt: time.Now().Add(time.Hour)}
	require.NoError(t, f.tokens.Save(context.Background(), dangling))
	_, err = f.svc.Verify(context.Background(), "dangling")
	assert.ErrorIs(t, err, appErrors.ErrVerifyTokenInvalid)

	user, err := f.users.FindByID(context.Background(), f.alice.ID)
	require.NoError(t, err)
	assert.False(t, user.EmailConfirmed)
}

func TestVerifyAlreadyConfirmedRetiresToken(t *testing.T) {
	f := newVerificationFixture(t, nil)
	require.NoError(t, f.svc.SendVerification(context.Background(), models.SendVerificationRequest{UserID: int64Ptr(f.alice.ID)}))
	token := f.tokens.latest().Token
	f.users.confirm(f.alice.ID)

	ok, err := f.svc.Verify(context.Background(), token)
	assert.False(t, ok)
	assert.ErrorIs(t, err, appErrors.ErrVerifyTokenInvalid)
	assert.NotNil(t, f.tokens.latest().UsedAt)
}

func TestVerifyConcurrentSingleWinner(t *testing.T) {
	f := newVerificationFixture(t, nil)
	require.NoError(t, f.svc.SendVerification(context.Background(), models.SendVerificationRequest{UserID: int64Ptr(f.alice.ID)}))
	token := f.tokens.latest().Token

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := f.svc.Verify(context.Background(), token)
			if err == nil && ok {
				mu.Lock()
				wins++
				mu.Unlock()
				return
			}
			assert.ErrorIs(t, err, appErrors.ErrVerifyTokenInvalid)
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}

func TestVerificationLinkAppendsToExistingQuery(t *testing.T) {
	svc := &EmailVerificationService{config: EmailVerificationConfig{BaseURL: "https://app.example.com/verify?lang=en"}}
	link := svc.verificationLink("a+b/c")
	assert.True(t, strings.HasSuffix(link, "&token=a%2Bb%2Fc"))
}
