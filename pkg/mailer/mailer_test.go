package mailer

import (
	"context"
	"fmt"
	"net/mail"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/noah-isme/vehicle-insurance-auth/pkg/config"
)

func TestNewFallsBackToLogSender(t *testing.T) {
	_, ok := New(config.SMTPConfig{}, zap.NewNop()).(*LogSender)
	assert.True(t, ok)

	_, ok = New(config.SMTPConfig{Host: "smtp.example.com", Port: 587}, zap.NewNop()).(*SMTPSender)
	assert.True(t, ok)
}

func TestLogSenderWritesEntry(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	sender := NewLogSender(zap.New(core))

	require.NoError(t, sender.Send(context.Background(), "a@x.com", "Verify", "<p>hi</p>"))
	entries := logs.All()
	require.Len(t, entries, 1)
	assert.Equal(t, "a@x.com", entries[0].ContextMap()["to"])
}

func TestLogSenderOmitsBody(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	sender := NewLogSender(zap.New(core))

	body := `<a href="https://x/verify?token=tok-abc123">confirm</a>`
	require.NoError(t, sender.Send(context.Background(), "a@x.com", "Verify", body))
	entries := logs.All()
	require.Len(t, entries, 1)
	for key, value := range entries[0].ContextMap() {
		assert.NotContains(t, fmt.Sprint(value), "tok-abc123", "field %q", key)
	}
	assert.EqualValues(t, len(body), entries[0].ContextMap()["body_bytes"])
}

func TestLogSenderHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, NewLogSender(nil).Send(ctx, "a@x.com", "s", "b"), context.Canceled)
}

func TestBuildMessageHasBothParts(t *testing.T) {
	from := &mail.Address{Address: "no-reply@x.com"}
	to := &mail.Address{Address: "a@x.com"}
	msg, err := buildMessage(from, to, "Xác nhận email", `<p>Hello <a href="http://x">link</a></p>`)
	require.NoError(t, err)

	raw := string(msg)
	assert.Contains(t, raw, "multipart/alternative")
	assert.Contains(t, raw, "text/plain; charset=UTF-8")
	assert.Contains(t, raw, "text/html; charset=UTF-8")
	assert.Contains(t, raw, "Hello link")
	assert.True(t, strings.HasPrefix(raw, "From: <no-reply@x.com>\r\n"))
}
