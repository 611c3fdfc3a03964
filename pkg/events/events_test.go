package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/vehicle-insurance-auth/pkg/config"
)

type stubWriter struct {
	messages []kafka.Message
	err      error
	closed   bool
}

func (w *stubWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.messages = append(w.messages, msgs...)
	return nil
}

func (w *stubWriter) Close() error {
	w.closed = true
	return nil
}

func TestNewDisabledReturnsNop(t *testing.T) {
	_, ok := New(config.EventsConfig{Enabled: false, Brokers: []string{"localhost:9092"}}, nil).(NopPublisher)
	assert.True(t, ok)
	_, ok = New(config.EventsConfig{Enabled: true}, nil).(NopPublisher)
	assert.True(t, ok)
}

func TestKafkaPublisherWritesKeyedJSON(t *testing.T) {
	writer := &stubWriter{}
	pub := NewKafkaPublisher(writer)
	fixed := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	pub.now = func() time.Time { return fixed }

	err := pub.Publish(context.Background(), Event{Type: TypeSessionLogin, UserID: 42, Data: map[string]interface{}{"family": "f1"}})
	require.NoError(t, err)
	require.Len(t, writer.messages, 1)

	msg := writer.messages[0]
	assert.Equal(t, "42", string(msg.Key))
	assert.Equal(t, "event_type", msg.Headers[0].Key)
	assert.Equal(t, TypeSessionLogin, string(msg.Headers[0].Value))

	var decoded Event
	require.NoError(t, json.Unmarshal(msg.Value, &decoded))
	assert.Equal(t, TypeSessionLogin, decoded.Type)
	assert.Equal(t, int64(42), decoded.UserID)
	assert.True(t, fixed.Equal(decoded.OccurredAt))
	assert.Equal(t, "f1", decoded.Data["family"])

	require.NoError(t, pub.Close())
	assert.True(t, writer.closed)
}

func TestKafkaPublisherWrapsWriteError(t *testing.T) {
	writer := &stubWriter{err: errors.New("broker down")}
	err := NewKafkaPublisher(writer).Publish(context.Background(), Event{Type: TypeEmailVerified, UserID: 1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broker down")
}
