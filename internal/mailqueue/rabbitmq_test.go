package mailqueue

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/require"
)

type fakeChannel struct {
	declared   []string
	durable    bool
	published  []amqp.Publishing
	keys       []string
	publishErr error
}

func (f *fakeChannel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	f.declared = append(f.declared, name)
	f.durable = durable
	return amqp.Queue{Name: name}, nil
}

func (f *fakeChannel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	if f.publishErr != nil {
		return f.publishErr
	}
	f.keys = append(f.keys, key)
	f.published = append(f.published, msg)
	return nil
}

func (f *fakeChannel) Close() error { return nil }

func TestSendMagicLink(t *testing.T) {
	ch := &fakeChannel{}
	m, err := NewWithChannel(ch, "")
	require.NoError(t, err)
	require.Equal(t, []string{DefaultQueue}, ch.declared)
	require.True(t, ch.durable)

	err = m.SendMagicLink(context.Background(), "a@example.com", "https://app.test/login?token=abc", 24*time.Hour)
	require.NoError(t, err)
	require.Len(t, ch.published, 1)
	require.Equal(t, DefaultQueue, ch.keys[0])

	msg := ch.published[0]
	require.Equal(t, amqp.Persistent, msg.DeliveryMode)
	require.Equal(t, "application/json", msg.ContentType)

	var job Job
	require.NoError(t, json.Unmarshal(msg.Body, &job))
	require.Equal(t, Job{Kind: "magic_link", To: "a@example.com", Link: "https://app.test/login?token=abc", TTLMinutes: 1440}, job)
}

func TestSendMagicLinkPublishError(t *testing.T) {
	boom := errors.New("channel closed")
	m, err := NewWithChannel(&fakeChannel{publishErr: boom}, "mail")
	require.NoError(t, err)
	err = m.SendMagicLink(context.Background(), "a@example.com", "x", time.Hour)
	require.ErrorIs(t, err, boom)
}
