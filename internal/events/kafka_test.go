package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/example/magiclink/internal/magiclink"
	skafka "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"
)

// fakeWriter records messages written.
type fakeWriter struct {
	msgs   []skafka.Message
	err    error
	closed bool
}

func (f *fakeWriter) WriteMessages(ctx context.Context, msgs ...skafka.Message) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error {
	f.closed = true
	return nil
}

func TestPublish(t *testing.T) {
	fw := &fakeWriter{}
	p := NewPublisherWithWriter(fw)
	at := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	err := p.Publish(context.Background(), magiclink.Event{
		Type:    magiclink.EventTokenRedeemed,
		Subject: "tok-1",
		UserID:  "user-1",
		At:      at,
	})
	require.NoError(t, err)
	require.Len(t, fw.msgs, 1)

	msg := fw.msgs[0]
	require.Equal(t, "tok-1", string(msg.Key))
	require.Equal(t, at, msg.Time)
	require.Equal(t, "token.redeemed", string(msg.Headers[0].Value))

	var ev magiclink.Event
	require.NoError(t, json.Unmarshal(msg.Value, &ev))
	require.Equal(t, magiclink.EventTokenRedeemed, ev.Type)
	require.Equal(t, "user-1", ev.UserID)

	require.NoError(t, p.Close())
	require.True(t, fw.closed)
}

func TestPublishWriteError(t *testing.T) {
	boom := errors.New("broker down")
	p := NewPublisherWithWriter(&fakeWriter{err: boom})
	err := p.Publish(context.Background(), magiclink.Event{Type: magiclink.EventIPBanned, Subject: "10.0.0.1"})
	require.ErrorIs(t, err, boom)
}
