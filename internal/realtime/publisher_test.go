package realtime

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go-relay/internal/broker"
	"go-relay/internal/channels"
	"go-relay/internal/metrics"
	"go-relay/internal/models"
)

type downBroker struct{ broker.Broker }

func (downBroker) Publish(context.Context, string, []byte) error {
	return errors.New("dial tcp: connection refused")
}

func TestPublisher_Publish(t *testing.T) {
	b := broker.NewLocal()
	defer b.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sub, err := b.Subscribe(ctx, "typing:*")
	require.NoError(t, err)

	event, err := models.NewEvent(models.EventTypingStart, "alice", models.TypingData{UserID: "alice", ConversationID: "conv1"})
	require.NoError(t, err)

	p := NewPublisher(b, metrics.New())
	result := p.Publish(ctx, channels.Typing("conv1"), event)
	require.True(t, result.OK())
	assert.Equal(t, "typing:conv1", result.Channel)
	assert.Equal(t, models.EventTypingStart, result.Type)

	select {
	case msg := <-sub:
		var got models.Event
		require.NoError(t, json.Unmarshal(msg.Payload, &got))
		assert.Equal(t, models.EventTypingStart, got.Type)
		assert.Equal(t, "alice", got.UserID)
	case <-time.After(time.Second):
		t.Fatal("event not delivered to broker")
	}
}

func TestPublisher_ReportsFailure(t *testing.T) {
	p := NewPublisher(downBroker{}, nil)
	event, err := models.NewEvent(models.EventMessageSent, "alice", map[string]string{"id": "m1"})
	require.NoError(t, err)

	result := p.Publish(context.Background(), channels.Conversation("conv1"), event)
	assert.False(t, result.OK())
	assert.ErrorContains(t, result.Err, "connection refused")
}

func TestPublisher_Broadcast(t *testing.T) {
	b := broker.NewLocal()
	defer b.Close()

	ctx := context.Background()
	sub, err := b.Subscribe(ctx, "user:*")
	require.NoError(t, err)

	event, err := models.NewEvent(models.EventConversationCreated, "alice", map[string]string{"id": "c1"})
	require.NoError(t, err)

	p := NewPublisher(b, nil)
	results := p.Broadcast(ctx, []string{channels.User("alice"), channels.User("bob")}, event)
	require.Len(t, results, 2)
	assert.NoError(t, FirstError(results))

	got := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case msg := <-sub:
			got[msg.Channel] = true
		case <-time.After(time.Second):
			t.Fatal("broadcast not delivered")
		}
	}
	assert.True(t, got["user:alice"])
	assert.True(t, got["user:bob"])
}

func TestFirstError(t *testing.T) {
	boom := errors.New("boom")
	assert.NoError(t, FirstError(nil))
	assert.Equal(t, boom, FirstError([]PublishResult{{}, {Err: boom}}))
}
