package ws

import (
	"context"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"

	"go-relay/internal/broker"
	"go-relay/internal/channels"
	"go-relay/internal/models"
)

// Relay subscribes to every channel class on the broker and feeds valid
// envelopes to the hub until ctx is cancelled or the subscription closes.
func Relay(ctx context.Context, b broker.Broker, hub *Hub) error {
	log.Info().Msg("[RELAY] Starting broker subscription...")

	msgs, err := b.Subscribe(ctx, channels.Patterns()...)
	if err != nil {
		return err
	}

	log.Info().Strs("patterns", channels.Patterns()).Msg("[RELAY] Listening for events")

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-hub.done:
			return nil
		case msg, ok := <-msgs:
			if !ok {
				log.Info().Msg("[RELAY] Broker subscription closed")
				return nil
			}

			var event models.Event
			if err := json.Unmarshal(msg.Payload, &event); err != nil {
				log.Error().Err(err).Str("channel", msg.Channel).Msg("[RELAY] Error unmarshaling event")
				continue
			}

			select {
			case hub.Broadcast <- msg:
			case <-ctx.Done():
				return nil
			case <-hub.done:
				return nil
			}
		}
	}
}
