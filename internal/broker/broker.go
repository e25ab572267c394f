// Package broker provides the pub/sub backends that carry realtime events
// between publishers and the websocket gateway.
package broker

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
)

type Message struct {
	Channel string
	Payload []byte
}

// Broker is a pub/sub backend. Implementations must be safe for concurrent use.
type Broker interface {
	// Publish hands payload to the backend for fan-out on channel.
	Publish(ctx context.Context, channel string, payload []byte) error

	// Subscribe receives messages from every channel matching one of the glob
	// patterns. The returned channel is closed when ctx is cancelled or the
	// broker is closed.
	Subscribe(ctx context.Context, patterns ...string) (<-chan Message, error)

	Close() error
}

const subscriberBuffer = 256

// New creates a broker for the named backend: "local" or "redis".
func New(ctx context.Context, backend, redisURL string) (Broker, error) {
	switch backend {
	case "local", "":
		log.Info().Msg("[BROKER] Using local pub/sub (single instance mode)")
		return NewLocal(), nil

	case "redis":
		if redisURL == "" {
			return nil, fmt.Errorf("redis url is required for redis broker backend")
		}
		b, err := NewRedis(ctx, redisURL)
		if err != nil {
			return nil, fmt.Errorf("connect redis broker: %w", err)
		}
		return b, nil

	default:
		return nil, fmt.Errorf("unknown broker backend: %s (valid options: local, redis)", backend)
	}
}

// matchPattern supports exact names and a single trailing '*' wildcard, the
// subset of Redis glob syntax used for channel classes.
func matchPattern(pattern, channel string) bool {
	if prefix, ok := strings.CutSuffix(pattern, "*"); ok {
		return strings.HasPrefix(channel, prefix)
	}
	return pattern == channel
}
