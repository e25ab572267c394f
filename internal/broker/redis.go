package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog/log"
)

// Redis implements Broker with Redis PUBLISH / PSUBSCRIBE.
type Redis struct {
	rdb    *redis.Client
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRedis connects to redisURL (redis://[:password@]host:port[/db]).
func NewRedis(ctx context.Context, redisURL string) (*Redis, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}

	rdb := redis.NewClient(opt)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, err
	}

	log.Info().Str("addr", opt.Addr).Msg("[REDIS] Connected to Redis")

	bctx, bcancel := context.WithCancel(context.Background())
	return &Redis{rdb: rdb, ctx: bctx, cancel: bcancel}, nil
}

// Publish returns failures without logging them; the caller reports them.
func (r *Redis) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := r.rdb.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

func (r *Redis) Subscribe(ctx context.Context, patterns ...string) (<-chan Message, error) {
	pubsub := r.rdb.PSubscribe(r.ctx, patterns...)

	// Wait for subscription confirmation
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, err
	}

	log.Info().Strs("patterns", patterns).Msg("[REDIS] Subscribed to Redis pub/sub")

	out := make(chan Message, subscriberBuffer)

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer close(out)
		defer pubsub.Close()

		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case <-r.ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					log.Info().Msg("[REDIS] Redis pub/sub channel closed")
					return
				}
				select {
				case out <- Message{Channel: msg.Channel, Payload: []byte(msg.Payload)}:
				default:
					log.Warn().Str("channel", msg.Channel).Msg("[REDIS] Subscriber buffer full, dropping message")
				}
			}
		}
	}()

	return out, nil
}

func (r *Redis) Close() error {
	r.cancel()
	r.wg.Wait()
	return r.rdb.Close()
}
