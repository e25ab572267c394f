package ws

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"go-relay/internal/auth"
	"go-relay/internal/broker"
	"go-relay/internal/models"
)

const (
	// Time allowed to write a message
	writeWait = 10 * time.Second

	// Time allowed to read next pong message
	pongWait = 60 * time.Second

	// Send pings with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Client commands are tiny; publications only flow outwards.
	maxMessageSize = 4 * 1024

	sendBuffer = 256

	// Time allowed for a subscribe authorization lookup
	authorizeTimeout = 5 * time.Second
)

type Client struct {
	hub      *Hub
	conn     *websocket.Conn
	send     chan []byte
	id       string
	identity *auth.Identity
	limiter  *rate.Limiter

	// Guarded by hub.mu
	subs   map[string]bool
	closed bool
}

func newClient(hub *Hub, conn *websocket.Conn, identity *auth.Identity, limiter *rate.Limiter) *Client {
	return &Client{
		hub:      hub,
		conn:     conn,
		send:     make(chan []byte, sendBuffer),
		id:       uuid.NewString(),
		identity: identity,
		limiter:  limiter,
		subs:     make(map[string]bool),
	}
}

// ReadPump pumps commands from the WebSocket to the hub
func (c *Client) ReadPump() {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn().Err(err).Str("conn", c.id).Str("user", c.identity.ID).Msg("[CLIENT] Unexpected close")
			}
			break
		}

		c.handleCommand(message)
	}
}

// WritePump pumps frames from the hub to the WebSocket
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Debug().Err(err).Str("conn", c.id).Msg("[CLIENT] Write failed")
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Debug().Err(err).Str("conn", c.id).Msg("[CLIENT] Failed to send ping")
				return
			}
		}
	}
}

func (c *Client) handleCommand(message []byte) {
	var cmd models.Command
	if err := json.Unmarshal(message, &cmd); err != nil {
		log.Warn().Err(err).Str("conn", c.id).Msg("[CLIENT] Malformed command")
		c.reply(0, &models.ReplyError{Code: http.StatusBadRequest, Message: "malformed command"})
		return
	}

	if !c.limiter.Allow() {
		c.reply(cmd.ID, &models.ReplyError{Code: http.StatusTooManyRequests, Message: "rate limit exceeded"})
		return
	}

	switch cmd.Method {
	case models.MethodSubscribe:
		ctx, cancel := context.WithTimeout(context.Background(), authorizeTimeout)
		err := c.hub.Subscribe(ctx, c, cmd.Channel)
		cancel()

		switch {
		case err == nil:
			c.reply(cmd.ID, nil)
		case IsForbidden(err):
			log.Info().Str("user", c.identity.ID).Str("channel", cmd.Channel).Msg("[CLIENT] Subscription refused")
			c.reply(cmd.ID, &models.ReplyError{Code: http.StatusForbidden, Message: "forbidden"})
		case errors.Is(err, ErrTooManySubscriptions):
			c.reply(cmd.ID, &models.ReplyError{Code: http.StatusTooManyRequests, Message: err.Error()})
		default:
			log.Error().Err(err).Str("user", c.identity.ID).Str("channel", cmd.Channel).Msg("[CLIENT] Subscription failed")
			c.reply(cmd.ID, &models.ReplyError{Code: http.StatusInternalServerError, Message: "internal error"})
		}

	case models.MethodUnsubscribe:
		c.hub.Unsubscribe(c, cmd.Channel)
		c.reply(cmd.ID, nil)

	default:
		log.Warn().Str("method", cmd.Method).Str("conn", c.id).Msg("[CLIENT] Unknown method")
		c.reply(cmd.ID, &models.ReplyError{Code: http.StatusBadRequest, Message: "unknown method"})
	}
}

// reply queues a command reply unless the connection is already closing.
func (c *Client) reply(id uint64, replyErr *models.ReplyError) {
	frame, err := json.Marshal(models.Frame{ID: id, Error: replyErr})
	if err != nil {
		return
	}

	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()
	if c.closed {
		return
	}
	select {
	case c.send <- frame:
	default:
		log.Warn().Str("conn", c.id).Msg("[CLIENT] Send buffer full, dropping reply")
	}
}

func encodePublication(message broker.Message) ([]byte, error) {
	return json.Marshal(models.Frame{Channel: message.Channel, Data: message.Payload})
}
