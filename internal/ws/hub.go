package ws

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"go-relay/internal/access"
	"go-relay/internal/auth"
	"go-relay/internal/broker"
	"go-relay/internal/channels"
	"go-relay/internal/metrics"
	"go-relay/internal/models"
	"go-relay/internal/realtime"
)

// Authorizer decides whether an identity may subscribe to a channel.
type Authorizer interface {
	AuthorizeChannel(ctx context.Context, id *auth.Identity, channel string) error
}

var ErrTooManySubscriptions = errors.New("too many subscriptions")

const (
	maxSubscriptionsPerClient = 128

	// Upper bound on a single presence publish.
	presenceTimeout = 2 * time.Second
)

// Hub maintains active WebSocket connections and the channels they subscribe to
type Hub struct {
	// Map: channel name -> set of subscribed clients
	channels map[string]map[*Client]bool

	// All connected clients
	clients map[*Client]bool

	mu sync.RWMutex

	register   chan *Client
	unregister chan *Client
	done       chan struct{}

	// Broadcast delivers broker messages to subscribed clients
	Broadcast chan broker.Message

	auth      Authorizer
	publisher realtime.EventPublisher
	metrics   *metrics.Metrics
}

func NewHub(authorizer Authorizer, publisher realtime.EventPublisher, m *metrics.Metrics) *Hub {
	return &Hub{
		channels:   make(map[string]map[*Client]bool),
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		Broadcast:  make(chan broker.Message, 256),
		auth:       authorizer,
		publisher:  publisher,
		metrics:    m,
	}
}

// Run processes registrations and broadcasts until ctx is cancelled, then
// closes every client.
func (h *Hub) Run(ctx context.Context) {
	log.Info().Msg("[HUB] Starting hub event loop")
	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			log.Info().Msg("[HUB] Hub stopped")
			return

		case client := <-h.register:
			h.registerClient(client)

		case client := <-h.unregister:
			h.unregisterClient(client)

		case message := <-h.Broadcast:
			h.broadcastToChannel(message)
		}
	}
}

// Register hands a new client to the hub loop. It returns false once the hub
// has stopped.
func (h *Hub) Register(client *Client) bool {
	select {
	case h.register <- client:
		return true
	case <-h.done:
		return false
	}
}

// Unregister removes a client from the hub loop; safe to call after the hub
// has stopped.
func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

func (h *Hub) registerClient(client *Client) {
	h.mu.Lock()
	h.clients[client] = true
	h.mu.Unlock()

	log.Info().
		Str("conn", client.id).
		Str("user", client.identity.ID).
		Msg("[HUB] Client registered")
	h.updateMetrics()
}

func (h *Hub) unregisterClient(client *Client) {
	h.mu.Lock()
	if !h.clients[client] {
		h.mu.Unlock()
		return
	}
	left := h.detach(client)
	h.mu.Unlock()

	log.Info().
		Str("conn", client.id).
		Str("user", client.identity.ID).
		Int("channels", len(left)).
		Msg("[HUB] Client unregistered")

	h.announceLeft(client, left)
	h.updateMetrics()
}

// detach removes client from every channel and closes its send queue. It
// returns the channels the client was subscribed to. Caller holds h.mu.
func (h *Hub) detach(client *Client) []string {
	left := make([]string, 0, len(client.subs))
	for ch := range client.subs {
		h.removeFromChannel(client, ch)
		left = append(left, ch)
	}
	client.subs = make(map[string]bool)

	delete(h.clients, client)
	if !client.closed {
		client.closed = true
		close(client.send)
	}
	return left
}

func (h *Hub) removeFromChannel(client *Client, channel string) {
	clients, ok := h.channels[channel]
	if !ok {
		return
	}
	delete(clients, client)
	if len(clients) == 0 {
		delete(h.channels, channel)
	}
}

// Subscribe authorizes and adds a channel subscription for client. Repeated
// subscriptions to the same channel are no-ops.
func (h *Hub) Subscribe(ctx context.Context, client *Client, channel string) error {
	if err := h.auth.AuthorizeChannel(ctx, client.identity, channel); err != nil {
		return err
	}

	h.mu.Lock()
	if client.closed {
		h.mu.Unlock()
		return errors.New("connection closed")
	}
	if client.subs[channel] {
		h.mu.Unlock()
		return nil
	}
	if len(client.subs) >= maxSubscriptionsPerClient {
		h.mu.Unlock()
		return ErrTooManySubscriptions
	}
	if h.channels[channel] == nil {
		h.channels[channel] = make(map[*Client]bool)
	}
	h.channels[channel][client] = true
	client.subs[channel] = true
	count := len(h.channels[channel])
	h.mu.Unlock()

	log.Debug().
		Str("conn", client.id).
		Str("user", client.identity.ID).
		Str("channel", channel).
		Int("subscribers", count).
		Msg("[HUB] Subscribed")

	h.publishPresence(client, channel, models.EventUserOnline)
	h.updateMetrics()
	return nil
}

// Unsubscribe drops a channel subscription. Unknown channels are ignored.
func (h *Hub) Unsubscribe(client *Client, channel string) {
	h.mu.Lock()
	if !client.subs[channel] {
		h.mu.Unlock()
		return
	}
	delete(client.subs, channel)
	h.removeFromChannel(client, channel)
	h.mu.Unlock()

	log.Debug().Str("conn", client.id).Str("channel", channel).Msg("[HUB] Unsubscribed")

	h.publishPresence(client, channel, models.EventUserOffline)
	h.updateMetrics()
}

// publishPresence announces joins and leaves of conversation channels on the
// conversation's presence channel.
func (h *Hub) publishPresence(client *Client, channel string, eventType models.EventType) {
	class, conversationID, ok := channels.Parse(channel)
	if !ok || class != channels.ClassConversation || h.publisher == nil {
		return
	}

	event, err := models.NewEvent(eventType, client.identity.ID, models.PresenceData{
		UserID:         client.identity.ID,
		UserName:       client.identity.Name,
		ConversationID: conversationID,
	})
	if err != nil {
		log.Error().Err(err).Msg("[HUB] Failed to build presence event")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), presenceTimeout)
	defer cancel()
	if result := h.publisher.Publish(ctx, channels.Presence(conversationID), event); !result.OK() {
		log.Error().Err(result.Err).Str("type", string(eventType)).Msg("[HUB] Error publishing presence event")
	}
}

// announceLeft publishes user_offline for the channels a client left. It runs
// on its own goroutine so a slow broker never stalls the hub loop.
func (h *Hub) announceLeft(client *Client, left []string) {
	if len(left) == 0 || h.publisher == nil {
		return
	}
	go func() {
		for _, ch := range left {
			h.publishPresence(client, ch, models.EventUserOffline)
		}
	}()
}

func (h *Hub) broadcastToChannel(message broker.Message) {
	frame, err := encodePublication(message)
	if err != nil {
		log.Error().Err(err).Str("channel", message.Channel).Msg("[HUB] Failed to encode publication")
		return
	}

	h.mu.Lock()
	clients := h.channels[message.Channel]
	var dropped []*Client
	for client := range clients {
		select {
		case client.send <- frame:
		default:
			dropped = append(dropped, client)
		}
	}
	departed := make(map[*Client][]string, len(dropped))
	for _, client := range dropped {
		// Client buffer full, disconnect
		log.Warn().Str("conn", client.id).Str("user", client.identity.ID).Msg("[HUB] Client buffer full, disconnecting")
		departed[client] = h.detach(client)
	}
	h.mu.Unlock()

	for client, left := range departed {
		h.announceLeft(client, left)
	}
	if len(dropped) > 0 {
		h.updateMetrics()
	}
}

// UnsubscribeUser removes every connection of userID from channel and
// returns how many connections were affected.
func (h *Hub) UnsubscribeUser(userID, channel string) int {
	h.mu.RLock()
	var targets []*Client
	for client := range h.channels[channel] {
		if client.identity.ID == userID {
			targets = append(targets, client)
		}
	}
	h.mu.RUnlock()

	for _, client := range targets {
		h.Unsubscribe(client, channel)
	}
	return len(targets)
}

// DisconnectUser closes every connection of userID and returns how many were
// closed. Clients see a normal close and leave all their channels.
func (h *Hub) DisconnectUser(userID string) int {
	h.mu.Lock()
	departed := make(map[*Client][]string)
	for client := range h.clients {
		if client.identity.ID == userID {
			departed[client] = h.detach(client)
		}
	}
	h.mu.Unlock()

	for client, left := range departed {
		log.Info().Str("conn", client.id).Str("user", userID).Msg("[HUB] Client disconnected by server")
		h.announceLeft(client, left)
	}
	if len(departed) > 0 {
		h.updateMetrics()
	}
	return len(departed)
}

// ChannelUsers returns the distinct users subscribed to channel
func (h *Hub) ChannelUsers(channel string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	seen := make(map[string]bool)
	users := []string{}
	for client := range h.channels[channel] {
		if !seen[client.identity.ID] {
			seen[client.identity.ID] = true
			users = append(users, client.identity.ID)
		}
	}
	return users
}

// Stats returns the number of connections and channel subscriptions.
func (h *Hub) Stats() (connections, subscriptions int) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.clients {
		subscriptions += len(client.subs)
	}
	return len(h.clients), subscriptions
}

func (h *Hub) updateMetrics() {
	if h.metrics == nil {
		return
	}
	h.metrics.SetGatewayStats(h.Stats())
}

func (h *Hub) shutdown() {
	close(h.done)

	h.mu.Lock()
	for client := range h.clients {
		h.detach(client)
	}
	h.mu.Unlock()
	h.updateMetrics()
}

// IsForbidden reports whether err is an authorization refusal rather than a
// failure.
func IsForbidden(err error) bool {
	return errors.Is(err, access.ErrForbidden) || errors.Is(err, access.ErrUnauthorized)
}
