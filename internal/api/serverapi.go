package api

import (
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"

	"go-relay/internal/access"
	"go-relay/internal/channels"
	"go-relay/internal/messaging"
	"go-relay/internal/models"
	"go-relay/internal/realtime"
)

// Connections is the gateway view the server API manages live clients
// through.
type Connections interface {
	ChannelUsers(channel string) []string
	UnsubscribeUser(userID, channel string) int
	DisconnectUser(userID string) int
}

type publishRequest struct {
	Channel string          `json:"channel" validate:"required"`
	Data    json.RawMessage `json:"data" validate:"required"`
}

type broadcastRequest struct {
	Channels []string        `json:"channels" validate:"min=1,dive,required"`
	Data     json.RawMessage `json:"data" validate:"required"`
}

type unsubscribeRequest struct {
	User    string `json:"user" validate:"required"`
	Channel string `json:"channel" validate:"required"`
}

type disconnectRequest struct {
	User string `json:"user" validate:"required"`
}

type presenceRequest struct {
	Channel string `json:"channel" validate:"required"`
}

type publishResponse struct {
	Channel string `json:"channel"`
	Error   string `json:"error,omitempty"`
}

func result(v any) map[string]any {
	return map[string]any{"result": v}
}

// requireAPIKey admits only callers presenting "Authorization: apikey <key>".
func (s *Server) requireAPIKey(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key, ok := strings.CutPrefix(r.Header.Get("Authorization"), "apikey ")
		if !ok || subtle.ConstantTimeCompare([]byte(key), []byte(s.apiKey)) != 1 {
			s.metrics.RecordAuthFailure("invalid_api_key")
			writeError(w, r, access.ErrUnauthorized)
			return
		}
		next(w, r)
	}
}

// envelope checks that data is a known event envelope.
func envelope(field string, data json.RawMessage) (models.Event, error) {
	var event models.Event
	if err := json.Unmarshal(data, &event); err != nil {
		return event, messaging.Invalid(field, "must be an event envelope")
	}
	if _, err := event.Type.Category(); err != nil {
		return event, messaging.Invalid(field+".type", err.Error())
	}
	return event, nil
}

func knownChannel(field, channel string) error {
	if _, _, ok := channels.Parse(channel); !ok {
		return messaging.Invalid(field, "unknown channel")
	}
	return nil
}

// handlePublish lets trusted backends publish an envelope to any channel.
func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	var req publishRequest
	if err := bind(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := knownChannel("channel", req.Channel); err != nil {
		writeError(w, r, err)
		return
	}
	event, err := envelope("data", req.Data)
	if err != nil {
		writeError(w, r, err)
		return
	}

	if res := s.publisher.Publish(r.Context(), req.Channel, event); !res.OK() {
		log.Error().Err(res.Err).Str("channel", req.Channel).Msg("[API] Server publish failed")
		writeError(w, r, res.Err)
		return
	}

	writeJSON(w, http.StatusOK, result(map[string]any{}))
}

// handleBroadcast publishes one envelope to several channels. Per-channel
// failures are reported in the result rather than failing the request.
func (s *Server) handleBroadcast(w http.ResponseWriter, r *http.Request) {
	var req broadcastRequest
	if err := bind(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	for i, ch := range req.Channels {
		if err := knownChannel(fmt.Sprintf("channels[%d]", i), ch); err != nil {
			writeError(w, r, err)
			return
		}
	}
	event, err := envelope("data", req.Data)
	if err != nil {
		writeError(w, r, err)
		return
	}

	results := s.publisher.Broadcast(r.Context(), req.Channels, event)
	responses := make([]publishResponse, 0, len(results))
	for _, res := range results {
		out := publishResponse{Channel: res.Channel}
		if !res.OK() {
			out.Error = res.Err.Error()
		}
		responses = append(responses, out)
	}
	if err := realtime.FirstError(results); err != nil {
		log.Error().Err(err).Int("channels", len(req.Channels)).Msg("[API] Server broadcast partially failed")
	}

	writeJSON(w, http.StatusOK, result(map[string]any{"responses": responses}))
}

// handleUnsubscribe drops a user's live subscriptions to a channel. The
// user's clients are not told and may subscribe again.
func (s *Server) handleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	var req unsubscribeRequest
	if err := bind(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := knownChannel("channel", req.Channel); err != nil {
		writeError(w, r, err)
		return
	}

	n := s.connections.UnsubscribeUser(req.User, req.Channel)
	log.Info().Str("user", req.User).Str("channel", req.Channel).Int("connections", n).Msg("[API] Server unsubscribe")
	writeJSON(w, http.StatusOK, result(map[string]int{"connections": n}))
}

// handleDisconnect closes every live connection of a user.
func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	var req disconnectRequest
	if err := bind(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	n := s.connections.DisconnectUser(req.User)
	log.Info().Str("user", req.User).Int("connections", n).Msg("[API] Server disconnect")
	writeJSON(w, http.StatusOK, result(map[string]int{"connections": n}))
}

// handleServerPresence lists the users subscribed to any channel.
func (s *Server) handleServerPresence(w http.ResponseWriter, r *http.Request) {
	var req presenceRequest
	if err := bind(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := knownChannel("channel", req.Channel); err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, result(map[string]any{
		"channel": req.Channel,
		"users":   s.connections.ChannelUsers(req.Channel),
	}))
}
