package api

import (
	"net/http"
	"time"

	"go-relay/internal/access"
	"go-relay/internal/auth"
	"go-relay/internal/messaging"
	"go-relay/internal/store"
)

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	id := auth.IdentityFromContext(r.Context())
	if id == nil {
		writeError(w, r, access.ErrUnauthorized)
		return
	}

	filter := store.ConversationFilter(r.URL.Query().Get("type"))
	convs, err := s.service.ListConversations(r.Context(), id, filter)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, convs)
}

// handleCreateConversation returns the new conversation, or the existing
// direct conversation between the same two users.
func (s *Server) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	id := auth.IdentityFromContext(r.Context())
	if id == nil {
		writeError(w, r, access.ErrUnauthorized)
		return
	}

	var in messaging.CreateConversationInput
	if err := decodeBody(w, r, &in); err != nil {
		writeError(w, r, err)
		return
	}

	conv, _, err := s.service.CreateConversation(r.Context(), id, in)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	id := auth.IdentityFromContext(r.Context())
	if id == nil {
		writeError(w, r, access.ErrUnauthorized)
		return
	}

	query := r.URL.Query()

	var before time.Time
	if cursor := query.Get("cursor"); cursor != "" {
		t, err := time.Parse(time.RFC3339Nano, cursor)
		if err != nil {
			writeError(w, r, messaging.Invalid("cursor", "must be an RFC 3339 timestamp"))
			return
		}
		before = t
	}

	limit, err := parseLimit(query.Get("limit"))
	if err != nil {
		writeError(w, r, err)
		return
	}

	msgs, err := s.service.ListMessages(r.Context(), id, r.PathValue("id"), before, limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	id := auth.IdentityFromContext(r.Context())
	if id == nil {
		writeError(w, r, access.ErrUnauthorized)
		return
	}

	var in messaging.SendMessageInput
	if err := decodeBody(w, r, &in); err != nil {
		writeError(w, r, err)
		return
	}

	msg, _, err := s.service.SendMessage(r.Context(), id, r.PathValue("id"), in)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

type presenceResponse struct {
	ConversationID string   `json:"conversationId"`
	Users          []string `json:"users"`
}

func (s *Server) handlePresence(w http.ResponseWriter, r *http.Request) {
	id := auth.IdentityFromContext(r.Context())
	if id == nil {
		writeError(w, r, access.ErrUnauthorized)
		return
	}

	conversationID := r.PathValue("id")
	users, err := s.service.Presence(r.Context(), id, conversationID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, presenceResponse{ConversationID: conversationID, Users: users})
}
