package api

import (
	"net/http"

	"go-relay/internal/access"
	"go-relay/internal/auth"
)

type tokenUser struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Username string `json:"username"`
}

type tokenResponse struct {
	Token string    `json:"token"`
	User  tokenUser `json:"user"`
}

// handleToken mints a broker token for the session user.
func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	id := auth.IdentityFromContext(r.Context())
	if id == nil {
		s.metrics.RecordAuthFailure("no_session")
		writeError(w, r, access.ErrUnauthorized)
		return
	}

	token, err := s.issuer.Issue(id.ID)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, tokenResponse{
		Token: token,
		User:  tokenUser{ID: id.ID, Name: id.Name, Username: id.Username},
	})
}

type typingRequest struct {
	ConversationID string `json:"conversationId" validate:"required"`
	IsTyping       *bool  `json:"isTyping" validate:"required"`
}

func (s *Server) handleTyping(w http.ResponseWriter, r *http.Request) {
	id := auth.IdentityFromContext(r.Context())
	if id == nil {
		writeError(w, r, access.ErrUnauthorized)
		return
	}

	var req typingRequest
	if err := bind(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	if _, err := s.service.SendTyping(r.Context(), id, req.ConversationID, *req.IsTyping); err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}
