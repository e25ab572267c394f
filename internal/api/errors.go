package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"

	"go-relay/internal/access"
	"go-relay/internal/messaging"
)

type errorResponse struct {
	Error   string                 `json:"error"`
	Details []messaging.FieldError `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("[API] Failed to encode response")
	}
}

// writeError maps domain errors onto HTTP statuses. Anything unrecognised is
// logged and reported as a generic 500.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var validation *messaging.ValidationError

	switch {
	case errors.Is(err, access.ErrUnauthorized):
		writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "Unauthorized"})
	case errors.Is(err, access.ErrForbidden):
		writeJSON(w, http.StatusForbidden, errorResponse{Error: "Forbidden"})
	case errors.As(err, &validation):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "Validation error", Details: validation.Fields})
	case errors.Is(err, messaging.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "Not found"})
	default:
		log.Error().Err(err).Str("method", r.Method).Str("path", r.URL.Path).Msg("[API] Request failed")
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "Internal server error"})
	}
}

// decodeBody reads a JSON request body into v, reporting malformed input as a
// validation error.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		return messaging.Invalid("body", "request body too large or unreadable")
	}

	if err := json.Unmarshal(body, v); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) && typeErr.Field != "" {
			return messaging.Invalid(typeErr.Field, "expected "+typeErr.Type.String())
		}
		return messaging.Invalid("body", "malformed JSON")
	}
	return nil
}

// bind decodes the request body into v and checks its validate tags.
func bind(w http.ResponseWriter, r *http.Request, v any) error {
	if err := decodeBody(w, r, v); err != nil {
		return err
	}
	return messaging.Validate(v)
}
