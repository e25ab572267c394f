package subscriber

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/goccy/go-json"
)

type tokenResponse struct {
	Token string `json:"token"`
	User  struct {
		ID string `json:"id"`
	} `json:"user"`
}

// fetchToken exchanges the session for a broker token.
func (s *Session) fetchToken(ctx context.Context) (token, userID string, err error) {
	resp, err := s.post(ctx, "/api/realtime/token", nil)
	if err != nil {
		return "", "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return "", "", ErrUnauthorized
	}
	if resp.StatusCode/100 != 2 {
		return "", "", fmt.Errorf("token endpoint: status %s", resp.Status)
	}

	var body tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", "", fmt.Errorf("decode token response: %w", err)
	}
	if body.Token == "" || body.User.ID == "" {
		return "", "", fmt.Errorf("token endpoint returned an incomplete response")
	}
	return body.Token, body.User.ID, nil
}

// SendTyping reports the local user starting or stopping typing.
func (s *Session) SendTyping(ctx context.Context, conversationID string, isTyping bool) error {
	payload, err := json.Marshal(map[string]any{"conversationId": conversationID, "isTyping": isTyping})
	if err != nil {
		return err
	}

	resp, err := s.post(ctx, "/api/realtime/typing", payload)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("typing endpoint: status %s: %s", resp.Status, bytes.TrimSpace(body))
	}
	return nil
}

func (s *Session) post(ctx context.Context, path string, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.opts.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+s.opts.SessionToken)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := s.opts.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return resp, nil
}
