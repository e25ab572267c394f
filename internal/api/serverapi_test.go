package api

import (
	"bytes"
	"net/http"
	"sort"
	"sync"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go-relay/internal/channels"
	"go-relay/internal/models"
)

// fakeConnections tracks live connections per user and the channels each
// user is subscribed to.
type fakeConnections struct {
	mu    sync.Mutex
	conns map[string]int
	subs  map[string]map[string]int
}

func newFakeConnections() *fakeConnections {
	return &fakeConnections{conns: make(map[string]int), subs: make(map[string]map[string]int)}
}

func (f *fakeConnections) connect(userID string, chs ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.conns[userID]++
	for _, ch := range chs {
		if f.subs[ch] == nil {
			f.subs[ch] = make(map[string]int)
		}
		f.subs[ch][userID]++
	}
}

func (f *fakeConnections) ChannelUsers(channel string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	users := []string{}
	for user := range f.subs[channel] {
		users = append(users, user)
	}
	sort.Strings(users)
	return users
}

func (f *fakeConnections) UnsubscribeUser(userID, channel string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := f.subs[channel][userID]
	delete(f.subs[channel], userID)
	return n
}

func (f *fakeConnections) DisconnectUser(userID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := f.conns[userID]
	delete(f.conns, userID)
	for _, users := range f.subs {
		delete(users, userID)
	}
	return n
}

func (s *testServer) serverCall(t *testing.T, path, key string, body any) *http.Response {
	t.Helper()

	payload, err := json.Marshal(body)
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodPost, s.server.URL+path, bytes.NewReader(payload))
	require.NoError(t, err)
	if key != "" {
		req.Header.Set("Authorization", "apikey "+key)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

type resultBody[T any] struct {
	Result T `json:"result"`
}

func TestServerAPI_RequiresAPIKey(t *testing.T) {
	s := newTestServer(t)

	bodies := map[string]any{
		"/api/publish":     map[string]any{"channel": channels.User("bob"), "data": map[string]any{}},
		"/api/broadcast":   map[string]any{"channels": []string{channels.User("bob")}, "data": map[string]any{}},
		"/api/unsubscribe": map[string]any{"user": "bob", "channel": channels.User("bob")},
		"/api/disconnect":  map[string]any{"user": "bob"},
		"/api/presence":    map[string]any{"channel": channels.User("bob")},
	}
	for path, body := range bodies {
		t.Run(path, func(t *testing.T) {
			assert.Equal(t, http.StatusUnauthorized, s.serverCall(t, path, "", body).StatusCode)
			assert.Equal(t, http.StatusUnauthorized, s.serverCall(t, path, "wrong", body).StatusCode)
		})
	}

	// A session bearer token is no substitute for the key.
	resp := s.do(t, http.MethodPost, "/api/disconnect", s.session(t, "alice", "Alice"), map[string]any{"user": "bob"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestServerAPI_Broadcast(t *testing.T) {
	s := newTestServer(t)
	bobInbox := s.subscribe(t, channels.User("bob"))
	aliceInbox := s.subscribe(t, channels.User("alice"))

	event, err := models.NewEvent(models.EventNotification, "", models.NotificationData{Kind: "maintenance", Title: "Down at noon"})
	require.NoError(t, err)

	t.Run("publishes to every channel", func(t *testing.T) {
		resp := s.serverCall(t, "/api/broadcast", apiKey, map[string]any{
			"channels": []string{channels.User("bob"), channels.User("alice")},
			"data":     event,
		})
		require.Equal(t, http.StatusOK, resp.StatusCode)

		body := decode[resultBody[struct {
			Responses []publishResponse `json:"responses"`
		}]](t, resp)
		assert.Equal(t, []publishResponse{
			{Channel: channels.User("bob")},
			{Channel: channels.User("alice")},
		}, body.Result.Responses)

		assert.Equal(t, models.EventNotification, nextEvent(t, bobInbox).Type)
		assert.Equal(t, models.EventNotification, nextEvent(t, aliceInbox).Type)
	})

	t.Run("validation", func(t *testing.T) {
		cases := []struct {
			name  string
			body  any
			field string
		}{
			{"no channels", map[string]any{"channels": []string{}, "data": event}, "channels"},
			{"empty channel", map[string]any{"channels": []string{""}, "data": event}, "channels[0]"},
			{"unknown channel", map[string]any{"channels": []string{channels.User("bob"), "orders:1"}, "data": event}, "channels[1]"},
			{"missing data", map[string]any{"channels": []string{channels.User("bob")}}, "data"},
			{"unknown event type", map[string]any{
				"channels": []string{channels.User("bob")},
				"data":     map[string]any{"type": "order_paid", "data": map[string]any{}, "timestamp": 1},
			}, "data.type"},
		}
		for _, tc := range cases {
			t.Run(tc.name, func(t *testing.T) {
				resp := s.serverCall(t, "/api/broadcast", apiKey, tc.body)
				require.Equal(t, http.StatusBadRequest, resp.StatusCode)

				body := decode[errorResponse](t, resp)
				require.NotEmpty(t, body.Details)
				assert.Equal(t, tc.field, body.Details[0].Field)
			})
		}
	})
}

func TestServerAPI_Unsubscribe(t *testing.T) {
	s := newTestServer(t)
	conv := channels.Conversation(s.convID)
	s.conns.connect("bob", conv)
	s.conns.connect("bob", conv)
	s.conns.connect("alice", conv)

	resp := s.serverCall(t, "/api/unsubscribe", apiKey, map[string]any{"user": "bob", "channel": conv})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 2, decode[resultBody[map[string]int]](t, resp).Result["connections"])
	assert.Equal(t, []string{"alice"}, s.conns.ChannelUsers(conv))

	resp = s.serverCall(t, "/api/unsubscribe", apiKey, map[string]any{"user": "bob"})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "channel", decode[errorResponse](t, resp).Details[0].Field)

	resp = s.serverCall(t, "/api/unsubscribe", apiKey, map[string]any{"user": "bob", "channel": "orders:1"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestServerAPI_Disconnect(t *testing.T) {
	s := newTestServer(t)
	conv := channels.Conversation(s.convID)
	s.conns.connect("bob", conv)
	s.conns.connect("bob", channels.User("bob"))
	s.conns.connect("alice", conv)

	resp := s.serverCall(t, "/api/disconnect", apiKey, map[string]any{"user": "bob"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 2, decode[resultBody[map[string]int]](t, resp).Result["connections"])
	assert.Equal(t, []string{"alice"}, s.conns.ChannelUsers(conv))
	assert.Empty(t, s.conns.ChannelUsers(channels.User("bob")))

	resp = s.serverCall(t, "/api/disconnect", apiKey, map[string]any{"user": "bob"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 0, decode[resultBody[map[string]int]](t, resp).Result["connections"])

	resp = s.serverCall(t, "/api/disconnect", apiKey, map[string]any{})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "user", decode[errorResponse](t, resp).Details[0].Field)
}

func TestServerAPI_Presence(t *testing.T) {
	s := newTestServer(t)
	conv := channels.Conversation(s.convID)
	s.conns.connect("bob", conv)
	s.conns.connect("alice", conv)

	type presence struct {
		Channel string   `json:"channel"`
		Users   []string `json:"users"`
	}

	resp := s.serverCall(t, "/api/presence", apiKey, map[string]any{"channel": conv})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, presence{Channel: conv, Users: []string{"alice", "bob"}}, decode[resultBody[presence]](t, resp).Result)

	resp = s.serverCall(t, "/api/presence", apiKey, map[string]any{"channel": channels.Typing("nobody")})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []string{}, decode[resultBody[presence]](t, resp).Result.Users)

	resp = s.serverCall(t, "/api/presence", apiKey, map[string]any{"channel": "orders:1"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
