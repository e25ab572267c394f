package ws

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go-relay/internal/access"
	"go-relay/internal/auth"
	"go-relay/internal/broker"
	"go-relay/internal/channels"
	"go-relay/internal/models"
	"go-relay/internal/realtime"
	"go-relay/internal/store"
)

const tokenSecret = "gateway-test-secret"

type testGateway struct {
	server    *httptest.Server
	hub       *Hub
	broker    *broker.Local
	publisher *realtime.Publisher
	issuer    *auth.Issuer
	convID    string
}

func newTestGateway(t *testing.T, opts GatewayOptions) *testGateway {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	st := store.NewMemory()
	conv, _, err := st.CreateConversation(ctx, store.NewConversation{
		Type: models.ConversationDirect, CreatorID: "alice", MemberIDs: []string{"bob"},
	})
	require.NoError(t, err)

	b := broker.NewLocal()
	t.Cleanup(func() { _ = b.Close() })

	publisher := realtime.NewPublisher(b, nil)
	hub := NewHub(access.NewGate(st), publisher, nil)
	go hub.Run(ctx)
	go func() { _ = Relay(ctx, b, hub) }()

	gw := NewGateway(hub, auth.NewVerifier(tokenSecret), nil, opts)
	srv := httptest.NewServer(gw)
	t.Cleanup(srv.Close)

	// Give the relay time to subscribe before tests publish.
	time.Sleep(20 * time.Millisecond)

	return &testGateway{
		server:    srv,
		hub:       hub,
		broker:    b,
		publisher: publisher,
		issuer:    auth.NewIssuer(tokenSecret, time.Hour),
		convID:    conv.ID,
	}
}

func (g *testGateway) dial(t *testing.T, userID string) *websocket.Conn {
	t.Helper()
	token, err := g.issuer.Issue(userID)
	require.NoError(t, err)

	url := "ws" + strings.TrimPrefix(g.server.URL, "http") + "?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func (g *testGateway) publish(t *testing.T, channel string, eventType models.EventType) {
	t.Helper()
	event, err := models.NewEvent(eventType, "server", map[string]string{"k": "v"})
	require.NoError(t, err)
	require.True(t, g.publisher.Publish(context.Background(), channel, event).OK())
}

var nextID uint64

func command(t *testing.T, conn *websocket.Conn, method, channel string) *models.ReplyError {
	t.Helper()
	nextID++
	id := nextID
	require.NoError(t, conn.WriteJSON(models.Command{ID: id, Method: method, Channel: channel}))

	for {
		frame := readFrame(t, conn)
		if frame.IsPublication() {
			continue
		}
		require.Equal(t, id, frame.ID)
		return frame.Error
	}
}

func readFrame(t *testing.T, conn *websocket.Conn) models.Frame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var frame models.Frame
	require.NoError(t, json.Unmarshal(data, &frame))
	return frame
}

// readPublication skips replies and returns the next publication.
func readPublication(t *testing.T, conn *websocket.Conn) (string, models.Event) {
	t.Helper()
	for {
		frame := readFrame(t, conn)
		if !frame.IsPublication() {
			continue
		}
		var event models.Event
		require.NoError(t, json.Unmarshal(frame.Data, &event))
		return frame.Channel, event
	}
}

func assertNoPublication(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(150 * time.Millisecond))
	_, data, err := conn.ReadMessage()
	if err == nil {
		t.Fatalf("unexpected frame: %s", data)
	}
}

func TestGateway_RejectsMissingOrInvalidToken(t *testing.T) {
	g := newTestGateway(t, GatewayOptions{})

	resp, err := http.Get(g.server.URL)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	url := "ws" + strings.TrimPrefix(g.server.URL, "http") + "?token=forged"
	_, resp, err = websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	expired, err := auth.NewIssuer(tokenSecret, time.Hour).IssueWithTTL("alice", -time.Minute)
	require.NoError(t, err)
	_, resp, err = websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(g.server.URL, "http")+"?token="+expired, nil)
	require.Error(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestGateway_SubscriptionAuthorization(t *testing.T) {
	g := newTestGateway(t, GatewayOptions{})
	alice := g.dial(t, "alice")
	carol := g.dial(t, "carol")

	assert.Nil(t, command(t, alice, models.MethodSubscribe, channels.User("alice")))
	assert.Nil(t, command(t, alice, models.MethodSubscribe, channels.Conversation(g.convID)))
	assert.Nil(t, command(t, alice, models.MethodSubscribe, channels.Typing(g.convID)))

	if replyErr := command(t, alice, models.MethodSubscribe, channels.User("bob")); assert.NotNil(t, replyErr) {
		assert.Equal(t, http.StatusForbidden, replyErr.Code)
	}
	if replyErr := command(t, carol, models.MethodSubscribe, channels.Typing(g.convID)); assert.NotNil(t, replyErr) {
		assert.Equal(t, http.StatusForbidden, replyErr.Code)
	}
	if replyErr := command(t, carol, "publish", channels.User("carol")); assert.NotNil(t, replyErr) {
		assert.Equal(t, http.StatusBadRequest, replyErr.Code)
	}
}

func TestGateway_DeliversOnlySubscribedChannels(t *testing.T) {
	g := newTestGateway(t, GatewayOptions{})
	bob := g.dial(t, "bob")

	require.Nil(t, command(t, bob, models.MethodSubscribe, channels.Typing(g.convID)))

	g.publish(t, channels.Conversation(g.convID), models.EventMessageSent)
	g.publish(t, channels.Typing(g.convID), models.EventTypingStart)

	channel, event := readPublication(t, bob)
	assert.Equal(t, channels.Typing(g.convID), channel)
	assert.Equal(t, models.EventTypingStart, event.Type)
	assert.Equal(t, "server", event.UserID)
}

func TestGateway_UnsubscribeStopsDelivery(t *testing.T) {
	g := newTestGateway(t, GatewayOptions{})
	bob := g.dial(t, "bob")

	require.Nil(t, command(t, bob, models.MethodSubscribe, channels.Typing(g.convID)))
	require.Nil(t, command(t, bob, models.MethodUnsubscribe, channels.Typing(g.convID)))

	g.publish(t, channels.Typing(g.convID), models.EventTypingStart)
	assertNoPublication(t, bob)

	connections, subscriptions := g.hub.Stats()
	assert.Equal(t, 1, connections)
	assert.Zero(t, subscriptions)
}

func TestGateway_PresenceOnConversationSubscribe(t *testing.T) {
	g := newTestGateway(t, GatewayOptions{})
	alice := g.dial(t, "alice")
	bob := g.dial(t, "bob")

	require.Nil(t, command(t, alice, models.MethodSubscribe, channels.Presence(g.convID)))
	require.Nil(t, command(t, bob, models.MethodSubscribe, channels.Conversation(g.convID)))

	channel, event := readPublication(t, alice)
	assert.Equal(t, channels.Presence(g.convID), channel)
	assert.Equal(t, models.EventUserOnline, event.Type)

	var data models.PresenceData
	require.NoError(t, event.DecodeData(&data))
	assert.Equal(t, "bob", data.UserID)
	assert.Equal(t, g.convID, data.ConversationID)

	assert.Equal(t, []string{"bob"}, g.hub.ChannelUsers(channels.Conversation(g.convID)))

	require.NoError(t, bob.Close())

	_, event = readPublication(t, alice)
	assert.Equal(t, models.EventUserOffline, event.Type)
	assert.Eventually(t, func() bool {
		return len(g.hub.ChannelUsers(channels.Conversation(g.convID))) == 0
	}, time.Second, 10*time.Millisecond)
}

func TestGateway_RateLimitsCommands(t *testing.T) {
	g := newTestGateway(t, GatewayOptions{Rate: 0.001, Burst: 1})
	alice := g.dial(t, "alice")

	assert.Nil(t, command(t, alice, models.MethodSubscribe, channels.User("alice")))

	replyErr := command(t, alice, models.MethodSubscribe, channels.Typing(g.convID))
	require.NotNil(t, replyErr)
	assert.Equal(t, http.StatusTooManyRequests, replyErr.Code)
}

func TestGateway_RejectsDisallowedOrigin(t *testing.T) {
	g := newTestGateway(t, GatewayOptions{AllowedOrigins: []string{"https://app.example"}})
	token, err := g.issuer.Issue("alice")
	require.NoError(t, err)

	url := "ws" + strings.TrimPrefix(g.server.URL, "http") + "?token=" + token
	header := http.Header{"Origin": {"https://evil.example"}}
	_, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.Error(t, err)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	header.Set("Origin", "https://app.example")
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	conn.Close()
}
