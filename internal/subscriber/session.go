// Package subscriber is the Go client of the realtime gateway. A Session
// obtains a broker token from the web application, keeps a websocket
// connection open, and dispatches publications on the channels it tracks to
// a models.Handler.
package subscriber

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"go-relay/internal/channels"
	"go-relay/internal/models"
)

var (
	ErrClosed       = errors.New("session closed")
	ErrNotConnected = errors.New("not connected")
	ErrUnauthorized = errors.New("session rejected by token endpoint")
)

type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

const (
	defaultReconnectDelay    = time.Second
	defaultMaxReconnectDelay = 30 * time.Second
	writeWait                = 10 * time.Second
)

type Options struct {
	// BaseURL of the web application serving /api/realtime/*.
	BaseURL string
	// GatewayURL of the websocket endpoint. Defaults to BaseURL with a ws
	// scheme and the /connection/websocket path.
	GatewayURL string
	// SessionToken authenticates against the web application.
	SessionToken string
	// Handler runs on the connection's read goroutine and must not wait on
	// the Session.
	Handler models.Handler

	ReconnectDelay    time.Duration
	MaxReconnectDelay time.Duration
	HTTPClient        *http.Client
	Dialer            *websocket.Dialer
}

type Session struct {
	opts Options

	mu       sync.Mutex
	state    State
	conn     *websocket.Conn
	userID   string
	channels map[string]bool
	pending  map[uint64]chan error
	nextID   uint64
	closed   bool
	started  bool

	writeMu sync.Mutex
	lost    chan struct{}
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewSession(opts Options) (*Session, error) {
	if opts.BaseURL == "" {
		return nil, errors.New("subscriber: BaseURL is required")
	}
	if opts.Handler == nil {
		return nil, errors.New("subscriber: Handler is required")
	}
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	if opts.GatewayURL == "" {
		gateway, err := gatewayURL(opts.BaseURL)
		if err != nil {
			return nil, err
		}
		opts.GatewayURL = gateway
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = defaultReconnectDelay
	}
	if opts.MaxReconnectDelay < opts.ReconnectDelay {
		opts.MaxReconnectDelay = max(defaultMaxReconnectDelay, opts.ReconnectDelay)
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		opts:     opts,
		channels: make(map[string]bool),
		pending:  make(map[uint64]chan error),
		lost:     make(chan struct{}, 1),
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

func gatewayURL(base string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("subscriber: parse BaseURL: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/connection/websocket"
	return u.String(), nil
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// UserID is the identity the token endpoint reported, empty before the first
// successful Connect.
func (s *Session) UserID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userID
}

// Channels lists the channels whose publications reach the handler.
func (s *Session) Channels() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]string, 0, len(s.channels))
	for ch := range s.channels {
		out = append(out, ch)
	}
	return out
}

// Connect fetches a broker token, opens the gateway connection and subscribes
// the personal channel plus every tracked channel. Once connected, a lost
// connection is re-established in the background until Close.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.state != StateDisconnected {
		s.mu.Unlock()
		return nil
	}
	s.state = StateConnecting
	s.mu.Unlock()

	if err := s.establish(ctx); err != nil {
		s.setState(StateDisconnected)
		return err
	}

	s.mu.Lock()
	if !s.started {
		s.started = true
		s.wg.Add(1)
		go s.supervise()
	}
	s.mu.Unlock()
	return nil
}

func (s *Session) establish(ctx context.Context) error {
	token, userID, err := s.fetchToken(ctx)
	if err != nil {
		return err
	}

	conn, resp, err := s.opts.Dialer.DialContext(ctx, s.opts.GatewayURL+"?token="+url.QueryEscape(token), nil)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial gateway: %w (status %d)", err, resp.StatusCode)
		}
		return fmt.Errorf("dial gateway: %w", err)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		conn.Close()
		return ErrClosed
	}
	s.conn = conn
	s.userID = userID
	s.state = StateConnected
	s.channels[channels.User(userID)] = true
	subs := make([]string, 0, len(s.channels))
	for ch := range s.channels {
		subs = append(subs, ch)
	}
	s.mu.Unlock()

	s.wg.Add(1)
	go s.readLoop(conn)

	for _, ch := range subs {
		err := s.command(ctx, models.MethodSubscribe, ch)
		var replyErr *models.ReplyError
		switch {
		case err == nil:
		case errors.As(err, &replyErr) && replyErr.Code == http.StatusForbidden:
			log.Warn().Str("channel", ch).Msg("[SUBSCRIBER] Subscription refused, dropping channel")
			s.untrack(ch)
		default:
			s.drop(conn)
			return fmt.Errorf("subscribe %s: %w", ch, err)
		}
	}

	log.Info().Str("user", userID).Int("channels", len(subs)).Msg("[SUBSCRIBER] Connected")
	return nil
}

// drop closes conn without triggering a reconnect.
func (s *Session) drop(conn *websocket.Conn) {
	s.mu.Lock()
	if s.conn == conn {
		s.conn = nil
		s.state = StateDisconnected
		s.failPending(ErrNotConnected)
	}
	s.mu.Unlock()
	conn.Close()
}

// supervise reconnects with exponential backoff after the connection is lost.
func (s *Session) supervise() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.lost:
		}

		delay := s.opts.ReconnectDelay
		for {
			select {
			case <-s.ctx.Done():
				return
			case <-time.After(delay):
			}

			s.setState(StateConnecting)
			err := s.establish(s.ctx)
			if err == nil {
				break
			}
			s.setState(StateDisconnected)
			if errors.Is(err, ErrClosed) {
				return
			}

			log.Warn().Err(err).Dur("retry_in", delay).Msg("[SUBSCRIBER] Reconnect failed")
			delay = min(delay*2, s.opts.MaxReconnectDelay)
		}
	}
}

func (s *Session) readLoop(conn *websocket.Conn) {
	defer s.wg.Done()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			s.mu.Lock()
			current := s.conn == conn
			if current {
				s.conn = nil
				s.state = StateDisconnected
				s.failPending(ErrNotConnected)
			}
			closed := s.closed
			s.mu.Unlock()

			if current && !closed {
				log.Warn().Err(err).Msg("[SUBSCRIBER] Connection lost")
				select {
				case s.lost <- struct{}{}:
				default:
				}
			}
			return
		}

		var frame models.Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			log.Warn().Err(err).Msg("[SUBSCRIBER] Malformed frame")
			continue
		}

		if frame.IsPublication() {
			s.deliver(frame)
			continue
		}
		s.resolve(frame)
	}
}

func (s *Session) resolve(frame models.Frame) {
	s.mu.Lock()
	ch, ok := s.pending[frame.ID]
	delete(s.pending, frame.ID)
	s.mu.Unlock()

	if !ok {
		return
	}
	if frame.Error != nil {
		ch <- frame.Error
		return
	}
	ch <- nil
}

// deliver dispatches a publication if its channel is still tracked.
func (s *Session) deliver(frame models.Frame) {
	s.mu.Lock()
	tracked := s.channels[frame.Channel]
	s.mu.Unlock()

	if !tracked {
		log.Debug().Str("channel", frame.Channel).Msg("[SUBSCRIBER] Dropping publication for untracked channel")
		return
	}

	var event models.Event
	if err := json.Unmarshal(frame.Data, &event); err != nil {
		log.Warn().Err(err).Str("channel", frame.Channel).Msg("[SUBSCRIBER] Malformed event")
		return
	}

	if err := models.Dispatch(s.opts.Handler, event); err != nil {
		log.Warn().Err(err).Str("channel", frame.Channel).Msg("[SUBSCRIBER] Dropping event")
	}
}

// command sends a gateway command and waits for its reply.
func (s *Session) command(ctx context.Context, method, channel string) error {
	s.mu.Lock()
	conn := s.conn
	if conn == nil {
		s.mu.Unlock()
		return ErrNotConnected
	}
	s.nextID++
	id := s.nextID
	reply := make(chan error, 1)
	s.pending[id] = reply
	s.mu.Unlock()

	s.writeMu.Lock()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	err := conn.WriteJSON(models.Command{ID: id, Method: method, Channel: channel})
	s.writeMu.Unlock()

	if err != nil {
		s.mu.Lock()
		delete(s.pending, id)
		s.mu.Unlock()
		return fmt.Errorf("send %s: %w", method, err)
	}

	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		s.mu.Lock()
		delete(s.pending, id)
		s.mu.Unlock()
		return ctx.Err()
	}
}

// failPending releases every command waiting for a reply. Caller holds s.mu.
func (s *Session) failPending(err error) {
	for id, ch := range s.pending {
		ch <- err
		delete(s.pending, id)
	}
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

func (s *Session) track(chs ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	for _, ch := range chs {
		s.channels[ch] = true
	}
	return nil
}

func (s *Session) untrack(chs ...string) {
	s.mu.Lock()
	for _, ch := range chs {
		delete(s.channels, ch)
	}
	s.mu.Unlock()
}

// subscribe tracks chs and, when connected, subscribes them on the gateway.
// A refused or failed subscription untracks every channel of the call and
// releases the ones the gateway already accepted.
func (s *Session) subscribe(ctx context.Context, chs ...string) error {
	if err := s.track(chs...); err != nil {
		return err
	}
	if s.State() != StateConnected {
		return nil
	}

	for i, ch := range chs {
		if err := s.command(ctx, models.MethodSubscribe, ch); err != nil {
			if errors.Is(err, ErrNotConnected) {
				// Re-subscribed on reconnect.
				return nil
			}
			s.untrack(chs...)
			s.release(ctx, chs[:i]...)
			return fmt.Errorf("subscribe %s: %w", ch, err)
		}
	}
	return nil
}

// release unsubscribes chs on the gateway, best effort. It outlives a
// cancelled ctx so an aborted subscribe still cleans up.
func (s *Session) release(ctx context.Context, chs ...string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeWait)
	defer cancel()

	for _, ch := range chs {
		if err := s.command(ctx, models.MethodUnsubscribe, ch); err != nil {
			log.Debug().Err(err).Str("channel", ch).Msg("[SUBSCRIBER] Failed to release subscription")
			return
		}
	}
}

// unsubscribe stops dispatch for chs at once, then tells the gateway.
func (s *Session) unsubscribe(ctx context.Context, chs ...string) error {
	s.untrack(chs...)
	if s.State() != StateConnected {
		return nil
	}

	for _, ch := range chs {
		if err := s.command(ctx, models.MethodUnsubscribe, ch); err != nil && !errors.Is(err, ErrNotConnected) {
			return fmt.Errorf("unsubscribe %s: %w", ch, err)
		}
	}
	return nil
}

// SubscribeConversation follows a conversation's messages and typing
// indicators.
func (s *Session) SubscribeConversation(ctx context.Context, conversationID string) error {
	return s.subscribe(ctx, channels.Conversation(conversationID), channels.Typing(conversationID))
}

func (s *Session) UnsubscribeConversation(ctx context.Context, conversationID string) error {
	return s.unsubscribe(ctx, channels.Conversation(conversationID), channels.Typing(conversationID))
}

// SubscribePresence follows online/offline announcements for a conversation.
func (s *Session) SubscribePresence(ctx context.Context, conversationID string) error {
	return s.subscribe(ctx, channels.Presence(conversationID))
}

func (s *Session) UnsubscribePresence(ctx context.Context, conversationID string) error {
	return s.unsubscribe(ctx, channels.Presence(conversationID))
}

// Close disconnects, forgets every subscription and stops reconnecting.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.channels = make(map[string]bool)
	conn := s.conn
	s.conn = nil
	s.state = StateDisconnected
	s.failPending(ErrClosed)
	s.mu.Unlock()

	s.cancel()

	var err error
	if conn != nil {
		s.writeMu.Lock()
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
		s.writeMu.Unlock()
		err = conn.Close()
	}

	s.wg.Wait()
	log.Info().Msg("[SUBSCRIBER] Closed")
	return err
}
