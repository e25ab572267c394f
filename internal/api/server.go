// Package api exposes the web application's realtime endpoints: broker token
// minting, typing indicators, conversations and messages, and the server API
// trusted backends use to publish and manage live connections.
package api

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"

	"go-relay/internal/auth"
	"go-relay/internal/messaging"
	"go-relay/internal/metrics"
	"go-relay/internal/realtime"
)

const maxBodyBytes = 1 << 20

type Options struct {
	Service   *messaging.Service
	Issuer    *auth.Issuer
	Sessions  *auth.Sessions
	Publisher realtime.EventPublisher
	Metrics   *metrics.Metrics
	// APIKey enables the server API under /api/publish, /api/broadcast,
	// /api/unsubscribe, /api/disconnect and /api/presence. Empty disables it.
	APIKey string
	// Gateway serves websocket upgrades on /ws and /connection/websocket.
	Gateway http.Handler
	// Connections backs the server API routes that act on live clients.
	Connections Connections
}

type Server struct {
	service   *messaging.Service
	issuer    *auth.Issuer
	sessions  *auth.Sessions
	publisher realtime.EventPublisher
	metrics   *metrics.Metrics
	apiKey    string
	gateway   http.Handler

	connections Connections
}

func NewServer(opts Options) *Server {
	return &Server{
		service:   opts.Service,
		issuer:    opts.Issuer,
		sessions:  opts.Sessions,
		publisher: opts.Publisher,
		metrics:   opts.Metrics,
		apiKey:    opts.APIKey,
		gateway:   opts.Gateway,

		connections: opts.Connections,
	}
}

// Handler returns the routed, session-aware and instrumented HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/realtime/token", s.handleToken)
	mux.HandleFunc("POST /api/realtime/typing", s.handleTyping)

	mux.HandleFunc("GET /api/conversations", s.handleListConversations)
	mux.HandleFunc("POST /api/conversations", s.handleCreateConversation)
	mux.HandleFunc("GET /api/conversations/{id}/messages", s.handleListMessages)
	mux.HandleFunc("POST /api/conversations/{id}/messages", s.handleSendMessage)
	mux.HandleFunc("GET /api/conversations/{id}/presence", s.handlePresence)

	if s.apiKey != "" {
		mux.HandleFunc("POST /api/publish", s.requireAPIKey(s.handlePublish))
		mux.HandleFunc("POST /api/broadcast", s.requireAPIKey(s.handleBroadcast))
		if s.connections != nil {
			mux.HandleFunc("POST /api/unsubscribe", s.requireAPIKey(s.handleUnsubscribe))
			mux.HandleFunc("POST /api/disconnect", s.requireAPIKey(s.handleDisconnect))
			mux.HandleFunc("POST /api/presence", s.requireAPIKey(s.handleServerPresence))
		}
	}

	if s.gateway != nil {
		mux.Handle("GET /ws", s.gateway)
		mux.Handle("GET /connection/websocket", s.gateway)
	}

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}

	return s.sessions.Middleware(s.instrument(mux))
}

// instrument counts requests by matched route pattern and status.
func (s *Server) instrument(next http.Handler) http.Handler {
	if s.metrics == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		s.metrics.RecordRequest(route, rec.status)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (r *statusRecorder) WriteHeader(code int) {
	if !r.wroteHeader {
		r.status = code
		r.wroteHeader = true
	}
	r.ResponseWriter.WriteHeader(code)
}

// Hijack lets the websocket upgrader take over instrumented connections.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return hj.Hijack()
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

func parseLimit(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, messaging.Invalid("limit", "must be a positive integer")
	}
	return n, nil
}
