package ws

import (
	"net/http"
	"slices"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"go-relay/internal/auth"
	"go-relay/internal/metrics"
)

// Gateway upgrades authenticated requests to websocket connections served by
// a Hub.
type Gateway struct {
	hub      *Hub
	verifier *auth.Verifier
	upgrader websocket.Upgrader
	rate     rate.Limit
	burst    int
	metrics  *metrics.Metrics
}

type GatewayOptions struct {
	// AllowedOrigins lists accepted Origin headers. Empty accepts any origin.
	AllowedOrigins []string
	// Rate and Burst bound the commands a single connection may send.
	Rate  float64
	Burst int
}

func NewGateway(hub *Hub, verifier *auth.Verifier, m *metrics.Metrics, opts GatewayOptions) *Gateway {
	if opts.Rate <= 0 {
		opts.Rate = 20
	}
	if opts.Burst <= 0 {
		opts.Burst = 40
	}

	origins := opts.AllowedOrigins
	return &Gateway{
		hub:      hub,
		verifier: verifier,
		rate:     rate.Limit(opts.Rate),
		burst:    opts.Burst,
		metrics:  m,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				if len(origins) == 0 {
					return true
				}
				return slices.Contains(origins, r.Header.Get("Origin"))
			},
		},
	}
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	remoteAddr := r.RemoteAddr

	token := auth.ExtractTokenFromRequest(r)
	if token == "" {
		log.Warn().Str("from", remoteAddr).Msg("[WS] No token provided")
		g.metrics.RecordAuthFailure("missing_token")
		http.Error(w, "Unauthorized: token required", http.StatusUnauthorized)
		return
	}

	claims, err := g.verifier.Verify(token)
	if err != nil {
		log.Warn().Err(err).Str("from", remoteAddr).Msg("[WS] Token validation failed")
		g.metrics.RecordAuthFailure("invalid_token")
		http.Error(w, "Unauthorized: invalid token", http.StatusUnauthorized)
		return
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Str("user", claims.Subject).Msg("[WS] Failed to upgrade connection")
		return
	}

	identity := &auth.Identity{ID: claims.Subject}
	client := newClient(g.hub, conn, identity, rate.NewLimiter(g.rate, g.burst))

	if !g.hub.Register(client) {
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
		conn.Close()
		return
	}

	log.Info().Str("user", identity.ID).Str("conn", client.id).Msg("[WS] Connection upgraded successfully")

	go client.WritePump()
	go client.ReadPump()
}
