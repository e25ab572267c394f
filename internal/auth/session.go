package auth

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog/log"
)

// Identity is the authenticated user behind a request.
type Identity struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Username string `json:"username"`
}

// SessionClaims are carried by the login session token of the web app.
type SessionClaims struct {
	jwt.RegisteredClaims
	Name     string `json:"name"`
	Username string `json:"preferred_username"`
}

// Sessions verifies session tokens and attaches the identity to requests.
type Sessions struct {
	secret []byte
	now    func() time.Time
}

func NewSessions(secret string) *Sessions {
	return &Sessions{secret: []byte(secret), now: time.Now}
}

// Sign mints a session token. Used by tests and the development CLI; the web
// app's login flow owns session creation in production.
func (s *Sessions) Sign(id Identity, ttl time.Duration) (string, error) {
	if id.ID == "" {
		return "", ErrEmptySubject
	}
	now := s.now()
	claims := SessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Name:     id.Name,
		Username: id.Username,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

// Verify validates a session token and returns its identity.
func (s *Sessions) Verify(tokenString string) (*Identity, error) {
	claims := &SessionClaims{}
	if err := parseHS256(tokenString, claims, s.secret, s.now); err != nil {
		return nil, err
	}
	if claims.Subject == "" {
		return nil, ErrEmptySubject
	}
	return &Identity{ID: claims.Subject, Name: claims.Name, Username: claims.Username}, nil
}

// Middleware attaches the session identity when a valid bearer token is
// present. Requests without one pass through anonymously; handlers decide
// whether that is an error.
func (s *Sessions) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			next.ServeHTTP(w, r)
			return
		}

		identity, err := s.Verify(header)
		if err != nil {
			log.Debug().Err(err).Str("path", r.URL.Path).Msg("[AUTH] Session token rejected")
			next.ServeHTTP(w, r)
			return
		}

		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), identity)))
	})
}

type identityKey struct{}

func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// IdentityFromContext returns the identity attached by Middleware, or nil.
func IdentityFromContext(ctx context.Context) *Identity {
	id, _ := ctx.Value(identityKey{}).(*Identity)
	return id
}

// ExtractTokenFromRequest extracts a token from the query string or the
// Authorization header.
func ExtractTokenFromRequest(r *http.Request) string {
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	return strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
}
