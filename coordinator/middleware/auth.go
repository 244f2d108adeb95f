package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/playloop/rendezvous/coordinator/auth"
)

// contextKey is a strict type for context keys to prevent collisions.
type contextKey string

const identityKey contextKey = "identity"

// Identity is the authenticated caller bound to the request context.
type Identity struct {
	UserID   string
	Username string
}

// Authenticator validates bearer tokens and injects the caller's identity.
type Authenticator struct {
	tokens *auth.TokenService
	log    *logrus.Entry
}

func NewAuthenticator(tokens *auth.TokenService, log *logrus.Entry) *Authenticator {
	return &Authenticator{tokens: tokens, log: log}
}

// RequireAuth enforces a valid "Bearer <token>" Authorization header and
// fails fast with 401 otherwise.
func (a *Authenticator) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if header == "" {
			writeError(w, http.StatusUnauthorized, "missing Authorization header")
			return
		}

		parts := strings.Split(header, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			writeError(w, http.StatusUnauthorized, "invalid Authorization format, expected 'Bearer <token>'")
			return
		}

		claims, err := a.tokens.Validate(parts[1])
		if err != nil {
			a.log.WithError(err).Debug("token rejected")
			writeError(w, http.StatusUnauthorized, "invalid or expired token")
			return
		}

		ctx := context.WithValue(r.Context(), identityKey, Identity{
			UserID:   claims.UserID,
			Username: claims.Username,
		})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// IdentityFromContext retrieves the authenticated caller. Handlers mounted
// behind RequireAuth can rely on it being present.
func IdentityFromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey).(Identity)
	return id, ok
}
