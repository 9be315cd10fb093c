package httpapi

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"mealcredits/internal/models"
)

type contextKey string

const contextKeyUser contextKey = "user"

// optionalAuth attaches the signed-in user when a bearer token is present.
// No token means an anonymous caller; a token that does not verify is
// rejected rather than downgraded to anonymous.
func (s *Server) optionalAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, present, err := bearerToken(r)
		if err != nil {
			respondError(w, http.StatusUnauthorized, err)
			return
		}
		if !present {
			next.ServeHTTP(w, r)
			return
		}
		if s.auth == nil {
			respondError(w, http.StatusServiceUnavailable, errors.New("authentication not configured"))
			return
		}
		user, err := s.auth.Authenticate(r.Context(), token)
		if err != nil {
			log.Debug().Err(err).Str("path", r.URL.Path).Msg("rejected bearer token")
			respondError(w, http.StatusUnauthorized, errors.New("invalid or expired token"))
			return
		}
		ctx := context.WithValue(r.Context(), contextKeyUser, user)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requireUser rejects anonymous callers. It runs after optionalAuth.
func requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if userFromContext(r.Context()) == nil {
			respondError(w, http.StatusUnauthorized, errors.New("missing authorization header"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) internalAPIKeyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.InternalAPIKey == "" {
			respondError(w, http.StatusServiceUnavailable, errors.New("internal API key not configured"))
			return
		}
		apiKey := r.Header.Get("X-API-Key")
		if apiKey == "" {
			respondError(w, http.StatusUnauthorized, errors.New("missing X-API-Key header"))
			return
		}
		if subtle.ConstantTimeCompare([]byte(apiKey), []byte(s.cfg.InternalAPIKey)) != 1 {
			respondError(w, http.StatusUnauthorized, errors.New("invalid API key"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// bearerToken reads the Authorization header. Websocket upgrades may pass
// the token as access_token since browsers cannot set headers on them.
func bearerToken(r *http.Request) (string, bool, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		if websocket.IsWebSocketUpgrade(r) {
			if t := r.URL.Query().Get("access_token"); t != "" {
				return t, true, nil
			}
		}
		return "", false, nil
	}
	parts := strings.Fields(header)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false, errors.New("invalid authorization header format")
	}
	return parts[1], true, nil
}

func userFromContext(ctx context.Context) *models.User {
	if user, ok := ctx.Value(contextKeyUser).(models.User); ok && user.ID != "" {
		return &user
	}
	return nil
}
