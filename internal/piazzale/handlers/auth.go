package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/avvvet/piazzale-services/internal/piazzale/models"
	"github.com/avvvet/piazzale-services/internal/piazzale/service"
	"github.com/go-chi/jwtauth"
)

type ctxKey int

const sessionKey ctxKey = iota

// SessionFromContext returns the session attached by authenticator.
func SessionFromContext(ctx context.Context) (*models.Session, bool) {
	s, ok := ctx.Value(sessionKey).(*models.Session)
	return s, ok
}

// authenticator runs after jwtauth.Verifier. The token must be valid and its
// session must still exist, so logout revokes the token.
func (h *Handler) authenticator(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, claims, err := jwtauth.FromContext(r.Context())
		if err != nil || token == nil {
			writeError(w, http.StatusUnauthorized, msgUnauthorized)
			return
		}
		role, _ := claims[service.ClaimRole].(string)
		sid, _ := claims[service.ClaimSession].(string)

		sess, err := h.auth.ValidateSession(r.Context(), sid)
		if errors.Is(err, service.ErrUnauthorized) || (err == nil && string(sess.Role) != role) {
			writeError(w, http.StatusUnauthorized, msgUnauthorized)
			return
		}
		if err != nil {
			handleError(w, r, err, msgUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), sessionKey, sess)))
	})
}

func requireRole(roles ...models.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sess, ok := SessionFromContext(r.Context())
			if !ok {
				writeError(w, http.StatusUnauthorized, msgUnauthorized)
				return
			}
			for _, role := range roles {
				if sess.Role == role {
					next.ServeHTTP(w, r)
					return
				}
			}
			writeError(w, http.StatusForbidden, msgAdminOnly)
		})
	}
}

// requireStore answers 503 while the store supervisor reports it down.
func (h *Handler) requireStore(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !h.storeUp() {
			writeError(w, http.StatusServiceUnavailable, msgStoreDown)
			return
		}
		next.ServeHTTP(w, r)
	})
}
