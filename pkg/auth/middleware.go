package auth

import (
	"net/http"
)

// NewMiddleware admits requests carrying a valid bearer token for role and
// attaches the Principal. Everything else is passed to deny.
// A nil authenticator rejects every request.
func NewMiddleware(a *Authenticator, role Role, deny http.Handler) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if a == nil {
				deny.ServeHTTP(w, r)
				return
			}
			p, ok := a.Authenticate(r.Header.Get("Authorization"), role)
			if !ok {
				deny.ServeHTTP(w, r)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
		})
	}
}
