// internal/server/middleware.go
package server

import (
	"net/http"
	"strings"

	"github.com/markb/boardsync/internal/auth"
	"github.com/markb/boardsync/internal/log"
)

// serviceKeyMiddleware admits only requests carrying a service_role API key,
// either in the apikey header or as a bearer token.
func (s *Server) serviceKeyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("apikey")
		if key == "" {
			authHeader := r.Header.Get("Authorization")
			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
				key = strings.TrimSpace(parts[1])
			}
		}
		if key == "" {
			s.writeError(w, http.StatusUnauthorized, "no_api_key", "API key required")
			return
		}

		role, err := s.authService.ValidateAPIKey(key)
		if err != nil {
			log.Debug("rejected api key", "path", r.URL.Path, "error", err.Error())
			s.writeError(w, http.StatusUnauthorized, "invalid_api_key", "Invalid API key")
			return
		}
		if role != string(auth.APIKeyServiceRole) {
			s.writeError(w, http.StatusForbidden, "forbidden", "Service role key required")
			return
		}
		next.ServeHTTP(w, r)
	})
}
