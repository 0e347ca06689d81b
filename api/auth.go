package api

import (
	"context"
	"net/http"

	"golang.org/x/crypto/bcrypt"

	"opclink/config"
)

type contextKey string

const userContextKey contextKey = "api-user"

// checkPassword verifies a plaintext password against a bcrypt hash.
func checkPassword(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// HashPassword generates a bcrypt hash for storing in the config file.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// basicAuth enforces HTTP basic authentication against the configured
// user list. An empty user list disables authentication entirely.
func (s *Server) basicAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(s.config.Users) == 0 {
			next.ServeHTTP(w, r)
			return
		}

		username, password, ok := r.BasicAuth()
		if ok {
			for i := range s.config.Users {
				u := &s.config.Users[i]
				if u.Username == username && checkPassword(u.PasswordHash, password) {
					ctx := context.WithValue(r.Context(), userContextKey, u)
					next.ServeHTTP(w, r.WithContext(ctx))
					return
				}
			}
		}

		w.Header().Set("WWW-Authenticate", `Basic realm="opclink"`)
		s.writeError(w, http.StatusUnauthorized, "authentication required")
	})
}

// requestUser returns the authenticated user, or nil when
// authentication is disabled.
func requestUser(r *http.Request) *config.WebUser {
	u, _ := r.Context().Value(userContextKey).(*config.WebUser)
	return u
}

// isAdmin reports whether the request may perform writes. With
// authentication disabled every request is an admin.
func isAdmin(r *http.Request) bool {
	u := requestUser(r)
	if u == nil {
		return true
	}
	return u.Role == config.RoleAdmin
}
