package httpserver

import (
	"crypto/subtle"
	"net/http"

	"golang.org/x/crypto/bcrypt"

	"github.com/fairyhunter13/deep-research/internal/config"
)

// BasicAuthGuard protects the admin surface with HTTP basic auth. The
// password is checked against the bcrypt hash from config; the username
// comparison is constant-time. Credentials are verified on every request,
// there is no session state.
func BasicAuthGuard(cfg config.Config) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user, pass, ok := r.BasicAuth()
			if !ok || !checkAdminCredentials(cfg, user, pass) {
				w.Header().Set("WWW-Authenticate", `Basic realm="admin", charset="UTF-8"`)
				writeJSON(w, http.StatusUnauthorized, errorEnvelope{Error: apiError{
					Code:    "UNAUTHORIZED",
					Message: "admin credentials required",
				}})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func checkAdminCredentials(cfg config.Config, user, pass string) bool {
	if !cfg.AdminEnabled() {
		return false
	}
	userOK := subtle.ConstantTimeCompare([]byte(user), []byte(cfg.AdminUsername)) == 1
	passOK := bcrypt.CompareHashAndPassword([]byte(cfg.AdminPasswordBcrypt), []byte(pass)) == nil
	return userOK && passOK
}
