package httptransport

import (
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// ApproveAuth verifies the bearer token the external approval workflow
// presents. The engine never issues tokens; it only checks the caller is the
// workflow that holds the shared signing key.
func ApproveAuth(signingKey string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			raw, found := strings.CutPrefix(header, "Bearer ")
			if !found || raw == "" {
				writeError(w, http.StatusUnauthorized, "missing bearer token")
				return
			}
			token, err := jwt.Parse(raw, func(t *jwt.Token) (any, error) {
				if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, jwt.ErrSignatureInvalid
				}
				return []byte(signingKey), nil
			}, jwt.WithValidMethods([]string{"HS256"}))
			if err != nil || !token.Valid {
				writeError(w, http.StatusUnauthorized, "invalid token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
