package auth

import (
	"encoding/json"
	"errors"
	"net/http"
)

// Middleware rejects requests without a valid bearer token and stores the
// principal in the request context otherwise.
func (v *Verifier) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := extractBearerToken(r.Header.Get("Authorization"))
		if !ok {
			respondUnauthorized(w, "authorization header missing or invalid")
			return
		}

		principal, err := v.Verify(token)
		if err != nil {
			if errors.Is(err, ErrTokenExpired) {
				respondUnauthorized(w, "token expired")
				return
			}
			respondUnauthorized(w, "invalid token")
			return
		}

		next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), principal)))
	})
}

func respondUnauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", `Bearer realm="api"`)
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{"message": message})
}
