package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/jwtauth"
)

type contextKey string

const userIDKey contextKey = "user_id"

// Authenticator verifies the JWT attached by jwtauth.Verifier and resolves
// the authenticated user's numeric ID from the "user_id" claim into the
// request context. Requests without a valid token or claim get 401.
func Authenticator(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, claims, err := jwtauth.FromContext(r.Context())
		if err != nil || token == nil {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}

		userID, ok := userIDClaim(claims)
		if !ok {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), userIDKey, userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// userIDClaim extracts a numeric user ID from the claim value, which may
// arrive as any of the types JSON decoding produces.
func userIDClaim(claims map[string]interface{}) (int64, bool) {
	switch v := claims["user_id"].(type) {
	case float64:
		return int64(v), true
	case int64:
		return v, true
	case int:
		return int64(v), true
	case json.Number:
		n, err := v.Int64()
		return n, err == nil
	default:
		return 0, false
	}
}

// UserID returns the authenticated user's ID from the request context.
func UserID(ctx context.Context) (int64, bool) {
	id, ok := ctx.Value(userIDKey).(int64)
	return id, ok
}
