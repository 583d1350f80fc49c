package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
)

type userIDKey struct{}

// requireAuth rejects unauthenticated requests with 401 and passes the user ID to next through
// the request context.
func (m Main) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, err := m.auth.Authenticate(r)
		if err != nil {
			m.logger.Debug("Unauthorized request",
				slog.String("path", r.URL.Path),
				slog.String(errLoggerKey, err.Error()))
			writeJSONError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), userIDKey{}, userID)))
	}
}

func userIDFromContext(ctx context.Context) string {
	userID, _ := ctx.Value(userIDKey{}).(string)
	return userID
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
