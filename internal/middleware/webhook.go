package middleware

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
)

// WebhookTokenHeader carries the shared secret of inbound callbacks.
const WebhookTokenHeader = "X-Webhook-Token"

// WebhookToken rejects requests whose X-Webhook-Token does not match token.
// An empty token disables the check.
func WebhookToken(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if token == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.Header.Get(WebhookTokenHeader)
			if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				slog.Warn("Rejected request with bad webhook token", "path", r.URL.Path, "remote", r.RemoteAddr)
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				_, _ = w.Write([]byte(`{"error":"unauthorized"}`))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
