package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

var ok = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusNoContent)
})

func TestCORS(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		allowed     []string
		origin      string
		wantOrigin  string
		wantCredsOK bool
	}{
		{"wildcard echoes origin", []string{"*"}, "https://widget.example", "https://widget.example", false},
		{"explicit origin gets credentials", []string{"https://widget.example"}, "https://widget.example", "https://widget.example", true},
		{"foreign origin", []string{"https://widget.example"}, "https://evil.example", "", false},
		{"no origin", []string{"*"}, "", "", false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			req := httptest.NewRequest(http.MethodGet, "/health", nil)
			if tc.origin != "" {
				req.Header.Set("Origin", tc.origin)
			}
			w := httptest.NewRecorder()
			CORS(tc.allowed)(ok).ServeHTTP(w, req)

			if got := w.Header().Get("Access-Control-Allow-Origin"); got != tc.wantOrigin {
				t.Errorf("Allow-Origin = %q, want %q", got, tc.wantOrigin)
			}
			if got := w.Header().Get("Access-Control-Allow-Credentials") == "true"; got != tc.wantCredsOK {
				t.Errorf("Allow-Credentials = %v, want %v", got, tc.wantCredsOK)
			}
			if w.Code != http.StatusNoContent {
				t.Errorf("status = %d, want %d", w.Code, http.StatusNoContent)
			}
		})
	}
}

func TestCORSPreflight(t *testing.T) {
	t.Parallel()
	req := httptest.NewRequest(http.MethodOptions, "/api/v1/incoming", nil)
	req.Header.Set("Origin", "https://widget.example")
	w := httptest.NewRecorder()

	CORS([]string{"*"})(ok).ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Headers"); got != "Content-Type, X-Webhook-Token" {
		t.Errorf("Allow-Headers = %q", got)
	}
}

func TestWebhookToken(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		secret string
		header string
		want   int
	}{
		{"disabled", "", "", http.StatusNoContent},
		{"match", "s3cret", "s3cret", http.StatusNoContent},
		{"missing", "s3cret", "", http.StatusUnauthorized},
		{"wrong", "s3cret", "guess", http.StatusUnauthorized},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			req := httptest.NewRequest(http.MethodPost, "/api/v1/incoming", nil)
			if tc.header != "" {
				req.Header.Set(WebhookTokenHeader, tc.header)
			}
			w := httptest.NewRecorder()
			WebhookToken(tc.secret)(ok).ServeHTTP(w, req)

			if w.Code != tc.want {
				t.Errorf("status = %d, want %d", w.Code, tc.want)
			}
		})
	}
}
