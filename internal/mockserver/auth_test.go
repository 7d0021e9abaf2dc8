package mockserver

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestIsAuthorizedRequest(t *testing.T) {
	tests := []struct {
		name   string
		token  string
		url    string
		header string
		want   bool
	}{
		{name: "no token configured", url: "/ws", want: true},
		{name: "bearer", token: "secret-token", url: "/ws", header: "Bearer secret-token", want: true},
		{name: "query", token: "secret-token", url: "/shell?token=secret-token", want: true},
		{name: "bearer with whitespace", token: "  secret-token  ", url: "/ws", header: "Bearer   secret-token  ", want: true},
		{name: "wrong header falls back to query", token: "secret-token", url: "/ws?token=secret-token", header: "Bearer nope", want: true},
		{name: "both wrong", token: "secret-token", url: "/ws?token=wrong", header: "Bearer also-wrong"},
		{name: "missing", token: "secret-token", url: "/shell"},
		{name: "other scheme", token: "secret-token", url: "/shell", header: "Basic secret-token"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "http://localhost:8080"+tt.url, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			if got := IsAuthorizedRequest(tt.token, req); got != tt.want {
				t.Fatalf("IsAuthorizedRequest() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestTokensEqual(t *testing.T) {
	tests := []struct {
		expected, actual string
		want             bool
	}{
		{"abc", "abc", true},
		{"abc", "xyz", false},
		{"", "abc", false},
		{"abc", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		if got := TokensEqual(tt.expected, tt.actual); got != tt.want {
			t.Fatalf("TokensEqual(%q, %q) = %v, want %v", tt.expected, tt.actual, got, tt.want)
		}
	}
}

func TestCorsHandler(t *testing.T) {
	called := false
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusTeapot)
	})

	rec := httptest.NewRecorder()
	CorsHandler(inner).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "http://localhost/api", nil))

	if !called {
		t.Fatal("expected inner handler to be called")
	}
	if rec.Code != http.StatusTeapot {
		t.Fatalf("status code = %d, want %d", rec.Code, http.StatusTeapot)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Fatalf("Access-Control-Allow-Origin = %q, want %q", got, "*")
	}
	if got := rec.Header().Get("Cache-Control"); got != "no-store" {
		t.Fatalf("Cache-Control = %q, want %q", got, "no-store")
	}
}
