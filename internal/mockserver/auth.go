package mockserver

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"nhooyr.io/websocket"
)

// IsAuthorizedRequest reports whether r carries token as a bearer header
// or a ?token= query parameter. An empty token authorizes everything.
func IsAuthorizedRequest(token string, r *http.Request) bool {
	token = strings.TrimSpace(token)
	if token == "" {
		return true
	}
	if auth := r.Header.Get("Authorization"); auth != "" {
		if bearer, ok := strings.CutPrefix(auth, "Bearer "); ok && TokensEqual(token, strings.TrimSpace(bearer)) {
			return true
		}
	}
	return TokensEqual(token, strings.TrimSpace(r.URL.Query().Get("token")))
}

// TokensEqual compares tokens in constant time. Empty tokens never match.
func TokensEqual(expected, actual string) bool {
	if expected == "" || actual == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(expected), []byte(actual)) == 1
}

// CorsHandler wraps an HTTP handler with permissive CORS headers and no-store caching.
func CorsHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}

// AcceptWebSocket upgrades the request. Without origin patterns any origin
// is accepted.
func AcceptWebSocket(w http.ResponseWriter, r *http.Request, originPatterns []string) (*websocket.Conn, error) {
	opts := &websocket.AcceptOptions{OriginPatterns: originPatterns}
	if len(originPatterns) == 0 {
		opts.InsecureSkipVerify = true
	}
	return websocket.Accept(w, r, opts)
}
