package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"nhooyr.io/websocket"

	"github.com/gastownhall/sessionlink/internal/wire"
)

// DefaultReadLimit bounds a single incoming frame. Terminal output and
// chat chunks are small; history is fetched over HTTP.
const DefaultReadLimit = 4 << 20

// WebSocketDialer dials {BaseURL}{channel path} with the bearer token in
// both the Authorization header and the token query parameter.
type WebSocketDialer struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
	ReadLimit  int64
}

// NewWebSocketDialer returns a dialer for baseURL (http, https, ws or wss).
func NewWebSocketDialer(baseURL, token string) *WebSocketDialer {
	return &WebSocketDialer{BaseURL: baseURL, Token: token}
}

// URL returns the endpoint for ch.
func (d *WebSocketDialer) URL(ch wire.Channel) (string, error) {
	u, err := url.Parse(strings.TrimRight(d.BaseURL, "/"))
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path += ch.Path()
	if d.Token != "" {
		q := u.Query()
		q.Set("token", d.Token)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

func (d *WebSocketDialer) Dial(ctx context.Context, ch wire.Channel) (Conn, error) {
	endpoint, err := d.URL(ch)
	if err != nil {
		return nil, &FatalError{Err: err}
	}
	opts := &websocket.DialOptions{HTTPClient: d.HTTPClient}
	if d.Token != "" {
		opts.HTTPHeader = http.Header{"Authorization": []string{"Bearer " + d.Token}}
	}
	c, resp, err := websocket.Dial(ctx, endpoint, opts)
	if err != nil {
		if resp != nil && IsFatalStatus(resp.StatusCode) {
			return nil, &FatalError{StatusCode: resp.StatusCode, Err: err}
		}
		return nil, fmt.Errorf("dial %s: %w", ch, err)
	}
	limit := d.ReadLimit
	if limit <= 0 {
		limit = DefaultReadLimit
	}
	c.SetReadLimit(limit)
	return &wsConn{c: c}, nil
}

type wsConn struct {
	c *websocket.Conn
}

func (w *wsConn) Read(ctx context.Context) ([]byte, error) {
	_, data, err := w.c.Read(ctx)
	if err != nil {
		if websocket.CloseStatus(err) == websocket.StatusPolicyViolation {
			return nil, &FatalError{Err: err}
		}
		return nil, err
	}
	return data, nil
}

func (w *wsConn) Write(ctx context.Context, data []byte) error {
	return w.c.Write(ctx, websocket.MessageText, data)
}

func (w *wsConn) Ping(ctx context.Context) error {
	return w.c.Ping(ctx)
}

func (w *wsConn) Close(reason string) error {
	err := w.c.Close(websocket.StatusNormalClosure, reason)
	var ce websocket.CloseError
	if errors.As(err, &ce) {
		return nil
	}
	return err
}
