package transport

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"nhooyr.io/websocket"

	"github.com/gastownhall/sessionlink/internal/wire"
)

func echoServer(t *testing.T, token string) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	handler := func(w http.ResponseWriter, r *http.Request) {
		if token != "" && r.Header.Get("Authorization") != "Bearer "+token {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer c.CloseNow()
		for {
			typ, data, err := c.Read(r.Context())
			if err != nil {
				return
			}
			if string(data) == "policy" {
				_ = c.Close(websocket.StatusPolicyViolation, "go away")
				return
			}
			if err := c.Write(r.Context(), typ, append([]byte(r.URL.Path+":"), data...)); err != nil {
				return
			}
		}
	}
	mux.HandleFunc("/ws", handler)
	mux.HandleFunc("/shell", handler)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestWebSocketDialerURL(t *testing.T) {
	d := NewWebSocketDialer("https://example.com/base/", "s3cret")
	got, err := d.URL(wire.Shell)
	if err != nil {
		t.Fatalf("URL() error = %v", err)
	}
	if want := "wss://example.com/base/shell?token=s3cret"; got != want {
		t.Fatalf("URL() = %q, want %q", got, want)
	}

	d = NewWebSocketDialer("ftp://example.com", "")
	if _, err := d.URL(wire.Command); err == nil {
		t.Fatal("URL() error = nil for ftp scheme")
	}
}

func TestWebSocketDialerRoundTrip(t *testing.T) {
	srv := echoServer(t, "tok")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for _, ch := range []wire.Channel{wire.Command, wire.Shell} {
		c, err := NewWebSocketDialer(srv.URL, "tok").Dial(ctx, ch)
		if err != nil {
			t.Fatalf("Dial(%s) error = %v", ch, err)
		}
		if err := c.Write(ctx, []byte("hi")); err != nil {
			t.Fatalf("Write() error = %v", err)
		}
		data, err := c.Read(ctx)
		if err != nil {
			t.Fatalf("Read() error = %v", err)
		}
		if want := ch.Path() + ":hi"; string(data) != want {
			t.Fatalf("Read() = %q, want %q", data, want)
		}
		_ = c.Close("done")
	}
}

func TestWebSocketDialerUnauthorizedIsFatal(t *testing.T) {
	srv := echoServer(t, "tok")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := NewWebSocketDialer(srv.URL, "wrong").Dial(ctx, wire.Command)
	if err == nil {
		t.Fatal("Dial() error = nil, want fatal error")
	}
	if !errors.Is(err, ErrFatal) {
		t.Fatalf("Dial() error = %v, want ErrFatal", err)
	}
	var fe *FatalError
	if !errors.As(err, &fe) || fe.StatusCode != http.StatusUnauthorized {
		t.Fatalf("Dial() error = %#v, want status 401", err)
	}
}

func TestWebSocketDialerUnreachableIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := NewWebSocketDialer(url, "").Dial(ctx, wire.Command)
	if err == nil {
		t.Fatal("Dial() error = nil for closed server")
	}
	if errors.Is(err, ErrFatal) {
		t.Fatalf("Dial() error = %v, want transient", err)
	}
}

func TestPolicyViolationCloseIsFatal(t *testing.T) {
	srv := echoServer(t, "")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, err := NewWebSocketDialer(srv.URL, "").Dial(ctx, wire.Command)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	if err := c.Write(ctx, []byte("policy")); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	_, err = c.Read(ctx)
	if !errors.Is(err, ErrFatal) {
		t.Fatalf("Read() error = %v, want ErrFatal", err)
	}
}

func TestIsFatalStatus(t *testing.T) {
	for code, want := range map[int]bool{401: true, 403: true, 404: false, 500: false} {
		if got := IsFatalStatus(code); got != want {
			t.Fatalf("IsFatalStatus(%d) = %v, want %v", code, got, want)
		}
	}
}
