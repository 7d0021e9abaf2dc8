package history

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestHTTPFetcherParsesBothContentShapes(t *testing.T) {
	var gotPath, gotQuery, gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath, gotQuery, gotAuth = r.URL.Path, r.URL.RawQuery, r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"messages":[
			{"uuid":"u1","type":"user","timestamp":"2026-02-14T01:44:54.253Z","message":{"role":"user","content":"hello"}},
			{"uuid":"a1","type":"assistant","timestamp":"2026-02-14T01:45:00.362Z","message":{"role":"assistant","content":[{"type":"text","text":"Hi"},{"type":"tool_use","name":"Read"}]}}
		],"total":12,"hasMore":true}`))
	}))
	defer srv.Close()

	f := &HTTPFetcher{BaseURL: srv.URL, Token: "tok", Project: "my proj", Session: "s1"}
	page, err := f.Fetch(context.Background(), 20, 40)
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if gotPath != "/api/projects/my proj/sessions/s1/messages" {
		t.Fatalf("path = %q", gotPath)
	}
	if gotQuery != "limit=20&offset=40" {
		t.Fatalf("query = %q, want limit=20&offset=40", gotQuery)
	}
	if gotAuth != "Bearer tok" {
		t.Fatalf("Authorization = %q", gotAuth)
	}
	if page.Total != 12 || !page.HasMore || len(page.Messages) != 2 {
		t.Fatalf("page = %+v", page)
	}
	if m := page.Messages[0]; m.ID != "u1" || m.Role != RoleUser || m.Text != "hello" {
		t.Fatalf("user message = %+v", m)
	}
	if m := page.Messages[1]; m.ID != "a1" || m.Role != RoleAssistant || m.Text != "Hi" {
		t.Fatalf("assistant message = %+v", m)
	}
	if page.Messages[1].Timestamp.IsZero() {
		t.Fatal("timestamp not parsed")
	}
}

func TestHTTPFetcherEmptySession(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"messages":null,"total":0,"hasMore":false}`))
	}))
	defer srv.Close()

	m := New(&HTTPFetcher{BaseURL: srv.URL, Project: "p", Session: "s"}, Options{})
	res, err := m.LoadInitial(context.Background())
	if err != nil {
		t.Fatalf("LoadInitial() error = %v, want nil for empty session", err)
	}
	if !res.Empty || res.HasMore || res.Count != 0 {
		t.Fatalf("LoadInitial() = %+v, want empty without more", res)
	}
}

func TestHTTPFetcherStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := (&HTTPFetcher{BaseURL: srv.URL, Project: "p", Session: "s"}).Fetch(context.Background(), 1, 0)
	if err == nil || !strings.Contains(err.Error(), "status 500") {
		t.Fatalf("Fetch() error = %v, want status 500", err)
	}
}

func TestHTTPFetcherRequiresIDs(t *testing.T) {
	if _, err := (&HTTPFetcher{BaseURL: "http://x"}).URL(1, 0); err == nil {
		t.Fatal("URL() error = nil without project/session")
	}
}
