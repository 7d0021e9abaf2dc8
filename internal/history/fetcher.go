package history

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gastownhall/sessionlink/internal/wire"
)

// HTTPFetcher reads history from
// GET {BaseURL}/api/projects/{Project}/sessions/{Session}/messages?limit=&offset=.
type HTTPFetcher struct {
	BaseURL string
	Token   string
	Project string
	Session string
	Client  *http.Client
}

type messagesResponse struct {
	Messages []storedMessage `json:"messages"`
	Total    int             `json:"total"`
	HasMore  bool            `json:"hasMore"`
}

type storedMessage struct {
	UUID      string `json:"uuid"`
	Type      string `json:"type"`
	Timestamp string `json:"timestamp"`
	Message   *struct {
		Role    string          `json:"role"`
		Content json.RawMessage `json:"content"`
	} `json:"message"`
}

// URL returns the request URL for one page.
func (f *HTTPFetcher) URL(limit, offset int) (string, error) {
	if f.Project == "" || f.Session == "" {
		return "", fmt.Errorf("history: project and session are required")
	}
	base, err := url.Parse(strings.TrimRight(f.BaseURL, "/"))
	if err != nil {
		return "", fmt.Errorf("history: parse base url: %w", err)
	}
	escaped := base.EscapedPath() + "/api/projects/" + url.PathEscape(f.Project) + "/sessions/" + url.PathEscape(f.Session) + "/messages"
	if base.Path, err = url.PathUnescape(escaped); err != nil {
		return "", fmt.Errorf("history: build path: %w", err)
	}
	base.RawPath = escaped
	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	q.Set("offset", strconv.Itoa(offset))
	base.RawQuery = q.Encode()
	return base.String(), nil
}

func (f *HTTPFetcher) Fetch(ctx context.Context, limit, offset int) (Page, error) {
	endpoint, err := f.URL(limit, offset)
	if err != nil {
		return Page{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Page{}, fmt.Errorf("history: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if f.Token != "" {
		req.Header.Set("Authorization", "Bearer "+f.Token)
	}
	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return Page{}, fmt.Errorf("history: request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Page{}, fmt.Errorf("history: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var decoded messagesResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return Page{}, fmt.Errorf("history: decode: %w", err)
	}
	page := Page{Total: decoded.Total, HasMore: decoded.HasMore, Messages: make([]Message, 0, len(decoded.Messages))}
	for _, sm := range decoded.Messages {
		page.Messages = append(page.Messages, sm.toMessage())
	}
	return page, nil
}

func (sm storedMessage) toMessage() Message {
	msg := Message{ID: sm.UUID, Role: sm.Type}
	if sm.Message != nil {
		if sm.Message.Role != "" {
			msg.Role = sm.Message.Role
		}
		msg.Text = wire.FlattenContent(sm.Message.Content)
	}
	if ts, err := time.Parse(time.RFC3339Nano, sm.Timestamp); err == nil {
		msg.Timestamp = ts
	}
	return msg
}
