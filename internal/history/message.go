// Package history merges paginated REST history with live-streamed chat
// messages into one ordered, duplicate-free sequence.
package history

import (
	"context"
	"strings"
	"time"
)

// Role values.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleError     = "error"
)

// Message is one displayable chat message.
type Message struct {
	ID        string    `json:"id"` // server uuid, or a local id until the server copy is seen
	Role      string    `json:"role"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`

	// Live is set for messages that arrived over the command channel.
	Live bool `json:"live,omitempty"`
	// Provisional marks a local copy that a history page may replace.
	Provisional bool `json:"provisional,omitempty"`
	// Streaming is set while an assistant turn is still receiving chunks.
	Streaming bool `json:"streaming,omitempty"`
	// ClientMessageID links a message to the send that produced it.
	ClientMessageID string `json:"clientMessageId,omitempty"`
}

// Page is one history fetch result, oldest message first.
type Page struct {
	Messages []Message
	Total    int
	HasMore  bool
}

// Fetcher retrieves history pages counted back from the newest message.
type Fetcher interface {
	Fetch(ctx context.Context, limit, offset int) (Page, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context, limit, offset int) (Page, error)

func (f FetcherFunc) Fetch(ctx context.Context, limit, offset int) (Page, error) {
	return f(ctx, limit, offset)
}

// LoadResult summarises a successful load. Empty is a valid outcome, not
// an error.
type LoadResult struct {
	Count   int  // messages added to the sequence
	Empty   bool // the page held no messages
	HasMore bool // older pages remain
}

// sameText compares message text ignoring whitespace layout, which differs
// between streamed chunks and stored segments.
func sameText(a, b string) bool {
	return strings.Join(strings.Fields(a), "") == strings.Join(strings.Fields(b), "")
}
