package mockserver

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// storedMessage mirrors the history REST shape: user content is a plain
// string, assistant content an array of typed segments.
type storedMessage struct {
	UUID      string      `json:"uuid"`
	Type      string      `json:"type"`
	Timestamp string      `json:"timestamp"`
	Message   messageBody `json:"message"`
}

type messageBody struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type textSegment struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type session struct {
	project  string
	messages []storedMessage
}

// store keeps session transcripts in memory, oldest first.
type store struct {
	mu       sync.Mutex
	now      func() time.Time
	sessions map[string]*session
}

func newStore(now func() time.Time) *store {
	return &store{now: now, sessions: make(map[string]*session)}
}

func (s *store) ensure(id, project string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[id]; !ok {
		s.sessions[id] = &session{project: project}
	}
}

func (s *store) exists(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.sessions[id]
	return ok
}

func (s *store) append(id, role, text string) storedMessage {
	msg := storedMessage{
		UUID:      uuid.NewString(),
		Type:      role,
		Timestamp: s.now().UTC().Format(time.RFC3339Nano),
		Message:   messageBody{Role: role, Content: text},
	}
	if role == "assistant" {
		msg.Message.Content = []textSegment{{Type: "text", Text: text}}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		sess = &session{}
		s.sessions[id] = sess
	}
	sess.messages = append(sess.messages, msg)
	return msg
}

// page returns up to limit messages ending offset messages before the
// newest, in ascending order.
func (s *store) page(id string, limit, offset int) (msgs []storedMessage, total int, hasMore bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, 0, false
	}
	total = len(sess.messages)
	end := max(total-offset, 0)
	start := max(end-limit, 0)
	msgs = append([]storedMessage(nil), sess.messages[start:end]...)
	return msgs, total, start > 0
}
