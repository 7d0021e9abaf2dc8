// Package mockserver is an in-process stand-in for the remote
// command-execution service: a command channel at /ws that streams chat
// turns, a shell channel at /shell, and the paginated history endpoint.
package mockserver

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"pkt.systems/pslog"

	"github.com/gastownhall/sessionlink/internal/logx"
	"github.com/gastownhall/sessionlink/internal/wire"
)

const (
	defaultPageSize = 50
	readLimit       = 1 << 20
)

// Options configures a Server.
type Options struct {
	Token          string
	OriginPatterns []string

	// Reply produces the assistant's streamed chunks for a chat message.
	Reply func(content string) []string
	// Shell produces the output and exit code of a shell command.
	Shell func(command, cwd string) (output string, code int)
	// Ack sends an explicit message-ack before any other reply.
	Ack bool
	// ChunkDelay spaces streamed chunks.
	ChunkDelay time.Duration

	Now    func() time.Time
	Logger pslog.Logger
}

// Server serves both channels and the history endpoint.
type Server struct {
	opts    Options
	log     pslog.Logger
	store   *store
	clients map[*Client]struct{}
	mu      sync.Mutex
}

// New creates a Server.
func New(opts Options) *Server {
	if opts.Reply == nil {
		opts.Reply = EchoReply
	}
	if opts.Shell == nil {
		opts.Shell = EchoShell
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	opts.Token = strings.TrimSpace(opts.Token)
	return &Server{
		opts:    opts,
		log:     logx.Or(opts.Logger).With("component", "mockserver"),
		store:   newStore(opts.Now),
		clients: make(map[*Client]struct{}),
	}
}

// EchoReply answers "You said: <content>" in word-sized chunks.
func EchoReply(content string) []string {
	return strings.SplitAfter("You said: "+content, " ")
}

// EchoShell prints the command back in bold and exits 0.
func EchoShell(command, cwd string) (string, int) {
	return "\x1b[1m$ " + command + "\x1b[0m\r\n", 0
}

// Handler returns the HTTP handler for all endpoints.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(wire.Command.Path(), func(w http.ResponseWriter, r *http.Request) {
		s.handleWebSocket(w, r, wire.Command)
	})
	mux.HandleFunc(wire.Shell.Path(), func(w http.ResponseWriter, r *http.Request) {
		s.handleWebSocket(w, r, wire.Shell)
	})
	mux.HandleFunc("GET /api/projects/{project}/sessions/{session}/messages", s.handleMessages)
	return CorsHandler(mux)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request, ch wire.Channel) {
	if !IsAuthorizedRequest(s.opts.Token, r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	conn, err := AcceptWebSocket(w, r, s.opts.OriginPatterns)
	if err != nil {
		return
	}
	conn.SetReadLimit(readLimit)

	client := newClient(conn, s, ch)
	s.addClient(client)
	defer s.removeClient(client)
	client.run()
}

func (s *Server) addClient(c *Client) {
	s.mu.Lock()
	s.clients[c] = struct{}{}
	count := len(s.clients)
	s.mu.Unlock()
	c.log.Info("client connected", "clients", count)
}

func (s *Server) removeClient(c *Client) {
	s.mu.Lock()
	delete(s.clients, c)
	count := len(s.clients)
	s.mu.Unlock()
	c.cleanup()
	c.log.Info("client disconnected", "clients", count)
}

// ClientCount returns the number of connected clients.
func (s *Server) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// DropAll abruptly closes every connection.
func (s *Server) DropAll() {
	for _, c := range s.snapshotClients() {
		c.drop()
	}
}

// RevokeAll closes every connection with a policy violation.
func (s *Server) RevokeAll() {
	for _, c := range s.snapshotClients() {
		c.revoke()
	}
}

func (s *Server) snapshotClients() []*Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Client, 0, len(s.clients))
	for c := range s.clients {
		out = append(out, c)
	}
	return out
}

// Seed appends a message to a session's history, creating the session.
func (s *Server) Seed(sessionID, project, role, text string) {
	s.store.ensure(sessionID, project)
	s.store.append(sessionID, role, text)
}

func (c *Client) handleText(data []byte) {
	var msg clientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		c.sendError("", "invalid JSON")
		return
	}
	if c.server.opts.Ack && msg.ClientMessageID != "" {
		c.sendJSON(serverMessage{Type: wire.TypeMessageAck, ClientMessageID: msg.ClientMessageID})
	}
	switch c.channel {
	case wire.Command:
		c.handleCommand(msg)
	case wire.Shell:
		c.handleShell(msg)
	}
}

func (c *Client) handleCommand(msg clientMessage) {
	switch msg.Type {
	case wire.TypeClaudeCommand:
		c.startTurn(msg)
	case wire.TypeAbortSession:
		c.mu.Lock()
		stop, running := c.turns[msg.SessionID]
		c.mu.Unlock()
		if running {
			stop()
		}
		ok := running || c.server.store.exists(msg.SessionID)
		c.sendJSON(serverMessage{
			Type:            wire.TypeSessionAborted,
			ClientMessageID: msg.ClientMessageID,
			SessionID:       msg.SessionID,
			Success:         &ok,
		})
	default:
		c.sendError(msg.ClientMessageID, "unknown message type: "+msg.Type)
	}
}

func (c *Client) startTurn(msg clientMessage) {
	if strings.TrimSpace(msg.Content) == "" {
		c.sendJSON(serverMessage{Type: wire.TypeClaudeError, ClientMessageID: msg.ClientMessageID, Message: "empty message"})
		return
	}
	st := c.server.store
	sessionID := msg.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
		st.ensure(sessionID, msg.ProjectPath)
		c.sendJSON(serverMessage{Type: wire.TypeSessionCreated, ClientMessageID: msg.ClientMessageID, SessionID: sessionID})
	} else {
		st.ensure(sessionID, msg.ProjectPath)
	}
	st.append(sessionID, "user", msg.Content)

	ctx, cancel := context.WithCancel(c.ctx)
	c.mu.Lock()
	if c.turns == nil {
		c.mu.Unlock()
		cancel()
		return
	}
	c.turns[sessionID] = cancel
	c.mu.Unlock()

	chunks := c.server.opts.Reply(msg.Content)
	go c.streamTurn(ctx, msg.ClientMessageID, sessionID, chunks)
}

func (c *Client) streamTurn(ctx context.Context, clientMessageID, sessionID string, chunks []string) {
	defer func() {
		c.mu.Lock()
		if c.turns != nil {
			delete(c.turns, sessionID)
		}
		c.mu.Unlock()
	}()
	var full strings.Builder
	for _, chunk := range chunks {
		if delay := c.server.opts.ChunkDelay; delay > 0 {
			select {
			case <-ctx.Done():
			case <-time.After(delay):
			}
		}
		if ctx.Err() != nil {
			return
		}
		full.WriteString(chunk)
		c.sendJSON(serverMessage{
			Type:            wire.TypeClaudeOutput,
			ClientMessageID: clientMessageID,
			SessionID:       sessionID,
			Content:         chunk,
			Timestamp:       c.server.opts.Now().UTC().Format(time.RFC3339Nano),
		})
	}
	c.server.store.append(sessionID, "assistant", full.String())
	code := 0
	c.sendJSON(serverMessage{Type: wire.TypeClaudeComplete, ClientMessageID: clientMessageID, SessionID: sessionID, ExitCode: &code})
}

func (c *Client) handleShell(msg clientMessage) {
	switch msg.Type {
	case wire.TypeShellCommand:
		if strings.TrimSpace(msg.Command) == "" {
			c.sendError(msg.ClientMessageID, "empty command")
			return
		}
		output, code := c.server.opts.Shell(msg.Command, msg.Cwd)
		c.sendJSON(serverMessage{Type: wire.TypeOutput, ClientMessageID: msg.ClientMessageID, Data: output})
		c.sendJSON(serverMessage{Type: wire.TypeExit, ClientMessageID: msg.ClientMessageID, Code: &code})
	case wire.TypeResize:
		if msg.Cols <= 0 || msg.Rows <= 0 {
			c.sendError(msg.ClientMessageID, "invalid size")
			return
		}
		c.mu.Lock()
		c.cols, c.rows = msg.Cols, msg.Rows
		c.mu.Unlock()
	default:
		c.sendError(msg.ClientMessageID, "unknown message type: "+msg.Type)
	}
}

// handleMessages serves GET .../sessions/{session}/messages?limit=&offset=.
// The project segment is not checked.
func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	if !IsAuthorizedRequest(s.opts.Token, r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	sessionID := r.PathValue("session")
	if !s.store.exists(sessionID) {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}
	limit, err := queryInt(r, "limit", defaultPageSize)
	if err != nil || limit <= 0 {
		http.Error(w, "invalid limit", http.StatusBadRequest)
		return
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil || offset < 0 {
		http.Error(w, "invalid offset", http.StatusBadRequest)
		return
	}
	msgs, total, hasMore := s.store.page(sessionID, limit, offset)
	if msgs == nil {
		msgs = []storedMessage{}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(struct {
		Messages []storedMessage `json:"messages"`
		Total    int             `json:"total"`
		HasMore  bool            `json:"hasMore"`
	}{msgs, total, hasMore})
}

func queryInt(r *http.Request, key string, def int) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def, nil
	}
	return strconv.Atoi(v)
}
