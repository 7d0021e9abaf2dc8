package mockserver

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"nhooyr.io/websocket"
	"pkt.systems/pslog"

	"github.com/gastownhall/sessionlink/internal/wire"
)

const (
	sendBuffer   = 256
	writeTimeout = 5 * time.Second
)

// serverMessage is every frame the mock sends; unused fields are omitted.
type serverMessage struct {
	Type            string `json:"type"`
	ClientMessageID string `json:"clientMessageId,omitempty"`
	SessionID       string `json:"sessionId,omitempty"`
	Content         any    `json:"content,omitempty"`
	Timestamp       string `json:"timestamp,omitempty"`
	Data            string `json:"data,omitempty"`
	Message         string `json:"message,omitempty"`
	Code            *int   `json:"code,omitempty"`
	ExitCode        *int   `json:"exitCode,omitempty"`
	Success         *bool  `json:"success,omitempty"`
}

// clientMessage is every frame the mock accepts.
type clientMessage struct {
	Type            string `json:"type"`
	ClientMessageID string `json:"clientMessageId"`
	Content         string `json:"content"`
	ProjectPath     string `json:"projectPath"`
	SessionID       string `json:"sessionId"`
	Command         string `json:"command"`
	Cwd             string `json:"cwd"`
	Cols            int    `json:"cols"`
	Rows            int    `json:"rows"`
}

// Client is one WebSocket connection on either channel.
type Client struct {
	conn    *websocket.Conn
	server  *Server
	channel wire.Channel
	log     pslog.Logger
	send    chan []byte
	ctx     context.Context
	cancel  context.CancelFunc

	mu    sync.Mutex
	turns map[string]context.CancelFunc // sessionID → running turn
	cols  int
	rows  int
}

func newClient(conn *websocket.Conn, server *Server, ch wire.Channel) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		conn:    conn,
		server:  server,
		channel: ch,
		log:     server.log.With("channel", string(ch)),
		send:    make(chan []byte, sendBuffer),
		ctx:     ctx,
		cancel:  cancel,
		turns:   make(map[string]context.CancelFunc),
	}
}

func (c *Client) run() {
	go c.writePump()
	c.readPump()
}

func (c *Client) readPump() {
	defer c.cancel()
	for {
		typ, data, err := c.conn.Read(c.ctx)
		if err != nil {
			return
		}
		if typ != websocket.MessageText {
			c.sendError("", "binary frames are not supported")
			continue
		}
		c.handleText(data)
	}
}

func (c *Client) writePump() {
	defer func() { _ = c.conn.Close(websocket.StatusNormalClosure, "") }()
	for {
		select {
		case <-c.ctx.Done():
			return
		case data := <-c.send:
			ctx, cancel := context.WithTimeout(c.ctx, writeTimeout)
			err := c.conn.Write(ctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

func (c *Client) sendJSON(msg serverMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		c.log.Error("marshal frame failed", "type", msg.Type, "err", err)
		return
	}
	select {
	case c.send <- data:
	default:
		c.log.Warn("dropping frame for slow client", "type", msg.Type)
	}
}

func (c *Client) sendError(clientMessageID, message string) {
	c.sendJSON(serverMessage{Type: wire.TypeError, ClientMessageID: clientMessageID, Message: message})
}

// drop closes the connection abruptly, as a network failure would.
func (c *Client) drop() {
	c.cancel()
	_ = c.conn.CloseNow()
}

// revoke closes the connection with a policy violation, which clients
// treat as fatal.
func (c *Client) revoke() {
	_ = c.conn.Close(websocket.StatusPolicyViolation, "access revoked")
	c.cancel()
}

func (c *Client) cleanup() {
	c.cancel()
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, stop := range c.turns {
		stop()
	}
	c.turns = nil
}
