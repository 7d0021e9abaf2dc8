package dispatch

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"pkt.systems/pslog"

	"github.com/gastownhall/sessionlink/internal/conn"
	"github.com/gastownhall/sessionlink/internal/history"
	"github.com/gastownhall/sessionlink/internal/logx"
	"github.com/gastownhall/sessionlink/internal/status"
	"github.com/gastownhall/sessionlink/internal/termstream"
	"github.com/gastownhall/sessionlink/internal/vt"
	"github.com/gastownhall/sessionlink/internal/wire"
)

// outgoing is a message owned by a channel until it is delivered.
type outgoing struct {
	id         string
	payload    wire.Payload
	enqueuedAt time.Time
}

// channel is the single-writer state of one open channel. Every field
// below mbox is touched only by the loop goroutine.
type channel struct {
	name wire.Channel
	d    *Dispatcher
	log  pslog.Logger
	mgr  *conn.Manager
	mbox *mailbox
	done chan struct{}

	screen *vt.Screen // safe for concurrent use, may be nil

	capacity  int
	queue     []*outgoing // not yet accepted by the connection, FIFO
	inflight  []*outgoing // accepted, in send order
	msgs      map[string]*outgoing
	sessionID string
	lastChat  string // id of the most recent chat send
	turn      string // id of the assistant message being streamed
	parser    *termstream.Parser
}

func (c *channel) loop() {
	defer close(c.done)
	for range c.mbox.signal {
		items, closed := c.mbox.take()
		for _, f := range items {
			f()
		}
		if closed {
			return
		}
	}
}

func (c *channel) enqueue(m *outgoing) error {
	if len(c.queue) >= c.capacity {
		c.log.Warn("send rejected, queue full", "capacity", c.capacity)
		return ErrBacklogged
	}
	if err := c.d.tracker.Track(m.id, string(c.name)); err != nil {
		return err
	}
	c.msgs[m.id] = m
	c.queue = append(c.queue, m)
	if c.name == wire.Command && m.payload.Type() == wire.TypeClaudeCommand {
		c.echo(m)
	}
	logx.WithMessage(c.log, m.id).Debug("message queued", "type", m.payload.Type(), "queued", len(c.queue))
	c.flush()
	return nil
}

// echo shows a chat send locally until the server's copy replaces it.
func (c *channel) echo(m *outgoing) {
	if c.d.opts.Merger == nil {
		return
	}
	c.d.opts.Merger.AppendLive(history.Message{
		ID:              m.id,
		Role:            history.RoleUser,
		Text:            m.payload.String("content"),
		Timestamp:       m.enqueuedAt,
		Provisional:     true,
		ClientMessageID: m.id,
	})
}

func (c *channel) retry(id string) error {
	m, ok := c.msgs[id]
	if !ok {
		return ErrNotRetryable
	}
	if len(c.queue) >= c.capacity {
		return ErrBacklogged
	}
	if _, err := c.d.tracker.Retry(id); err != nil {
		return err
	}
	c.inflight = slices.DeleteFunc(c.inflight, func(o *outgoing) bool { return o.id == id })
	c.queue = append(c.queue, m)
	logx.WithMessage(c.log, id).Info("message retried")
	c.flush()
	return nil
}

func (c *channel) forget(id string) {
	if _, ok := c.msgs[id]; !ok {
		return
	}
	delete(c.msgs, id)
	c.inflight = slices.DeleteFunc(c.inflight, func(o *outgoing) bool { return o.id == id })
}

// flush transmits queued messages in order. A message the connection
// does not accept stays at the head and stops the flush.
func (c *channel) flush() {
	for len(c.queue) > 0 {
		m := c.queue[0]
		data, err := wire.Encode(c.prepare(m))
		if err != nil {
			c.queue = c.queue[1:]
			logx.WithMessage(c.log, m.id).Warn("message dropped", "err", err)
			_ = c.d.tracker.MarkFailed(m.id, err)
			continue
		}
		if res := c.mgr.Send(conn.Frame{ID: m.id, Data: data}); res != conn.Accepted {
			return
		}
		c.queue = c.queue[1:]
		if err := c.d.tracker.MarkSending(m.id); err != nil {
			c.log.Warn("status update failed", "err", err)
		}
		c.inflight = append(c.inflight, m)
		if m.payload.Type() == wire.TypeClaudeCommand {
			c.lastChat = m.id
			c.turn = ""
		}
		logx.WithMessage(c.log, m.id).Trace("message sent", "bytes", len(data))
	}
}

// prepare stamps the client message id and, on the command channel, the
// announced session id.
func (c *channel) prepare(m *outgoing) wire.Payload {
	p := m.payload.Clone()
	p[wire.ClientMessageIDField] = m.id
	if c.name == wire.Command && c.sessionID != "" && p.String("sessionId") == "" {
		p["sessionId"] = c.sessionID
	}
	return p
}

func (c *channel) handleConn(ev conn.Event) {
	switch ev.Type {
	case conn.EventMessage:
		c.handleFrame(ev.Data)
		return
	case conn.EventUnsent:
		c.requeue(ev.Frames)
		return
	case conn.EventWritable:
		c.flush()
		return
	}
	c.publish(Event{Type: EventConnection, Conn: ev})
	switch ev.Type {
	case conn.EventConnected:
		c.flush()
	case conn.EventFatal, conn.EventConnectionLost:
		reason := ev.Err
		if reason == nil {
			reason = ErrConnectionLost
		} else {
			reason = fmt.Errorf("%w: %w", ErrConnectionLost, reason)
		}
		for _, m := range c.queue {
			_ = c.d.tracker.MarkFailed(m.id, reason)
		}
		c.queue = nil
	}
}

// requeue puts frames that were accepted but never written back at the
// head of the queue, in their original order.
func (c *channel) requeue(frames []conn.Frame) {
	back := make([]*outgoing, 0, len(frames))
	for _, f := range frames {
		m, ok := c.msgs[f.ID]
		if !ok {
			continue
		}
		if err := c.d.tracker.Unsend(f.ID); err != nil {
			logx.WithMessage(c.log, f.ID).Debug("unsent message not requeued", "err", err)
			continue
		}
		c.inflight = slices.DeleteFunc(c.inflight, func(o *outgoing) bool { return o.id == f.ID })
		back = append(back, m)
	}
	if len(back) == 0 {
		return
	}
	c.log.Info("requeued unsent messages", "count", len(back))
	c.queue = append(back, c.queue...)
}

func (c *channel) handleFrame(data []byte) {
	f, kind, err := wire.Decode(c.name, data)
	if err != nil {
		c.log.Warn("frame dropped", "err", err)
		c.publish(Event{Type: EventProtocolError, Err: err})
		return
	}
	c.log.Trace("frame received", "type", f.Type, "kind", kind.String())
	if kind.IsDeliverySignal() {
		c.acknowledge(f.ClientMessageID)
	}

	switch kind {
	case wire.KindAck:
	case wire.KindSessionCreated:
		if f.SessionID != "" && f.SessionID != c.sessionID {
			c.sessionID = f.SessionID
			logx.WithSession(c.log, f.SessionID).Info("session announced")
			c.publish(Event{Type: EventSession, SessionID: f.SessionID})
		}
	case wire.KindChatOutput:
		c.chatOutput(f)
	case wire.KindChatError:
		text := f.ErrorText()
		if m := c.d.opts.Merger; m != nil {
			m.AppendLive(history.Message{
				ID:        uuid.NewString(),
				Role:      history.RoleError,
				Text:      text,
				Timestamp: parseTime(f.Timestamp),
			})
		}
		c.publish(Event{Type: EventChatError, Message: text, Frame: f})
	case wire.KindChatComplete:
		if c.turn != "" && c.d.opts.Merger != nil {
			c.d.opts.Merger.FinishLive(c.turn)
		}
		c.turn = ""
		c.publish(Event{Type: EventTurnComplete, ExitCode: f.ExitStatus(), Frame: f})
	case wire.KindAbortConfirmed:
		c.publish(Event{Type: EventAborted, SessionID: f.SessionID, Frame: f})
	case wire.KindShellOutput:
		c.shellOutput(f)
	case wire.KindShellError:
		c.publish(Event{Type: EventShellError, Message: f.ErrorText(), Frame: f})
	case wire.KindShellExit:
		c.publish(Event{Type: EventShellExit, ExitCode: f.ExitStatus(), Frame: f})
	case wire.KindError:
		rerr := &RemoteError{Channel: c.name, Message: f.ErrorText()}
		if id := f.ClientMessageID; id != "" {
			if _, ok := c.msgs[id]; ok {
				if err := c.d.tracker.MarkFailed(id, rerr); err == nil {
					c.forgetInflight(id)
				}
			}
		}
		c.log.Warn("remote error", "err", rerr)
		c.publish(Event{Type: EventError, Err: rerr, Frame: f})
	default:
		c.publish(Event{Type: EventUnknown, Frame: f})
	}
}

// chatOutput streams a chunk into the current assistant turn. A frame
// carrying a server uuid names the message itself, so a turn already
// loaded from history is not shown twice.
func (c *channel) chatOutput(f wire.Frame) {
	if f.UUID != "" && f.UUID != c.turn {
		if c.turn != "" && c.d.opts.Merger != nil {
			c.d.opts.Merger.FinishLive(c.turn)
		}
		c.turn = f.UUID
	}
	if c.turn == "" {
		switch {
		case f.ClientMessageID != "":
			c.turn = "assistant:" + f.ClientMessageID
		case c.lastChat != "":
			c.turn = "assistant:" + c.lastChat
		default:
			c.turn = "assistant:" + uuid.NewString()
		}
	}
	if m := c.d.opts.Merger; m != nil {
		m.ExtendLive(c.turn, history.RoleAssistant, string(f.Content), parseTime(f.Timestamp))
	}
}

func (c *channel) shellOutput(f wire.Frame) {
	runs := c.parser.Feed([]byte(f.Data))
	var upd *vt.Update
	if c.screen != nil {
		upd = c.screen.Write([]byte(f.Data))
	}
	if len(runs) == 0 && upd == nil {
		return
	}
	c.publish(Event{Type: EventShellOutput, Runs: runs, Screen: upd})
}

// acknowledge delivers the message id. A frame without an id delivers
// the most recent message still sending on this channel; a frame naming
// an id that is no longer held delivers nothing.
func (c *channel) acknowledge(id string) {
	// Timed-out messages stay in msgs for Retry but leave the ack window.
	c.inflight = slices.DeleteFunc(c.inflight, func(o *outgoing) bool {
		st, ok := c.d.tracker.Status(o.id)
		return !ok || st != status.Sending
	})
	if id != "" {
		if _, ok := c.msgs[id]; ok {
			c.deliver(id)
		}
		return
	}
	if n := len(c.inflight); n > 0 {
		c.deliver(c.inflight[n-1].id)
	}
}

func (c *channel) deliver(id string) {
	err := c.d.tracker.MarkDelivered(id)
	if err != nil {
		if !errors.Is(err, status.ErrInvalidTransition) {
			logx.WithMessage(c.log, id).Debug("delivery not recorded", "err", err)
		}
		return
	}
	logx.WithMessage(c.log, id).Debug("message delivered")
	delete(c.msgs, id)
	c.forgetInflight(id)
}

func (c *channel) forgetInflight(id string) {
	c.inflight = slices.DeleteFunc(c.inflight, func(o *outgoing) bool { return o.id == id })
}

func (c *channel) publish(ev Event) {
	ev.Channel = c.name
	c.d.bus.Publish(ev)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
