// Package dispatch turns application intents into wire frames and routes
// incoming frames back to the status tracker, the history merger and the
// terminal parser.
//
// Every open channel is served by its own goroutine, which is the only
// writer of that channel's outgoing queue. Public methods hand work to it
// through an unbounded mailbox and never perform network I/O.
package dispatch

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"pkt.systems/pslog"

	"github.com/gastownhall/sessionlink/internal/backoff"
	"github.com/gastownhall/sessionlink/internal/clock"
	"github.com/gastownhall/sessionlink/internal/conn"
	"github.com/gastownhall/sessionlink/internal/eventbus"
	"github.com/gastownhall/sessionlink/internal/history"
	"github.com/gastownhall/sessionlink/internal/logx"
	"github.com/gastownhall/sessionlink/internal/status"
	"github.com/gastownhall/sessionlink/internal/termstream"
	"github.com/gastownhall/sessionlink/internal/transport"
	"github.com/gastownhall/sessionlink/internal/vt"
	"github.com/gastownhall/sessionlink/internal/wire"
)

// DefaultQueueCapacity bounds the number of unsent messages per channel.
const DefaultQueueCapacity = 256

var (
	// ErrBacklogged is returned by Send when the channel queue is full.
	ErrBacklogged = errors.New("channel backlogged")
	// ErrChannelClosed is returned for a channel that is not open.
	ErrChannelClosed = errors.New("channel not open")
	// ErrConnectionLost fails queued messages once a channel gives up
	// reconnecting or is rejected by the service.
	ErrConnectionLost = errors.New("connection lost")
	// ErrNotRetryable is returned by Retry for a message it no longer holds.
	ErrNotRetryable = errors.New("message cannot be retried")
)

// Options configures a Dispatcher.
type Options struct {
	Dialer transport.Dialer
	Policy backoff.Policy
	Clock  clock.Clock

	ProbeTimeout time.Duration
	PingInterval time.Duration

	QueueCapacity int           // 0 means DefaultQueueCapacity
	AckTimeout    time.Duration // 0 means status.DefaultAckTimeout
	MaxRetained   int           // failed messages kept for retry

	MaxPendingBytes int // terminal parser escape buffer
	ScreenCols      int // with ScreenRows, enables the shell screen mirror
	ScreenRows      int

	// Merger receives chat output and local echoes of chat sends. It may
	// be nil.
	Merger *history.Merger

	Logger pslog.Logger
}

// Dispatcher owns the per-channel queues of one session.
type Dispatcher struct {
	opts    Options
	log     pslog.Logger
	tracker *status.Tracker
	bus     *eventbus.Bus[Event]

	mu       sync.Mutex
	channels map[wire.Channel]*channel
	stop     func()
	fwdDone  chan struct{}

	evictions *mailbox
	evictDone chan struct{}
}

// New returns a Dispatcher with no open channels.
func New(opts Options) *Dispatcher {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.QueueCapacity <= 0 {
		opts.QueueCapacity = DefaultQueueCapacity
	}
	log := logx.Or(opts.Logger)
	d := &Dispatcher{
		opts:      opts,
		log:       log,
		bus:       eventbus.New[Event](log, 0),
		channels:  make(map[wire.Channel]*channel),
		fwdDone:   make(chan struct{}),
		evictions: newMailbox(),
		evictDone: make(chan struct{}),
	}
	d.tracker = status.New(status.Options{
		Clock:       opts.Clock,
		AckTimeout:  opts.AckTimeout,
		MaxRetained: opts.MaxRetained,
		Logger:      log,
		OnEvict: func(id, _ string) {
			d.evictions.put(func() { d.forget(id) })
		},
	})
	changes, cancel := d.tracker.Subscribe()
	d.stop = cancel
	go d.forwardChanges(changes)
	go d.forgetEvicted()
	return d
}

// Subscribe returns the dispatcher event stream.
func (d *Dispatcher) Subscribe() (<-chan Event, func()) { return d.bus.Subscribe() }

// Tracker exposes the delivery status of sent messages.
func (d *Dispatcher) Tracker() *status.Tracker { return d.tracker }

// Merger returns the history merger fed by the command channel, or nil.
func (d *Dispatcher) Merger() *history.Merger { return d.opts.Merger }

// SetAckTimeout changes the delivery timeout for later sends.
func (d *Dispatcher) SetAckTimeout(timeout time.Duration) { d.tracker.SetAckTimeout(timeout) }

// Open starts the channel's connection. Opening an open channel is a no-op.
func (d *Dispatcher) Open(ch wire.Channel) error {
	if !ch.Valid() {
		return fmt.Errorf("dispatch: unknown channel %q", ch)
	}
	d.mu.Lock()
	c, ok := d.channels[ch]
	if !ok {
		c = d.newChannel(ch)
		d.channels[ch] = c
		go c.loop()
	}
	d.mu.Unlock()
	c.mgr.Open()
	return nil
}

// Reopen restarts a channel that gave up reconnecting.
func (d *Dispatcher) Reopen(ch wire.Channel) error {
	c := d.channel(ch)
	if c == nil {
		return ErrChannelClosed
	}
	c.mgr.Open()
	return nil
}

// State returns the connection state of ch.
func (d *Dispatcher) State(ch wire.Channel) conn.State {
	c := d.channel(ch)
	if c == nil {
		return conn.Disconnected
	}
	return c.mgr.State()
}

// Close closes the channel, cancelling its reconnect timer and failing
// its undelivered messages. Other channels are unaffected.
func (d *Dispatcher) Close(ch wire.Channel) {
	d.mu.Lock()
	c := d.channels[ch]
	delete(d.channels, ch)
	d.mu.Unlock()
	if c == nil {
		return
	}
	c.mgr.Close()
	c.mbox.close()
	<-c.done
	if n := d.tracker.CancelChannel(string(ch)); n > 0 {
		c.log.Info("undelivered messages failed on close", "count", n)
	}
}

// Shutdown closes every channel and stops event delivery.
func (d *Dispatcher) Shutdown() {
	d.mu.Lock()
	open := make([]wire.Channel, 0, len(d.channels))
	for ch := range d.channels {
		open = append(open, ch)
	}
	d.mu.Unlock()
	for _, ch := range open {
		d.Close(ch)
	}
	d.stop()
	<-d.fwdDone
	d.evictions.close()
	<-d.evictDone
	d.bus.Close()
}

// Send queues payload on ch and tries to transmit it. It returns the
// client message id that tracks the message's status.
//
// Send waits only for the channel goroutine to accept or refuse the
// message, which is what lets it report ErrBacklogged. That goroutine never
// performs network I/O or waits on the connection, so the wait is bounded by
// the work already in its mailbox, not by the network.
func (d *Dispatcher) Send(ch wire.Channel, payload wire.Payload) (string, error) {
	if payload.Type() == "" {
		return "", errors.New("dispatch: payload has no type")
	}
	c := d.channel(ch)
	if c == nil {
		return "", ErrChannelClosed
	}
	id := uuid.NewString()
	msg := &outgoing{id: id, payload: payload.Clone(), enqueuedAt: d.opts.Clock.Now()}
	reply := make(chan error, 1)
	if !c.mbox.put(func() { reply <- c.enqueue(msg) }) {
		return "", ErrChannelClosed
	}
	if err := <-reply; err != nil {
		return "", err
	}
	return id, nil
}

// Retry re-enters a failed message into its channel's queue with the same
// client message id.
func (d *Dispatcher) Retry(id string) error {
	st, ok := d.tracker.Status(id)
	if !ok {
		return fmt.Errorf("%w: %s", status.ErrUnknownMessage, id)
	}
	if st != status.Failed {
		return fmt.Errorf("%w: %s is %s", status.ErrInvalidTransition, id, st)
	}
	d.mu.Lock()
	open := make([]*channel, 0, len(d.channels))
	for _, c := range d.channels {
		open = append(open, c)
	}
	d.mu.Unlock()
	for _, c := range open {
		reply := make(chan error, 1)
		if !c.mbox.put(func() { reply <- c.retry(id) }) {
			continue
		}
		if err := <-reply; !errors.Is(err, ErrNotRetryable) {
			return err
		}
	}
	return fmt.Errorf("%w: %s", ErrNotRetryable, id)
}

// Acknowledge tells the dispatcher the presentation layer no longer shows
// a delivered or failed message.
func (d *Dispatcher) Acknowledge(id string) bool {
	if !d.tracker.Acknowledge(id) {
		return false
	}
	d.forget(id)
	return true
}

// SendCommand sends a chat message on the command channel. The session id
// announced by the service is attached automatically.
func (d *Dispatcher) SendCommand(content, projectPath string) (string, error) {
	return d.Send(wire.Command, wire.ClaudeCommand(content, projectPath, ""))
}

// Abort asks the service to stop a session's running turn. An empty
// sessionID aborts the session announced on the command channel.
func (d *Dispatcher) Abort(sessionID string) (string, error) {
	p := wire.Payload{"type": wire.TypeAbortSession}
	if sessionID != "" {
		p["sessionId"] = sessionID
	}
	return d.Send(wire.Command, p)
}

// RunShell runs command on the shell channel.
func (d *Dispatcher) RunShell(command, cwd string) (string, error) {
	return d.Send(wire.Shell, wire.ShellCommand(command, cwd))
}

// Resize reports a new terminal size on the shell channel and resizes the
// local screen mirror.
func (d *Dispatcher) Resize(cols, rows int) (string, error) {
	if c := d.channel(wire.Shell); c != nil && c.screen != nil {
		c.screen.Resize(cols, rows)
	}
	return d.Send(wire.Shell, wire.Resize(cols, rows))
}

// Screen returns the shell screen mirror, or nil when disabled or closed.
func (d *Dispatcher) Screen() *vt.Screen {
	if c := d.channel(wire.Shell); c != nil {
		return c.screen
	}
	return nil
}

// SessionID returns the session id announced on the command channel.
func (d *Dispatcher) SessionID() string {
	c := d.channel(wire.Command)
	if c == nil {
		return ""
	}
	reply := make(chan string, 1)
	if !c.mbox.put(func() { reply <- c.sessionID }) {
		return ""
	}
	return <-reply
}

func (d *Dispatcher) channel(ch wire.Channel) *channel {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.channels[ch]
}

func (d *Dispatcher) newChannel(ch wire.Channel) *channel {
	log := logx.WithChannel(d.log, string(ch))
	c := &channel{
		name:     ch,
		d:        d,
		log:      log,
		mbox:     newMailbox(),
		done:     make(chan struct{}),
		msgs:     make(map[string]*outgoing),
		capacity: d.opts.QueueCapacity,
	}
	if ch == wire.Shell {
		var popts []termstream.Option
		if d.opts.MaxPendingBytes > 0 {
			popts = append(popts, termstream.WithMaxPending(d.opts.MaxPendingBytes))
		}
		c.parser = termstream.NewParser(popts...)
		if d.opts.ScreenCols > 0 && d.opts.ScreenRows > 0 {
			c.screen = vt.NewScreen(d.opts.ScreenCols, d.opts.ScreenRows)
		}
	}
	c.mgr = conn.New(conn.Options{
		Channel:      ch,
		Dialer:       d.opts.Dialer,
		Policy:       d.opts.Policy,
		Clock:        d.opts.Clock,
		ProbeTimeout: d.opts.ProbeTimeout,
		PingInterval: d.opts.PingInterval,
		Logger:       d.log,
		Observer: func(ev conn.Event) {
			c.mbox.put(func() { c.handleConn(ev) })
		},
	})
	return c
}

// forwardChanges republishes status changes.
func (d *Dispatcher) forwardChanges(changes <-chan status.Change) {
	defer close(d.fwdDone)
	for ch := range changes {
		d.bus.Publish(Event{Type: EventStatus, Channel: wire.Channel(ch.Channel), Change: ch})
	}
}

// forgetEvicted drops the payloads of messages the tracker evicted. The
// tracker posts every eviction to an unbounded mailbox, so none is lost
// when status subscribers fall behind.
func (d *Dispatcher) forgetEvicted() {
	defer close(d.evictDone)
	for range d.evictions.signal {
		items, closed := d.evictions.take()
		for _, f := range items {
			f()
		}
		if closed {
			return
		}
	}
}

func (d *Dispatcher) forget(id string) {
	d.mu.Lock()
	open := make([]*channel, 0, len(d.channels))
	for _, c := range d.channels {
		open = append(open, c)
	}
	d.mu.Unlock()
	for _, c := range open {
		c.mbox.put(func() { c.forget(id) })
	}
}
