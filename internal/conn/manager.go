// Package conn owns one transport connection per channel and its
// reconnect state machine:
//
//	disconnected -Open-> connecting -dial+probe-> connected
//	connected -error-> reconnecting -delay-> connecting
//	any -Close-> closing -> disconnected
//
// The Manager never queues application messages; Send reports whether the
// frame was taken and the caller keeps what was not.
package conn

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"pkt.systems/pslog"

	"github.com/gastownhall/sessionlink/internal/backoff"
	"github.com/gastownhall/sessionlink/internal/clock"
	"github.com/gastownhall/sessionlink/internal/eventbus"
	"github.com/gastownhall/sessionlink/internal/logx"
	"github.com/gastownhall/sessionlink/internal/transport"
	"github.com/gastownhall/sessionlink/internal/wire"
)

const (
	DefaultProbeTimeout = 5 * time.Second
	DefaultWriteTimeout = 5 * time.Second
	DefaultDialTimeout  = 10 * time.Second
	DefaultOutboxSize   = 64
	inboxSize           = 256
)

// Observer receives events synchronously. It must not block and must not
// call Open or Close on the Manager that invoked it.
type Observer func(Event)

// Options configures a Manager.
type Options struct {
	Channel      wire.Channel
	Dialer       transport.Dialer
	Policy       backoff.Policy
	Clock        clock.Clock
	DialTimeout  time.Duration
	ProbeTimeout time.Duration
	WriteTimeout time.Duration
	PingInterval time.Duration // keepalive period, 0 disables
	OutboxSize   int
	Logger       pslog.Logger
	Observer     Observer
}

// Manager drives one channel's connection.
type Manager struct {
	opts    Options
	log     pslog.Logger
	tracker *backoff.Tracker
	bus     *eventbus.Bus[Event]

	lifecycle sync.Mutex // serializes Open and Close
	emitMu    sync.Mutex

	mu           sync.Mutex
	state        State
	outbox       chan Frame
	needWritable bool
	cancel       context.CancelFunc
	done         chan struct{}
}

// New returns a disconnected Manager.
func New(opts Options) *Manager {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Policy.Base == 0 && opts.Policy.Max == 0 && opts.Policy.MaxAttempts == 0 {
		opts.Policy = backoff.Default()
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = DefaultDialTimeout
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = DefaultProbeTimeout
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = DefaultWriteTimeout
	}
	if opts.OutboxSize <= 0 {
		opts.OutboxSize = DefaultOutboxSize
	}
	log := logx.WithChannel(opts.Logger, string(opts.Channel))
	return &Manager{
		opts:    opts,
		log:     log,
		tracker: backoff.NewTracker(opts.Policy),
		bus:     eventbus.New[Event](log, 0),
	}
}

// Channel returns the channel this Manager serves.
func (m *Manager) Channel() wire.Channel { return m.opts.Channel }

// State returns the current state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Subscribe returns a stream of events for display purposes. Unlike the
// Observer, a slow subscriber misses events.
func (m *Manager) Subscribe() (<-chan Event, func()) {
	return m.bus.Subscribe()
}

// Open starts connecting. It is a no-op unless the Manager is disconnected.
func (m *Manager) Open() {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	m.mu.Lock()
	if m.state != Disconnected {
		m.mu.Unlock()
		return
	}
	prev := m.done
	m.mu.Unlock()
	if prev != nil {
		<-prev // a previous run that gave up may still be emitting
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	m.mu.Lock()
	m.state = Connecting
	m.cancel = cancel
	m.done = done
	m.mu.Unlock()
	m.tracker.Reset()

	m.log.Info("channel open")
	go m.run(ctx, done)
}

// Close stops the connection and any pending reconnect. It is idempotent
// and returns once the I/O goroutines have exited.
func (m *Manager) Close() {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	m.mu.Lock()
	if m.state == Disconnected {
		done := m.done
		m.mu.Unlock()
		if done != nil {
			<-done
		}
		return
	}
	m.state = Closing
	cancel, done := m.cancel, m.done
	m.mu.Unlock()

	cancel()
	<-done

	m.mu.Lock()
	m.state = Disconnected
	m.outbox = nil
	m.mu.Unlock()
	m.log.Info("channel closed")
	m.emit(Event{Type: EventDisconnected})
}

// Send hands a frame to the live connection without blocking.
func (m *Manager) Send(f Frame) SendResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch m.state {
	case Connected:
		if m.outbox == nil {
			return Queued
		}
		select {
		case m.outbox <- f:
			return Accepted
		default:
			m.needWritable = true
			return Queued
		}
	case Connecting, Reconnecting:
		return Queued
	default:
		return Rejected
	}
}

func (m *Manager) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	if ctx.Err() != nil {
		return
	}
	m.emit(Event{Type: EventConnecting})

	for {
		err := m.connectOnce(ctx)
		if ctx.Err() != nil {
			return
		}

		if errors.Is(err, transport.ErrFatal) {
			if !m.advance(Disconnected) {
				return
			}
			m.log.Error("channel failed permanently", "err", err)
			m.emit(Event{Type: EventFatal, Err: err})
			m.emit(Event{Type: EventDisconnected})
			return
		}

		attempt, delay, ok := m.tracker.Next()
		if !ok {
			if !m.advance(Disconnected) {
				return
			}
			m.log.Error("connection lost", "attempts", m.tracker.Attempt(), "err", err)
			m.emit(Event{Type: EventConnectionLost, Err: err})
			m.emit(Event{Type: EventDisconnected})
			return
		}
		if !m.advance(Reconnecting) {
			return
		}
		m.log.Warn("reconnecting", "attempt", attempt, "delay", delay.String(), "err", err)
		m.emit(Event{Type: EventReconnecting, Attempt: attempt, Delay: delay, Err: err})

		if !m.sleep(ctx, delay) {
			return
		}
		if !m.advance(Connecting) {
			return
		}
		m.emit(Event{Type: EventConnecting})
	}
}

// sleep waits d on the clock. It returns false if ctx ended first; the
// timer is stopped in that case.
func (m *Manager) sleep(ctx context.Context, d time.Duration) bool {
	fire := make(chan struct{})
	t := m.opts.Clock.AfterFunc(d, func() { close(fire) })
	select {
	case <-ctx.Done():
		t.Stop()
		return false
	case <-fire:
		return true
	}
}

// connectOnce dials, probes and serves one connection. It always returns
// the error that ended it.
func (m *Manager) connectOnce(ctx context.Context) error {
	dctx, cancel := context.WithTimeout(ctx, m.opts.DialTimeout)
	c, err := m.opts.Dialer.Dial(dctx, m.opts.Channel)
	cancel()
	if err != nil {
		return err
	}

	sctx, stop := context.WithCancel(ctx)
	s := &session{
		conn: c,
		msgs: make(chan []byte, inboxSize),
	}
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.readPump(sctx)
	}()
	defer func() {
		stop()
		_ = c.Close("")
		wg.Wait()
	}()

	pctx, pcancel := context.WithTimeout(sctx, m.opts.ProbeTimeout)
	err = c.Ping(pctx)
	pcancel()
	if err != nil {
		return fmt.Errorf("liveness probe: %w", err)
	}

	outbox := make(chan Frame, m.opts.OutboxSize)
	m.mu.Lock()
	if m.state != Connecting {
		m.mu.Unlock()
		return context.Canceled
	}
	m.state = Connected
	m.outbox = outbox
	m.needWritable = false
	m.mu.Unlock()
	m.tracker.Reset()
	m.log.Info("channel connected")
	m.emit(Event{Type: EventConnected})

	pingErr := make(chan error, 1)
	if m.opts.PingInterval > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.keepalive(sctx, c, pingErr)
		}()
	}

	var unsent []Frame
	err = m.serve(sctx, s, outbox, pingErr, &unsent)

	m.mu.Lock()
	if m.state == Connected {
		m.state = Reconnecting
	}
	m.outbox = nil
	m.needWritable = false
	m.mu.Unlock()

drain:
	for {
		select {
		case f := <-outbox:
			unsent = append(unsent, f)
		default:
			break drain
		}
	}
	if len(unsent) > 0 && ctx.Err() == nil {
		m.log.Debug("returning unsent frames", "count", len(unsent))
		m.emit(Event{Type: EventUnsent, Frames: unsent})
	}
	return err
}

func (m *Manager) serve(ctx context.Context, s *session, outbox chan Frame, pingErr <-chan error, unsent *[]Frame) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-pingErr:
			return fmt.Errorf("keepalive: %w", err)
		case data, ok := <-s.msgs:
			if !ok {
				return s.err
			}
			m.emit(Event{Type: EventMessage, Data: data})
		case f := <-outbox:
			wctx, cancel := context.WithTimeout(ctx, m.opts.WriteTimeout)
			err := s.conn.Write(wctx, f.Data)
			cancel()
			if err != nil {
				*unsent = append(*unsent, f)
				return fmt.Errorf("write: %w", err)
			}
			m.log.Trace("frame written", "id", f.ID, "bytes", len(f.Data))
			m.mu.Lock()
			writable := m.needWritable && len(outbox) < cap(outbox)
			if writable {
				m.needWritable = false
			}
			m.mu.Unlock()
			if writable {
				m.emit(Event{Type: EventWritable})
			}
		}
	}
}

func (m *Manager) keepalive(ctx context.Context, c transport.Conn, errc chan<- error) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.opts.Clock.After(m.opts.PingInterval):
		}
		pctx, cancel := context.WithTimeout(ctx, m.opts.ProbeTimeout)
		err := c.Ping(pctx)
		cancel()
		if err != nil {
			if ctx.Err() == nil {
				errc <- err
			}
			return
		}
	}
}

// advance moves the run loop to s. It fails once Close has taken over,
// which is how errors after an explicit close are ignored.
func (m *Manager) advance(s State) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !shouldReconnect(m.state) {
		return false
	}
	m.state = s
	return true
}

func (m *Manager) emit(ev Event) {
	ev.Channel = m.opts.Channel
	m.emitMu.Lock()
	defer m.emitMu.Unlock()
	ev.State = m.State()
	if m.opts.Observer != nil {
		m.opts.Observer(ev)
	}
	m.bus.Publish(ev)
}

// session is the per-connection read side.
type session struct {
	conn transport.Conn
	msgs chan []byte
	err  error // set before msgs is closed
}

func (s *session) readPump(ctx context.Context) {
	defer close(s.msgs)
	for {
		data, err := s.conn.Read(ctx)
		if err != nil {
			s.err = fmt.Errorf("read: %w", err)
			return
		}
		select {
		case s.msgs <- data:
		case <-ctx.Done():
			s.err = ctx.Err()
			return
		}
	}
}
