// Package status tracks the delivery state of outgoing messages.
//
// Every message moves pending → sending → delivered, or ends in failed
// when no acknowledgement arrives in time. A failed message returns to
// pending only through an explicit Retry. Each entry has at most one live
// acknowledgement timer; a timer generation counter keeps a stale timer
// from failing a message that was re-sent or delivered since.
package status

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"pkt.systems/pslog"

	"github.com/gastownhall/sessionlink/internal/clock"
	"github.com/gastownhall/sessionlink/internal/eventbus"
	"github.com/gastownhall/sessionlink/internal/logx"
)

// Status is the delivery state of one message.
type Status uint8

const (
	Pending Status = iota
	Sending
	Delivered
	Failed
)

func (s Status) String() string {
	switch s {
	case Pending:
		return "pending"
	case Sending:
		return "sending"
	case Delivered:
		return "delivered"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

const (
	// DefaultAckTimeout bounds the wait for an acknowledgement.
	DefaultAckTimeout = 30 * time.Second
	// DefaultMaxRetained bounds failed entries kept for retry.
	DefaultMaxRetained = 256
)

var (
	// ErrDeliveryTimeout is the failure reason when no acknowledgement
	// arrived within the ack timeout.
	ErrDeliveryTimeout = errors.New("delivery timeout")
	// ErrChannelClosed is the failure reason for messages still in flight
	// when their channel was closed.
	ErrChannelClosed = errors.New("channel closed")

	ErrUnknownMessage    = errors.New("unknown message")
	ErrDuplicateMessage  = errors.New("duplicate message id")
	ErrInvalidTransition = errors.New("invalid status transition")
)

// Change is one status transition. Evicted changes report a failed entry
// dropped to respect the retention bound; the id is no longer known.
type Change struct {
	ID      string
	Channel string
	From    Status
	To      Status
	Err     error
	At      time.Time
	Evicted bool
}

// Options configures a Tracker.
type Options struct {
	Clock       clock.Clock
	AckTimeout  time.Duration // 0 means DefaultAckTimeout, negative disables timers
	MaxRetained int           // 0 means DefaultMaxRetained
	Logger      pslog.Logger

	// OnEvict, when set, is called for every failed entry dropped by the
	// retention bound. Unlike the Subscribe stream it never drops a call.
	// It runs with the tracker locked and must not call back into it.
	OnEvict func(id, channel string)
}

// Tracker is a concurrency-safe holder of message statuses.
type Tracker struct {
	mu          sync.Mutex
	clk         clock.Clock
	timeout     time.Duration
	maxRetained int
	entries     map[string]*entry
	failed      []string // failure order, oldest first
	onEvict     func(id, channel string)
	bus         *eventbus.Bus[Change]
	log         pslog.Logger
}

type entry struct {
	id      string
	channel string
	status  Status
	err     error
	gen     uint64
	timer   *clock.Timer
}

// New returns an empty Tracker.
func New(opts Options) *Tracker {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.AckTimeout == 0 {
		opts.AckTimeout = DefaultAckTimeout
	}
	if opts.MaxRetained <= 0 {
		opts.MaxRetained = DefaultMaxRetained
	}
	log := logx.Or(opts.Logger)
	return &Tracker{
		clk:         opts.Clock,
		timeout:     opts.AckTimeout,
		maxRetained: opts.MaxRetained,
		onEvict:     opts.OnEvict,
		entries:     make(map[string]*entry),
		bus:         eventbus.New[Change](log, 0),
		log:         log,
	}
}

// SetAckTimeout changes the timeout used by later MarkSending calls.
func (t *Tracker) SetAckTimeout(d time.Duration) {
	if d == 0 {
		d = DefaultAckTimeout
	}
	t.mu.Lock()
	t.timeout = d
	t.mu.Unlock()
}

// Subscribe returns an ordered stream of changes.
func (t *Tracker) Subscribe() (<-chan Change, func()) {
	return t.bus.Subscribe()
}

// Track registers a new pending message.
func (t *Tracker) Track(id, channel string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.entries[id]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateMessage, id)
	}
	t.entries[id] = &entry{id: id, channel: channel, status: Pending}
	t.publishLocked(Change{ID: id, Channel: channel, From: Pending, To: Pending})
	return nil
}

// MarkSending records that the message was handed to the transport and
// arms its acknowledgement timer, replacing any earlier one.
func (t *Tracker) MarkSending(id string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownMessage, id)
	}
	if e.status != Pending {
		return fmt.Errorf("%w: %s %s -> sending", ErrInvalidTransition, id, e.status)
	}
	t.stopTimerLocked(e)
	if t.timeout > 0 {
		gen := e.gen
		e.timer = t.clk.AfterFunc(t.timeout, func() { t.expire(id, gen) })
	}
	t.transitionLocked(e, Sending, nil)
	return nil
}

// Unsend returns a sending message to pending, e.g. when the frame was
// accepted by the transport but the connection dropped before writing it.
func (t *Tracker) Unsend(id string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownMessage, id)
	}
	if e.status != Sending {
		return fmt.Errorf("%w: %s %s -> pending", ErrInvalidTransition, id, e.status)
	}
	t.stopTimerLocked(e)
	t.transitionLocked(e, Pending, nil)
	return nil
}

// MarkDelivered records the acknowledgement. Only a sending message can be
// delivered, and a delivered message never changes again.
func (t *Tracker) MarkDelivered(id string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownMessage, id)
	}
	if e.status != Sending {
		return fmt.Errorf("%w: %s %s -> delivered", ErrInvalidTransition, id, e.status)
	}
	t.stopTimerLocked(e)
	t.transitionLocked(e, Delivered, nil)
	return nil
}

// MarkFailed fails a pending or sending message with reason.
func (t *Tracker) MarkFailed(id string, reason error) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownMessage, id)
	}
	if e.status != Pending && e.status != Sending {
		return fmt.Errorf("%w: %s %s -> failed", ErrInvalidTransition, id, e.status)
	}
	t.failLocked(e, reason)
	return nil
}

// Retry moves a failed message back to pending. It returns the channel the
// message belongs to so the caller can re-enter the send path.
func (t *Tracker) Retry(id string) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[id]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownMessage, id)
	}
	if e.status != Failed {
		return "", fmt.Errorf("%w: %s %s -> pending", ErrInvalidTransition, id, e.status)
	}
	t.removeFailedLocked(id)
	t.transitionLocked(e, Pending, nil)
	return e.channel, nil
}

// Status returns the current status of id.
func (t *Tracker) Status(id string) (Status, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[id]
	if !ok {
		return 0, false
	}
	return e.status, true
}

// Reason returns the failure reason of a failed message.
func (t *Tracker) Reason(id string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.entries[id]; ok {
		return e.err
	}
	return nil
}

// Acknowledge forgets a delivered or failed message once the presentation
// layer no longer shows it. It reports whether the entry was removed.
func (t *Tracker) Acknowledge(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[id]
	if !ok || (e.status != Delivered && e.status != Failed) {
		return false
	}
	if e.status == Failed {
		t.removeFailedLocked(id)
	}
	delete(t.entries, id)
	return true
}

// CancelChannel stops the timers of every in-flight message on channel and
// fails those messages with ErrChannelClosed.
func (t *Tracker) CancelChannel(channel string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, e := range t.entries {
		if e.channel != channel || (e.status != Pending && e.status != Sending) {
			continue
		}
		t.failLocked(e, ErrChannelClosed)
		n++
	}
	return n
}

// Failed returns the ids of retained failed messages, oldest first.
func (t *Tracker) Failed() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.failed...)
}

// Len returns the number of tracked messages.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

func (t *Tracker) expire(id string, gen uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[id]
	if !ok || e.gen != gen || e.status != Sending {
		return
	}
	e.timer = nil
	logx.WithMessage(t.log, id).Warn("delivery timeout", "channel", e.channel)
	t.failLocked(e, ErrDeliveryTimeout)
}

func (t *Tracker) failLocked(e *entry, reason error) {
	t.stopTimerLocked(e)
	t.transitionLocked(e, Failed, reason)
	t.failed = append(t.failed, e.id)
	for len(t.failed) > t.maxRetained {
		oldest := t.failed[0]
		t.failed = t.failed[1:]
		if old, ok := t.entries[oldest]; ok {
			delete(t.entries, oldest)
			if t.onEvict != nil {
				t.onEvict(oldest, old.channel)
			}
			t.publishLocked(Change{ID: oldest, Channel: old.channel, From: Failed, To: Failed, Err: old.err, Evicted: true})
		}
	}
}

func (t *Tracker) stopTimerLocked(e *entry) {
	e.gen++
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
}

func (t *Tracker) transitionLocked(e *entry, to Status, reason error) {
	from := e.status
	e.status = to
	e.err = reason
	t.log.Trace("status change", "msg", e.id, "from", from.String(), "to", to.String())
	t.publishLocked(Change{ID: e.id, Channel: e.channel, From: from, To: to, Err: reason})
}

func (t *Tracker) publishLocked(c Change) {
	c.At = t.clk.Now()
	t.bus.Publish(c)
}

func (t *Tracker) removeFailedLocked(id string) {
	for i, f := range t.failed {
		if f == id {
			t.failed = append(t.failed[:i], t.failed[i+1:]...)
			return
		}
	}
}
