package history

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"pkt.systems/pslog"

	"github.com/gastownhall/sessionlink/internal/clock"
	"github.com/gastownhall/sessionlink/internal/eventbus"
	"github.com/gastownhall/sessionlink/internal/logx"
)

// DefaultPageSize is the history page size.
const DefaultPageSize = 50

// ErrNoFetcher is returned by loads on a live-only Merger.
var ErrNoFetcher = errors.New("history: no fetcher configured")

// Update notifies subscribers that the sequence changed.
type Update struct {
	Version uint64
	Reason  string
}

// Options configures a Merger.
type Options struct {
	PageSize int
	Clock    clock.Clock
	Logger   pslog.Logger
}

// Merger owns the merged message sequence. Reads return copies.
//
// Ordering is by server timestamp, ties by arrival. A live message is
// never placed before anything already in the sequence.
type Merger struct {
	fetcher  Fetcher
	pageSize int
	clk      clock.Clock
	log      pslog.Logger
	bus      *eventbus.Bus[Update]

	loadMu sync.Mutex // one fetch at a time

	mu      sync.Mutex
	items   []*item
	byID    map[string]*item
	loaded  int // history messages fetched, counted back from newest
	hasMore bool
	last    LoadResult
	seq     uint64
	version uint64
}

type item struct {
	msg Message
	key time.Time
	seq uint64
}

// New returns an empty Merger. fetcher may be nil for live-only use.
func New(fetcher Fetcher, opts Options) *Merger {
	if opts.PageSize <= 0 {
		opts.PageSize = DefaultPageSize
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	log := logx.Or(opts.Logger)
	return &Merger{
		fetcher:  fetcher,
		pageSize: opts.PageSize,
		clk:      opts.Clock,
		log:      log,
		bus:      eventbus.New[Update](log, 0),
		byID:     make(map[string]*item),
	}
}

// Subscribe returns a stream of change notifications.
func (m *Merger) Subscribe() (<-chan Update, func()) { return m.bus.Subscribe() }

// LoadInitial fetches the newest page. History already held is replaced;
// live messages are kept unless the page contains them.
func (m *Merger) LoadInitial(ctx context.Context) (LoadResult, error) {
	if m.fetcher == nil {
		return LoadResult{}, ErrNoFetcher
	}
	m.loadMu.Lock()
	defer m.loadMu.Unlock()

	page, err := m.fetcher.Fetch(ctx, m.pageSize, 0)
	if err != nil {
		m.log.Warn("history load failed", "err", err)
		return LoadResult{}, fmt.Errorf("load history: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.items[:0]
	for _, it := range m.items {
		if it.msg.Live {
			kept = append(kept, it)
			continue
		}
		delete(m.byID, it.msg.ID)
	}
	m.items = kept
	m.loaded = 0
	return m.mergePageLocked(page, "initial"), nil
}

// LoadOlder fetches the page before the oldest loaded one. With nothing
// left it returns an empty result without fetching.
func (m *Merger) LoadOlder(ctx context.Context) (LoadResult, error) {
	if m.fetcher == nil {
		return LoadResult{}, ErrNoFetcher
	}
	m.loadMu.Lock()
	defer m.loadMu.Unlock()

	m.mu.Lock()
	offset, more := m.loaded, m.hasMore
	m.mu.Unlock()
	if !more {
		res := LoadResult{Empty: true}
		m.mu.Lock()
		m.last = res
		m.mu.Unlock()
		return res, nil
	}

	// Messages persisted since the last fetch shift offsets toward older
	// pages, so the page may overlap what is held. Overlap is dropped by
	// id; it never leaves a gap.
	page, err := m.fetcher.Fetch(ctx, m.pageSize, offset)
	if err != nil {
		m.log.Warn("history load failed", "offset", offset, "err", err)
		return LoadResult{}, fmt.Errorf("load older history: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mergePageLocked(page, "older"), nil
}

func (m *Merger) mergePageLocked(page Page, reason string) LoadResult {
	added := 0
	for _, msg := range page.Messages {
		msg.Live = false
		msg.Provisional = false
		msg.Streaming = false
		if msg.ID != "" {
			if _, dup := m.byID[msg.ID]; dup {
				continue
			}
		}
		if it := m.provisionalMatchLocked(msg); it != nil {
			delete(m.byID, it.msg.ID)
			msg.ClientMessageID = it.msg.ClientMessageID
			it.msg = msg
			it.key = msg.Timestamp
			m.byID[msg.ID] = it
			continue
		}
		m.insertLocked(msg, msg.Timestamp)
		added++
	}
	m.loaded += len(page.Messages)
	m.hasMore = page.HasMore
	m.sortLocked()
	m.last = LoadResult{Count: added, Empty: len(page.Messages) == 0, HasMore: page.HasMore}
	m.log.Debug("history merged", "reason", reason, "fetched", len(page.Messages), "added", added, "has_more", page.HasMore)
	m.changedLocked(reason)
	return m.last
}

func (m *Merger) provisionalMatchLocked(msg Message) *item {
	for _, it := range m.items {
		if it.msg.Provisional && !it.msg.Streaming && it.msg.Role == msg.Role && sameText(it.msg.Text, msg.Text) {
			return it
		}
	}
	return nil
}

// AppendLive adds a complete live message. It reports false when a
// message with the same id is already present.
func (m *Merger) AppendLive(msg Message) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if msg.ID != "" {
		if _, dup := m.byID[msg.ID]; dup {
			return false
		}
	}
	msg.Live = true
	m.insertLocked(msg, m.liveKeyLocked(msg.Timestamp))
	m.sortLocked()
	m.changedLocked("live")
	return true
}

// ExtendLive appends a streamed chunk to the live message id, creating it
// with role and ts on the first chunk.
func (m *Merger) ExtendLive(id, role, chunk string, ts time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if it, ok := m.byID[id]; ok {
		if !it.msg.Streaming {
			m.log.Debug("chunk for finished message dropped", "id", id)
			return
		}
		it.msg.Text += chunk
		m.changedLocked("chunk")
		return
	}
	msg := Message{ID: id, Role: role, Text: chunk, Timestamp: ts, Live: true, Provisional: true, Streaming: true}
	m.insertLocked(msg, m.liveKeyLocked(ts))
	m.sortLocked()
	m.changedLocked("live")
}

// FinishLive marks a streamed message complete.
func (m *Merger) FinishLive(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if it, ok := m.byID[id]; ok && it.msg.Streaming {
		it.msg.Streaming = false
		m.changedLocked("finish")
	}
}

// Contains reports whether a message with id is present.
func (m *Merger) Contains(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.byID[id]
	return ok
}

// Snapshot returns a copy of the merged sequence.
func (m *Merger) Snapshot() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Message, len(m.items))
	for i, it := range m.items {
		out[i] = it.msg
	}
	return out
}

// Len returns the number of merged messages.
func (m *Merger) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}

// HasMore reports whether older history remains on the server.
func (m *Merger) HasMore() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hasMore
}

// LastLoad returns the result of the most recent successful load.
func (m *Merger) LastLoad() LoadResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}

func (m *Merger) insertLocked(msg Message, key time.Time) {
	m.seq++
	it := &item{msg: msg, key: key, seq: m.seq}
	m.items = append(m.items, it)
	if msg.ID != "" {
		m.byID[msg.ID] = it
	}
}

// liveKeyLocked orders a live message after everything already held.
func (m *Merger) liveKeyLocked(ts time.Time) time.Time {
	key := ts
	if key.IsZero() {
		key = m.clk.Now()
	}
	for _, it := range m.items {
		if it.key.After(key) {
			key = it.key
		}
	}
	return key
}

func (m *Merger) sortLocked() {
	sort.SliceStable(m.items, func(i, j int) bool {
		a, b := m.items[i], m.items[j]
		if !a.key.Equal(b.key) {
			return a.key.Before(b.key)
		}
		return a.seq < b.seq
	})
}

func (m *Merger) changedLocked(reason string) {
	m.version++
	m.bus.Publish(Update{Version: m.version, Reason: reason})
}
