package history

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gastownhall/sessionlink/internal/clock"
)

var t0 = time.Date(2026, 2, 14, 1, 0, 0, 0, time.UTC)

func msg(id, role, text string, minute int) Message {
	return Message{ID: id, Role: role, Text: text, Timestamp: t0.Add(time.Duration(minute) * time.Minute)}
}

// serverHistory serves newest-first pages over a fixed, oldest-first list.
type serverHistory struct {
	all   []Message
	calls []int // offsets requested
	err   error
}

func (s *serverHistory) Fetch(_ context.Context, limit, offset int) (Page, error) {
	s.calls = append(s.calls, offset)
	if s.err != nil {
		return Page{}, s.err
	}
	end := len(s.all) - offset
	if end < 0 {
		end = 0
	}
	start := end - limit
	if start < 0 {
		start = 0
	}
	page := append([]Message(nil), s.all[start:end]...)
	return Page{Messages: page, Total: len(s.all), HasMore: start > 0}, nil
}

func ids(msgs []Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

func newMerger(f Fetcher, pageSize int) *Merger {
	return New(f, Options{PageSize: pageSize, Clock: clock.Fake(t0.Add(time.Hour))})
}

func TestEmptySessionIsNotAnError(t *testing.T) {
	m := newMerger(&serverHistory{}, 10)
	res, err := m.LoadInitial(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Empty)
	assert.False(t, res.HasMore)
	assert.Zero(t, res.Count)
	assert.Empty(t, m.Snapshot())
	assert.Equal(t, res, m.LastLoad())
}

func TestLoadInitialThenOlderIsGapless(t *testing.T) {
	srv := &serverHistory{}
	for i := 0; i < 7; i++ {
		srv.all = append(srv.all, msg(fmt.Sprintf("m%d", i), RoleUser, "x", i))
	}
	m := newMerger(srv, 3)

	res, err := m.LoadInitial(context.Background())
	require.NoError(t, err)
	assert.Equal(t, LoadResult{Count: 3, HasMore: true}, res)
	assert.Equal(t, []string{"m4", "m5", "m6"}, ids(m.Snapshot()))

	_, err = m.LoadOlder(context.Background())
	require.NoError(t, err)
	res, err = m.LoadOlder(context.Background())
	require.NoError(t, err)
	assert.Equal(t, LoadResult{Count: 1, HasMore: false}, res)
	assert.Equal(t, []string{"m0", "m1", "m2", "m3", "m4", "m5", "m6"}, ids(m.Snapshot()))
	assert.Equal(t, []int{0, 3, 6}, srv.calls)

	res, err = m.LoadOlder(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Empty)
	assert.Len(t, srv.calls, 3, "no fetch once history is exhausted")
}

func TestLiveAndHistoryDeduplicateByID(t *testing.T) {
	srv := &serverHistory{all: []Message{msg("a", RoleUser, "hi", 0), msg("x", RoleAssistant, "yo", 1)}}
	m := newMerger(srv, 10)

	// Arrives live just before the fetch that also returns it.
	require.True(t, m.AppendLive(msg("x", RoleAssistant, "yo", 1)))
	_, err := m.LoadInitial(context.Background())
	require.NoError(t, err)
	assert.False(t, m.AppendLive(msg("x", RoleAssistant, "yo", 1)))

	snap := m.Snapshot()
	count := 0
	for _, s := range snap {
		if s.ID == "x" {
			count++
		}
	}
	assert.Equal(t, 1, count)
	assert.Equal(t, []string{"a", "x"}, ids(snap))
}

func TestOlderPageOverlapAfterLiveGrowth(t *testing.T) {
	srv := &serverHistory{}
	for i := 0; i < 4; i++ {
		srv.all = append(srv.all, msg(fmt.Sprintf("m%d", i), RoleUser, "x", i))
	}
	m := newMerger(srv, 2)
	_, err := m.LoadInitial(context.Background())
	require.NoError(t, err)

	// Two messages persisted server side while the view was open.
	for i := 4; i < 6; i++ {
		live := msg(fmt.Sprintf("m%d", i), RoleUser, "x", i)
		srv.all = append(srv.all, live)
		m.AppendLive(live)
	}
	for m.HasMore() {
		_, err := m.LoadOlder(context.Background())
		require.NoError(t, err)
	}
	assert.Equal(t, []string{"m0", "m1", "m2", "m3", "m4", "m5"}, ids(m.Snapshot()))
}

func TestOrderingByTimestampThenArrival(t *testing.T) {
	srv := &serverHistory{all: []Message{msg("b", RoleUser, "", 5), msg("c", RoleUser, "", 5), msg("a", RoleUser, "", 1)}}
	m := newMerger(srv, 10)
	_, err := m.LoadInitial(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, ids(m.Snapshot()))
}

func TestLiveNeverSortsBeforeDisplayed(t *testing.T) {
	srv := &serverHistory{all: []Message{msg("h", RoleUser, "", 30)}}
	m := newMerger(srv, 10)
	_, err := m.LoadInitial(context.Background())
	require.NoError(t, err)

	m.AppendLive(msg("late", RoleAssistant, "skewed clock", 10))
	assert.Equal(t, []string{"h", "late"}, ids(m.Snapshot()))
}

func TestStreamedTurn(t *testing.T) {
	m := newMerger(nil, 10)
	m.AppendLive(Message{ID: "user:1", Role: RoleUser, Text: "hello", Provisional: true})
	m.ExtendLive("assistant:1", RoleAssistant, "Hel", time.Time{})
	m.ExtendLive("assistant:1", RoleAssistant, "lo!", time.Time{})

	snap := m.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, RoleUser, snap[0].Role)
	assert.Equal(t, "Hello!", snap[1].Text)
	assert.True(t, snap[1].Streaming)

	m.FinishLive("assistant:1")
	m.ExtendLive("assistant:1", RoleAssistant, "ignored", time.Time{})
	snap = m.Snapshot()
	assert.False(t, snap[1].Streaming)
	assert.Equal(t, "Hello!", snap[1].Text)
}

func TestProvisionalReplacedByServerCopy(t *testing.T) {
	srv := &serverHistory{}
	m := newMerger(srv, 10)
	m.AppendLive(Message{ID: "user:1", Role: RoleUser, Text: "hello", Provisional: true, ClientMessageID: "1"})
	m.ExtendLive("assistant:1", RoleAssistant, "Hi\nthere", time.Time{})
	m.FinishLive("assistant:1")

	srv.all = []Message{msg("u-srv", RoleUser, "hello", 0), msg("a-srv", RoleAssistant, "Hi there", 1)}
	_, err := m.LoadInitial(context.Background())
	require.NoError(t, err)

	snap := m.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, []string{"u-srv", "a-srv"}, ids(snap))
	assert.Equal(t, "1", snap[0].ClientMessageID)
	assert.False(t, snap[0].Provisional)
	assert.False(t, m.Contains("user:1"))
}

func TestFetchErrorLeavesStateUntouched(t *testing.T) {
	srv := &serverHistory{all: []Message{msg("a", RoleUser, "", 0)}}
	m := newMerger(srv, 10)
	_, err := m.LoadInitial(context.Background())
	require.NoError(t, err)

	srv.err = errors.New("503")
	_, err = m.LoadInitial(context.Background())
	require.Error(t, err)
	assert.Equal(t, []string{"a"}, ids(m.Snapshot()))
}

func TestNoFetcher(t *testing.T) {
	m := newMerger(nil, 10)
	_, err := m.LoadInitial(context.Background())
	assert.ErrorIs(t, err, ErrNoFetcher)
	_, err = m.LoadOlder(context.Background())
	assert.ErrorIs(t, err, ErrNoFetcher)
}

func TestSnapshotIsACopy(t *testing.T) {
	m := newMerger(nil, 10)
	m.AppendLive(msg("a", RoleUser, "one", 0))
	snap := m.Snapshot()
	snap[0].Text = "mutated"
	assert.Equal(t, "one", m.Snapshot()[0].Text)
}

func TestUpdatesPublished(t *testing.T) {
	m := newMerger(nil, 10)
	updates, cancel := m.Subscribe()
	defer cancel()
	m.AppendLive(msg("a", RoleUser, "one", 0))
	m.ExtendLive("b", RoleAssistant, "x", time.Time{})

	first := <-updates
	second := <-updates
	assert.Equal(t, uint64(1), first.Version)
	assert.Equal(t, uint64(2), second.Version)
}
