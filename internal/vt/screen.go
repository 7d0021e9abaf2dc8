// Package vt mirrors the shell channel on a VT100 screen. It wraps
// hinshun/vt10x so full-screen programs (cursor movement, clears,
// scrolling) render correctly, and reports rows as styled runs with
// row-level diffing.
package vt

import (
	"slices"
	"sync"

	"github.com/hinshun/vt10x"

	"github.com/gastownhall/sessionlink/internal/termstream"
)

// Glyph mode bits (matching vt10x's unexported constants).
const (
	modeReverse   = 1
	modeUnderline = 2
	modeBold      = 4
)

// Update holds the rows changed since the previous Write or Snapshot.
type Update struct {
	Rows      map[int][]termstream.Run `json:"rows"`
	CursorRow int                      `json:"cursorRow"`
	CursorCol int                      `json:"cursorCol"`
}

// Snapshot holds the full screen.
type Snapshot struct {
	Rows      [][]termstream.Run `json:"rows"`
	Cols      int                `json:"cols"`
	NumRows   int                `json:"numRows"`
	CursorRow int                `json:"cursorRow"`
	CursorCol int                `json:"cursorCol"`
}

// Screen is a terminal emulator with row-level diffing. It is safe for
// concurrent use.
type Screen struct {
	mu       sync.Mutex
	term     vt10x.Terminal
	cols     int
	rows     int
	prevRows [][]termstream.Run
}

// NewScreen creates a screen with the given dimensions.
func NewScreen(cols, rows int) *Screen {
	return &Screen{
		term:     vt10x.New(vt10x.WithSize(cols, rows)),
		cols:     cols,
		rows:     rows,
		prevRows: make([][]termstream.Run, rows),
	}
}

// Size returns the screen dimensions.
func (s *Screen) Size() (cols, rows int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cols, s.rows
}

// Write feeds raw shell output and returns the rows that changed, or nil.
func (s *Screen) Write(data []byte) *Update {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, _ = s.term.Write(data)

	update := &Update{Rows: make(map[int][]termstream.Run)}
	s.term.Lock()
	cursor := s.term.Cursor()
	update.CursorRow = cursor.Y
	update.CursorCol = cursor.X
	for y := 0; y < s.rows; y++ {
		row := s.renderRow(y)
		if !slices.Equal(row, s.prevRows[y]) {
			update.Rows[y] = row
			s.prevRows[y] = row
		}
	}
	s.term.Unlock()

	if len(update.Rows) == 0 {
		return nil
	}
	return update
}

// Snapshot returns the full screen and resets the diff baseline.
func (s *Screen) Snapshot() *Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// Resize changes the screen dimensions and returns the resulting screen.
func (s *Screen) Resize(cols, rows int) *Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cols <= 0 || rows <= 0 {
		return s.snapshotLocked()
	}
	s.term.Resize(cols, rows)
	s.cols, s.rows = cols, rows
	s.prevRows = make([][]termstream.Run, rows)
	return s.snapshotLocked()
}

func (s *Screen) snapshotLocked() *Snapshot {
	snap := &Snapshot{
		Rows:    make([][]termstream.Run, s.rows),
		Cols:    s.cols,
		NumRows: s.rows,
	}
	s.term.Lock()
	cursor := s.term.Cursor()
	snap.CursorRow = cursor.Y
	snap.CursorCol = cursor.X
	for y := 0; y < s.rows; y++ {
		row := s.renderRow(y)
		snap.Rows[y] = row
		s.prevRows[y] = row
	}
	s.term.Unlock()
	return snap
}

// renderRow converts one row into runs, dropping trailing blank cells.
// Must be called with s.term locked.
func (s *Screen) renderRow(y int) []termstream.Run {
	lastCol := -1
	for x := s.cols - 1; x >= 0; x-- {
		cell := s.term.Cell(x, y)
		if (cell.Char != 0 && cell.Char != ' ') || !styleOf(cell).IsZero() {
			lastCol = x
			break
		}
	}
	if lastCol < 0 {
		return nil
	}

	runs := make([]termstream.Run, 0, 4)
	text := make([]rune, 0, lastCol+1)
	var cur termstream.Style
	flush := func() {
		if len(text) > 0 {
			runs = append(runs, termstream.Run{Text: string(text), Style: cur})
			text = text[:0]
		}
	}
	for x := 0; x <= lastCol; x++ {
		cell := s.term.Cell(x, y)
		st := styleOf(cell)
		if st != cur {
			flush()
			cur = st
		}
		ch := cell.Char
		if ch == 0 {
			ch = ' '
		}
		text = append(text, ch)
	}
	flush()
	return runs
}

func styleOf(g vt10x.Glyph) termstream.Style {
	return termstream.Style{
		Bold:       g.Mode&modeBold != 0,
		Underline:  g.Mode&modeUnderline != 0,
		Reversed:   g.Mode&modeReverse != 0,
		Foreground: colorOf(g.FG, vt10x.DefaultFG),
		Background: colorOf(g.BG, vt10x.DefaultBG),
	}
}

// colorOf maps a vt10x color: <8 named, <16 bright named, <256 indexed,
// otherwise 24-bit RGB packed as 0xRRGGBB.
func colorOf(c, def vt10x.Color) termstream.Color {
	if c == def || c == vt10x.DefaultFG || c == vt10x.DefaultBG {
		return termstream.Color{}
	}
	n := uint32(c)
	switch {
	case n < 16:
		return termstream.Named(uint8(n))
	case n < 256:
		return termstream.Indexed(uint8(n))
	default:
		return termstream.RGB(uint8(n>>16), uint8(n>>8), uint8(n))
	}
}
