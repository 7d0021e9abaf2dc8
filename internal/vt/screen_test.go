package vt

import (
	"testing"

	"github.com/gastownhall/sessionlink/internal/termstream"
)

func TestNewScreen(t *testing.T) {
	s := NewScreen(80, 24)
	snap := s.Snapshot()
	if snap.Cols != 80 {
		t.Errorf("cols: got %d, want 80", snap.Cols)
	}
	if snap.NumRows != 24 || len(snap.Rows) != 24 {
		t.Errorf("numRows: got %d (%d rows), want 24", snap.NumRows, len(snap.Rows))
	}
	if snap.CursorRow != 0 || snap.CursorCol != 0 {
		t.Errorf("cursor: got (%d,%d), want (0,0)", snap.CursorRow, snap.CursorCol)
	}
	for i, row := range snap.Rows {
		if len(row) != 0 {
			t.Errorf("row %d: got %+v, want empty", i, row)
		}
	}
}

func TestWritePlainText(t *testing.T) {
	s := NewScreen(80, 24)
	update := s.Write([]byte("hello world"))
	if update == nil {
		t.Fatal("expected non-nil update")
	}
	row, ok := update.Rows[0]
	if !ok {
		t.Fatal("expected row 0 in update")
	}
	if got := termstream.PlainText(row); got != "hello world" {
		t.Errorf("row 0: got %q, want %q", got, "hello world")
	}
	if len(row) != 1 || !row[0].Style.IsZero() {
		t.Errorf("row 0 runs: got %+v, want one unstyled run", row)
	}
	if update.CursorCol != 11 {
		t.Errorf("cursorCol: got %d, want 11", update.CursorCol)
	}
}

func TestWriteWithNewlines(t *testing.T) {
	s := NewScreen(80, 24)
	update := s.Write([]byte("line one\r\nline two\r\nline three"))
	if update == nil {
		t.Fatal("expected non-nil update")
	}
	for i, want := range []string{"line one", "line two", "line three"} {
		if got := termstream.PlainText(update.Rows[i]); got != want {
			t.Errorf("row %d: got %q, want %q", i, got, want)
		}
	}
}

func TestWriteWithColors(t *testing.T) {
	s := NewScreen(80, 24)
	update := s.Write([]byte("\x1b[31mhello\x1b[0m world"))
	if update == nil {
		t.Fatal("expected non-nil update")
	}
	row := update.Rows[0]
	if len(row) != 2 {
		t.Fatalf("runs: got %+v, want 2", row)
	}
	if row[0].Text != "hello" || row[0].Foreground != termstream.Named(1) {
		t.Errorf("run 0: got %+v, want red hello", row[0])
	}
	if row[1].Text != " world" || !row[1].Style.IsZero() {
		t.Errorf("run 1: got %+v, want plain world", row[1])
	}
}

func TestWriteWithBold(t *testing.T) {
	s := NewScreen(80, 24)
	update := s.Write([]byte("\x1b[1mbold\x1b[0m normal"))
	if update == nil {
		t.Fatal("expected non-nil update")
	}
	row := update.Rows[0]
	if len(row) < 1 || !row[0].Bold || row[0].Text != "bold" {
		t.Errorf("expected bold run, got %+v", row)
	}
	if got := termstream.PlainText(row); got != "bold normal" {
		t.Errorf("plain text: got %q, want %q", got, "bold normal")
	}
}

func TestCursorMovement(t *testing.T) {
	s := NewScreen(80, 24)
	update := s.Write([]byte("hello\x1b[HHELLO"))
	if update == nil {
		t.Fatal("expected non-nil update")
	}
	if got := termstream.PlainText(update.Rows[0]); got != "HELLO" {
		t.Errorf("row 0: got %q, want %q", got, "HELLO")
	}
}

func TestScreenClear(t *testing.T) {
	s := NewScreen(80, 24)
	s.Write([]byte("old text"))
	update := s.Write([]byte("\x1b[2J\x1b[Hnew text"))
	if update == nil {
		t.Fatal("expected non-nil update")
	}
	if got := termstream.PlainText(update.Rows[0]); got != "new text" {
		t.Errorf("row 0 after clear: got %q, want %q", got, "new text")
	}
}

func TestDiffOnlyChangedRows(t *testing.T) {
	s := NewScreen(80, 24)
	s.Write([]byte("initial"))
	update := s.Write([]byte("\r\nsecond line"))
	if update == nil {
		t.Fatal("expected non-nil update for new line")
	}
	if _, ok := update.Rows[0]; ok {
		t.Error("row 0 should not be in update (unchanged)")
	}
	if _, ok := update.Rows[1]; !ok {
		t.Error("row 1 should be in update")
	}
}

func TestNilUpdateWhenNoChange(t *testing.T) {
	s := NewScreen(80, 24)
	s.Write([]byte("hello"))
	if update := s.Write([]byte("")); update != nil {
		t.Errorf("expected nil update for empty write, got %+v", update)
	}
}

func TestScrolling(t *testing.T) {
	s := NewScreen(80, 5)
	s.Write([]byte("line1\r\nline2\r\nline3\r\nline4\r\nline5"))
	if update := s.Write([]byte("\r\nline6")); update == nil {
		t.Fatal("expected non-nil update after scroll")
	}
	snap := s.Snapshot()
	if got := termstream.PlainText(snap.Rows[0]); got != "line2" {
		t.Errorf("after scroll row 0: got %q, want %q", got, "line2")
	}
	if got := termstream.PlainText(snap.Rows[4]); got != "line6" {
		t.Errorf("after scroll row 4: got %q, want %q", got, "line6")
	}
}

func Test256Color(t *testing.T) {
	s := NewScreen(80, 24)
	update := s.Write([]byte("\x1b[38;5;196mcolored\x1b[0m"))
	if update == nil {
		t.Fatal("expected non-nil update")
	}
	row := update.Rows[0]
	if len(row) != 1 || row[0].Foreground != termstream.Indexed(196) {
		t.Errorf("runs: got %+v, want indexed 196", row)
	}
}

func TestBackgroundColor(t *testing.T) {
	s := NewScreen(80, 24)
	update := s.Write([]byte("\x1b[42m bg \x1b[0m"))
	if update == nil {
		t.Fatal("expected non-nil update")
	}
	row := update.Rows[0]
	if len(row) != 1 || row[0].Background != termstream.Named(2) || row[0].Text != " bg " {
		t.Errorf("runs: got %+v, want green background", row)
	}
}

func TestResize(t *testing.T) {
	s := NewScreen(80, 24)
	s.Write([]byte("hello"))
	snap := s.Resize(40, 10)
	if snap.Cols != 40 || snap.NumRows != 10 || len(snap.Rows) != 10 {
		t.Fatalf("after resize: cols=%d rows=%d len=%d", snap.Cols, snap.NumRows, len(snap.Rows))
	}
	if cols, rows := s.Size(); cols != 40 || rows != 10 {
		t.Fatalf("Size() = %d,%d", cols, rows)
	}
	if got := termstream.PlainText(snap.Rows[0]); got != "hello" {
		t.Errorf("row 0 after resize: got %q, want hello", got)
	}
	s.Resize(0, 0)
	if cols, _ := s.Size(); cols != 40 {
		t.Fatalf("invalid resize changed size to %d", cols)
	}
}

func TestConcurrentWrites(t *testing.T) {
	s := NewScreen(80, 24)
	done := make(chan struct{}, 10)
	for i := 0; i < 10; i++ {
		go func() {
			defer func() { done <- struct{}{} }()
			s.Write([]byte("hello\r\n"))
			s.Snapshot()
		}()
	}
	for i := 0; i < 10; i++ {
		<-done
	}
}
