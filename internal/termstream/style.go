// Package termstream decodes a terminal byte stream into styled text runs.
//
// Only Select Graphic Rendition state survives decoding: bold, underline,
// strikethrough, reverse video and foreground/background colors (16 named,
// 256 indexed, 24-bit RGB). Cursor movement and every other control
// sequence is consumed and dropped.
package termstream

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/x/ansi"
)

// ColorKind tells which field of a Color is meaningful.
type ColorKind uint8

const (
	ColorDefault ColorKind = iota
	ColorNamed             // Index 0-15
	ColorIndexed           // Index 0-255 (38;5;n)
	ColorRGB               // R, G, B
)

// Color is a foreground or background color. The zero value is the
// terminal default.
type Color struct {
	Kind  ColorKind `json:"kind"`
	Index uint8     `json:"index,omitempty"`
	R     uint8     `json:"r,omitempty"`
	G     uint8     `json:"g,omitempty"`
	B     uint8     `json:"b,omitempty"`
}

var colorNames = [16]string{
	"black", "red", "green", "yellow", "blue", "magenta", "cyan", "white",
	"bright-black", "bright-red", "bright-green", "bright-yellow",
	"bright-blue", "bright-magenta", "bright-cyan", "bright-white",
}

// Named returns one of the 16 standard colors (8-15 are the bright variants).
func Named(i uint8) Color { return Color{Kind: ColorNamed, Index: i & 0x0f} }

// Indexed returns a 256-color palette entry.
func Indexed(i uint8) Color { return Color{Kind: ColorIndexed, Index: i} }

// RGB returns a 24-bit color.
func RGB(r, g, b uint8) Color { return Color{Kind: ColorRGB, R: r, G: g, B: b} }

// IsDefault reports whether c is the terminal default color.
func (c Color) IsDefault() bool { return c.Kind == ColorDefault }

func (c Color) String() string {
	switch c.Kind {
	case ColorNamed:
		return colorNames[c.Index&0x0f]
	case ColorIndexed:
		return fmt.Sprintf("index(%d)", c.Index)
	case ColorRGB:
		return fmt.Sprintf("#%02x%02x%02x", c.R, c.G, c.B)
	default:
		return "default"
	}
}

// Style is the SGR attribute set applied to a run of text.
type Style struct {
	Bold          bool  `json:"bold,omitempty"`
	Underline     bool  `json:"underline,omitempty"`
	Strikethrough bool  `json:"strikethrough,omitempty"`
	Reversed      bool  `json:"reversed,omitempty"`
	Foreground    Color `json:"foreground"`
	Background    Color `json:"background"`
}

// IsZero reports whether s carries no attributes.
func (s Style) IsZero() bool { return s == Style{} }

// Run is a maximal span of text sharing one Style.
type Run struct {
	Text string `json:"text"`
	Style
}

// Width returns the number of terminal cells the run occupies.
func (r Run) Width() int { return ansi.StringWidth(r.Text) }

// Column returns the cursor column after runs are printed starting at
// col. A newline returns to column 0 and a tab advances to the next stop
// of 8.
func Column(col int, runs []Run) int {
	for _, r := range runs {
		text := r.Text
		if i := strings.LastIndexByte(text, '\n'); i >= 0 {
			col, text = 0, text[i+1:]
		}
		for {
			i := strings.IndexByte(text, '\t')
			if i < 0 {
				break
			}
			col += ansi.StringWidth(text[:i])
			col += 8 - col%8
			text = text[i+1:]
		}
		col += ansi.StringWidth(text)
	}
	return col
}

// Coalesce merges adjacent runs with identical styles and drops empty ones.
// Output of consecutive Feed calls coalesces to the output of a single call
// over the concatenated input.
func Coalesce(runs []Run) []Run {
	out := make([]Run, 0, len(runs))
	for _, r := range runs {
		if r.Text == "" {
			continue
		}
		if n := len(out); n > 0 && out[n-1].Style == r.Style {
			out[n-1].Text += r.Text
			continue
		}
		out = append(out, r)
	}
	return out
}

// PlainText concatenates the text of runs.
func PlainText(runs []Run) string {
	var b strings.Builder
	for _, r := range runs {
		b.WriteString(r.Text)
	}
	return b.String()
}
