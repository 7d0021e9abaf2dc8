package termstream

import (
	"strings"
	"unicode/utf8"
)

// DefaultMaxPending bounds the bytes buffered for one unfinished escape
// sequence. OSC payloads count against it.
const DefaultMaxPending = 512

type state uint8

const (
	stateGround state = iota
	stateEscape
	stateEscapeIntermediate
	stateCSI
	stateString    // OSC, DCS, SOS, PM, APC payload
	stateStringEsc // ESC seen inside a string; expecting '\' (ST)
)

// Parser is a streaming SGR decoder. Input may be split at any byte,
// including inside an escape sequence or a UTF-8 character; the unfinished
// tail is carried to the next Feed call.
//
// A Parser is not safe for concurrent use.
type Parser struct {
	style      Style
	state      state
	pending    []byte
	maxPending int
}

// Option configures a Parser.
type Option func(*Parser)

// WithMaxPending sets the escape-sequence buffer cap.
func WithMaxPending(n int) Option {
	return func(p *Parser) {
		if n > 0 {
			p.maxPending = n
		}
	}
}

// NewParser returns a Parser in the ground state with default attributes.
func NewParser(opts ...Option) *Parser {
	p := &Parser{maxPending: DefaultMaxPending}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Style returns the attributes that will apply to the next printed text.
func (p *Parser) Style() Style { return p.style }

// Pending returns the number of buffered bytes of an unfinished sequence
// or character. It never exceeds the configured cap.
func (p *Parser) Pending() int { return len(p.pending) }

// Reset returns the parser to the ground state with default attributes.
func (p *Parser) Reset() {
	p.style = Style{}
	p.state = stateGround
	p.pending = nil
}

// Feed decodes data and returns the text it produced as runs. Sequences
// that change attributes produce no text; a run boundary appears only where
// the attributes change.
func (p *Parser) Feed(data []byte) []Run {
	var out runWriter
	for i := 0; i < len(data); i++ {
		if p.step(data[i], &out) {
			i-- // byte aborted a sequence; handle it again in the new state
		}
	}
	return out.finish()
}

// step consumes one byte. It returns true when b must be processed again.
func (p *Parser) step(b byte, out *runWriter) bool {
	switch p.state {
	case stateGround:
		if len(p.pending) > 0 {
			return p.continueRune(b, out)
		}
		p.ground(b, out)

	case stateEscape:
		switch {
		case b == 0x1b:
			p.begin(b)
		case b == '[':
			p.push(b, stateCSI)
		case b == ']' || b == 'P' || b == 'X' || b == '^' || b == '_':
			p.push(b, stateString)
		case b >= 0x20 && b <= 0x2f:
			p.push(b, stateEscapeIntermediate)
		case b >= 0x30 && b <= 0x7e:
			if b == 'c' { // RIS
				p.style = Style{}
			}
			p.done()
		default:
			p.done()
			return true
		}

	case stateEscapeIntermediate:
		switch {
		case b == 0x1b:
			p.begin(b)
		case b >= 0x20 && b <= 0x2f:
			p.push(b, stateEscapeIntermediate)
		case b >= 0x30 && b <= 0x7e:
			p.done()
		default:
			p.done()
			return true
		}

	case stateCSI:
		switch {
		case b == 0x1b:
			p.begin(b)
		case b == 0x18 || b == 0x1a: // CAN, SUB
			p.done()
		case b < 0x20:
			p.control(b, out)
		case b <= 0x3f:
			p.push(b, stateCSI)
		case b >= 0x40 && b <= 0x7e:
			p.finishCSI(b)
		default:
			p.done()
			return true
		}

	case stateString:
		switch b {
		case 0x07:
			p.done()
		case 0x1b:
			p.push(b, stateStringEsc)
		default:
			p.push(b, stateString)
		}

	case stateStringEsc:
		if b == '\\' {
			p.done()
			return false
		}
		p.begin(0x1b)
		return true
	}
	return false
}

func (p *Parser) ground(b byte, out *runWriter) {
	switch {
	case b == 0x1b:
		p.begin(b)
	case b < 0x20 || b == 0x7f:
		p.control(b, out)
	case b < 0x80:
		out.writeByte(p.style, b)
	case utf8.RuneStart(b) && b >= 0xc2 && b <= 0xf4:
		p.pending = append(p.pending[:0], b)
	default:
		out.writeRune(p.style, utf8.RuneError)
	}
}

// continueRune extends a partially received UTF-8 character.
func (p *Parser) continueRune(b byte, out *runWriter) bool {
	if b < 0x80 || b > 0xbf {
		p.pending = p.pending[:0]
		out.writeRune(p.style, utf8.RuneError)
		return true
	}
	p.pending = append(p.pending, b)
	if !utf8.FullRune(p.pending) {
		return false
	}
	r, _ := utf8.DecodeRune(p.pending)
	p.pending = p.pending[:0]
	out.writeRune(p.style, r)
	return false
}

func (p *Parser) control(b byte, out *runWriter) {
	switch b {
	case '\n', '\t':
		out.writeByte(p.style, b)
	}
}

func (p *Parser) begin(esc byte) {
	p.pending = append(p.pending[:0], esc)
	p.state = stateEscape
}

// push buffers b of an unfinished sequence. A sequence that outgrows the
// cap is dropped and the parser resumes in the ground state, so the bytes
// that follow are shown as text.
func (p *Parser) push(b byte, next state) {
	p.state = next
	p.pending = append(p.pending, b)
	if len(p.pending) > p.maxPending {
		p.pending = p.pending[:0]
		p.state = stateGround
	}
}

func (p *Parser) done() {
	p.pending = p.pending[:0]
	p.state = stateGround
}

// finishCSI interprets a complete CSI sequence. pending holds "ESC [" plus
// parameter and intermediate bytes.
func (p *Parser) finishCSI(final byte) {
	if final == 'm' {
		if body := p.pending[2:]; isPlainParams(body) {
			p.applySGR(string(body))
		}
	}
	p.done()
}

// isPlainParams rejects private-marker and intermediate-byte forms, which
// are not SGR even when they end in 'm'.
func isPlainParams(body []byte) bool {
	for _, c := range body {
		if (c < '0' || c > '9') && c != ';' && c != ':' {
			return false
		}
	}
	return true
}

type runWriter struct {
	runs  []Run
	buf   strings.Builder
	style Style
	open  bool
}

func (w *runWriter) switchTo(s Style) {
	if w.open && w.style == s {
		return
	}
	w.flush()
	w.style = s
	w.open = true
}

func (w *runWriter) writeByte(s Style, b byte) {
	w.switchTo(s)
	w.buf.WriteByte(b)
}

func (w *runWriter) writeRune(s Style, r rune) {
	w.switchTo(s)
	w.buf.WriteRune(r)
}

func (w *runWriter) flush() {
	if w.open && w.buf.Len() > 0 {
		w.runs = append(w.runs, Run{Text: w.buf.String(), Style: w.style})
	}
	w.buf.Reset()
	w.open = false
}

func (w *runWriter) finish() []Run {
	w.flush()
	return w.runs
}
