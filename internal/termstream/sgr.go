package termstream

import (
	"strconv"
	"strings"
)

// sgrParam is one ';'-separated SGR field with its ':' sub-parameters.
type sgrParam struct {
	value int
	sub   []int
}

func parseSGR(body string) []sgrParam {
	fields := strings.Split(body, ";")
	params := make([]sgrParam, 0, len(fields))
	for _, f := range fields {
		parts := strings.Split(f, ":")
		p := sgrParam{value: atoiDefault(parts[0])}
		for _, s := range parts[1:] {
			p.sub = append(p.sub, atoiDefault(s))
		}
		params = append(params, p)
	}
	return params
}

// atoiDefault treats empty and unparsable fields as 0.
func atoiDefault(s string) int {
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func (p *Parser) applySGR(body string) {
	params := parseSGR(body)
	for i := 0; i < len(params); i++ {
		prm := params[i]
		code := prm.value
		switch {
		case code == 0:
			p.style = Style{}
		case code == 1:
			p.style.Bold = true
		case code == 22:
			p.style.Bold = false
		case code == 4:
			p.style.Underline = len(prm.sub) == 0 || prm.sub[0] != 0
		case code == 21:
			p.style.Underline = true
		case code == 24:
			p.style.Underline = false
		case code == 9:
			p.style.Strikethrough = true
		case code == 29:
			p.style.Strikethrough = false
		case code == 7:
			p.style.Reversed = true
		case code == 27:
			p.style.Reversed = false
		case code >= 30 && code <= 37:
			p.style.Foreground = Named(uint8(code - 30))
		case code >= 90 && code <= 97:
			p.style.Foreground = Named(uint8(code - 90 + 8))
		case code == 39:
			p.style.Foreground = Color{}
		case code >= 40 && code <= 47:
			p.style.Background = Named(uint8(code - 40))
		case code >= 100 && code <= 107:
			p.style.Background = Named(uint8(code - 100 + 8))
		case code == 49:
			p.style.Background = Color{}
		case code == 38 || code == 48 || code == 58:
			c, ok, used := extendedColor(prm, params[i+1:])
			i += used
			if !ok {
				continue
			}
			switch code {
			case 38:
				p.style.Foreground = c
			case 48:
				p.style.Background = c
			}
			// 58 (underline colour) is consumed but not tracked.
		}
	}
}

// extendedColor decodes the 38/48/58 forms. Colon sub-parameters take
// precedence; otherwise the following ';' fields are consumed. used is the
// number of following fields consumed.
func extendedColor(prm sgrParam, rest []sgrParam) (c Color, ok bool, used int) {
	if len(prm.sub) > 0 {
		return colorFromSub(prm.sub)
	}
	if len(rest) == 0 {
		return Color{}, false, 0
	}
	switch rest[0].value {
	case 5:
		if len(rest) < 2 {
			return Color{}, false, len(rest)
		}
		return Indexed(clampByte(rest[1].value)), true, 2
	case 2:
		if len(rest) < 4 {
			return Color{}, false, len(rest)
		}
		return RGB(clampByte(rest[1].value), clampByte(rest[2].value), clampByte(rest[3].value)), true, 4
	default:
		return Color{}, false, 1
	}
}

func colorFromSub(sub []int) (Color, bool, int) {
	switch sub[0] {
	case 5:
		if len(sub) < 2 {
			return Color{}, false, 0
		}
		return Indexed(clampByte(sub[1])), true, 0
	case 2:
		// 38:2:r:g:b or 38:2:cs:r:g:b
		v := sub[1:]
		if len(v) >= 4 {
			v = v[1:]
		}
		if len(v) < 3 {
			return Color{}, false, 0
		}
		return RGB(clampByte(v[0]), clampByte(v[1]), clampByte(v[2])), true, 0
	}
	return Color{}, false, 0
}

func clampByte(n int) uint8 {
	if n > 255 {
		return 255
	}
	return uint8(n)
}
