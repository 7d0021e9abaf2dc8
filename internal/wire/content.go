package wire

import (
	"bytes"
	"encoding/json"
	"strings"
)

// Content is message text that may arrive either as a plain JSON string or
// as an array of typed segments ({"type":"text","text":...}). It always
// holds the flattened displayable text.
type Content string

func (c *Content) UnmarshalJSON(data []byte) error {
	*c = Content(FlattenContent(data))
	return nil
}

// FlattenContent extracts displayable text from a content value: a string
// is returned as is, text segments of an array are joined with newlines,
// and an object is searched for a nested "content" or "text" field.
// Anything else yields "".
func FlattenContent(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return ""
	}
	switch raw[0] {
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return ""
		}
		return s
	case '[':
		var segs []json.RawMessage
		if err := json.Unmarshal(raw, &segs); err != nil {
			return ""
		}
		parts := make([]string, 0, len(segs))
		for _, seg := range segs {
			if t := segmentText(seg); t != "" {
				parts = append(parts, t)
			}
		}
		return strings.Join(parts, "\n")
	case '{':
		var obj struct {
			Text    *string         `json:"text"`
			Content json.RawMessage `json:"content"`
		}
		if err := json.Unmarshal(raw, &obj); err != nil {
			return ""
		}
		if obj.Text != nil {
			return *obj.Text
		}
		return FlattenContent(obj.Content)
	}
	return ""
}

// segmentText returns the text of one array element. Bare strings count;
// typed segments other than "text" (tool calls, thinking) are skipped.
func segmentText(seg json.RawMessage) string {
	seg = bytes.TrimSpace(seg)
	if len(seg) > 0 && seg[0] == '"' {
		var s string
		_ = json.Unmarshal(seg, &s)
		return s
	}
	var block struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(seg, &block); err != nil {
		return ""
	}
	if block.Type != "" && block.Type != "text" {
		return ""
	}
	return block.Text
}
