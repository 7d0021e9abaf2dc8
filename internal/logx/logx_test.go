package logx

import (
	"bytes"
	"encoding/json"
	"testing"

	"pkt.systems/pslog"
)

func newCaptureLogger(capture *logCapture) pslog.Logger {
	return pslog.NewWithOptions(capture, pslog.Options{
		Mode:          pslog.ModeStructured,
		NoColor:       true,
		MinLevel:      pslog.InfoLevel,
		VerboseFields: true,
	})
}

func TestWithChannelAndMessage(t *testing.T) {
	capture := &logCapture{}
	log := WithMessage(WithChannel(newCaptureLogger(capture), "command"), "m-1")
	log.Info("hello")

	entry := capture.firstEntry(t)
	if entry["channel"] != "command" {
		t.Fatalf("expected channel field, got %+v", entry)
	}
	if entry["msg"] != "m-1" {
		t.Fatalf("expected msg field, got %+v", entry)
	}
}

func TestEmptyValuesAddNoFields(t *testing.T) {
	capture := &logCapture{}
	log := WithSession(WithChannel(newCaptureLogger(capture), ""), "")
	log.Info("hello")

	entry := capture.firstEntry(t)
	if _, ok := entry["channel"]; ok {
		t.Fatalf("did not expect channel field, got %+v", entry)
	}
	if _, ok := entry["session"]; ok {
		t.Fatalf("did not expect session field, got %+v", entry)
	}
}

func TestWithSession(t *testing.T) {
	capture := &logCapture{}
	WithSession(newCaptureLogger(capture), "s-9").Info("hello")
	if entry := capture.firstEntry(t); entry["session"] != "s-9" {
		t.Fatalf("expected session field, got %+v", entry)
	}
}

func TestOrFallsBack(t *testing.T) {
	if Or(nil) == nil {
		t.Fatal("Or(nil) returned nil")
	}
}

type logCapture struct {
	buf bytes.Buffer
}

func (c *logCapture) Write(p []byte) (int, error) {
	return c.buf.Write(p)
}

func (c *logCapture) firstEntry(t *testing.T) map[string]any {
	t.Helper()
	data := c.buf.Bytes()
	idx := bytes.IndexByte(data, '\n')
	if idx == -1 {
		idx = len(data)
	}
	line := bytes.TrimSpace(data[:idx])
	entry := map[string]any{}
	if err := json.Unmarshal(line, &entry); err != nil {
		t.Fatalf("parse log entry: %v", err)
	}
	return entry
}
