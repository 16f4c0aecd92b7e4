package logger

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"
)

func TestSetupWritesJSON(t *testing.T) {
	var buf bytes.Buffer
	l := Setup(&buf, "info")
	l.Info("hub started", slog.String("addr", ":8080"))

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log line is not JSON: %v (%s)", err, buf.String())
	}
	if entry["msg"] != "hub started" || entry["addr"] != ":8080" {
		t.Errorf("unexpected entry: %v", entry)
	}
}

func TestSetupRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	l := Setup(&buf, "warn")
	l.Info("dropped")
	if buf.Len() != 0 {
		t.Errorf("info must be filtered at warn level, got %s", buf.String())
	}
}

func TestParseLevel(t *testing.T) {
	if ParseLevel("DEBUG") != slog.LevelDebug || ParseLevel("bogus") != slog.LevelInfo {
		t.Error("ParseLevel mismatch")
	}
}
