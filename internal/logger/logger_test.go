package logger

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]LogLevel{
		"debug":   DEBUG,
		"INFO":    INFO,
		"warning": WARN,
		"error":   ERROR,
		"none":    SILENT,
	}
	for in, want := range cases {
		got, err := ParseLevel(in)
		if err != nil {
			t.Fatalf("ParseLevel(%q) error: %v", in, err)
		}
		if got != want {
			t.Fatalf("ParseLevel(%q) = %s, want %s", in, got, want)
		}
	}
	if _, err := ParseLevel("loud"); err == nil {
		t.Fatal("expected error for unknown level")
	}
}

func TestTextFormatIncludesModule(t *testing.T) {
	var buf bytes.Buffer
	l := New(INFO, &buf, FormatText, false)

	l.Info("Monitor", "session %s verified", "abc")
	l.Debug("Monitor", "hidden")

	out := buf.String()
	if !strings.Contains(out, "[INFO] [Monitor] session abc verified") {
		t.Fatalf("unexpected line: %q", out)
	}
	if strings.Contains(out, "hidden") {
		t.Fatalf("debug line should be filtered: %q", out)
	}
}

func TestJSONFormat(t *testing.T) {
	var buf bytes.Buffer
	l := New(DEBUG, &buf, FormatJSON, false)

	l.Warn("Capture", "frame %d dropped", 7)

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("decode json line: %v (%q)", err, buf.String())
	}
	if rec["msg"] != "frame 7 dropped" || rec["module"] != "Capture" || rec["level"] != "WARN" {
		t.Fatalf("unexpected record: %v", rec)
	}
}

func TestSilentSuppressesEverything(t *testing.T) {
	var buf bytes.Buffer
	l := New(SILENT, &buf, FormatText, false)
	l.Error("Main", "boom")
	if buf.Len() != 0 {
		t.Fatalf("expected no output, got %q", buf.String())
	}
	l.SetLevel(ERROR)
	if l.GetLevel() != ERROR {
		t.Fatalf("GetLevel = %s", l.GetLevel())
	}
	l.Error("Main", "boom")
	if !strings.Contains(buf.String(), "[ERROR] [Main] boom") {
		t.Fatalf("unexpected output %q", buf.String())
	}
}
