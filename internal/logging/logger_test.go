package logging

import (
	"bytes"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want zerolog.Level
	}{
		{"debug", zerolog.DebugLevel},
		{"WARN", zerolog.WarnLevel},
		{"warning", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
		{"off", zerolog.Disabled},
		{"", zerolog.InfoLevel},
		{"nonsense", zerolog.InfoLevel},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestInitWritesJSON(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: "info", Format: "json", Output: &buf})
	defer Init(Config{Level: "info", Format: "json"})

	Info().Str("collector", "pi-alpha").Msg("hello")
	Debug().Msg("hidden")

	out := buf.String()
	if !strings.Contains(out, `"collector":"pi-alpha"`) {
		t.Errorf("expected structured field in output, got %q", out)
	}
	if strings.Contains(out, "hidden") {
		t.Errorf("debug entry should be filtered at info level, got %q", out)
	}
}

func TestWithAddsComponent(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: "debug", Format: "json", Output: &buf})
	defer Init(Config{Level: "info", Format: "json"})

	l := With("sync")
	l.Info().Msg("x")
	if !strings.Contains(buf.String(), `"component":"sync"`) {
		t.Errorf("missing component field: %q", buf.String())
	}
}
