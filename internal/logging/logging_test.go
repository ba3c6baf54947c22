package logging

import (
	"bytes"
	"strings"
	"testing"
)

func TestNew_JSONFormat(t *testing.T) {
	var buf bytes.Buffer
	log := New(Options{Level: "debug", Format: "json", Out: &buf})

	log.Debug().Str("key", "openai:gpt-4o").Msg("probe scheduled")

	out := buf.String()
	if !strings.Contains(out, `"key":"openai:gpt-4o"`) {
		t.Errorf("output missing field: %s", out)
	}
	if !strings.Contains(out, `"level":"debug"`) {
		t.Errorf("output missing level: %s", out)
	}
}

func TestNew_UnknownLevelFallsBackToInfo(t *testing.T) {
	var buf bytes.Buffer
	log := New(Options{Level: "chatty", Format: "json", Out: &buf})

	log.Debug().Msg("hidden")
	log.Info().Msg("shown")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Error("debug message should be filtered at info level")
	}
	if !strings.Contains(out, "shown") {
		t.Error("info message should be written")
	}
}

func TestNew_ConsoleFormat(t *testing.T) {
	var buf bytes.Buffer
	log := New(Options{Level: "warn", Out: &buf})

	log.Warn().Msg("cache document unreadable")

	if !strings.Contains(buf.String(), "cache document unreadable") {
		t.Errorf("console output missing message: %q", buf.String())
	}
}
