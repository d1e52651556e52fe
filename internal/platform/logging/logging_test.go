package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]zerolog.Level{
		"debug":    zerolog.DebugLevel,
		" WARN ":   zerolog.WarnLevel,
		"warning":  zerolog.WarnLevel,
		"error":    zerolog.ErrorLevel,
		"off":      zerolog.Disabled,
		"":         zerolog.InfoLevel,
		"verbose?": zerolog.InfoLevel,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestNew_JSONWithService(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: "info", ServiceName: "ehr-realtime", Out: &buf})

	logger.Info().Str("conn_id", "c-1").Msg("connection registered")

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("expected JSON log line, got %q: %v", buf.String(), err)
	}
	if entry["service"] != "ehr-realtime" {
		t.Errorf("service = %v", entry["service"])
	}
	if entry["conn_id"] != "c-1" {
		t.Errorf("conn_id = %v", entry["conn_id"])
	}
	if entry["message"] != "connection registered" {
		t.Errorf("message = %v", entry["message"])
	}
}

func TestNew_LevelFilters(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: "warn", Out: &buf})

	logger.Info().Msg("hidden")
	if buf.Len() != 0 {
		t.Fatalf("expected info to be filtered at warn level, got %q", buf.String())
	}
	logger.Warn().Msg("shown")
	if buf.Len() == 0 {
		t.Fatal("expected warn entry to be written")
	}
}
