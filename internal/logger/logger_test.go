package logger

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestSetup(t *testing.T) {
	t.Cleanup(func() { zerolog.SetGlobalLevel(zerolog.InfoLevel) })

	tests := []struct {
		name   string
		level  string
		format string
		want   zerolog.Level
	}{
		{"debug level", "debug", "console", zerolog.DebugLevel},
		{"info level", "info", "console", zerolog.InfoLevel},
		{"warn level", "warn", "console", zerolog.WarnLevel},
		{"error level", "error", "console", zerolog.ErrorLevel},
		{"json format", "info", "json", zerolog.InfoLevel},
		{"uppercase level", "DEBUG", "console", zerolog.DebugLevel},
		{"unknown level", "verbose", "console", zerolog.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			Setup(tt.level, tt.format)
			if Log == nil {
				t.Fatal("expected Log to be initialized")
			}
			if got := zerolog.GlobalLevel(); got != tt.want {
				t.Errorf("global level = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestJSONFields(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, "json").With("model", "resnet")
	l.Info("loaded", "bindings", 2, "err", errors.New("boom"), "dangling")

	var rec map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("output is not json: %v: %q", err, buf.String())
	}
	if rec["message"] != "loaded" {
		t.Errorf("message = %v", rec["message"])
	}
	if rec["model"] != "resnet" {
		t.Errorf("model = %v", rec["model"])
	}
	if rec["bindings"] != float64(2) {
		t.Errorf("bindings = %v", rec["bindings"])
	}
	if rec["err"] != "boom" {
		t.Errorf("err = %v", rec["err"])
	}
	if _, ok := rec["dangling"]; ok {
		t.Error("dangling key should be dropped")
	}
}

func TestConsoleFormat(t *testing.T) {
	var buf bytes.Buffer
	New(&buf, "console").Warn("slow predict", 42, "ms")
	if !strings.Contains(buf.String(), "slow predict") || !strings.Contains(buf.String(), "42=") {
		t.Errorf("unexpected console output %q", buf.String())
	}
}

func TestNop(t *testing.T) {
	l := Nop()
	l.Info("x", "k", "v")
	l.With("a", 1).Error("y")
}
