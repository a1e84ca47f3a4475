package internal

import (
	"bytes"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"", slog.LevelInfo},
		{"error", slog.LevelError},
		{"WARNING", slog.LevelWarn},
		{" debug ", slog.LevelDebug},
		{"TRACE", LevelTrace},
		{"nonsense", slog.LevelInfo},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, parseLevel(tt.in))
		})
	}
}

func TestLogWithFields(t *testing.T) {
	var buf bytes.Buffer
	SetLogOutput(&buf, "TRACE")
	t.Cleanup(func() { SetLogOutput(&bytes.Buffer{}, "INFO") })

	LogErrorWithFields("targets", "connect failed", map[string]interface{}{
		"error": errors.New("boom"),
	})
	LogTraceWithFields("router", "listing", nil)

	out := buf.String()
	assert.Contains(t, out, "component=targets")
	assert.Contains(t, out, "error=boom")
	assert.Contains(t, out, "level=TRACE")
}
