package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogger_JSON(t *testing.T) {
	var buf bytes.Buffer
	log := NewLogger(&buf, LogLevelInfo, true).With("upload")

	log.Info("file_stored", map[string]any{"rid": "r-1", "size": "2.0 kB"})
	log.Debug("hidden", nil)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)

	var entry LogEntry
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	assert.Equal(t, LogLevelInfo, entry.Level)
	assert.Equal(t, "upload", entry.Service)
	assert.Equal(t, "file_stored", entry.Message)
	assert.Equal(t, "r-1", entry.RequestID)
	assert.Equal(t, "2.0 kB", entry.Fields["size"])
	assert.Contains(t, entry.Caller, "jsonlog_test.go")
}

func TestLogger_Text(t *testing.T) {
	var buf bytes.Buffer
	log := NewLogger(&buf, LogLevelDebug, false).With("cleanup")

	log.Error("delete_failed", map[string]any{"file": "a.txt", "attempt": 2}, errors.New("permission denied"))

	line := buf.String()
	assert.True(t, strings.HasPrefix(line, "[error] "))
	assert.Contains(t, line, `service=cleanup msg="delete_failed" attempt=2 file=a.txt err="permission denied"`)
}

func TestLogger_NilIsSilent(t *testing.T) {
	var log *Logger
	assert.Nil(t, log.With("x"))
	assert.NotPanics(t, func() {
		log.Info("ignored", nil)
		log.Error("ignored", nil, errors.New("boom"))
	})
}

func TestParseLogLevel(t *testing.T) {
	assert.Equal(t, LogLevelDebug, ParseLogLevel("DEBUG"))
	assert.Equal(t, LogLevelWarn, ParseLogLevel(" warn "))
	assert.Equal(t, LogLevelError, ParseLogLevel("error"))
	assert.Equal(t, LogLevelInfo, ParseLogLevel("verbose"))
	assert.Equal(t, LogLevelInfo, ParseLogLevel(""))
}
