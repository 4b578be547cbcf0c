package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"DEBUG":   slog.LevelDebug,
		"info":    slog.LevelInfo,
		"warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"bogus":   slog.LevelInfo,
		"":        slog.LevelInfo,
	}
	for in, want := range tests {
		assert.Equal(t, want, ParseLevel(in), in)
	}
}

func TestSetup_ConsoleNonTerminalIsJSON(t *testing.T) {
	// Given: console output that is not a terminal
	var buf bytes.Buffer
	logger, cleanup, err := Setup(Config{Level: "warn", Stderr: &buf})
	require.NoError(t, err)
	defer cleanup()

	// When: logging below and at the level
	logger.Info("ignored_event")
	logger.Warn("batch_rejected", slog.Int("tasks", 3))

	// Then: only the warning is written, as one JSON object
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)
	var rec map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &rec))
	assert.Equal(t, "batch_rejected", rec["msg"])
	assert.Equal(t, 3.0, rec["tasks"])
}

func TestSetup_WritesFileAndConsole(t *testing.T) {
	var buf bytes.Buffer
	path := filepath.Join(t.TempDir(), "logs", "searchsync.log")

	logger, cleanup, err := Setup(Config{Level: "debug", FilePath: path, Stderr: &buf})
	require.NoError(t, err)
	logger.Debug("rebuild_started", slog.String("type", "article"))
	cleanup()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"rebuild_started"`)
	assert.Contains(t, buf.String(), `"type":"article"`)
}

func TestRotatingWriter_RotatesAndKeepsMaxFiles(t *testing.T) {
	// Given: a 10-byte writer keeping two backups
	path := filepath.Join(t.TempDir(), "sync.log")
	w, err := NewRotatingWriter(path, 10, 2)
	require.NoError(t, err)
	defer w.Close()

	// When: writing four 8-byte records
	for _, rec := range []string{"first--\n", "second-\n", "third--\n", "fourth-\n"} {
		_, err := w.Write([]byte(rec))
		require.NoError(t, err)
	}

	// Then: the newest record is current and only two backups remain
	read := func(p string) string {
		data, err := os.ReadFile(p)
		require.NoError(t, err)
		return string(data)
	}
	assert.Equal(t, "fourth-\n", read(path))
	assert.Equal(t, "third--\n", read(path+".1"))
	assert.Equal(t, "second-\n", read(path+".2"))
	assert.NoFileExists(t, path+".3")
}

func TestRotatingWriter_NoBackups(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sync.log")
	w, err := NewRotatingWriter(path, 4, 0)
	require.NoError(t, err)
	defer w.Close()

	_, err = w.Write([]byte("aaaa"))
	require.NoError(t, err)
	_, err = w.Write([]byte("bb"))
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "bb", string(data))
	assert.NoFileExists(t, path+".1")
}

func TestRotatingWriter_AppendsToExistingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sync.log")
	require.NoError(t, os.WriteFile(path, []byte("old\n"), 0o644))

	w, err := NewRotatingWriter(path, 1024, 1)
	require.NoError(t, err)
	_, err = w.Write([]byte("new\n"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "old\nnew\n", string(data))
}

func TestRotatingWriter_WriteAfterClose(t *testing.T) {
	w, err := NewRotatingWriter(filepath.Join(t.TempDir(), "sync.log"), 1024, 1)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	_, err = w.Write([]byte("x"))
	assert.ErrorIs(t, err, os.ErrClosed)
	assert.NoError(t, w.Close())
}
