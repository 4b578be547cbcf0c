package config

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	syncerr "github.com/Aman-CERP/searchsync/internal/errors"
)

// isolate points the user config lookup at an empty directory.
func isolate(t *testing.T) string {
	t.Helper()
	xdg := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", xdg)
	return xdg
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestNewConfig_ReturnsDefaults(t *testing.T) {
	cfg := NewConfig()

	assert.Equal(t, runtime.NumCPU(), cfg.Dispatcher.Workers)
	assert.Equal(t, 64, cfg.Dispatcher.QueueSize)
	assert.Equal(t, 30*time.Second, cfg.Dispatcher.ShutdownTimeout)
	assert.Equal(t, 4, cfg.Bulk.MaxRunning)
	assert.Equal(t, 500, cfg.Rebuild.BatchSize)
	assert.Equal(t, 200, cfg.Rebuild.BulkSize)
	assert.Equal(t, "", cfg.Rebuild.Schedule)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.NoError(t, cfg.Validate())
}

func TestLoad_NoFiles_UsesDefaults(t *testing.T) {
	isolate(t)

	cfg, err := Load(t.TempDir())

	require.NoError(t, err)
	assert.Equal(t, NewConfig().Rebuild, cfg.Rebuild)
}

func TestLoad_Precedence(t *testing.T) {
	// Given: user config, project config and env all set some keys
	xdg := isolate(t)
	writeFile(t, filepath.Join(xdg, "searchsync", "config.yaml"), `
bulk:
  max_running: 2
rebuild:
  batch_size: 100
  bulk_size: 50
types:
  article: document
`)
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, ProjectFileYAML), `
rebuild:
  batch_size: 250
  ready_timeout: 5s
types:
  comment: document
`)
	t.Setenv("SEARCHSYNC_REBUILD_BULK_SIZE", "75")

	// When: loading
	cfg, err := Load(dir)

	// Then: each layer overrides the one below it
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.Bulk.MaxRunning)
	assert.Equal(t, 250, cfg.Rebuild.BatchSize)
	assert.Equal(t, 75, cfg.Rebuild.BulkSize)
	assert.Equal(t, 5*time.Second, cfg.Rebuild.ReadyTimeout)
	assert.Equal(t, map[string]string{"article": "document", "comment": "document"}, cfg.Types)
}

func TestLoad_YMLFallback(t *testing.T) {
	isolate(t)
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, ProjectFileYML), "dispatcher:\n  queue_size: 8\n")

	cfg, err := Load(dir)

	require.NoError(t, err)
	assert.Equal(t, 8, cfg.Dispatcher.QueueSize)
}

func TestLoad_YAMLTakesPrecedenceOverYML(t *testing.T) {
	isolate(t)
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, ProjectFileYAML), "dispatcher:\n  queue_size: 16\n")
	writeFile(t, filepath.Join(dir, ProjectFileYML), "dispatcher:\n  queue_size: 8\n")

	cfg, err := Load(dir)

	require.NoError(t, err)
	assert.Equal(t, 16, cfg.Dispatcher.QueueSize)
}

func TestLoad_EnvOverrides(t *testing.T) {
	isolate(t)
	t.Setenv("SEARCHSYNC_WORKERS", "3")
	t.Setenv("SEARCHSYNC_SHUTDOWN_TIMEOUT", "2s")
	t.Setenv("SEARCHSYNC_REBUILD_TYPES", "article, comment,,")
	t.Setenv("SEARCHSYNC_LOG_LEVEL", "debug")

	cfg, err := Load(t.TempDir())

	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Dispatcher.Workers)
	assert.Equal(t, 2*time.Second, cfg.Dispatcher.ShutdownTimeout)
	assert.Equal(t, []string{"article", "comment"}, cfg.Rebuild.Types)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name    string
		project string
		env     map[string]string
	}{
		{name: "malformed yaml", project: "rebuild: [unclosed"},
		{name: "zero workers", project: "dispatcher:\n  workers: -1\n"},
		{name: "bad schedule", project: "rebuild:\n  schedule: \"not a cron\"\n"},
		{name: "bad log level", project: "logging:\n  level: loud\n"},
		{name: "type cycle", project: "types:\n  a: b\n  b: a\n"},
		{name: "bad env int", env: map[string]string{"SEARCHSYNC_WORKERS": "many"}},
		{name: "bad env duration", env: map[string]string{"SEARCHSYNC_READY_TIMEOUT": "soon"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			isolate(t)
			dir := t.TempDir()
			if tt.project != "" {
				writeFile(t, filepath.Join(dir, ProjectFileYAML), tt.project)
			}
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			_, err := Load(dir)

			require.Error(t, err)
			assert.Equal(t, syncerr.ErrCodeConfigInvalid, syncerr.GetCode(err))
		})
	}
}

func TestLoad_ValidSchedule(t *testing.T) {
	isolate(t)
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, ProjectFileYAML), "rebuild:\n  schedule: \"0 3 * * *\"\n")

	cfg, err := Load(dir)

	require.NoError(t, err)
	assert.Equal(t, "0 3 * * *", cfg.Rebuild.Schedule)
}

func TestPaths_ResolveAgainstDataDir(t *testing.T) {
	cfg := NewConfig()
	cfg.DataDir = "/var/lib/searchsync"
	cfg.Index.Path = "/mnt/index"

	assert.Equal(t, filepath.Join("/var/lib/searchsync", "store.db"), cfg.StorePath())
	assert.Equal(t, "/mnt/index", cfg.IndexPath())
	assert.Equal(t, "/var/lib/searchsync", cfg.LockDir())
	assert.Equal(t, "", cfg.LogPath())

	cfg.Logging.File = "sync.log"
	assert.Equal(t, filepath.Join("/var/lib/searchsync", "sync.log"), cfg.LogPath())
}

func TestWriteYAML_RoundTripsThroughLoad(t *testing.T) {
	// Given: a customised config written as the project file
	isolate(t)
	dir := t.TempDir()
	cfg := NewConfig()
	cfg.Rebuild.Types = []string{"article"}
	cfg.Rebuild.ReadyTimeout = 7 * time.Second
	cfg.Types = map[string]string{"article": "document"}
	require.NoError(t, cfg.WriteYAML(filepath.Join(dir, ProjectFileYAML)))

	// When: loading it back
	loaded, err := Load(dir)

	// Then: the custom values survive
	require.NoError(t, err)
	assert.Equal(t, []string{"article"}, loaded.Rebuild.Types)
	assert.Equal(t, 7*time.Second, loaded.Rebuild.ReadyTimeout)
	assert.Equal(t, "document", loaded.Types["article"])
}
