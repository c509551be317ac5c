package ninja_go

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ninja.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestLoadConfig(t *testing.T) {
	t.Setenv("HISTORY_DIR", "/var/cache/builds")
	path := writeConfig(t, `build:
  jobs: 8
  keep_going: 0
  max_load: 4.5
  max_memory: 0.9
  sync_logs: false
  status_format: "[%f/%t] "
log:
  level: debug
  format: json
history:
  enabled: true
  path: ${HISTORY_DIR}/history.db
  retention: 72h
`)
	cfg, err := LoadConfig(path, true)
	require.NoError(t, err)
	assert.Equal(t, 8, cfg.Build.Jobs)
	assert.False(t, cfg.SyncLogs())
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.True(t, cfg.History.Enabled)
	assert.Equal(t, "/var/cache/builds/history.db", cfg.History.Path)
	assert.Equal(t, 72*time.Hour, cfg.History.Retention)

	config := NewBuildConfig()
	cfg.ApplyTo(config)
	assert.Equal(t, 8, config.Parallelism)
	assert.Greater(t, config.FailuresAllowed, 1<<30, "keep_going 0 means no limit")
	assert.Equal(t, 4.5, config.MaxLoadAverage)
	assert.Equal(t, 0.9, config.MaxMemoryUsage)
	assert.Equal(t, "[%f/%t] ", config.StatusFormat)
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"), false)
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, "text", cfg.Log.Format)
	assert.Equal(t, defaultHistoryPath, cfg.History.Path)
	assert.Equal(t, defaultRetention, cfg.History.Retention)
	assert.True(t, cfg.SyncLogs())

	// Defaults leave the flag-derived config alone.
	config := NewBuildConfig()
	cfg.ApplyTo(config)
	assert.Equal(t, NewBuildConfig(), config)
}

func TestLoadConfigRequiredMissing(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"), true)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read config file")
}

func TestLoadConfigInvalid(t *testing.T) {
	cases := map[string]string{
		"build:\n  jobs: -1\n":             "build.jobs must not be negative",
		"build:\n  keep_going: -2\n":       "build.keep_going must not be negative",
		"build:\n  max_load: -1\n":         "build.max_load must not be negative",
		"build:\n  max_memory: 1.5\n":      "build.max_memory must be a fraction",
		"log:\n  level: loud\n":            "invalid log.level: loud",
		"log:\n  format: xml\n":            "invalid log.format: xml",
		"history:\n  retention: -1h\n":     "history.retention must not be negative",
		"build: [not, a, mapping]\n":       "failed to parse config file",
		"history:\n  retention: forever\n": "failed to parse config file",
	}
	for contents, want := range cases {
		_, err := LoadConfig(writeConfig(t, contents), true)
		require.Error(t, err, contents)
		assert.Contains(t, err.Error(), want, contents)
	}
}

func TestConfigPath(t *testing.T) {
	t.Setenv("NINJA_CONFIG", "")
	path, required := ConfigPath("")
	assert.Equal(t, defaultConfigFile, path)
	assert.False(t, required)

	t.Setenv("NINJA_CONFIG", "/etc/ninja.yaml")
	path, required = ConfigPath("")
	assert.Equal(t, "/etc/ninja.yaml", path)
	assert.True(t, required)

	path, required = ConfigPath("local.yaml")
	assert.Equal(t, "local.yaml", path)
	assert.True(t, required)
}
