package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// isolate points every XDG directory at a temp dir.
func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("HOME", dir)
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(dir, "config"))
	t.Setenv("XDG_STATE_HOME", filepath.Join(dir, "state"))
	t.Setenv("XDG_DATA_HOME", filepath.Join(dir, "data"))
	for _, env := range []string{EnvDevice, EnvThresholdMs, EnvLogLevel, EnvStatsPath, EnvMetricsListen} {
		t.Setenv(env, "")
	}
	return dir
}

func TestDefaultConfig(t *testing.T) {
	dir := isolate(t)
	cfg := DefaultConfig()

	if cfg.ID != "Ducky One 3" {
		t.Errorf("expected id Ducky One 3, got %q", cfg.ID)
	}
	if cfg.Threshold != 30 {
		t.Errorf("expected threshold 30, got %d", cfg.Threshold)
	}
	if cfg.ThresholdDuration() != 30*time.Millisecond {
		t.Errorf("expected 30ms, got %v", cfg.ThresholdDuration())
	}
	if cfg.VirtualName != "Chatter Fix Emulated Keyboard" {
		t.Errorf("unexpected virtual name %q", cfg.VirtualName)
	}
	if cfg.Stats.Path != filepath.Join(dir, "data", AppDir, "stats.db") {
		t.Errorf("unexpected stats path %s", cfg.Stats.Path)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should be valid: %v", err)
	}
}

func TestConfigPath(t *testing.T) {
	dir := isolate(t)
	assert.Equal(t, filepath.Join(dir, "config", AppDir, "config.toml"), ConfigPath())

	t.Setenv("XDG_CONFIG_HOME", "")
	assert.Equal(t, filepath.Join(dir, ".config", AppDir, "config.toml"), ConfigPath())
}

func TestFindConfigFile(t *testing.T) {
	isolate(t)
	assert.Equal(t, ConfigPath(), FindConfigFile())

	yamlPath := filepath.Join(ConfigDir(), "config.yaml")
	require.NoError(t, os.MkdirAll(ConfigDir(), 0700))
	require.NoError(t, os.WriteFile(yamlPath, []byte("threshold: 20\n"), 0600))
	assert.Equal(t, yamlPath, FindConfigFile())
}

func TestLoadNonexistent(t *testing.T) {
	isolate(t)
	cfg, err := Load("/nonexistent/path/config.toml")
	require.NoError(t, err)
	assert.Equal(t, DefaultThresholdMs, cfg.Threshold)
}

func TestLoadOrCreate(t *testing.T) {
	isolate(t)
	path := filepath.Join(t.TempDir(), "sub", "config.toml")

	cfg, created, err := LoadOrCreate(path)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "Ducky One 3", cfg.ID)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `id = "Ducky One 3"`)
	assert.Contains(t, string(data), "threshold = 30")

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	_, created, err = LoadOrCreate(path)
	require.NoError(t, err)
	assert.False(t, created)
}

func TestLoadFormats(t *testing.T) {
	isolate(t)
	tests := []struct {
		name    string
		content string
	}{
		{"config.toml", "id = \"Keychron K2\"\nthreshold = 45\n[dbus]\nenabled = true\nbus = \"system\"\n"},
		{"config.json", `{"id": "Keychron K2", "threshold": 45, "dbus": {"enabled": true, "bus": "system"}}`},
		{"config.yaml", "id: Keychron K2\nthreshold: 45\ndbus:\n  enabled: true\n  bus: system\n"},
		{"config", "id = \"Keychron K2\"\nthreshold = 45\n[dbus]\nenabled = true\nbus = \"system\"\n"},
		{"config.conf", `{"id": "Keychron K2", "threshold": 45, "dbus": {"enabled": true, "bus": "system"}}`},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), tc.name)
			require.NoError(t, os.WriteFile(path, []byte(tc.content), 0600))

			cfg, err := Load(path)
			require.NoError(t, err)
			assert.Equal(t, "Keychron K2", cfg.ID)
			assert.Equal(t, 45, cfg.Threshold)
			assert.True(t, cfg.DBus.Enabled)
			assert.Equal(t, "system", cfg.DBus.Bus)
			// Untouched sections keep their defaults.
			assert.Equal(t, DefaultVirtualName, cfg.VirtualName)
			assert.Equal(t, "info", cfg.Logging.Level)
		})
	}
}

func TestLoadInvalidTOML(t *testing.T) {
	isolate(t)
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("this is not valid toml {{{\n"), 0600))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestSaveRoundTrip(t *testing.T) {
	isolate(t)
	for _, ext := range SupportedConfigFormats() {
		t.Run(ext, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.ID = "HHKB"
			cfg.Threshold = 12
			cfg.Metrics.Listen = "127.0.0.1:9310"

			path := filepath.Join(t.TempDir(), "config"+ext)
			require.NoError(t, SaveConfig(cfg, path))

			loaded, err := Load(path)
			require.NoError(t, err)
			assert.Equal(t, cfg, loaded)
		})
	}
}

func TestValidateCollectsEveryProblem(t *testing.T) {
	isolate(t)
	cfg := DefaultConfig()
	cfg.Threshold = 0
	cfg.VirtualName = " "
	cfg.Logging.Level = "verbose"
	cfg.Logging.Output = "file"
	cfg.Logging.FilePath = ""
	cfg.Metrics.Listen = "9310"
	cfg.DBus.Bus = "user"
	cfg.Stats.Path = "relative/stats.db"

	err := cfg.Validate()
	var verrs ValidationErrors
	require.True(t, errors.As(err, &verrs))
	assert.ElementsMatch(t, []string{
		"threshold",
		"virtual_name",
		"logging.level",
		"logging.file_path",
		"stats.path",
		"metrics.listen",
		"dbus.bus",
	}, verrs.Fields())
	assert.Contains(t, err.Error(), "config: threshold: must be between 1 and 1000 ms")
}

func TestValidateThresholdBounds(t *testing.T) {
	isolate(t)
	for ms, ok := range map[int]bool{-5: false, 0: false, 1: true, 30: true, 1000: true, 1001: false} {
		cfg := DefaultConfig()
		cfg.Threshold = ms
		if err := cfg.Validate(); (err == nil) != ok {
			t.Errorf("threshold %d: valid=%v, err=%v", ms, ok, err)
		}
	}
}

func TestEnvOverrides(t *testing.T) {
	isolate(t)
	t.Setenv(EnvDevice, "Keychron")
	t.Setenv(EnvThresholdMs, "50ms")
	t.Setenv(EnvLogLevel, "DEBUG")
	t.Setenv(EnvStatsPath, "/var/lib/chatterfix/stats.db")
	t.Setenv(EnvMetricsListen, ":9310")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	require.NoError(t, err)
	assert.Equal(t, "Keychron", cfg.ID)
	assert.Equal(t, 50, cfg.Threshold)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "/var/lib/chatterfix/stats.db", cfg.Stats.Path)
	assert.Equal(t, ":9310", cfg.Metrics.Listen)
}

func TestEnvOverrideBadThreshold(t *testing.T) {
	isolate(t)
	t.Setenv(EnvThresholdMs, "fast")

	_, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	var verrs ValidationErrors
	require.True(t, errors.As(err, &verrs))
	assert.Equal(t, []string{EnvThresholdMs}, verrs.Fields())
}

func TestLoggingConfig(t *testing.T) {
	isolate(t)
	cfg := DefaultConfig()
	cfg.Logging.Level = "warn"
	cfg.Logging.Format = "json"
	cfg.Logging.Output = "both"

	lc := cfg.LoggingConfig()
	assert.Equal(t, "warn", strings.ToLower(lc.Level.String()))
	assert.Equal(t, "both", lc.Output)
	assert.Equal(t, int64(10), lc.MaxSize)
	assert.Equal(t, cfg.Logging.FilePath, lc.FilePath)
}

func TestLoaderWatchReloads(t *testing.T) {
	isolate(t)
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, SaveConfig(DefaultConfig(), path))

	loader := NewLoader(path)
	defer loader.Close()
	_, err := loader.Load()
	require.NoError(t, err)

	changed := make(chan [2]int, 1)
	loader.OnChange(func(old, cur *Config) {
		changed <- [2]int{old.Threshold, cur.Threshold}
	})
	require.NoError(t, loader.Watch())

	cfg := DefaultConfig()
	cfg.Threshold = 55
	require.NoError(t, SaveConfig(cfg, path))

	select {
	case got := <-changed:
		assert.Equal(t, [2]int{30, 55}, got)
	case <-time.After(3 * time.Second):
		t.Fatal("no reload after write")
	}
	assert.Equal(t, 55, loader.Config().Threshold)

	// An invalid edit is reported and the last good config is kept.
	require.NoError(t, os.WriteFile(path, []byte("threshold = 0\n"), 0600))
	select {
	case err := <-loader.Errors():
		assert.ErrorContains(t, err, "threshold")
	case <-time.After(3 * time.Second):
		t.Fatal("no error for invalid config")
	}
	assert.Equal(t, 55, loader.Config().Threshold)
}

func TestReadFileIgnoresEnv(t *testing.T) {
	isolate(t)
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("id = \"HHKB\"\nthreshold = 20\n"), 0600))
	t.Setenv(EnvDevice, "Keychron")
	t.Setenv(EnvThresholdMs, "50")

	raw, err := ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "HHKB", raw.ID)
	assert.Equal(t, 20, raw.Threshold)

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "Keychron", loaded.ID)
	assert.Equal(t, 50, loaded.Threshold)
}
