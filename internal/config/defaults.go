package config

import (
	"os"
	"path/filepath"
	"strconv"
)

// AppDir is the directory name used under every XDG base directory.
const AppDir = "keyboard-chatter-fix"

// Default values for a freshly created configuration.
const (
	DefaultDeviceID    = "Ducky One 3"
	DefaultThresholdMs = 30
	DefaultVirtualName = "Chatter Fix Emulated Keyboard"
	DefaultBus         = "session"
)

// Threshold bounds in milliseconds.
const (
	MinThresholdMs = 1
	MaxThresholdMs = 1000
)

// ConfigDir returns $XDG_CONFIG_HOME/keyboard-chatter-fix, falling back to
// ~/.config/keyboard-chatter-fix.
func ConfigDir() string {
	return xdgDir("XDG_CONFIG_HOME", ".config")
}

// StateDir returns $XDG_STATE_HOME/keyboard-chatter-fix, falling back to
// ~/.local/state/keyboard-chatter-fix. Logs and crash dumps live here.
func StateDir() string {
	return xdgDir("XDG_STATE_HOME", filepath.Join(".local", "state"))
}

// DataDir returns $XDG_DATA_HOME/keyboard-chatter-fix, falling back to
// ~/.local/share/keyboard-chatter-fix. The statistics database lives here.
func DataDir() string {
	return xdgDir("XDG_DATA_HOME", filepath.Join(".local", "share"))
}

// RuntimeDir returns $XDG_RUNTIME_DIR/keyboard-chatter-fix, or a per-user
// directory under /tmp.
func RuntimeDir() string {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, AppDir)
	}
	return filepath.Join(os.TempDir(), AppDir+"-"+strconv.Itoa(os.Getuid()))
}

// ConfigPath returns the default config file path.
func ConfigPath() string {
	return filepath.Join(ConfigDir(), "config.toml")
}

// DefaultStatsPath returns the default statistics database path.
func DefaultStatsPath() string {
	return filepath.Join(DataDir(), "stats.db")
}

// DefaultLogPath returns the default log file path.
func DefaultLogPath() string {
	return filepath.Join(StateDir(), "chatterfix.log")
}

func xdgDir(env, fallback string) string {
	if base := os.Getenv(env); base != "" {
		return filepath.Join(base, AppDir)
	}
	home := os.Getenv("HOME")
	if home == "" {
		home, _ = os.UserHomeDir()
	}
	return filepath.Join(home, fallback, AppDir)
}

// SupportedConfigFormats returns the file extensions Load understands.
func SupportedConfigFormats() []string {
	return []string{".toml", ".yaml", ".yml", ".json"}
}

// FindConfigFile returns the first existing config file in ConfigDir,
// trying every supported extension, or ConfigPath if none exists.
func FindConfigFile() string {
	dir := ConfigDir()
	for _, ext := range SupportedConfigFormats() {
		path := filepath.Join(dir, "config"+ext)
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ConfigPath()
}
