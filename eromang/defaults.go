// Package eromang holds application-wide defaults shared by the config,
// storage and CLI layers.
package eromang

import (
	"os"
	"path/filepath"
)

const (
	DefaultAppName      = "eromang"
	DefaultDatabaseType = "libsql"
)

var (
	DefaultConfigPath  = filepath.Join(userConfigDir(), DefaultAppName)
	DefaultDataDir     = filepath.Join(userDataDir(), DefaultAppName)
	DefaultDatabaseDir = filepath.Join(DefaultDataDir, "db")
	DefaultDatabaseDSN = filepath.Join(DefaultDatabaseDir, DefaultAppName+".db")
	DefaultHistoryDir  = filepath.Join(DefaultDataDir, "history")
	DefaultPromptDir   = filepath.Join(DefaultConfigPath, "roles")
)

func userConfigDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return dir
	}
	return "."
}

// userDataDir follows XDG_DATA_HOME and falls back to ~/.local/share.
func userDataDir() string {
	if dir := os.Getenv("XDG_DATA_HOME"); dir != "" {
		return dir
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".local", "share")
	}
	return "."
}
