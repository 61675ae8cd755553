package config

import (
	"os"
	"path/filepath"
	"runtime"

	"stressd/internal/ipc"
)

const appName = "stressd"

// PlatformDataDir returns the platform-specific data directory.
//
// Platform paths:
//   - macOS:   ~/Library/Application Support/stressd/
//   - Linux:   $XDG_DATA_HOME/stressd/ or ~/.local/share/stressd/
//   - Windows: %APPDATA%\stressd\
//
// Falls back to ~/.stressd elsewhere.
func PlatformDataDir() string {
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(homeDir(), "Library", "Application Support", appName)
	case "linux":
		return xdgDir("XDG_DATA_HOME", ".local", "share")
	case "windows":
		return windowsDir("APPDATA", "Roaming")
	default:
		return fallbackDataDir()
	}
}

// PlatformConfigDir returns the platform-specific config directory.
//
// macOS and Windows share the data directory; Linux uses
// $XDG_CONFIG_HOME/stressd or ~/.config/stressd.
func PlatformConfigDir() string {
	switch runtime.GOOS {
	case "linux":
		return xdgDir("XDG_CONFIG_HOME", ".config")
	case "darwin", "windows":
		return PlatformDataDir()
	default:
		return fallbackDataDir()
	}
}

// PlatformLogDir returns the platform-specific log directory.
func PlatformLogDir() string {
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(homeDir(), "Library", "Logs", appName)
	case "windows":
		return filepath.Join(windowsDir("LOCALAPPDATA", "Local"), "logs")
	default:
		return filepath.Join(PlatformDataDir(), "logs")
	}
}

func homeDir() string {
	home := os.Getenv("HOME")
	if home == "" {
		home, _ = os.UserHomeDir()
	}
	return home
}

func xdgDir(env string, fallback ...string) string {
	if dir := os.Getenv(env); dir != "" {
		return filepath.Join(dir, appName)
	}
	parts := append([]string{homeDir()}, fallback...)
	return filepath.Join(append(parts, appName)...)
}

func windowsDir(env, sub string) string {
	if dir := os.Getenv(env); dir != "" {
		return filepath.Join(dir, appName)
	}
	return filepath.Join(homeDir(), "AppData", sub, appName)
}

func fallbackDataDir() string {
	return filepath.Join(homeDir(), "."+appName)
}

func defaultAddress() string {
	return ipc.DefaultAddress()
}

// SupportedConfigFormats returns the config file extensions understood by
// Load, without the dot.
func SupportedConfigFormats() []string {
	return []string{"toml", "json", "yaml", "yml"}
}

// FindConfigFile searches the working directory, then the config directory,
// then the data directory for config.<ext>. It returns "" when none exists.
func FindConfigFile() string {
	for _, dir := range []string{".", PlatformConfigDir(), PlatformDataDir()} {
		for _, ext := range SupportedConfigFormats() {
			path := filepath.Join(dir, "config."+ext)
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}
	}
	return ""
}
