// Package platform provides cross-platform utilities for directory paths,
// binary extensions, and OS-specific operations.
package platform

import (
	"os"
	"path/filepath"
)

// AppName is the application name used for directory naming
const AppName = "histopipe"

// AppDisplayName is the display name used on Windows
const AppDisplayName = "Histopipe"

// GetDataDir returns the application data directory.
// Windows: %APPDATA%\Histopipe
// Linux: ~/.local/share/histopipe
func GetDataDir() string {
	return getDataDir()
}

// GetCacheDir returns the cache directory for downloaded dependencies
// (QuPath archives, ffmpeg builds, brain atlases).
// Windows: %APPDATA%\Histopipe
// Linux: ~/.cache/histopipe
func GetCacheDir() string {
	return getCacheDir()
}

// BinaryExtension returns the executable file extension for the current platform.
// Windows: ".exe"
// Linux: ""
func BinaryExtension() string {
	return binaryExtension()
}

// SharedLibExtension returns the shared library extension for the current platform.
// Windows: ".dll"
// Linux: ".so"
func SharedLibExtension() string {
	return sharedLibExtension()
}

// EnsureExecutable ensures a file has executable permissions.
// On Windows, this is a no-op.
func EnsureExecutable(path string) error {
	return ensureExecutable(path)
}

// UserHomeDir returns the user's home directory with proper fallbacks.
func UserHomeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return home
}

// JoinPath is a convenience wrapper around filepath.Join
func JoinPath(elem ...string) string {
	return filepath.Join(elem...)
}
