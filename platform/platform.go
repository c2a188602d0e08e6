// Package platform resolves per-OS directories and the ONNX Runtime library
// name.
package platform

import (
	"os"
	"path/filepath"
)

// AppName is used for directory naming.
const AppName = "depthkit"

// AppDisplayName is used where the OS convention favours a readable name.
const AppDisplayName = "Depthkit"

// GetDataDir returns the application data directory, home of config.json
// and the run history database.
// Windows: %APPDATA%\Depthkit
// Linux: ~/.local/share/depthkit
// macOS: ~/Library/Application Support/Depthkit
func GetDataDir() string {
	return getDataDir()
}

// GetCacheDir returns the directory unpacked weight archives are kept in.
// Windows: %APPDATA%\Depthkit
// Linux: ~/.cache/depthkit
func GetCacheDir() string {
	return getCacheDir()
}

// SharedLibExtension returns the shared library extension for the current platform.
func SharedLibExtension() string {
	return sharedLibExtension()
}

// DefaultORTLibrary returns the conventional onnxruntime library file name.
func DefaultORTLibrary() string {
	if sharedLibExtension() == ".dll" {
		return "onnxruntime.dll"
	}
	return "libonnxruntime" + sharedLibExtension()
}

// UserHomeDir returns the user's home directory with proper fallbacks.
func UserHomeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return home
}

// ExpandHome replaces a leading "~" with the home directory.
func ExpandHome(path string) string {
	if path == "~" {
		return UserHomeDir()
	}
	if len(path) > 1 && path[0] == '~' && (path[1] == '/' || path[1] == filepath.Separator) {
		return filepath.Join(UserHomeDir(), path[2:])
	}
	return path
}
