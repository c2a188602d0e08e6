//go:build windows
// +build windows

package platform

import (
	"os"
	"path/filepath"
)

func getDataDir() string {
	appDataDir := os.Getenv("APPDATA")
	if appDataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "."
		}
		return filepath.Join(home, "."+AppName)
	}
	return filepath.Join(appDataDir, AppDisplayName)
}

func getCacheDir() string {
	// Cache and data share a location on Windows.
	return getDataDir()
}

func sharedLibExtension() string {
	return ".dll"
}
