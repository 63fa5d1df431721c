package util

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ExpandConfigDir expands ~ to the user home directory and returns an
// absolute path. Empty input stays empty.
func ExpandConfigDir(path string) (string, error) {
	if path == "" {
		return path, nil
	}

	if strings.HasPrefix(path, "~/") || path == "~" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get user home directory: %w", err)
		}
		if path == "~" {
			path = homeDir
		} else {
			path = filepath.Join(homeDir, path[2:])
		}
	}

	return filepath.Abs(path)
}
