package fsutil

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

var userHomeDir = os.UserHomeDir

// Canonicalize resolves pathValue to an absolute path with every symlink
// evaluated. The path must exist.
func Canonicalize(pathValue string) (string, error) {
	abs, err := Absolute(pathValue)
	if err != nil {
		return "", err
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return "", err
	}
	return resolved, nil
}

// Absolute expands a leading tilde and returns a cleaned absolute path
// without touching the filesystem.
func Absolute(pathValue string) (string, error) {
	if strings.TrimSpace(pathValue) == "" {
		return "", fmt.Errorf("path is required")
	}
	expanded, err := ExpandHome(pathValue)
	if err != nil {
		return "", err
	}
	abs, err := filepath.Abs(expanded)
	if err != nil {
		return "", fmt.Errorf("resolve %q: %w", pathValue, err)
	}
	return abs, nil
}

// ExpandHome expands "~" and "~/..." to the current user's home directory.
func ExpandHome(pathValue string) (string, error) {
	if pathValue == "" || pathValue[0] != '~' {
		return pathValue, nil
	}
	if len(pathValue) > 1 && pathValue[1] != '/' && pathValue[1] != filepath.Separator {
		return pathValue, nil
	}
	home, err := userHomeDir()
	if err != nil {
		return "", fmt.Errorf("expand home directory: %w", err)
	}
	if len(pathValue) == 1 {
		return home, nil
	}
	return filepath.Join(home, pathValue[2:]), nil
}
