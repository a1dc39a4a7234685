package validation

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// EnsurePrivateDir expands ~ and creates dir with owner-only permissions.
// The database and key file live here, so a world-readable directory is
// tightened rather than accepted.
func EnsurePrivateDir(dir string) (string, error) {
	if dir == "" {
		return "", fmt.Errorf("directory path cannot be empty")
	}
	if strings.ContainsRune(dir, 0) {
		return "", fmt.Errorf("path contains null byte")
	}
	if strings.HasPrefix(dir, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolving home directory: %w", err)
		}
		dir = filepath.Join(home, dir[2:])
	}
	dir = filepath.Clean(dir)

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("creating directory %s: %w", dir, err)
	}
	info, err := os.Stat(dir)
	if err != nil {
		return "", fmt.Errorf("checking directory %s: %w", dir, err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("%s is not a directory", dir)
	}
	if info.Mode().Perm()&0o077 != 0 {
		if err := os.Chmod(dir, 0o700); err != nil {
			return "", fmt.Errorf("restricting permissions on %s: %w", dir, err)
		}
	}
	return dir, nil
}
