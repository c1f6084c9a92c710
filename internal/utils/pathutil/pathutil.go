package pathutil

import (
	"os"
	"path"
	"path/filepath"
	"strings"
)

// ExpandPath replaces a leading "~" with the user's home directory.
func ExpandPath(p string) (string, error) {
	if !strings.HasPrefix(p, "~") {
		return p, nil
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	return filepath.Join(homeDir, p[1:]), nil
}

// IsSafeRelative reports whether name is a relative slash-separated path that
// stays inside its root once extracted.
func IsSafeRelative(name string) bool {
	if name == "" || strings.Contains(name, `\`) {
		return false
	}
	if path.IsAbs(name) || filepath.IsAbs(name) || filepath.VolumeName(name) != "" {
		return false
	}

	for _, part := range strings.Split(name, "/") {
		if part == ".." {
			return false
		}
	}

	return true
}
