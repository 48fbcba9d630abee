package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

var networkFilesystems = map[string]struct{}{
	"afpfs":  {},
	"cifs":   {},
	"nfs":    {},
	"smbfs":  {},
	"smb2":   {},
	"webdav": {},
}

// ValidateLocalFilesystem ensures path is (or will be created) on a local
// filesystem. The engine depends on local-disk semantics three times over:
// atomic same-directory rename, hardlink cloning, and flock/SQLite locking.
func ValidateLocalFilesystem(path string) error {
	return validateLocalFilesystemWithDetector(path, detectFilesystemType)
}

func validateLocalFilesystemWithDetector(path string, detector func(string) (string, error)) error {
	if path == "" {
		return fmt.Errorf("path is empty")
	}

	inspectPath, err := nearestExistingPath(path)
	if err != nil {
		return fmt.Errorf("resolve path %q: %w", path, err)
	}

	fsType, err := detector(inspectPath)
	if err != nil {
		return fmt.Errorf("detect filesystem for %q: %w", inspectPath, err)
	}

	if isNetworkFilesystem(fsType) {
		return fmt.Errorf(
			"path %q is on network filesystem %q; draftvault requires a local filesystem for atomic renames, hardlinks, and reliable locking. Move engine.root (or audit.path) to local disk",
			path,
			fsType,
		)
	}

	return nil
}

func nearestExistingPath(path string) (string, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("absolute path: %w", err)
	}

	candidate := absPath
	for {
		_, err := os.Stat(candidate)
		if err == nil {
			return candidate, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("stat %q: %w", candidate, err)
		}

		parent := filepath.Dir(candidate)
		if parent == candidate {
			return "", fmt.Errorf("no existing parent for %q", absPath)
		}
		candidate = parent
	}
}

func isNetworkFilesystem(fsType string) bool {
	normalized := strings.TrimSpace(strings.ToLower(fsType))
	_, found := networkFilesystems[normalized]
	return found
}

// FreeBytes reports the bytes available to unprivileged writers on the
// filesystem containing path (or its nearest existing parent).
func FreeBytes(path string) (uint64, error) {
	inspectPath, err := nearestExistingPath(path)
	if err != nil {
		return 0, fmt.Errorf("resolve path %q: %w", path, err)
	}
	return freeBytes(inspectPath)
}
