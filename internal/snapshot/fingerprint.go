package snapshot

import (
	"encoding/hex"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/zeebo/blake3"
)

// Fingerprint returns a deterministic BLAKE3 hash over the ordered list of
// relative paths, sizes, and mtimes of the regular files under dir. Two
// trees with identical listings fingerprint identically; any external edit
// (content rewrite bumps mtime, add, remove, rename) changes the value.
// A missing dir fingerprints as the empty listing.
func Fingerprint(dir string) (string, error) {
	type fileLine struct {
		rel   string
		size  int64
		mtime int64
	}

	var lines []fileLine
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			if path == dir && os.IsNotExist(walkErr) {
				return fs.SkipAll
			}
			return walkErr
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return fmt.Errorf("read entry info for %q: %w", path, err)
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return fmt.Errorf("resolve relative path: %w", err)
		}
		lines = append(lines, fileLine{
			rel:   filepath.ToSlash(rel),
			size:  info.Size(),
			mtime: info.ModTime().UTC().UnixNano(),
		})
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("fingerprint %q: %w", dir, err)
	}

	sort.Slice(lines, func(i, j int) bool { return lines[i].rel < lines[j].rel })

	hasher := blake3.New()
	for _, line := range lines {
		_, _ = hasher.Write([]byte(line.rel))
		_, _ = hasher.Write([]byte{'\n'})
		_, _ = hasher.Write([]byte(strconv.FormatInt(line.size, 10)))
		_, _ = hasher.Write([]byte{'\n'})
		_, _ = hasher.Write([]byte(strconv.FormatInt(line.mtime, 10)))
		_, _ = hasher.Write([]byte{'\n'})
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}
