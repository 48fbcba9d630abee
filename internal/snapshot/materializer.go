package snapshot

import (
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
)

const stagingSuffix = ".staging"

// Materializer copies directory trees using the cheapest mechanism the
// filesystem supports: hard links for regular files, falling back to a
// byte copy (with mtime preserved) when linking fails, e.g. across
// filesystem boundaries.
type Materializer struct {
	logger *slog.Logger
}

// NewMaterializer creates a Materializer. A nil logger uses slog.Default.
func NewMaterializer(logger *slog.Logger) *Materializer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Materializer{logger: logger}
}

// Materialize produces destDir with content observably identical to srcDir.
// The tree is built in a staging sibling and moved into place with a single
// rename, so destDir is either fully present or absent — never partial.
// On failure the staging path is removed best-effort.
func (m *Materializer) Materialize(srcDir, destDir string) error {
	if _, err := os.Stat(destDir); err == nil {
		return fmt.Errorf("destination %q already exists", destDir)
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("stat destination %q: %w", destDir, err)
	}

	staging := destDir + stagingSuffix
	if err := os.RemoveAll(staging); err != nil {
		return fmt.Errorf("clear stale staging %q: %w", staging, err)
	}

	if err := m.copyTree(srcDir, staging); err != nil {
		if cleanupErr := os.RemoveAll(staging); cleanupErr != nil {
			m.logger.Error("staging cleanup failed", "path", staging, "error", cleanupErr)
		}
		return fmt.Errorf("materialize %q to %q: %w", srcDir, destDir, err)
	}

	if err := os.Rename(staging, destDir); err != nil {
		if cleanupErr := os.RemoveAll(staging); cleanupErr != nil {
			m.logger.Error("staging cleanup failed", "path", staging, "error", cleanupErr)
		}
		return fmt.Errorf("move staging into place at %q: %w", destDir, err)
	}
	return nil
}

func (m *Materializer) copyTree(srcDir, dstDir string) error {
	srcInfo, err := os.Stat(srcDir)
	if err != nil {
		return fmt.Errorf("stat source directory: %w", err)
	}
	if !srcInfo.IsDir() {
		return fmt.Errorf("source path %q is not a directory", srcDir)
	}

	if err := os.MkdirAll(filepath.Dir(dstDir), 0o755); err != nil {
		return fmt.Errorf("create destination parent: %w", err)
	}
	if err := os.Mkdir(dstDir, srcInfo.Mode().Perm()); err != nil {
		return fmt.Errorf("create destination directory: %w", err)
	}

	return filepath.WalkDir(srcDir, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if path == srcDir {
			return nil
		}

		relPath, err := filepath.Rel(srcDir, path)
		if err != nil {
			return fmt.Errorf("resolve relative path: %w", err)
		}
		dstPath := filepath.Join(dstDir, relPath)

		info, err := d.Info()
		if err != nil {
			return fmt.Errorf("read entry info for %q: %w", path, err)
		}

		switch {
		case d.IsDir():
			if err := os.Mkdir(dstPath, info.Mode().Perm()); err != nil {
				return fmt.Errorf("create directory %q: %w", dstPath, err)
			}
		case info.Mode().IsRegular():
			if err := linkOrCopyFile(path, dstPath, info); err != nil {
				return err
			}
		case info.Mode()&os.ModeSymlink != 0:
			target, err := os.Readlink(path)
			if err != nil {
				return fmt.Errorf("read symlink %q: %w", path, err)
			}
			if err := os.Symlink(target, dstPath); err != nil {
				return fmt.Errorf("create symlink %q: %w", dstPath, err)
			}
		default:
			return fmt.Errorf("unsupported file type for %q (%s)", path, info.Mode().Type())
		}

		return nil
	})
}

// linkOrCopyFile hard-links src to dst, falling back to a byte copy that
// preserves mode and mtime.
func linkOrCopyFile(src, dst string, info fs.FileInfo) error {
	if err := os.Link(src, dst); err == nil {
		return nil
	}

	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open %q: %w", src, err)
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, info.Mode().Perm())
	if err != nil {
		return fmt.Errorf("create %q: %w", dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return fmt.Errorf("copy %q to %q: %w", src, dst, err)
	}
	if err := out.Sync(); err != nil {
		_ = out.Close()
		return fmt.Errorf("sync %q: %w", dst, err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("close %q: %w", dst, err)
	}
	if err := os.Chtimes(dst, info.ModTime(), info.ModTime()); err != nil {
		return fmt.Errorf("preserve mtime on %q: %w", dst, err)
	}
	return nil
}

// TreeStats reports the regular-file count and total byte size of dir.
// A missing dir reports zero.
func TreeStats(dir string) (files int, totalBytes int64, err error) {
	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, walkErr error) error {
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
		if info.Mode().IsRegular() {
			files++
			totalBytes += info.Size()
		}
		return nil
	})
	if err != nil {
		return 0, 0, fmt.Errorf("walk %q: %w", dir, err)
	}
	return files, totalBytes, nil
}
