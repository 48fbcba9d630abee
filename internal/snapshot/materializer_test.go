package snapshot

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for rel, content := range files {
		path := filepath.Join(root, rel)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatalf("MkdirAll(%q) error = %v", path, err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatalf("WriteFile(%q) error = %v", path, err)
		}
	}
}

func TestMaterializeHardlinksAndIsolation(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	dst := filepath.Join(dir, "dst")
	writeTree(t, src, map[string]string{
		"a.txt":        "hello",
		"sub/b.txt":    "world",
		"sub/deep/c":   "x",
		"another.yaml": "k: v",
	})

	m := NewMaterializer(nil)
	if err := m.Materialize(src, dst); err != nil {
		t.Fatalf("Materialize() error = %v", err)
	}

	got, err := os.ReadFile(filepath.Join(dst, "sub", "b.txt"))
	if err != nil {
		t.Fatalf("ReadFile(dst) error = %v", err)
	}
	if string(got) != "world" {
		t.Fatalf("ReadFile(dst) = %q, want %q", string(got), "world")
	}

	srcInfo, err := os.Stat(filepath.Join(src, "a.txt"))
	if err != nil {
		t.Fatalf("Stat(src file) error = %v", err)
	}
	dstInfo, err := os.Stat(filepath.Join(dst, "a.txt"))
	if err != nil {
		t.Fatalf("Stat(dst file) error = %v", err)
	}
	if !os.SameFile(srcInfo, dstInfo) {
		t.Fatalf("expected source and destination files to be hard-linked")
	}

	// Removing a file in the destination must not affect the source.
	if err := os.Remove(filepath.Join(dst, "a.txt")); err != nil {
		t.Fatalf("Remove(dst file) error = %v", err)
	}
	if _, err := os.Stat(filepath.Join(src, "a.txt")); err != nil {
		t.Fatalf("source file should survive destination deletion, error = %v", err)
	}

	// No staging leftovers.
	if _, err := os.Stat(dst + stagingSuffix); !os.IsNotExist(err) {
		t.Fatalf("staging path should be gone, err = %v", err)
	}
}

func TestMaterializeRefusesExistingDestination(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	dst := filepath.Join(dir, "dst")
	writeTree(t, src, map[string]string{"a.txt": "v"})
	if err := os.MkdirAll(dst, 0o755); err != nil {
		t.Fatalf("MkdirAll(dst) error = %v", err)
	}

	m := NewMaterializer(nil)
	if err := m.Materialize(src, dst); err == nil {
		t.Fatal("Materialize() should fail when destination exists")
	}
}

func TestMaterializeFailureLeavesNoDestination(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "missing-src")
	dst := filepath.Join(dir, "dst")

	m := NewMaterializer(nil)
	if err := m.Materialize(src, dst); err == nil {
		t.Fatal("Materialize() should fail for a missing source")
	}
	if _, err := os.Stat(dst); !os.IsNotExist(err) {
		t.Fatalf("destination should be absent after failure, err = %v", err)
	}
	if _, err := os.Stat(dst + stagingSuffix); !os.IsNotExist(err) {
		t.Fatalf("staging should be cleaned up after failure, err = %v", err)
	}
}

func TestTreeStats(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	writeTree(t, src, map[string]string{
		"a.txt":     "12345",
		"sub/b.txt": "123",
	})

	files, bytes, err := TreeStats(src)
	if err != nil {
		t.Fatalf("TreeStats() error = %v", err)
	}
	if files != 2 {
		t.Fatalf("TreeStats() files = %d, want 2", files)
	}
	if bytes != 8 {
		t.Fatalf("TreeStats() bytes = %d, want 8", bytes)
	}

	files, bytes, err = TreeStats(filepath.Join(dir, "absent"))
	if err != nil {
		t.Fatalf("TreeStats(absent) error = %v", err)
	}
	if files != 0 || bytes != 0 {
		t.Fatalf("TreeStats(absent) = %d files, %d bytes, want zeros", files, bytes)
	}
}

func TestFingerprintChangesOnEdit(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	writeTree(t, src, map[string]string{"a.txt": "v1", "b.txt": "x"})

	fp1, err := Fingerprint(src)
	if err != nil {
		t.Fatalf("Fingerprint() error = %v", err)
	}
	fp2, err := Fingerprint(src)
	if err != nil {
		t.Fatalf("Fingerprint() error = %v", err)
	}
	if fp1 != fp2 {
		t.Fatalf("Fingerprint() not deterministic: %q vs %q", fp1, fp2)
	}

	// Rewrite with a different mtime; size is unchanged so mtime must carry
	// the detection.
	future := time.Now().Add(2 * time.Second)
	if err := os.WriteFile(filepath.Join(src, "a.txt"), []byte("v2"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	if err := os.Chtimes(filepath.Join(src, "a.txt"), future, future); err != nil {
		t.Fatalf("Chtimes() error = %v", err)
	}

	fp3, err := Fingerprint(src)
	if err != nil {
		t.Fatalf("Fingerprint() error = %v", err)
	}
	if fp3 == fp1 {
		t.Fatal("Fingerprint() should change after an external edit")
	}
}

func TestFingerprintMissingDirIsEmptyListing(t *testing.T) {
	dir := t.TempDir()
	fpMissing, err := Fingerprint(filepath.Join(dir, "absent"))
	if err != nil {
		t.Fatalf("Fingerprint(absent) error = %v", err)
	}
	empty := filepath.Join(dir, "empty")
	if err := os.Mkdir(empty, 0o755); err != nil {
		t.Fatalf("Mkdir(empty) error = %v", err)
	}
	fpEmpty, err := Fingerprint(empty)
	if err != nil {
		t.Fatalf("Fingerprint(empty) error = %v", err)
	}
	if fpMissing != fpEmpty {
		t.Fatalf("missing dir fingerprint %q should equal empty dir fingerprint %q", fpMissing, fpEmpty)
	}
}
