package storage

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
)

func TestValidateLocalFilesystemRejectsNetworkFS(t *testing.T) {
	tests := []struct {
		name    string
		fsType  string
		wantErr bool
	}{
		{name: "ext4 magic passes", fsType: "0xef53"},
		{name: "apfs passes", fsType: "apfs"},
		{name: "nfs rejected", fsType: "nfs", wantErr: true},
		{name: "cifs rejected", fsType: "cifs", wantErr: true},
		{name: "case-insensitive", fsType: "NFS", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			detector := func(string) (string, error) { return tt.fsType, nil }
			err := validateLocalFilesystemWithDetector(t.TempDir(), detector)
			if tt.wantErr && err == nil {
				t.Fatalf("want error for fsType %q", tt.fsType)
			}
			if !tt.wantErr && err != nil {
				t.Fatalf("unexpected error for fsType %q: %v", tt.fsType, err)
			}
		})
	}
}

func TestValidateLocalFilesystemUsesNearestParent(t *testing.T) {
	var inspected string
	detector := func(path string) (string, error) {
		inspected = path
		return "0xef53", nil
	}
	base := t.TempDir()
	missing := filepath.Join(base, "not", "yet", "created")
	if err := validateLocalFilesystemWithDetector(missing, detector); err != nil {
		t.Fatalf("validate error = %v", err)
	}
	if !strings.HasPrefix(missing, inspected) || inspected == missing {
		t.Fatalf("detector inspected %q, want an existing parent of %q", inspected, missing)
	}
}

func TestFreeBytes(t *testing.T) {
	free, err := FreeBytes(t.TempDir())
	if err != nil {
		t.Fatalf("FreeBytes() error = %v", err)
	}
	if free == 0 {
		t.Fatal("FreeBytes() = 0, want a positive value on a writable temp dir")
	}
}

func TestOpenSQLiteBootstraps(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data", "audit.db")
	db, err := OpenSQLite(context.Background(), path)
	if err != nil {
		t.Fatalf("OpenSQLite() error = %v", err)
	}
	defer db.Close()

	var count int
	err = db.QueryRow("SELECT COUNT(*) FROM audit_log;").Scan(&count)
	if err != nil {
		t.Fatalf("query audit_log: %v", err)
	}
	if count != 0 {
		t.Fatalf("audit_log count = %d, want 0", count)
	}
}
