package ledger

import (
	"os"
	"path/filepath"
	"testing"
)

func TestBeginCommitCycle(t *testing.T) {
	path := filepath.Join(t.TempDir(), "meta", "transaction.json")
	l := New(path)

	pending, err := l.ReadPending()
	if err != nil {
		t.Fatalf("ReadPending() error = %v", err)
	}
	if pending != nil {
		t.Fatalf("ReadPending() = %+v, want nil before any Begin", pending)
	}

	id, err := l.Begin(Marker{
		Kind:        KindPublish,
		WorkbenchID: "wb1",
		DraftID:     "d1",
		AsidePath:   "/tmp/published.prev",
	})
	if err != nil {
		t.Fatalf("Begin() error = %v", err)
	}
	if id == "" {
		t.Fatal("Begin() returned empty marker ID")
	}

	pending, err = l.ReadPending()
	if err != nil {
		t.Fatalf("ReadPending() error = %v", err)
	}
	if pending == nil {
		t.Fatal("ReadPending() = nil, want pending marker")
	}
	if pending.MarkerID != id || pending.Kind != KindPublish || pending.DraftID != "d1" {
		t.Fatalf("ReadPending() = %+v, want marker %q", pending, id)
	}

	if err := l.Commit(); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}
	pending, err = l.ReadPending()
	if err != nil {
		t.Fatalf("ReadPending() after commit error = %v", err)
	}
	if pending != nil {
		t.Fatalf("ReadPending() after commit = %+v, want nil", pending)
	}

	// Commit is idempotent.
	if err := l.Commit(); err != nil {
		t.Fatalf("second Commit() error = %v", err)
	}
}

func TestBeginRefusesSecondTransaction(t *testing.T) {
	l := New(filepath.Join(t.TempDir(), "transaction.json"))
	if _, err := l.Begin(Marker{Kind: KindPublish, WorkbenchID: "wb1"}); err != nil {
		t.Fatalf("Begin() error = %v", err)
	}
	if _, err := l.Begin(Marker{Kind: KindRestore, WorkbenchID: "wb1"}); err == nil {
		t.Fatal("second Begin() should fail while a marker is pending")
	}
}

func TestReadPendingRejectsCorruptMarker(t *testing.T) {
	path := filepath.Join(t.TempDir(), "transaction.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	l := New(path)
	if _, err := l.ReadPending(); err == nil {
		t.Fatal("ReadPending() should fail on a corrupt marker")
	}
}
