package lock

import (
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func TestAcquireAndRelease(t *testing.T) {
	table := NewTable()

	g1, err := table.Acquire("wb1", time.Second)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}

	// A different workbench is independent.
	g2, err := table.Acquire("wb2", time.Second)
	if err != nil {
		t.Fatalf("Acquire(other workbench) error = %v", err)
	}
	g2.Release()

	// The same workbench times out while held.
	start := time.Now()
	_, err = table.Acquire("wb1", 50*time.Millisecond)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("Acquire(held) error = %v, want ErrTimeout", err)
	}
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Fatalf("Acquire(held) returned after %s, want at least the timeout", elapsed)
	}

	g1.Release()
	g3, err := table.Acquire("wb1", time.Second)
	if err != nil {
		t.Fatalf("Acquire(after release) error = %v", err)
	}
	g3.Release()
}

func TestReleaseIsIdempotent(t *testing.T) {
	table := NewTable()
	g, err := table.Acquire("wb1", time.Second)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	g.Release()
	g.Release() // must not free the slot twice

	g2, err := table.Acquire("wb1", time.Second)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	defer g2.Release()

	if _, err := table.Acquire("wb1", 20*time.Millisecond); !errors.Is(err, ErrTimeout) {
		t.Fatalf("Acquire(held) error = %v, want ErrTimeout", err)
	}
}

func TestAcquireEmptyID(t *testing.T) {
	table := NewTable()
	if _, err := table.Acquire("", time.Second); err == nil {
		t.Fatal("Acquire(\"\") should fail")
	}
}

func TestProcessLockExclusion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engine.lock")

	l1, err := AcquireProcessLock(path)
	if err != nil {
		t.Fatalf("AcquireProcessLock() error = %v", err)
	}

	if _, err := AcquireProcessLock(path); err == nil {
		t.Fatal("second AcquireProcessLock() should fail while held")
	}

	if err := l1.Release(); err != nil {
		t.Fatalf("Release() error = %v", err)
	}

	l2, err := AcquireProcessLock(path)
	if err != nil {
		t.Fatalf("AcquireProcessLock() after release error = %v", err)
	}
	_ = l2.Release()
}
