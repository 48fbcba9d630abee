// Package lock provides the mutual-exclusion gates for the engine: an
// in-process per-workbench lock table with bounded acquisition, and a
// flock(2) process lock guarding an engine root against a second daemon.
package lock

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrTimeout is returned when lock acquisition exceeds the caller's timeout.
var ErrTimeout = errors.New("lock acquisition timed out")

// Table is an explicit map from workbench identifier to a lock handle. One
// Table is constructed at startup and handed to every command; it is not a
// process-wide singleton.
type Table struct {
	mu    sync.Mutex
	slots map[string]chan struct{}
}

// NewTable creates an empty lock table.
func NewTable() *Table {
	return &Table{slots: make(map[string]chan struct{})}
}

// Guard holds a workbench lock until released. Release is idempotent.
type Guard struct {
	release func()
	once    sync.Once
}

// Release frees the lock.
func (g *Guard) Release() {
	if g == nil {
		return
	}
	g.once.Do(g.release)
}

// Acquire takes the lock for workbenchID, waiting at most timeout. Waiters
// are served in arrival order by the runtime's channel semantics; no
// fairness beyond that is promised or needed with a single active draft.
func (t *Table) Acquire(workbenchID string, timeout time.Duration) (*Guard, error) {
	if workbenchID == "" {
		return nil, fmt.Errorf("workbench id is empty")
	}
	slot := t.slot(workbenchID)

	select {
	case slot <- struct{}{}:
	default:
		if timeout <= 0 {
			return nil, fmt.Errorf("lock workbench %q: %w", workbenchID, ErrTimeout)
		}
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		select {
		case slot <- struct{}{}:
		case <-timer.C:
			return nil, fmt.Errorf("lock workbench %q after %s: %w", workbenchID, timeout, ErrTimeout)
		}
	}

	return &Guard{release: func() { <-slot }}, nil
}

func (t *Table) slot(workbenchID string) chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	slot, ok := t.slots[workbenchID]
	if !ok {
		slot = make(chan struct{}, 1)
		t.slots[workbenchID] = slot
	}
	return slot
}
