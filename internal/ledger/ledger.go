// Package ledger persists the single in-flight transaction marker for a
// workbench. The marker file is written via temp-then-rename so it is never
// observed partially written; its presence at startup means the previous
// session died mid-transaction and reconciliation is required.
package ledger

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// Kind names the operation a marker describes.
type Kind string

const (
	KindPublish Kind = "publish"
	KindRestore Kind = "restore"
)

// Marker records an in-flight multi-step operation and the paths involved,
// enough for reconciliation to finish or roll back the transaction.
type Marker struct {
	MarkerID    string `json:"marker_id"`
	Kind        Kind   `json:"kind"`
	WorkbenchID string `json:"workbench_id"`
	CreatedAt   string `json:"created_at"`

	// DraftID is set for publish markers.
	DraftID string `json:"draft_id,omitempty"`
	// CheckpointID is the pre-publish checkpoint (publish) or the restore
	// target (restore).
	CheckpointID string `json:"checkpoint_id,omitempty"`
	// PreRestoreID is the safety checkpoint taken before a restore.
	PreRestoreID string `json:"pre_restore_checkpoint_id,omitempty"`
	// AsidePath is where the former published tree is renamed during the swap.
	AsidePath string `json:"aside_path,omitempty"`
	// StagingPath holds the incoming tree for restore swaps.
	StagingPath string `json:"staging_path,omitempty"`
	// Generation is the workbench generation the finalized operation lands
	// on. Recovery re-applies it instead of bumping, so re-running finalize
	// is idempotent.
	Generation uint64 `json:"generation,omitempty"`
}

// Ledger reads and writes the marker file for one workbench.
type Ledger struct {
	path string
}

// New creates a Ledger storing its marker at path.
func New(path string) *Ledger {
	return &Ledger{path: path}
}

// Path returns the marker file location.
func (l *Ledger) Path() string { return l.path }

// Begin writes marker and returns its generated ID. It fails if a marker is
// already pending: at most one transaction per workbench may be in flight.
func (l *Ledger) Begin(marker Marker) (string, error) {
	pending, err := l.ReadPending()
	if err != nil {
		return "", err
	}
	if pending != nil {
		return "", fmt.Errorf("transaction %q (%s) already in flight", pending.MarkerID, pending.Kind)
	}

	marker.MarkerID = uuid.NewString()
	marker.CreatedAt = time.Now().UTC().Format(time.RFC3339Nano)

	data, err := json.MarshalIndent(marker, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal transaction marker: %w", err)
	}
	if err := writeAtomic(l.path, data); err != nil {
		return "", fmt.Errorf("write transaction marker: %w", err)
	}
	return marker.MarkerID, nil
}

// Commit deletes the marker, completing the transaction. Committing an
// already-absent marker is not an error; reconciliation may run twice.
func (l *Ledger) Commit() error {
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove transaction marker: %w", err)
	}
	return nil
}

// ReadPending returns the pending marker, or nil if none exists. It is the
// single source of truth for whether the last session ended mid-transaction.
func (l *Ledger) ReadPending() (*Marker, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read transaction marker: %w", err)
	}
	var marker Marker
	if err := json.Unmarshal(data, &marker); err != nil {
		return nil, fmt.Errorf("parse transaction marker: %w", err)
	}
	return &marker, nil
}

func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create marker directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".marker-*")
	if err != nil {
		return fmt.Errorf("create temp marker: %w", err)
	}
	name := tmp.Name()
	defer os.Remove(name)
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp marker: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync temp marker: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp marker: %w", err)
	}
	return os.Rename(name, path)
}
