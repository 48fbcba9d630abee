package workbench

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/draftvault/internal/config"
	"github.com/mattjoyce/draftvault/internal/events"
	"github.com/mattjoyce/draftvault/internal/ledger"
	"github.com/mattjoyce/draftvault/internal/snapshot"
)

const (
	checkpointsDirName    = "checkpoints"
	publishedSnapshotName = "published_snapshot"
	metaSnapshotName      = "meta_snapshot"
)

// checkpointMetaFiles is the metadata subset captured alongside the
// published snapshot. Draft state and the transaction marker are
// deliberately excluded: a checkpoint describes published only.
var checkpointMetaFiles = []string{"workbench.json", "files.json"}

func (m *Manager) checkpointsDir(root string) string {
	return filepath.Join(root, metaDirName, checkpointsDirName)
}

func (m *Manager) checkpointMetaPath(root, checkpointID string) string {
	return filepath.Join(m.checkpointsDir(root), checkpointID+".json")
}

func (m *Manager) checkpointDir(root, checkpointID string) string {
	return filepath.Join(m.checkpointsDir(root), checkpointID)
}

// CreateCheckpoint snapshots the current published tree under a new
// checkpoint ID. Reason must be auto or manual; publish and pre_restore
// checkpoints are created internally by their operations.
func (m *Manager) CreateCheckpoint(ctx context.Context, id, reason, description string) (*CheckpointMetadata, error) {
	if reason != ReasonAuto && reason != ReasonManual {
		return nil, fmt.Errorf("checkpoint reason %q must be %q or %q", reason, ReasonAuto, ReasonManual)
	}

	guard, err := m.acquire(id)
	if err != nil {
		return nil, err
	}
	defer guard.Release()

	root, err := m.workbenchRoot(id)
	if err != nil {
		return nil, err
	}
	if _, err := m.Open(id); err != nil {
		return nil, err
	}
	if err := m.checkFreeSpace(root, m.publishedPath(root)); err != nil {
		return nil, err
	}

	meta, err := m.createCheckpointLocked(ctx, root, id, reason, description)
	if err != nil {
		return nil, err
	}
	if err := m.enforceRetention(ctx, root, id); err != nil {
		return nil, err
	}
	return meta, nil
}

// createCheckpointLocked does the actual snapshot work. The caller holds
// the workbench lock. The metadata JSON is written last so a checkpoint
// directory without its JSON is simply an aborted attempt, cleaned up at
// startup and invisible to listings.
func (m *Manager) createCheckpointLocked(ctx context.Context, root, id, reason, description string) (*CheckpointMetadata, error) {
	checkpointID := uuid.NewString()
	cpDir := m.checkpointDir(root, checkpointID)

	if err := m.materializer.Materialize(m.publishedPath(root), filepath.Join(cpDir, publishedSnapshotName)); err != nil {
		_ = os.RemoveAll(cpDir)
		return nil, fmt.Errorf("snapshot published tree: %w", err)
	}

	metaSnap := filepath.Join(cpDir, metaSnapshotName)
	if err := os.MkdirAll(metaSnap, 0o755); err != nil {
		_ = os.RemoveAll(cpDir)
		return nil, fmt.Errorf("create metadata snapshot directory: %w", err)
	}
	for _, name := range checkpointMetaFiles {
		data, err := os.ReadFile(filepath.Join(root, metaDirName, name))
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			_ = os.RemoveAll(cpDir)
			return nil, fmt.Errorf("read metadata file %q: %w", name, err)
		}
		if err := writeFileAtomic(filepath.Join(metaSnap, name), data); err != nil {
			_ = os.RemoveAll(cpDir)
			return nil, fmt.Errorf("snapshot metadata file %q: %w", name, err)
		}
	}

	files, totalBytes, err := snapshot.TreeStats(filepath.Join(cpDir, publishedSnapshotName))
	if err != nil {
		m.logger.Warn("checkpoint stats failed", "workbench_id", id, "checkpoint_id", checkpointID, "error", err)
	}

	meta := &CheckpointMetadata{
		CheckpointID: checkpointID,
		CreatedAt:    time.Now().UTC().Format(time.RFC3339Nano),
		Reason:       reason,
		Description:  description,
		Stats:        CheckpointStats{Files: files, TotalBytes: totalBytes},
	}
	if err := writeJSON(m.checkpointMetaPath(root, checkpointID), meta); err != nil {
		_ = os.RemoveAll(cpDir)
		return nil, fmt.Errorf("write checkpoint metadata: %w", err)
	}

	m.hub.Publish(events.TypeCheckpointCreated, id, map[string]string{
		"checkpoint_id": checkpointID,
		"reason":        reason,
	})
	m.recordAudit(ctx, id, "checkpoint_create", map[string]any{
		"checkpoint_id": checkpointID,
		"reason":        reason,
	})
	m.logger.Info("checkpoint created", "workbench_id", id, "checkpoint_id", checkpointID, "reason", reason)
	return meta, nil
}

// ListCheckpoints returns checkpoint metadata, newest first.
func (m *Manager) ListCheckpoints(id string) ([]CheckpointMetadata, error) {
	root, err := m.workbenchRoot(id)
	if err != nil {
		return nil, err
	}
	return m.listCheckpoints(root)
}

func (m *Manager) listCheckpoints(root string) ([]CheckpointMetadata, error) {
	entries, err := os.ReadDir(m.checkpointsDir(root))
	if err != nil {
		if os.IsNotExist(err) {
			return []CheckpointMetadata{}, nil
		}
		return nil, fmt.Errorf("read checkpoints directory: %w", err)
	}
	checkpoints := []CheckpointMetadata{}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		var meta CheckpointMetadata
		if err := readJSON(filepath.Join(m.checkpointsDir(root), entry.Name()), &meta); err != nil {
			m.logger.Warn("skipping unreadable checkpoint metadata", "file", entry.Name(), "error", err)
			continue
		}
		checkpoints = append(checkpoints, meta)
	}
	sort.Slice(checkpoints, func(i, j int) bool {
		ti, _ := time.Parse(time.RFC3339Nano, checkpoints[i].CreatedAt)
		tj, _ := time.Parse(time.RFC3339Nano, checkpoints[j].CreatedAt)
		return ti.After(tj)
	})
	return checkpoints, nil
}

// GetCheckpoint returns metadata for one checkpoint.
func (m *Manager) GetCheckpoint(id, checkpointID string) (*CheckpointMetadata, error) {
	root, err := m.workbenchRoot(id)
	if err != nil {
		return nil, err
	}
	var meta CheckpointMetadata
	if err := readJSON(m.checkpointMetaPath(root, checkpointID), &meta); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("checkpoint %q: %w", checkpointID, ErrCheckpointNotFound)
		}
		return nil, fmt.Errorf("read checkpoint metadata: %w", err)
	}
	return &meta, nil
}

// RestoreCheckpoint replaces published with the checkpoint's snapshot.
// Refused while a draft exists: the caller must publish or discard first,
// so a restore can never silently clobber in-progress work. A pre_restore
// safety checkpoint is always taken before the swap.
func (m *Manager) RestoreCheckpoint(ctx context.Context, id, checkpointID string) error {
	guard, err := m.acquire(id)
	if err != nil {
		return err
	}
	defer guard.Release()

	root, err := m.workbenchRoot(id)
	if err != nil {
		return err
	}

	m.emitProgress(id, StageValidating)
	if m.draftExists(root) {
		return fmt.Errorf("restore checkpoint: %w", ErrDraftExists)
	}
	meta, err := m.GetCheckpoint(id, checkpointID)
	if err != nil {
		return err
	}
	snapshotDir := filepath.Join(m.checkpointDir(root, checkpointID), publishedSnapshotName)
	if _, err := os.Stat(snapshotDir); err != nil {
		return fmt.Errorf("checkpoint %q snapshot missing: %w", checkpointID, ErrCheckpointNotFound)
	}
	if err := m.checkFreeSpace(root, snapshotDir); err != nil {
		return err
	}

	m.emitProgress(id, StageCheckpointPrePublish)
	preRestore, err := m.createCheckpointLocked(ctx, root, id, ReasonPreRestore, "pre-restore snapshot")
	if err != nil {
		return fmt.Errorf("pre-restore checkpoint: %w", err)
	}
	if err := m.enforceRetention(ctx, root, id); err != nil {
		return fmt.Errorf("checkpoint retention: %w", err)
	}

	staging := filepath.Join(root, restoreStagingName)
	if err := os.RemoveAll(staging); err != nil {
		return fmt.Errorf("clear stale restore staging: %w", err)
	}
	if err := m.materializer.Materialize(snapshotDir, staging); err != nil {
		return fmt.Errorf("materialize restore staging: %w", err)
	}

	var wbMeta Workbench
	if err := readJSON(m.workbenchMetaPath(root), &wbMeta); err != nil {
		_ = os.RemoveAll(staging)
		return fmt.Errorf("read workbench metadata: %w", err)
	}

	led := m.ledgerFor(root)
	if _, err := led.Begin(ledger.Marker{
		Kind:         ledger.KindRestore,
		WorkbenchID:  id,
		CheckpointID: checkpointID,
		PreRestoreID: preRestore.CheckpointID,
		AsidePath:    publishedAsideName,
		StagingPath:  restoreStagingName,
		Generation:   wbMeta.Generation + 1,
	}); err != nil {
		_ = os.RemoveAll(staging)
		return fmt.Errorf("begin restore transaction: %w", err)
	}

	published := m.publishedPath(root)
	aside := filepath.Join(root, publishedAsideName)

	m.emitProgress(id, StageSwapDirectories)
	if err := os.Rename(published, aside); err != nil {
		_ = led.Commit()
		_ = os.RemoveAll(staging)
		return fmt.Errorf("move published aside: %w", err)
	}
	if err := os.Rename(staging, published); err != nil {
		m.emitProgress(id, StageRollingBack)
		if rbErr := os.Rename(aside, published); rbErr != nil {
			m.quarantine(id)
			return fmt.Errorf("restore swap failed (%v) and rollback failed: %w", err, rbErr)
		}
		_ = led.Commit()
		_ = os.RemoveAll(staging)
		return fmt.Errorf("swap restored tree into place: %w", err)
	}

	m.emitProgress(id, StageFinalizing)
	m.finalizeRestore(root, id, checkpointID, time.Now().UTC(), wbMeta.Generation+1)

	if err := led.Commit(); err != nil {
		m.logger.Error("restore marker commit failed; recovery will re-finalize", "workbench_id", id, "error", err)
	}

	m.hub.Publish(events.TypeRestored, id, map[string]string{
		"checkpoint_id":             checkpointID,
		"pre_restore_checkpoint_id": preRestore.CheckpointID,
	})
	m.recordAudit(ctx, id, "restore", map[string]any{
		"checkpoint_id":             checkpointID,
		"pre_restore_checkpoint_id": preRestore.CheckpointID,
		"restored_from":             meta.CreatedAt,
	})
	m.logger.Info("checkpoint restored", "workbench_id", id, "checkpoint_id", checkpointID)
	return nil
}

// finalizeRestore cleans up after a successful restore swap. Like publish
// finalization, failures are logged and retried by reconciliation. The
// generation comes from the transaction marker so a re-run after a crash
// lands on the same value instead of bumping twice; zero means the marker
// predates generation tracking and the counter is bumped in place.
func (m *Manager) finalizeRestore(root, id, checkpointID string, at time.Time, generation uint64) {
	if err := os.RemoveAll(filepath.Join(root, publishedAsideName)); err != nil {
		m.logger.Warn("remove old published tree failed", "workbench_id", id, "error", err)
	}
	// Prefer the manifest captured with the checkpoint; fall back to a
	// rescan if the snapshot predates manifests.
	snapManifest := filepath.Join(m.checkpointDir(root, checkpointID), metaSnapshotName, "files.json")
	if data, err := os.ReadFile(snapManifest); err == nil {
		if err := writeFileAtomic(m.manifestPath(root), data); err != nil {
			m.logger.Warn("restore file manifest failed", "workbench_id", id, "error", err)
		}
	} else if err := m.rebuildManifest(root); err != nil {
		m.logger.Warn("rebuild file manifest failed", "workbench_id", id, "error", err)
	}
	if err := m.touchUpdated(root, at, generation); err != nil {
		m.logger.Warn("update workbench metadata failed", "workbench_id", id, "error", err)
	}
}

// enforceRetention prunes checkpoints beyond the configured bucket limits
// and byte budget. The newest publish checkpoint and the newest pre_restore
// checkpoint are never pruned, whatever the budget says.
func (m *Manager) enforceRetention(ctx context.Context, root, id string) error {
	checkpoints, err := m.listCheckpoints(root)
	if err != nil {
		return err
	}

	protected := map[string]bool{}
	for _, reason := range []string{ReasonPublish, ReasonPreRestore} {
		for _, cp := range checkpoints { // newest first
			if cp.Reason == reason {
				protected[cp.CheckpointID] = true
				break
			}
		}
	}

	var manual, automatic []CheckpointMetadata
	for _, cp := range checkpoints {
		if cp.Reason == ReasonManual {
			manual = append(manual, cp)
		} else {
			automatic = append(automatic, cp)
		}
	}

	prune := []CheckpointMetadata{}
	prune = append(prune, overflow(manual, m.retention.MaxManualCheckpoints, protected)...)
	prune = append(prune, overflow(automatic, m.retention.MaxAutoCheckpoints, protected)...)

	pruned := map[string]bool{}
	for _, cp := range prune {
		pruned[cp.CheckpointID] = true
		if err := m.deleteCheckpoint(ctx, root, id, cp, "retention"); err != nil {
			return err
		}
	}

	if m.retention.CheckpointByteBudget <= 0 {
		return nil
	}

	var total int64
	remaining := []CheckpointMetadata{}
	for _, cp := range checkpoints {
		if pruned[cp.CheckpointID] {
			continue
		}
		remaining = append(remaining, cp)
		total += cp.Stats.TotalBytes
	}

	// Budget pruning spends automatic checkpoints before manual ones: a
	// user's named checkpoint outlives any machine-made one, whatever
	// their relative ages. Within each class, oldest goes first.
	var autoOldest, manualOldest []CheckpointMetadata
	for i := len(remaining) - 1; i >= 0; i-- {
		cp := remaining[i]
		if protected[cp.CheckpointID] {
			continue
		}
		if cp.Reason == ReasonManual {
			manualOldest = append(manualOldest, cp)
		} else {
			autoOldest = append(autoOldest, cp)
		}
	}
	for _, cp := range append(autoOldest, manualOldest...) {
		if total <= m.retention.CheckpointByteBudget {
			break
		}
		if err := m.deleteCheckpoint(ctx, root, id, cp, "byte_budget"); err != nil {
			return err
		}
		total -= cp.Stats.TotalBytes
	}

	if total > m.retention.CheckpointByteBudget {
		switch m.retention.DiskPressurePolicy {
		case config.PressureFail:
			return fmt.Errorf("checkpoint storage %d exceeds budget %d with only protected checkpoints left: %w",
				total, m.retention.CheckpointByteBudget, ErrDiskExhausted)
		case config.PressureSilent:
		default:
			m.logger.Warn("checkpoint storage over budget after pruning",
				"workbench_id", id, "total_bytes", total, "budget_bytes", m.retention.CheckpointByteBudget)
		}
	}
	return nil
}

// overflow returns the oldest unprotected checkpoints beyond limit.
// Input is newest-first.
func overflow(bucket []CheckpointMetadata, limit int, protected map[string]bool) []CheckpointMetadata {
	if limit <= 0 || len(bucket) <= limit {
		return nil
	}
	var out []CheckpointMetadata
	for _, cp := range bucket[limit:] {
		if !protected[cp.CheckpointID] {
			out = append(out, cp)
		}
	}
	return out
}

// deleteCheckpoint removes metadata first so a crash mid-delete leaves an
// orphan directory (swept at startup) rather than metadata pointing at a
// missing snapshot.
func (m *Manager) deleteCheckpoint(ctx context.Context, root, id string, cp CheckpointMetadata, cause string) error {
	if err := os.Remove(m.checkpointMetaPath(root, cp.CheckpointID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove checkpoint metadata: %w", err)
	}
	if err := os.RemoveAll(m.checkpointDir(root, cp.CheckpointID)); err != nil {
		return fmt.Errorf("remove checkpoint directory: %w", err)
	}
	m.hub.Publish(events.TypeCheckpointPruned, id, map[string]string{
		"checkpoint_id": cp.CheckpointID,
		"cause":         cause,
	})
	m.recordAudit(ctx, id, "checkpoint_prune", map[string]any{
		"checkpoint_id": cp.CheckpointID,
		"reason":        cp.Reason,
		"cause":         cause,
	})
	m.logger.Info("checkpoint pruned", "workbench_id", id, "checkpoint_id", cp.CheckpointID, "cause", cause)
	return nil
}
