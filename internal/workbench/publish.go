package workbench

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mattjoyce/draftvault/internal/events"
	"github.com/mattjoyce/draftvault/internal/ledger"
	"github.com/mattjoyce/draftvault/internal/snapshot"
)

// Publish atomically promotes the draft to published. The sequence is:
// validate, conflict check against the fingerprint captured at draft
// creation, automatic pre-publish checkpoint, transaction marker, rename
// swap, finalize. Any failure before the swap leaves published untouched;
// a failure between the two renames rolls the first one back.
func (m *Manager) Publish(ctx context.Context, id string) (*PublishResult, error) {
	guard, err := m.acquire(id)
	if err != nil {
		return nil, err
	}
	defer guard.Release()

	root, err := m.workbenchRoot(id)
	if err != nil {
		return nil, err
	}

	m.emitProgress(id, StageValidating)
	if !m.draftExists(root) {
		return nil, fmt.Errorf("publish: %w", ErrNoDraft)
	}
	state, err := m.readDraftState(root)
	if err != nil {
		return nil, err
	}
	if err := m.checkFreeSpace(root, m.largerTree(root)); err != nil {
		return nil, err
	}

	m.emitProgress(id, StageConflictCheck)
	current, err := snapshot.Fingerprint(m.publishedPath(root))
	if err != nil {
		return nil, fmt.Errorf("fingerprint published tree: %w", err)
	}
	if current != state.PublishedGeneration {
		return nil, fmt.Errorf("publish draft %q: %w", state.DraftID, ErrPublishConflict)
	}

	m.emitProgress(id, StageCheckpointPrePublish)
	checkpoint, err := m.createCheckpointLocked(ctx, root, id, ReasonPublish, "pre-publish snapshot")
	if err != nil {
		return nil, fmt.Errorf("pre-publish checkpoint: %w", err)
	}
	if err := m.enforceRetention(ctx, root, id); err != nil {
		return nil, fmt.Errorf("checkpoint retention: %w", err)
	}

	var wbMeta Workbench
	if err := readJSON(m.workbenchMetaPath(root), &wbMeta); err != nil {
		return nil, fmt.Errorf("read workbench metadata: %w", err)
	}

	published := m.publishedPath(root)
	aside := filepath.Join(root, publishedAsideName)

	led := m.ledgerFor(root)
	if _, err := led.Begin(ledger.Marker{
		Kind:         ledger.KindPublish,
		WorkbenchID:  id,
		DraftID:      state.DraftID,
		CheckpointID: checkpoint.CheckpointID,
		AsidePath:    publishedAsideName,
		Generation:   wbMeta.Generation + 1,
	}); err != nil {
		return nil, fmt.Errorf("begin publish transaction: %w", err)
	}

	m.emitProgress(id, StageSwapDirectories)
	if err := os.Rename(published, aside); err != nil {
		_ = led.Commit()
		return nil, fmt.Errorf("move published aside: %w", err)
	}
	if err := os.Rename(m.draftPath(root), published); err != nil {
		// First rename landed but the second failed. Put published back so
		// the workbench is exactly as before, then drop the marker.
		m.emitProgress(id, StageRollingBack)
		if rbErr := os.Rename(aside, published); rbErr != nil {
			m.quarantine(id)
			return nil, fmt.Errorf("promote draft failed (%v) and rollback failed: %w", err, rbErr)
		}
		_ = led.Commit()
		return nil, fmt.Errorf("promote draft to published: %w", err)
	}

	m.emitProgress(id, StageFinalizing)
	now := time.Now().UTC()
	m.finalizePublish(root, id, now, wbMeta.Generation+1)

	// Marker removal is the commit point: with the swap and finalize done,
	// a crash after this line changes nothing at next startup.
	if err := led.Commit(); err != nil {
		m.logger.Error("publish marker commit failed; recovery will re-finalize", "workbench_id", id, "error", err)
	}

	result := &PublishResult{
		CheckpointID: checkpoint.CheckpointID,
		PublishedAt:  now.Format(time.RFC3339Nano),
	}
	m.hub.Publish(events.TypePublished, id, map[string]string{
		"draft_id":      state.DraftID,
		"checkpoint_id": checkpoint.CheckpointID,
	})
	m.recordAudit(ctx, id, "publish", map[string]any{
		"draft_id":      state.DraftID,
		"checkpoint_id": checkpoint.CheckpointID,
	})
	m.logger.Info("draft published", "workbench_id", id, "draft_id", state.DraftID,
		"checkpoint_id", checkpoint.CheckpointID)
	return result, nil
}

// finalizePublish cleans up after a successful swap. The publish already
// happened; failures here are logged and left for startup reconciliation,
// never surfaced to the caller. The generation comes from the transaction
// marker so that re-running finalize during recovery lands on the same
// value instead of bumping again.
func (m *Manager) finalizePublish(root, id string, at time.Time, generation uint64) {
	if err := os.RemoveAll(filepath.Join(root, publishedAsideName)); err != nil {
		m.logger.Warn("remove old published tree failed", "workbench_id", id, "error", err)
	}
	if err := os.Remove(m.draftStatePath(root)); err != nil && !os.IsNotExist(err) {
		m.logger.Warn("remove draft metadata failed", "workbench_id", id, "error", err)
	}
	if err := os.RemoveAll(m.revisionsDir(root)); err != nil {
		m.logger.Warn("remove draft revisions failed", "workbench_id", id, "error", err)
	}
	if err := m.rebuildManifest(root); err != nil {
		m.logger.Warn("rebuild file manifest failed", "workbench_id", id, "error", err)
	}
	if err := m.touchUpdated(root, at, generation); err != nil {
		m.logger.Warn("update workbench metadata failed", "workbench_id", id, "error", err)
	}
}

// largerTree picks whichever of draft and published is bigger, for the
// free-space estimate.
func (m *Manager) largerTree(root string) string {
	_, draftBytes, err := snapshot.TreeStats(m.draftPath(root))
	if err != nil {
		return m.publishedPath(root)
	}
	_, publishedBytes, err := snapshot.TreeStats(m.publishedPath(root))
	if err != nil {
		return m.draftPath(root)
	}
	if draftBytes > publishedBytes {
		return m.draftPath(root)
	}
	return m.publishedPath(root)
}
