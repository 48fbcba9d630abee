package workbench

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/draftvault/internal/events"
)

const (
	revisionsDirName  = "draft_revisions"
	draftSnapshotName = "draft_snapshot"
	revisionMetaName  = "rev.json"
)

func (m *Manager) revisionsDir(root string) string {
	return filepath.Join(root, metaDirName, revisionsDirName)
}

func (m *Manager) revisionDir(root, revisionID string) string {
	return filepath.Join(m.revisionsDir(root), revisionID)
}

// SnapshotRevision records the draft's current content under the caller's
// head pointer, enabling a later rewind to exactly this point. When no
// draft exists the revision still records that fact, so rewinding to a
// pre-draft pointer deletes the draft instead of failing.
//
// A repeated head pointer replaces its earlier revision: the pointer names
// a position, and the newest content at that position wins.
func (m *Manager) SnapshotRevision(ctx context.Context, id, headPointer string) (*RevisionMetadata, error) {
	if headPointer == "" {
		return nil, fmt.Errorf("head pointer must not be empty")
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

	revisions, err := m.listRevisions(root)
	if err != nil {
		return nil, err
	}
	var maxSeq uint64
	var stale []string
	for _, rev := range revisions {
		if rev.Seq > maxSeq {
			maxSeq = rev.Seq
		}
		if rev.HeadPointer == headPointer {
			stale = append(stale, rev.RevisionID)
		}
	}

	meta := &RevisionMetadata{
		RevisionID:  uuid.NewString(),
		HeadPointer: headPointer,
		Seq:         maxSeq + 1,
		CreatedAt:   time.Now().UTC().Format(time.RFC3339Nano),
		HasDraft:    m.draftExists(root),
	}

	revDir := m.revisionDir(root, meta.RevisionID)
	if err := os.MkdirAll(revDir, 0o755); err != nil {
		return nil, fmt.Errorf("create revision directory: %w", err)
	}

	if meta.HasDraft {
		state, err := m.readDraftState(root)
		if err != nil {
			_ = os.RemoveAll(revDir)
			return nil, err
		}
		meta.DraftID = state.DraftID
		if err := m.materializer.Materialize(m.draftPath(root), filepath.Join(revDir, draftSnapshotName)); err != nil {
			_ = os.RemoveAll(revDir)
			return nil, fmt.Errorf("snapshot draft tree: %w", err)
		}
		stateCopy, err := os.ReadFile(m.draftStatePath(root))
		if err != nil {
			_ = os.RemoveAll(revDir)
			return nil, fmt.Errorf("read draft metadata: %w", err)
		}
		if err := writeFileAtomic(filepath.Join(revDir, "draft.json"), stateCopy); err != nil {
			_ = os.RemoveAll(revDir)
			return nil, fmt.Errorf("snapshot draft metadata: %w", err)
		}
	}

	// Metadata last: a revision directory without rev.json is an aborted
	// attempt, swept at startup.
	if err := writeJSON(filepath.Join(revDir, revisionMetaName), meta); err != nil {
		_ = os.RemoveAll(revDir)
		return nil, fmt.Errorf("write revision metadata: %w", err)
	}

	// Replaced revisions for this pointer go only after the new one is
	// fully on disk, so the pointer stays restorable through a crash.
	// RestoreRevision prefers the highest sequence if both survive.
	for _, revisionID := range stale {
		if err := m.removeRevision(root, revisionID); err != nil {
			return nil, err
		}
	}

	if err := m.pruneRevisions(root, id); err != nil {
		return nil, err
	}

	m.hub.Publish(events.TypeRevisionRecorded, id, map[string]string{
		"revision_id":  meta.RevisionID,
		"head_pointer": headPointer,
	})
	m.recordAudit(ctx, id, "revision_record", map[string]any{
		"revision_id":  meta.RevisionID,
		"head_pointer": headPointer,
		"has_draft":    meta.HasDraft,
	})
	m.logger.Debug("draft revision recorded", "workbench_id", id, "revision_id", meta.RevisionID,
		"head_pointer", headPointer, "seq", meta.Seq)
	return meta, nil
}

// RestoreRevision rewinds the draft to the revision recorded for
// headPointer. A revision recorded without a draft deletes the current
// draft entirely. Unknown or pruned pointers fail with
// ErrRevisionUnavailable; published is never touched.
func (m *Manager) RestoreRevision(ctx context.Context, id, headPointer string) error {
	guard, err := m.acquire(id)
	if err != nil {
		return err
	}
	defer guard.Release()

	root, err := m.workbenchRoot(id)
	if err != nil {
		return err
	}

	revisions, err := m.listRevisions(root)
	if err != nil {
		return err
	}
	var target *RevisionMetadata
	for i := range revisions {
		if revisions[i].HeadPointer != headPointer {
			continue
		}
		if target == nil || revisions[i].Seq > target.Seq {
			target = &revisions[i]
		}
	}
	if target == nil {
		return fmt.Errorf("head pointer %q: %w", headPointer, ErrRevisionUnavailable)
	}

	if !target.HasDraft {
		if err := os.RemoveAll(m.draftPath(root)); err != nil {
			return fmt.Errorf("remove draft directory: %w", err)
		}
		if err := os.Remove(m.draftStatePath(root)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove draft metadata: %w", err)
		}
		m.hub.Publish(events.TypeRevisionRestored, id, map[string]string{
			"revision_id":  target.RevisionID,
			"head_pointer": headPointer,
		})
		m.recordAudit(ctx, id, "revision_restore", map[string]any{
			"revision_id":  target.RevisionID,
			"head_pointer": headPointer,
			"has_draft":    false,
		})
		m.logger.Info("draft removed by revision rewind", "workbench_id", id, "head_pointer", headPointer)
		return nil
	}

	revDir := m.revisionDir(root, target.RevisionID)
	snapshotDir := filepath.Join(revDir, draftSnapshotName)
	if _, err := os.Stat(snapshotDir); err != nil {
		return fmt.Errorf("revision %q snapshot missing: %w", target.RevisionID, ErrRevisionUnavailable)
	}

	staging := filepath.Join(root, draftRestoreTmpName)
	if err := os.RemoveAll(staging); err != nil {
		return fmt.Errorf("clear stale draft staging: %w", err)
	}
	if err := m.materializer.Materialize(snapshotDir, staging); err != nil {
		return fmt.Errorf("materialize revision snapshot: %w", err)
	}

	// The draft is rebuildable from the revision, so a plain remove-then-
	// rename suffices here; stale staging is swept at startup.
	if err := os.RemoveAll(m.draftPath(root)); err != nil {
		_ = os.RemoveAll(staging)
		return fmt.Errorf("remove current draft: %w", err)
	}
	if err := os.Rename(staging, m.draftPath(root)); err != nil {
		return fmt.Errorf("move restored draft into place: %w", err)
	}
	if data, err := os.ReadFile(filepath.Join(revDir, "draft.json")); err == nil {
		if err := writeFileAtomic(m.draftStatePath(root), data); err != nil {
			return fmt.Errorf("restore draft metadata: %w", err)
		}
	}

	m.hub.Publish(events.TypeRevisionRestored, id, map[string]string{
		"revision_id":  target.RevisionID,
		"head_pointer": headPointer,
	})
	m.recordAudit(ctx, id, "revision_restore", map[string]any{
		"revision_id":  target.RevisionID,
		"head_pointer": headPointer,
		"has_draft":    true,
	})
	m.logger.Info("draft rewound to revision", "workbench_id", id, "revision_id", target.RevisionID,
		"head_pointer", headPointer)
	return nil
}

// ListRevisions returns revision metadata, newest first by sequence.
func (m *Manager) ListRevisions(id string) ([]RevisionMetadata, error) {
	root, err := m.workbenchRoot(id)
	if err != nil {
		return nil, err
	}
	revisions, err := m.listRevisions(root)
	if err != nil {
		return nil, err
	}
	sort.Slice(revisions, func(i, j int) bool { return revisions[i].Seq > revisions[j].Seq })
	return revisions, nil
}

func (m *Manager) listRevisions(root string) ([]RevisionMetadata, error) {
	entries, err := os.ReadDir(m.revisionsDir(root))
	if err != nil {
		if os.IsNotExist(err) {
			return []RevisionMetadata{}, nil
		}
		return nil, fmt.Errorf("read revisions directory: %w", err)
	}
	revisions := []RevisionMetadata{}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		var meta RevisionMetadata
		if err := readJSON(filepath.Join(m.revisionsDir(root), entry.Name(), revisionMetaName), &meta); err != nil {
			continue
		}
		revisions = append(revisions, meta)
	}
	return revisions, nil
}

// pruneRevisions keeps the newest MaxDraftRevisions by sequence.
func (m *Manager) pruneRevisions(root, id string) error {
	revisions, err := m.listRevisions(root)
	if err != nil {
		return err
	}
	limit := m.retention.MaxDraftRevisions
	if limit <= 0 || len(revisions) <= limit {
		return nil
	}
	sort.Slice(revisions, func(i, j int) bool { return revisions[i].Seq > revisions[j].Seq })
	for _, rev := range revisions[limit:] {
		if err := m.removeRevision(root, rev.RevisionID); err != nil {
			return err
		}
		m.logger.Debug("draft revision pruned", "workbench_id", id, "revision_id", rev.RevisionID)
	}
	return nil
}

func (m *Manager) removeRevision(root, revisionID string) error {
	if err := os.RemoveAll(m.revisionDir(root, revisionID)); err != nil {
		return fmt.Errorf("remove revision %q: %w", revisionID, err)
	}
	return nil
}
