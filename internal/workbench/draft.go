package workbench

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/draftvault/internal/events"
	"github.com/mattjoyce/draftvault/internal/snapshot"
)

// CreateDraft materializes a mutable copy of published. Exactly one draft
// may exist per workbench; a second request fails rather than reuse the
// existing draft, so callers always know whose draft they hold.
func (m *Manager) CreateDraft(ctx context.Context, id, source string) (*DraftState, error) {
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
	if m.draftExists(root) {
		return nil, fmt.Errorf("create draft: %w", ErrDraftExists)
	}

	if err := m.checkFreeSpace(root, m.publishedPath(root)); err != nil {
		return nil, err
	}

	// Fingerprint before copying so the conflict baseline matches what the
	// draft was cloned from.
	generation, err := snapshot.Fingerprint(m.publishedPath(root))
	if err != nil {
		return nil, fmt.Errorf("fingerprint published tree: %w", err)
	}

	if err := m.materializer.Materialize(m.publishedPath(root), m.draftPath(root)); err != nil {
		return nil, fmt.Errorf("materialize draft: %w", err)
	}

	state := &DraftState{
		DraftID:             uuid.NewString(),
		CreatedAt:           time.Now().UTC().Format(time.RFC3339Nano),
		Source:              source,
		PublishedGeneration: generation,
	}
	if err := writeJSON(m.draftStatePath(root), state); err != nil {
		// Metadata write failed after the directory landed; remove the
		// directory so existence and metadata stay in agreement.
		_ = os.RemoveAll(m.draftPath(root))
		return nil, fmt.Errorf("write draft metadata: %w", err)
	}

	m.hub.Publish(events.TypeDraftCreated, id, map[string]string{"draft_id": state.DraftID})
	m.recordAudit(ctx, id, "draft_create", map[string]any{"draft_id": state.DraftID, "source": source})
	m.logger.Info("draft created", "workbench_id", id, "draft_id", state.DraftID)
	return state, nil
}

// DiscardDraft deletes the draft directory, its metadata, and every draft
// revision. Published is untouched.
func (m *Manager) DiscardDraft(ctx context.Context, id string) error {
	guard, err := m.acquire(id)
	if err != nil {
		return err
	}
	defer guard.Release()

	root, err := m.workbenchRoot(id)
	if err != nil {
		return err
	}
	if !m.draftExists(root) {
		return fmt.Errorf("discard draft: %w", ErrNoDraft)
	}

	state, _ := m.readDraftState(root)

	if err := os.RemoveAll(m.draftPath(root)); err != nil {
		return fmt.Errorf("remove draft directory: %w", err)
	}
	if err := os.Remove(m.draftStatePath(root)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove draft metadata: %w", err)
	}
	if err := os.RemoveAll(m.revisionsDir(root)); err != nil {
		return fmt.Errorf("remove draft revisions: %w", err)
	}

	detail := map[string]any{}
	if state != nil {
		detail["draft_id"] = state.DraftID
	}
	m.hub.Publish(events.TypeDraftDiscarded, id, detail)
	m.recordAudit(ctx, id, "draft_discard", detail)
	m.logger.Info("draft discarded", "workbench_id", id)
	return nil
}

// DraftState returns metadata for the active draft, or ErrNoDraft.
func (m *Manager) DraftState(id string) (*DraftState, error) {
	root, err := m.workbenchRoot(id)
	if err != nil {
		return nil, err
	}
	if !m.draftExists(root) {
		return nil, fmt.Errorf("draft state: %w", ErrNoDraft)
	}
	return m.readDraftState(root)
}

func (m *Manager) readDraftState(root string) (*DraftState, error) {
	var state DraftState
	if err := readJSON(m.draftStatePath(root), &state); err != nil {
		return nil, fmt.Errorf("read draft metadata: %w", err)
	}
	return &state, nil
}

// checkFreeSpace verifies the filesystem can hold another copy of srcDir
// plus headroom before any multi-step operation starts copying.
func (m *Manager) checkFreeSpace(root, srcDir string) error {
	_, totalBytes, err := snapshot.TreeStats(srcDir)
	if err != nil {
		return fmt.Errorf("measure tree: %w", err)
	}
	needed := uint64(float64(totalBytes) * m.diskHeadroom)
	free, err := m.freeBytes(root)
	if err != nil {
		return fmt.Errorf("query free space: %w", err)
	}
	if free < needed {
		return fmt.Errorf("need %d bytes, %d free: %w", needed, free, ErrDiskExhausted)
	}
	return nil
}
