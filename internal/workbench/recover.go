package workbench

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mattjoyce/draftvault/internal/events"
	"github.com/mattjoyce/draftvault/internal/ledger"
)

// RecoverAll reconciles every workbench at startup. Each workbench is
// driven to a stable state: pending transactions are finished or rolled
// back, draft directory and metadata are brought back into agreement, and
// stale swap artifacts are swept. Workbenches that cannot be reconciled
// are quarantined and refuse mutating commands until an operator steps in.
//
// The pass is idempotent: running it twice, or crashing partway through
// and running it again, converges on the same state.
func (m *Manager) RecoverAll(ctx context.Context) error {
	entries, err := os.ReadDir(m.baseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read workbench base directory: %w", err)
	}

	var failed []string
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		id := entry.Name()
		if err := m.recoverWorkbench(ctx, id); err != nil {
			m.logger.Error("workbench reconciliation failed", "workbench_id", id, "error", err)
			m.quarantine(id)
			failed = append(failed, id)
		}
	}
	if len(failed) > 0 {
		return fmt.Errorf("workbenches %s: %w", strings.Join(failed, ", "), ErrCrashRecoveryRequired)
	}
	return nil
}

func (m *Manager) recoverWorkbench(ctx context.Context, id string) error {
	root, err := m.workbenchRoot(id)
	if err != nil {
		return err
	}

	led := m.ledgerFor(root)
	marker, err := led.ReadPending()
	if err != nil {
		return err
	}
	if marker != nil {
		switch marker.Kind {
		case ledger.KindPublish:
			err = m.recoverPublish(root, id, marker)
		case ledger.KindRestore:
			err = m.recoverRestore(root, id, marker)
		default:
			err = fmt.Errorf("unknown transaction kind %q", marker.Kind)
		}
		if err != nil {
			return err
		}
		if err := led.Commit(); err != nil {
			return err
		}
		m.hub.Publish(events.TypeRecovered, id, map[string]string{
			"marker_id": marker.MarkerID,
			"kind":      string(marker.Kind),
		})
		m.recordAudit(ctx, id, "recover", map[string]any{
			"marker_id": marker.MarkerID,
			"kind":      string(marker.Kind),
		})
	}

	if err := m.repairDraftAgreement(root, id); err != nil {
		return err
	}
	m.sweepArtifacts(root, id)
	return nil
}

// recoverPublish finishes or rolls back a publish that died mid-flight.
// The draft directory is the discriminator: if it still exists the swap
// never completed and we roll back; if it is gone the draft was promoted
// and we finish the finalize steps.
func (m *Manager) recoverPublish(root, id string, marker *ledger.Marker) error {
	published := m.publishedPath(root)
	aside := filepath.Join(root, publishedAsideName)

	if m.draftExists(root) {
		// Swap incomplete. If published was already moved aside, put it back.
		if _, err := os.Stat(published); os.IsNotExist(err) {
			if _, err := os.Stat(aside); err != nil {
				return fmt.Errorf("published and its aside copy both missing")
			}
			if err := os.Rename(aside, published); err != nil {
				return fmt.Errorf("roll back published tree: %w", err)
			}
		}
		m.logger.Info("publish rolled back", "workbench_id", id, "marker_id", marker.MarkerID)
		return nil
	}

	// Draft was promoted; finish cleanup.
	if _, err := os.Stat(published); err != nil {
		return fmt.Errorf("draft promoted but published missing: %w", err)
	}
	m.finalizePublish(root, id, time.Now().UTC(), marker.Generation)
	m.logger.Info("publish finalized by recovery", "workbench_id", id, "marker_id", marker.MarkerID)
	return nil
}

// recoverRestore finishes or rolls back a checkpoint restore. The staging
// directory is the discriminator: present means the swap never completed.
func (m *Manager) recoverRestore(root, id string, marker *ledger.Marker) error {
	published := m.publishedPath(root)
	aside := filepath.Join(root, publishedAsideName)
	staging := filepath.Join(root, restoreStagingName)

	if _, err := os.Stat(staging); err == nil {
		if _, err := os.Stat(published); os.IsNotExist(err) {
			if _, err := os.Stat(aside); err != nil {
				return fmt.Errorf("published and its aside copy both missing")
			}
			if err := os.Rename(aside, published); err != nil {
				return fmt.Errorf("roll back published tree: %w", err)
			}
		}
		if err := os.RemoveAll(staging); err != nil {
			return fmt.Errorf("remove restore staging: %w", err)
		}
		m.logger.Info("restore rolled back", "workbench_id", id, "marker_id", marker.MarkerID)
		return nil
	}

	if _, err := os.Stat(published); err != nil {
		return fmt.Errorf("restore staging consumed but published missing: %w", err)
	}
	m.finalizeRestore(root, id, marker.CheckpointID, time.Now().UTC(), marker.Generation)
	m.logger.Info("restore finalized by recovery", "workbench_id", id, "marker_id", marker.MarkerID)
	return nil
}

// repairDraftAgreement forces draft directory and draft metadata to agree.
// A half-created or half-discarded draft is removed entirely; the conflict
// baseline cannot be reconstructed, so keeping either half would lie.
func (m *Manager) repairDraftAgreement(root, id string) error {
	dirExists := m.draftExists(root)
	_, statErr := os.Stat(m.draftStatePath(root))
	metaExists := statErr == nil
	if statErr != nil && !os.IsNotExist(statErr) {
		return fmt.Errorf("stat draft metadata: %w", statErr)
	}

	if dirExists == metaExists {
		return nil
	}
	m.logger.Warn("draft directory and metadata disagree; removing both",
		"workbench_id", id, "dir_exists", dirExists, "meta_exists", metaExists)
	if err := os.RemoveAll(m.draftPath(root)); err != nil {
		return fmt.Errorf("remove draft directory: %w", err)
	}
	if err := os.Remove(m.draftStatePath(root)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove draft metadata: %w", err)
	}
	if err := os.RemoveAll(m.revisionsDir(root)); err != nil {
		return fmt.Errorf("remove draft revisions: %w", err)
	}
	return nil
}

// sweepArtifacts removes leftover staging and aside paths plus orphaned
// checkpoint and revision directories whose commit metadata never landed.
// With no marker pending, all of these are dead weight.
func (m *Manager) sweepArtifacts(root, id string) {
	stale := []string{
		filepath.Join(root, publishedAsideName),
		filepath.Join(root, restoreStagingName),
		filepath.Join(root, draftRestoreTmpName),
		m.publishedPath(root) + ".staging",
		m.draftPath(root) + ".staging",
		filepath.Join(root, restoreStagingName+".staging"),
		filepath.Join(root, draftRestoreTmpName+".staging"),
	}
	for _, path := range stale {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		if err := os.RemoveAll(path); err != nil {
			m.logger.Warn("remove stale artifact failed", "workbench_id", id, "path", path, "error", err)
		} else {
			m.logger.Info("removed stale artifact", "workbench_id", id, "path", path)
		}
	}

	if entries, err := os.ReadDir(m.checkpointsDir(root)); err == nil {
		for _, entry := range entries {
			if !entry.IsDir() {
				continue
			}
			if _, err := os.Stat(m.checkpointMetaPath(root, entry.Name())); errors.Is(err, os.ErrNotExist) {
				orphan := m.checkpointDir(root, entry.Name())
				if err := os.RemoveAll(orphan); err != nil {
					m.logger.Warn("remove orphan checkpoint failed", "workbench_id", id, "path", orphan, "error", err)
				}
			}
		}
	}

	if entries, err := os.ReadDir(m.revisionsDir(root)); err == nil {
		for _, entry := range entries {
			if !entry.IsDir() {
				continue
			}
			metaPath := filepath.Join(m.revisionsDir(root), entry.Name(), revisionMetaName)
			if _, err := os.Stat(metaPath); errors.Is(err, os.ErrNotExist) {
				orphan := m.revisionDir(root, entry.Name())
				if err := os.RemoveAll(orphan); err != nil {
					m.logger.Warn("remove orphan revision failed", "workbench_id", id, "path", orphan, "error", err)
				}
			}
		}
	}
}
