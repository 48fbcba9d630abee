package workbench

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/draftvault/internal/ledger"
)

// crashPublishBeforeSwap arranges the on-disk state of a process that died
// after writing the publish marker and moving published aside, but before
// promoting the draft.
func crashPublishBeforeSwap(t *testing.T, m *Manager, id string) {
	t.Helper()
	root := filepath.Join(m.baseDir, id)
	_, err := m.ledgerFor(root).Begin(ledger.Marker{
		Kind:        ledger.KindPublish,
		WorkbenchID: id,
		AsidePath:   publishedAsideName,
	})
	require.NoError(t, err)
	require.NoError(t, os.Rename(
		filepath.Join(root, "published"),
		filepath.Join(root, publishedAsideName),
	))
}

func TestRecoverPublishRollback(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	wb := mustCreate(t, m)
	seedPublished(t, m, wb.ID, "doc.txt", "safe")

	_, err := m.CreateDraft(ctx, wb.ID, "test")
	require.NoError(t, err)
	require.NoError(t, m.ApplyDraftWrite(ctx, wb.ID, "doc.txt", []byte("in flight")))

	crashPublishBeforeSwap(t, m, wb.ID)

	require.NoError(t, m.RecoverAll(ctx))

	// Published is back and unchanged; the draft survived the crash.
	data, err := m.ReadFile(wb.ID, "published", "doc.txt")
	require.NoError(t, err)
	assert.Equal(t, "safe", string(data))
	data, err = m.ReadFile(wb.ID, "draft", "doc.txt")
	require.NoError(t, err)
	assert.Equal(t, "in flight", string(data))

	root := filepath.Join(m.baseDir, wb.ID)
	marker, err := m.ledgerFor(root).ReadPending()
	require.NoError(t, err)
	assert.Nil(t, marker)

	// The workbench accepts commands again.
	_, err = m.Publish(ctx, wb.ID)
	require.NoError(t, err)
}

func TestRecoverPublishFinalize(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	wb := mustCreate(t, m)

	_, err := m.CreateDraft(ctx, wb.ID, "test")
	require.NoError(t, err)
	require.NoError(t, m.ApplyDraftWrite(ctx, wb.ID, "doc.txt", []byte("promoted")))

	// Crash after both renames but before any finalize cleanup.
	root := filepath.Join(m.baseDir, wb.ID)
	_, err = m.ledgerFor(root).Begin(ledger.Marker{
		Kind:        ledger.KindPublish,
		WorkbenchID: wb.ID,
		AsidePath:   publishedAsideName,
	})
	require.NoError(t, err)
	require.NoError(t, os.Rename(filepath.Join(root, "published"), filepath.Join(root, publishedAsideName)))
	require.NoError(t, os.Rename(filepath.Join(root, "draft"), filepath.Join(root, "published")))

	require.NoError(t, m.RecoverAll(ctx))

	// The promotion stands and all leftovers are gone.
	data, err := m.ReadFile(wb.ID, "published", "doc.txt")
	require.NoError(t, err)
	assert.Equal(t, "promoted", string(data))

	_, err = m.DraftState(wb.ID)
	assert.ErrorIs(t, err, ErrNoDraft)
	_, err = os.Stat(filepath.Join(root, publishedAsideName))
	assert.True(t, os.IsNotExist(err))

	files, err := m.FilesList(wb.ID)
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "doc.txt", files[0].Path)
}

func TestRecoverRestoreRollback(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	wb := mustCreate(t, m)
	seedPublished(t, m, wb.ID, "doc.txt", "current")

	root := filepath.Join(m.baseDir, wb.ID)
	staging := filepath.Join(root, restoreStagingName)
	require.NoError(t, os.MkdirAll(staging, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(staging, "doc.txt"), []byte("incoming"), 0o644))
	_, err := m.ledgerFor(root).Begin(ledger.Marker{
		Kind:        ledger.KindRestore,
		WorkbenchID: wb.ID,
		AsidePath:   publishedAsideName,
		StagingPath: restoreStagingName,
	})
	require.NoError(t, err)
	require.NoError(t, os.Rename(filepath.Join(root, "published"), filepath.Join(root, publishedAsideName)))

	require.NoError(t, m.RecoverAll(ctx))

	data, err := m.ReadFile(wb.ID, "published", "doc.txt")
	require.NoError(t, err)
	assert.Equal(t, "current", string(data))
	_, err = os.Stat(staging)
	assert.True(t, os.IsNotExist(err))
}

func TestRecoverRefinalizeKeepsGeneration(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	wb := mustCreate(t, m)
	seedPublished(t, m, wb.ID, "doc.txt", "v1")

	got, err := m.Open(wb.ID)
	require.NoError(t, err)
	require.Equal(t, uint64(1), got.Generation)

	// Crash after finalize but before the marker commit: the marker is
	// still on disk, carrying the generation the publish landed on.
	root := filepath.Join(m.baseDir, wb.ID)
	_, err = m.ledgerFor(root).Begin(ledger.Marker{
		Kind:        ledger.KindPublish,
		WorkbenchID: wb.ID,
		AsidePath:   publishedAsideName,
		Generation:  1,
	})
	require.NoError(t, err)

	require.NoError(t, m.RecoverAll(ctx))

	// Re-running finalize re-applies the recorded generation instead of
	// bumping a second time.
	got, err = m.Open(wb.ID)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), got.Generation)

	marker, err := m.ledgerFor(root).ReadPending()
	require.NoError(t, err)
	assert.Nil(t, marker)
}

func TestRecoverDraftDisagreement(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	// Directory without metadata.
	wb1 := mustCreate(t, m)
	root1 := filepath.Join(m.baseDir, wb1.ID)
	require.NoError(t, os.MkdirAll(filepath.Join(root1, "draft"), 0o755))

	// Metadata without directory.
	wb2 := mustCreate(t, m)
	root2 := filepath.Join(m.baseDir, wb2.ID)
	require.NoError(t, writeJSON(m.draftStatePath(root2), &DraftState{DraftID: "orphan"}))

	require.NoError(t, m.RecoverAll(ctx))

	for _, id := range []string{wb1.ID, wb2.ID} {
		area, err := m.ActiveArea(id)
		require.NoError(t, err)
		assert.Equal(t, "published", area)
		_, err = m.DraftState(id)
		assert.ErrorIs(t, err, ErrNoDraft)
	}
}

func TestRecoverSweepsArtifacts(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	wb := mustCreate(t, m)
	root := filepath.Join(m.baseDir, wb.ID)

	stale := []string{
		filepath.Join(root, publishedAsideName),
		filepath.Join(root, "draft.staging"),
		filepath.Join(root, draftRestoreTmpName),
	}
	for _, path := range stale {
		require.NoError(t, os.MkdirAll(path, 0o755))
	}
	// Checkpoint directory whose metadata never landed.
	orphan := m.checkpointDir(root, "half-written")
	require.NoError(t, os.MkdirAll(orphan, 0o755))

	require.NoError(t, m.RecoverAll(ctx))

	for _, path := range append(stale, orphan) {
		_, err := os.Stat(path)
		assert.True(t, os.IsNotExist(err), "expected %s to be swept", path)
	}
}

func TestRecoverIsIdempotent(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	wb := mustCreate(t, m)
	seedPublished(t, m, wb.ID, "doc.txt", "safe")
	_, err := m.CreateDraft(ctx, wb.ID, "test")
	require.NoError(t, err)

	crashPublishBeforeSwap(t, m, wb.ID)

	require.NoError(t, m.RecoverAll(ctx))
	require.NoError(t, m.RecoverAll(ctx))

	data, err := m.ReadFile(wb.ID, "published", "doc.txt")
	require.NoError(t, err)
	assert.Equal(t, "safe", string(data))
}

func TestRecoverQuarantinesUnreconcilable(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	wb := mustCreate(t, m)
	root := filepath.Join(m.baseDir, wb.ID)

	// Publish in flight but both published and its aside copy are gone.
	_, err := m.CreateDraft(ctx, wb.ID, "test")
	require.NoError(t, err)
	_, err = m.ledgerFor(root).Begin(ledger.Marker{
		Kind:        ledger.KindPublish,
		WorkbenchID: wb.ID,
	})
	require.NoError(t, err)
	require.NoError(t, os.RemoveAll(filepath.Join(root, "published")))

	err = m.RecoverAll(ctx)
	assert.ErrorIs(t, err, ErrCrashRecoveryRequired)

	// Mutating commands are refused until an operator intervenes.
	_, err = m.CreateDraft(ctx, wb.ID, "again")
	assert.ErrorIs(t, err, ErrCrashRecoveryRequired)
}
