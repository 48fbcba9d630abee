package workbench

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/draftvault/internal/events"
)

func TestPublishCycle(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	wb := mustCreate(t, m)

	_, err := m.CreateDraft(ctx, wb.ID, "test")
	require.NoError(t, err)
	require.NoError(t, m.ApplyDraftWrite(ctx, wb.ID, "report.md", []byte("# Draft")))

	result, err := m.Publish(ctx, wb.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, result.CheckpointID)

	// Draft is gone, content is published.
	_, err = m.DraftState(wb.ID)
	assert.ErrorIs(t, err, ErrNoDraft)
	data, err := m.ReadFile(wb.ID, "published", "report.md")
	require.NoError(t, err)
	assert.Equal(t, "# Draft", string(data))

	// Manifest reflects the published tree and generation advanced.
	files, err := m.FilesList(wb.ID)
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "report.md", files[0].Path)

	got, err := m.Open(wb.ID)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), got.Generation)

	// The automatic pre-publish checkpoint preserves the prior tree.
	cp, err := m.GetCheckpoint(wb.ID, result.CheckpointID)
	require.NoError(t, err)
	assert.Equal(t, ReasonPublish, cp.Reason)

	// No swap artifacts or pending marker remain.
	root := filepath.Join(m.baseDir, wb.ID)
	_, err = os.Stat(filepath.Join(root, publishedAsideName))
	assert.True(t, os.IsNotExist(err))
	marker, err := m.ledgerFor(root).ReadPending()
	require.NoError(t, err)
	assert.Nil(t, marker)
}

func TestPublishRequiresDraft(t *testing.T) {
	m := newTestManager(t)
	wb := mustCreate(t, m)
	_, err := m.Publish(context.Background(), wb.ID)
	assert.ErrorIs(t, err, ErrNoDraft)
}

func TestPublishConflict(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	wb := mustCreate(t, m)

	// Seed published so there is something to change under the draft.
	_, err := m.CreateDraft(ctx, wb.ID, "test")
	require.NoError(t, err)
	require.NoError(t, m.ApplyDraftWrite(ctx, wb.ID, "doc.txt", []byte("base")))
	_, err = m.Publish(ctx, wb.ID)
	require.NoError(t, err)

	_, err = m.CreateDraft(ctx, wb.ID, "test")
	require.NoError(t, err)
	require.NoError(t, m.ApplyDraftWrite(ctx, wb.ID, "doc.txt", []byte("draft edit")))

	// Published changes behind the draft's back; the size difference makes
	// the fingerprint diverge from the one captured at draft creation.
	root := filepath.Join(m.baseDir, wb.ID)
	require.NoError(t, os.WriteFile(filepath.Join(root, "published", "intruder.txt"), []byte("surprise"), 0o644))

	_, err = m.Publish(ctx, wb.ID)
	assert.ErrorIs(t, err, ErrPublishConflict)

	// Published is untouched by the failed publish and the draft survives.
	_, err = os.Stat(filepath.Join(root, "published", "intruder.txt"))
	require.NoError(t, err)
	state, err := m.DraftState(wb.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, state.DraftID)
}

func TestPublishDiskExhausted(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	wb := mustCreate(t, m)

	_, err := m.CreateDraft(ctx, wb.ID, "test")
	require.NoError(t, err)
	require.NoError(t, m.ApplyDraftWrite(ctx, wb.ID, "big.bin", make([]byte, 4096)))

	m.freeBytes = func(string) (uint64, error) { return 0, nil }
	_, err = m.Publish(ctx, wb.ID)
	assert.ErrorIs(t, err, ErrDiskExhausted)

	// Nothing moved.
	state, err := m.DraftState(wb.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, state.DraftID)
}

func TestPublishEmitsProgress(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	wb := mustCreate(t, m)

	_, err := m.CreateDraft(ctx, wb.ID, "test")
	require.NoError(t, err)
	require.NoError(t, m.ApplyDraftWrite(ctx, wb.ID, "a.txt", []byte("x")))
	_, err = m.Publish(ctx, wb.ID)
	require.NoError(t, err)

	var stages []string
	var sawPublished bool
	for _, ev := range m.Hub().SnapshotSince(0) {
		switch ev.Type {
		case events.TypeProgress:
			stages = append(stages, string(ev.Data))
		case events.TypePublished:
			sawPublished = true
		}
	}
	assert.True(t, sawPublished)
	require.NotEmpty(t, stages)
	assert.Contains(t, stages[0], string(StageValidating))
	assert.Contains(t, stages[len(stages)-1], string(StageFinalizing))
}
