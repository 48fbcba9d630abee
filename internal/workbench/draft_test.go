package workbench

import (
	"context"
	"testing"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/draftvault/internal/workbench/mocks"
)

func TestCreateDraftSingleton(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	wb := mustCreate(t, m)

	first, err := m.CreateDraft(ctx, wb.ID, "agent")
	require.NoError(t, err)
	assert.NotEmpty(t, first.DraftID)
	assert.NotEmpty(t, first.PublishedGeneration)
	assert.Equal(t, "agent", first.Source)

	_, err = m.CreateDraft(ctx, wb.ID, "agent")
	assert.ErrorIs(t, err, ErrDraftExists)

	state, err := m.DraftState(wb.ID)
	require.NoError(t, err)
	assert.Equal(t, first.DraftID, state.DraftID)
}

func TestDiscardDraftRemovesEverything(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	wb := mustCreate(t, m)

	_, err := m.CreateDraft(ctx, wb.ID, "test")
	require.NoError(t, err)
	require.NoError(t, m.ApplyDraftWrite(ctx, wb.ID, "scratch.txt", []byte("wip")))
	_, err = m.SnapshotRevision(ctx, wb.ID, "msg-1")
	require.NoError(t, err)

	require.NoError(t, m.DiscardDraft(ctx, wb.ID))

	_, err = m.DraftState(wb.ID)
	assert.ErrorIs(t, err, ErrNoDraft)
	revisions, err := m.ListRevisions(wb.ID)
	require.NoError(t, err)
	assert.Empty(t, revisions)

	err = m.DiscardDraft(ctx, wb.ID)
	assert.ErrorIs(t, err, ErrNoDraft)
}

func TestDraftLifecycleIsAudited(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	m := newTestManager(t)
	sink := mocks.NewMockAuditSink(ctrl)
	m.audit = sink
	ctx := context.Background()
	wb := mustCreate(t, m)

	sink.EXPECT().Record(gomock.Any(), wb.ID, "draft_create", gomock.Any()).Return(nil)
	sink.EXPECT().Record(gomock.Any(), wb.ID, "draft_discard", gomock.Any()).Return(nil)

	_, err := m.CreateDraft(ctx, wb.ID, "test")
	require.NoError(t, err)
	require.NoError(t, m.DiscardDraft(ctx, wb.ID))
}

func TestAuditFailureDoesNotFailOperation(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	m := newTestManager(t)
	sink := mocks.NewMockAuditSink(ctrl)
	m.audit = sink
	ctx := context.Background()
	wb := mustCreate(t, m)

	sink.EXPECT().Record(gomock.Any(), wb.ID, "draft_create", gomock.Any()).
		Return(assert.AnError)

	_, err := m.CreateDraft(ctx, wb.ID, "test")
	require.NoError(t, err)
}
