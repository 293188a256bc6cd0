package localstore

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medrex/referral-sync/pkg/types"
)

func remoteSpecialist(t *testing.T, sp *types.Specialist, version int64) *types.RemoteRecord {
	t.Helper()
	payload, err := json.Marshal(sp)
	require.NoError(t, err)
	return &types.RemoteRecord{
		EntityType: types.EntitySpecialist,
		EntityID:   sp.ID,
		Payload:    payload,
		Version:    version,
		UpdatedAt:  sp.UpdatedAt,
	}
}

func TestApplyRemote_InsertsWithoutQueueing(t *testing.T) {
	store, _ := setupStore(t)
	ctx := context.Background()

	sp := newSpecialist()
	sp.ID = uuid.New().String()
	sp.UpdatedAt = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	sp.CreatedAt = sp.UpdatedAt

	require.NoError(t, store.ApplyRemote(ctx, remoteSpecialist(t, sp, 4)))

	got, err := store.Specialists.Get(ctx, sp.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(4), got.Version)
	assert.True(t, got.UpdatedAt.Equal(sp.UpdatedAt))

	assert.Nil(t, queueFor(t, store, types.EntitySpecialist, sp.ID))
}

func TestApplyRemote_IgnoresOlderVersions(t *testing.T) {
	store, _ := setupStore(t)
	ctx := context.Background()

	sp := newSpecialist()
	sp.ID = uuid.New().String()

	sp.Facility = "newer"
	require.NoError(t, store.ApplyRemote(ctx, remoteSpecialist(t, sp, 5)))

	sp.Facility = "older"
	require.NoError(t, store.ApplyRemote(ctx, remoteSpecialist(t, sp, 3)))

	got, err := store.Specialists.Get(ctx, sp.ID)
	require.NoError(t, err)
	assert.Equal(t, "newer", got.Facility)
	assert.Equal(t, int64(5), got.Version)
}

func TestApplyRemote_Deletion(t *testing.T) {
	store, _ := setupStore(t)
	ctx := context.Background()

	sp := newSpecialist()
	sp.ID = uuid.New().String()
	require.NoError(t, store.ApplyRemote(ctx, remoteSpecialist(t, sp, 1)))

	require.NoError(t, store.ApplyRemote(ctx, &types.RemoteRecord{
		EntityType: types.EntitySpecialist,
		EntityID:   sp.ID,
		Version:    2,
		Deleted:    true,
	}))

	_, err := store.Specialists.Get(ctx, sp.ID)
	assert.True(t, types.IsNotFound(err))

	err = store.ApplyRemote(ctx, &types.RemoteRecord{EntityType: types.EntitySpecialist, EntityID: sp.ID, Version: 3})
	assert.Error(t, err)
}

func TestApplyRemote_RejectsMismatchedPayload(t *testing.T) {
	store, _ := setupStore(t)

	sp := newSpecialist()
	sp.ID = uuid.New().String()
	rr := remoteSpecialist(t, sp, 1)
	rr.EntityID = uuid.New().String()

	assert.Error(t, store.ApplyRemote(context.Background(), rr))

	rr.EntityType = "invoice"
	assert.Error(t, store.ApplyRemote(context.Background(), rr))
}

func TestAcceptRemote_CompletesQueuedChange(t *testing.T) {
	store, _ := setupStore(t)
	ctx := context.Background()

	sp := newSpecialist()
	require.NoError(t, store.Specialists.Create(ctx, sp))
	item := queueFor(t, store, types.EntitySpecialist, sp.ID)

	theirs := *sp
	theirs.Facility = "Moi Teaching and Referral Hospital"

	var notified []string
	store.OnRemoteApplied(func(entity types.EntityType, id string) {
		notified = append(notified, string(entity)+":"+id)
	})

	superseded, err := store.AcceptRemote(ctx, item, remoteSpecialist(t, &theirs, 2))
	require.NoError(t, err)
	assert.False(t, superseded)

	got, err := store.Specialists.Get(ctx, sp.ID)
	require.NoError(t, err)
	assert.Equal(t, theirs.Facility, got.Facility)
	assert.Equal(t, int64(2), got.Version)

	assert.Nil(t, queueFor(t, store, types.EntitySpecialist, sp.ID))
	assert.Equal(t, []string{"specialist:" + sp.ID}, notified)
}

func TestPullCursor(t *testing.T) {
	store, _ := setupStore(t)
	ctx := context.Background()

	cursor, err := store.PullCursor(ctx)
	require.NoError(t, err)
	assert.Zero(t, cursor)

	require.NoError(t, store.SetPullCursor(ctx, 42))
	require.NoError(t, store.SetPullCursor(ctx, 57))

	cursor, err = store.PullCursor(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(57), cursor)
}
