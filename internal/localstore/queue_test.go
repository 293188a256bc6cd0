package localstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medrex/referral-sync/pkg/types"
)

func TestSyncQueue_DueOrderingAndBackoff(t *testing.T) {
	store, clock := setupStore(t)
	ctx := context.Background()

	first := newSpecialist()
	require.NoError(t, store.Specialists.Create(ctx, first))
	clock.Advance(time.Second)
	second := newSpecialist()
	require.NoError(t, store.Specialists.Create(ctx, second))

	due, err := store.Queue.Due(ctx, clock.now, 5, 10)
	require.NoError(t, err)
	require.Len(t, due, 2)
	assert.Equal(t, first.ID, due[0].EntityID)
	assert.Equal(t, second.ID, due[1].EntityID)

	require.NoError(t, store.Queue.Fail(ctx, due[0], 1, clock.now.Add(time.Minute), "connection refused"))

	due, err = store.Queue.Due(ctx, clock.now, 5, 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, second.ID, due[0].EntityID)

	clock.Advance(time.Minute)
	due, err = store.Queue.Due(ctx, clock.now, 5, 1)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, first.ID, due[0].EntityID)
	assert.Equal(t, 1, due[0].Attempts)
	assert.Equal(t, "connection refused", due[0].LastError)
}

func TestSyncQueue_ExhaustedItemsAreNotDue(t *testing.T) {
	store, clock := setupStore(t)
	ctx := context.Background()

	sp := newSpecialist()
	require.NoError(t, store.Specialists.Create(ctx, sp))

	item := queueFor(t, store, types.EntitySpecialist, sp.ID)
	require.NoError(t, store.Queue.Fail(ctx, item, 5, clock.now, "rejected"))

	due, err := store.Queue.Due(ctx, clock.now.Add(time.Hour), 5, 10)
	require.NoError(t, err)
	assert.Empty(t, due)

	counts, err := store.Queue.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, QueueCounts{Failed: 1}, counts)

	reset, err := store.Queue.RetryFailed(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), reset)

	due, err = store.Queue.Due(ctx, clock.now, 5, 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Zero(t, due[0].Attempts)
}

func TestSyncQueue_CompleteStoresVersion(t *testing.T) {
	store, _ := setupStore(t)
	ctx := context.Background()

	sp := newSpecialist()
	require.NoError(t, store.Specialists.Create(ctx, sp))

	item := queueFor(t, store, types.EntitySpecialist, sp.ID)
	superseded, err := store.Queue.Complete(ctx, item, 3)
	require.NoError(t, err)
	assert.False(t, superseded)

	got, err := store.Specialists.Get(ctx, sp.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), got.Version)

	done, err := store.Queue.Get(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, types.SyncStatusCompleted, done.Status)
	require.NotNil(t, done.CompletedAt)

	assert.Nil(t, queueFor(t, store, types.EntitySpecialist, sp.ID))
}

func TestSyncQueue_CompleteAfterNewerEditKeepsEntryPending(t *testing.T) {
	store, _ := setupStore(t)
	ctx := context.Background()

	sp := newSpecialist()
	require.NoError(t, store.Specialists.Create(ctx, sp))
	inFlight := queueFor(t, store, types.EntitySpecialist, sp.ID)

	sp.Facility = "Aga Khan University Hospital"
	require.NoError(t, store.Specialists.Update(ctx, sp))

	superseded, err := store.Queue.Complete(ctx, inFlight, 1)
	require.NoError(t, err)
	assert.True(t, superseded)

	item := queueFor(t, store, types.EntitySpecialist, sp.ID)
	require.NotNil(t, item)
	assert.Equal(t, types.SyncStatusPending, item.Status)
	assert.Equal(t, int64(1), item.BaseVersion)
	assert.Equal(t, types.OpUpdate, item.Operation)
	assert.Contains(t, string(item.Payload), "Aga Khan")

	// a stale failure report does not touch the merged entry either
	require.NoError(t, store.Queue.Fail(ctx, inFlight, 2, time.Now().Add(time.Hour), "timeout"))
	item = queueFor(t, store, types.EntitySpecialist, sp.ID)
	assert.Equal(t, types.SyncStatusPending, item.Status)
}

func TestSyncQueue_CompleteAfterDeleteQueuesRemoteDelete(t *testing.T) {
	store, _ := setupStore(t)
	ctx := context.Background()

	sp := newSpecialist()
	require.NoError(t, store.Specialists.Create(ctx, sp))
	inFlight := queueFor(t, store, types.EntitySpecialist, sp.ID)
	require.Equal(t, types.OpCreate, inFlight.Operation)

	// the delete lands while the create is being pushed
	require.NoError(t, store.Specialists.Delete(ctx, sp.ID))
	assert.Nil(t, queueFor(t, store, types.EntitySpecialist, sp.ID))

	superseded, err := store.Queue.Complete(ctx, inFlight, 1)
	require.NoError(t, err)
	assert.True(t, superseded)

	item := queueFor(t, store, types.EntitySpecialist, sp.ID)
	require.NotNil(t, item)
	assert.Equal(t, types.OpDelete, item.Operation)
	assert.Equal(t, int64(1), item.BaseVersion)
	assert.Equal(t, types.SyncStatusPending, item.Status)
}

func TestSyncQueue_PurgeCompleted(t *testing.T) {
	store, clock := setupStore(t)
	ctx := context.Background()

	old := newSpecialist()
	require.NoError(t, store.Specialists.Create(ctx, old))
	_, err := store.Queue.Complete(ctx, queueFor(t, store, types.EntitySpecialist, old.ID), 1)
	require.NoError(t, err)

	clock.Advance(48 * time.Hour)
	recent := newSpecialist()
	require.NoError(t, store.Specialists.Create(ctx, recent))
	_, err = store.Queue.Complete(ctx, queueFor(t, store, types.EntitySpecialist, recent.ID), 1)
	require.NoError(t, err)

	purged, err := store.Queue.PurgeCompleted(ctx, clock.now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), purged)

	counts, err := store.Queue.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts.Completed)

	all, err := store.Queue.List(ctx, "", 0)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, recent.ID, all[0].EntityID)
}

func TestSyncQueue_RebaseMovesCreateOntoRemoteVersion(t *testing.T) {
	store, _ := setupStore(t)
	ctx := context.Background()

	sp := newSpecialist()
	require.NoError(t, store.Specialists.Create(ctx, sp))
	item := queueFor(t, store, types.EntitySpecialist, sp.ID)

	rebased, err := store.Queue.Rebase(ctx, item, 4)
	require.NoError(t, err)
	assert.True(t, rebased)

	got := queueFor(t, store, types.EntitySpecialist, sp.ID)
	assert.Equal(t, int64(4), got.BaseVersion)
	assert.Equal(t, types.OpUpdate, got.Operation)

	local, err := store.Specialists.Get(ctx, sp.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(4), local.Version)

	// a newer local edit bumps the revision, so the stale read no longer applies
	sp.Specialty = "neurology"
	require.NoError(t, store.Specialists.Update(ctx, sp))
	rebased, err = store.Queue.Rebase(ctx, item, 12)
	require.NoError(t, err)
	assert.False(t, rebased)
}
