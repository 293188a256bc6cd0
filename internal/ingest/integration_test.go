//go:build integration

package ingest

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/medrex/referral-sync/pkg/database"
	"github.com/medrex/referral-sync/pkg/logger"
	"github.com/medrex/referral-sync/pkg/types"
)

// startPostgres runs a disposable PostgreSQL container and returns a schema-ready handle
func startPostgres(t *testing.T) *database.DB {
	t.Helper()
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:15",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_DB":       "referrals_test",
			"POSTGRES_USER":     "test",
			"POSTGRES_PASSWORD": "testpass",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5432")
	require.NoError(t, err)

	dsn := fmt.Sprintf("postgres://test:testpass@%s:%s/referrals_test?sslmode=disable", host, port.Port())
	sqlDB, err := sql.Open("postgres", dsn)
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })

	require.Eventually(t, func() bool { return sqlDB.PingContext(ctx) == nil }, 30*time.Second, time.Second)

	db := database.Wrap(sqlDB, "postgres", logger.Discard())
	require.NoError(t, db.CreateSchema(ctx))
	return db
}

func TestIntegration_PushConflictAndPull(t *testing.T) {
	db := startPostgres(t)
	ctx := context.Background()
	repo := NewRepository(db, logger.Discard())

	id := uuid.New().String()
	create := specialistChange(id, "Dr. Wanjiru", 0)
	create.Operation = types.OpCreate

	result, err := repo.ApplyChange(ctx, "clinic-3", &create)
	require.NoError(t, err)
	assert.Equal(t, types.PushApplied, result.Outcome)
	assert.Equal(t, int64(1), result.Version)

	stale := specialistChange(id, "Dr. W. Kamau", 0)
	result, err = repo.ApplyChange(ctx, "clinic-7", &stale)
	require.NoError(t, err)
	assert.Equal(t, types.PushConflict, result.Outcome)
	require.NotNil(t, result.Remote)
	assert.Equal(t, int64(1), result.Remote.Version)

	update := specialistChange(id, "Dr. W. Kamau", 1)
	result, err = repo.ApplyChange(ctx, "clinic-7", &update)
	require.NoError(t, err)
	assert.Equal(t, types.PushApplied, result.Outcome)
	assert.Equal(t, int64(2), result.Version)

	forOther, err := repo.ChangesSince(ctx, "clinic-3", 0, 10)
	require.NoError(t, err)
	require.Len(t, forOther, 1)
	assert.Equal(t, "clinic-7", forOther[0].OriginDevice)
	assert.Equal(t, int64(2), forOther[0].Version)

	forSelf, err := repo.ChangesSince(ctx, "clinic-7", 0, 10)
	require.NoError(t, err)
	require.Len(t, forSelf, 1)
	assert.Equal(t, types.OpCreate, forSelf[0].Operation)

	del := specialistChange(id, "", 2)
	del.Operation = types.OpDelete
	del.Payload = nil
	result, err = repo.ApplyChange(ctx, "clinic-3", &del)
	require.NoError(t, err)
	assert.Equal(t, types.PushApplied, result.Outcome)

	again := specialistChange(id, "Dr. Back", 3)
	result, err = repo.ApplyChange(ctx, "clinic-7", &again)
	require.NoError(t, err)
	assert.Equal(t, types.PushRejected, result.Outcome)
}

func TestIntegration_ConcurrentPushesReachEveryPuller(t *testing.T) {
	db := startPostgres(t)
	ctx := context.Background()
	repo := NewRepository(db, logger.Discard())

	const perDevice = 60
	devices := []string{"clinic-1", "clinic-2"}

	var wg sync.WaitGroup
	errs := make(chan error, len(devices))
	for _, device := range devices {
		wg.Add(1)
		go func(device string) {
			defer wg.Done()
			for i := 0; i < perDevice; i++ {
				change := specialistChange(uuid.New().String(), fmt.Sprintf("Dr. %s %d", device, i), 0)
				change.Operation = types.OpCreate
				if _, err := repo.ApplyChange(ctx, device, &change); err != nil {
					errs <- err
					return
				}
			}
		}(device)
	}

	pushing := make(chan struct{})
	go func() {
		wg.Wait()
		close(pushing)
	}()

	// the reader advances its cursor exactly like a device pulling pages
	seen := make(map[string]bool)
	var cursor int64
	drain := func() {
		for {
			page, err := repo.ChangesSince(ctx, "clinic-9", cursor, 7)
			require.NoError(t, err)
			if len(page) == 0 {
				return
			}
			for _, c := range page {
				seen[c.EntityID] = true
			}
			cursor = page[len(page)-1].Seq
		}
	}

	for done := false; !done; {
		select {
		case <-pushing:
			done = true
		default:
			drain()
		}
	}
	drain()

	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	assert.Len(t, seen, perDevice*len(devices))
}
