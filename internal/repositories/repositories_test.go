package repositories

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/rockstor/replicad/internal/db"
	"github.com/rockstor/replicad/internal/types"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	gdb, err := db.New(db.Config{Driver: "sqlite", DSN: ":memory:", Logger: zap.NewNop()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close(gdb) })
	return gdb
}

func seedShare(t *testing.T, gdb *gorm.DB) (*db.Pool, *db.Share) {
	t.Helper()
	ctx := context.Background()
	pool := &db.Pool{Name: "pool0", MountPoint: "/mnt2/pool0"}
	require.NoError(t, NewPoolRepository(gdb).Create(ctx, pool))
	share := &db.Share{PoolID: pool.ID, Name: "docs", Subvol: "docs"}
	require.NoError(t, NewShareRepository(gdb).Create(ctx, share))
	return pool, share
}

func TestShareRepository_GetByName(t *testing.T) {
	gdb := newTestDB(t)
	pool, share := seedShare(t, gdb)
	repo := NewShareRepository(gdb)

	got, err := repo.GetByName(context.Background(), pool.ID, "docs")
	require.NoError(t, err)
	assert.Equal(t, share.ID, got.ID)

	_, err = repo.GetByName(context.Background(), pool.ID, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	err = repo.Create(context.Background(), &db.Share{PoolID: pool.ID, Name: "docs"})
	assert.ErrorIs(t, err, ErrConflict)
}

func TestSnapshotRepository_ListNewestFirst(t *testing.T) {
	gdb := newTestDB(t)
	_, share := seedShare(t, gdb)
	repo := NewSnapshotRepository(gdb)
	ctx := context.Background()

	for _, s := range []struct {
		name string
		typ  types.SnapType
	}{
		{"daily_202601010000", types.SnapTypeTaskScheduler},
		{"daily_202601020000", types.SnapTypeTaskScheduler},
		{"dailyx_202601020000", types.SnapTypeTaskScheduler},
		{"daily_manual", types.SnapTypeAdmin},
		{"daily_202601030000", types.SnapTypeTaskScheduler},
	} {
		require.NoError(t, repo.Create(ctx, &db.Snapshot{ShareID: share.ID, Name: s.name, SnapType: s.typ}))
	}

	snaps, err := repo.ListNewestFirst(ctx, SnapshotFilter{
		ShareID:  share.ID,
		Prefix:   "daily",
		SnapType: types.SnapTypeTaskScheduler,
	})
	require.NoError(t, err)

	var names []string
	for _, s := range snaps {
		names = append(names, s.Name)
	}
	assert.Equal(t, []string{"daily_202601030000", "daily_202601020000", "daily_202601010000"}, names)

	err = repo.Create(ctx, &db.Snapshot{ShareID: share.ID, Name: "daily_202601010000"})
	assert.ErrorIs(t, err, ErrConflict)

	require.NoError(t, repo.Delete(ctx, snaps[0].ID))
	assert.ErrorIs(t, repo.Delete(ctx, snaps[0].ID), ErrNotFound)
}

func TestTaskRepository_LatestAndPrune(t *testing.T) {
	gdb := newTestDB(t)
	ctx := context.Background()
	def := &db.TaskDefinition{Name: "scrub-pool0", TaskType: types.TaskTypeScrub, JSONMeta: `{"pool":"1"}`}
	require.NoError(t, NewTaskDefinitionRepository(gdb).Create(ctx, def))
	repo := NewTaskRepository(gdb)

	_, err := repo.Latest(ctx, def.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 7; i++ {
		require.NoError(t, repo.Create(ctx, &db.Task{
			TaskDefID: def.ID,
			State:     types.TaskStateFinished,
			Start:     base.Add(time.Duration(i) * time.Hour),
		}))
	}

	latest, err := repo.Latest(ctx, def.ID)
	require.NoError(t, err)
	assert.Equal(t, base.Add(6*time.Hour), latest.Start.UTC())

	n, err := repo.PruneForDefinition(ctx, def.ID, 5)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	tasks, err := repo.ListByDefinition(ctx, def.ID, ListOptions{})
	require.NoError(t, err)
	require.Len(t, tasks, 5)
	assert.Equal(t, base.Add(2*time.Hour), tasks[len(tasks)-1].Start.UTC(), "oldest starts go first")

	n, err = repo.PruneForDefinition(ctx, def.ID, 5)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func seedReplica(t *testing.T, gdb *gorm.DB) *db.Replica {
	t.Helper()
	_, share := seedShare(t, gdb)
	replica := &db.Replica{ShareID: share.ID, ApplianceIP: "10.0.0.2", DestPool: "backup", Enabled: true}
	require.NoError(t, NewReplicaRepository(gdb).Create(context.Background(), replica))
	return replica
}

func TestReplicaTrailRepository_LatestSucceeded(t *testing.T) {
	gdb := newTestDB(t)
	replica := seedReplica(t, gdb)
	repo := NewReplicaTrailRepository(gdb)
	ctx := context.Background()

	_, err := repo.LatestSucceeded(ctx, replica.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	for i, st := range []types.TrailStatus{types.TrailSucceeded, types.TrailSucceeded, types.TrailFailed} {
		require.NoError(t, repo.Create(ctx, &db.ReplicaTrail{
			ReplicaID: replica.ID,
			SnapName:  fmt.Sprintf("docs_%d_replication_%d", replica.ID, i+1),
			Status:    st,
		}))
	}

	got, err := repo.LatestSucceeded(ctx, replica.ID)
	require.NoError(t, err)
	assert.Equal(t, fmt.Sprintf("docs_%d_replication_2", replica.ID), got.SnapName)

	latest, err := repo.Latest(ctx, replica.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TrailFailed, latest.Status)

	n, err := repo.Count(ctx, replica.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)
}

func TestReplicaTrailRepository_PruneOlderThan(t *testing.T) {
	gdb := newTestDB(t)
	replica := seedReplica(t, gdb)
	repo := NewReplicaTrailRepository(gdb)
	ctx := context.Background()

	old := time.Now().UTC().AddDate(0, 0, -60)
	for i := 0; i < 8; i++ {
		require.NoError(t, repo.Create(ctx, &db.ReplicaTrail{
			Base:      db.Base{CreatedAt: old.Add(time.Duration(i) * time.Minute)},
			ReplicaID: replica.ID,
			SnapName:  fmt.Sprintf("s%d", i),
			Status:    types.TrailSucceeded,
		}))
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -30)

	t.Run("no-op at or below keepMin", func(t *testing.T) {
		n, err := repo.PruneOlderThan(ctx, replica.ID, cutoff, 8)
		require.NoError(t, err)
		assert.Zero(t, n)
	})

	t.Run("keeps the newest keepMin regardless of age", func(t *testing.T) {
		n, err := repo.PruneOlderThan(ctx, replica.ID, cutoff, 5)
		require.NoError(t, err)
		assert.EqualValues(t, 3, n)

		trails, err := repo.List(ctx, replica.ID, ListOptions{})
		require.NoError(t, err)
		require.Len(t, trails, 5)
		assert.Equal(t, "s3", trails[len(trails)-1].SnapName)
	})

	t.Run("idempotent", func(t *testing.T) {
		n, err := repo.PruneOlderThan(ctx, replica.ID, cutoff, 5)
		require.NoError(t, err)
		assert.Zero(t, n)
	})
}

func TestReplicaShareRepository_GetOrCreate(t *testing.T) {
	gdb := newTestDB(t)
	repo := NewReplicaShareRepository(gdb)
	ctx := context.Background()

	first, created, err := repo.GetOrCreate(ctx, &db.ReplicaShare{
		Share: "docs_replica", Pool: "backup", Appliance: "uuid-a", SrcShare: "docs",
	})
	require.NoError(t, err)
	assert.True(t, created)

	again, created, err := repo.GetOrCreate(ctx, &db.ReplicaShare{
		Share: "other", Pool: "backup", Appliance: "uuid-a", SrcShare: "docs",
	})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, again.ID)
	assert.Equal(t, "docs_replica", again.Share)
}

func TestCascadeDeleteRemovesTrails(t *testing.T) {
	gdb := newTestDB(t)
	replica := seedReplica(t, gdb)
	ctx := context.Background()
	trails := NewReplicaTrailRepository(gdb)
	require.NoError(t, trails.Create(ctx, &db.ReplicaTrail{ReplicaID: replica.ID, SnapName: "s1"}))

	require.NoError(t, gdb.Delete(&db.Replica{}, replica.ID).Error)

	n, err := trails.Count(ctx, replica.ID)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestReplicaTrailRepository_SaveRefusesEndedTrail(t *testing.T) {
	gdb := newTestDB(t)
	replica := seedReplica(t, gdb)
	repo := NewReplicaTrailRepository(gdb)
	ctx := context.Background()

	tr := &db.ReplicaTrail{ReplicaID: replica.ID, SnapName: "docs_1_replication_1"}
	require.NoError(t, repo.Create(ctx, tr))

	tr.Status = types.TrailSucceeded
	tr.KBSent = 12
	require.NoError(t, repo.Save(ctx, tr), "a pending row may end")

	tr.Status = types.TrailFailed
	tr.Error = "rewritten"
	assert.ErrorIs(t, repo.Save(ctx, tr), ErrTrailClosed)

	got, err := repo.GetByID(ctx, tr.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TrailSucceeded, got.Status)
	assert.EqualValues(t, 12, got.KBSent)
	assert.Empty(t, got.Error)

	missing := &db.ReplicaTrail{Base: db.Base{ID: 9999}, ReplicaID: replica.ID}
	assert.ErrorIs(t, repo.Save(ctx, missing), ErrNotFound)
}

func TestReceiveTrailRepository_ListPendingAndSave(t *testing.T) {
	gdb := newTestDB(t)
	ctx := context.Background()
	rs, _, err := NewReplicaShareRepository(gdb).GetOrCreate(ctx, &db.ReplicaShare{
		Share: "a_docs", Pool: "pool0", Appliance: "a", SrcShare: "docs",
	})
	require.NoError(t, err)
	repo := NewReceiveTrailRepository(gdb)

	open := &db.ReceiveTrail{RShareID: rs.ID, SnapName: "s1"}
	require.NoError(t, repo.Create(ctx, open))
	require.NoError(t, repo.Create(ctx, &db.ReceiveTrail{RShareID: rs.ID, SnapName: "s2", Status: types.TrailFailed}))

	pending, err := repo.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, open.ID, pending[0].ID)

	open.Status = types.TrailFailed
	open.Error = "stream reset"
	require.NoError(t, repo.Save(ctx, open))
	assert.ErrorIs(t, repo.Save(ctx, open), ErrTrailClosed)

	pending, err = repo.ListPending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}
