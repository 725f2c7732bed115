package replication

import (
	"context"
	"net"
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/rockstor/replicad/internal/btrfs/btrfstest"
	"github.com/rockstor/replicad/internal/db"
	"github.com/rockstor/replicad/internal/repositories"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	gdb, err := db.New(db.Config{DSN: ":memory:", Logger: zap.NewNop()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close(gdb) })
	return gdb
}

// sendSide is the sending appliance: pool0/docs with one replica.
type sendSide struct {
	gdb     *gorm.DB
	fs      *btrfstest.Fake
	worker  *SendWorker
	replica *db.Replica
	share   *db.Share
	trails  repositories.ReplicaTrailRepository
	snaps   repositories.SnapshotRepository
}

func newSendSide(t *testing.T, dataPort int) *sendSide {
	t.Helper()
	ctx := context.Background()
	gdb := newTestDB(t)
	s := &sendSide{
		gdb:    gdb,
		fs:     btrfstest.New(),
		trails: repositories.NewReplicaTrailRepository(gdb),
		snaps:  repositories.NewSnapshotRepository(gdb),
	}
	pools := repositories.NewPoolRepository(gdb)
	shares := repositories.NewShareRepository(gdb)
	replicas := repositories.NewReplicaRepository(gdb)

	pool := &db.Pool{Name: "pool0"}
	require.NoError(t, pools.Create(ctx, pool))
	s.share = &db.Share{PoolID: pool.ID, Name: "docs", Subvol: "docs"}
	require.NoError(t, shares.Create(ctx, s.share))
	s.replica = &db.Replica{
		ShareID:     s.share.ID,
		ApplianceIP: "127.0.0.1",
		DestPool:    "backup",
		Enabled:     true,
		DataPort:    dataPort,
	}
	require.NoError(t, replicas.Create(ctx, s.replica))

	s.worker = NewSendWorker(SendDeps{
		Replicas:  replicas,
		Trails:    s.trails,
		Pools:     pools,
		Shares:    shares,
		Snapshots: s.snaps,
		FS:        s.fs,
		Logger:    zap.NewNop(),
	}, SendOptions{ApplianceUUID: "src-uuid", ChunkSize: 4096})
	return s
}

// receiveSide is the receiving appliance with a "backup" pool, serving on a
// loopback port.
type receiveSide struct {
	fs       *btrfstest.Fake
	receiver *Receiver
	trails   repositories.ReceiveTrailRepository
	rshares  repositories.ReplicaShareRepository
	snaps    repositories.SnapshotRepository
	shares   repositories.ShareRepository
	pool     *db.Pool
	port     int
}

func newReceiveSide(t *testing.T) *receiveSide {
	t.Helper()
	ctx := context.Background()
	gdb := newTestDB(t)
	r := &receiveSide{
		fs:      btrfstest.New(),
		trails:  repositories.NewReceiveTrailRepository(gdb),
		rshares: repositories.NewReplicaShareRepository(gdb),
		snaps:   repositories.NewSnapshotRepository(gdb),
		shares:  repositories.NewShareRepository(gdb),
	}
	pools := repositories.NewPoolRepository(gdb)
	r.pool = &db.Pool{Name: "backup"}
	require.NoError(t, pools.Create(ctx, r.pool))

	r.receiver = NewReceiver(ReceiveDeps{
		Pools:     pools,
		Shares:    r.shares,
		Snapshots: r.snaps,
		RShares:   r.rshares,
		Trails:    r.trails,
		FS:        r.fs,
		Logger:    zap.NewNop(),
	})

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	r.port = lis.Addr().(*net.TCPAddr).Port

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = r.receiver.Serve(ctx, lis)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return r
}

func itoa(n int) string { return strconv.Itoa(n) }
