package replication

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/rockstor/replicad/internal/db"
	"github.com/rockstor/replicad/internal/ipc"
	"github.com/rockstor/replicad/internal/metrics"
	"github.com/rockstor/replicad/internal/repositories"
)

// gatedSender blocks every Send until released or cancelled.
type gatedSender struct {
	mu      sync.Mutex
	calls   map[uint]int
	started chan uint
	release chan struct{}
}

func newGatedSender() *gatedSender {
	return &gatedSender{
		calls:   map[uint]int{},
		started: make(chan uint, 16),
		release: make(chan struct{}),
	}
}

func (s *gatedSender) Send(ctx context.Context, id uint) error {
	s.mu.Lock()
	s.calls[id]++
	s.mu.Unlock()
	s.started <- id
	select {
	case <-s.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *gatedSender) count(id uint) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[id]
}

func waitStarted(t *testing.T, s *gatedSender) uint {
	t.Helper()
	select {
	case id := <-s.started:
		return id
	case <-time.After(5 * time.Second):
		t.Fatal("send worker did not start")
		return 0
	}
}

func newTestBroker(t *testing.T) (*Broker, *gatedSender, repositories.ReplicaRepository) {
	t.Helper()
	gdb := newTestDB(t)
	ctx := context.Background()
	pool := &db.Pool{Name: "pool0"}
	require.NoError(t, repositories.NewPoolRepository(gdb).Create(ctx, pool))
	share := &db.Share{PoolID: pool.ID, Name: "docs"}
	require.NoError(t, repositories.NewShareRepository(gdb).Create(ctx, share))

	replicas := repositories.NewReplicaRepository(gdb)
	for i := 0; i < 2; i++ {
		require.NoError(t, replicas.Create(ctx, &db.Replica{
			ShareID: share.ID, ApplianceIP: "10.0.0.2", DestPool: "backup", Enabled: true,
		}))
	}

	sender := newGatedSender()
	b := NewBroker(replicas, sender, metrics.New(), zap.NewNop())
	t.Cleanup(func() {
		b.Shutdown()
		b.Wait()
	})
	return b, sender, replicas
}

func request(t *testing.T, b *Broker, parts ...string) *ipc.Frames {
	t.Helper()
	reply, err := b.Request(context.Background(), ipc.NewFrames(parts...))
	require.NoError(t, err)
	return reply
}

func TestBroker_CoalescesWhileSending(t *testing.T) {
	b, sender, _ := newTestBroker(t)

	reply := request(t, b, CmdNewSend, "1")
	assert.Equal(t, []string{ipc.ReplySuccess, ReplyStarted}, []string{reply.Command(), reply.Arg(1)})
	assert.EqualValues(t, 1, waitStarted(t, sender))

	for i := 0; i < 3; i++ {
		reply = request(t, b, CmdNewSend, "1")
		assert.Equal(t, ReplyCoalesced, reply.Arg(1))
	}
	active := b.Active()
	require.Len(t, active, 1)
	assert.True(t, active[0].RerunPending)

	sender.release <- struct{}{}
	waitStarted(t, sender)
	active = b.Active()
	require.Len(t, active, 1)
	assert.False(t, active[0].RerunPending)
	assert.Equal(t, 2, active[0].Runs)

	sender.release <- struct{}{}
	require.Eventually(t, func() bool { return len(b.Active()) == 0 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 2, sender.count(1), "three coalesced requests cause exactly one rerun")
}

func TestBroker_OneWorkerPerReplica(t *testing.T) {
	b, sender, _ := newTestBroker(t)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		replies = map[string]int{}
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			reply, err := b.Request(context.Background(), ipc.NewFrames(CmdNewSend, "1"))
			if err != nil {
				return
			}
			mu.Lock()
			replies[reply.Arg(1)]++
			mu.Unlock()
		}()
	}
	wg.Wait()
	waitStarted(t, sender)

	assert.Equal(t, 1, replies[ReplyStarted])
	assert.Equal(t, 19, replies[ReplyCoalesced])
	assert.Equal(t, 1, sender.count(1))
}

func TestBroker_IndependentReplicas(t *testing.T) {
	b, sender, _ := newTestBroker(t)

	assert.Equal(t, ReplyStarted, request(t, b, CmdNewSend, "1").Arg(1))
	assert.Equal(t, ReplyStarted, request(t, b, CmdNewSend, "2").Arg(1))
	waitStarted(t, sender)
	waitStarted(t, sender)

	reply := request(t, b, CmdStatus)
	require.Equal(t, ipc.ReplySuccess, reply.Command())
	var active []ActiveSend
	require.NoError(t, json.Unmarshal([]byte(reply.Arg(1)), &active))
	require.Len(t, active, 2)
	assert.EqualValues(t, 1, active[0].ReplicaID)
	assert.EqualValues(t, 2, active[1].ReplicaID)
}

func TestBroker_Rejections(t *testing.T) {
	b, _, replicas := newTestBroker(t)
	ctx := context.Background()

	r, err := replicas.GetByID(ctx, 2)
	require.NoError(t, err)
	r.Enabled = false
	require.NoError(t, replicas.Update(ctx, r))

	cases := map[string][]string{
		"unknown command": {"resend", "1"},
		"missing id":      {CmdNewSend},
		"extra frames":    {CmdNewSend, "1", "2"},
		"non-numeric id":  {CmdNewSend, "one"},
		"zero id":         {CmdNewSend, "0"},
		"unknown replica": {CmdNewSend, "99"},
		"disabled":        {CmdNewSend, "2"},
	}
	for name, parts := range cases {
		t.Run(name, func(t *testing.T) {
			reply := request(t, b, parts...)
			assert.Equal(t, ipc.ReplyError, reply.Command())
			assert.NotEmpty(t, reply.Arg(1))
		})
	}
	assert.Empty(t, b.Active())
}

func TestBroker_OutsideWindow(t *testing.T) {
	b, sender, replicas := newTestBroker(t)
	ctx := context.Background()
	b.now = func() time.Time { return time.Date(2026, 10, 14, 22, 30, 0, 0, time.UTC) }

	r, err := replicas.GetByID(ctx, 1)
	require.NoError(t, err)
	r.CrontabWindow = "08-00-17-00-*-*"
	require.NoError(t, replicas.Update(ctx, r))

	reply := request(t, b, CmdNewSend, "1")
	assert.Equal(t, ipc.ReplySuccess, reply.Command())
	assert.Empty(t, b.Active())
	assert.Zero(t, sender.count(1))
}

func TestBroker_ShutdownCancelsWorkers(t *testing.T) {
	b, sender, _ := newTestBroker(t)

	request(t, b, CmdNewSend, "1")
	waitStarted(t, sender)
	request(t, b, CmdNewSend, "1")

	b.Shutdown()
	b.Wait()
	assert.Equal(t, 1, sender.count(1), "a pending rerun is dropped on shutdown")
	assert.Equal(t, ipc.ReplyError, request(t, b, CmdNewSend, "1").Command())
}

func TestBroker_ServeOverSocket(t *testing.T) {
	b, sender, _ := newTestBroker(t)
	path := t.TempDir() + "/b.sock"
	lis, err := ipc.Listen(path)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Serve(ctx, lis) }()

	c := newTestClient(t, path, 2*time.Second)
	payload, err := c.RequestNewSend(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, ReplyStarted, payload)
	waitStarted(t, sender)

	status, err := c.Status(context.Background())
	require.NoError(t, err)
	assert.Contains(t, status, `"replica_id":1`)

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
	assert.Empty(t, b.Active())
}
