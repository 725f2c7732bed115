package replication

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/rockstor/replicad/internal/crontab"
	"github.com/rockstor/replicad/internal/ipc"
	"github.com/rockstor/replicad/internal/metrics"
	"github.com/rockstor/replicad/internal/repositories"
)

// ActiveSend describes a running send worker.
type ActiveSend struct {
	ReplicaID    uint      `json:"replica_id"`
	Since        time.Time `json:"since"`
	Runs         int       `json:"runs"`
	RerunPending bool      `json:"rerun_pending"`
}

// sendHandle is the worker table entry of one replica.
type sendHandle struct {
	replicaID uint
	since     time.Time
	runs      int
	rerun     bool
}

// Broker serves replicad.Broker. Its worker table guarantees at most one
// send worker per replica: a new-send for a replica that is already sending
// is coalesced into a single rerun that starts when the current send ends.
type Broker struct {
	replicas repositories.ReplicaRepository
	sender   Sender
	metrics  *metrics.Registry
	logger   *zap.Logger
	now      func() time.Time

	base   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	workers map[uint]*sendHandle
	closed  bool
}

var _ ipc.BrokerServer = (*Broker)(nil)

// NewBroker returns a Broker dispatching to sender. metrics may be nil.
func NewBroker(replicas repositories.ReplicaRepository, sender Sender, m *metrics.Registry, logger *zap.Logger) *Broker {
	base, cancel := context.WithCancel(context.Background())
	return &Broker{
		replicas: replicas,
		sender:   sender,
		metrics:  m,
		logger:   logger.Named("broker"),
		now:      time.Now,
		base:     base,
		cancel:   cancel,
		workers:  make(map[uint]*sendHandle),
	}
}

// Request handles one IPC request. Protocol errors are ERROR replies, never
// RPC errors, so clients always get a [command, payload] answer.
func (b *Broker) Request(ctx context.Context, req *ipc.Frames) (*ipc.Frames, error) {
	var reply *ipc.Frames
	switch req.Command() {
	case CmdNewSend:
		reply = b.newSend(ctx, req)
	case CmdStatus:
		reply = b.status()
	default:
		reply = ipc.Error(fmt.Sprintf("unknown command %q", req.Command()))
	}
	ok := reply.Command() == ipc.ReplySuccess
	b.metrics.ObserveRequest(req.Command(), ok)
	if !ok {
		b.logger.Warn("request rejected", zap.String("command", req.Command()), zap.String("reason", reply.Arg(1)))
	}
	return reply, nil
}

func (b *Broker) newSend(ctx context.Context, req *ipc.Frames) *ipc.Frames {
	if req.Len() != 2 {
		return ipc.Error("new-send takes exactly one replica id")
	}
	id, err := strconv.ParseUint(req.Arg(1), 10, 64)
	if err != nil || id == 0 {
		return ipc.Error(fmt.Sprintf("invalid replica id %q", req.Arg(1)))
	}

	replica, err := b.replicas.GetByID(ctx, uint(id))
	if errors.Is(err, repositories.ErrNotFound) {
		return ipc.Error(fmt.Sprintf("replica %d does not exist", id))
	}
	if err != nil {
		b.logger.Error("failed to load replica", zap.Uint64("replica_id", id), zap.Error(err))
		return ipc.Error(fmt.Sprintf("failed to load replica %d", id))
	}
	if !replica.Enabled {
		return ipc.Error(fmt.Sprintf("replica %d is disabled", id))
	}
	in, err := crontab.InWindow(replica.CrontabWindow, b.now())
	if err != nil {
		return ipc.Error(fmt.Sprintf("replica %d: %v", id, err))
	}
	if !in {
		b.logger.Info("outside crontab window, not sending", zap.Uint("replica_id", replica.ID))
		return ipc.Success("outside crontab window")
	}
	return b.dispatch(replica.ID)
}

// dispatch starts a worker for id or coalesces into the running one.
func (b *Broker) dispatch(id uint) *ipc.Frames {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ipc.Error("broker is shutting down")
	}
	if h, ok := b.workers[id]; ok {
		if !h.rerun {
			h.rerun = true
			b.logger.Info("send in progress, rerun queued", zap.Uint("replica_id", id))
		}
		return ipc.Success(ReplyCoalesced)
	}

	h := &sendHandle{replicaID: id, since: b.now()}
	b.workers[id] = h
	b.wg.Add(1)
	go b.work(h)
	return ipc.Success(ReplyStarted)
}

func (b *Broker) work(h *sendHandle) {
	defer b.wg.Done()
	log := b.logger.With(zap.Uint("replica_id", h.replicaID))

	for {
		b.mu.Lock()
		h.runs++
		b.mu.Unlock()

		log.Info("send worker started")
		b.metrics.SendStarted()
		err := b.sender.Send(b.base, h.replicaID)
		b.metrics.SendFinished()
		if err != nil {
			log.Warn("send worker ended with error", zap.Error(err))
		} else {
			log.Info("send worker finished")
		}

		b.mu.Lock()
		if h.rerun && b.base.Err() == nil {
			h.rerun = false
			h.since = b.now()
			b.mu.Unlock()
			continue
		}
		delete(b.workers, h.replicaID)
		b.mu.Unlock()
		return
	}
}

// Active lists running sends ordered by replica id.
func (b *Broker) Active() []ActiveSend {
	b.mu.Lock()
	out := make([]ActiveSend, 0, len(b.workers))
	for _, h := range b.workers {
		out = append(out, ActiveSend{ReplicaID: h.replicaID, Since: h.since, Runs: h.runs, RerunPending: h.rerun})
	}
	b.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ReplicaID < out[j].ReplicaID })
	return out
}

func (b *Broker) status() *ipc.Frames {
	body, err := json.Marshal(b.Active())
	if err != nil {
		return ipc.Error(err.Error())
	}
	return ipc.Success(string(body))
}

// Shutdown stops accepting sends and cancels running workers.
func (b *Broker) Shutdown() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	b.cancel()
}

// Wait blocks until every worker has exited.
func (b *Broker) Wait() {
	b.wg.Wait()
}
