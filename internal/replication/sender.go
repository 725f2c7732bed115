package replication

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/grpc/status"

	"github.com/rockstor/replicad/internal/btrfs"
	"github.com/rockstor/replicad/internal/db"
	"github.com/rockstor/replicad/internal/ipc"
	"github.com/rockstor/replicad/internal/metrics"
	"github.com/rockstor/replicad/internal/notification"
	"github.com/rockstor/replicad/internal/repositories"
	"github.com/rockstor/replicad/internal/retention"
	"github.com/rockstor/replicad/internal/trail"
	"github.com/rockstor/replicad/internal/types"
)

// DefaultKeepSnapshots is how many replication snapshots a replica keeps on
// the sending side.
const DefaultKeepSnapshots = 3

// Sender runs one send for a replica. The broker calls it from a worker
// goroutine and never runs two sends of one replica at once.
type Sender interface {
	Send(ctx context.Context, replicaID uint) error
}

// DialFunc opens a connection to a receive listener.
type DialFunc func(target string) (*ipc.Conn, error)

// SendDeps are the collaborators of a SendWorker. Notifier and Metrics are
// optional.
type SendDeps struct {
	Replicas  repositories.ReplicaRepository
	Trails    repositories.ReplicaTrailRepository
	Pools     repositories.PoolRepository
	Shares    repositories.ShareRepository
	Snapshots repositories.SnapshotRepository
	FS        btrfs.FilesystemOps
	Notifier  notification.Service
	Metrics   *metrics.Registry
	Logger    *zap.Logger
}

// SendOptions tune a SendWorker.
type SendOptions struct {
	// ApplianceUUID identifies this appliance to receivers.
	ApplianceUUID string
	// KeepSnapshots bounds the replication snapshots kept per replica.
	KeepSnapshots int
	ChunkSize     int
	Dial          DialFunc
	Now           func() time.Time
}

// SendWorker snapshots a replica's share and streams it to the remote
// receive listener, recording the attempt as a ReplicaTrail.
type SendWorker struct {
	SendDeps
	opts   SendOptions
	pruner *retention.Pruner
	logger *zap.Logger
}

var _ Sender = (*SendWorker)(nil)

// NewSendWorker returns a SendWorker.
func NewSendWorker(d SendDeps, opts SendOptions) *SendWorker {
	if opts.KeepSnapshots <= 0 {
		opts.KeepSnapshots = DefaultKeepSnapshots
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}
	if opts.Dial == nil {
		opts.Dial = func(target string) (*ipc.Conn, error) { return ipc.Dial(target) }
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if d.Notifier == nil {
		d.Notifier = notification.Nop()
	}
	return &SendWorker{
		SendDeps: d,
		opts:     opts,
		pruner:   retention.NewPruner(d.Snapshots, d.FS, d.Logger),
		logger:   d.Logger.Named("sender"),
	}
}

// Send performs one send of replicaID. Failures after the trail row exists
// are recorded on it; the returned error is for logging only.
func (w *SendWorker) Send(ctx context.Context, replicaID uint) error {
	log := w.logger.With(zap.Uint("replica_id", replicaID))

	replica, err := w.Replicas.GetByID(ctx, replicaID)
	if err != nil {
		return fmt.Errorf("sender: load replica %d: %w", replicaID, err)
	}
	share, err := w.Shares.GetByID(ctx, replica.ShareID)
	if err != nil {
		return fmt.Errorf("sender: load share %d: %w", replica.ShareID, err)
	}
	pool, err := w.Pools.GetByID(ctx, share.PoolID)
	if err != nil {
		return fmt.Errorf("sender: load pool %d: %w", share.PoolID, err)
	}
	ref := btrfs.ShareRef{Pool: pool.Name, Share: share.Name}

	n, err := w.nextNumber(ctx, replica.ID)
	if err != nil {
		return err
	}
	name := SnapshotName(share.Name, replica.ID, n)

	var parent string
	last, err := w.Trails.LatestSucceeded(ctx, replica.ID)
	switch {
	case err == nil:
		parent = last.SnapName
	case !errors.Is(err, repositories.ErrNotFound):
		return fmt.Errorf("sender: find last successful send: %w", err)
	}
	log = log.With(zap.String("snapshot", name), zap.String("parent", parent))

	if err := w.FS.CreateSnapshot(ctx, ref, name, btrfs.SnapshotOptions{}); err != nil {
		log.Error("failed to create replication snapshot", zap.Error(err))
		return fmt.Errorf("sender: create snapshot: %w", err)
	}
	err = w.Snapshots.Create(ctx, &db.Snapshot{ShareID: share.ID, Name: name, SnapType: types.SnapTypeReplication})
	if err != nil {
		return fmt.Errorf("sender: record snapshot: %w", err)
	}

	tr := trail.NewReplica(replica.ID, name, w.opts.Now())
	if err := w.Trails.Create(ctx, tr); err != nil {
		return fmt.Errorf("sender: create trail: %w", err)
	}
	if err := trail.SendPending(tr, w.opts.Now()); err != nil {
		return err
	}
	if err := w.Trails.Save(ctx, tr); err != nil {
		return fmt.Errorf("sender: save trail: %w", err)
	}

	hdr := Header{
		SessionID:     uuid.NewString(),
		ApplianceUUID: w.opts.ApplianceUUID,
		SrcShare:      share.Name,
		DestPool:      replica.DestPool,
		DestShare:     replica.DestShare,
		SnapName:      name,
		Incremental:   parent != "",
		Parent:        parent,
	}
	target := net.JoinHostPort(replica.ApplianceIP, strconv.Itoa(replica.DataPort))
	log.Info("sending snapshot", zap.String("target", target), zap.Bool("incremental", hdr.Incremental))

	kb, sent, err := w.stream(ctx, target, ref, hdr)
	if err != nil {
		return w.fail(ctx, log, tr, sent, err)
	}

	if err := trail.SendSucceeded(tr, kb, w.opts.Now()); err != nil {
		return err
	}
	// The receiver already holds the snapshot, so the outcome is recorded
	// even when shutdown cancelled ctx in the meantime.
	if err := w.Trails.Save(context.WithoutCancel(ctx), tr); err != nil {
		return fmt.Errorf("sender: save trail: %w", err)
	}
	w.Metrics.ObserveSend(true, sent)
	log.Info("send succeeded", zap.Int64("kb_sent", kb))

	keep := retention.Target{
		Share:    ref,
		ShareID:  share.ID,
		Prefix:   SnapshotPrefix(share.Name, replica.ID),
		SnapType: types.SnapTypeReplication,
	}
	if _, err := w.pruner.Prune(ctx, keep, w.opts.KeepSnapshots); err != nil {
		log.Warn("failed to prune old replication snapshots", zap.Error(err))
	}
	return nil
}

// nextNumber continues the numbering of the latest trail. Trail retention
// deletes old rows, so the row count alone could go backwards.
func (w *SendWorker) nextNumber(ctx context.Context, replicaID uint) (int64, error) {
	count, err := w.Trails.Count(ctx, replicaID)
	if err != nil {
		return 0, fmt.Errorf("sender: count trails: %w", err)
	}
	last, err := w.Trails.Latest(ctx, replicaID)
	if errors.Is(err, repositories.ErrNotFound) {
		return count + 1, nil
	}
	if err != nil {
		return 0, fmt.Errorf("sender: latest trail: %w", err)
	}
	if i := strings.LastIndexByte(last.SnapName, '_'); i >= 0 {
		if n, err := strconv.ParseInt(last.SnapName[i+1:], 10, 64); err == nil && n >= count {
			return n + 1, nil
		}
	}
	return count + 1, nil
}

func (w *SendWorker) fail(ctx context.Context, log *zap.Logger, tr *db.ReplicaTrail, sent int64, cause error) error {
	ctx = context.WithoutCancel(ctx)
	msg := status.Convert(cause).Message()
	log.Error("send failed", zap.Error(cause))
	w.Metrics.ObserveSend(false, sent)

	if err := trail.SendFailed(tr, msg, w.opts.Now()); err != nil {
		return err
	}
	if err := w.Trails.Save(ctx, tr); err != nil {
		return fmt.Errorf("sender: save failed trail: %w", err)
	}
	if err := w.Notifier.SendFailed(ctx, tr.ReplicaID, tr.SnapName, msg); err != nil {
		log.Warn("failed to deliver notification", zap.Error(err))
	}
	return fmt.Errorf("sender: %w", cause)
}

// stream runs the btrfs send into a Receive call and returns the kb count the
// receiver acknowledged along with the bytes read from btrfs.
func (w *SendWorker) stream(ctx context.Context, target string, ref btrfs.ShareRef, hdr Header) (kb, sent int64, err error) {
	conn, err := w.opts.Dial(target)
	if err != nil {
		return 0, 0, err
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stream, err := ipc.OpenReceive(ctx, conn.Client())
	if err != nil {
		return 0, 0, fmt.Errorf("open stream to %s: %w", target, err)
	}
	begin, err := beginFrames(hdr)
	if err != nil {
		return 0, 0, err
	}
	if err := stream.Send(begin); err != nil {
		return 0, 0, closeErr(stream, err)
	}

	pr, pw := io.Pipe()
	type result struct {
		n   int64
		err error
	}
	done := make(chan result, 1)
	go func() {
		n, err := w.FS.SendStream(ctx, ref, hdr.SnapName, hdr.Parent, pw)
		pw.CloseWithError(err)
		done <- result{n, err}
	}()

	sendErr := w.pump(pr, stream)
	if sendErr != nil {
		// Unblocks SendStream if it is still writing.
		pr.CloseWithError(sendErr)
	}
	res := <-done
	switch {
	case sendErr != nil:
		return 0, res.n, closeErr(stream, sendErr)
	case res.err != nil:
		return 0, res.n, fmt.Errorf("btrfs send: %w", res.err)
	}

	if err := stream.Send(ipc.NewFrames(FrameEnd)); err != nil {
		return 0, res.n, closeErr(stream, err)
	}
	reply, err := stream.CloseAndRecv()
	if err != nil {
		return 0, res.n, err
	}
	if reply.Command() != ipc.ReplySuccess {
		return 0, res.n, fmt.Errorf("receiver: %s", reply.Arg(1))
	}
	kb, err = strconv.ParseInt(reply.Arg(1), 10, 64)
	if err != nil {
		kb = toKB(res.n)
	}
	return kb, res.n, nil
}

// pump copies the send stream into data frames until EOF.
func (w *SendWorker) pump(r io.Reader, stream ipc.ReceiveClientStream) error {
	for {
		chunk := make([]byte, w.opts.ChunkSize)
		n, err := io.ReadFull(r, chunk)
		if n > 0 {
			if serr := stream.Send(dataFrame(chunk[:n])); serr != nil {
				return serr
			}
		}
		switch {
		case err == nil:
		case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
			return nil
		default:
			// The writer side failed; the send goroutine reports why.
			return nil
		}
	}
}

// closeErr resolves the real status after Send reported io.EOF, which gRPC
// does when the server has already ended the call.
func closeErr(stream ipc.ReceiveClientStream, err error) error {
	if !errors.Is(err, io.EOF) {
		return err
	}
	reply, rerr := stream.CloseAndRecv()
	if rerr != nil {
		return rerr
	}
	if reply.Command() != ipc.ReplySuccess {
		return fmt.Errorf("receiver: %s", reply.Arg(1))
	}
	return errors.New("receiver ended the stream early")
}
