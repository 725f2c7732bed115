package replication

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/rockstor/replicad/internal/btrfs"
	"github.com/rockstor/replicad/internal/db"
	"github.com/rockstor/replicad/internal/ipc"
	"github.com/rockstor/replicad/internal/metrics"
	"github.com/rockstor/replicad/internal/notification"
	"github.com/rockstor/replicad/internal/repositories"
	"github.com/rockstor/replicad/internal/trail"
	"github.com/rockstor/replicad/internal/types"
)

// ReceiveDeps are the collaborators of a Receiver. Notifier and Metrics are
// optional.
type ReceiveDeps struct {
	Pools     repositories.PoolRepository
	Shares    repositories.ShareRepository
	Snapshots repositories.SnapshotRepository
	RShares   repositories.ReplicaShareRepository
	Trails    repositories.ReceiveTrailRepository
	FS        btrfs.FilesystemOps
	Layout    btrfs.Layout
	Notifier  notification.Service
	Metrics   *metrics.Registry
	Logger    *zap.Logger
	Now       func() time.Time
}

// Receiver serves replicad.Receiver: it applies inbound send streams and
// records each as a ReceiveTrail.
type Receiver struct {
	ReceiveDeps
	logger *zap.Logger

	mu     sync.Mutex
	active map[string]bool // appliance/src_share
}

var _ ipc.ReceiverServer = (*Receiver)(nil)

// NewReceiver returns a Receiver.
func NewReceiver(d ReceiveDeps) *Receiver {
	if d.Notifier == nil {
		d.Notifier = notification.Nop()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Layout.Root == "" {
		d.Layout = btrfs.NewLayout("")
	}
	return &Receiver{
		ReceiveDeps: d,
		logger:      d.Logger.Named("receiver"),
		active:      make(map[string]bool),
	}
}

func (r *Receiver) acquire(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active[key] {
		return false
	}
	r.active[key] = true
	return true
}

func (r *Receiver) release(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.active, key)
}

// Receive handles one stream: begin, any number of data frames, end.
func (r *Receiver) Receive(stream ipc.ReceiveServerStream) error {
	ctx := stream.Context()

	first, err := stream.Recv()
	if err != nil {
		return err
	}
	hdr, err := parseBegin(first)
	if err != nil {
		r.logger.Warn("rejecting stream", zap.Error(err))
		return status.Error(codes.InvalidArgument, err.Error())
	}
	log := r.logger.With(
		zap.String("session_id", hdr.SessionID),
		zap.String("appliance", hdr.ApplianceUUID),
		zap.String("src_share", hdr.SrcShare),
		zap.String("snapshot", hdr.SnapName),
	)

	key := hdr.ApplianceUUID + "/" + hdr.SrcShare
	if !r.acquire(key) {
		log.Warn("receive already in progress for this share, rejecting")
		return stream.SendAndClose(ipc.Error(fmt.Sprintf("a receive of %s from %s is already in progress", hdr.SrcShare, hdr.ApplianceUUID)))
	}
	defer r.release(key)

	pool, share, rs, err := r.prepare(ctx, hdr)
	if err != nil {
		log.Error("cannot accept stream", zap.Error(err))
		return stream.SendAndClose(ipc.Error(err.Error()))
	}
	log = log.With(zap.Uint("rshare_id", rs.ID), zap.String("share", share.Name))

	tr := trail.NewReceive(rs.ID, hdr.SnapName, r.Now())
	if err := r.Trails.Create(ctx, tr); err != nil {
		log.Error("failed to create receive trail", zap.Error(err))
		return status.Error(codes.Internal, "failed to record receive")
	}

	ref := btrfs.ShareRef{Pool: pool.Name, Share: share.Name}
	n, err := r.apply(ctx, stream, ref)
	if err != nil {
		return r.fail(ctx, log, tr, n, err)
	}

	kb := toKB(n)
	if err := trail.ReceiveSucceeded(tr, kb, r.Now()); err != nil {
		return status.Error(codes.Internal, err.Error())
	}
	if err := r.Trails.Save(context.WithoutCancel(ctx), tr); err != nil {
		log.Error("failed to save receive trail", zap.Error(err))
		return status.Error(codes.Internal, "failed to record receive")
	}
	err = r.Snapshots.Create(ctx, &db.Snapshot{ShareID: share.ID, Name: hdr.SnapName, SnapType: types.SnapTypeReceiver})
	if err != nil {
		log.Warn("received snapshot not recorded", zap.Error(err))
	}
	r.Metrics.ObserveReceive(true, n)
	log.Info("receive succeeded", zap.Int64("kb_received", kb))
	return stream.SendAndClose(ipc.Success(strconv.FormatInt(kb, 10)))
}

// prepare resolves the destination pool, the local share and the
// ReplicaShare, creating the latter two on first contact.
func (r *Receiver) prepare(ctx context.Context, hdr Header) (*db.Pool, *db.Share, *db.ReplicaShare, error) {
	pool, err := r.Pools.GetByName(ctx, hdr.DestPool)
	if errors.Is(err, repositories.ErrNotFound) {
		return nil, nil, nil, fmt.Errorf("destination pool %q does not exist", hdr.DestPool)
	}
	if err != nil {
		return nil, nil, nil, fmt.Errorf("look up pool: %w", err)
	}

	name := hdr.DestShareName()
	rs, created, err := r.RShares.GetOrCreate(ctx, &db.ReplicaShare{
		Share:     name,
		Pool:      pool.Name,
		Appliance: hdr.ApplianceUUID,
		SrcShare:  hdr.SrcShare,
	})
	if err != nil {
		return nil, nil, nil, fmt.Errorf("register replica share: %w", err)
	}
	if created {
		r.logger.Info("new replica share", zap.String("appliance", hdr.ApplianceUUID), zap.String("src_share", hdr.SrcShare))
	}

	share, err := r.Shares.GetByName(ctx, pool.ID, rs.Share)
	switch {
	case errors.Is(err, repositories.ErrNotFound):
		share = &db.Share{PoolID: pool.ID, Name: rs.Share, Subvol: rs.Share}
		if err := r.Shares.Create(ctx, share); err != nil && !errors.Is(err, repositories.ErrConflict) {
			return nil, nil, nil, fmt.Errorf("create share: %w", err)
		}
	case err != nil:
		return nil, nil, nil, fmt.Errorf("look up share: %w", err)
	default:
		ref := btrfs.ShareRef{Pool: pool.Name, Share: share.Name}
		mp := r.Layout.ShareMountPoint(ref)
		mounted, err := r.FS.IsShareMounted(ctx, mp)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("check mount: %w", err)
		}
		if !mounted {
			if err := r.FS.MountShare(ctx, ref, mp); err != nil {
				return nil, nil, nil, fmt.Errorf("mount share: %w", err)
			}
		}
	}
	return pool, share, rs, nil
}

// apply feeds data frames into btrfs receive until the end frame.
func (r *Receiver) apply(ctx context.Context, stream ipc.ReceiveServerStream, ref btrfs.ShareRef) (int64, error) {
	pr, pw := io.Pipe()
	type result struct {
		n   int64
		err error
	}
	done := make(chan result, 1)
	go func() {
		n, err := r.FS.ReceiveStream(ctx, pr, r.Layout.SnapshotDir(ref))
		// Writes fail from here on, so the frame loop cannot block.
		pr.CloseWithError(err)
		done <- result{n, err}
	}()

	streamErr := readFrames(stream, pw)
	pw.CloseWithError(streamErr)
	res := <-done
	if streamErr != nil && !errors.Is(streamErr, io.ErrClosedPipe) {
		return res.n, streamErr
	}
	if res.err != nil {
		return res.n, fmt.Errorf("btrfs receive: %w", res.err)
	}
	return res.n, streamErr
}

func readFrames(stream ipc.ReceiveServerStream, w io.Writer) error {
	for {
		m, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("%w: stream ended without an end frame", ipc.ErrMalformed)
		}
		if err != nil {
			return err
		}
		switch m.Command() {
		case FrameData:
			if _, err := w.Write(m.Raw(1)); err != nil {
				return err
			}
		case FrameEnd:
			return nil
		default:
			return fmt.Errorf("%w: unexpected %q frame", ipc.ErrMalformed, m.Command())
		}
	}
}

func (r *Receiver) fail(ctx context.Context, log *zap.Logger, tr *db.ReceiveTrail, n int64, cause error) error {
	// The sender may have gone away; the trail is written regardless.
	ctx = context.WithoutCancel(ctx)
	log.Error("receive failed", zap.Error(cause))
	r.Metrics.ObserveReceive(false, n)
	if err := trail.ReceiveFailed(tr, cause.Error(), r.Now()); err != nil {
		return status.Error(codes.Internal, err.Error())
	}
	if err := r.Trails.Save(ctx, tr); err != nil {
		log.Error("failed to save receive trail", zap.Error(err))
	}
	if err := r.Notifier.ReceiveFailed(ctx, tr.RShareID, tr.SnapName, cause.Error()); err != nil {
		log.Warn("failed to deliver notification", zap.Error(err))
	}
	code := codes.Aborted
	if errors.Is(cause, ipc.ErrMalformed) {
		code = codes.InvalidArgument
	}
	return status.Error(code, cause.Error())
}
