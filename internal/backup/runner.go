// Package backup runs the periodic rsync pull policies. A policy copies a
// directory from a remote host into a local share, taking a snapshot of the
// share before each sync so earlier copies survive, and keeps the newest
// num_retain of those snapshots.
package backup

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/rockstor/replicad/internal/btrfs"
	"github.com/rockstor/replicad/internal/command"
	"github.com/rockstor/replicad/internal/db"
	"github.com/rockstor/replicad/internal/metrics"
	"github.com/rockstor/replicad/internal/notification"
	"github.com/rockstor/replicad/internal/repositories"
	"github.com/rockstor/replicad/internal/retention"
	"github.com/rockstor/replicad/internal/trail"
	"github.com/rockstor/replicad/internal/types"
)

// SnapshotTimeLayout formats the second a policy snapshot was taken.
const SnapshotTimeLayout = "20060102150405"

// SnapshotName returns the name of the snapshot policy takes at t.
func SnapshotName(policy string, t time.Time) string {
	return policy + "_" + t.UTC().Format(SnapshotTimeLayout)
}

// Deps are the collaborators of a Runner. Notifier and Metrics are optional.
type Deps struct {
	Policies  repositories.BackupPolicyRepository
	Trails    repositories.PolicyTrailRepository
	Pools     repositories.PoolRepository
	Shares    repositories.ShareRepository
	Snapshots repositories.SnapshotRepository
	FS        btrfs.FilesystemOps
	Exec      command.Executor
	Layout    btrfs.Layout
	Notifier  notification.Service
	Metrics   *metrics.Registry
	Logger    *zap.Logger
	Now       func() time.Time
}

// Runner executes one run of a policy.
type Runner struct {
	Deps
	pruner *retention.Pruner
	logger *zap.Logger
}

// NewRunner returns a Runner.
func NewRunner(d Deps) *Runner {
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Notifier == nil {
		d.Notifier = notification.Nop()
	}
	if d.Layout.Root == "" {
		d.Layout = btrfs.NewLayout("")
	}
	return &Runner{
		Deps:   d,
		pruner: retention.NewPruner(d.Snapshots, d.FS, d.Logger),
		logger: d.Logger.Named("backup"),
	}
}

// Run executes policy once and returns its trail. The returned error is only
// set when the trail itself could not be recorded; a failed sync is reported
// through the trail's status and error message.
//
// Execution sequence:
//  1. Record the trail as started
//  2. Snapshot the destination share
//  3. Mount the destination share if needed, then rsync into it
//  4. Record succeeded or failed
//  5. Prune policy snapshots beyond num_retain
func (r *Runner) Run(ctx context.Context, policy *db.BackupPolicy) (*db.PolicyTrail, error) {
	log := r.logger.With(zap.Uint("policy_id", policy.ID), zap.String("policy", policy.Name))

	t := trail.NewPolicy(policy.ID, r.Now())
	if err := r.Trails.Create(ctx, t); err != nil {
		return nil, fmt.Errorf("backup: record start: %w", err)
	}
	log = log.With(zap.Uint("trail_id", t.ID))
	log.Info("backup started")

	share, pool, err := r.destination(ctx, policy)
	if err != nil {
		return t, r.fail(ctx, log, policy, t, err)
	}
	ref := btrfs.ShareRef{Pool: pool.Name, Share: share.Name}

	snap := SnapshotName(policy.Name, r.Now())
	if err := r.FS.CreateSnapshot(ctx, ref, snap, btrfs.SnapshotOptions{}); err != nil {
		return t, r.fail(ctx, log, policy, t, fmt.Errorf("snapshot %s: %w", snap, err))
	}
	if err := r.Snapshots.Create(ctx, &db.Snapshot{
		ShareID:  share.ID,
		Name:     snap,
		SnapType: types.SnapTypeAdmin,
	}); err != nil {
		return t, r.fail(ctx, log, policy, t, fmt.Errorf("record snapshot %s: %w", snap, err))
	}
	if err := r.advance(ctx, t, trail.PolicySnapshotCreated); err != nil {
		return t, err
	}
	log.Info("snapshot created", zap.String("snapshot", snap))

	mount := r.Layout.ShareMountPoint(ref)
	if err := r.ensureMounted(ctx, ref, mount); err != nil {
		return t, r.fail(ctx, log, policy, t, err)
	}
	if err := r.advance(ctx, t, trail.PolicySyncStarted); err != nil {
		return t, err
	}

	src := fmt.Sprintf("%s:%s/", policy.SourceIP, policy.SourcePath)
	res, err := r.Exec.Run(ctx, "rsync", "-a", src, mount+"/")
	if err != nil {
		if res != nil && res.Output() != "" {
			log.Warn("rsync output", zap.String("output", res.Output()))
		}
		return t, r.fail(ctx, log, policy, t, fmt.Errorf("rsync %s: %w", src, err))
	}

	if err := r.advance(ctx, t, trail.PolicySucceeded); err != nil {
		return t, err
	}
	r.Metrics.ObserveBackupRun(true)
	log.Info("backup completed")

	target := retention.Target{
		Share:    ref,
		ShareID:  share.ID,
		Prefix:   policy.Name,
		SnapType: types.SnapTypeAdmin,
	}
	// The sync already succeeded, so a failed prune only costs disk space.
	if _, err := r.pruner.Prune(ctx, target, policy.NumRetain); err != nil {
		log.Warn("failed to prune policy snapshots", zap.Error(err))
	}
	return t, nil
}

func (r *Runner) destination(ctx context.Context, policy *db.BackupPolicy) (*db.Share, *db.Pool, error) {
	share, err := r.Shares.GetByID(ctx, policy.DestShareID)
	if errors.Is(err, repositories.ErrNotFound) {
		return nil, nil, fmt.Errorf("destination share %d does not exist", policy.DestShareID)
	}
	if err != nil {
		return nil, nil, err
	}
	pool, err := r.Pools.GetByID(ctx, share.PoolID)
	if err != nil {
		return nil, nil, fmt.Errorf("pool of share %s: %w", share.Name, err)
	}
	return share, pool, nil
}

func (r *Runner) ensureMounted(ctx context.Context, ref btrfs.ShareRef, mount string) error {
	ok, err := r.FS.IsShareMounted(ctx, mount)
	if err != nil {
		return fmt.Errorf("check mount %s: %w", mount, err)
	}
	if ok {
		return nil
	}
	if err := r.FS.MountShare(ctx, ref, mount); err != nil {
		return fmt.Errorf("mount %s: %w", mount, err)
	}
	return nil
}

func (r *Runner) advance(ctx context.Context, t *db.PolicyTrail, step func(*db.PolicyTrail, time.Time) error) error {
	if err := step(t, r.Now()); err != nil {
		return fmt.Errorf("backup: %w", err)
	}
	if err := r.Trails.Save(ctx, t); err != nil {
		return fmt.Errorf("backup: save trail: %w", err)
	}
	return nil
}

// fail ends the trail as failed. It returns nil once the failure is
// recorded.
func (r *Runner) fail(ctx context.Context, log *zap.Logger, policy *db.BackupPolicy, t *db.PolicyTrail, cause error) error {
	msg := cause.Error()
	log.Error("backup failed", zap.Error(cause))
	r.Metrics.ObserveBackupRun(false)

	ctx = context.WithoutCancel(ctx)
	if err := trail.PolicyFailed(t, msg, r.Now()); err != nil {
		return fmt.Errorf("backup: %w", err)
	}
	if err := r.Trails.Save(ctx, t); err != nil {
		return fmt.Errorf("backup: save trail: %w", err)
	}
	if err := r.Notifier.BackupFailed(ctx, policy.ID, policy.Name, msg); err != nil {
		log.Warn("failed to send notification", zap.Error(err))
	}
	return nil
}
