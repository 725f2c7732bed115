package tasks

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/rockstor/replicad/internal/btrfs"
	"github.com/rockstor/replicad/internal/db"
	"github.com/rockstor/replicad/internal/repositories"
	"github.com/rockstor/replicad/internal/retention"
	"github.com/rockstor/replicad/internal/types"
)

// SnapshotTimeLayout formats the minute a scheduled snapshot was taken.
const SnapshotTimeLayout = "200601021504"

// SnapshotName returns the name of the scheduled snapshot taken at t.
func SnapshotName(prefix string, t time.Time) string {
	return prefix + "_" + t.Format(SnapshotTimeLayout)
}

func (r *Runner) runSnapshot(ctx context.Context, log *zap.Logger, def *db.TaskDefinition, m *SnapshotMeta) error {
	share, err := r.Shares.GetByID(ctx, m.ShareID())
	if errors.Is(err, repositories.ErrNotFound) {
		return configErr(fmt.Errorf("share %s does not exist", m.Share))
	}
	if err != nil {
		return trailErr(err)
	}
	pool, err := r.Pools.GetByID(ctx, share.PoolID)
	if err != nil {
		return trailErr(err)
	}

	start := r.opts.Now().Truncate(time.Minute)
	name := SnapshotName(m.Prefix, start)
	log = log.With(zap.String("share", share.Name), zap.String("snapshot", name))

	task, err := r.startTask(ctx, def, types.TaskStateStarted, start)
	if err != nil {
		return err
	}
	defer r.pruneTasks(ctx, log, def)

	target := retention.Target{
		Share:    btrfs.ShareRef{Pool: pool.Name, Share: share.Name},
		ShareID:  share.ID,
		Prefix:   m.Prefix,
		SnapType: types.SnapTypeTaskScheduler,
	}

	// Make room first. If the old snapshots cannot be removed the new one is
	// not taken, so max_count is never exceeded.
	if _, err := r.pruner.Prune(ctx, target, m.MaxCount-1); err != nil {
		log.Error("failed to prune old snapshots, not creating a new one", zap.Error(err))
		return r.endTask(ctx, log, def, task, types.TaskStateError, err)
	}

	opts := btrfs.SnapshotOptions{Writable: m.Writable, Visible: m.Visible}
	if err := r.FS.CreateSnapshot(ctx, target.Share, name, opts); err != nil {
		log.Error("failed to create snapshot", zap.Error(err))
		return r.endTask(ctx, log, def, task, types.TaskStateError, err)
	}
	err = r.Snapshots.Create(ctx, &db.Snapshot{
		ShareID:  share.ID,
		Name:     name,
		SnapType: types.SnapTypeTaskScheduler,
		Visible:  m.Visible,
		Writable: m.Writable,
	})
	if err != nil {
		log.Error("snapshot created but not recorded", zap.Error(err))
		return r.endTask(ctx, log, def, task, types.TaskStateError, err)
	}
	log.Info("snapshot created")

	if err := r.endTask(ctx, log, def, task, types.TaskStateFinished, nil); err != nil {
		return err
	}

	if _, err := r.pruner.Prune(ctx, target, m.MaxCount); err != nil {
		log.Warn("post-create prune failed", zap.Error(err))
	}
	return nil
}
