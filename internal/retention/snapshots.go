// Package retention prunes snapshots down to a keep count. The task
// scheduler, the replication sender and the backup scheduler all retain
// their own snapshots this way, each filtering by its own snap type and name
// prefix so that pruning never touches another subsystem's snapshots.
package retention

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/rockstor/replicad/internal/btrfs"
	"github.com/rockstor/replicad/internal/db"
	"github.com/rockstor/replicad/internal/repositories"
	"github.com/rockstor/replicad/internal/types"
)

// Target selects the snapshots of one share that a prune may delete.
type Target struct {
	Share    btrfs.ShareRef
	ShareID  uint
	Prefix   string
	SnapType types.SnapType
}

// Pruner deletes the oldest matching snapshots of a share.
type Pruner struct {
	snaps  repositories.SnapshotRepository
	fs     btrfs.FilesystemOps
	logger *zap.Logger
}

// NewPruner returns a Pruner.
func NewPruner(snaps repositories.SnapshotRepository, fs btrfs.FilesystemOps, logger *zap.Logger) *Pruner {
	return &Pruner{snaps: snaps, fs: fs, logger: logger.Named("retention")}
}

// Prune keeps the newest keep snapshots matching t (newest by id) and deletes
// the rest from disk and from the database. It stops at the first failure
// and reports how many were deleted before it. Running it again with the
// same arguments deletes nothing.
func (p *Pruner) Prune(ctx context.Context, t Target, keep int) (int, error) {
	if keep < 0 {
		keep = 0
	}
	snaps, err := p.snaps.ListNewestFirst(ctx, repositories.SnapshotFilter{
		ShareID:  t.ShareID,
		Prefix:   t.Prefix,
		SnapType: t.SnapType,
	})
	if err != nil {
		return 0, fmt.Errorf("retention: list: %w", err)
	}
	if len(snaps) <= keep {
		return 0, nil
	}

	deleted := 0
	for _, s := range snaps[keep:] {
		if err := p.delete(ctx, t.Share, s); err != nil {
			return deleted, err
		}
		deleted++
	}
	p.logger.Info("pruned snapshots",
		zap.String("share", t.Share.Share),
		zap.String("prefix", t.Prefix),
		zap.Int("deleted", deleted),
		zap.Int("kept", keep),
	)
	return deleted, nil
}

func (p *Pruner) delete(ctx context.Context, share btrfs.ShareRef, s db.Snapshot) error {
	if err := p.fs.DeleteSnapshot(ctx, share, s.Name); err != nil {
		return fmt.Errorf("retention: delete %s: %w", s.Name, err)
	}
	if err := p.snaps.Delete(ctx, s.ID); err != nil && !errors.Is(err, repositories.ErrNotFound) {
		return fmt.Errorf("retention: delete record %s: %w", s.Name, err)
	}
	return nil
}
