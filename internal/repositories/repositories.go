package repositories

import (
	"context"
	"time"

	"github.com/rockstor/replicad/internal/db"
	"github.com/rockstor/replicad/internal/types"
)

// DefaultKeepMin is the number of newest trail rows per parent that
// PruneOlderThan never removes.
const DefaultKeepMin = 100

// -----------------------------------------------------------------------------
// Common
// -----------------------------------------------------------------------------

// ListOptions contains common pagination options for list queries. A zero
// Limit means no limit.
type ListOptions struct {
	Limit  int
	Offset int
}

// -----------------------------------------------------------------------------
// Storage
// -----------------------------------------------------------------------------

type PoolRepository interface {
	Create(ctx context.Context, pool *db.Pool) error
	GetByID(ctx context.Context, id uint) (*db.Pool, error)
	GetByName(ctx context.Context, name string) (*db.Pool, error)
	List(ctx context.Context) ([]db.Pool, error)
}

type ShareRepository interface {
	Create(ctx context.Context, share *db.Share) error
	GetByID(ctx context.Context, id uint) (*db.Share, error)
	GetByName(ctx context.Context, poolID uint, name string) (*db.Share, error)
	List(ctx context.Context, poolID uint) ([]db.Share, error)
}

// SnapshotFilter selects the snapshots a prune pass is allowed to consider.
// Prefix matches names beginning with Prefix followed by an underscore.
type SnapshotFilter struct {
	ShareID  uint
	Prefix   string
	SnapType types.SnapType
}

type SnapshotRepository interface {
	Create(ctx context.Context, snap *db.Snapshot) error
	GetByID(ctx context.Context, id uint) (*db.Snapshot, error)
	GetByName(ctx context.Context, shareID uint, name string) (*db.Snapshot, error)
	// ListNewestFirst returns matching snapshots ordered by id descending.
	ListNewestFirst(ctx context.Context, f SnapshotFilter) ([]db.Snapshot, error)
	Delete(ctx context.Context, id uint) error
}

// -----------------------------------------------------------------------------
// Task scheduler
// -----------------------------------------------------------------------------

type TaskDefinitionRepository interface {
	Create(ctx context.Context, def *db.TaskDefinition) error
	GetByID(ctx context.Context, id uint) (*db.TaskDefinition, error)
	Update(ctx context.Context, def *db.TaskDefinition) error
	List(ctx context.Context) ([]db.TaskDefinition, error)
}

type TaskRepository interface {
	Create(ctx context.Context, task *db.Task) error
	Update(ctx context.Context, task *db.Task) error
	// Latest returns the Task with the most recent start for a definition.
	Latest(ctx context.Context, taskDefID uint) (*db.Task, error)
	ListByDefinition(ctx context.Context, taskDefID uint, opts ListOptions) ([]db.Task, error)
	Count(ctx context.Context, taskDefID uint) (int64, error)
	// PruneForDefinition deletes the oldest Tasks (by start) until at most
	// keep remain for the definition, returning how many were deleted.
	PruneForDefinition(ctx context.Context, taskDefID uint, keep int) (int64, error)
}

// -----------------------------------------------------------------------------
// Backup policies
// -----------------------------------------------------------------------------

type BackupPolicyRepository interface {
	Create(ctx context.Context, policy *db.BackupPolicy) error
	GetByID(ctx context.Context, id uint) (*db.BackupPolicy, error)
	Update(ctx context.Context, policy *db.BackupPolicy) error
	ListEnabled(ctx context.Context) ([]db.BackupPolicy, error)
}

type PolicyTrailRepository interface {
	Create(ctx context.Context, trail *db.PolicyTrail) error
	Save(ctx context.Context, trail *db.PolicyTrail) error
	Latest(ctx context.Context, policyID uint) (*db.PolicyTrail, error)
	ListByPolicy(ctx context.Context, policyID uint, opts ListOptions) ([]db.PolicyTrail, error)
	PruneOlderThan(ctx context.Context, policyID uint, cutoff time.Time, keepMin int) (int64, error)
}

// -----------------------------------------------------------------------------
// Replication
// -----------------------------------------------------------------------------

type ReplicaRepository interface {
	Create(ctx context.Context, replica *db.Replica) error
	GetByID(ctx context.Context, id uint) (*db.Replica, error)
	Update(ctx context.Context, replica *db.Replica) error
	List(ctx context.Context) ([]db.Replica, error)
}

type ReplicaTrailRepository interface {
	Create(ctx context.Context, trail *db.ReplicaTrail) error
	// Save writes every column of an existing trail. It returns
	// ErrTrailClosed when the stored row has already ended.
	Save(ctx context.Context, trail *db.ReplicaTrail) error
	// ListPending returns every trail still pending, oldest first.
	ListPending(ctx context.Context) ([]db.ReplicaTrail, error)
	GetByID(ctx context.Context, id uint) (*db.ReplicaTrail, error)
	Latest(ctx context.Context, replicaID uint) (*db.ReplicaTrail, error)
	LatestSucceeded(ctx context.Context, replicaID uint) (*db.ReplicaTrail, error)
	Count(ctx context.Context, replicaID uint) (int64, error)
	List(ctx context.Context, replicaID uint, opts ListOptions) ([]db.ReplicaTrail, error)
	// PruneOlderThan deletes trails created before cutoff, only when the
	// replica has more than keepMin trails, never touching the newest keepMin.
	PruneOlderThan(ctx context.Context, replicaID uint, cutoff time.Time, keepMin int) (int64, error)
}

type ReplicaShareRepository interface {
	// GetOrCreate returns the ReplicaShare matching (Appliance, SrcShare),
	// inserting rs when none exists. created reports whether rs was inserted.
	GetOrCreate(ctx context.Context, rs *db.ReplicaShare) (result *db.ReplicaShare, created bool, err error)
	GetByID(ctx context.Context, id uint) (*db.ReplicaShare, error)
	List(ctx context.Context) ([]db.ReplicaShare, error)
}

type ReceiveTrailRepository interface {
	Create(ctx context.Context, trail *db.ReceiveTrail) error
	// Save behaves like ReplicaTrailRepository.Save.
	Save(ctx context.Context, trail *db.ReceiveTrail) error
	ListPending(ctx context.Context) ([]db.ReceiveTrail, error)
	GetByID(ctx context.Context, id uint) (*db.ReceiveTrail, error)
	Latest(ctx context.Context, rshareID uint) (*db.ReceiveTrail, error)
	List(ctx context.Context, rshareID uint, opts ListOptions) ([]db.ReceiveTrail, error)
	PruneOlderThan(ctx context.Context, rshareID uint, cutoff time.Time, keepMin int) (int64, error)
}
