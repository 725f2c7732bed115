package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rockstor/replicad/internal/db"
	"github.com/rockstor/replicad/internal/types"
	"gorm.io/gorm"
)

// -----------------------------------------------------------------------------
// Replicas
// -----------------------------------------------------------------------------

type gormReplicaRepository struct {
	db *gorm.DB
}

// NewReplicaRepository returns a ReplicaRepository backed by the provided *gorm.DB.
func NewReplicaRepository(db *gorm.DB) ReplicaRepository {
	return &gormReplicaRepository{db: db}
}

func (r *gormReplicaRepository) Create(ctx context.Context, replica *db.Replica) error {
	if err := r.db.WithContext(ctx).Create(replica).Error; err != nil {
		return fmt.Errorf("replicas: create: %w", err)
	}
	return nil
}

func (r *gormReplicaRepository) GetByID(ctx context.Context, id uint) (*db.Replica, error) {
	var replica db.Replica
	if err := r.db.WithContext(ctx).First(&replica, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("replicas: get by id: %w", err)
	}
	return &replica, nil
}

func (r *gormReplicaRepository) Update(ctx context.Context, replica *db.Replica) error {
	if err := r.db.WithContext(ctx).Save(replica).Error; err != nil {
		return fmt.Errorf("replicas: update: %w", err)
	}
	return nil
}

func (r *gormReplicaRepository) List(ctx context.Context) ([]db.Replica, error) {
	var replicas []db.Replica
	if err := r.db.WithContext(ctx).Order("id ASC").Find(&replicas).Error; err != nil {
		return nil, fmt.Errorf("replicas: list: %w", err)
	}
	return replicas, nil
}

// -----------------------------------------------------------------------------
// Replica trails
// -----------------------------------------------------------------------------

type gormReplicaTrailRepository struct {
	db *gorm.DB
}

// NewReplicaTrailRepository returns a ReplicaTrailRepository backed by the
// provided *gorm.DB.
func NewReplicaTrailRepository(db *gorm.DB) ReplicaTrailRepository {
	return &gormReplicaTrailRepository{db: db}
}

func (r *gormReplicaTrailRepository) Create(ctx context.Context, trail *db.ReplicaTrail) error {
	if err := r.db.WithContext(ctx).Create(trail).Error; err != nil {
		return fmt.Errorf("replica trails: create: %w", err)
	}
	return nil
}

func (r *gormReplicaTrailRepository) Save(ctx context.Context, trail *db.ReplicaTrail) error {
	if trail.ID == 0 {
		return fmt.Errorf("replica trails: save: trail has no id")
	}
	if err := saveOpenTrail(ctx, r.db, trail, &db.ReplicaTrail{}, trail.ID); err != nil {
		return fmt.Errorf("replica trails: save: %w", err)
	}
	return nil
}

func (r *gormReplicaTrailRepository) ListPending(ctx context.Context) ([]db.ReplicaTrail, error) {
	var trails []db.ReplicaTrail
	if err := r.db.WithContext(ctx).Where("status = ?", types.TrailPending).Order("id ASC").Find(&trails).Error; err != nil {
		return nil, fmt.Errorf("replica trails: list pending: %w", err)
	}
	return trails, nil
}

func (r *gormReplicaTrailRepository) GetByID(ctx context.Context, id uint) (*db.ReplicaTrail, error) {
	var trail db.ReplicaTrail
	if err := r.db.WithContext(ctx).First(&trail, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("replica trails: get by id: %w", err)
	}
	return &trail, nil
}

func (r *gormReplicaTrailRepository) Latest(ctx context.Context, replicaID uint) (*db.ReplicaTrail, error) {
	return r.latest(ctx, "latest", r.db.Where("replica_id = ?", replicaID))
}

// LatestSucceeded returns the newest succeeded trail, whose snapshot is the
// parent for the next incremental send.
func (r *gormReplicaTrailRepository) LatestSucceeded(ctx context.Context, replicaID uint) (*db.ReplicaTrail, error) {
	return r.latest(ctx, "latest succeeded",
		r.db.Where("replica_id = ? AND status = ?", replicaID, types.TrailSucceeded))
}

func (r *gormReplicaTrailRepository) latest(ctx context.Context, op string, q *gorm.DB) (*db.ReplicaTrail, error) {
	var trail db.ReplicaTrail
	if err := q.WithContext(ctx).Order("id DESC").First(&trail).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("replica trails: %s: %w", op, err)
	}
	return &trail, nil
}

func (r *gormReplicaTrailRepository) Count(ctx context.Context, replicaID uint) (int64, error) {
	var n int64
	if err := r.db.WithContext(ctx).Model(&db.ReplicaTrail{}).
		Where("replica_id = ?", replicaID).
		Count(&n).Error; err != nil {
		return 0, fmt.Errorf("replica trails: count: %w", err)
	}
	return n, nil
}

func (r *gormReplicaTrailRepository) List(ctx context.Context, replicaID uint, opts ListOptions) ([]db.ReplicaTrail, error) {
	var trails []db.ReplicaTrail
	q := r.db.WithContext(ctx).Where("replica_id = ?", replicaID).Order("id DESC")
	if err := paginate(q, opts).Find(&trails).Error; err != nil {
		return nil, fmt.Errorf("replica trails: list: %w", err)
	}
	return trails, nil
}

func (r *gormReplicaTrailRepository) PruneOlderThan(ctx context.Context, replicaID uint, cutoff time.Time, keepMin int) (int64, error) {
	n, err := pruneOlderThan(ctx, r.db, &db.ReplicaTrail{}, "replica_id", replicaID, cutoff, keepMin)
	if err != nil {
		return 0, fmt.Errorf("replica trails: prune: %w", err)
	}
	return n, nil
}
