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
// Replica shares
// -----------------------------------------------------------------------------

type gormReplicaShareRepository struct {
	db *gorm.DB
}

// NewReplicaShareRepository returns a ReplicaShareRepository backed by the
// provided *gorm.DB.
func NewReplicaShareRepository(db *gorm.DB) ReplicaShareRepository {
	return &gormReplicaShareRepository{db: db}
}

func (r *gormReplicaShareRepository) GetOrCreate(ctx context.Context, rs *db.ReplicaShare) (*db.ReplicaShare, bool, error) {
	existing, err := r.find(ctx, rs.Appliance, rs.SrcShare)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, false, err
	}

	if err := r.db.WithContext(ctx).Create(rs).Error; err != nil {
		if !isUniqueViolation(err) {
			return nil, false, fmt.Errorf("replica shares: create: %w", err)
		}
		// Lost the insert race to a concurrent receive; read the winner.
		existing, err := r.find(ctx, rs.Appliance, rs.SrcShare)
		if err != nil {
			return nil, false, err
		}
		return existing, false, nil
	}
	return rs, true, nil
}

func (r *gormReplicaShareRepository) find(ctx context.Context, appliance, srcShare string) (*db.ReplicaShare, error) {
	var rs db.ReplicaShare
	err := r.db.WithContext(ctx).
		Where("appliance = ? AND src_share = ?", appliance, srcShare).
		First(&rs).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("replica shares: find: %w", err)
	}
	return &rs, nil
}

func (r *gormReplicaShareRepository) GetByID(ctx context.Context, id uint) (*db.ReplicaShare, error) {
	var rs db.ReplicaShare
	if err := r.db.WithContext(ctx).First(&rs, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("replica shares: get by id: %w", err)
	}
	return &rs, nil
}

func (r *gormReplicaShareRepository) List(ctx context.Context) ([]db.ReplicaShare, error) {
	var shares []db.ReplicaShare
	if err := r.db.WithContext(ctx).Order("id ASC").Find(&shares).Error; err != nil {
		return nil, fmt.Errorf("replica shares: list: %w", err)
	}
	return shares, nil
}

// -----------------------------------------------------------------------------
// Receive trails
// -----------------------------------------------------------------------------

type gormReceiveTrailRepository struct {
	db *gorm.DB
}

// NewReceiveTrailRepository returns a ReceiveTrailRepository backed by the
// provided *gorm.DB.
func NewReceiveTrailRepository(db *gorm.DB) ReceiveTrailRepository {
	return &gormReceiveTrailRepository{db: db}
}

func (r *gormReceiveTrailRepository) Create(ctx context.Context, trail *db.ReceiveTrail) error {
	if err := r.db.WithContext(ctx).Create(trail).Error; err != nil {
		return fmt.Errorf("receive trails: create: %w", err)
	}
	return nil
}

func (r *gormReceiveTrailRepository) Save(ctx context.Context, trail *db.ReceiveTrail) error {
	if trail.ID == 0 {
		return fmt.Errorf("receive trails: save: trail has no id")
	}
	if err := saveOpenTrail(ctx, r.db, trail, &db.ReceiveTrail{}, trail.ID); err != nil {
		return fmt.Errorf("receive trails: save: %w", err)
	}
	return nil
}

func (r *gormReceiveTrailRepository) ListPending(ctx context.Context) ([]db.ReceiveTrail, error) {
	var trails []db.ReceiveTrail
	if err := r.db.WithContext(ctx).Where("status = ?", types.TrailPending).Order("id ASC").Find(&trails).Error; err != nil {
		return nil, fmt.Errorf("receive trails: list pending: %w", err)
	}
	return trails, nil
}

func (r *gormReceiveTrailRepository) GetByID(ctx context.Context, id uint) (*db.ReceiveTrail, error) {
	var trail db.ReceiveTrail
	if err := r.db.WithContext(ctx).First(&trail, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("receive trails: get by id: %w", err)
	}
	return &trail, nil
}

func (r *gormReceiveTrailRepository) Latest(ctx context.Context, rshareID uint) (*db.ReceiveTrail, error) {
	var trail db.ReceiveTrail
	err := r.db.WithContext(ctx).
		Where("rshare_id = ?", rshareID).
		Order("id DESC").
		First(&trail).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("receive trails: latest: %w", err)
	}
	return &trail, nil
}

func (r *gormReceiveTrailRepository) List(ctx context.Context, rshareID uint, opts ListOptions) ([]db.ReceiveTrail, error) {
	var trails []db.ReceiveTrail
	q := r.db.WithContext(ctx).Where("rshare_id = ?", rshareID).Order("id DESC")
	if err := paginate(q, opts).Find(&trails).Error; err != nil {
		return nil, fmt.Errorf("receive trails: list: %w", err)
	}
	return trails, nil
}

func (r *gormReceiveTrailRepository) PruneOlderThan(ctx context.Context, rshareID uint, cutoff time.Time, keepMin int) (int64, error) {
	n, err := pruneOlderThan(ctx, r.db, &db.ReceiveTrail{}, "rshare_id", rshareID, cutoff, keepMin)
	if err != nil {
		return 0, fmt.Errorf("receive trails: prune: %w", err)
	}
	return n, nil
}
