package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rockstor/replicad/internal/db"
	"gorm.io/gorm"
)

// -----------------------------------------------------------------------------
// Backup policies
// -----------------------------------------------------------------------------

type gormBackupPolicyRepository struct {
	db *gorm.DB
}

// NewBackupPolicyRepository returns a BackupPolicyRepository backed by the
// provided *gorm.DB.
func NewBackupPolicyRepository(db *gorm.DB) BackupPolicyRepository {
	return &gormBackupPolicyRepository{db: db}
}

func (r *gormBackupPolicyRepository) Create(ctx context.Context, policy *db.BackupPolicy) error {
	if err := r.db.WithContext(ctx).Create(policy).Error; err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("backup policies: create: %w", err)
	}
	return nil
}

func (r *gormBackupPolicyRepository) GetByID(ctx context.Context, id uint) (*db.BackupPolicy, error) {
	var policy db.BackupPolicy
	if err := r.db.WithContext(ctx).First(&policy, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("backup policies: get by id: %w", err)
	}
	return &policy, nil
}

func (r *gormBackupPolicyRepository) Update(ctx context.Context, policy *db.BackupPolicy) error {
	if err := r.db.WithContext(ctx).Save(policy).Error; err != nil {
		return fmt.Errorf("backup policies: update: %w", err)
	}
	return nil
}

func (r *gormBackupPolicyRepository) ListEnabled(ctx context.Context) ([]db.BackupPolicy, error) {
	var policies []db.BackupPolicy
	if err := r.db.WithContext(ctx).
		Where("enabled = ?", true).
		Order("id ASC").
		Find(&policies).Error; err != nil {
		return nil, fmt.Errorf("backup policies: list enabled: %w", err)
	}
	return policies, nil
}

// -----------------------------------------------------------------------------
// Policy trails
// -----------------------------------------------------------------------------

type gormPolicyTrailRepository struct {
	db *gorm.DB
}

// NewPolicyTrailRepository returns a PolicyTrailRepository backed by the
// provided *gorm.DB.
func NewPolicyTrailRepository(db *gorm.DB) PolicyTrailRepository {
	return &gormPolicyTrailRepository{db: db}
}

func (r *gormPolicyTrailRepository) Create(ctx context.Context, trail *db.PolicyTrail) error {
	if err := r.db.WithContext(ctx).Create(trail).Error; err != nil {
		return fmt.Errorf("policy trails: create: %w", err)
	}
	return nil
}

func (r *gormPolicyTrailRepository) Save(ctx context.Context, trail *db.PolicyTrail) error {
	if err := r.db.WithContext(ctx).Save(trail).Error; err != nil {
		return fmt.Errorf("policy trails: save: %w", err)
	}
	return nil
}

func (r *gormPolicyTrailRepository) Latest(ctx context.Context, policyID uint) (*db.PolicyTrail, error) {
	var trail db.PolicyTrail
	err := r.db.WithContext(ctx).
		Where("policy_id = ?", policyID).
		Order("id DESC").
		First(&trail).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("policy trails: latest: %w", err)
	}
	return &trail, nil
}

func (r *gormPolicyTrailRepository) ListByPolicy(ctx context.Context, policyID uint, opts ListOptions) ([]db.PolicyTrail, error) {
	var trails []db.PolicyTrail
	q := r.db.WithContext(ctx).Where("policy_id = ?", policyID).Order("id DESC")
	if err := paginate(q, opts).Find(&trails).Error; err != nil {
		return nil, fmt.Errorf("policy trails: list: %w", err)
	}
	return trails, nil
}

func (r *gormPolicyTrailRepository) PruneOlderThan(ctx context.Context, policyID uint, cutoff time.Time, keepMin int) (int64, error) {
	n, err := pruneOlderThan(ctx, r.db, &db.PolicyTrail{}, "policy_id", policyID, cutoff, keepMin)
	if err != nil {
		return 0, fmt.Errorf("policy trails: prune: %w", err)
	}
	return n, nil
}
