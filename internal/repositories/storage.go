package repositories

import (
	"context"
	"errors"
	"fmt"

	"github.com/rockstor/replicad/internal/db"
	"gorm.io/gorm"
)

// -----------------------------------------------------------------------------
// Pools
// -----------------------------------------------------------------------------

type gormPoolRepository struct {
	db *gorm.DB
}

// NewPoolRepository returns a PoolRepository backed by the provided *gorm.DB.
func NewPoolRepository(db *gorm.DB) PoolRepository {
	return &gormPoolRepository{db: db}
}

func (r *gormPoolRepository) Create(ctx context.Context, pool *db.Pool) error {
	if err := r.db.WithContext(ctx).Create(pool).Error; err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("pools: create: %w", err)
	}
	return nil
}

func (r *gormPoolRepository) GetByID(ctx context.Context, id uint) (*db.Pool, error) {
	var pool db.Pool
	if err := r.db.WithContext(ctx).First(&pool, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("pools: get by id: %w", err)
	}
	return &pool, nil
}

func (r *gormPoolRepository) GetByName(ctx context.Context, name string) (*db.Pool, error) {
	var pool db.Pool
	if err := r.db.WithContext(ctx).First(&pool, "name = ?", name).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("pools: get by name: %w", err)
	}
	return &pool, nil
}

func (r *gormPoolRepository) List(ctx context.Context) ([]db.Pool, error) {
	var pools []db.Pool
	if err := r.db.WithContext(ctx).Order("name ASC").Find(&pools).Error; err != nil {
		return nil, fmt.Errorf("pools: list: %w", err)
	}
	return pools, nil
}

// -----------------------------------------------------------------------------
// Shares
// -----------------------------------------------------------------------------

type gormShareRepository struct {
	db *gorm.DB
}

// NewShareRepository returns a ShareRepository backed by the provided *gorm.DB.
func NewShareRepository(db *gorm.DB) ShareRepository {
	return &gormShareRepository{db: db}
}

func (r *gormShareRepository) Create(ctx context.Context, share *db.Share) error {
	if err := r.db.WithContext(ctx).Create(share).Error; err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("shares: create: %w", err)
	}
	return nil
}

func (r *gormShareRepository) GetByID(ctx context.Context, id uint) (*db.Share, error) {
	var share db.Share
	if err := r.db.WithContext(ctx).First(&share, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("shares: get by id: %w", err)
	}
	return &share, nil
}

func (r *gormShareRepository) GetByName(ctx context.Context, poolID uint, name string) (*db.Share, error) {
	var share db.Share
	err := r.db.WithContext(ctx).
		Where("pool_id = ? AND name = ?", poolID, name).
		First(&share).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("shares: get by name: %w", err)
	}
	return &share, nil
}

func (r *gormShareRepository) List(ctx context.Context, poolID uint) ([]db.Share, error) {
	var shares []db.Share
	if err := r.db.WithContext(ctx).
		Where("pool_id = ?", poolID).
		Order("name ASC").
		Find(&shares).Error; err != nil {
		return nil, fmt.Errorf("shares: list: %w", err)
	}
	return shares, nil
}

// -----------------------------------------------------------------------------
// Snapshots
// -----------------------------------------------------------------------------

type gormSnapshotRepository struct {
	db *gorm.DB
}

// NewSnapshotRepository returns a SnapshotRepository backed by the provided *gorm.DB.
func NewSnapshotRepository(db *gorm.DB) SnapshotRepository {
	return &gormSnapshotRepository{db: db}
}

// Create inserts a snapshot row. A second snapshot with the same name on the
// same share returns ErrConflict.
func (r *gormSnapshotRepository) Create(ctx context.Context, snap *db.Snapshot) error {
	if err := r.db.WithContext(ctx).Create(snap).Error; err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("snapshots: create: %w", err)
	}
	return nil
}

func (r *gormSnapshotRepository) GetByID(ctx context.Context, id uint) (*db.Snapshot, error) {
	var snap db.Snapshot
	if err := r.db.WithContext(ctx).First(&snap, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("snapshots: get by id: %w", err)
	}
	return &snap, nil
}

func (r *gormSnapshotRepository) GetByName(ctx context.Context, shareID uint, name string) (*db.Snapshot, error) {
	var snap db.Snapshot
	err := r.db.WithContext(ctx).
		Where("share_id = ? AND name = ?", shareID, name).
		First(&snap).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("snapshots: get by name: %w", err)
	}
	return &snap, nil
}

// ListNewestFirst returns the snapshots of a share matching the filter,
// newest (highest id) first. An empty SnapType or Prefix matches any value.
func (r *gormSnapshotRepository) ListNewestFirst(ctx context.Context, f SnapshotFilter) ([]db.Snapshot, error) {
	q := r.db.WithContext(ctx).Where("share_id = ?", f.ShareID)
	if f.SnapType != "" {
		q = q.Where("snap_type = ?", f.SnapType)
	}
	if f.Prefix != "" {
		// Escape LIKE metacharacters so a prefix like "daily_x" matches only
		// itself.
		q = q.Where("name LIKE ? ESCAPE '\\'", escapeLike(f.Prefix+"_")+"%")
	}

	var snaps []db.Snapshot
	if err := q.Order("id DESC").Find(&snaps).Error; err != nil {
		return nil, fmt.Errorf("snapshots: list: %w", err)
	}
	return snaps, nil
}

func (r *gormSnapshotRepository) Delete(ctx context.Context, id uint) error {
	res := r.db.WithContext(ctx).Delete(&db.Snapshot{}, id)
	if res.Error != nil {
		return fmt.Errorf("snapshots: delete: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func escapeLike(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '%', '_', '\\':
			out = append(out, '\\')
		}
		out = append(out, s[i])
	}
	return string(out)
}
