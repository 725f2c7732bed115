package repositories

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/rockstor/replicad/internal/types"
)

// saveOpenTrail writes every column of row, a trail whose stored status must
// still be pending. model is a zero value of the same type, used to tell a
// missing row from an ended one.
func saveOpenTrail(ctx context.Context, gdb *gorm.DB, row, model any, id uint) error {
	res := gdb.WithContext(ctx).Model(row).
		Where("status = ?", types.TrailPending).
		Select("*").Omit("id", "created_at").
		Updates(row)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected > 0 {
		return nil
	}
	var n int64
	if err := gdb.WithContext(ctx).Model(model).Where("id = ?", id).Count(&n).Error; err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return ErrTrailClosed
}

// paginate applies ListOptions to a query. Limit 0 leaves the query unbounded.
func paginate(q *gorm.DB, opts ListOptions) *gorm.DB {
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}
	if opts.Offset > 0 {
		q = q.Offset(opts.Offset)
	}
	return q
}

// pruneOlderThan deletes rows of model whose parentCol equals parentID and
// whose created_at is before cutoff. Nothing is deleted unless the parent has
// more than keepMin rows, and the newest keepMin rows (by id) always survive.
func pruneOlderThan(ctx context.Context, gdb *gorm.DB, model any, parentCol string, parentID uint, cutoff time.Time, keepMin int) (int64, error) {
	if keepMin < 0 {
		keepMin = 0
	}

	var total int64
	if err := gdb.WithContext(ctx).Model(model).
		Where(parentCol+" = ?", parentID).
		Count(&total).Error; err != nil {
		return 0, fmt.Errorf("count: %w", err)
	}
	if total <= int64(keepMin) {
		return 0, nil
	}

	q := gdb.WithContext(ctx).
		Where(parentCol+" = ?", parentID).
		Where("created_at < ?", cutoff)

	if keepMin > 0 {
		// id of the oldest row inside the protected newest-keepMin window.
		var boundary []uint
		if err := gdb.WithContext(ctx).Model(model).
			Where(parentCol+" = ?", parentID).
			Order("id DESC").
			Offset(keepMin-1).
			Limit(1).
			Pluck("id", &boundary).Error; err != nil {
			return 0, fmt.Errorf("boundary: %w", err)
		}
		if len(boundary) == 0 {
			return 0, nil
		}
		q = q.Where("id < ?", boundary[0])
	}

	res := q.Delete(model)
	if res.Error != nil {
		return 0, fmt.Errorf("delete: %w", res.Error)
	}
	return res.RowsAffected, nil
}
