package repositories

import (
	"context"
	"errors"
	"fmt"

	"github.com/rockstor/replicad/internal/db"
	"gorm.io/gorm"
)

// -----------------------------------------------------------------------------
// Task definitions
// -----------------------------------------------------------------------------

type gormTaskDefinitionRepository struct {
	db *gorm.DB
}

// NewTaskDefinitionRepository returns a TaskDefinitionRepository backed by the
// provided *gorm.DB.
func NewTaskDefinitionRepository(db *gorm.DB) TaskDefinitionRepository {
	return &gormTaskDefinitionRepository{db: db}
}

func (r *gormTaskDefinitionRepository) Create(ctx context.Context, def *db.TaskDefinition) error {
	if err := r.db.WithContext(ctx).Create(def).Error; err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("task definitions: create: %w", err)
	}
	return nil
}

func (r *gormTaskDefinitionRepository) GetByID(ctx context.Context, id uint) (*db.TaskDefinition, error) {
	var def db.TaskDefinition
	if err := r.db.WithContext(ctx).First(&def, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("task definitions: get by id: %w", err)
	}
	return &def, nil
}

func (r *gormTaskDefinitionRepository) Update(ctx context.Context, def *db.TaskDefinition) error {
	if err := r.db.WithContext(ctx).Save(def).Error; err != nil {
		return fmt.Errorf("task definitions: update: %w", err)
	}
	return nil
}

func (r *gormTaskDefinitionRepository) List(ctx context.Context) ([]db.TaskDefinition, error) {
	var defs []db.TaskDefinition
	if err := r.db.WithContext(ctx).Order("id ASC").Find(&defs).Error; err != nil {
		return nil, fmt.Errorf("task definitions: list: %w", err)
	}
	return defs, nil
}

// -----------------------------------------------------------------------------
// Tasks
// -----------------------------------------------------------------------------

type gormTaskRepository struct {
	db *gorm.DB
}

// NewTaskRepository returns a TaskRepository backed by the provided *gorm.DB.
func NewTaskRepository(db *gorm.DB) TaskRepository {
	return &gormTaskRepository{db: db}
}

func (r *gormTaskRepository) Create(ctx context.Context, task *db.Task) error {
	if err := r.db.WithContext(ctx).Create(task).Error; err != nil {
		return fmt.Errorf("tasks: create: %w", err)
	}
	return nil
}

// Update writes state and end of an existing task. The row is updated in
// place as the attempt progresses.
func (r *gormTaskRepository) Update(ctx context.Context, task *db.Task) error {
	res := r.db.WithContext(ctx).Save(task)
	if res.Error != nil {
		return fmt.Errorf("tasks: update: %w", res.Error)
	}
	return nil
}

func (r *gormTaskRepository) Latest(ctx context.Context, taskDefID uint) (*db.Task, error) {
	var task db.Task
	err := r.db.WithContext(ctx).
		Where("task_def_id = ?", taskDefID).
		Order("start DESC").
		Order("id DESC").
		First(&task).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("tasks: latest: %w", err)
	}
	return &task, nil
}

// ListByDefinition returns tasks of a definition, most recent start first.
func (r *gormTaskRepository) ListByDefinition(ctx context.Context, taskDefID uint, opts ListOptions) ([]db.Task, error) {
	var tasks []db.Task
	q := r.db.WithContext(ctx).
		Where("task_def_id = ?", taskDefID).
		Order("start DESC").
		Order("id DESC")
	if err := paginate(q, opts).Find(&tasks).Error; err != nil {
		return nil, fmt.Errorf("tasks: list by definition: %w", err)
	}
	return tasks, nil
}

func (r *gormTaskRepository) Count(ctx context.Context, taskDefID uint) (int64, error) {
	var n int64
	if err := r.db.WithContext(ctx).Model(&db.Task{}).
		Where("task_def_id = ?", taskDefID).
		Count(&n).Error; err != nil {
		return 0, fmt.Errorf("tasks: count: %w", err)
	}
	return n, nil
}

func (r *gormTaskRepository) PruneForDefinition(ctx context.Context, taskDefID uint, keep int) (int64, error) {
	if keep < 0 {
		keep = 0
	}

	var ids []uint
	if err := r.db.WithContext(ctx).Model(&db.Task{}).
		Where("task_def_id = ?", taskDefID).
		Order("start DESC").
		Order("id DESC").
		Pluck("id", &ids).Error; err != nil {
		return 0, fmt.Errorf("tasks: prune: %w", err)
	}
	if len(ids) <= keep {
		return 0, nil
	}

	res := r.db.WithContext(ctx).Where("id IN ?", ids[keep:]).Delete(&db.Task{})
	if res.Error != nil {
		return 0, fmt.Errorf("tasks: prune: %w", res.Error)
	}
	return res.RowsAffected, nil
}
