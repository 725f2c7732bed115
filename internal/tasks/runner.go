// Package tasks implements the single-shot scheduled task runners: pool
// scrub, scheduled snapshot, and reboot/shutdown/suspend. A runner is
// launched with a TaskDefinition id and a crontab window, checks that it may
// run, performs the operation and records the attempt as a Task row.
package tasks

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/rockstor/replicad/internal/btrfs"
	"github.com/rockstor/replicad/internal/crontab"
	"github.com/rockstor/replicad/internal/db"
	"github.com/rockstor/replicad/internal/metrics"
	"github.com/rockstor/replicad/internal/notification"
	"github.com/rockstor/replicad/internal/repositories"
	"github.com/rockstor/replicad/internal/retention"
	"github.com/rockstor/replicad/internal/types"
)

// Job selects which runner handles an invocation.
type Job string

const (
	JobScrub    Job = "scrub"
	JobSnapshot Job = "snapshot"
	JobPower    Job = "power"
)

func (j Job) accepts(t types.TaskType) bool {
	switch j {
	case JobScrub:
		return t == types.TaskTypeScrub
	case JobSnapshot:
		return t == types.TaskTypeSnapshot
	case JobPower:
		return t.IsPower()
	}
	return false
}

// Defaults for Options.
const (
	DefaultMaxTaskLog   = 100
	DefaultPollInterval = 60 * time.Second
)

// PowerClient issues power commands to the appliance.
type PowerClient interface {
	Power(ctx context.Context, kind types.TaskType, wakeEpoch *int64) error
}

// Deps are the collaborators of a Runner. Notifier and Metrics are optional.
type Deps struct {
	TaskDefs  repositories.TaskDefinitionRepository
	Tasks     repositories.TaskRepository
	Pools     repositories.PoolRepository
	Shares    repositories.ShareRepository
	Snapshots repositories.SnapshotRepository
	FS        btrfs.FilesystemOps
	Power     PowerClient
	Pinger    Pinger
	Notifier  notification.Service
	Metrics   *metrics.Registry
	Logger    *zap.Logger
}

// Options tune a Runner. Zero values select the defaults.
type Options struct {
	// MaxTaskLog is how many Tasks are kept per definition.
	MaxTaskLog int
	// PollInterval spaces scrub status checks.
	PollInterval time.Duration
	// MaxPoll bounds the number of scrub status checks. 0 polls until the
	// scrub reaches a terminal state.
	MaxPoll int
	Now     func() time.Time
	Sleep   SleepFunc
}

// Runner executes task definitions.
type Runner struct {
	Deps
	opts   Options
	pruner *retention.Pruner
	logger *zap.Logger
}

// NewRunner returns a Runner.
func NewRunner(d Deps, opts Options) *Runner {
	if opts.MaxTaskLog <= 0 {
		opts.MaxTaskLog = DefaultMaxTaskLog
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Sleep == nil {
		opts.Sleep = Sleep
	}
	if d.Notifier == nil {
		d.Notifier = notification.Nop()
	}
	return &Runner{
		Deps:   d,
		opts:   opts,
		pruner: retention.NewPruner(d.Snapshots, d.FS, d.Logger),
		logger: d.Logger.Named("tasks"),
	}
}

// Run executes the task definition taskDefID with the job's runner, when now
// lies inside window. Skipped runs (outside the window, wrong task type, a
// scrub still in flight, ping scan hosts still up) return nil without
// writing a Task. Failures are returned as *RunError.
func (r *Runner) Run(ctx context.Context, job Job, taskDefID uint, window string) error {
	log := r.logger.Named(string(job)).With(zap.Uint("task_def_id", taskDefID))

	in, err := crontab.InWindow(window, r.opts.Now())
	if err != nil {
		return configErr(err)
	}
	if !in {
		log.Info("outside crontab window, not running", zap.String("window", window))
		return nil
	}

	def, err := r.TaskDefs.GetByID(ctx, taskDefID)
	if errors.Is(err, repositories.ErrNotFound) {
		return configErr(fmt.Errorf("task definition %d does not exist", taskDefID))
	}
	if err != nil {
		return trailErr(err)
	}
	log = log.With(zap.String("task", def.Name), zap.String("task_type", string(def.TaskType)))

	if !job.accepts(def.TaskType) {
		log.Warn("task type not handled by this runner, not running")
		return nil
	}
	if !def.Enabled {
		log.Info("task definition is disabled, not running")
		return nil
	}

	meta, err := ParseMeta(def.TaskType, def.JSONMeta)
	if err != nil {
		return configErr(err)
	}

	switch m := meta.(type) {
	case *ScrubMeta:
		err = r.runScrub(ctx, log, def, m)
	case *SnapshotMeta:
		err = r.runSnapshot(ctx, log, def, m)
	case *ShutdownMeta:
		err = r.runPower(ctx, log, def, m)
	}
	return err
}

// startTask inserts the Task row for an attempt.
func (r *Runner) startTask(ctx context.Context, def *db.TaskDefinition, state types.TaskState, start time.Time) (*db.Task, error) {
	task := &db.Task{TaskDefID: def.ID, State: state, Start: start}
	if err := r.Tasks.Create(ctx, task); err != nil {
		return nil, trailErr(err)
	}
	return task, nil
}

// endTask stores a terminal state. opErr, when set, is the operation failure
// that led here and is what the caller gets back.
func (r *Runner) endTask(ctx context.Context, log *zap.Logger, def *db.TaskDefinition, task *db.Task, state types.TaskState, opErr error) error {
	end := r.opts.Now()
	task.State = state
	task.End = &end
	if err := r.Tasks.Update(ctx, task); err != nil {
		log.Error("failed to record task state", zap.String("state", string(state)), zap.Error(err))
		return trailErr(err)
	}

	ok := opErr == nil && state == types.TaskStateFinished
	r.Metrics.ObserveTaskRun(string(def.TaskType), ok)
	if !ok {
		msg := string(state)
		if opErr != nil {
			msg = opErr.Error()
		}
		_ = r.Notifier.TaskFailed(ctx, def.ID, def.Name, msg)
	}
	if opErr != nil {
		return operationErr(opErr)
	}
	return nil
}

// pruneTasks trims the Task log of def. Failures only log.
func (r *Runner) pruneTasks(ctx context.Context, log *zap.Logger, def *db.TaskDefinition) {
	n, err := r.Tasks.PruneForDefinition(ctx, def.ID, r.opts.MaxTaskLog)
	if err != nil {
		log.Warn("failed to prune task log", zap.Error(err))
		return
	}
	if n > 0 {
		log.Debug("pruned task log", zap.Int64("deleted", n))
	}
}

// resolvePool finds a pool by numeric id or by name.
func (r *Runner) resolvePool(ctx context.Context, ref string) (*db.Pool, error) {
	if id, err := strconv.ParseUint(ref, 10, 64); err == nil {
		p, err := r.Pools.GetByID(ctx, uint(id))
		if err == nil || !errors.Is(err, repositories.ErrNotFound) {
			return p, err
		}
	}
	return r.Pools.GetByName(ctx, ref)
}
