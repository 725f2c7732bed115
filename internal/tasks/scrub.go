package tasks

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/rockstor/replicad/internal/db"
	"github.com/rockstor/replicad/internal/repositories"
	"github.com/rockstor/replicad/internal/types"
)

func (r *Runner) runScrub(ctx context.Context, log *zap.Logger, def *db.TaskDefinition, m *ScrubMeta) error {
	pool, err := r.resolvePool(ctx, m.Pool)
	if errors.Is(err, repositories.ErrNotFound) {
		return configErr(fmt.Errorf("pool %q does not exist", m.Pool))
	}
	if err != nil {
		return trailErr(err)
	}
	log = log.With(zap.String("pool", pool.Name))

	busy, err := r.scrubInFlight(ctx, log, def, pool)
	if err != nil {
		return err
	}
	if busy {
		log.Info("previous scrub is still running, not starting another")
		return nil
	}

	task, err := r.startTask(ctx, def, types.TaskStateStarted, r.opts.Now())
	if err != nil {
		return err
	}
	defer r.pruneTasks(ctx, log, def)

	pid, err := r.FS.ScrubStart(ctx, pool.Name)
	if err != nil {
		log.Error("failed to start scrub", zap.Error(err))
		return r.endTask(ctx, log, def, task, types.TaskStateError, err)
	}
	log.Info("scrub started", zap.Int("pid", pid), zap.Uint("task_id", task.ID))

	task.State = types.TaskStateRunning
	if err := r.Tasks.Update(ctx, task); err != nil {
		return trailErr(err)
	}
	return r.pollScrub(ctx, log, def, pool, task)
}

// scrubInFlight applies the overlap guard: when the latest Task is not in a
// terminal scrub state its live status is fetched once and stored. A status
// that cannot be read ends that Task as conn-reset. It reports whether the
// previous Task is still running afterwards.
func (r *Runner) scrubInFlight(ctx context.Context, log *zap.Logger, def *db.TaskDefinition, pool *db.Pool) (bool, error) {
	last, err := r.Tasks.Latest(ctx, def.ID)
	if errors.Is(err, repositories.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, trailErr(err)
	}
	if last.State.IsScrubTerminal() {
		return false, nil
	}

	st, err := r.FS.ScrubStatus(ctx, pool.Name)
	if err != nil {
		// An unobservable scrub ends as conn-reset.
		log.Warn("could not refresh status of previous scrub, closing it", zap.Uint("task_id", last.ID), zap.Error(err))
		end := r.opts.Now()
		last.State = types.TaskStateConnReset
		last.End = &end
		if err := r.Tasks.Update(ctx, last); err != nil {
			return false, trailErr(err)
		}
		return false, nil
	}
	if st.State == last.State {
		return !last.State.IsScrubTerminal(), nil
	}
	last.State = st.State
	if st.State.IsScrubTerminal() {
		end := r.opts.Now()
		last.End = &end
	}
	if err := r.Tasks.Update(ctx, last); err != nil {
		return false, trailErr(err)
	}
	return !last.State.IsScrubTerminal(), nil
}

func (r *Runner) pollScrub(ctx context.Context, log *zap.Logger, def *db.TaskDefinition, pool *db.Pool, task *db.Task) error {
	for polls := 0; ; polls++ {
		if r.opts.MaxPoll > 0 && polls >= r.opts.MaxPoll {
			log.Error("scrub did not finish in time", zap.Int("polls", polls))
			return r.endTask(ctx, log, def, task, types.TaskStateError, ErrPollLimit)
		}
		if err := r.opts.Sleep(ctx, r.opts.PollInterval); err != nil {
			return operationErr(err)
		}

		st, err := r.FS.ScrubStatus(ctx, pool.Name)
		if err != nil {
			log.Error("failed to read scrub status", zap.Error(err))
			return r.endTask(ctx, log, def, task, types.TaskStateConnReset, err)
		}

		if st.State.IsScrubTerminal() {
			log.Info("scrub ended",
				zap.String("state", string(st.State)),
				zap.Duration("duration", st.Duration),
				zap.Int64("kb_scrubbed", st.KBScrubbed),
				zap.Int64("errors", st.Errors),
			)
			return r.endTask(ctx, log, def, task, st.State, nil)
		}
		task.State = st.State
		if err := r.Tasks.Update(ctx, task); err != nil {
			return trailErr(err)
		}
	}
}
