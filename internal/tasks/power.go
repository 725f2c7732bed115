package tasks

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/rockstor/replicad/internal/db"
	"github.com/rockstor/replicad/internal/types"
)

func (r *Runner) runPower(ctx context.Context, log *zap.Logger, def *db.TaskDefinition, m *ShutdownMeta) error {
	if m.PingScan {
		interval := time.Duration(m.Interval) * time.Second
		if !RunConditionsMet(ctx, r.Pinger, m.Addresses, interval, m.Iterations, r.opts.Sleep) {
			log.Info("ping scan: a monitored host is still up, not proceeding",
				zap.Strings("addresses", m.Addresses))
			return nil
		}
	}

	start := r.opts.Now().Truncate(time.Minute)
	task, err := r.startTask(ctx, def, types.TaskStateScheduled, start)
	if err != nil {
		return err
	}
	defer r.pruneTasks(ctx, log, def)

	var wake *int64
	if def.TaskType == types.TaskTypeSuspend || (def.TaskType == types.TaskTypeShutdown && m.Wakeup) {
		epoch, err := WakeEpoch(def.Crontab, m.RTCHour, m.RTCMinute, start)
		if err != nil {
			log.Error("could not compute wake time", zap.Error(err))
			return r.endTask(ctx, log, def, task, types.TaskStateFailed, err)
		}
		wake = &epoch
		log = log.With(zap.Time("wake", time.Unix(epoch, 0)))
	}

	if err := r.Power.Power(ctx, def.TaskType, wake); err != nil {
		log.Error("power command failed", zap.Error(err))
		return r.endTask(ctx, log, def, task, types.TaskStateFailed, err)
	}
	log.Info("power command accepted")
	return r.endTask(ctx, log, def, task, types.TaskStateFinished, nil)
}
