package replication

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"

	"github.com/rockstor/replicad/internal/repositories"
	"github.com/rockstor/replicad/internal/trail"
)

// interruptedMessage ends trails left pending by a previous process.
const interruptedMessage = "interrupted: replicad restarted before the transfer finished"

// Janitor defaults.
const (
	DefaultTrailRetention = 30 * 24 * time.Hour
	DefaultJanitorEvery   = time.Hour
)

// JanitorConfig configures trail retention.
type JanitorConfig struct {
	// Retention is the age after which trails may be deleted.
	Retention time.Duration
	// KeepMin trails per parent survive regardless of age.
	KeepMin int
	// Every is the interval between passes.
	Every time.Duration
}

// Janitor prunes ReplicaTrail and ReceiveTrail rows on a schedule.
type Janitor struct {
	cfg           JanitorConfig
	replicas      repositories.ReplicaRepository
	replicaTrails repositories.ReplicaTrailRepository
	rshares       repositories.ReplicaShareRepository
	receiveTrails repositories.ReceiveTrailRepository
	cron          gocron.Scheduler
	logger        *zap.Logger
	now           func() time.Time
}

// NewJanitor returns a Janitor. Call Start to schedule it.
func NewJanitor(
	cfg JanitorConfig,
	replicas repositories.ReplicaRepository,
	replicaTrails repositories.ReplicaTrailRepository,
	rshares repositories.ReplicaShareRepository,
	receiveTrails repositories.ReceiveTrailRepository,
	logger *zap.Logger,
) (*Janitor, error) {
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultTrailRetention
	}
	if cfg.KeepMin <= 0 {
		cfg.KeepMin = repositories.DefaultKeepMin
	}
	if cfg.Every <= 0 {
		cfg.Every = DefaultJanitorEvery
	}
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("failed to create gocron scheduler: %w", err)
	}
	return &Janitor{
		cfg:           cfg,
		replicas:      replicas,
		replicaTrails: replicaTrails,
		rshares:       rshares,
		receiveTrails: receiveTrails,
		cron:          s,
		logger:        logger.Named("janitor"),
		now:           time.Now,
	}, nil
}

// Start schedules a pass every cfg.Every, the first one immediately.
func (j *Janitor) Start() error {
	_, err := j.cron.NewJob(
		gocron.DurationJob(j.cfg.Every),
		gocron.NewTask(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
			defer cancel()
			if _, err := j.Prune(ctx); err != nil {
				j.logger.Error("trail retention pass failed", zap.Error(err))
			}
		}),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithStartAt(gocron.WithStartImmediately()),
	)
	if err != nil {
		return fmt.Errorf("gocron.NewJob failed for trail retention: %w", err)
	}
	j.cron.Start()
	j.logger.Info("trail retention scheduled",
		zap.Duration("every", j.cfg.Every),
		zap.Duration("retention", j.cfg.Retention),
		zap.Int("keep_min", j.cfg.KeepMin),
	)
	return nil
}

// Stop waits for a running pass and stops the schedule.
func (j *Janitor) Stop() error {
	if err := j.cron.Shutdown(); err != nil {
		return fmt.Errorf("janitor shutdown error: %w", err)
	}
	return nil
}

// Prune runs one pass and returns how many rows were deleted. A failure for
// one parent is logged and the pass continues.
func (j *Janitor) Prune(ctx context.Context) (int64, error) {
	cutoff := j.now().Add(-j.cfg.Retention)
	var total int64

	replicas, err := j.replicas.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("janitor: list replicas: %w", err)
	}
	for _, r := range replicas {
		n, err := j.replicaTrails.PruneOlderThan(ctx, r.ID, cutoff, j.cfg.KeepMin)
		if err != nil {
			j.logger.Warn("failed to prune replica trails", zap.Uint("replica_id", r.ID), zap.Error(err))
			continue
		}
		total += n
	}

	rshares, err := j.rshares.List(ctx)
	if err != nil {
		return total, fmt.Errorf("janitor: list replica shares: %w", err)
	}
	for _, rs := range rshares {
		n, err := j.receiveTrails.PruneOlderThan(ctx, rs.ID, cutoff, j.cfg.KeepMin)
		if err != nil {
			j.logger.Warn("failed to prune receive trails", zap.Uint("rshare_id", rs.ID), zap.Error(err))
			continue
		}
		total += n
	}

	if total > 0 {
		j.logger.Info("pruned trails", zap.Int64("deleted", total), zap.Time("cutoff", cutoff))
	}
	return total, nil
}

// FailInterrupted fails every ReplicaTrail and ReceiveTrail still pending and
// returns how many it ended. It must run before the broker and receiver start
// serving: at that point no transfer is in flight, so a pending row belongs
// to a process that died. A row that cannot be failed is logged and skipped.
func (j *Janitor) FailInterrupted(ctx context.Context) (int, error) {
	now := j.now()
	failed := 0

	sends, err := j.replicaTrails.ListPending(ctx)
	if err != nil {
		return 0, fmt.Errorf("janitor: %w", err)
	}
	for i := range sends {
		t := &sends[i]
		log := j.logger.With(zap.Uint("replica_id", t.ReplicaID), zap.Uint("trail_id", t.ID))
		at := notBefore(now, t.SnapshotCreated, t.SendPending)
		if err := trail.SendFailed(t, interruptedMessage, at); err != nil {
			log.Error("cannot fail interrupted send", zap.Error(err))
			continue
		}
		if err := j.replicaTrails.Save(ctx, t); err != nil {
			return failed, fmt.Errorf("janitor: %w", err)
		}
		failed++
		log.Warn("failed interrupted send")
	}

	receives, err := j.receiveTrails.ListPending(ctx)
	if err != nil {
		return failed, fmt.Errorf("janitor: %w", err)
	}
	for i := range receives {
		t := &receives[i]
		log := j.logger.With(zap.Uint("rshare_id", t.RShareID), zap.Uint("trail_id", t.ID))
		if err := trail.ReceiveFailed(t, interruptedMessage, notBefore(now, t.ReceivePending)); err != nil {
			log.Error("cannot fail interrupted receive", zap.Error(err))
			continue
		}
		if err := j.receiveTrails.Save(ctx, t); err != nil {
			return failed, fmt.Errorf("janitor: %w", err)
		}
		failed++
		log.Warn("failed interrupted receive")
	}
	return failed, nil
}

// notBefore returns now, or the latest of ts when the clock went back since
// a stage was stamped.
func notBefore(now time.Time, ts ...*time.Time) time.Time {
	for _, t := range ts {
		if t != nil && t.After(now) {
			now = *t
		}
	}
	return now
}
