package backup

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"

	"github.com/rockstor/replicad/internal/db"
	"github.com/rockstor/replicad/internal/repositories"
	"github.com/rockstor/replicad/internal/trail"
)

// Scheduler defaults.
const (
	DefaultTick           = time.Second
	DefaultTrailRetention = 30 * 24 * time.Hour
	MinFrequency          = 60 // seconds
)

// interruptedMessage ends trails left unfinished by a previous process.
const interruptedMessage = "interrupted: replicad restarted before the run finished"

// NormalizeFrequency returns the run interval for a policy frequency given in
// seconds: at least one minute, rounded to the nearest whole minute.
func NormalizeFrequency(seconds int) time.Duration {
	if seconds < MinFrequency {
		seconds = MinFrequency
	}
	minutes := (seconds + 30) / 60
	return time.Duration(minutes) * time.Minute
}

// Due reports whether policy should start a run at now given its latest
// trail, which is nil when the policy never ran. A run that has not ended
// blocks the next one.
func Due(policy *db.BackupPolicy, latest *db.PolicyTrail, now time.Time) bool {
	if !policy.Enabled || now.Before(policy.Start) {
		return false
	}
	if latest == nil {
		return true
	}
	if !latest.Status.IsTerminal() {
		return false
	}
	return now.Sub(latest.Start) >= NormalizeFrequency(policy.Frequency)
}

// Config tunes a Scheduler. Zero values select the defaults.
type Config struct {
	// Tick is the interval between policy evaluations.
	Tick time.Duration
	// TrailRetention is the age after which policy trails may be deleted.
	TrailRetention time.Duration
	// KeepMin trails per policy survive regardless of age.
	KeepMin int
}

// Scheduler evaluates the enabled policies every tick and starts the due
// ones, at most one run per policy at a time.
//
// The tick job runs in singleton mode so a slow evaluation delays the next
// tick instead of overlapping it. Runs execute on their own goroutines, which
// Stop waits for after cancelling them.
type Scheduler struct {
	cfg    Config
	runner *Runner
	cron   gocron.Scheduler
	logger *zap.Logger

	base   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	inflight map[uint]bool
}

// NewScheduler returns a Scheduler running policies with runner. Call Start
// to begin processing.
func NewScheduler(cfg Config, runner *Runner) (*Scheduler, error) {
	if cfg.Tick <= 0 {
		cfg.Tick = DefaultTick
	}
	if cfg.TrailRetention <= 0 {
		cfg.TrailRetention = DefaultTrailRetention
	}
	if cfg.KeepMin <= 0 {
		cfg.KeepMin = repositories.DefaultKeepMin
	}
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("failed to create gocron scheduler: %w", err)
	}
	base, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cfg:      cfg,
		runner:   runner,
		cron:     s,
		logger:   runner.Deps.Logger.Named("backup-scheduler"),
		base:     base,
		cancel:   cancel,
		inflight: make(map[uint]bool),
	}, nil
}

// Start fails the trails a previous process left unfinished, then schedules
// the tick job and starts the underlying gocron scheduler.
func (s *Scheduler) Start(ctx context.Context) error {
	if err := s.failInterrupted(ctx); err != nil {
		return err
	}
	_, err := s.cron.NewJob(
		gocron.DurationJob(s.cfg.Tick),
		gocron.NewTask(func() {
			ctx, cancel := context.WithTimeout(s.base, s.cfg.Tick*5)
			defer cancel()
			if _, err := s.Tick(ctx); err != nil {
				s.logger.Error("policy evaluation failed", zap.Error(err))
			}
		}),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithTags("backup-policies"),
	)
	if err != nil {
		return fmt.Errorf("failed to schedule policy evaluation: %w", err)
	}
	s.cron.Start()
	s.logger.Info("backup scheduler started", zap.Duration("tick", s.cfg.Tick))
	return nil
}

// Stop shuts down the tick job, cancels the runs in flight and waits for
// them to record their outcome.
func (s *Scheduler) Stop() error {
	err := s.cron.Shutdown()
	s.cancel()
	s.wg.Wait()
	if err != nil {
		return fmt.Errorf("scheduler shutdown error: %w", err)
	}
	s.logger.Info("backup scheduler stopped")
	return nil
}

// Wait blocks until every run started so far has finished.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// Tick evaluates every enabled policy once and starts the due ones. It
// returns the ids of the policies it started.
func (s *Scheduler) Tick(ctx context.Context) ([]uint, error) {
	policies, err := s.runner.Policies.ListEnabled(ctx)
	if err != nil {
		return nil, fmt.Errorf("backup: list policies: %w", err)
	}
	now := s.runner.Now()

	var started []uint
	for i := range policies {
		p := policies[i]
		if s.busy(p.ID) {
			continue
		}
		latest, err := s.runner.Trails.Latest(ctx, p.ID)
		if err != nil && !errors.Is(err, repositories.ErrNotFound) {
			s.logger.Error("failed to load latest trail", zap.Uint("policy_id", p.ID), zap.Error(err))
			continue
		}
		if !Due(&p, latest, now) {
			continue
		}
		if s.launch(&p) {
			started = append(started, p.ID)
		}
	}
	return started, nil
}

func (s *Scheduler) busy(id uint) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inflight[id]
}

func (s *Scheduler) launch(p *db.BackupPolicy) bool {
	s.mu.Lock()
	if s.inflight[p.ID] || s.base.Err() != nil {
		s.mu.Unlock()
		return false
	}
	s.inflight[p.ID] = true
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			delete(s.inflight, p.ID)
			s.mu.Unlock()
		}()

		if _, err := s.runner.Run(s.base, p); err != nil {
			s.logger.Error("backup run not recorded", zap.Uint("policy_id", p.ID), zap.Error(err))
		}
		s.pruneTrails(p.ID)
	}()
	return true
}

func (s *Scheduler) pruneTrails(policyID uint) {
	ctx := context.WithoutCancel(s.base)
	cutoff := s.runner.Now().Add(-s.cfg.TrailRetention)
	n, err := s.runner.Trails.PruneOlderThan(ctx, policyID, cutoff, s.cfg.KeepMin)
	if err != nil {
		s.logger.Warn("failed to prune policy trails", zap.Uint("policy_id", policyID), zap.Error(err))
		return
	}
	if n > 0 {
		s.logger.Debug("pruned policy trails", zap.Uint("policy_id", policyID), zap.Int64("deleted", n))
	}
}

// failInterrupted fails the latest trail of each enabled policy when it is still
// open. No run is in flight yet, so an open trail belongs to a process that
// died and would otherwise block the policy forever.
func (s *Scheduler) failInterrupted(ctx context.Context) error {
	policies, err := s.runner.Policies.ListEnabled(ctx)
	if err != nil {
		return fmt.Errorf("backup: list policies: %w", err)
	}
	for i := range policies {
		t, err := s.runner.Trails.Latest(ctx, policies[i].ID)
		if errors.Is(err, repositories.ErrNotFound) {
			continue
		}
		if err != nil {
			return fmt.Errorf("backup: latest trail: %w", err)
		}
		if t.Status.IsTerminal() {
			continue
		}
		if err := trail.PolicyFailed(t, interruptedMessage, s.runner.Now()); err != nil {
			return fmt.Errorf("backup: %w", err)
		}
		if err := s.runner.Trails.Save(ctx, t); err != nil {
			return fmt.Errorf("backup: save trail: %w", err)
		}
		s.logger.Warn("failed interrupted backup run",
			zap.Uint("policy_id", policies[i].ID),
			zap.Uint("trail_id", t.ID),
		)
	}
	return nil
}
