package cli

import (
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/rockstor/replicad/internal/crontab"
	"github.com/rockstor/replicad/internal/db"
	"github.com/rockstor/replicad/internal/repositories"
	"github.com/rockstor/replicad/internal/tasks"
)

// ParseID parses a positive decimal row id.
func ParseID(s string) (uint, error) {
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil || n == 0 {
		return 0, fmt.Errorf("invalid id %q: must be a positive integer", s)
	}
	return uint(n), nil
}

// NewTaskCommand returns the root command of a single-shot task runner
// binary: "<use> <task_definition_id> [crontab_window]".
func NewTaskCommand(job tasks.Job, use, short string) *cobra.Command {
	common := &Common{}
	var opts tasks.Options

	cmd := &cobra.Command{
		Use:           use + " <task_definition_id> [crontab_window]",
		Short:         short,
		Args:          cobra.RangeArgs(1, 2),
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := ParseID(args[0])
			if err != nil {
				return &tasks.RunError{Kind: tasks.KindConfig, Err: err}
			}
			window := crontab.Always
			if len(args) == 2 {
				window = args[1]
			}
			return runTask(cmd, common, job, opts, id, window)
		},
	}

	common.Bind(cmd)
	cmd.Flags().IntVar(&opts.MaxTaskLog, "max-task-log", envIntOrDefault("REPLICAD_MAX_TASK_LOG", tasks.DefaultMaxTaskLog), "Task rows kept per definition")
	if job == tasks.JobScrub {
		cmd.Flags().DurationVar(&opts.PollInterval, "poll-interval", tasks.DefaultPollInterval, "Interval between scrub status checks")
		cmd.Flags().IntVar(&opts.MaxPoll, "max-poll", 0, "Give up after this many status checks (0 polls until the scrub ends)")
	}
	return cmd
}

func runTask(cmd *cobra.Command, common *Common, job tasks.Job, opts tasks.Options, id uint, window string) error {
	logger, err := common.Logger()
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	gdb, err := common.OpenDB(logger)
	if err != nil {
		return &tasks.RunError{Kind: tasks.KindTrail, Err: err}
	}
	defer db.Close(gdb) //nolint:errcheck

	exec := common.Executor()
	runner := tasks.NewRunner(tasks.Deps{
		TaskDefs:  repositories.NewTaskDefinitionRepository(gdb),
		Tasks:     repositories.NewTaskRepository(gdb),
		Pools:     repositories.NewPoolRepository(gdb),
		Shares:    repositories.NewShareRepository(gdb),
		Snapshots: repositories.NewSnapshotRepository(gdb),
		FS:        common.Filesystem(logger),
		Power:     common.Appliance(),
		Pinger:    tasks.CommandPinger{Exec: exec},
		Notifier:  common.Notifier(logger),
		Logger:    logger,
	}, opts)

	start := time.Now()
	err = runner.Run(ctx, job, id, window)
	logger.Debug("task runner finished",
		zap.String("job", string(job)),
		zap.Uint("task_def_id", id),
		zap.Duration("elapsed", time.Since(start)),
		zap.Error(err),
	)
	return err
}
