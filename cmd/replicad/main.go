package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/rockstor/replicad/internal/backup"
	"github.com/rockstor/replicad/internal/cli"
	"github.com/rockstor/replicad/internal/db"
	"github.com/rockstor/replicad/internal/ipc"
	"github.com/rockstor/replicad/internal/metrics"
	"github.com/rockstor/replicad/internal/opshttp"
	"github.com/rockstor/replicad/internal/replication"
	"github.com/rockstor/replicad/internal/repositories"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type config struct {
	cli.Common
	dataAddr           string
	metricsAddr        string
	applianceUUID      string
	keepSnapshots      int
	trailRetentionDays int
	trailKeepMin       int
}

func main() {
	if err := cli.Preload(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(cli.ExitConfig)
	}
	cli.Exit(newRootCmd().Execute())
}

func newRootCmd() *cobra.Command {
	cfg := &config{}

	root := &cobra.Command{
		Use:   "replicad",
		Short: "replicad runs the Rockstor replication service",
		Long: `replicad is the long-running replication service of a Rockstor appliance.
It serves the send broker on a unix socket, receives inbound replication
streams over TCP, runs the backup policies and prunes old trails.`,
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())
	root.AddCommand(newStatusCmd(cfg))

	cfg.Bind(root)
	f := root.Flags()
	f.StringVar(&cfg.dataAddr, "data-addr", envOrDefault("REPLICAD_DATA_ADDR", ":10002"), "Listen address for inbound replication streams")
	f.StringVar(&cfg.metricsAddr, "metrics-addr", envOrDefault("REPLICAD_METRICS_ADDR", "127.0.0.1:10003"), "Listen address for /metrics, /healthz and /sends; empty disables it")
	f.StringVar(&cfg.applianceUUID, "appliance-uuid", envOrDefault("REPLICAD_APPLIANCE_UUID", hostname()), "Identity of this appliance sent to receivers")
	f.IntVar(&cfg.keepSnapshots, "keep-snapshots", replication.DefaultKeepSnapshots, "Replication snapshots kept per replica on the sending side")
	f.IntVar(&cfg.trailRetentionDays, "trail-retention-days", 30, "Age in days after which trails may be pruned")
	f.IntVar(&cfg.trailKeepMin, "trail-keep-min", repositories.DefaultKeepMin, "Newest trails per replica, share or policy that are never pruned")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("replicad %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func newStatusCmd(cfg *config) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print the sends the running broker is working on, as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := replication.NewClient(replication.ClientConfig{Socket: cfg.Socket})
			if err != nil {
				return err
			}
			defer client.Close() //nolint:errcheck

			out, err := client.Status(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Println(out)
			return nil
		},
	}
}

func run(ctx context.Context, cfg *config) error {
	logger, err := cfg.Logger()
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	logger.Info("starting replicad",
		zap.String("version", version),
		zap.String("socket", cfg.Socket),
		zap.String("data_addr", cfg.dataAddr),
		zap.String("metrics_addr", cfg.metricsAddr),
		zap.String("db_driver", cfg.DBDriver),
		zap.String("appliance_uuid", cfg.applianceUUID),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	gdb, err := cfg.OpenDB(logger)
	if err != nil {
		return err
	}
	defer db.Close(gdb) //nolint:errcheck

	var (
		pools         = repositories.NewPoolRepository(gdb)
		shares        = repositories.NewShareRepository(gdb)
		snapshots     = repositories.NewSnapshotRepository(gdb)
		replicas      = repositories.NewReplicaRepository(gdb)
		replicaTrails = repositories.NewReplicaTrailRepository(gdb)
		rshares       = repositories.NewReplicaShareRepository(gdb)
		receiveTrails = repositories.NewReceiveTrailRepository(gdb)
		policies      = repositories.NewBackupPolicyRepository(gdb)
		policyTrails  = repositories.NewPolicyTrailRepository(gdb)
	)

	fs := cfg.Filesystem(logger)
	reg := metrics.New()
	notifier := cfg.Notifier(logger)
	retention := time.Duration(cfg.trailRetentionDays) * 24 * time.Hour

	sender := replication.NewSendWorker(replication.SendDeps{
		Replicas:  replicas,
		Trails:    replicaTrails,
		Pools:     pools,
		Shares:    shares,
		Snapshots: snapshots,
		FS:        fs,
		Notifier:  notifier,
		Metrics:   reg,
		Logger:    logger,
	}, replication.SendOptions{
		ApplianceUUID: cfg.applianceUUID,
		KeepSnapshots: cfg.keepSnapshots,
	})
	broker := replication.NewBroker(replicas, sender, reg, logger)

	receiver := replication.NewReceiver(replication.ReceiveDeps{
		Pools:     pools,
		Shares:    shares,
		Snapshots: snapshots,
		RShares:   rshares,
		Trails:    receiveTrails,
		FS:        fs,
		Layout:    fs.Layout,
		Notifier:  notifier,
		Metrics:   reg,
		Logger:    logger,
	})

	janitor, err := replication.NewJanitor(replication.JanitorConfig{
		Retention: retention,
		KeepMin:   cfg.trailKeepMin,
	}, replicas, replicaTrails, rshares, receiveTrails, logger)
	if err != nil {
		return err
	}

	scheduler, err := backup.NewScheduler(backup.Config{
		TrailRetention: retention,
		KeepMin:        cfg.trailKeepMin,
	}, backup.NewRunner(backup.Deps{
		Policies:  policies,
		Trails:    policyTrails,
		Pools:     pools,
		Shares:    shares,
		Snapshots: snapshots,
		FS:        fs,
		Exec:      cfg.Executor(),
		Layout:    fs.Layout,
		Notifier:  notifier,
		Metrics:   reg,
		Logger:    logger,
	}))
	if err != nil {
		return err
	}

	ipcLis, err := ipc.Listen(cfg.Socket)
	if err != nil {
		return err
	}
	dataLis, err := net.Listen("tcp", cfg.dataAddr)
	if err != nil {
		ipcLis.Close()
		return fmt.Errorf("failed to listen on %s: %w", cfg.dataAddr, err)
	}

	if _, err := janitor.FailInterrupted(ctx); err != nil {
		ipcLis.Close()
		dataLis.Close()
		return err
	}
	if err := janitor.Start(); err != nil {
		return err
	}
	defer janitor.Stop() //nolint:errcheck
	if err := scheduler.Start(ctx); err != nil {
		return err
	}
	defer scheduler.Stop() //nolint:errcheck

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return broker.Serve(gctx, ipcLis) })
	g.Go(func() error { return receiver.Serve(gctx, dataLis) })
	if cfg.metricsAddr != "" {
		opsLis, err := net.Listen("tcp", cfg.metricsAddr)
		if err != nil {
			cancel()
			_ = g.Wait()
			return fmt.Errorf("failed to listen on %s: %w", cfg.metricsAddr, err)
		}
		router := opshttp.NewRouter(opshttp.RouterConfig{
			Metrics:       reg.Handler(),
			Ping:          func(ctx context.Context) error { return db.Ping(ctx, gdb) },
			Sends:         broker,
			ReplicaTrails: replicaTrails,
			ReceiveTrails: receiveTrails,
			PolicyTrails:  policyTrails,
			Logger:        logger,
		})
		g.Go(func() error { return opshttp.Serve(gctx, opsLis, router, logger) })
	}

	err = g.Wait()
	logger.Info("shutting down replicad")
	return err
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "localhost"
	}
	return h
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
