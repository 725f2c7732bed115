// Package cli holds what the replicad binaries share: flag definitions with
// environment defaults, logger construction, opening the database and
// building the filesystem and notification collaborators, and the mapping of
// errors to exit codes.
package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/rockstor/replicad/internal/appliance"
	"github.com/rockstor/replicad/internal/btrfs"
	"github.com/rockstor/replicad/internal/command"
	"github.com/rockstor/replicad/internal/db"
	"github.com/rockstor/replicad/internal/notification"
)

// DefaultSocket is the broker's IPC socket.
const DefaultSocket = "/var/run/rockstor/replicad.sock"

// Common is the configuration every binary accepts.
type Common struct {
	EnvFile        string
	DBDriver       string
	DBDSN          string
	Socket         string
	MntRoot        string
	CommandTimeout time.Duration
	Log            LogConfig
	APIURL         string
	APIToken       string
	APIInsecure    bool
	WebhookURL     string
	WebhookSecret  string
}

// Bind registers the common flags on cmd as persistent flags. Defaults come
// from REPLICAD_* environment variables.
func (c *Common) Bind(cmd *cobra.Command) {
	f := cmd.PersistentFlags()
	f.StringVar(&c.EnvFile, "env-file", envOrDefault(EnvFileVar, DefaultEnvFile), "Environment file loaded before flags are resolved")
	f.StringVar(&c.DBDriver, "db-driver", envOrDefault("REPLICAD_DB_DRIVER", "sqlite"), "Database driver (sqlite or postgres)")
	f.StringVar(&c.DBDSN, "db-dsn", envOrDefault("REPLICAD_DB_DSN", "/var/lib/rockstor/replicad.db"), "Database DSN or file path for SQLite")
	f.StringVar(&c.Socket, "socket", envOrDefault("REPLICAD_IPC_SOCKET", DefaultSocket), "Unix socket of the replication broker")
	f.StringVar(&c.MntRoot, "mnt-root", envOrDefault("REPLICAD_MNT_ROOT", btrfs.DefaultMntRoot), "Directory pools and shares are mounted under")
	f.DurationVar(&c.CommandTimeout, "command-timeout", time.Duration(envIntOrDefault("REPLICAD_COMMAND_TIMEOUT_SECONDS", 600))*time.Second, "Timeout of a single btrfs, mount or rsync command")
	f.StringVar(&c.Log.Level, "log-level", envOrDefault("REPLICAD_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")
	f.StringVar(&c.Log.File, "log-file", envOrDefault("REPLICAD_LOG_FILE", ""), "Also write logs to this file, rotated by size")
	f.IntVar(&c.Log.MaxSizeMB, "log-max-size", envIntOrDefault("REPLICAD_LOG_MAX_SIZE_MB", 10), "Log file size in MB before rotation")
	f.IntVar(&c.Log.MaxBackups, "log-max-backups", envIntOrDefault("REPLICAD_LOG_MAX_BACKUPS", 3), "Rotated log files to keep")
	f.IntVar(&c.Log.MaxAgeDays, "log-max-age", envIntOrDefault("REPLICAD_LOG_MAX_AGE_DAYS", 28), "Days to keep rotated log files")
	f.StringVar(&c.APIURL, "api-url", envOrDefault("REPLICAD_API_URL", appliance.DefaultBaseURL), "Appliance API root")
	f.StringVar(&c.APIToken, "api-token", envOrDefault("REPLICAD_API_TOKEN", ""), "Bearer token for the appliance API")
	f.BoolVar(&c.APIInsecure, "api-insecure", envOrDefault("REPLICAD_API_INSECURE", "true") == "true", "Skip TLS verification of the appliance API")
	f.StringVar(&c.WebhookURL, "webhook-url", envOrDefault("REPLICAD_WEBHOOK_URL", ""), "Webhook notified of failures; empty disables notifications")
	f.StringVar(&c.WebhookSecret, "webhook-secret", envOrDefault("REPLICAD_WEBHOOK_SECRET", ""), "HMAC secret signing webhook bodies")
}

// Logger builds the process logger.
func (c *Common) Logger() (*zap.Logger, error) {
	return BuildLogger(c.Log)
}

// OpenDB opens the trail store and applies pending migrations.
func (c *Common) OpenDB(logger *zap.Logger) (*gorm.DB, error) {
	level := gormlogger.Warn
	if c.Log.Level == "debug" {
		level = gormlogger.Info
	}
	gdb, err := db.New(db.Config{
		Driver:   c.DBDriver,
		DSN:      c.DBDSN,
		Logger:   logger,
		LogLevel: level,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return gdb, nil
}

// Executor returns the command runner for external binaries.
func (c *Common) Executor() *command.Runner {
	return command.NewRunner(c.CommandTimeout)
}

// Filesystem returns the btrfs command implementation rooted at MntRoot.
func (c *Common) Filesystem(logger *zap.Logger) *btrfs.Commander {
	return btrfs.NewCommander(c.MntRoot, c.Executor(), logger)
}

// Notifier returns the webhook notifier, a no-op when no URL is set.
func (c *Common) Notifier(logger *zap.Logger) notification.Service {
	return notification.NewService(notification.WebhookConfig{
		URL:    c.WebhookURL,
		Secret: c.WebhookSecret,
	}, logger)
}

// Appliance returns the appliance API client.
func (c *Common) Appliance() *appliance.Client {
	return appliance.New(appliance.Config{
		BaseURL:  c.APIURL,
		Token:    c.APIToken,
		Insecure: c.APIInsecure,
	})
}
