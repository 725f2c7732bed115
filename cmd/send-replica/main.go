// Command send-replica asks the running replicad broker to start a send for
// one replica. It is launched by cron for every replica schedule and exits
// as soon as the broker has accepted, coalesced or rejected the request.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/rockstor/replicad/internal/cli"
	"github.com/rockstor/replicad/internal/replication"
)

func main() {
	if err := cli.Preload(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(cli.ExitConfig)
	}
	cli.Exit(newRootCmd().Execute())
}

func newRootCmd() *cobra.Command {
	common := &cli.Common{}
	var (
		timeout  time.Duration
		attempts int
	)

	cmd := &cobra.Command{
		Use:           "send-replica <replica_id>",
		Short:         "Request a replication send from the replicad broker",
		Args:          cobra.ExactArgs(1),
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := cli.ParseID(args[0])
			if err != nil {
				return err
			}

			logger, err := common.Logger()
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			client, err := replication.NewClient(replication.ClientConfig{
				Socket:   common.Socket,
				Timeout:  timeout,
				Attempts: attempts,
				Logger:   logger,
			})
			if err != nil {
				return err
			}
			defer client.Close() //nolint:errcheck

			reply, err := client.RequestNewSend(cmd.Context(), id)
			if err != nil {
				logger.Error("send request failed", zap.Uint("replica_id", id), zap.Error(err))
				return err
			}
			logger.Info("send requested", zap.Uint("replica_id", id), zap.String("reply", reply))
			return nil
		},
	}

	common.Bind(cmd)
	cmd.Flags().DurationVar(&timeout, "timeout", replication.DefaultRequestTimeout, "Time to wait for the broker on each attempt")
	cmd.Flags().IntVar(&attempts, "attempts", replication.DefaultAttempts, "Number of attempts before giving up")
	return cmd
}
