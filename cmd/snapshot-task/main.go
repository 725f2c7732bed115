// Command snapshot-task takes the scheduled snapshot described by a snapshot
// task definition, pruning the oldest ones beyond max_count first.
package main

import (
	"fmt"
	"os"

	"github.com/rockstor/replicad/internal/cli"
	"github.com/rockstor/replicad/internal/tasks"
)

func main() {
	if err := cli.Preload(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(cli.ExitConfig)
	}
	cli.Exit(cli.NewTaskCommand(tasks.JobSnapshot, "snapshot-task", "Take a scheduled share snapshot").Execute())
}
