// Command pool-scrub starts a scrub of the pool named by a scrub task
// definition and polls it until it ends.
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
	cli.Exit(cli.NewTaskCommand(tasks.JobScrub, "pool-scrub", "Run a scheduled pool scrub").Execute())
}
