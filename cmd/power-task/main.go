// Command power-task reboots, shuts down or suspends the appliance as
// described by a power task definition.
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
	cli.Exit(cli.NewTaskCommand(tasks.JobPower, "power-task", "Reboot, shut down or suspend the appliance").Execute())
}
