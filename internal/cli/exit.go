package cli

import (
	"fmt"
	"os"

	"github.com/rockstor/replicad/internal/tasks"
)

// Exit codes shared by the binaries.
const (
	ExitOK        = 0
	ExitOperation = 1
	ExitConfig    = 2
	ExitTrail     = 3
)

// ExitCode maps err to a process exit code. Task runner errors are mapped by
// kind; any other error is an operation failure.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	switch tasks.KindOf(err) {
	case tasks.KindConfig:
		return ExitConfig
	case tasks.KindTrail:
		return ExitTrail
	}
	return ExitOperation
}

// Exit prints err to stderr and exits with its code. It returns only when
// err is nil.
func Exit(err error) {
	if err == nil {
		return
	}
	fmt.Fprintln(os.Stderr, err)
	os.Exit(ExitCode(err))
}
