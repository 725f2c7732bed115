package tasks

import (
	"errors"
	"fmt"
)

// Kind classifies why a run failed. Binaries map kinds to exit codes.
type Kind int

const (
	// KindOperation means the filesystem or appliance operation failed.
	KindOperation Kind = iota + 1
	// KindConfig means the task definition is missing or its metadata is
	// invalid, or the window argument is malformed.
	KindConfig
	// KindTrail means a Task row could not be read or written.
	KindTrail
)

func (k Kind) String() string {
	switch k {
	case KindOperation:
		return "operation"
	case KindConfig:
		return "config"
	case KindTrail:
		return "trail"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// RunError is returned by Runner.Run.
type RunError struct {
	Kind Kind
	Err  error
}

func (e *RunError) Error() string {
	return fmt.Sprintf("tasks: %s error: %v", e.Kind, e.Err)
}

func (e *RunError) Unwrap() error { return e.Err }

// KindOf returns the Kind of err, or 0 when err is not a *RunError.
func KindOf(err error) Kind {
	var re *RunError
	if errors.As(err, &re) {
		return re.Kind
	}
	return 0
}

var (
	// ErrInvalidMeta is wrapped by every metadata decoding or validation
	// failure.
	ErrInvalidMeta = errors.New("tasks: invalid metadata")

	// ErrPollLimit is recorded when a scrub has not finished after the
	// configured number of polls.
	ErrPollLimit = errors.New("tasks: scrub poll limit reached")
)

func configErr(err error) error    { return &RunError{Kind: KindConfig, Err: err} }
func trailErr(err error) error     { return &RunError{Kind: KindTrail, Err: err} }
func operationErr(err error) error { return &RunError{Kind: KindOperation, Err: err} }
