// Package trail holds the state machines for replication and backup trails.
//
// A trail is created pending and ends exactly once, in succeeded or failed.
// Each stage timestamp is stamped at most once, only after the stage before
// it, and never earlier than it. Failing always records a non-empty error.
// Terminal trails reject every further mutation with ErrTerminal.
//
// The functions mutate the row in memory only; callers persist it through the
// repositories after a transition returns nil.
package trail

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrTerminal is returned when a transition is attempted on a trail that
	// has already succeeded or failed.
	ErrTerminal = errors.New("trail: already terminal")

	// ErrOutOfOrder is returned when a stage is stamped twice, before its
	// predecessor, or with a time earlier than the previous stage.
	ErrOutOfOrder = errors.New("trail: stage out of order")

	// ErrMissingError is returned when a trail is failed without a message.
	ErrMissingError = errors.New("trail: failure requires an error message")
)

// stamp sets *slot to at after checking that slot is empty, that prev has
// been stamped, and that at does not go back in time.
func stamp(name string, slot **time.Time, prev *time.Time, at time.Time) error {
	if *slot != nil {
		return fmt.Errorf("%w: %s already stamped", ErrOutOfOrder, name)
	}
	if prev == nil {
		return fmt.Errorf("%w: %s before its predecessor", ErrOutOfOrder, name)
	}
	if at.Before(*prev) {
		return fmt.Errorf("%w: %s at %s is earlier than %s", ErrOutOfOrder, name,
			at.Format(time.RFC3339), prev.Format(time.RFC3339))
	}
	t := at
	*slot = &t
	return nil
}

// latest returns the most recent non-nil timestamp, used as the predecessor
// of end_ts and of failure stamps that may happen at any stage.
func latest(ts ...*time.Time) *time.Time {
	var out *time.Time
	for _, t := range ts {
		if t != nil && (out == nil || t.After(*out)) {
			out = t
		}
	}
	return out
}

func failureMessage(msg string) (string, error) {
	msg = strings.TrimSpace(msg)
	if msg == "" {
		return "", ErrMissingError
	}
	return msg, nil
}

func ptr(t time.Time) *time.Time { return &t }
