package trail

import (
	"fmt"
	"time"

	"github.com/rockstor/replicad/internal/db"
	"github.com/rockstor/replicad/internal/types"
)

// NewPolicy returns a PolicyTrail in the started state.
func NewPolicy(policyID uint, at time.Time) *db.PolicyTrail {
	return &db.PolicyTrail{
		PolicyID: policyID,
		Status:   types.PolicyStarted,
		Start:    at,
	}
}

// PolicySnapshotCreated moves a started run to "snapshot created".
func PolicySnapshotCreated(t *db.PolicyTrail, at time.Time) error {
	if err := policyExpect(t, types.PolicyStarted); err != nil {
		return err
	}
	if err := stamp("snapshot_created", &t.SnapshotCreated, &t.Start, at); err != nil {
		return err
	}
	t.Status = types.PolicySnapshotCreated
	return nil
}

// PolicySyncStarted moves the run to "sync started".
func PolicySyncStarted(t *db.PolicyTrail, at time.Time) error {
	if err := policyExpect(t, types.PolicySnapshotCreated); err != nil {
		return err
	}
	if err := stamp("sync_started", &t.SyncStarted, t.SnapshotCreated, at); err != nil {
		return err
	}
	t.Status = types.PolicySyncStarted
	return nil
}

// PolicySucceeded ends a run whose sync has completed.
func PolicySucceeded(t *db.PolicyTrail, at time.Time) error {
	if err := policyExpect(t, types.PolicySyncStarted); err != nil {
		return err
	}
	if err := stamp("end", &t.End, t.SyncStarted, at); err != nil {
		return err
	}
	t.Status = types.PolicySucceeded
	return nil
}

// PolicyFailed ends a run from any non-terminal status.
func PolicyFailed(t *db.PolicyTrail, msg string, at time.Time) error {
	if t.Status.IsTerminal() {
		return ErrTerminal
	}
	msg, err := failureMessage(msg)
	if err != nil {
		return err
	}
	prev := latest(&t.Start, t.SnapshotCreated, t.SyncStarted)
	if err := stamp("end", &t.End, prev, at); err != nil {
		return err
	}
	t.ErrorMessage = msg
	t.Status = types.PolicyFailed
	return nil
}

func policyExpect(t *db.PolicyTrail, want types.PolicyTrailStatus) error {
	if t.Status.IsTerminal() {
		return ErrTerminal
	}
	if t.Status != want {
		return fmt.Errorf("%w: status is %q, want %q", ErrOutOfOrder, t.Status, want)
	}
	return nil
}
