package trail

import (
	"time"

	"github.com/rockstor/replicad/internal/db"
	"github.com/rockstor/replicad/internal/types"
)

// NewReceive returns a pending ReceiveTrail stamped receive_pending.
func NewReceive(rshareID uint, snapName string, at time.Time) *db.ReceiveTrail {
	return &db.ReceiveTrail{
		RShareID:       rshareID,
		SnapName:       snapName,
		Status:         types.TrailPending,
		ReceivePending: ptr(at),
	}
}

// ReceiveSucceeded ends the trail successfully with the received kb count.
func ReceiveSucceeded(t *db.ReceiveTrail, kbReceived int64, at time.Time) error {
	if t.Status.IsTerminal() {
		return ErrTerminal
	}
	if err := stamp("receive_succeeded", &t.ReceiveSucceeded, t.ReceivePending, at); err != nil {
		return err
	}
	t.EndTS = ptr(at)
	t.KBReceived = kbReceived
	t.Status = types.TrailSucceeded
	return nil
}

// ReceiveFailed ends the trail as failed.
func ReceiveFailed(t *db.ReceiveTrail, msg string, at time.Time) error {
	if t.Status.IsTerminal() {
		return ErrTerminal
	}
	msg, err := failureMessage(msg)
	if err != nil {
		return err
	}
	if err := stamp("receive_failed", &t.ReceiveFailed, t.ReceivePending, at); err != nil {
		return err
	}
	t.EndTS = ptr(at)
	t.Error = msg
	t.Status = types.TrailFailed
	return nil
}
