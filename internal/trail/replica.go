package trail

import (
	"time"

	"github.com/rockstor/replicad/internal/db"
	"github.com/rockstor/replicad/internal/types"
)

// NewReplica returns a pending ReplicaTrail stamped with the time its
// snapshot was created. The trail is not persisted.
func NewReplica(replicaID uint, snapName string, snapshotCreated time.Time) *db.ReplicaTrail {
	return &db.ReplicaTrail{
		ReplicaID:       replicaID,
		SnapName:        snapName,
		Status:          types.TrailPending,
		SnapshotCreated: ptr(snapshotCreated),
	}
}

// SendPending records that the stream to the receiver is about to start.
func SendPending(t *db.ReplicaTrail, at time.Time) error {
	if t.Status.IsTerminal() {
		return ErrTerminal
	}
	return stamp("send_pending", &t.SendPending, t.SnapshotCreated, at)
}

// SendSucceeded ends the trail successfully with the receiver's kb count.
func SendSucceeded(t *db.ReplicaTrail, kbSent int64, at time.Time) error {
	if t.Status.IsTerminal() {
		return ErrTerminal
	}
	if err := stamp("send_succeeded", &t.SendSucceeded, t.SendPending, at); err != nil {
		return err
	}
	t.EndTS = ptr(at)
	t.KBSent = kbSent
	t.Status = types.TrailSucceeded
	return nil
}

// SendFailed ends the trail as failed. It is valid from any pending stage.
func SendFailed(t *db.ReplicaTrail, msg string, at time.Time) error {
	if t.Status.IsTerminal() {
		return ErrTerminal
	}
	msg, err := failureMessage(msg)
	if err != nil {
		return err
	}
	prev := latest(t.SnapshotCreated, t.SendPending)
	if err := stamp("send_failed", &t.SendFailed, prev, at); err != nil {
		return err
	}
	t.EndTS = ptr(at)
	t.Error = msg
	t.Status = types.TrailFailed
	return nil
}
