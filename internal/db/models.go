package db

import (
	"time"

	"github.com/rockstor/replicad/internal/types"
)

// Base contains the common fields shared by most models. IDs are integer
// auto-increment keys because replica ids travel over IPC as decimal text and
// because snapshot pruning relies on id order matching creation order.
type Base struct {
	ID        uint      `gorm:"primaryKey;autoIncrement"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

// -----------------------------------------------------------------------------
// Storage
// -----------------------------------------------------------------------------

// Pool is a btrfs pool. Shares are subvolumes mounted under MountPoint.
type Pool struct {
	Base
	Name       string `gorm:"uniqueIndex;not null"`
	MountPoint string `gorm:"not null;default:''"`
}

// Share is a btrfs subvolume living in a pool.
type Share struct {
	Base
	PoolID uint   `gorm:"not null;uniqueIndex:idx_shares_pool_name"`
	Name   string `gorm:"not null;uniqueIndex:idx_shares_pool_name"`
	Subvol string `gorm:"not null;default:''"` // subvolume path relative to the pool mount
}

// Snapshot is a read-only (or writable) snapshot of a share. Ordering by id
// descending is creation order, newest first.
type Snapshot struct {
	Base
	ShareID  uint           `gorm:"not null;index"`
	Name     string         `gorm:"not null"`
	SnapType types.SnapType `gorm:"not null;default:'admin'"`
	Visible  bool           `gorm:"not null;default:false"`
	Writable bool           `gorm:"not null;default:false"`
}

// -----------------------------------------------------------------------------
// Task scheduler
// -----------------------------------------------------------------------------

// TaskDefinition is a scheduled operation. JSONMeta is interpreted according
// to TaskType (see tasks.ParseMeta). CrontabWindow restricts when, within the
// day and week, a due run is actually allowed to execute.
type TaskDefinition struct {
	Base
	Name          string         `gorm:"uniqueIndex;not null"`
	TaskType      types.TaskType `gorm:"not null"`
	JSONMeta      string         `gorm:"column:json_meta;type:text;not null;default:'{}'"`
	Enabled       bool           `gorm:"not null;default:true"`
	Crontab       string         `gorm:"not null;default:''"`
	CrontabWindow string         `gorm:"not null;default:'*-*-*-*-*-*'"`
}

// Task is one execution of a TaskDefinition, updated in place as the
// attempt progresses.
type Task struct {
	Base
	TaskDefID uint            `gorm:"not null;index"`
	State     types.TaskState `gorm:"not null"`
	Start     time.Time       `gorm:"not null;index"`
	End       *time.Time
}

// -----------------------------------------------------------------------------
// Backup policies
// -----------------------------------------------------------------------------

// BackupPolicy is a periodic rsync pull from a remote host into a local share.
// Frequency is in seconds with a floor of 60, rounded to the minute.
type BackupPolicy struct {
	Base
	Name        string    `gorm:"uniqueIndex;not null"`
	SourceIP    string    `gorm:"not null"`
	SourcePath  string    `gorm:"not null"`
	DestShareID uint      `gorm:"not null;index"`
	NotifyEmail string    `gorm:"not null;default:''"`
	Start       time.Time `gorm:"not null"`
	Frequency   int       `gorm:"not null;default:3600"`
	NumRetain   int       `gorm:"not null;default:3"`
	Enabled     bool      `gorm:"not null;default:true"`
}

// PolicyTrail is one run of a BackupPolicy.
type PolicyTrail struct {
	Base
	PolicyID        uint                    `gorm:"not null;index"`
	Status          types.PolicyTrailStatus `gorm:"not null"`
	Start           time.Time               `gorm:"not null;index"`
	SnapshotCreated *time.Time
	SyncStarted     *time.Time
	End             *time.Time
	ErrorMessage    string `gorm:"type:text;not null;default:''"`
}

// -----------------------------------------------------------------------------
// Replication: send side
// -----------------------------------------------------------------------------

// Replica is one outbound replication relationship owned by the sending
// appliance.
type Replica struct {
	Base
	ShareID       uint   `gorm:"not null;index"`
	ApplianceIP   string `gorm:"not null"`
	ApplianceUUID string `gorm:"column:appliance_uuid;not null;default:''"`
	DestPool      string `gorm:"not null"`
	DestShare     string `gorm:"not null;default:''"`
	Frequency     int    `gorm:"not null;default:60"` // minutes
	Enabled       bool   `gorm:"not null;default:true"`
	Crontab       string `gorm:"not null;default:''"`
	CrontabWindow string `gorm:"not null;default:'*-*-*-*-*-*'"`
	DataPort      int    `gorm:"not null;default:10002"`
	MetaPort      int    `gorm:"not null;default:10003"`
}

// ReplicaTrail is one send attempt for a Replica. Stage timestamps are filled
// monotonically and the row is immutable once Status is terminal; see
// trail.Replica for the transitions.
type ReplicaTrail struct {
	Base
	ReplicaID       uint              `gorm:"not null;index"`
	SnapName        string            `gorm:"not null"`
	Status          types.TrailStatus `gorm:"not null;default:'pending'"`
	SnapshotCreated *time.Time
	SendPending     *time.Time
	SendSucceeded   *time.Time
	SendFailed      *time.Time
	EndTS           *time.Time `gorm:"column:end_ts"`
	KBSent          int64      `gorm:"column:kb_sent;not null;default:0"`
	Error           string     `gorm:"type:text;not null;default:''"`
}

// -----------------------------------------------------------------------------
// Replication: receive side
// -----------------------------------------------------------------------------

// ReplicaShare identifies an inbound replication relationship: which remote
// appliance and share feeds which local share.
type ReplicaShare struct {
	Base
	Share     string `gorm:"not null"`
	Pool      string `gorm:"not null"`
	Appliance string `gorm:"not null;uniqueIndex:idx_rshare_src"`
	SrcShare  string `gorm:"not null;uniqueIndex:idx_rshare_src"`
	DataPort  int    `gorm:"not null;default:10002"`
	MetaPort  int    `gorm:"not null;default:10003"`
}

// ReceiveTrail is one receive attempt for a ReplicaShare.
type ReceiveTrail struct {
	Base
	RShareID         uint              `gorm:"column:rshare_id;not null;index"`
	SnapName         string            `gorm:"not null"`
	Status           types.TrailStatus `gorm:"not null;default:'pending'"`
	ReceivePending   *time.Time
	ReceiveSucceeded *time.Time
	ReceiveFailed    *time.Time
	EndTS            *time.Time `gorm:"column:end_ts"`
	KBReceived       int64      `gorm:"column:kb_received;not null;default:0"`
	Error            string     `gorm:"type:text;not null;default:''"`
}
