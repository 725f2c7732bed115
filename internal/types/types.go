// Package types defines the domain enums shared by the task runners, the
// replication daemon and the repositories.
package types

// ─── Task scheduler ─────────────────────────────────────────────────────────

// TaskType identifies what a TaskDefinition runs.
type TaskType string

const (
	TaskTypeScrub    TaskType = "scrub"
	TaskTypeSnapshot TaskType = "snapshot"
	TaskTypeReboot   TaskType = "reboot"
	TaskTypeShutdown TaskType = "shutdown"
	TaskTypeSuspend  TaskType = "suspend"
	TaskTypeCustom   TaskType = "custom"
)

// IsPower reports whether the task type is handled by the power runner.
func (t TaskType) IsPower() bool {
	return t == TaskTypeReboot || t == TaskTypeShutdown || t == TaskTypeSuspend
}

// TaskState is the state of a single Task execution record. Scrub tasks also
// take the status strings reported by btrfs (halted, cancelled, conn-reset).
type TaskState string

const (
	TaskStateStarted   TaskState = "started"
	TaskStateRunning   TaskState = "running"
	TaskStateScheduled TaskState = "scheduled"
	TaskStateFinished  TaskState = "finished"
	TaskStateFailed    TaskState = "failed"
	TaskStateError     TaskState = "error"
	TaskStateHalted    TaskState = "halted"
	TaskStateCancelled TaskState = "cancelled"
	TaskStateConnReset TaskState = "conn-reset"
)

// scrubTerminal lists the scrub states after which no further polling happens.
var scrubTerminal = map[TaskState]bool{
	TaskStateError:     true,
	TaskStateFinished:  true,
	TaskStateHalted:    true,
	TaskStateCancelled: true,
	TaskStateConnReset: true,
}

// IsScrubTerminal reports whether s ends a scrub Task.
func (s TaskState) IsScrubTerminal() bool {
	return scrubTerminal[s]
}

// ─── Trails ─────────────────────────────────────────────────────────────────

// TrailStatus is the status of a ReplicaTrail or ReceiveTrail.
type TrailStatus string

const (
	TrailPending   TrailStatus = "pending"
	TrailSucceeded TrailStatus = "succeeded"
	TrailFailed    TrailStatus = "failed"
)

// IsTerminal reports whether no further transition is allowed.
func (s TrailStatus) IsTerminal() bool {
	return s == TrailSucceeded || s == TrailFailed
}

// PolicyTrailStatus is the status of one run of a BackupPolicy.
type PolicyTrailStatus string

const (
	PolicyStarted         PolicyTrailStatus = "started"
	PolicySnapshotCreated PolicyTrailStatus = "snapshot created"
	PolicySyncStarted     PolicyTrailStatus = "sync started"
	PolicySucceeded       PolicyTrailStatus = "succeeded"
	PolicyFailed          PolicyTrailStatus = "failed"
)

// IsTerminal reports whether the run has ended.
func (s PolicyTrailStatus) IsTerminal() bool {
	return s == PolicySucceeded || s == PolicyFailed
}

// ─── Snapshots ──────────────────────────────────────────────────────────────

// SnapType records which subsystem created a snapshot. Pruning only ever
// considers snapshots of its own type.
type SnapType string

const (
	SnapTypeAdmin         SnapType = "admin"
	SnapTypeTaskScheduler SnapType = "task_scheduler"
	SnapTypeReplication   SnapType = "replication"
	SnapTypeReceiver      SnapType = "receiver"
)
