// Package btrfs provides the filesystem operations consumed by the task
// runners and the replication workers: snapshots, mounts, send/receive
// streams and scrubs. All of them go through the FilesystemOps interface so
// that callers can be tested without a btrfs pool.
package btrfs

import (
	"context"
	"io"
	"time"

	"github.com/rockstor/replicad/internal/types"
)

// ShareRef names a share by pool and share name.
type ShareRef struct {
	Pool  string
	Share string
}

// SnapshotOptions controls how a snapshot is created.
type SnapshotOptions struct {
	// Writable creates a read-write snapshot. Snapshots used as send
	// sources must be read-only.
	Writable bool
	// Visible exposes the snapshot under the share's mount point.
	Visible bool
}

// ScrubStatus is the state of a pool scrub as reported by btrfs.
type ScrubStatus struct {
	State      types.TaskState
	Duration   time.Duration
	KBScrubbed int64
	Errors     int64
}

// Usage reports space for a mounted filesystem, in bytes.
type Usage struct {
	Total uint64
	Used  uint64
	Free  uint64
}

// FilesystemOps is the set of btrfs operations replicad needs.
type FilesystemOps interface {
	CreateSnapshot(ctx context.Context, share ShareRef, name string, opts SnapshotOptions) error
	// DeleteSnapshot succeeds when the snapshot is already gone.
	DeleteSnapshot(ctx context.Context, share ShareRef, name string) error
	MountShare(ctx context.Context, share ShareRef, mountPoint string) error
	IsShareMounted(ctx context.Context, mountPoint string) (bool, error)
	// SendStream writes the send stream of snap to w, incremental against
	// parent when parent is non-empty, and returns the bytes written.
	SendStream(ctx context.Context, share ShareRef, snap, parent string, w io.Writer) (int64, error)
	// ReceiveStream applies a send stream read from r below destDir and
	// returns the bytes consumed.
	ReceiveStream(ctx context.Context, r io.Reader, destDir string) (int64, error)
	ScrubStart(ctx context.Context, pool string) (int, error)
	ScrubStatus(ctx context.Context, pool string) (ScrubStatus, error)
	Usage(ctx context.Context, mountPoint string) (Usage, error)
}
