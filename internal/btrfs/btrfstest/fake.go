// Package btrfstest provides an in-memory btrfs.FilesystemOps for tests.
package btrfstest

import (
	"bytes"
	"context"
	"errors"
	"io"
	"path"
	"sync"

	"github.com/rockstor/replicad/internal/btrfs"
	"github.com/rockstor/replicad/internal/types"
)

var _ btrfs.FilesystemOps = (*Fake)(nil)

// Fake records snapshots per share and scripts scrub and stream behaviour.
// Set the *Err fields to make the matching operation fail.
type Fake struct {
	mu sync.Mutex

	Snapshots map[string][]string // "<pool>/<share>" -> names in creation order
	Mounted   map[string]bool
	Received  map[string][]byte // destDir -> stream bytes

	// SendPayload is written by SendStream.
	SendPayload []byte
	// SendParents records the parent passed to each SendStream call.
	SendParents []string
	// AfterSend runs once SendStream has written the payload. SendStream then
	// returns the context error, if any.
	AfterSend func()

	// ScrubStates is consumed one entry per ScrubStatus call; the last entry
	// repeats once the list is exhausted.
	ScrubStates []types.TaskState
	ScrubStarts int
	StatusCalls int

	CreateErr  error
	DeleteErr  error
	MountErr   error
	SendErr    error
	ReceiveErr error
	ScrubErr   error
	StatusErr  error
}

// New returns an empty Fake.
func New() *Fake {
	return &Fake{
		Snapshots: map[string][]string{},
		Mounted:   map[string]bool{},
		Received:  map[string][]byte{},
	}
}

func key(s btrfs.ShareRef) string { return path.Join(s.Pool, s.Share) }

// SnapshotNames returns the snapshots of a share in creation order.
func (f *Fake) SnapshotNames(s btrfs.ShareRef) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.Snapshots[key(s)]...)
}

func (f *Fake) CreateSnapshot(_ context.Context, s btrfs.ShareRef, name string, _ btrfs.SnapshotOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.CreateErr != nil {
		return f.CreateErr
	}
	for _, n := range f.Snapshots[key(s)] {
		if n == name {
			return errors.New("btrfstest: snapshot exists")
		}
	}
	f.Snapshots[key(s)] = append(f.Snapshots[key(s)], name)
	return nil
}

func (f *Fake) DeleteSnapshot(_ context.Context, s btrfs.ShareRef, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.DeleteErr != nil {
		return f.DeleteErr
	}
	names := f.Snapshots[key(s)]
	for i, n := range names {
		if n == name {
			f.Snapshots[key(s)] = append(names[:i:i], names[i+1:]...)
			break
		}
	}
	return nil
}

func (f *Fake) MountShare(_ context.Context, _ btrfs.ShareRef, mountPoint string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.MountErr != nil {
		return f.MountErr
	}
	f.Mounted[mountPoint] = true
	return nil
}

func (f *Fake) IsShareMounted(_ context.Context, mountPoint string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Mounted[mountPoint], nil
}

func (f *Fake) SendStream(ctx context.Context, _ btrfs.ShareRef, _ string, parent string, w io.Writer) (int64, error) {
	f.mu.Lock()
	f.SendParents = append(f.SendParents, parent)
	payload, sendErr, after := f.SendPayload, f.SendErr, f.AfterSend
	f.mu.Unlock()

	if sendErr != nil {
		return 0, sendErr
	}
	n, err := io.Copy(w, bytes.NewReader(payload))
	if err != nil || after == nil {
		return n, err
	}
	after()
	return n, ctx.Err()
}

func (f *Fake) ReceiveStream(_ context.Context, r io.Reader, destDir string) (int64, error) {
	data, err := io.ReadAll(r)
	f.mu.Lock()
	defer f.mu.Unlock()
	if err != nil {
		return int64(len(data)), err
	}
	if f.ReceiveErr != nil {
		return int64(len(data)), f.ReceiveErr
	}
	f.Received[destDir] = append(f.Received[destDir], data...)
	return int64(len(data)), nil
}

func (f *Fake) ScrubStart(_ context.Context, _ string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ScrubErr != nil {
		return 0, f.ScrubErr
	}
	f.ScrubStarts++
	return 1000 + f.ScrubStarts, nil
}

func (f *Fake) ScrubStatus(_ context.Context, _ string) (btrfs.ScrubStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.StatusCalls++
	if f.StatusErr != nil {
		return btrfs.ScrubStatus{}, f.StatusErr
	}
	if len(f.ScrubStates) == 0 {
		return btrfs.ScrubStatus{State: types.TaskStateFinished}, nil
	}
	st := f.ScrubStates[0]
	if len(f.ScrubStates) > 1 {
		f.ScrubStates = f.ScrubStates[1:]
	}
	return btrfs.ScrubStatus{State: st}, nil
}

func (f *Fake) Usage(_ context.Context, _ string) (btrfs.Usage, error) {
	return btrfs.Usage{Total: 1 << 30, Used: 1 << 20, Free: 1<<30 - 1<<20}, nil
}
