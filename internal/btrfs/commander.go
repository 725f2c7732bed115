package btrfs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/shirou/gopsutil/v4/disk"
	"go.uber.org/zap"

	"github.com/rockstor/replicad/internal/command"
)

// Commander implements FilesystemOps over the btrfs and mount binaries.
type Commander struct {
	Layout
	Bin    string // btrfs binary, default "btrfs"
	exec   command.Executor
	logger *zap.Logger
}

// NewCommander returns a Commander using runner for short-lived commands.
func NewCommander(mntRoot string, runner command.Executor, logger *zap.Logger) *Commander {
	return &Commander{
		Layout: NewLayout(mntRoot),
		Bin:    "btrfs",
		exec:   runner,
		logger: logger.Named("btrfs"),
	}
}

func (c *Commander) CreateSnapshot(ctx context.Context, s ShareRef, name string, opts SnapshotOptions) error {
	dst := c.SnapshotPath(s, name)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("btrfs: create snapshot dir: %w", err)
	}

	args := []string{"subvolume", "snapshot"}
	if !opts.Writable {
		args = append(args, "-r")
	}
	args = append(args, c.SharePath(s), dst)
	if _, err := c.exec.Run(ctx, c.Bin, args...); err != nil {
		return fmt.Errorf("btrfs: snapshot %s/%s: %w", s.Share, name, err)
	}

	if opts.Visible {
		link := filepath.Join(c.ShareMountPoint(s), ".snapshots", name)
		if err := c.bindMount(ctx, dst, link); err != nil {
			c.logger.Warn("snapshot created but could not be made visible",
				zap.String("share", s.Share),
				zap.String("snapshot", name),
				zap.Error(err),
			)
		}
	}
	return nil
}

func (c *Commander) DeleteSnapshot(ctx context.Context, s ShareRef, name string) error {
	path := c.SnapshotPath(s, name)
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if _, err := c.exec.Run(ctx, c.Bin, "subvolume", "delete", path); err != nil {
		return fmt.Errorf("btrfs: delete snapshot %s/%s: %w", s.Share, name, err)
	}
	return nil
}

// MountShare bind-mounts the share subvolume at mountPoint unless something
// is already mounted there.
func (c *Commander) MountShare(ctx context.Context, s ShareRef, mountPoint string) error {
	if err := c.bindMount(ctx, c.SharePath(s), mountPoint); err != nil {
		return fmt.Errorf("btrfs: mount %s: %w", s.Share, err)
	}
	return nil
}

func (c *Commander) bindMount(ctx context.Context, src, mountPoint string) error {
	mounted, err := c.IsShareMounted(ctx, mountPoint)
	if err != nil {
		return err
	}
	if mounted {
		return nil
	}
	if err := os.MkdirAll(mountPoint, 0o755); err != nil {
		return fmt.Errorf("create mount point: %w", err)
	}
	_, err = c.exec.Run(ctx, "mount", "-o", "bind", src, mountPoint)
	return err
}

func (c *Commander) IsShareMounted(ctx context.Context, mountPoint string) (bool, error) {
	parts, err := disk.PartitionsWithContext(ctx, true)
	if err != nil {
		return false, fmt.Errorf("btrfs: list mounts: %w", err)
	}
	want := filepath.Clean(mountPoint)
	for _, p := range parts {
		if filepath.Clean(p.Mountpoint) == want {
			return true, nil
		}
	}
	return false, nil
}

func (c *Commander) SendStream(ctx context.Context, s ShareRef, snap, parent string, w io.Writer) (int64, error) {
	args := []string{"send"}
	if parent != "" {
		args = append(args, "-p", c.SnapshotPath(s, parent))
	}
	args = append(args, c.SnapshotPath(s, snap))

	cmd := exec.CommandContext(ctx, c.Bin, args...)
	var stderr strings.Builder
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return 0, fmt.Errorf("btrfs: send: stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("btrfs: send: start: %w", err)
	}

	n, copyErr := io.Copy(w, stdout)
	if copyErr != nil {
		// The writer went away; stop btrfs rather than block on a full pipe.
		_ = cmd.Process.Kill()
	}
	waitErr := cmd.Wait()
	if copyErr != nil {
		return n, fmt.Errorf("btrfs: send %s: %w", snap, copyErr)
	}
	if waitErr != nil {
		return n, fmt.Errorf("btrfs: send %s: %w: %s", snap, waitErr, strings.TrimSpace(stderr.String()))
	}
	return n, nil
}

func (c *Commander) ReceiveStream(ctx context.Context, r io.Reader, destDir string) (int64, error) {
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return 0, fmt.Errorf("btrfs: receive dir: %w", err)
	}

	cmd := exec.CommandContext(ctx, c.Bin, "receive", destDir)
	var stderr strings.Builder
	cmd.Stderr = &stderr
	cr := &countingReader{r: r}
	cmd.Stdin = cr

	if err := cmd.Run(); err != nil {
		return cr.n, fmt.Errorf("btrfs: receive: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return cr.n, nil
}

var scrubPID = regexp.MustCompile(`pid=(\d+)`)

// ScrubStart starts a background scrub of pool and returns the pid btrfs
// reports, or 0 when it does not print one.
func (c *Commander) ScrubStart(ctx context.Context, pool string) (int, error) {
	res, err := c.exec.Run(ctx, c.Bin, "scrub", "start", c.PoolPath(pool))
	if err != nil {
		return 0, fmt.Errorf("btrfs: scrub start %s: %w", pool, err)
	}
	if m := scrubPID.FindStringSubmatch(res.Output()); m != nil {
		pid, _ := strconv.Atoi(m[1])
		return pid, nil
	}
	return 0, nil
}

func (c *Commander) ScrubStatus(ctx context.Context, pool string) (ScrubStatus, error) {
	res, err := c.exec.Run(ctx, c.Bin, "scrub", "status", "-R", c.PoolPath(pool))
	if err != nil {
		return ScrubStatus{}, fmt.Errorf("btrfs: scrub status %s: %w", pool, err)
	}
	st, err := ParseScrubStatus(res.Stdout)
	if err != nil {
		return ScrubStatus{}, fmt.Errorf("btrfs: scrub status %s: %w", pool, err)
	}
	return st, nil
}

func (c *Commander) Usage(ctx context.Context, mountPoint string) (Usage, error) {
	u, err := disk.UsageWithContext(ctx, mountPoint)
	if err != nil {
		return Usage{}, fmt.Errorf("btrfs: usage %s: %w", mountPoint, err)
	}
	return Usage{Total: u.Total, Used: u.Used, Free: u.Free}, nil
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
