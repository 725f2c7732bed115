package btrfs

import "path/filepath"

// DefaultMntRoot is where Rockstor mounts pools and shares.
const DefaultMntRoot = "/mnt2"

// Layout maps pools, shares and snapshots to paths below Root:
//
//	<root>/<pool>                         pool top level
//	<root>/<pool>/<share>                 share subvolume
//	<root>/<pool>/.snapshots/<share>/<n>  snapshot n of share
//	<root>/<share>                        default share mount point
type Layout struct {
	Root string
}

// NewLayout returns the Layout rooted at root, or at DefaultMntRoot.
func NewLayout(root string) Layout {
	if root == "" {
		root = DefaultMntRoot
	}
	return Layout{Root: root}
}

// PoolPath returns the mount point of a pool.
func (l Layout) PoolPath(pool string) string {
	return filepath.Join(l.Root, pool)
}

// SharePath returns the subvolume path of a share.
func (l Layout) SharePath(s ShareRef) string {
	return filepath.Join(l.Root, s.Pool, s.Share)
}

// SnapshotDir returns the directory holding the snapshots of share s.
func (l Layout) SnapshotDir(s ShareRef) string {
	return filepath.Join(l.Root, s.Pool, ".snapshots", s.Share)
}

// SnapshotPath returns the path of snapshot name of share s.
func (l Layout) SnapshotPath(s ShareRef, name string) string {
	return filepath.Join(l.SnapshotDir(s), name)
}

// ShareMountPoint returns the default mount point of a share.
func (l Layout) ShareMountPoint(s ShareRef) string {
	return filepath.Join(l.Root, s.Share)
}
