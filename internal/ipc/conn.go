package ipc

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// SocketMode is applied to the IPC socket after it is bound.
const SocketMode = 0o660

// Listen binds a unix socket at path. A socket file left behind by a previous
// process is removed first; any other file at path is an error.
func Listen(path string) (net.Listener, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("ipc: create socket dir: %w", err)
	}
	if fi, err := os.Lstat(path); err == nil {
		if fi.Mode().Type() != fs.ModeSocket {
			return nil, fmt.Errorf("ipc: %s exists and is not a socket", path)
		}
		if err := os.Remove(path); err != nil {
			return nil, fmt.Errorf("ipc: remove stale socket: %w", err)
		}
	} else if !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("ipc: stat socket: %w", err)
	}

	lis, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("ipc: listen on %s: %w", path, err)
	}
	if err := os.Chmod(path, SocketMode); err != nil {
		lis.Close()
		return nil, fmt.Errorf("ipc: chmod socket: %w", err)
	}
	return lis, nil
}

// UnixTarget returns the gRPC target for a unix socket path.
func UnixTarget(path string) string {
	return "unix:" + path
}

// Conn is a client connection that can be torn down and rebuilt. gRPC
// clients connect lazily, so Dial succeeds even before the server is up.
type Conn struct {
	target string
	opts   []grpc.DialOption

	mu sync.Mutex
	cc *grpc.ClientConn
}

// Dial creates a Conn to target. Without options the connection is
// plaintext, which is what both the local socket and the data port use.
func Dial(target string, opts ...grpc.DialOption) (*Conn, error) {
	if len(opts) == 0 {
		opts = []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	}
	c := &Conn{target: target, opts: opts}
	if err := c.Reconnect(); err != nil {
		return nil, err
	}
	return c, nil
}

// Client returns the current underlying connection, or nil after Close.
func (c *Conn) Client() grpc.ClientConnInterface {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cc == nil {
		return nil
	}
	return c.cc
}

// Reconnect closes the current connection, if any, and opens a new one.
// Calls already in flight on the old connection fail.
func (c *Conn) Reconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cc != nil {
		_ = c.cc.Close()
		c.cc = nil
	}
	cc, err := grpc.NewClient(c.target, c.opts...)
	if err != nil {
		return fmt.Errorf("ipc: dial %s: %w", c.target, err)
	}
	c.cc = cc
	return nil
}

// Close releases the connection.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cc == nil {
		return nil
	}
	err := c.cc.Close()
	c.cc = nil
	return err
}

// Target returns the address the Conn dials.
func (c *Conn) Target() string { return c.target }
