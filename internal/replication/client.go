package replication

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/rockstor/replicad/internal/ipc"
)

// Client defaults.
const (
	DefaultRequestTimeout = 5 * time.Second
	DefaultAttempts       = 3
)

var (
	// ErrBrokerUnavailable means no reply arrived within any attempt.
	ErrBrokerUnavailable = errors.New("replication: no reply from the replication service, check that it is running")

	// ErrRequestRejected wraps an ERROR (or any non-SUCCESS) reply.
	ErrRequestRejected = errors.New("replication: request rejected")
)

// ClientConfig configures a Client.
type ClientConfig struct {
	// Socket is the broker's unix socket path.
	Socket string
	// Timeout bounds each attempt.
	Timeout time.Duration
	// Attempts is the total number of tries, the first included.
	Attempts int
	Logger   *zap.Logger
}

// Client talks to the broker over the IPC socket.
type Client struct {
	conn     *ipc.Conn
	timeout  time.Duration
	attempts int
	logger   *zap.Logger
}

// NewClient returns a Client for cfg.Socket. No connection is made until the
// first request.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultRequestTimeout
	}
	if cfg.Attempts <= 0 {
		cfg.Attempts = DefaultAttempts
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	conn, err := ipc.Dial(ipc.UnixTarget(cfg.Socket))
	if err != nil {
		return nil, err
	}
	return &Client{
		conn:     conn,
		timeout:  cfg.Timeout,
		attempts: cfg.Attempts,
		logger:   cfg.Logger.Named("replication.client"),
	}, nil
}

// Close releases the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// RequestNewSend asks the broker to start a send for replica replicaID and
// returns the broker's payload.
func (c *Client) RequestNewSend(ctx context.Context, replicaID uint) (string, error) {
	return c.Request(ctx, ipc.NewFrames(CmdNewSend, strconv.FormatUint(uint64(replicaID), 10)))
}

// Status returns the broker's JSON list of active sends.
func (c *Client) Status(ctx context.Context) (string, error) {
	return c.Request(ctx, ipc.NewFrames(CmdStatus))
}

// Request sends req and waits for a [command, payload] reply. An attempt
// that gets no reply within the timeout closes the connection and retries on
// a fresh one. A reply other than SUCCESS is not retried.
func (c *Client) Request(ctx context.Context, req *ipc.Frames) (string, error) {
	log := c.logger.With(zap.String("command", req.Command()))

	for attempt := 1; attempt <= c.attempts; attempt++ {
		actx, cancel := context.WithTimeout(ctx, c.timeout)
		// WaitForReady turns a socket nobody listens on yet into a wait,
		// so it is treated like an unanswered request.
		reply, err := ipc.Request(actx, c.conn.Client(), req, grpc.WaitForReady(true))
		cancel()

		if err == nil {
			if reply.Command() != ipc.ReplySuccess {
				return "", fmt.Errorf("%w: %s", ErrRequestRejected, reply.Arg(1))
			}
			return reply.Arg(1), nil
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		if !retryable(err) {
			return "", fmt.Errorf("replication: request %s: %w", req.Command(), err)
		}

		log.Warn("no reply from broker",
			zap.Int("attempt", attempt),
			zap.Int("attempts", c.attempts),
			zap.Duration("timeout", c.timeout),
			zap.Error(err),
		)
		if attempt < c.attempts {
			if err := c.conn.Reconnect(); err != nil {
				return "", err
			}
		}
	}
	return "", fmt.Errorf("%w (%d attempts, %s each)", ErrBrokerUnavailable, c.attempts, c.timeout)
}

func retryable(err error) bool {
	switch status.Code(err) {
	case codes.DeadlineExceeded, codes.Unavailable, codes.Canceled:
		return true
	}
	return false
}
