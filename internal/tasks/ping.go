package tasks

import (
	"context"
	"time"

	"github.com/rockstor/replicad/internal/command"
)

// Pinger reports whether addr answers a single probe.
type Pinger interface {
	Ping(ctx context.Context, addr string) bool
}

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Sleep is the production SleepFunc.
func Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// CommandPinger probes with one ICMP echo through the system ping binary.
type CommandPinger struct {
	Exec command.Executor
}

func (p CommandPinger) Ping(ctx context.Context, addr string) bool {
	_, err := p.Exec.Run(ctx, "ping", "-c", "1", "-W", "1", addr)
	return err == nil
}

// RunConditionsMet runs up to iterations rounds over addrs and returns false
// as soon as any address answers. Rounds are separated by interval; there is
// no wait after the last one. A cancelled context also returns false.
func RunConditionsMet(ctx context.Context, p Pinger, addrs []string, interval time.Duration, iterations int, sleep SleepFunc) bool {
	for i := 0; i < iterations; i++ {
		for _, a := range addrs {
			if p.Ping(ctx, a) {
				return false
			}
		}
		if i < iterations-1 {
			if err := sleep(ctx, interval); err != nil {
				return false
			}
		}
	}
	return true
}
