package btrfs

import (
	"bufio"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rockstor/replicad/internal/types"
)

// ErrUnrecognizedStatus is returned when scrub status output carries no state.
var ErrUnrecognizedStatus = errors.New("btrfs: unrecognized scrub status")

// ParseScrubStatus parses `btrfs scrub status -R`. Both the current
// "Status:/Duration:" layout and the older one-line "scrub started at ...
// and finished after ..." layout are understood.
func ParseScrubStatus(out string) (ScrubStatus, error) {
	var (
		st        ScrubStatus
		dataBytes int64
		treeBytes int64
		haveKB    bool
	)

	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		key, val, hasColon := strings.Cut(line, ":")
		key = strings.TrimSpace(key)
		val = strings.TrimSpace(val)

		switch {
		case hasColon && key == "Status":
			st.State = scrubState(val)
		case hasColon && key == "Duration":
			st.Duration = parseClock(val)
		case hasColon && key == "kb_scrubbed":
			st.KBScrubbed, _ = strconv.ParseInt(val, 10, 64)
			haveKB = true
		case hasColon && key == "data_bytes_scrubbed":
			dataBytes, _ = strconv.ParseInt(val, 10, 64)
		case hasColon && key == "tree_bytes_scrubbed":
			treeBytes, _ = strconv.ParseInt(val, 10, 64)
		case hasColon && (key == "read_errors" || key == "csum_errors" || key == "verify_errors"):
			n, _ := strconv.ParseInt(val, 10, 64)
			st.Errors += n
		case strings.HasPrefix(line, "scrub started at"):
			st.State, st.Duration = legacyScrubLine(line)
		case strings.Contains(line, "no stats available"):
			// Reported briefly between start and the first progress record.
			st.State = types.TaskStateRunning
		}
	}
	if err := sc.Err(); err != nil {
		return ScrubStatus{}, fmt.Errorf("btrfs: read scrub status: %w", err)
	}
	if st.State == "" {
		return ScrubStatus{}, ErrUnrecognizedStatus
	}
	if !haveKB {
		st.KBScrubbed = (dataBytes + treeBytes) / 1024
	}
	return st, nil
}

func scrubState(v string) types.TaskState {
	switch strings.ToLower(v) {
	case "running":
		return types.TaskStateRunning
	case "finished":
		return types.TaskStateFinished
	case "aborted", "cancelled":
		return types.TaskStateCancelled
	case "interrupted":
		return types.TaskStateHalted
	}
	return ""
}

func legacyScrubLine(line string) (types.TaskState, time.Duration) {
	for _, m := range []struct {
		marker string
		state  types.TaskState
	}{
		{"and finished after", types.TaskStateFinished},
		{"running for", types.TaskStateRunning},
		{"was aborted after", types.TaskStateCancelled},
		{"interrupted after", types.TaskStateHalted},
	} {
		if _, rest, ok := strings.Cut(line, m.marker); ok {
			f := strings.Fields(rest)
			if len(f) == 0 {
				return m.state, 0
			}
			return m.state, parseClock(f[0])
		}
	}
	return "", 0
}

// parseClock parses H:MM:SS (hours may exceed two digits).
func parseClock(v string) time.Duration {
	parts := strings.Split(strings.TrimSpace(v), ":")
	if len(parts) != 3 {
		return 0
	}
	var d time.Duration
	for i, unit := range []time.Duration{time.Hour, time.Minute, time.Second} {
		n, err := strconv.Atoi(parts[i])
		if err != nil {
			return 0
		}
		d += time.Duration(n) * unit
	}
	return d
}
