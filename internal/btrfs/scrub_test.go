package btrfs

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rockstor/replicad/internal/types"
)

func TestParseScrubStatus_Current(t *testing.T) {
	out := `UUID:             8ad1c3e4-5b1f-4f43-9a4a-3f5b1c9e2d11
Scrub started:    Wed Oct 14 10:00:00 2026
Status:           finished
Duration:         1:02:03
	data_extents_scrubbed: 1234
	tree_extents_scrubbed: 55
	data_bytes_scrubbed: 104857600
	tree_bytes_scrubbed: 1048576
	read_errors: 1
	csum_errors: 2
	verify_errors: 0
	uncorrectable_errors: 0
`
	st, err := ParseScrubStatus(out)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStateFinished, st.State)
	assert.Equal(t, time.Hour+2*time.Minute+3*time.Second, st.Duration)
	assert.EqualValues(t, (104857600+1048576)/1024, st.KBScrubbed)
	assert.EqualValues(t, 3, st.Errors)
}

func TestParseScrubStatus_Legacy(t *testing.T) {
	tests := []struct {
		line string
		want types.TaskState
		dur  time.Duration
	}{
		{"scrub started at Wed Oct 14 10:00:00 2026 and finished after 00:00:42", types.TaskStateFinished, 42 * time.Second},
		{"scrub started at Wed Oct 14 10:00:00 2026, running for 00:05:00", types.TaskStateRunning, 5 * time.Minute},
		{"scrub started at Wed Oct 14 10:00:00 2026 and was aborted after 00:01:00", types.TaskStateCancelled, time.Minute},
		{"scrub started at Wed Oct 14 10:00:00 2026 and interrupted after 00:02:00", types.TaskStateHalted, 2 * time.Minute},
	}
	for _, tt := range tests {
		out := "scrub status for 8ad1c3e4\n\t" + tt.line + "\n\tkb_scrubbed: 2048\n"
		st, err := ParseScrubStatus(out)
		require.NoError(t, err, tt.line)
		assert.Equal(t, tt.want, st.State, tt.line)
		assert.Equal(t, tt.dur, st.Duration, tt.line)
		assert.EqualValues(t, 2048, st.KBScrubbed)
	}
}

func TestParseScrubStatus_NoStatsIsRunning(t *testing.T) {
	st, err := ParseScrubStatus("scrub status for 8ad1c3e4\n\tno stats available\n")
	require.NoError(t, err)
	assert.Equal(t, types.TaskStateRunning, st.State)
}

func TestParseScrubStatus_Unrecognized(t *testing.T) {
	_, err := ParseScrubStatus("ERROR: not a btrfs filesystem\n")
	assert.ErrorIs(t, err, ErrUnrecognizedStatus)
}
