package tasks

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rockstor/replicad/internal/types"
)

func TestParseMeta_Snapshot(t *testing.T) {
	m, err := ParseMeta(types.TaskTypeSnapshot, `{"share":"12","prefix":"daily","max_count":"3.0","visible":"true"}`)
	require.NoError(t, err)
	snap := m.(*SnapshotMeta)
	assert.Equal(t, "12", snap.Share)
	assert.EqualValues(t, 12, snap.ShareID())
	assert.Equal(t, 3, snap.MaxCount)
	assert.False(t, snap.Visible, "non-boolean visible defaults to false")
	assert.False(t, snap.Writable, "missing writable defaults to false")

	m, err = ParseMeta(types.TaskTypeSnapshot, `{"share":12,"prefix":"hourly","max_count":5,"writable":true}`)
	require.NoError(t, err)
	snap = m.(*SnapshotMeta)
	assert.Equal(t, 5, snap.MaxCount)
	assert.True(t, snap.Writable)
}

func TestParseMeta_SnapshotRejects(t *testing.T) {
	for name, raw := range map[string]string{
		"max_count zero":      `{"share":"12","prefix":"daily","max_count":"0"}`,
		"max_count negative":  `{"share":"12","prefix":"daily","max_count":-1}`,
		"max_count missing":   `{"share":"12","prefix":"daily"}`,
		"max_count not a num": `{"share":"12","prefix":"daily","max_count":"many"}`,
		"share not digits":    `{"share":"docs","prefix":"daily","max_count":3}`,
		"share missing":       `{"prefix":"daily","max_count":3}`,
		"prefix missing":      `{"share":"12","max_count":3}`,
		"prefix with slash":   `{"share":"12","prefix":"a/b","max_count":3}`,
		"not json":            `{"share":`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := ParseMeta(types.TaskTypeSnapshot, raw)
			assert.ErrorIs(t, err, ErrInvalidMeta)
		})
	}
}

func TestParseMeta_Scrub(t *testing.T) {
	m, err := ParseMeta(types.TaskTypeScrub, `{"pool":2}`)
	require.NoError(t, err)
	assert.Equal(t, "2", m.(*ScrubMeta).Pool)

	m, err = ParseMeta(types.TaskTypeScrub, `{"pool_name":"pool0"}`)
	require.NoError(t, err)
	assert.Equal(t, "pool0", m.(*ScrubMeta).Pool)

	_, err = ParseMeta(types.TaskTypeScrub, `{}`)
	assert.ErrorIs(t, err, ErrInvalidMeta)
}

func TestParseMeta_Shutdown(t *testing.T) {
	m, err := ParseMeta(types.TaskTypeShutdown, `{
		"ping_scan": "True",
		"ping_scan_addresses": "10.0.0.5$(reboot), nas.local",
		"ping_scan_interval": "10",
		"ping_scan_iterations": 2,
		"wakeup": true,
		"rtc_hour": 7,
		"rtc_minute": "15"
	}`)
	require.NoError(t, err)
	sm := m.(*ShutdownMeta)
	assert.True(t, sm.PingScan)
	assert.Equal(t, []string{"10.0.0.5reboot", "nas.local"}, sm.Addresses)
	assert.Equal(t, 10, sm.Interval)
	assert.Equal(t, 2, sm.Iterations)
	assert.True(t, sm.Wakeup)
	assert.Equal(t, 7, sm.RTCHour)
	assert.Equal(t, 15, sm.RTCMinute)

	m, err = ParseMeta(types.TaskTypeReboot, `{}`)
	require.NoError(t, err)
	assert.False(t, m.(*ShutdownMeta).PingScan)
}

func TestParseMeta_ShutdownRejects(t *testing.T) {
	for name, raw := range map[string]string{
		"interval below floor": `{"ping_scan":true,"ping_scan_addresses":"10.0.0.5","ping_scan_interval":3}`,
		"zero iterations":      `{"ping_scan":true,"ping_scan_addresses":"10.0.0.5","ping_scan_iterations":0}`,
		"no addresses":         `{"ping_scan":true,"ping_scan_addresses":"$$$"}`,
		"rtc hour range":       `{"rtc_hour":24}`,
		"rtc minute range":     `{"rtc_minute":60}`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := ParseMeta(types.TaskTypeSuspend, raw)
			assert.ErrorIs(t, err, ErrInvalidMeta)
		})
	}
}

func TestParseMeta_CustomUnsupported(t *testing.T) {
	_, err := ParseMeta(types.TaskTypeCustom, `{}`)
	assert.ErrorIs(t, err, ErrInvalidMeta)
}

func TestSanitizeAddress(t *testing.T) {
	assert.Equal(t, "fe80::1", SanitizeAddress("fe80::1"))
	assert.Equal(t, "host-1.example_lan", SanitizeAddress(" host-1.example_lan; "))
	assert.Equal(t, "", SanitizeAddress("`|&"))
}
