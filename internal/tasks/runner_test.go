package tasks

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/rockstor/replicad/internal/btrfs"
	"github.com/rockstor/replicad/internal/btrfs/btrfstest"
	"github.com/rockstor/replicad/internal/crontab"
	"github.com/rockstor/replicad/internal/db"
	"github.com/rockstor/replicad/internal/repositories"
	"github.com/rockstor/replicad/internal/types"
)

type powerCall struct {
	kind types.TaskType
	wake *int64
}

type fakePower struct {
	calls []powerCall
	err   error
}

func (p *fakePower) Power(_ context.Context, kind types.TaskType, wake *int64) error {
	p.calls = append(p.calls, powerCall{kind: kind, wake: wake})
	return p.err
}

type harness struct {
	runner *Runner
	fs     *btrfstest.Fake
	power  *fakePower
	pinger *scriptedPinger
	sleeps *sleepRecorder
	now    time.Time
	nDefs  int

	defs   repositories.TaskDefinitionRepository
	tasks  repositories.TaskRepository
	snaps  repositories.SnapshotRepository
	pool   *db.Pool
	share  *db.Share
	shared btrfs.ShareRef
}

// Wednesday 2026-10-14 22:30:15 UTC.
var testNow = time.Date(2026, 10, 14, 22, 30, 15, 0, time.UTC)

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	gdb, err := db.New(db.Config{DSN: ":memory:", Logger: zap.NewNop()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close(gdb) })

	ctx := context.Background()
	h := &harness{
		fs:     btrfstest.New(),
		power:  &fakePower{},
		pinger: &scriptedPinger{},
		sleeps: &sleepRecorder{},
		now:    testNow,
		defs:   repositories.NewTaskDefinitionRepository(gdb),
		tasks:  repositories.NewTaskRepository(gdb),
		snaps:  repositories.NewSnapshotRepository(gdb),
	}
	pools := repositories.NewPoolRepository(gdb)
	shares := repositories.NewShareRepository(gdb)
	h.pool = &db.Pool{Name: "pool0", MountPoint: "/mnt2/pool0"}
	require.NoError(t, pools.Create(ctx, h.pool))
	h.share = &db.Share{PoolID: h.pool.ID, Name: "docs", Subvol: "docs"}
	require.NoError(t, shares.Create(ctx, h.share))
	h.shared = btrfs.ShareRef{Pool: "pool0", Share: "docs"}

	opts.Now = func() time.Time { return h.now }
	opts.Sleep = h.sleeps.sleep
	h.runner = NewRunner(Deps{
		TaskDefs:  h.defs,
		Tasks:     h.tasks,
		Pools:     pools,
		Shares:    shares,
		Snapshots: h.snaps,
		FS:        h.fs,
		Power:     h.power,
		Pinger:    h.pinger,
		Logger:    zap.NewNop(),
	}, opts)
	return h
}

func (h *harness) define(t *testing.T, typ types.TaskType, meta string) *db.TaskDefinition {
	t.Helper()
	h.nDefs++
	def := &db.TaskDefinition{
		Name:     fmt.Sprintf("%s-%d", typ, h.nDefs),
		TaskType: typ,
		JSONMeta: meta,
		Enabled:  true,
		Crontab:  "30 22 * * *",
	}
	require.NoError(t, h.defs.Create(context.Background(), def))
	return def
}

func (h *harness) taskLog(t *testing.T, def *db.TaskDefinition) []db.Task {
	t.Helper()
	list, err := h.tasks.ListByDefinition(context.Background(), def.ID, repositories.ListOptions{})
	require.NoError(t, err)
	return list
}

func (h *harness) seedSnapshots(t *testing.T, names ...string) {
	t.Helper()
	ctx := context.Background()
	for _, n := range names {
		require.NoError(t, h.fs.CreateSnapshot(ctx, h.shared, n, btrfs.SnapshotOptions{}))
		require.NoError(t, h.snaps.Create(ctx, &db.Snapshot{ShareID: h.share.ID, Name: n, SnapType: types.SnapTypeTaskScheduler}))
	}
}

// ─── Dispatch ───────────────────────────────────────────────────────────────

func TestRun_OutsideWindow(t *testing.T) {
	h := newHarness(t, Options{})
	def := h.define(t, types.TaskTypeScrub, `{"pool":"pool0"}`)

	require.NoError(t, h.runner.Run(context.Background(), JobScrub, def.ID, "08-00-17-00-*-*"))
	assert.Empty(t, h.taskLog(t, def))
	assert.Zero(t, h.fs.ScrubStarts)
}

func TestRun_MalformedWindow(t *testing.T) {
	h := newHarness(t, Options{})
	def := h.define(t, types.TaskTypeScrub, `{"pool":"pool0"}`)

	err := h.runner.Run(context.Background(), JobScrub, def.ID, "8-00")
	assert.Equal(t, KindConfig, KindOf(err))
	assert.ErrorIs(t, err, crontab.ErrMalformed)
}

func TestRun_MissingDefinition(t *testing.T) {
	h := newHarness(t, Options{})
	err := h.runner.Run(context.Background(), JobSnapshot, 999, crontab.Always)
	assert.Equal(t, KindConfig, KindOf(err))
}

func TestRun_TypeMismatch(t *testing.T) {
	h := newHarness(t, Options{})
	def := h.define(t, types.TaskTypeSnapshot, `{"share":"1","prefix":"daily","max_count":3}`)

	require.NoError(t, h.runner.Run(context.Background(), JobScrub, def.ID, crontab.Always))
	assert.Empty(t, h.taskLog(t, def))
}

func TestRun_Disabled(t *testing.T) {
	h := newHarness(t, Options{})
	def := h.define(t, types.TaskTypeScrub, `{"pool":"pool0"}`)
	def.Enabled = false
	require.NoError(t, h.defs.Update(context.Background(), def))

	require.NoError(t, h.runner.Run(context.Background(), JobScrub, def.ID, crontab.Always))
	assert.Empty(t, h.taskLog(t, def))
}

func TestRun_InvalidMeta(t *testing.T) {
	h := newHarness(t, Options{})
	def := h.define(t, types.TaskTypeSnapshot, `{"share":"1","prefix":"daily","max_count":"0"}`)

	err := h.runner.Run(context.Background(), JobSnapshot, def.ID, crontab.Always)
	assert.Equal(t, KindConfig, KindOf(err))
	assert.ErrorIs(t, err, ErrInvalidMeta)
	assert.Empty(t, h.taskLog(t, def))
}

// ─── Scrub ──────────────────────────────────────────────────────────────────

func TestScrub_PollsToTerminalState(t *testing.T) {
	h := newHarness(t, Options{PollInterval: time.Second})
	h.fs.ScrubStates = []types.TaskState{types.TaskStateRunning, types.TaskStateRunning, types.TaskStateFinished}
	def := h.define(t, types.TaskTypeScrub, fmt.Sprintf(`{"pool":"%d"}`, h.pool.ID))

	require.NoError(t, h.runner.Run(context.Background(), JobScrub, def.ID, crontab.Always))

	log := h.taskLog(t, def)
	require.Len(t, log, 1)
	assert.Equal(t, types.TaskStateFinished, log[0].State)
	assert.NotNil(t, log[0].End)
	assert.Equal(t, 1, h.fs.ScrubStarts)
	assert.Equal(t, 3, h.fs.StatusCalls)
	assert.Len(t, h.sleeps.slept, 3)
}

func TestScrub_SkipsWhilePreviousRuns(t *testing.T) {
	h := newHarness(t, Options{})
	h.fs.ScrubStates = []types.TaskState{types.TaskStateRunning}
	def := h.define(t, types.TaskTypeScrub, `{"pool_name":"pool0"}`)
	require.NoError(t, h.tasks.Create(context.Background(), &db.Task{
		TaskDefID: def.ID, State: types.TaskStateRunning, Start: testNow.Add(-time.Hour),
	}))

	require.NoError(t, h.runner.Run(context.Background(), JobScrub, def.ID, crontab.Always))

	assert.Len(t, h.taskLog(t, def), 1)
	assert.Zero(t, h.fs.ScrubStarts)
	assert.Equal(t, 1, h.fs.StatusCalls, "previous status refreshed exactly once")
}

func TestScrub_RefreshesFinishedPrevious(t *testing.T) {
	h := newHarness(t, Options{})
	h.fs.ScrubStates = []types.TaskState{types.TaskStateFinished}
	def := h.define(t, types.TaskTypeScrub, `{"pool":"pool0"}`)
	require.NoError(t, h.tasks.Create(context.Background(), &db.Task{
		TaskDefID: def.ID, State: types.TaskStateRunning, Start: testNow.Add(-time.Hour),
	}))

	require.NoError(t, h.runner.Run(context.Background(), JobScrub, def.ID, crontab.Always))

	log := h.taskLog(t, def)
	require.Len(t, log, 2)
	for _, task := range log {
		assert.Equal(t, types.TaskStateFinished, task.State)
		assert.NotNil(t, task.End)
	}
	assert.Equal(t, 1, h.fs.ScrubStarts)
}

func TestScrub_PollLimit(t *testing.T) {
	h := newHarness(t, Options{MaxPoll: 2})
	h.fs.ScrubStates = []types.TaskState{types.TaskStateRunning}
	def := h.define(t, types.TaskTypeScrub, `{"pool":"pool0"}`)

	err := h.runner.Run(context.Background(), JobScrub, def.ID, crontab.Always)
	assert.Equal(t, KindOperation, KindOf(err))
	assert.ErrorIs(t, err, ErrPollLimit)

	log := h.taskLog(t, def)
	require.Len(t, log, 1)
	assert.Equal(t, types.TaskStateError, log[0].State)
	assert.Equal(t, 2, h.fs.StatusCalls)
}

func TestScrub_StatusFailureIsConnReset(t *testing.T) {
	h := newHarness(t, Options{})
	h.fs.StatusErr = errors.New("ioctl failed")
	def := h.define(t, types.TaskTypeScrub, `{"pool":"pool0"}`)

	err := h.runner.Run(context.Background(), JobScrub, def.ID, crontab.Always)
	assert.Equal(t, KindOperation, KindOf(err))
	log := h.taskLog(t, def)
	require.Len(t, log, 1)
	assert.Equal(t, types.TaskStateConnReset, log[0].State)
}

func TestScrub_StartFailure(t *testing.T) {
	h := newHarness(t, Options{})
	h.fs.ScrubErr = errors.New("no such pool")
	def := h.define(t, types.TaskTypeScrub, `{"pool":"pool0"}`)

	err := h.runner.Run(context.Background(), JobScrub, def.ID, crontab.Always)
	assert.Equal(t, KindOperation, KindOf(err))
	log := h.taskLog(t, def)
	require.Len(t, log, 1)
	assert.Equal(t, types.TaskStateError, log[0].State)
}

func TestScrub_UnknownPool(t *testing.T) {
	h := newHarness(t, Options{})
	def := h.define(t, types.TaskTypeScrub, `{"pool":"tank"}`)

	err := h.runner.Run(context.Background(), JobScrub, def.ID, crontab.Always)
	assert.Equal(t, KindConfig, KindOf(err))
}

// ─── Snapshot ───────────────────────────────────────────────────────────────

func TestSnapshot_PrunesThenCreates(t *testing.T) {
	h := newHarness(t, Options{})
	h.seedSnapshots(t, "daily_202610110000", "daily_202610120000", "daily_202610130000")
	def := h.define(t, types.TaskTypeSnapshot, fmt.Sprintf(`{"share":"%d","prefix":"daily","max_count":"2"}`, h.share.ID))

	require.NoError(t, h.runner.Run(context.Background(), JobSnapshot, def.ID, crontab.Always))

	assert.Equal(t, []string{"daily_202610130000", "daily_202610142230"}, h.fs.SnapshotNames(h.shared))
	rows, err := h.snaps.ListNewestFirst(context.Background(), repositories.SnapshotFilter{ShareID: h.share.ID})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "daily_202610142230", rows[0].Name)
	assert.Equal(t, types.SnapTypeTaskScheduler, rows[0].SnapType)

	log := h.taskLog(t, def)
	require.Len(t, log, 1)
	assert.Equal(t, types.TaskStateFinished, log[0].State)
	assert.True(t, log[0].Start.Equal(testNow.Truncate(time.Minute)))
}

func TestSnapshot_LeavesOtherPrefixesAlone(t *testing.T) {
	h := newHarness(t, Options{})
	h.seedSnapshots(t, "weekly_202610010000", "daily_202610130000")
	def := h.define(t, types.TaskTypeSnapshot, fmt.Sprintf(`{"share":%d,"prefix":"daily","max_count":1}`, h.share.ID))

	require.NoError(t, h.runner.Run(context.Background(), JobSnapshot, def.ID, crontab.Always))
	assert.Equal(t, []string{"weekly_202610010000", "daily_202610142230"}, h.fs.SnapshotNames(h.shared))
}

func TestSnapshot_PruneFailureCreatesNothing(t *testing.T) {
	h := newHarness(t, Options{})
	h.seedSnapshots(t, "daily_202610120000", "daily_202610130000")
	h.fs.DeleteErr = errors.New("device busy")
	def := h.define(t, types.TaskTypeSnapshot, fmt.Sprintf(`{"share":"%d","prefix":"daily","max_count":2}`, h.share.ID))

	err := h.runner.Run(context.Background(), JobSnapshot, def.ID, crontab.Always)
	assert.Equal(t, KindOperation, KindOf(err))

	assert.Equal(t, []string{"daily_202610120000", "daily_202610130000"}, h.fs.SnapshotNames(h.shared))
	log := h.taskLog(t, def)
	require.Len(t, log, 1)
	assert.Equal(t, types.TaskStateError, log[0].State)
}

func TestSnapshot_CreateFailure(t *testing.T) {
	h := newHarness(t, Options{})
	h.fs.CreateErr = errors.New("read-only filesystem")
	def := h.define(t, types.TaskTypeSnapshot, fmt.Sprintf(`{"share":"%d","prefix":"daily","max_count":2}`, h.share.ID))

	err := h.runner.Run(context.Background(), JobSnapshot, def.ID, crontab.Always)
	assert.Equal(t, KindOperation, KindOf(err))
	rows, err := h.snaps.ListNewestFirst(context.Background(), repositories.SnapshotFilter{ShareID: h.share.ID})
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestSnapshot_UnknownShare(t *testing.T) {
	h := newHarness(t, Options{})
	def := h.define(t, types.TaskTypeSnapshot, `{"share":"404","prefix":"daily","max_count":2}`)

	err := h.runner.Run(context.Background(), JobSnapshot, def.ID, crontab.Always)
	assert.Equal(t, KindConfig, KindOf(err))
	assert.Empty(t, h.taskLog(t, def))
}

func TestSnapshot_TaskLogIsBounded(t *testing.T) {
	h := newHarness(t, Options{MaxTaskLog: 3})
	def := h.define(t, types.TaskTypeSnapshot, fmt.Sprintf(`{"share":"%d","prefix":"hourly","max_count":10}`, h.share.ID))

	for i := 0; i < 5; i++ {
		h.now = testNow.Add(time.Duration(i) * time.Hour)
		require.NoError(t, h.runner.Run(context.Background(), JobSnapshot, def.ID, crontab.Always))
	}

	log := h.taskLog(t, def)
	require.Len(t, log, 3)
	assert.True(t, log[0].Start.Equal(testNow.Add(4*time.Hour).Truncate(time.Minute)), "newest survive")
	assert.Len(t, h.fs.SnapshotNames(h.shared), 5)
}

// ─── Power ──────────────────────────────────────────────────────────────────

func TestPower_Reboot(t *testing.T) {
	h := newHarness(t, Options{})
	def := h.define(t, types.TaskTypeReboot, `{}`)

	require.NoError(t, h.runner.Run(context.Background(), JobPower, def.ID, crontab.Always))

	require.Len(t, h.power.calls, 1)
	assert.Equal(t, types.TaskTypeReboot, h.power.calls[0].kind)
	assert.Nil(t, h.power.calls[0].wake)
	log := h.taskLog(t, def)
	require.Len(t, log, 1)
	assert.Equal(t, types.TaskStateFinished, log[0].State)
}

func TestPower_SuspendWakesTomorrow(t *testing.T) {
	h := newHarness(t, Options{})
	def := h.define(t, types.TaskTypeSuspend, `{"rtc_hour":7,"rtc_minute":0}`)

	require.NoError(t, h.runner.Run(context.Background(), JobPower, def.ID, crontab.Always))

	require.Len(t, h.power.calls, 1)
	require.NotNil(t, h.power.calls[0].wake)
	assert.Equal(t, time.Date(2026, 10, 15, 7, 0, 0, 0, time.UTC).Unix(), *h.power.calls[0].wake)
}

func TestPower_ShutdownWakeupOnlyWhenAsked(t *testing.T) {
	h := newHarness(t, Options{})
	plain := h.define(t, types.TaskTypeShutdown, `{"rtc_hour":23,"rtc_minute":45}`)
	waking := h.define(t, types.TaskTypeShutdown, `{"wakeup":"true","rtc_hour":23,"rtc_minute":45}`)

	require.NoError(t, h.runner.Run(context.Background(), JobPower, plain.ID, crontab.Always))
	require.NoError(t, h.runner.Run(context.Background(), JobPower, waking.ID, crontab.Always))

	require.Len(t, h.power.calls, 2)
	assert.Nil(t, h.power.calls[0].wake)
	require.NotNil(t, h.power.calls[1].wake)
	assert.Equal(t, time.Date(2026, 10, 14, 23, 45, 0, 0, time.UTC).Unix(), *h.power.calls[1].wake)
}

func TestPower_PingScanHostUp(t *testing.T) {
	h := newHarness(t, Options{})
	h.pinger.upAfter = 1
	def := h.define(t, types.TaskTypeShutdown, `{"ping_scan":true,"ping_scan_addresses":"10.0.0.7","ping_scan_interval":5,"ping_scan_iterations":3}`)

	require.NoError(t, h.runner.Run(context.Background(), JobPower, def.ID, crontab.Always))
	assert.Empty(t, h.power.calls)
	assert.Empty(t, h.taskLog(t, def), "no task is recorded when the gate holds")
}

func TestPower_PingScanAllQuiet(t *testing.T) {
	h := newHarness(t, Options{})
	def := h.define(t, types.TaskTypeShutdown, `{"ping_scan":true,"ping_scan_addresses":"10.0.0.7","ping_scan_interval":5,"ping_scan_iterations":3}`)

	require.NoError(t, h.runner.Run(context.Background(), JobPower, def.ID, crontab.Always))
	assert.Equal(t, 3, h.pinger.calls)
	assert.Len(t, h.sleeps.slept, 2)
	assert.Len(t, h.power.calls, 1)
}

func TestPower_APIFailure(t *testing.T) {
	h := newHarness(t, Options{})
	h.power.err = errors.New("appliance: 500")
	def := h.define(t, types.TaskTypeReboot, `{}`)

	err := h.runner.Run(context.Background(), JobPower, def.ID, crontab.Always)
	assert.Equal(t, KindOperation, KindOf(err))
	log := h.taskLog(t, def)
	require.Len(t, log, 1)
	assert.Equal(t, types.TaskStateFailed, log[0].State)
}

func TestScrub_UnreadablePreviousIsClosed(t *testing.T) {
	h := newHarness(t, Options{})
	h.fs.StatusErr = errors.New("ERROR: unrecognized scrub status")
	def := h.define(t, types.TaskTypeScrub, `{"pool":"pool0"}`)
	stale := &db.Task{TaskDefID: def.ID, State: types.TaskStateRunning, Start: testNow.Add(-72 * time.Hour)}
	require.NoError(t, h.tasks.Create(context.Background(), stale))

	err := h.runner.Run(context.Background(), JobScrub, def.ID, crontab.Always)
	assert.Equal(t, KindOperation, KindOf(err), "the new scrub cannot be polled either")
	assert.Equal(t, 1, h.fs.ScrubStarts, "a stale task must not block a new scrub")

	log := h.taskLog(t, def)
	require.Len(t, log, 2)
	for _, task := range log {
		assert.Equal(t, types.TaskStateConnReset, task.State, "task %d", task.ID)
		assert.NotNil(t, task.End, "task %d", task.ID)
	}
}
