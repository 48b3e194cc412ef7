package sched

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jasbury1/VeriOS/internal/kerr"
	"github.com/jasbury1/VeriOS/internal/port"
	"github.com/jasbury1/VeriOS/internal/tcb"
)

const testMaxPrios = 24

// newTestSched builds a scheduler over the simulated port with idle tasks
// registered for every core and yields wired straight to ContextSwitch, so
// dispatch is synchronous and deterministic under test.
func newTestSched(t *testing.T, cores int) (*Scheduler, *port.Sim) {
	t.Helper()
	sim := port.NewSim(cores)
	s, err := New(sim, testMaxPrios)
	require.Nil(t, err)
	sim.SetYieldHandler(s.ContextSwitch)
	for c := 0; c < cores; c++ {
		s.RegisterIdle(c, tcb.New(-1-c, "IDLE", 0, c))
	}
	return s, sim
}

func mkTask(name string, prio, core int) *tcb.TCB {
	return tcb.New(0, name, prio, core)
}

func TestNewRejectsBadMaxPriorities(t *testing.T) {
	sim := port.NewSim(1)
	for _, n := range []int{0, -8, 7, 12} {
		_, err := New(sim, n)
		assert.NotNil(t, err, "maxPriorities=%d", n)
	}
}

func TestAddTaskRejectsOutOfRangePriority(t *testing.T) {
	s, _ := newTestSched(t, 1)
	bad := mkTask("bad", testMaxPrios, tcb.NoAffinity)
	err := s.AddTask(bad)
	require.NotNil(t, err)
	assert.Equal(t, kerr.InvalidPriority, err.Code)
}

func TestBitmapTracksReadyListOccupancy(t *testing.T) {
	s, _ := newTestSched(t, 1)
	a := mkTask("a", 3, 0)
	b := mkTask("b", 17, 0)
	require.Nil(t, s.AddTask(a))
	require.Nil(t, s.AddTask(b))
	require.NoError(t, s.CheckInvariants())
	assert.Equal(t, 17, s.highestReadyPrio())

	s.readyRemoveLocked(b)
	assert.Equal(t, 3, s.highestReadyPrio())
	s.readyInsertLocked(b)
	require.NoError(t, s.CheckInvariants())
}

func TestPreStartPlacementHighestPrioritySeenWins(t *testing.T) {
	s, _ := newTestSched(t, 1)
	low := mkTask("low", 2, 0)
	high := mkTask("high", 9, 0)
	require.Nil(t, s.AddTask(low))
	assert.Same(t, low, s.Current(0))
	require.Nil(t, s.AddTask(high))
	assert.Same(t, high, s.Current(0), "higher-priority add displaces the pre-start current")

	s.Start()
	assert.Equal(t, tcb.Running, high.State())
	assert.Equal(t, tcb.Ready, low.State())
	require.NoError(t, s.CheckInvariants())
}

func TestContextSwitchFallsBackToIdle(t *testing.T) {
	s, _ := newTestSched(t, 1)
	a := mkTask("a", 5, 0)
	require.Nil(t, s.AddTask(a))
	s.Start()
	require.Same(t, a, s.Current(0))

	require.Nil(t, s.DelayTask(a, 10))
	assert.Equal(t, tcb.Delayed, a.State())
	cur := s.Current(0)
	require.NotNil(t, cur)
	assert.True(t, cur.IsIdle, "only the idle task is left to run")
	require.NoError(t, s.CheckInvariants())
}

func TestContextSwitchHonorsAffinity(t *testing.T) {
	s, _ := newTestSched(t, 2)
	pinned := mkTask("pinned-1", 9, 1)
	require.Nil(t, s.AddTask(pinned))
	s.Start()
	require.Same(t, pinned, s.Current(1))

	// A core-1-pinned task is never selectable on core 0.
	other := mkTask("pinned-1-too", 8, 1)
	require.Nil(t, s.AddTask(other))
	s.ContextSwitch(0)
	cur := s.Current(0)
	require.NotNil(t, cur)
	assert.True(t, cur.IsIdle)
}

func TestDelayZeroYieldsAndStaysReady(t *testing.T) {
	s, _ := newTestSched(t, 1)
	a := mkTask("a", 5, 0)
	b := mkTask("b", 5, 0)
	require.Nil(t, s.AddTask(a))
	require.Nil(t, s.AddTask(b))
	s.Start()
	require.Same(t, a, s.Current(0))

	require.Nil(t, s.DelayTask(a, 0))
	assert.Same(t, b, s.Current(0), "zero delay forces a yield to the equal-priority peer")
	assert.Equal(t, tcb.Ready, a.State(), "task stays ready")
	require.NoError(t, s.CheckInvariants())
}

func TestDelayTaskErrorCases(t *testing.T) {
	s, _ := newTestSched(t, 1)
	a := mkTask("a", 5, 0)
	require.Nil(t, s.AddTask(a))

	err := s.DelayTask(a, 1)
	require.NotNil(t, err)
	assert.Equal(t, kerr.SchedulerStopped, err.Code)

	s.Start()
	require.NotNil(t, s.DelayTask(a, NoTimeout))
	assert.Equal(t, kerr.InvalidDelay, s.DelayTask(a, NoTimeout).Code)

	require.Nil(t, s.DelayTask(a, 5))
	assert.Equal(t, kerr.DelayedTask, s.DelayTask(a, 5).Code)

	idle := s.IdleTask(0)
	assert.Equal(t, kerr.InvalidTaskState, s.DelayTask(idle, 5).Code)
}

func TestDelayNTicksWakesExactlyOnce(t *testing.T) {
	s, _ := newTestSched(t, 1)
	a := mkTask("a", 5, 0)
	require.Nil(t, s.AddTask(a))
	s.Start()
	require.Nil(t, s.DelayTask(a, 3))
	assert.Equal(t, uint64(3), s.NextUnblockTick())

	for i := 0; i < 2; i++ {
		assert.False(t, s.ProcessTick(), "tick %d should not wake anything", i+1)
		assert.Equal(t, tcb.Delayed, a.State())
	}
	require.True(t, s.ProcessTick(), "third tick wakes the delayed task")
	assert.Equal(t, tcb.Ready, a.State())
	assert.Equal(t, NoTimeout, s.NextUnblockTick())

	s.ContextSwitch(0)
	assert.Same(t, a, s.Current(0))

	// No double wake on further ticks.
	s.ProcessTick()
	assert.Equal(t, tcb.Running, a.State())
	require.NoError(t, s.CheckInvariants())
}

func TestDelayedWakeupOrdering(t *testing.T) {
	s, _ := newTestSched(t, 1)
	early := mkTask("early", 5, 0)
	late := mkTask("late", 6, 0)
	require.Nil(t, s.AddTask(early))
	require.Nil(t, s.AddTask(late))
	s.Start()

	require.Nil(t, s.DelayTask(late, 7))
	require.Nil(t, s.DelayTask(early, 2))
	assert.Equal(t, uint64(2), s.NextUnblockTick(), "delayed list is keyed by soonest wakeup")
	require.NoError(t, s.CheckInvariants())
}

func TestSuspendResume(t *testing.T) {
	s, _ := newTestSched(t, 1)
	a := mkTask("a", 5, 0)
	b := mkTask("b", 3, 0)
	require.Nil(t, s.AddTask(a))
	require.Nil(t, s.AddTask(b))
	s.Start()
	require.Same(t, a, s.Current(0))

	require.Nil(t, s.SuspendTask(a))
	assert.Equal(t, tcb.Suspended, a.State())
	assert.Same(t, b, s.Current(0))

	assert.Equal(t, kerr.SuspendedTask, s.SuspendTask(a).Code)
	assert.Equal(t, kerr.RunningTask, s.ResumeTask(b).Code)

	require.Nil(t, s.ResumeTask(a))
	assert.Same(t, a, s.Current(0), "resumed task preempts the lower-priority current")
	assert.Equal(t, kerr.ReadyTask, s.ResumeTask(b).Code)
	require.NoError(t, s.CheckInvariants())
}

func TestRemoveTaskStates(t *testing.T) {
	s, _ := newTestSched(t, 1)
	a := mkTask("a", 5, 0)
	b := mkTask("b", 4, 0)
	require.Nil(t, s.AddTask(a))
	require.Nil(t, s.AddTask(b))
	s.Start()
	require.Same(t, a, s.Current(0))

	// Removing a non-running task frees inline.
	require.Nil(t, s.RemoveTask(b))
	assert.Equal(t, tcb.ReadyToDelete, b.State())
	assert.Equal(t, kerr.DoubleDelete, s.RemoveTask(b).Code)

	// Removing the running task defers to the idle reap pass.
	require.Nil(t, s.RemoveTask(a))
	assert.Equal(t, tcb.PendingDeletion, a.State())
	assert.Equal(t, 1, s.DeletionsPending())
	assert.NotSame(t, a, s.Current(0))

	got := s.CollectDeletable()
	require.Len(t, got, 1)
	assert.Same(t, a, got[0])
	assert.Equal(t, tcb.ReadyToDelete, a.State())
	assert.Zero(t, s.DeletionsPending())

	assert.Equal(t, kerr.IdleDelete, s.RemoveTask(s.IdleTask(0)).Code)
	require.NoError(t, s.CheckInvariants())
}

func TestChangePriority(t *testing.T) {
	s, _ := newTestSched(t, 1)
	a := mkTask("a", 5, 0)
	b := mkTask("b", 4, 0)
	require.Nil(t, s.AddTask(a))
	require.Nil(t, s.AddTask(b))
	s.Start()
	require.Same(t, a, s.Current(0))

	assert.Equal(t, kerr.InvalidPriority, s.ChangePriority(a, testMaxPrios).Code)
	assert.Equal(t, kerr.ReservedPriority, s.ChangePriority(a, 0).Code)

	// Idempotent when unchanged.
	require.Nil(t, s.ChangePriority(a, 5))
	assert.Equal(t, 5, a.EffectivePriority())
	assert.Same(t, a, s.Current(0))

	// Lowering the running task below a ready peer forces a switch.
	require.Nil(t, s.ChangePriority(a, 2))
	assert.Equal(t, 2, a.EffectivePriority())
	assert.Equal(t, int32(2), a.BasePriority)
	assert.Same(t, b, s.Current(0))

	// Raising a ready task above the current preempts.
	require.Nil(t, s.ChangePriority(a, 9))
	assert.Same(t, a, s.Current(0))
	require.NoError(t, s.CheckInvariants())
}

func TestChangePriorityDuringInheritanceOnlyUpdatesBase(t *testing.T) {
	s, _ := newTestSched(t, 1)
	holder := mkTask("holder", 2, 0)
	require.Nil(t, s.AddTask(holder))
	s.Start()

	s.MutexAcquired(holder)
	s.Inherit(holder, 10)
	require.Equal(t, 10, holder.EffectivePriority())

	require.Nil(t, s.ChangePriority(holder, 4))
	assert.Equal(t, int32(4), holder.BasePriority)
	assert.Equal(t, 10, holder.EffectivePriority(), "inherited priority is preserved")

	s.Disinherit(holder)
	assert.Equal(t, 4, holder.EffectivePriority(), "revert lands on the updated base")
	require.NoError(t, s.CheckInvariants())
}

func TestInheritAndRevert(t *testing.T) {
	s, _ := newTestSched(t, 1)
	holder := mkTask("holder", 1, 0)
	require.Nil(t, s.AddTask(holder))
	s.Start()

	s.MutexAcquired(holder)
	s.Inherit(holder, 10)
	assert.Equal(t, 10, holder.EffectivePriority())
	assert.Equal(t, int32(1), holder.BasePriority)

	// A second, lower waiter never lowers the inherited priority.
	s.Inherit(holder, 5)
	assert.Equal(t, 10, holder.EffectivePriority())

	// Nested mutexes: revert only on the last release.
	s.MutexAcquired(holder)
	s.Disinherit(holder)
	assert.Equal(t, 10, holder.EffectivePriority())
	s.Disinherit(holder)
	assert.Equal(t, 1, holder.EffectivePriority())
	require.NoError(t, s.CheckInvariants())
}

func TestSuspendCoreDefersWakeupsTicksAndYields(t *testing.T) {
	s, _ := newTestSched(t, 1)
	a := mkTask("a", 5, 0)
	b := mkTask("b", 9, 0)
	require.Nil(t, s.AddTask(a))
	s.Start()
	require.Same(t, a, s.Current(0))
	require.Nil(t, s.SuspendTask(a))
	require.Nil(t, s.ResumeTask(a)) // back to running via yield
	require.Same(t, a, s.Current(0))

	s.SuspendCore(0)
	assert.Equal(t, Suspended, s.State(0))

	require.Nil(t, s.SuspendTask(a))
	require.Nil(t, s.ResumeTask(a))
	assert.Equal(t, tcb.PendingReady, a.State(), "wakeups while suspended are deferred")

	assert.False(t, s.ProcessTick(), "ticks accumulate while suspended")
	assert.Zero(t, s.TickCount())

	require.Nil(t, s.AddTask(b))
	assert.NotSame(t, b, s.Current(0), "no dispatch while suspended")

	s.ResumeCore(0)
	assert.Equal(t, Running, s.State(0))
	assert.Equal(t, uint64(1), s.TickCount(), "deferred tick replayed")
	assert.Same(t, b, s.Current(0), "deferred yield dispatched the highest-priority task")
	assert.Equal(t, tcb.Ready, a.State())
	require.NoError(t, s.CheckInvariants())
}

func TestCheckTimeoutMonotone(t *testing.T) {
	s, _ := newTestSched(t, 1)
	s.Start()
	ts := s.CaptureTimeout()
	remaining := uint64(5)

	require.False(t, s.CheckTimeout(&ts, &remaining))
	assert.Equal(t, uint64(5), remaining)

	for i := 0; i < 3; i++ {
		s.ProcessTick()
	}
	require.False(t, s.CheckTimeout(&ts, &remaining))
	assert.Equal(t, uint64(2), remaining)

	// Repeated checks with no tick progress never increase remaining.
	require.False(t, s.CheckTimeout(&ts, &remaining))
	assert.Equal(t, uint64(2), remaining)

	for i := 0; i < 2; i++ {
		s.ProcessTick()
	}
	assert.True(t, s.CheckTimeout(&ts, &remaining))
	assert.Zero(t, remaining)

	infinite := NoTimeout
	assert.False(t, s.CheckTimeout(&ts, &infinite), "NoTimeout never elapses")
}
