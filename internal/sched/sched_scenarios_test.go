package sched

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jasbury1/VeriOS/internal/tcb"
)

// End-to-end scheduler scenarios with literal values.

func TestScenarioPriorityPreemptionAcrossCores(t *testing.T) {
	s, _ := newTestSched(t, 2)

	a := mkTask("A", 3, 0)
	b := mkTask("B", 5, tcb.NoAffinity)
	require.Nil(t, s.AddTask(a))
	require.Nil(t, s.AddTask(b))
	s.Start()

	require.Same(t, a, s.Current(0), "A runs on core 0")
	require.Same(t, b, s.Current(1), "B chosen onto core 1")

	c := mkTask("C", 4, 0)
	require.Nil(t, s.AddTask(c))

	assert.Same(t, c, s.Current(0), "A preempted by C on core 0")
	assert.Same(t, b, s.Current(1), "B stays on core 1")
	assert.Equal(t, tcb.Ready, a.State())
	require.NoError(t, s.CheckInvariants())
}

func TestScenarioRoundRobinAtEqualPriority(t *testing.T) {
	s, _ := newTestSched(t, 1)

	t1 := mkTask("T1", 10, 0)
	t2 := mkTask("T2", 10, 0)
	t3 := mkTask("T3", 10, 0)
	require.Nil(t, s.AddTask(t1))
	require.Nil(t, s.AddTask(t2))
	require.Nil(t, s.AddTask(t3))
	s.Start()
	require.Same(t, t1, s.Current(0))

	var order []string
	for i := 0; i < 3; i++ {
		require.True(t, s.ProcessTick(), "three equal-priority tasks always time-slice")
		s.ContextSwitch(0)
		order = append(order, s.Current(0).Name)
	}
	assert.Equal(t, []string{"T2", "T3", "T1"}, order, "cyclic order T1->T2->T3->T1")
	require.NoError(t, s.CheckInvariants())
}

func TestScenarioDelayAcrossTickCounterWrap(t *testing.T) {
	s, _ := newTestSched(t, 1)
	a := mkTask("A", 5, 0)
	require.Nil(t, s.AddTask(a))
	s.Start()

	start := ^uint64(0) - 5
	s.setTickCountForTest(start)

	require.Nil(t, s.DelayTask(a, 10))
	assert.Equal(t, start+10, a.WakeupTick, "wakeup tick wraps past the counter")
	assert.Equal(t, NoTimeout, s.NextUnblockTick(), "wrapped wakeup sits on the overflow list")

	for i := 1; i <= 9; i++ {
		s.ProcessTick()
		assert.Equal(t, tcb.Delayed, a.State(), "tick %d of 10", i)
	}
	assert.Equal(t, uint64(1), s.OverflowCount(), "counter wrapped exactly once")

	require.True(t, s.ProcessTick(), "tenth tick wakes the task")
	assert.Equal(t, tcb.Ready, a.State())
	assert.Equal(t, start+10, s.TickCount(), "no missed or early wakeup across the wrap")
	require.NoError(t, s.CheckInvariants())
}

func TestScenarioWrapMovesOverflowListIn(t *testing.T) {
	s, _ := newTestSched(t, 1)
	pre := mkTask("pre", 5, 0)
	post := mkTask("post", 6, 0)
	require.Nil(t, s.AddTask(pre))
	require.Nil(t, s.AddTask(post))
	s.Start()

	s.setTickCountForTest(^uint64(0) - 2)
	require.Nil(t, s.DelayTask(pre, 1))  // wakes before the wrap
	require.Nil(t, s.DelayTask(post, 5)) // wakes after the wrap

	s.ProcessTick()
	assert.Equal(t, tcb.Ready, pre.State())
	assert.Equal(t, tcb.Delayed, post.State())

	for i := 0; i < 4; i++ {
		s.ProcessTick()
	}
	assert.Equal(t, tcb.Ready, post.State())
	assert.Equal(t, uint64(2), s.TickCount())
	require.NoError(t, s.CheckInvariants())
}
