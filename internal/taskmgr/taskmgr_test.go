package taskmgr

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jasbury1/VeriOS/internal/kerr"
	"github.com/jasbury1/VeriOS/internal/msgqueue"
	"github.com/jasbury1/VeriOS/internal/port"
	"github.com/jasbury1/VeriOS/internal/sched"
	"github.com/jasbury1/VeriOS/internal/tcb"
)

func newTestManager(t *testing.T, cores int) (*Manager, *sched.Scheduler, *port.Sim) {
	t.Helper()
	sim := port.NewSim(cores)
	s, err := sched.New(sim, 24)
	require.Nil(t, err)
	sim.SetYieldHandler(s.ContextSwitch)
	m := New(Config{
		MaxPriorities:       24,
		NTLSSlots:           4,
		MaxTaskNameLen:      16,
		MaxQueueSize:        1024,
		TIDTableInitialSize: 2,
		IdleStackSize:       256,
	}, s, sim, msgqueue.NewPool(sim, 8))
	// Tests drive Reap explicitly; a reaping idle task would race them.
	for c := 0; c < cores; c++ {
		_, cerr := m.CreateIdle(c, func() {})
		require.Nil(t, cerr)
	}
	return m, s, sim
}

func noop(any) { select {} }

func TestCreateValidation(t *testing.T) {
	m, _, _ := newTestManager(t, 1)

	_, err := m.Create(noop, nil, "t", 0, 128, 0, 0)
	require.NotNil(t, err)
	assert.Equal(t, kerr.ReservedPriority, err.Code, "priority 0 is reserved for idle")

	_, err = m.Create(noop, nil, "t", 24, 128, 0, 0)
	require.NotNil(t, err)
	assert.Equal(t, kerr.InvalidPriority, err.Code)

	_, err = m.Create(noop, nil, "t", 5, 0, 0, 0)
	require.NotNil(t, err)
	assert.Equal(t, kerr.InvalidStackSize, err.Code)

	_, err = m.Create(noop, nil, "t", 5, 128, 0, 7)
	require.NotNil(t, err)
}

func TestCreateAssignsDenseTidsAndGrowsTable(t *testing.T) {
	m, _, _ := newTestManager(t, 1)
	base := m.Live() // the idle task holds a tid already

	var tids []int
	for i := 0; i < 5; i++ {
		tid, err := m.Create(noop, nil, "worker", 5, 128, 0, tcb.NoAffinity)
		require.Nil(t, err)
		tids = append(tids, tid)
	}
	assert.Equal(t, base+5, m.Live())
	for i := 1; i < len(tids); i++ {
		assert.Equal(t, tids[i-1]+1, tids[i], "tids are dense")
	}
}

func TestCreateTruncatesLongNames(t *testing.T) {
	m, _, _ := newTestManager(t, 1)
	tid, err := m.Create(noop, nil, "a-very-long-task-name-indeed", 5, 128, 0, tcb.NoAffinity)
	require.Nil(t, err)
	name, nerr := m.Name(tid)
	require.Nil(t, nerr)
	assert.Equal(t, "a-very-long-tas", name, "truncated to MaxTaskNameLen-1 bytes")
}

func TestLookupIntrospection(t *testing.T) {
	m, _, _ := newTestManager(t, 2)
	tid, err := m.Create(noop, nil, "worker", 7, 128, 0, 1)
	require.Nil(t, err)

	name, nerr := m.Name(tid)
	require.Nil(t, nerr)
	assert.Equal(t, "worker", name)

	core, cerr := m.Core(tid)
	require.Nil(t, cerr)
	assert.Equal(t, 1, core)

	prio, perr := m.Priority(tid)
	require.Nil(t, perr)
	assert.Equal(t, 7, prio)

	_, nerr = m.Name(9999)
	require.NotNil(t, nerr)
	assert.Equal(t, kerr.InvalidTid, nerr.Code)
}

func TestDeleteInlineFreesAndRecyclesTid(t *testing.T) {
	m, s, _ := newTestManager(t, 1)
	tid, err := m.Create(noop, nil, "victim", 5, 128, 0, 0)
	require.Nil(t, err)
	// Keep a higher-priority task current so the victim is never running.
	top, err := m.Create(noop, nil, "top", 9, 128, 0, 0)
	require.Nil(t, err)
	_ = top
	s.Start()

	var destroyed bool
	require.Nil(t, m.TLSSet(tid, 0, "v", func(any) { destroyed = true }))

	require.Nil(t, m.Delete(tid))
	assert.True(t, destroyed, "TLS destructors run at inline free")
	_, nerr := m.Name(tid)
	require.NotNil(t, nerr)
	assert.Equal(t, kerr.InvalidTid, nerr.Code)

	// The freed tid is recycled.
	tid2, err := m.Create(noop, nil, "recycled", 5, 128, 0, 0)
	require.Nil(t, err)
	assert.Equal(t, tid, tid2)
}

func TestDeleteRunningTaskDefersToReap(t *testing.T) {
	m, s, _ := newTestManager(t, 1)
	tid, err := m.Create(noop, nil, "runner", 5, 128, 0, 0)
	require.Nil(t, err)
	s.Start()

	cur := s.Current(0)
	require.Equal(t, "runner", cur.Name)

	require.Nil(t, m.Delete(tid))
	assert.Equal(t, tcb.PendingDeletion, cur.State())
	_, nerr := m.Name(tid)
	assert.Nil(t, nerr, "tid stays allocated until the reap pass")

	assert.Equal(t, 1, m.Reap())
	_, nerr = m.Name(tid)
	require.NotNil(t, nerr)
	assert.Equal(t, kerr.InvalidTid, nerr.Code)
	assert.True(t, cur.Deleted.Load())
}

func TestDeleteIdleRejected(t *testing.T) {
	m, s, _ := newTestManager(t, 1)
	idle := s.IdleTask(0)
	err := m.Delete(idle.Tid)
	require.NotNil(t, err)
	assert.Equal(t, kerr.IdleDelete, err.Code)
}

func TestTLSRoundTrip(t *testing.T) {
	m, _, _ := newTestManager(t, 1)
	tid, err := m.Create(noop, nil, "t", 5, 128, 0, 0)
	require.Nil(t, err)

	require.Nil(t, m.TLSSet(tid, 1, 42, nil))
	v, gerr := m.TLSGet(tid, 1)
	require.Nil(t, gerr)
	assert.Equal(t, 42, v)

	v, gerr = m.TLSGet(tid, 0)
	require.Nil(t, gerr)
	assert.Nil(t, v, "unset slot reads as nil")

	require.NotNil(t, m.TLSSet(tid, 4, "oob", nil), "slot beyond N_TLS_SLOTS")
}

func TestTaskMessageRouting(t *testing.T) {
	m, s, _ := newTestManager(t, 1)
	tid, err := m.Create(noop, nil, "with-queue", 5, 128, 4, 0)
	require.Nil(t, err)
	noQ, err := m.Create(noop, nil, "no-queue", 5, 128, 0, 0)
	require.Nil(t, err)
	s.Start()

	sender := tcb.New(99, "sender", 3, 0)
	require.Nil(t, m.SendMsg(sender, tid, 0, "hello"))

	serr := m.SendMsg(sender, noQ, 0, "hello")
	require.NotNil(t, serr)
	assert.Equal(t, kerr.NoTaskQueue, serr.Code)

	target, lerr := m.Lookup(tid)
	require.Nil(t, lerr)
	v, rerr := m.ReceiveMsg(target, 0)
	require.Nil(t, rerr)
	assert.Equal(t, "hello", v)

	serr = m.SendMsg(sender, 9999, 0, "x")
	require.NotNil(t, serr)
	assert.Equal(t, kerr.InvalidTid, serr.Code)
}

// Scenario: W joins T; T terminates; W wakes with success. A second join on
// the deleted T returns InvalidTid.
func TestScenarioJoin(t *testing.T) {
	m, s, _ := newTestManager(t, 1)

	tTid, err := m.Create(noop, nil, "T", 5, 128, 0, 0)
	require.Nil(t, err)
	w := tcb.New(50, "W", 7, 0)
	require.Nil(t, s.AddTask(w))
	s.Start()

	joined := make(chan *kerr.Error, 1)
	go func() {
		w.Park()
		joined <- m.Join(w, tTid, sched.NoTimeout)
	}()
	require.Eventually(t, func() bool { return w.State() == tcb.Suspended }, 2*time.Second, time.Millisecond)

	require.Nil(t, m.Delete(tTid))
	select {
	case jerr := <-joined:
		assert.Nil(t, jerr, "joiners wake with success on target termination")
	case <-time.After(2 * time.Second):
		t.Fatal("joiner was not released")
	}

	jerr := m.Join(w, tTid, 0)
	require.NotNil(t, jerr)
	assert.Equal(t, kerr.InvalidTid, jerr.Code)
}

func TestJoinTimesOut(t *testing.T) {
	m, s, _ := newTestManager(t, 1)
	tTid, err := m.Create(noop, nil, "T", 5, 128, 0, 0)
	require.Nil(t, err)
	w := tcb.New(50, "W", 7, 0)
	require.Nil(t, s.AddTask(w))
	s.Start()

	joined := make(chan *kerr.Error, 1)
	go func() {
		w.Park()
		joined <- m.Join(w, tTid, 3)
	}()
	require.Eventually(t, func() bool { return w.State() == tcb.Delayed }, 2*time.Second, time.Millisecond)

	for i := 0; i < 3; i++ {
		if s.ProcessTick() {
			s.ContextSwitch(0)
		}
	}
	select {
	case jerr := <-joined:
		require.NotNil(t, jerr)
		assert.Equal(t, kerr.TimerExpired, jerr.Code)
	case <-time.After(2 * time.Second):
		t.Fatal("join did not time out")
	}
}
