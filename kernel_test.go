package verios

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jasbury1/VeriOS/internal/kerr"
	"github.com/jasbury1/VeriOS/internal/sched"
)

func TestNewValidatesOptions(t *testing.T) {
	for name, opt := range map[string]Option{
		"max priorities not multiple of 8": WithMaxPriorities(10),
		"zero cores":                       WithNumCores(0),
		"negative tls slots":               WithTLSSlots(-1),
		"tiny name length":                 WithMaxTaskNameLen(1),
		"zero max queue size":              WithMaxQueueSize(0),
		"zero pool slab":                   WithMsgPoolInitialSize(0),
		"zero idle stack":                  WithIdleStackSize(0),
		"zero tid table":                   WithTIDTableInitialSize(0),
		"nil port":                         WithPort(nil),
	} {
		t.Run(name, func(t *testing.T) {
			_, err := New(opt)
			assert.Error(t, err)
		})
	}
}

func TestNewDefaults(t *testing.T) {
	k, err := New(WithNumCores(1))
	require.NoError(t, err)
	assert.Equal(t, uint64(0), k.TickCount())
	assert.Equal(t, 1, k.sched.NumCores())
	assert.Equal(t, 24, k.sched.MaxPriorities())
}

// pump drives the tick from the host until cond holds or the deadline
// passes, standing in for the periodic timer interrupt.
func pump(t *testing.T, k *Kernel, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		k.Tick()
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not reached while ticking")
}

func TestKernelProducerConsumerEndToEnd(t *testing.T) {
	k, err := New(WithNumCores(1))
	require.NoError(t, err)

	q, kerrr := k.NewQueue(2)
	require.Nil(t, kerrr)

	const n = 4
	var received atomic.Int32

	_, kerrr = k.CreateTask(func(any) {
		for i := 0; i < n; i++ {
			if err := q.Send(NoTimeout, i); err != nil {
				return
			}
		}
		select {}
	}, nil, "producer", 5, 256, 0, 0)
	require.Nil(t, kerrr)

	_, kerrr = k.CreateTask(func(any) {
		for i := 0; i < n; i++ {
			v, err := q.Receive(NoTimeout)
			if err != nil {
				return
			}
			if v.(int) == i {
				received.Add(1)
			}
		}
		select {}
	}, nil, "consumer", 6, 256, 0, 0)
	require.Nil(t, kerrr)

	require.Nil(t, k.Start())
	defer k.Stop()

	pump(t, k, func() bool { return received.Load() == n })
	assert.Equal(t, int32(n), received.Load(), "all messages arrive in order")
}

func TestKernelDelayResumesAfterTicks(t *testing.T) {
	k, err := New(WithNumCores(1))
	require.NoError(t, err)

	var woke atomic.Uint64
	_, kerrr := k.CreateTask(func(any) {
		if err := k.Delay(5); err == nil {
			woke.Store(k.TickCount())
		}
		select {}
	}, nil, "sleeper", 5, 256, 0, 0)
	require.Nil(t, kerrr)

	require.Nil(t, k.Start())
	defer k.Stop()

	pump(t, k, func() bool { return woke.Load() != 0 })
	// The host keeps ticking while the woken task reads the counter, so
	// allow a small skid past the exact wakeup tick.
	assert.GreaterOrEqual(t, woke.Load(), uint64(5), "never woken early")
	assert.LessOrEqual(t, woke.Load(), uint64(8))
}

func TestKernelTaskIntrospection(t *testing.T) {
	k, err := New(WithNumCores(2))
	require.NoError(t, err)

	tid, kerrr := k.CreateTask(func(any) { select {} }, nil, "inspect-me", 7, 256, 0, 1)
	require.Nil(t, kerrr)

	name, nerr := k.TaskName(tid)
	require.Nil(t, nerr)
	assert.Equal(t, "inspect-me", name)

	core, cerr := k.TaskCore(tid)
	require.Nil(t, cerr)
	assert.Equal(t, 1, core)

	prio, perr := k.TaskPriority(tid)
	require.Nil(t, perr)
	assert.Equal(t, 7, prio)

	require.Nil(t, k.TLSSet(tid, 0, "tls-value", nil))
	v, terr := k.TLSGet(tid, 0)
	require.Nil(t, terr)
	assert.Equal(t, "tls-value", v)

	require.Nil(t, k.ChangePriority(tid, 9))
	prio, perr = k.TaskPriority(tid)
	require.Nil(t, perr)
	assert.Equal(t, 9, prio)

	_, nerr = k.TaskName(12345)
	require.NotNil(t, nerr)
	assert.Equal(t, kerr.InvalidTid, nerr.Code)
}

func TestKernelSuspendResumeTask(t *testing.T) {
	k, err := New(WithNumCores(1))
	require.NoError(t, err)

	var beats atomic.Int32
	tid, kerrr := k.CreateTask(func(any) {
		for {
			if err := k.Delay(1); err != nil {
				return
			}
			beats.Add(1)
		}
	}, nil, "heartbeat", 5, 256, 0, 0)
	require.Nil(t, kerrr)

	require.Nil(t, k.Start())
	defer k.Stop()

	pump(t, k, func() bool { return beats.Load() >= 2 })

	// Let the task settle back into its delay before suspending, so the
	// suspension always catches it parked.
	time.Sleep(10 * time.Millisecond)
	require.Nil(t, k.SuspendTask(tid))
	frozen := beats.Load()
	for i := 0; i < 10; i++ {
		k.Tick()
	}
	assert.Equal(t, frozen, beats.Load(), "a suspended task misses its heartbeat")

	require.Nil(t, k.ResumeTask(tid))
	pump(t, k, func() bool { return beats.Load() > frozen })
}

func TestKernelSchedulerStateAndStop(t *testing.T) {
	k, err := New(WithNumCores(1))
	require.NoError(t, err)
	assert.Equal(t, sched.Stopped, k.SchedulerState(0), "stopped before Start")

	require.Nil(t, k.Start())
	assert.NotNil(t, k.Start(), "double start rejected")
	assert.Equal(t, sched.Running, k.SchedulerState(0), "running after Start")

	k.Stop()
	assert.Equal(t, sched.Stopped, k.SchedulerState(0))
}

func TestTimerDaemonOneShotAndPeriodic(t *testing.T) {
	k, err := New(WithNumCores(1))
	require.NoError(t, err)
	require.Nil(t, k.Start())
	defer k.Stop()

	d, kerrr := k.StartTimerDaemon(8, 256)
	require.Nil(t, kerrr)
	name, nerr := k.TaskName(d.Tid())
	require.Nil(t, nerr)
	assert.Equal(t, "TMR_DAEMON", name)

	var oneShot atomic.Int32
	var periodic atomic.Int32
	d.After(3, func() { oneShot.Add(1) })
	tick := d.Every(2, func() { periodic.Add(1) })

	pump(t, k, func() bool { return oneShot.Load() == 1 && periodic.Load() >= 3 })

	tick.Stop()
	frozen := periodic.Load()
	for i := 0; i < 8; i++ {
		k.Tick()
		time.Sleep(time.Millisecond)
	}
	assert.Equal(t, int32(1), oneShot.Load(), "one-shot fires exactly once")
	assert.LessOrEqual(t, periodic.Load(), frozen+1, "stopped timer no longer rearms")
}
