// Package kerr defines the closed set of error codes returned by every
// public VeriOS kernel operation. There is no exceptional control flow and
// no silent recovery: a non-nil *Error is always one of the Codes below.
package kerr

import "fmt"

// Code identifies a kind of kernel error. The zero Code is never returned.
type Code int

const (
	_ Code = iota

	// Allocation failures.
	StackAlloc
	TCBAlloc
	QueueAlloc
	SemAlloc
	MsgPoolRetrieve

	// Argument validation failures.
	InvalidPriority
	InvalidStackSize
	InvalidDelay
	InvalidQueueSize
	InvalidTid
	InvalidSem
	InvalidQueue
	QueueNullPtr
	ReservedPriority

	// State-machine violations.
	InvalidTaskState
	ReadyTask
	RunningTask
	DelayedTask
	SuspendedTask
	DeletedTask
	DoubleDelete
	IdleDelete

	// Scheduler state.
	SchedulerStopped

	// Runtime conditions.
	QueueFull
	QueueEmpty
	TimerExpired
	ResourceDestroyed
	NoTaskQueue

	// Fallthrough.
	OtherError
)

var names = map[Code]string{
	StackAlloc:        "stack allocation failed",
	TCBAlloc:          "tcb allocation failed",
	QueueAlloc:        "queue allocation failed",
	SemAlloc:          "semaphore allocation failed",
	MsgPoolRetrieve:   "message pool retrieval failed",
	InvalidPriority:   "invalid priority",
	InvalidStackSize:  "invalid stack size",
	InvalidDelay:      "invalid delay",
	InvalidQueueSize:  "invalid queue size",
	InvalidTid:        "invalid tid",
	InvalidSem:        "invalid semaphore",
	InvalidQueue:      "invalid queue",
	QueueNullPtr:      "queue null pointer",
	ReservedPriority:  "priority 0 is reserved for idle",
	InvalidTaskState:  "invalid task state transition",
	ReadyTask:         "task is ready",
	RunningTask:       "task is running",
	DelayedTask:       "task is delayed",
	SuspendedTask:     "task is suspended",
	DeletedTask:       "task is deleted",
	DoubleDelete:      "task already marked for deletion",
	IdleDelete:        "idle tasks cannot be deleted",
	SchedulerStopped:  "scheduler is not running",
	QueueFull:         "queue is full",
	QueueEmpty:        "queue is empty",
	TimerExpired:      "timer expired before condition was met",
	ResourceDestroyed: "awaited resource was destroyed",
	NoTaskQueue:       "task has no associated queue",
	OtherError:        "other error",
}

// String implements fmt.Stringer.
func (c Code) String() string {
	if s, ok := names[c]; ok {
		return s
	}
	return fmt.Sprintf("kerr.Code(%d)", int(c))
}

// Error is the concrete error type returned by kernel operations. Its zero
// value is not a valid error; always construct via New or one of the
// package-level sentinels.
type Error struct {
	Code   Code
	Detail string
	Cause  error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Detail == "" {
		return e.Code.String()
	}
	return e.Code.String() + ": " + e.Detail
}

// Unwrap supports errors.Is/errors.As against a wrapped Cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target is a *Error with the same Code, so that
// errors.Is(err, kerr.QueueFull) works against sentinel values below.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// New constructs an *Error with an optional detail string and no cause; use
// Wrap to attach one.
func New(code Code, detail string) *Error {
	return &Error{Code: code, Detail: detail}
}

// Wrap constructs an *Error carrying cause as its Unwrap target.
func Wrap(code Code, detail string, cause error) *Error {
	return &Error{Code: code, Detail: detail, Cause: cause}
}

// sentinel constructs a zero-allocation, reusable *Error for a Code with no
// detail. Public vars below are these sentinels; callers compare with
// errors.Is, never pointer identity, since Detail-bearing errors of the same
// Code must still compare equal.
func sentinel(c Code) *Error { return &Error{Code: c} }

// Pre-allocated sentinel errors, one per Code, for the common case of
// returning a bare code with no extra detail from a hot path.
var (
	ErrStackAlloc        = sentinel(StackAlloc)
	ErrTCBAlloc          = sentinel(TCBAlloc)
	ErrQueueAlloc        = sentinel(QueueAlloc)
	ErrSemAlloc          = sentinel(SemAlloc)
	ErrMsgPoolRetrieve   = sentinel(MsgPoolRetrieve)
	ErrInvalidPriority   = sentinel(InvalidPriority)
	ErrInvalidStackSize  = sentinel(InvalidStackSize)
	ErrInvalidDelay      = sentinel(InvalidDelay)
	ErrInvalidQueueSize  = sentinel(InvalidQueueSize)
	ErrInvalidTid        = sentinel(InvalidTid)
	ErrInvalidSem        = sentinel(InvalidSem)
	ErrInvalidQueue      = sentinel(InvalidQueue)
	ErrQueueNullPtr      = sentinel(QueueNullPtr)
	ErrReservedPriority  = sentinel(ReservedPriority)
	ErrInvalidTaskState  = sentinel(InvalidTaskState)
	ErrReadyTask         = sentinel(ReadyTask)
	ErrRunningTask       = sentinel(RunningTask)
	ErrDelayedTask       = sentinel(DelayedTask)
	ErrSuspendedTask     = sentinel(SuspendedTask)
	ErrDeletedTask       = sentinel(DeletedTask)
	ErrDoubleDelete      = sentinel(DoubleDelete)
	ErrIdleDelete        = sentinel(IdleDelete)
	ErrSchedulerStopped  = sentinel(SchedulerStopped)
	ErrQueueFull         = sentinel(QueueFull)
	ErrQueueEmpty        = sentinel(QueueEmpty)
	ErrTimerExpired      = sentinel(TimerExpired)
	ErrResourceDestroyed = sentinel(ResourceDestroyed)
	ErrNoTaskQueue       = sentinel(NoTaskQueue)
	ErrOther             = sentinel(OtherError)
)

var sentinels = map[Code]*Error{
	StackAlloc: ErrStackAlloc, TCBAlloc: ErrTCBAlloc, QueueAlloc: ErrQueueAlloc,
	SemAlloc: ErrSemAlloc, MsgPoolRetrieve: ErrMsgPoolRetrieve,
	InvalidPriority: ErrInvalidPriority, InvalidStackSize: ErrInvalidStackSize,
	InvalidDelay: ErrInvalidDelay, InvalidQueueSize: ErrInvalidQueueSize,
	InvalidTid: ErrInvalidTid, InvalidSem: ErrInvalidSem, InvalidQueue: ErrInvalidQueue,
	QueueNullPtr: ErrQueueNullPtr, ReservedPriority: ErrReservedPriority,
	InvalidTaskState: ErrInvalidTaskState, ReadyTask: ErrReadyTask,
	RunningTask: ErrRunningTask, DelayedTask: ErrDelayedTask,
	SuspendedTask: ErrSuspendedTask, DeletedTask: ErrDeletedTask,
	DoubleDelete: ErrDoubleDelete, IdleDelete: ErrIdleDelete,
	SchedulerStopped: ErrSchedulerStopped, QueueFull: ErrQueueFull,
	QueueEmpty: ErrQueueEmpty, TimerExpired: ErrTimerExpired,
	ResourceDestroyed: ErrResourceDestroyed, NoTaskQueue: ErrNoTaskQueue,
	OtherError: ErrOther,
}

// FromCode returns the pre-allocated sentinel for c, or ErrOther for an
// unknown code. Used where an error code crosses a lock boundary as a bare
// integer (e.g. a staged wake reason) and must surface as an error again.
func FromCode(c Code) *Error {
	if e, ok := sentinels[c]; ok {
		return e
	}
	return ErrOther
}
