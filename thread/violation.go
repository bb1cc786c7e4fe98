package thread

import (
	"fmt"
	"os"
	"sync/atomic"
)

// ---------------------------------------------------------------------------
// Protocol violations
// ---------------------------------------------------------------------------

// Kind classifies a protocol violation.
type Kind int

const (
	// IllegalTransition is a state pair outside the edge table.
	IllegalTransition Kind = iota
	// LocksHeld is InRuntime→InNative while owning runtime locks.
	LocksHeld
	// UnwalkableStack is a return from native with a recorded but unwalkable frame.
	UnwalkableStack
	// PossibleSafepoint is a pause point reached under a no-safepoint scope.
	PossibleSafepoint
	// AsyncOutsideRuntime is an async exception installed outside InRuntime.
	AsyncOutsideRuntime
	// PendingExceptionCheck is a return from native with an unchecked exception.
	PendingExceptionCheck
	// WrongThread is a context used from a goroutine other than its owner.
	WrongThread
	// ReentrantCooperate is a nested call into the pause coordinator.
	ReentrantCooperate
	// HandleInLeaf is a handle allocated under a no-handle mark.
	HandleInLeaf
	// NotAttached is a boundary reached from a goroutine with no context.
	NotAttached
	// MisalignedStack is a failed stack alignment probe at a boundary.
	MisalignedStack
)

var kindNames = [...]string{
	IllegalTransition:     "illegal transition",
	LocksHeld:             "locks held",
	UnwalkableStack:       "unwalkable stack",
	PossibleSafepoint:     "possible safepoint",
	AsyncOutsideRuntime:   "async exception outside runtime",
	PendingExceptionCheck: "pending exception check",
	WrongThread:           "wrong thread",
	ReentrantCooperate:    "reentrant cooperate",
	HandleInLeaf:          "handle in leaf",
	NotAttached:           "not attached",
	MisalignedStack:       "misaligned stack",
}

func (k Kind) String() string {
	if k >= 0 && int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Violation describes a broken protocol invariant. Violations indicate a
// defect in the caller and are never recovered from in production.
type Violation struct {
	Kind     Kind
	ThreadID int64
	Thread   string
	From     State
	To       State
	Message  string
}

// Error implements the error interface.
func (v *Violation) Error() string {
	if v.Kind == IllegalTransition {
		return fmt.Sprintf("thread %d (%s): illegal transition %s -> %s", v.ThreadID, v.Thread, v.From, v.To)
	}
	if v.Message == "" {
		return fmt.Sprintf("thread %d (%s): %s in %s", v.ThreadID, v.Thread, v.Kind, v.From)
	}
	return fmt.Sprintf("thread %d (%s): %s in %s: %s", v.ThreadID, v.Thread, v.Kind, v.From, v.Message)
}

// ViolationHandler receives every reported violation. The default handler
// logs at critical level and terminates the process. If a handler returns,
// the operation that detected the violation is abandoned.
type ViolationHandler func(*Violation)

var (
	handler atomic.Pointer[ViolationHandler]
	exit    = os.Exit
)

// SetViolationHandler installs h and returns a function restoring the
// previous handler. A nil h restores the default.
func SetViolationHandler(h ViolationHandler) (restore func()) {
	var p *ViolationHandler
	if h != nil {
		p = &h
	}
	prev := handler.Swap(p)
	return func() { handler.Store(prev) }
}

// Report delivers v to the installed handler.
func Report(v *Violation) {
	if h := handler.Load(); h != nil {
		(*h)(v)
		return
	}
	log.Criticalf("fatal: %s", v)
	exit(134)
}

func (t *Thread) violation(kind Kind, to State, format string, args ...any) *Violation {
	v := &Violation{Kind: kind, To: to}
	if t != nil {
		v.ThreadID = t.id
		v.Thread = t.name
		v.From = t.State()
	}
	if format != "" {
		v.Message = fmt.Sprintf(format, args...)
	}
	return v
}

func (t *Thread) fail(kind Kind, to State, format string, args ...any) {
	Report(t.violation(kind, to, format, args...))
}
