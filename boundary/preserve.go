package boundary

import (
	"sync/atomic"

	"github.com/chazu/vmstate/thread"
)

// Preserved holds an in-flight exception set aside for the duration of a
// foreign entry.
type Preserved struct {
	t     *thread.Thread
	saved any
	done  bool
}

// PreserveException clears t's in-flight exception and remembers it.
func PreserveException(t *thread.Thread) *Preserved {
	p := &Preserved{t: t, saved: t.PendingException()}
	t.ClearPendingException()
	return p
}

// Restore puts the preserved exception back. If the callee left an exception
// of its own, the preserved one takes precedence and the callee's is logged.
// With nothing preserved, the callee's exception stays in flight.
func (p *Preserved) Restore() {
	if p.done {
		return
	}
	p.done = true
	if p.saved == nil {
		return
	}
	if ex := p.t.PendingException(); ex != nil {
		log.Warningf("thread %d: discarding exception %v in favour of preserved %v", p.t.ID(), ex, p.saved)
	}
	p.t.SetPendingException(p.saved)
}

var checkForeignCalls atomic.Bool

// SetCheckForeignCalls makes foreign entries that return with an exception
// in flight oblige the foreign caller to check for it before re-entering
// native code from the runtime.
func SetCheckForeignCalls(enabled bool) { checkForeignCalls.Store(enabled) }

// CheckForeignCalls reports whether the exception-check obligation is armed.
func CheckForeignCalls() bool { return checkForeignCalls.Load() }

func armExceptionCheck(t *thread.Thread) {
	if checkForeignCalls.Load() && t.PendingException() != nil {
		t.SetPendingExceptionCheck(true)
	}
}
