package thread

import (
	"runtime"
	"sync"

	"github.com/petermattis/goid"
)

// attached maps goroutine ids to their thread contexts.
var attached sync.Map // int64 -> *Thread

// Attach binds a new thread context to the calling goroutine and wires it to
// its OS thread for the context's lifetime. Attaching twice returns the
// existing context.
func Attach(name string, opts ...Option) *Thread {
	id := goid.Get()
	if v, ok := attached.Load(id); ok {
		return v.(*Thread)
	}
	runtime.LockOSThread()
	t := New(name, opts...)
	t.goid = id
	attached.Store(id, t)
	log.Debugf("thread %d (%s) attached to goroutine %d", t.id, t.name, id)
	return t
}

// Detach unbinds the calling goroutine's thread context.
func Detach() {
	id := goid.Get()
	v, ok := attached.LoadAndDelete(id)
	if !ok {
		return
	}
	t := v.(*Thread)
	t.goid = 0
	runtime.UnlockOSThread()
	log.Debugf("thread %d (%s) detached", t.id, t.name)
}

// Current returns the calling goroutine's thread context, or nil.
func Current() *Thread {
	if v, ok := attached.Load(goid.Get()); ok {
		return v.(*Thread)
	}
	return nil
}

// IsCurrent reports whether t may be driven from the calling goroutine.
// Contexts created with New are not bound and pass.
func (t *Thread) IsCurrent() bool {
	return t.goid == 0 || t.goid == goid.Get()
}

func (t *Thread) checkCurrent() bool {
	if DebugBuild && !t.IsCurrent() {
		t.fail(WrongThread, t.State(), "owned by goroutine %d, used from %d", t.goid, goid.Get())
		return false
	}
	return true
}

// ---------------------------------------------------------------------------
// Env
// ---------------------------------------------------------------------------

// Env is the handle foreign code holds for calling back into the runtime.
// It is only valid on the thread it belongs to.
type Env struct {
	t *Thread
}

// Thread returns the owning thread without checking the caller.
func (e *Env) Thread() *Thread { return e.t }

// FromEnv resolves the thread behind env and checks that the caller runs on
// it.
func FromEnv(env *Env) *Thread {
	t := env.t
	if DebugBuild && !t.IsCurrent() {
		t.fail(WrongThread, t.State(), "Env is only valid in same thread")
	}
	return t
}

// ExceptionCheck reports whether a runtime call left an exception pending
// and discharges the exception-check obligation.
func (e *Env) ExceptionCheck() bool {
	e.t.pendingExceptionCheck = false
	return e.t.pendingException != nil
}

// ExceptionOccurred returns the pending exception and discharges the
// exception-check obligation.
func (e *Env) ExceptionOccurred() any {
	e.t.pendingExceptionCheck = false
	return e.t.pendingException
}

// ExceptionClear drops the pending exception.
func (e *Env) ExceptionClear() {
	e.t.pendingException = nil
	e.t.pendingExceptionCheck = false
}
