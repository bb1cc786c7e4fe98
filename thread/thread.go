// Package thread implements the execution-context transition protocol: the
// per-thread state register, the transition engine that enforces the legal
// edges between managed, runtime, native and blocked execution, the poll
// hook consulted on the way back into the runtime, and the scoped guards
// that drive transitions from Go code with defer.
package thread

import (
	"sync/atomic"

	"github.com/tliron/commonlog"

	"github.com/chazu/vmstate/handles"

	_ "github.com/tliron/commonlog/simple"
)

var log = commonlog.GetLogger("vmstate.thread")

var nextThreadID atomic.Int64

// ---------------------------------------------------------------------------
// FrameAnchor
// ---------------------------------------------------------------------------

// FrameAnchor records the boundary frame of the managed stack and whether an
// external scanner may walk it.
type FrameAnchor struct {
	lastFrame atomic.Uintptr
	walkable  atomic.Bool
}

// LastFrame returns the recorded boundary frame, or 0 if none.
func (a *FrameAnchor) LastFrame() uintptr { return a.lastFrame.Load() }

// HasLastFrame reports whether a boundary frame is recorded.
func (a *FrameAnchor) HasLastFrame() bool { return a.lastFrame.Load() != 0 }

// Walkable reports whether the stack may be scanned.
func (a *FrameAnchor) Walkable() bool { return a.walkable.Load() }

// SetLastFrame records the boundary frame. The stack is not walkable until
// MakeWalkable is called.
func (a *FrameAnchor) SetLastFrame(fp uintptr) {
	a.walkable.Store(false)
	a.lastFrame.Store(fp)
}

// MakeWalkable marks the stack as walkable.
func (a *FrameAnchor) MakeWalkable() { a.walkable.Store(true) }

// Clear forgets the boundary frame.
func (a *FrameAnchor) Clear() {
	a.walkable.Store(false)
	a.lastFrame.Store(0)
}

// ---------------------------------------------------------------------------
// Thread
// ---------------------------------------------------------------------------

// Thread is the execution context owned by one worker. All fields except the
// state, anchor and the pause flags are only touched by the owning thread.
type Thread struct {
	id   int64
	name string
	goid int64 // owning goroutine, 0 when not attached

	state     atomic.Int32
	anchor    FrameAnchor
	heldLocks atomic.Int32

	asyncPending   atomic.Bool
	asyncException any

	pendingException      any
	pendingExceptionCheck bool

	suspendRequested   atomic.Bool
	handshakeRequested atomic.Bool
	cooperating        atomic.Bool

	noSafepointDepth     int
	reservedZoneDisabled bool
	skipGCALot           bool

	poller   Poller
	observer Observer
	handles  *handles.Area
	env      Env
}

// Option configures a Thread at creation.
type Option func(*Thread)

// WithPoller sets the pause coordinator consulted by the poll hook.
func WithPoller(p Poller) Option {
	return func(t *Thread) { t.poller = p }
}

// WithObserver installs an observer notified of walkability, fence and state
// updates in program order.
func WithObserver(o Observer) Option {
	return func(t *Thread) { t.observer = o }
}

// StartIn sets the initial state. Threads attached from foreign code start
// InNative; the default is InManaged.
func StartIn(s State) Option {
	return func(t *Thread) { t.state.Store(int32(s)) }
}

// New creates a thread context that is not bound to any goroutine. Attach
// creates one bound to the calling goroutine.
func New(name string, opts ...Option) *Thread {
	t := &Thread{
		id:     nextThreadID.Add(1),
		name:   name,
		poller: localPoller{},
	}
	t.state.Store(int32(InManaged))
	t.env.t = t
	for _, opt := range opts {
		opt(t)
	}
	t.handles = handles.NewArea(func(msg string) {
		t.fail(HandleInLeaf, t.State(), "%s", msg)
	})
	return t
}

// ID returns the thread's unique id.
func (t *Thread) ID() int64 { return t.id }

// Name returns the thread's name.
func (t *Thread) Name() string { return t.name }

// State returns the current execution state.
func (t *Thread) State() State { return State(t.state.Load()) }

// Anchor returns the thread's frame anchor.
func (t *Thread) Anchor() *FrameAnchor { return &t.anchor }

// Handles returns the thread's handle area.
func (t *Thread) Handles() *handles.Area { return t.handles }

// Env returns the foreign-call environment bound to this thread.
func (t *Thread) Env() *Env { return &t.env }

// SetPoller replaces the pause coordinator. It must be called before the
// thread makes its first transition.
func (t *Thread) SetPoller(p Poller) {
	if p == nil {
		p = localPoller{}
	}
	t.poller = p
}

// SetObserver replaces the observer.
func (t *Thread) SetObserver(o Observer) { t.observer = o }

// ---------------------------------------------------------------------------
// Locks
// ---------------------------------------------------------------------------

// HeldLocks returns the number of runtime locks owned by the thread.
func (t *Thread) HeldLocks() int { return int(t.heldLocks.Load()) }

// OwnsLocks reports whether the thread owns any runtime lock.
func (t *Thread) OwnsLocks() bool { return t.heldLocks.Load() > 0 }

// LockAcquired records the acquisition of a runtime lock.
func (t *Thread) LockAcquired() { t.heldLocks.Add(1) }

// LockReleased records the release of a runtime lock.
func (t *Thread) LockReleased() {
	if t.heldLocks.Add(-1) < 0 {
		t.heldLocks.Store(0)
		if DebugBuild {
			t.fail(IllegalTransition, t.State(), "lock released that was never acquired")
		}
	}
}

// ---------------------------------------------------------------------------
// Exceptions
// ---------------------------------------------------------------------------

// PendingException returns the in-flight exception, if any.
func (t *Thread) PendingException() any { return t.pendingException }

// SetPendingException installs ex as the in-flight exception.
func (t *Thread) SetPendingException(ex any) { t.pendingException = ex }

// ClearPendingException drops the in-flight exception.
func (t *Thread) ClearPendingException() { t.pendingException = nil }

// HasAsyncException reports whether an asynchronous exception is queued.
func (t *Thread) HasAsyncException() bool { return t.asyncPending.Load() }

// InstallAsyncException queues ex for delivery the next time the thread
// resumes managed code. The thread must be InRuntime.
func (t *Thread) InstallAsyncException(ex any) {
	if DebugBuild && t.State() != InRuntime {
		t.fail(AsyncOutsideRuntime, t.State(), "cannot install %v", ex)
		return
	}
	t.asyncException = ex
	t.asyncPending.Store(true)
}

// DeliverAsyncException moves a queued asynchronous exception into the
// in-flight slot so it is thrown once managed execution resumes. It reports
// whether anything was delivered. Only the poll hook calls this, on the
// InRuntime→InManaged edge.
func (t *Thread) DeliverAsyncException() bool {
	if !t.asyncPending.Load() {
		return false
	}
	ex := t.asyncException
	t.asyncException = nil
	t.asyncPending.Store(false)
	t.pendingException = ex
	log.Debugf("thread %d: delivering async exception %v", t.id, ex)
	return true
}

// PendingExceptionCheck reports whether foreign code still owes an exception
// check after a runtime call returned with an exception.
func (t *Thread) PendingExceptionCheck() bool { return t.pendingExceptionCheck }

// SetPendingExceptionCheck sets or clears the exception-check obligation.
func (t *Thread) SetPendingExceptionCheck(b bool) { t.pendingExceptionCheck = b }

// ---------------------------------------------------------------------------
// Pause flags
// ---------------------------------------------------------------------------

// RequestSuspend is called by the pause coordinator.
func (t *Thread) RequestSuspend() { t.suspendRequested.Store(true) }

// ClearSuspend is called by the pause coordinator.
func (t *Thread) ClearSuspend() { t.suspendRequested.Store(false) }

// SuspendRequested is read by the poll hook.
func (t *Thread) SuspendRequested() bool { return t.suspendRequested.Load() }

// RequestHandshake is called by the pause coordinator.
func (t *Thread) RequestHandshake() { t.handshakeRequested.Store(true) }

// ClearHandshake is called by the pause coordinator.
func (t *Thread) ClearHandshake() { t.handshakeRequested.Store(false) }

// HandshakeRequested is read by the poll hook.
func (t *Thread) HandshakeRequested() bool { return t.handshakeRequested.Load() }

// Cooperating reports whether the thread is inside Poller.Cooperate.
func (t *Thread) Cooperating() bool { return t.cooperating.Load() }

// ---------------------------------------------------------------------------
// Verifiers
// ---------------------------------------------------------------------------

// EnterNoSafepoint opens a scope in which reaching a pause point is a
// violation. The returned function closes it.
func (t *Thread) EnterNoSafepoint() (restore func()) {
	t.noSafepointDepth++
	return func() { t.noSafepointDepth-- }
}

// InNoSafepointScope reports whether a no-safepoint scope is open.
func (t *Thread) InNoSafepointScope() bool { return t.noSafepointDepth > 0 }

// CheckPossibleSafepoint reports a violation if a no-safepoint scope is
// open. It returns false when the caller must abandon the operation.
func (t *Thread) CheckPossibleSafepoint() bool {
	if DebugBuild && t.noSafepointDepth > 0 {
		t.fail(PossibleSafepoint, t.State(), "%d no-safepoint scope(s) open", t.noSafepointDepth)
		return false
	}
	return true
}

// DisableReservedZone marks the reserved stack zone as consumed. It is
// re-enabled when the thread returns to managed code.
func (t *Thread) DisableReservedZone() { t.reservedZoneDisabled = true }

// ReservedZoneDisabled reports whether the reserved stack zone is consumed.
func (t *Thread) ReservedZoneDisabled() bool { return t.reservedZoneDisabled }

// SkipGCALot reports whether forced collections are suppressed, which is the
// case while one is already running on this thread.
func (t *Thread) SkipGCALot() bool { return t.skipGCALot }

// SetSkipGCALot sets the forced-collection suppression flag.
func (t *Thread) SetSkipGCALot(b bool) { t.skipGCALot = b }

func (t *Thread) String() string {
	return t.name
}
