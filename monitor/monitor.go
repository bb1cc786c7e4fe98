// Package monitor provides the reentrant runtime lock used by runtime code.
// A contended Lock parks the thread Blocked, so a global pause never waits
// for a thread queued on a monitor.
package monitor

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sasha-s/go-deadlock"
	"github.com/tliron/commonlog"

	"github.com/chazu/vmstate/thread"
)

var log = commonlog.GetLogger("vmstate.monitor")

// ErrNotOwner is returned by Unlock when the thread does not own the monitor.
var ErrNotOwner = errors.New("monitor not owned by thread")

// SetDeadlockDetection turns lock-order and timeout detection of the
// monitors' internal mutexes on or off. A timeout of zero keeps the current
// one.
func SetDeadlockDetection(detect bool, timeout time.Duration) {
	deadlock.Opts.Disable = !detect
	if timeout > 0 {
		deadlock.Opts.DeadlockTimeout = timeout
	}
	log.Debugf("deadlock detection: %v (timeout %s)", detect, deadlock.Opts.DeadlockTimeout)
}

// ---------------------------------------------------------------------------
// Monitor
// ---------------------------------------------------------------------------

// Monitor is a reentrant lock owned by a thread context.
type Monitor struct {
	name  string
	mu    deadlock.Mutex
	cond  *sync.Cond
	owner *thread.Thread
	count int

	contended atomic.Uint64
	undone    atomic.Uint64
}

// New creates an unlocked monitor.
func New(name string) *Monitor {
	m := &Monitor{name: name}
	m.cond = sync.NewCond(&m.mu)
	return m
}

// Name returns the monitor's name.
func (m *Monitor) Name() string { return m.name }

// Owner returns the owning thread, or nil.
func (m *Monitor) Owner() *thread.Thread {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.owner
}

// Contended returns how many Lock calls had to wait.
func (m *Monitor) Contended() uint64 { return m.contended.Load() }

// Undone returns how many acquisitions were given back because the owner
// was about to be suspended.
func (m *Monitor) Undone() uint64 { return m.undone.Load() }

// TryLock acquires m for t if it is free or already owned by t.
func (m *Monitor) TryLock(t *thread.Thread) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch m.owner {
	case nil:
		m.owner, m.count = t, 1
	case t:
		m.count++
	default:
		return false
	}
	t.LockAcquired()
	return true
}

// Lock acquires m for t, which must be InRuntime. While waiting t is
// Blocked. If t is to be suspended right after acquiring, the monitor is
// given back before t parks and acquisition starts over once t resumes.
// Lock returns false if t could not leave the runtime to wait.
func (m *Monitor) Lock(t *thread.Thread) bool {
	if m.TryLock(t) {
		return true
	}
	m.contended.Add(1)
	for {
		acquired := false
		g := thread.EnterBlocking(t,
			thread.AllowSuspend(),
			thread.PreCooperate(func(t *thread.Thread) {
				if acquired && t.SuspendRequested() {
					m.exit()
					acquired = false
					m.undone.Add(1)
					log.Debugf("thread %d: gave back %s before suspending", t.ID(), m.name)
				}
			}))
		if !g.Active() {
			return false
		}
		m.wait(t)
		acquired = true
		g.Release()
		if acquired {
			t.LockAcquired()
			return true
		}
	}
}

func (m *Monitor) wait(t *thread.Thread) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for m.owner != nil {
		m.cond.Wait()
	}
	m.owner, m.count = t, 1
}

func (m *Monitor) exit() {
	m.mu.Lock()
	m.owner, m.count = nil, 0
	m.mu.Unlock()
	m.cond.Signal()
}

// Unlock releases one level of t's ownership.
func (m *Monitor) Unlock(t *thread.Thread) error {
	m.mu.Lock()
	if m.owner != t {
		m.mu.Unlock()
		return ErrNotOwner
	}
	m.count--
	free := m.count == 0
	if free {
		m.owner = nil
	}
	m.mu.Unlock()
	t.LockReleased()
	if free {
		m.cond.Signal()
	}
	return nil
}

// Critical runs fn while t holds m, releasing it on every exit path.
func (m *Monitor) Critical(t *thread.Thread, fn func()) bool {
	if !m.Lock(t) {
		return false
	}
	defer m.Unlock(t)
	fn()
	return true
}
