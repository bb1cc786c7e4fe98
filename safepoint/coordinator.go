// Package safepoint implements the pause coordinator that worker threads
// cooperate with through the poll hook: global pauses, per-thread
// handshakes, suspension and asynchronous exception delivery.
package safepoint

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tliron/commonlog"

	"github.com/chazu/vmstate/thread"
)

var log = commonlog.GetLogger("vmstate.safepoint")

var (
	// ErrNotRegistered is returned for threads the coordinator does not know.
	ErrNotRegistered = errors.New("thread not registered")
	// ErrPauseInProgress is returned by Synchronize while a pause is armed.
	ErrPauseInProgress = errors.New("pause already in progress")
)

// DefaultBackoff is the initial wait between checks for unsafe threads.
const DefaultBackoff = 50 * time.Microsecond

const maxBackoff = 10 * time.Millisecond

// record is the coordinator's bookkeeping for one thread. Fields other than
// hsMu are guarded by Coordinator.mu.
type record struct {
	t      *thread.Thread
	parked bool
	ops    []*handshakeOp
	async  []any

	// hsMu serialises handshake operations for the thread, whether run by
	// the thread itself or by a requester on its behalf.
	hsMu sync.Mutex
}

type handshakeOp struct {
	fn   func(*thread.Thread)
	once sync.Once
	done chan struct{}
}

func (op *handshakeOp) run(t *thread.Thread) {
	op.once.Do(func() {
		defer close(op.done)
		op.fn(t)
	})
}

// Coordinator decides when threads must stop at their poll hook. It
// implements thread.Poller.
type Coordinator struct {
	mu      sync.Mutex
	cond    *sync.Cond
	threads map[*thread.Thread]*record
	armed   atomic.Bool
	reason  string
	backoff time.Duration

	pauses    atomic.Uint64
	lastPause atomic.Int64 // unix nanoseconds of the last release
}

// NewCoordinator creates a coordinator with no registered threads.
func NewCoordinator() *Coordinator {
	c := &Coordinator{
		threads: make(map[*thread.Thread]*record),
		backoff: DefaultBackoff,
	}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// SetBackoff sets the initial wait between checks for unsafe threads.
func (c *Coordinator) SetBackoff(d time.Duration) {
	if d <= 0 {
		d = DefaultBackoff
	}
	c.mu.Lock()
	c.backoff = d
	c.mu.Unlock()
}

// ---------------------------------------------------------------------------
// Registration
// ---------------------------------------------------------------------------

// Register makes t take part in pauses and routes its poll hook here.
func (c *Coordinator) Register(t *thread.Thread) {
	t.SetPoller(c)
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.threads[t]; !ok {
		c.threads[t] = &record{t: t}
	}
}

// Unregister removes t. Pending handshakes for it are dropped.
func (c *Coordinator) Unregister(t *thread.Thread) {
	c.mu.Lock()
	r, ok := c.threads[t]
	delete(c.threads, t)
	t.ClearHandshake()
	t.ClearSuspend()
	c.cond.Broadcast()
	c.mu.Unlock()
	if ok && len(r.ops) > 0 {
		log.Warningf("thread %d: dropping %d handshake(s) on unregister", t.ID(), len(r.ops))
	}
}

// Attach binds a thread context to the calling goroutine and registers it.
func (c *Coordinator) Attach(name string, opts ...thread.Option) *thread.Thread {
	t := thread.Attach(name, opts...)
	c.Register(t)
	return t
}

// Detach unregisters and unbinds the calling goroutine's thread context.
func (c *Coordinator) Detach() {
	if t := thread.Current(); t != nil {
		c.Unregister(t)
	}
	thread.Detach()
}

// Threads returns the registered threads.
func (c *Coordinator) Threads() []*thread.Thread {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*thread.Thread, 0, len(c.threads))
	for t := range c.threads {
		out = append(out, t)
	}
	return out
}

// ---------------------------------------------------------------------------
// Poller
// ---------------------------------------------------------------------------

// ShouldCooperate implements thread.Poller.
func (c *Coordinator) ShouldCooperate(t *thread.Thread, allowSuspend bool) bool {
	return c.armed.Load() ||
		t.HandshakeRequested() ||
		(allowSuspend && t.SuspendRequested()) ||
		t.HasAsyncException()
}

// Cooperate implements thread.Poller. It runs the thread's pending
// handshakes, then parks for as long as a pause is armed or, when
// allowSuspend is set, the thread is suspended.
func (c *Coordinator) Cooperate(t *thread.Thread, allowSuspend, checkAsync bool) {
	c.mu.Lock()
	r := c.threads[t]
	if r == nil {
		c.mu.Unlock()
		if checkAsync {
			t.DeliverAsyncException()
		}
		return
	}
	for {
		if t.HandshakeRequested() {
			c.mu.Unlock()
			c.processHandshakes(r, true)
			c.mu.Lock()
			if len(r.ops) > 0 || len(r.async) > 0 {
				continue
			}
			t.ClearHandshake()
		}
		if !c.armed.Load() && !(allowSuspend && t.SuspendRequested()) {
			break
		}
		r.parked = true
		c.cond.Broadcast()
		c.cond.Wait()
		r.parked = false
	}
	c.mu.Unlock()
	if checkAsync {
		t.DeliverAsyncException()
	}
}

// processHandshakes runs r's queued operations while holding its handshake
// lock. Asynchronous exceptions are only installed by the thread itself.
func (c *Coordinator) processHandshakes(r *record, self bool) int {
	r.hsMu.Lock()
	defer r.hsMu.Unlock()
	if !self && !r.t.State().IsSafe() {
		return 0
	}

	c.mu.Lock()
	ops := r.ops
	r.ops = nil
	var async []any
	if self {
		async = r.async
		r.async = nil
	} else if len(ops) == 0 {
		c.mu.Unlock()
		return 0
	}
	c.mu.Unlock()

	for _, op := range ops {
		op.run(r.t)
	}
	for _, ex := range async {
		r.t.InstallAsyncException(ex)
	}
	return len(ops)
}

// ---------------------------------------------------------------------------
// Global pause
// ---------------------------------------------------------------------------

// Synchronize arms a pause and waits until every registered thread other
// than the caller's own is safe: InNative, Blocked, or parked in Cooperate.
// The pause holds until Release. If ctx ends first the pause is disarmed.
func (c *Coordinator) Synchronize(ctx context.Context, reason string) error {
	c.mu.Lock()
	if c.armed.Load() {
		c.mu.Unlock()
		return fmt.Errorf("synchronize %q: %w", reason, ErrPauseInProgress)
	}
	c.reason = reason
	c.armed.Store(true)
	backoff := c.backoff
	c.mu.Unlock()

	self := thread.Current()
	start := time.Now()
	log.Debugf("pause %q armed", reason)
	if err := c.await(ctx, backoff, func() int { return c.unsafeLocked(self) }); err != nil {
		c.disarm(false)
		return fmt.Errorf("synchronize %q: %w", reason, err)
	}
	log.Debugf("pause %q reached in %s", reason, time.Since(start))
	return nil
}

// Release ends the pause and wakes every parked thread.
func (c *Coordinator) Release() { c.disarm(true) }

func (c *Coordinator) disarm(completed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.armed.Load() {
		return
	}
	c.armed.Store(false)
	c.reason = ""
	if completed {
		c.pauses.Add(1)
		c.lastPause.Store(time.Now().UnixNano())
	}
	c.cond.Broadcast()
}

// Reason returns the reason of the armed pause, or "".
func (c *Coordinator) Reason() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}

// Paused reports whether a pause is armed.
func (c *Coordinator) Paused() bool { return c.armed.Load() }

// Pauses returns the number of completed pauses.
func (c *Coordinator) Pauses() uint64 { return c.pauses.Load() }

// LastPause returns when the most recent pause was released, or the zero
// time if none was.
func (c *Coordinator) LastPause() time.Time {
	n := c.lastPause.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// safeLocked reports whether r's thread cannot touch managed state.
func safeLocked(r *record) bool {
	return r.parked || r.t.State().IsSafe()
}

func (c *Coordinator) unsafeLocked(self *thread.Thread) int {
	n := 0
	for t, r := range c.threads {
		if t != self && !safeLocked(r) {
			n++
		}
	}
	return n
}

// await polls cond under c.mu with exponential backoff until it returns 0.
func (c *Coordinator) await(ctx context.Context, backoff time.Duration, pending func() int) error {
	for {
		c.mu.Lock()
		n := pending()
		c.mu.Unlock()
		if n == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, maxBackoff)
	}
}

// ---------------------------------------------------------------------------
// Suspension
// ---------------------------------------------------------------------------

// Suspend asks t to park at its next poll that allows suspension and waits
// until t is safe.
func (c *Coordinator) Suspend(ctx context.Context, t *thread.Thread) error {
	c.mu.Lock()
	r, ok := c.threads[t]
	backoff := c.backoff
	if ok {
		t.RequestSuspend()
	}
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("suspend thread %d: %w", t.ID(), ErrNotRegistered)
	}
	gone := false
	if err := c.await(ctx, backoff, func() int {
		if c.threads[t] != r {
			gone = true
			return 0
		}
		if safeLocked(r) {
			return 0
		}
		return 1
	}); err != nil {
		c.Resume(t)
		return fmt.Errorf("suspend thread %d: %w", t.ID(), err)
	}
	if gone {
		t.ClearSuspend()
		return fmt.Errorf("suspend thread %d: %w", t.ID(), ErrNotRegistered)
	}
	log.Debugf("thread %d suspended", t.ID())
	return nil
}

// Resume lets a suspended thread continue.
func (c *Coordinator) Resume(t *thread.Thread) {
	c.mu.Lock()
	t.ClearSuspend()
	c.cond.Broadcast()
	c.mu.Unlock()
}

// Parked reports whether t is parked in Cooperate.
func (c *Coordinator) Parked(t *thread.Thread) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.threads[t]
	return ok && r.parked
}

// ---------------------------------------------------------------------------
// Handshakes
// ---------------------------------------------------------------------------

// Handshake runs fn for t and waits for it to finish. fn runs either on t at
// its next poll or on the caller while t is InNative or Blocked; in both
// cases t does not run runtime or managed code until fn returns. A thread
// handshaking itself runs fn directly.
func (c *Coordinator) Handshake(ctx context.Context, t *thread.Thread, fn func(*thread.Thread)) error {
	if t == thread.Current() {
		fn(t)
		return nil
	}
	op := &handshakeOp{fn: fn, done: make(chan struct{})}
	c.mu.Lock()
	r, ok := c.threads[t]
	backoff := c.backoff
	if ok {
		r.ops = append(r.ops, op)
		t.RequestHandshake()
		c.cond.Broadcast()
	}
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("handshake thread %d: %w", t.ID(), ErrNotRegistered)
	}

	for {
		if c.processHandshakes(r, false) > 0 {
			c.mu.Lock()
			if len(r.ops) == 0 && len(r.async) == 0 {
				t.ClearHandshake()
			}
			c.mu.Unlock()
		}
		if !c.registered(t, r) {
			c.cancel(r, op)
			select {
			case <-op.done:
				return nil
			default:
			}
			return fmt.Errorf("handshake thread %d: %w", t.ID(), ErrNotRegistered)
		}
		select {
		case <-op.done:
			return nil
		case <-ctx.Done():
			c.cancel(r, op)
			select {
			case <-op.done:
				return nil
			default:
			}
			return fmt.Errorf("handshake thread %d: %w", t.ID(), ctx.Err())
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, maxBackoff)
	}
}

func (c *Coordinator) registered(t *thread.Thread, r *record) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.threads[t] == r
}

func (c *Coordinator) cancel(r *record, op *handshakeOp) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, o := range r.ops {
		if o == op {
			r.ops = append(r.ops[:i], r.ops[i+1:]...)
			break
		}
	}
}

// InstallAsyncException queues ex for t. The target installs it itself at
// its next poll, where it is InRuntime, and throws it once it returns to
// managed code with asynchronous checks enabled.
func (c *Coordinator) InstallAsyncException(t *thread.Thread, ex any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.threads[t]
	if !ok {
		return fmt.Errorf("async exception for thread %d: %w", t.ID(), ErrNotRegistered)
	}
	r.async = append(r.async, ex)
	t.RequestHandshake()
	c.cond.Broadcast()
	return nil
}
