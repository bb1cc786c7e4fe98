// Package boundary assembles the standard shapes of calls that cross into
// the runtime: entries from managed code, leaf routines that never reach a
// pause point, and entries from foreign or embedding code. Each template
// wraps a business-logic function and returns a function of the same shape
// that performs guard entry, invariant checks and guard exit around it.
package boundary

import (
	"github.com/tliron/commonlog"

	"github.com/chazu/vmstate/debugcheck"
	"github.com/chazu/vmstate/thread"
)

var log = commonlog.GetLogger("vmstate.boundary")

// Func is a routine reachable from managed code.
type Func[A, R any] func(t *thread.Thread, a A) R

// EnvFunc is a routine reachable from foreign code holding an Env.
type EnvFunc[A, R any] func(env *thread.Env, a A) R

// HostFunc is a routine reachable from an embedding host that runs on an
// attached thread but holds no Env.
type HostFunc[A, R any] func(a A) R

// Option configures a boundary.
type Option func(*options)

type options struct {
	noAsyncCheck bool
	noPreserve   bool
	checker      *debugcheck.Checker
}

func buildOptions(opts []Option) options {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func (o *options) check() *debugcheck.Checker {
	if o.checker != nil {
		return o.checker
	}
	return debugcheck.Active()
}

func (o *options) guardOptions() []thread.GuardOption {
	if o.noAsyncCheck {
		return []thread.GuardOption{thread.NoAsyncCheck()}
	}
	return nil
}

// NoAsyncCheck keeps queued asynchronous exceptions from being delivered
// when the boundary returns to managed code.
func NoAsyncCheck() Option {
	return func(o *options) { o.noAsyncCheck = true }
}

// NoPreserve skips exception preservation on foreign entries.
func NoPreserve() Option {
	return func(o *options) { o.noPreserve = true }
}

// WithChecker uses c instead of the process-wide debug checker.
func WithChecker(c *debugcheck.Checker) Option {
	return func(o *options) { o.checker = c }
}

// ---------------------------------------------------------------------------
// Entries from managed code
// ---------------------------------------------------------------------------

// RuntimeEntry wraps a routine that may block, allocate handles or raise
// exceptions. The wrapped routine runs InRuntime inside its own handle scope
// and the debug wrapper; the thread is back InManaged when it returns.
func RuntimeEntry[A, R any](fn Func[A, R], opts ...Option) Func[A, R] {
	o := buildOptions(opts)
	return func(t *thread.Thread, a A) R {
		g := thread.EnterRuntimeFromManaged(t, o.guardOptions()...)
		defer g.Release()
		if !g.Active() {
			var zero R
			return zero
		}
		hm := t.Handles().Mark()
		defer hm.Release()
		debugcheck.VerifyStackAlignment(t)
		if thread.DebugBuild {
			c := o.check()
			c.Enter(t)
			defer c.Exit(t)
		}
		return fn(t, a)
	}
}

// Leaf wraps a routine that must not block, allocate handles or reach a
// pause point. It performs no transition and may be called from managed or
// native code. In debug builds any attempt to reach a pause point or
// allocate a handle is reported.
func Leaf[A, R any](fn Func[A, R]) Func[A, R] {
	return func(t *thread.Thread, a A) R {
		debugcheck.VerifyStackAlignment(t)
		if thread.DebugBuild {
			allow := t.Handles().Forbid()
			defer allow()
			restore := t.EnterNoSafepoint()
			defer restore()
		}
		return fn(t, a)
	}
}

// ---------------------------------------------------------------------------
// Entries from foreign code
// ---------------------------------------------------------------------------

// ForeignEntry wraps a routine called back from foreign code through an Env.
// The wrapped routine runs InRuntime with a fresh handle scope; any
// exception already in flight is set aside for the call and restored after
// it unless NoPreserve is given.
func ForeignEntry[A, R any](fn Func[A, R], opts ...Option) EnvFunc[A, R] {
	o := buildOptions(opts)
	return func(env *thread.Env, a A) R {
		return foreign(thread.FromEnv(env), a, fn, &o)
	}
}

// EmbeddingEntry is ForeignEntry for host API routines that find their
// thread through the current-thread accessor instead of an Env.
func EmbeddingEntry[A, R any](fn Func[A, R], opts ...Option) HostFunc[A, R] {
	o := buildOptions(opts)
	return func(a A) R {
		t := thread.Current()
		if t == nil {
			thread.Report(&thread.Violation{Kind: thread.NotAttached, Message: "embedding entry"})
			var zero R
			return zero
		}
		return foreign(t, a, fn, &o)
	}
}

func foreign[A, R any](t *thread.Thread, a A, fn Func[A, R], o *options) R {
	g := thread.EnterRuntimeFromNative(t)
	defer g.Release()
	if !g.Active() {
		var zero R
		return zero
	}
	if thread.DebugBuild {
		c := o.check()
		c.NativeEnter(t)
		defer c.NativeExit(t)
	}
	hm := t.Handles().Mark()
	defer hm.Release()
	allow := t.Handles().Allow()
	defer allow()
	debugcheck.VerifyStackAlignment(t)

	defer armExceptionCheck(t)
	if !o.noPreserve {
		p := PreserveException(t)
		defer p.Restore()
	}
	return fn(t, a)
}

// ForeignLeaf wraps a leaf routine called from foreign code through an Env.
func ForeignLeaf[A, R any](fn Func[A, R]) EnvFunc[A, R] {
	leaf := Leaf(fn)
	return func(env *thread.Env, a A) R {
		return leaf(thread.FromEnv(env), a)
	}
}

// EmbeddingLeaf wraps a leaf routine of the host API. Once the VM has
// exited, callers park forever instead of running against a dead VM. The
// routine receives the current thread, which is nil for an unattached
// caller.
func EmbeddingLeaf[A, R any](fn Func[A, R]) HostFunc[A, R] {
	return func(a A) R {
		blockIfExited()
		t := thread.Current()
		if t == nil {
			return fn(nil, a)
		}
		return Leaf(fn)(t, a)
	}
}
