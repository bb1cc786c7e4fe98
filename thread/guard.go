package thread

// ---------------------------------------------------------------------------
// Scoped transition guards
// ---------------------------------------------------------------------------
//
// A guard performs one forward edge when created and the matching reverse
// edge when released. Release is meant to be deferred so the return trip
// happens on every exit path, panics included:
//
//	g := thread.EnterRuntimeFromManaged(t)
//	defer g.Release()
//
// Releasing a guard twice, or one whose forward edge was abandoned, does
// nothing.

// GuardOption configures a guard.
type GuardOption func(*guardConfig)

type guardConfig struct {
	noAsyncCheck bool
	allowSuspend bool
	pre          func(*Thread)
}

func buildGuardConfig(opts []GuardOption) guardConfig {
	var c guardConfig
	for _, opt := range opts {
		opt(&c)
	}
	return c
}

// NoAsyncCheck keeps asynchronous exceptions queued when the guard returns
// to managed code. Used by entry points that cannot tolerate them.
func NoAsyncCheck() GuardOption {
	return func(c *guardConfig) { c.noAsyncCheck = true }
}

// AllowSuspend lets a blocking guard park for a suspend request on release.
func AllowSuspend() GuardOption {
	return func(c *guardConfig) { c.allowSuspend = true }
}

// PreCooperate sets the callback a blocking guard runs before cooperating
// with the coordinator on release.
func PreCooperate(fn func(*Thread)) GuardOption {
	return func(c *guardConfig) { c.pre = fn }
}

// RuntimeFromManaged holds a thread InRuntime for a call from managed code.
type RuntimeFromManaged struct {
	t          *Thread
	checkAsync bool
	active     bool
}

// EnterRuntimeFromManaged performs InManaged→InRuntime.
func EnterRuntimeFromManaged(t *Thread, opts ...GuardOption) RuntimeFromManaged {
	c := buildGuardConfig(opts)
	g := RuntimeFromManaged{t: t, checkAsync: !c.noAsyncCheck}
	g.active = t.checkCurrent() && FromManaged(t)
	return g
}

// Active reports whether the forward edge happened and is not yet reversed.
func (g *RuntimeFromManaged) Active() bool { return g.active }

// Release performs InRuntime→InManaged.
func (g *RuntimeFromManaged) Release() {
	if !g.active {
		return
	}
	g.active = false
	FromRuntime(g.t, InManaged, g.checkAsync)
}

// RuntimeFromUnknown enters the runtime from a caller whose state is not
// statically known. It only transitions if the thread is InNative.
type RuntimeFromUnknown struct {
	t *Thread
}

// EnterRuntimeFromUnknown performs InNative→InRuntime for the current
// thread if it is InNative and is a no-op otherwise, including for
// goroutines with no thread context.
func EnterRuntimeFromUnknown() RuntimeFromUnknown {
	t := Current()
	if t != nil && t.State() == InManaged {
		log.Debugf("thread %d: unknown-origin runtime entry from InManaged ignored", t.id)
	}
	if FromUnknown(t) {
		return RuntimeFromUnknown{t: t}
	}
	return RuntimeFromUnknown{}
}

// Active reports whether the guard transitioned and must reverse.
func (g *RuntimeFromUnknown) Active() bool { return g.t != nil }

// Release returns to InNative if the guard transitioned.
func (g *RuntimeFromUnknown) Release() {
	if g.t == nil {
		return
	}
	t := g.t
	g.t = nil
	FromRuntime(t, InNative, false)
}

// RuntimeFromNative holds a thread InRuntime for a call from foreign code.
type RuntimeFromNative struct {
	t      *Thread
	active bool
}

// EnterRuntimeFromNative performs InNative→InRuntime.
func EnterRuntimeFromNative(t *Thread) RuntimeFromNative {
	g := RuntimeFromNative{t: t}
	g.active = t.checkCurrent() && FromNative(t)
	return g
}

// Active reports whether the forward edge happened and is not yet reversed.
func (g *RuntimeFromNative) Active() bool { return g.active }

// Release performs InRuntime→InNative. Locks may legitimately be held here
// when runtime code calls known native code under this guard, but the edge
// itself still requires that none are.
func (g *RuntimeFromNative) Release() {
	if !g.active {
		return
	}
	g.active = false
	FromRuntime(g.t, InNative, false)
}

// NativeFromRuntime holds a thread InNative while runtime code calls out to
// foreign code.
type NativeFromRuntime struct {
	t      *Thread
	active bool
}

// EnterNativeFromRuntime performs InRuntime→InNative. The thread must not
// own runtime locks.
func EnterNativeFromRuntime(t *Thread) NativeFromRuntime {
	g := NativeFromRuntime{t: t}
	g.active = t.checkCurrent() && FromRuntime(t, InNative, false)
	return g
}

// Active reports whether the forward edge happened and is not yet reversed.
func (g *NativeFromRuntime) Active() bool { return g.active }

// Release performs InNative→InRuntime and checks that foreign code did not
// leave an exception check outstanding.
func (g *NativeFromRuntime) Release() {
	if !g.active {
		return
	}
	g.active = false
	if !FromNative(g.t) {
		return
	}
	if DebugBuild && g.t.pendingExceptionCheck {
		g.t.fail(PendingExceptionCheck, InRuntime, "foreign code did not check for a pending exception")
	}
}

// Blocking parks a thread Blocked while runtime code waits on a lock,
// condition or I/O, so a global pause need not wait for it.
type Blocking struct {
	t            *Thread
	pre          func(*Thread)
	allowSuspend bool
	active       bool
}

// EnterBlocking performs InRuntime→Blocked.
func EnterBlocking(t *Thread, opts ...GuardOption) Blocking {
	c := buildGuardConfig(opts)
	g := Blocking{t: t, pre: c.pre, allowSuspend: c.allowSuspend}
	g.active = t.checkCurrent() && FromRuntime(t, Blocked, false)
	return g
}

// Active reports whether the forward edge happened and is not yet reversed.
func (g *Blocking) Active() bool { return g.active }

// Release performs Blocked→InRuntime, running the pre-cooperation callback
// if the coordinator needs the thread.
func (g *Blocking) Release() {
	if !g.active {
		return
	}
	g.active = false
	FromBlocked(g.t, g.pre, g.allowSuspend)
}

// ---------------------------------------------------------------------------
// Closure forms
// ---------------------------------------------------------------------------

// InRuntime runs fn InRuntime on behalf of managed code. fn does not run if
// the forward edge was abandoned.
func InRuntime(t *Thread, fn func(), opts ...GuardOption) {
	g := EnterRuntimeFromManaged(t, opts...)
	defer g.Release()
	if g.Active() {
		fn()
	}
}

// InNative runs fn InNative on behalf of runtime code.
func InNative(t *Thread, fn func()) {
	g := EnterNativeFromRuntime(t)
	defer g.Release()
	if g.Active() {
		fn()
	}
}

// WhileBlocked runs fn Blocked on behalf of runtime code.
func WhileBlocked(t *Thread, fn func(), opts ...GuardOption) {
	g := EnterBlocking(t, opts...)
	defer g.Release()
	if g.Active() {
		fn()
	}
}
