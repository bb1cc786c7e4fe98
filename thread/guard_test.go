//go:build !vmrelease

package thread

import (
	"errors"
	"testing"
)

func TestScenarioManagedRoundTripWithoutPause(t *testing.T) {
	p := &fakePoller{}
	th := New("a", WithPoller(p))

	g := EnterRuntimeFromManaged(th)
	if th.State() != InRuntime {
		t.Fatalf("state = %s, want InRuntime", th.State())
	}
	g.Release()

	if th.State() != InManaged {
		t.Errorf("state = %s, want InManaged", th.State())
	}
	if len(p.cooperations) != 0 {
		t.Errorf("cooperate calls = %d, want 0", len(p.cooperations))
	}
}

func TestScenarioBlockingWithHandshake(t *testing.T) {
	p := &fakePoller{}
	th := New("b", StartIn(InRuntime), WithPoller(p))

	preCalls := 0
	var preSawCooperations int
	g := EnterBlocking(th, AllowSuspend(), PreCooperate(func(*Thread) {
		preCalls++
		preSawCooperations = len(p.cooperations)
	}))
	if th.State() != Blocked {
		t.Fatalf("state = %s, want Blocked", th.State())
	}
	if !th.Anchor().Walkable() {
		t.Fatal("stack not walkable while Blocked")
	}

	th.RequestHandshake()
	g.Release()

	if th.State() != InRuntime {
		t.Errorf("state = %s, want InRuntime", th.State())
	}
	if preCalls != 1 {
		t.Errorf("pre-cooperation calls = %d, want 1", preCalls)
	}
	if preSawCooperations != 0 {
		t.Error("pre-cooperation callback ran after cooperate")
	}
	if len(p.cooperations) != 1 {
		t.Fatalf("cooperate calls = %d, want 1", len(p.cooperations))
	}
	if c := p.cooperations[0]; !c.allowSuspend || c.checkAsync {
		t.Errorf("cooperate(allowSuspend=%v, checkAsync=%v), want (true, false)", c.allowSuspend, c.checkAsync)
	}
}

func TestBlockingWithoutRequestSkipsCallback(t *testing.T) {
	p := &fakePoller{}
	th := New("b2", StartIn(InRuntime), WithPoller(p))
	called := false
	WhileBlocked(th, func() {}, PreCooperate(func(*Thread) { called = true }))
	if called || len(p.cooperations) != 0 {
		t.Errorf("callback = %v, cooperations = %d; want neither", called, len(p.cooperations))
	}
}

func TestBlockingIgnoresSuspendUnlessAllowed(t *testing.T) {
	p := &fakePoller{}
	th := New("b3", StartIn(InRuntime), WithPoller(p))
	th.RequestSuspend()

	WhileBlocked(th, func() {})
	if len(p.cooperations) != 0 {
		t.Errorf("cooperations without AllowSuspend = %d, want 0", len(p.cooperations))
	}
	WhileBlocked(th, func() {}, AllowSuspend())
	if len(p.cooperations) != 1 {
		t.Errorf("cooperations with AllowSuspend = %d, want 1", len(p.cooperations))
	}
}

func TestScenarioNativeToRuntimeWithLockHeld(t *testing.T) {
	v := recordViolations(t)
	th := New("c", StartIn(InRuntime))
	th.LockAcquired()

	g := EnterNativeFromRuntime(th)
	if g.Active() {
		t.Error("guard active after violation")
	}
	if last := v.Last(); last == nil || last.Kind != LocksHeld {
		t.Errorf("violation = %v, want locks held", last)
	}
	if th.State() != InRuntime {
		t.Errorf("state = %s, want InRuntime", th.State())
	}
	g.Release()
	if th.State() != InRuntime {
		t.Errorf("state after release = %s, want InRuntime", th.State())
	}
}

func TestScenarioAsyncExceptionNotDeliveredToNative(t *testing.T) {
	th := New("d", StartIn(InNative))

	g := EnterRuntimeFromNative(th)
	if th.State() != InRuntime {
		t.Fatalf("state = %s, want InRuntime", th.State())
	}
	th.InstallAsyncException("interrupt")
	g.Release()

	if th.State() != InNative {
		t.Fatalf("state = %s, want InNative", th.State())
	}
	if th.PendingException() != nil {
		t.Fatal("async exception delivered to native code")
	}
	if !th.HasAsyncException() {
		t.Fatal("async exception lost")
	}

	// Later, the thread is back in managed code and calls into the runtime.
	th.state.Store(int32(InManaged))
	InRuntime(th, func() {})
	if got := th.PendingException(); got != "interrupt" {
		t.Errorf("pending exception = %v, want interrupt", got)
	}
	if th.HasAsyncException() {
		t.Error("async exception still queued after delivery")
	}
}

func TestNoAsyncCheckKeepsExceptionQueued(t *testing.T) {
	p := &fakePoller{}
	th := New("noasync", WithPoller(p))
	InRuntime(th, func() { th.InstallAsyncException("later") }, NoAsyncCheck())

	if th.PendingException() != nil {
		t.Error("exception delivered despite NoAsyncCheck")
	}
	if !th.HasAsyncException() {
		t.Error("async exception dropped")
	}
	if len(p.cooperations) != 1 || p.cooperations[0].checkAsync {
		t.Errorf("cooperations = %+v, want one without async check", p.cooperations)
	}

	InRuntime(th, func() {})
	if th.PendingException() != "later" {
		t.Errorf("pending exception = %v, want later", th.PendingException())
	}
}

func TestGuardsReverseOnPanic(t *testing.T) {
	tests := []struct {
		name  string
		start State
		run   func(th *Thread)
	}{
		{"managed", InManaged, func(th *Thread) {
			g := EnterRuntimeFromManaged(th)
			defer g.Release()
			panic(errors.New("boom"))
		}},
		{"native", InNative, func(th *Thread) {
			g := EnterRuntimeFromNative(th)
			defer g.Release()
			panic("boom")
		}},
		{"to native", InRuntime, func(th *Thread) {
			g := EnterNativeFromRuntime(th)
			defer g.Release()
			panic("boom")
		}},
		{"blocking", InRuntime, func(th *Thread) {
			g := EnterBlocking(th)
			defer g.Release()
			panic("boom")
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			th := New(tt.name, StartIn(tt.start))
			func() {
				defer func() {
					if recover() == nil {
						t.Error("panic did not propagate")
					}
				}()
				tt.run(th)
			}()
			if th.State() != tt.start {
				t.Errorf("state = %s, want %s", th.State(), tt.start)
			}
		})
	}
}

func TestGuardsRoundTrip(t *testing.T) {
	th := New("rt")
	InRuntime(th, func() {
		WhileBlocked(th, func() {
			if th.State() != Blocked {
				t.Errorf("inner state = %s, want Blocked", th.State())
			}
		})
		InNative(th, func() {
			g := EnterRuntimeFromNative(th)
			if th.State() != InRuntime {
				t.Errorf("callback state = %s, want InRuntime", th.State())
			}
			g.Release()
			if th.State() != InNative {
				t.Errorf("after callback state = %s, want InNative", th.State())
			}
		})
		if th.State() != InRuntime {
			t.Errorf("outer state = %s, want InRuntime", th.State())
		}
	})
	if th.State() != InManaged {
		t.Errorf("final state = %s, want InManaged", th.State())
	}
}

func TestDoubleReleaseIsNoop(t *testing.T) {
	v := recordViolations(t)
	th := New("double")
	g := EnterRuntimeFromManaged(th)
	g.Release()
	g.Release()
	if th.State() != InManaged || v.Len() != 0 {
		t.Errorf("state = %s, violations = %d", th.State(), v.Len())
	}
}

func TestUnknownGuardIdempotence(t *testing.T) {
	defer Detach()
	th := Attach("unknown")

	for _, s := range []State{InRuntime, InManaged, Blocked} {
		th.state.Store(int32(s))
		g := EnterRuntimeFromUnknown()
		if g.Active() {
			t.Errorf("guard active from %s", s)
		}
		if th.State() != s {
			t.Errorf("construction changed %s to %s", s, th.State())
		}
		g.Release()
		if th.State() != s {
			t.Errorf("release changed %s to %s", s, th.State())
		}
	}

	th.state.Store(int32(InNative))
	g := EnterRuntimeFromUnknown()
	if !g.Active() || th.State() != InRuntime {
		t.Fatalf("from InNative: active = %v, state = %s", g.Active(), th.State())
	}
	g.Release()
	if th.State() != InNative {
		t.Errorf("state after release = %s, want InNative", th.State())
	}
}

func TestUnknownGuardWithoutThread(t *testing.T) {
	g := EnterRuntimeFromUnknown()
	if g.Active() {
		t.Error("guard active on a goroutine with no thread")
	}
	g.Release()
}

func TestPendingExceptionCheckOnReturnFromNative(t *testing.T) {
	v := recordViolations(t)
	th := New("jni", StartIn(InRuntime))

	InNative(th, func() {
		th.SetPendingException("e")
		th.SetPendingExceptionCheck(true)
	})
	if last := v.Last(); last == nil || last.Kind != PendingExceptionCheck {
		t.Errorf("violation = %v, want pending exception check", last)
	}

	n := v.Len()
	InNative(th, func() {
		th.SetPendingExceptionCheck(true)
		if !th.Env().ExceptionCheck() {
			t.Error("ExceptionCheck() = false with an exception pending")
		}
	})
	if v.Len() != n {
		t.Error("violation reported after the check was made")
	}
}

func TestReentrantCooperate(t *testing.T) {
	v := recordViolations(t)
	p := &fakePoller{}
	th := New("reenter", StartIn(InRuntime), WithPoller(p))
	p.onCooperate = func(th *Thread) {
		th.RequestHandshake()
		th.poll(true, false, nil)
	}
	th.RequestHandshake()
	WhileBlocked(th, func() {})

	if last := v.Last(); last == nil || last.Kind != ReentrantCooperate {
		t.Errorf("violation = %v, want reentrant cooperate", last)
	}
	if th.Cooperating() {
		t.Error("cooperating flag left set")
	}
}
