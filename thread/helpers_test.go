//go:build !vmrelease

package thread

import (
	"fmt"
	"sync"
	"testing"
)

// violations records reported violations instead of terminating.
type violations struct {
	mu  sync.Mutex
	got []*Violation
}

func recordViolations(tb testing.TB) *violations {
	tb.Helper()
	v := &violations{}
	tb.Cleanup(SetViolationHandler(func(x *Violation) {
		v.mu.Lock()
		v.got = append(v.got, x)
		v.mu.Unlock()
	}))
	return v
}

func (v *violations) Len() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.got)
}

func (v *violations) Last() *Violation {
	v.mu.Lock()
	defer v.mu.Unlock()
	if len(v.got) == 0 {
		return nil
	}
	return v.got[len(v.got)-1]
}

// fakePoller cooperates whenever a flag is set and records every call.
type fakePoller struct {
	cooperations []cooperation
	onCooperate  func(t *Thread)
}

type cooperation struct {
	allowSuspend bool
	checkAsync   bool
}

func (p *fakePoller) ShouldCooperate(t *Thread, allowSuspend bool) bool {
	return t.HandshakeRequested() || (allowSuspend && t.SuspendRequested()) || t.HasAsyncException()
}

func (p *fakePoller) Cooperate(t *Thread, allowSuspend, checkAsync bool) {
	p.cooperations = append(p.cooperations, cooperation{allowSuspend, checkAsync})
	if p.onCooperate != nil {
		p.onCooperate(t)
	}
	t.ClearHandshake()
	if checkAsync {
		t.DeliverAsyncException()
	}
}

// traceObserver records transition writes as strings.
type traceObserver struct {
	events []string
}

func (o *traceObserver) OnWalkable(t *Thread, walkable bool) {
	o.events = append(o.events, fmt.Sprintf("walkable=%v", walkable))
}

func (o *traceObserver) OnFence(t *Thread, f Fence) {
	o.events = append(o.events, "fence:"+f.String())
}

func (o *traceObserver) OnState(t *Thread, from, to State) {
	o.events = append(o.events, fmt.Sprintf("state:%s->%s", from, to))
}

func equalEvents(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
