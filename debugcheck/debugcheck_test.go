//go:build !vmrelease

package debugcheck

import (
	"testing"

	"github.com/chazu/vmstate/thread"
)

type countingHooks struct {
	NopHooks
	scavenges, fulls, walks, zombies, deopts, lastFrames, stacks int
	nested                                                       func(t *thread.Thread)
}

func (h *countingHooks) Collect(t *thread.Thread, full bool) {
	if full {
		h.fulls++
	} else {
		h.scavenges++
	}
	if h.nested != nil {
		h.nested(t)
	}
}
func (h *countingHooks) WalkStack(*thread.Thread)       { h.walks++ }
func (h *countingHooks) MarkZombies(*thread.Thread)     { h.zombies++ }
func (h *countingHooks) DeoptimizeAll(*thread.Thread)   { h.deopts++ }
func (h *countingHooks) VerifyLastFrame(*thread.Thread) { h.lastFrames++ }
func (h *countingHooks) VerifyStack(*thread.Thread)     { h.stacks++ }

func TestDisabledCheckerDoesNothing(t *testing.T) {
	h := &countingHooks{}
	c := New(Flags{}, h)
	th := thread.New("idle", thread.StartIn(thread.InRuntime))
	for range 10 {
		c.Enter(th)
		c.Exit(th)
		c.NativeEnter(th)
		c.NativeExit(th)
	}
	if total := h.scavenges + h.fulls + h.walks + h.zombies + h.deopts + h.lastFrames + h.stacks; total != 0 {
		t.Errorf("hooks called %d times, want 0", total)
	}
}

func TestScavengeALotEveryCall(t *testing.T) {
	h := &countingHooks{}
	c := New(Flags{ScavengeALot: true, ScavengeALotInterval: 1}, h)
	th := thread.New("scavenge", thread.StartIn(thread.InRuntime))
	for range 5 {
		c.Exit(th)
	}
	if h.scavenges != 5 || h.fulls != 0 {
		t.Errorf("scavenges = %d, fulls = %d, want 5, 0", h.scavenges, h.fulls)
	}
	if got := c.Stats().Scavenges; got != 5 {
		t.Errorf("Stats().Scavenges = %d, want 5", got)
	}
}

func TestFullGCALotRandomInterval(t *testing.T) {
	h := &countingHooks{}
	c := New(Flags{FullGCALot: true, FullGCALotInterval: 4}, h)
	th := thread.New("full", thread.StartIn(thread.InRuntime))
	for range 100 {
		c.GCALot(th)
	}
	// Intervals are in [1, 4], so at least 25 and at most 100 collections.
	if h.fulls < 25 || h.fulls > 100 {
		t.Errorf("full collections = %d, want between 25 and 100", h.fulls)
	}
}

func TestFullGCALotStart(t *testing.T) {
	h := &countingHooks{}
	c := New(Flags{FullGCALot: true, FullGCALotInterval: 1, FullGCALotStart: 5}, h)
	th := thread.New("start", thread.StartIn(thread.InRuntime))
	for range 4 {
		c.GCALot(th)
	}
	if h.fulls != 0 {
		t.Errorf("collections before start = %d, want 0", h.fulls)
	}
	c.GCALot(th)
	if h.fulls != 1 {
		t.Errorf("collections at start = %d, want 1", h.fulls)
	}
}

func TestGCALotNotReentrant(t *testing.T) {
	h := &countingHooks{}
	c := New(Flags{ScavengeALot: true, ScavengeALotInterval: 1}, h)
	h.nested = func(th *thread.Thread) { c.GCALot(th) }
	th := thread.New("nested", thread.StartIn(thread.InRuntime))
	c.GCALot(th)
	if h.scavenges != 1 {
		t.Errorf("scavenges = %d, want 1", h.scavenges)
	}
	if th.SkipGCALot() {
		t.Error("skip flag left set")
	}
}

func TestExitHooks(t *testing.T) {
	h := &countingHooks{}
	c := New(Flags{
		WalkStackALot:          true,
		ZombieALot:             true,
		ZombieALotInterval:     2,
		DeoptimizeALot:         true,
		DeoptimizeALotInterval: 0,
		VerifyLastFrame:        true,
		VerifyStack:            true,
	}, h)
	th := thread.New("hooks", thread.StartIn(thread.InRuntime))
	for range 6 {
		c.Enter(th)
		c.Exit(th)
	}
	if h.walks != 6 || h.stacks != 6 || h.lastFrames != 6 {
		t.Errorf("walks, stacks, last frames = %d, %d, %d; want 6 each", h.walks, h.stacks, h.lastFrames)
	}
	if h.deopts != 6 {
		t.Errorf("deoptimizations = %d, want 6", h.deopts)
	}
	if h.zombies != 2 {
		t.Errorf("zombie marks = %d, want 2", h.zombies)
	}
}

func TestNativeWrapperOnlyAtAllSafepoints(t *testing.T) {
	h := &countingHooks{}
	c := New(Flags{ScavengeALot: true, ScavengeALotInterval: 1}, h)
	th := thread.New("native", thread.StartIn(thread.InRuntime))
	c.NativeEnter(th)
	c.NativeExit(th)
	if h.scavenges != 0 {
		t.Fatalf("scavenges = %d without GCALotAtAllSafepoints", h.scavenges)
	}

	c = New(Flags{ScavengeALot: true, ScavengeALotInterval: 1, GCALotAtAllSafepoints: true}, h)
	c.NativeEnter(th)
	c.NativeExit(th)
	if h.scavenges != 2 {
		t.Errorf("scavenges = %d, want 2", h.scavenges)
	}
}

func TestStackAlignmentCheck(t *testing.T) {
	var got []*thread.Violation
	defer thread.SetViolationHandler(func(v *thread.Violation) { got = append(got, v) })()

	th := thread.New("align")
	VerifyStackAlignment(th)
	if len(got) != 0 {
		t.Fatal("default check failed")
	}

	SetStackAlignmentCheck(func() bool { return false })
	defer SetStackAlignmentCheck(nil)
	VerifyStackAlignment(th)
	if len(got) != 1 || got[0].Kind != thread.MisalignedStack {
		t.Errorf("violations = %v, want one misaligned stack", got)
	}
}

func TestActive(t *testing.T) {
	if Active() == nil {
		t.Fatal("Active() is nil")
	}
	c := New(Flags{WalkStackALot: true}, nil)
	SetActive(c)
	defer SetActive(nil)
	if Active() != c {
		t.Error("SetActive did not install the checker")
	}
}
