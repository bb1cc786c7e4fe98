// Package debugcheck implements the debug-only invariant wrappers that
// runtime and foreign entry boundaries run around their bodies: sampled
// forced collections, stack walks, zombie marking and deoptimize-all, used
// for fault injection while testing the VM.
package debugcheck

import (
	"math/rand/v2"
	"sync"
	"sync/atomic"

	"github.com/tliron/commonlog"

	"github.com/chazu/vmstate/thread"
)

var log = commonlog.GetLogger("vmstate.debugcheck")

// Hooks are the VM operations the wrappers can force.
type Hooks interface {
	Collect(t *thread.Thread, full bool)
	WalkStack(t *thread.Thread)
	VerifyLastFrame(t *thread.Thread)
	VerifyStack(t *thread.Thread)
	MarkZombies(t *thread.Thread)
	DeoptimizeAll(t *thread.Thread)
}

// NopHooks ignores every request.
type NopHooks struct{}

func (NopHooks) Collect(*thread.Thread, bool)   {}
func (NopHooks) WalkStack(*thread.Thread)       {}
func (NopHooks) VerifyLastFrame(*thread.Thread) {}
func (NopHooks) VerifyStack(*thread.Thread)     {}
func (NopHooks) MarkZombies(*thread.Thread)     {}
func (NopHooks) DeoptimizeAll(*thread.Thread)   {}

// Flags selects which checks run and how often.
type Flags struct {
	ScavengeALot           bool
	ScavengeALotInterval   int
	FullGCALot             bool
	FullGCALotInterval     int
	FullGCALotStart        int
	GCALotAtAllSafepoints  bool
	WalkStackALot          bool
	ZombieALot             bool
	ZombieALotInterval     int
	DeoptimizeALot         bool
	DeoptimizeALotInterval int
	VerifyLastFrame        bool
	VerifyStack            bool
}

// Stats counts the operations a Checker forced.
type Stats struct {
	Scavenges       uint64
	FullGCs         uint64
	StackWalks      uint64
	ZombieMarks     uint64
	Deoptimizations uint64
}

// Checker applies Flags at boundary entry and exit. Counters are shared by
// all threads.
type Checker struct {
	flags Flags
	hooks Hooks

	mu                sync.Mutex
	scavengeCounter   int
	fullCounter       int
	fullInvocations   int
	zombieCounter     int
	deoptimizeCounter int

	scavenges atomic.Uint64
	fullGCs   atomic.Uint64
	walks     atomic.Uint64
	zombies   atomic.Uint64
	deopts    atomic.Uint64
}

// New creates a Checker. A nil hooks uses NopHooks.
func New(flags Flags, hooks Hooks) *Checker {
	if hooks == nil {
		hooks = NopHooks{}
	}
	return &Checker{
		flags:           flags,
		hooks:           hooks,
		scavengeCounter: 1,
		fullCounter:     1,
	}
}

// Flags returns the checker's configuration.
func (c *Checker) Flags() Flags { return c.flags }

// Stats returns a snapshot of the forced operations.
func (c *Checker) Stats() Stats {
	return Stats{
		Scavenges:       c.scavenges.Load(),
		FullGCs:         c.fullGCs.Load(),
		StackWalks:      c.walks.Load(),
		ZombieMarks:     c.zombies.Load(),
		Deoptimizations: c.deopts.Load(),
	}
}

var active atomic.Pointer[Checker]

func init() {
	active.Store(New(Flags{}, nil))
}

// SetActive installs the process-wide checker used by boundaries that are
// not given one explicitly.
func SetActive(c *Checker) {
	if c == nil {
		c = New(Flags{}, nil)
	}
	active.Store(c)
}

// Active returns the process-wide checker.
func Active() *Checker { return active.Load() }

// ---------------------------------------------------------------------------
// Wrappers
// ---------------------------------------------------------------------------

// Enter runs at the start of a runtime entry from managed code.
func (c *Checker) Enter(t *thread.Thread) {
	if !thread.DebugBuild {
		return
	}
	if c.flags.VerifyLastFrame {
		c.hooks.VerifyLastFrame(t)
	}
}

// Exit runs at the end of a runtime entry from managed code, still
// InRuntime.
func (c *Checker) Exit(t *thread.Thread) {
	if !thread.DebugBuild {
		return
	}
	c.GCALot(t)
	if c.flags.WalkStackALot {
		c.walks.Add(1)
		c.hooks.WalkStack(t)
	}
	if c.flags.DeoptimizeALot && c.tick(&c.deoptimizeCounter, c.flags.DeoptimizeALotInterval) {
		c.deopts.Add(1)
		c.hooks.DeoptimizeAll(t)
	}
	if c.flags.ZombieALot && c.tick(&c.zombieCounter, c.flags.ZombieALotInterval) {
		c.zombies.Add(1)
		c.hooks.MarkZombies(t)
	}
	if c.flags.VerifyStack {
		c.hooks.VerifyStack(t)
	}
}

// NativeEnter runs at the start of a runtime entry from foreign code.
func (c *Checker) NativeEnter(t *thread.Thread) {
	if thread.DebugBuild && c.flags.GCALotAtAllSafepoints {
		c.GCALot(t)
	}
}

// NativeExit runs at the end of a runtime entry from foreign code.
func (c *Checker) NativeExit(t *thread.Thread) {
	if thread.DebugBuild && c.flags.GCALotAtAllSafepoints {
		c.GCALot(t)
	}
}

// tick advances a counter and reports whether it passed interval, resetting
// it when it did.
func (c *Checker) tick(counter *int, interval int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	*counter++
	if *counter > interval {
		*counter = 0
		return true
	}
	return false
}

// GCALot forces a scavenge or full collection when the sampling counters
// run out. Nested requests on the same thread are ignored.
func (c *Checker) GCALot(t *thread.Thread) {
	if !c.flags.ScavengeALot && !c.flags.FullGCALot {
		return
	}
	if t.SkipGCALot() {
		return
	}

	full, scavenge := c.sample()
	if !full && !scavenge {
		return
	}

	t.SetSkipGCALot(true)
	defer t.SetSkipGCALot(false)
	if full {
		n := c.fullGCs.Add(1)
		c.hooks.Collect(t, true)
		if n%100 == 0 {
			log.Debugf("forced full collection %d", n)
		}
		return
	}
	c.scavenges.Add(1)
	c.hooks.Collect(t, false)
}

func (c *Checker) sample() (full, scavenge bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.fullInvocations++
	if c.fullInvocations < c.flags.FullGCALotStart {
		return false, false
	}
	if c.flags.FullGCALot {
		c.fullCounter--
	}
	if c.fullCounter <= 0 {
		c.fullCounter = nextInterval(c.flags.FullGCALotInterval)
		return true, false
	}
	if c.flags.ScavengeALot {
		c.scavengeCounter--
	}
	if c.scavengeCounter <= 0 {
		c.scavengeCounter = nextInterval(c.flags.ScavengeALotInterval)
		return false, true
	}
	return false, false
}

// nextInterval picks the next sampling distance, uniformly in [1, interval].
func nextInterval(interval int) int {
	if interval > 1 {
		return 1 + rand.IntN(interval)
	}
	return 1
}

// ---------------------------------------------------------------------------
// Stack alignment
// ---------------------------------------------------------------------------

var stackAligned atomic.Pointer[func() bool]

// SetStackAlignmentCheck installs the check run at every boundary. The Go
// runtime owns goroutine stacks, so the default accepts every stack; an
// embedder calling through cgo can install a real probe.
func SetStackAlignmentCheck(fn func() bool) {
	if fn == nil {
		stackAligned.Store(nil)
		return
	}
	stackAligned.Store(&fn)
}

// VerifyStackAlignment runs the installed alignment check and reports a
// violation on t if it fails.
func VerifyStackAlignment(t *thread.Thread) {
	if !thread.DebugBuild {
		return
	}
	fn := stackAligned.Load()
	if fn == nil || (*fn)() {
		return
	}
	v := &thread.Violation{Kind: thread.MisalignedStack, Message: "at boundary"}
	if t != nil {
		v.ThreadID, v.Thread = t.ID(), t.Name()
		v.From, v.To = t.State(), t.State()
	}
	thread.Report(v)
}
