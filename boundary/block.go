package boundary

import (
	"github.com/chazu/vmstate/debugcheck"
	"github.com/chazu/vmstate/thread"
)

// Block is handed to the body of a resumable boundary. The boundary itself
// only opens a handle scope; the body calls Run for the part that needs the
// runtime and may keep computing its result after Run returns.
type Block struct {
	t       *thread.Thread
	foreign bool
	o       *options
}

// Thread returns the thread the block runs on.
func (b *Block) Thread() *thread.Thread { return b.t }

// Run performs the forward transition, runs fn InRuntime inside the debug
// wrapper and performs the reverse transition. It reports whether fn ran.
func (b *Block) Run(fn func(t *thread.Thread)) bool {
	if b.foreign {
		return b.runForeign(fn)
	}
	g := thread.EnterRuntimeFromManaged(b.t, b.o.guardOptions()...)
	defer g.Release()
	if !g.Active() {
		return false
	}
	if thread.DebugBuild {
		c := b.o.check()
		c.Enter(b.t)
		defer c.Exit(b.t)
	}
	fn(b.t)
	return true
}

func (b *Block) runForeign(fn func(t *thread.Thread)) bool {
	g := thread.EnterRuntimeFromNative(b.t)
	defer g.Release()
	if !g.Active() {
		return false
	}
	if thread.DebugBuild {
		c := b.o.check()
		c.NativeEnter(b.t)
		defer c.NativeExit(b.t)
	}
	fn(b.t)
	return true
}

// BlockFunc is the body of a resumable boundary.
type BlockFunc[A, R any] func(b *Block, a A) R

// RuntimeBlockEntry is RuntimeEntry for bodies that leave the runtime before
// they finish, typically to wait. The body enters and leaves the runtime
// through Block.Run.
func RuntimeBlockEntry[A, R any](fn BlockFunc[A, R], opts ...Option) Func[A, R] {
	o := buildOptions(opts)
	return func(t *thread.Thread, a A) R {
		hm := t.Handles().Mark()
		defer hm.Release()
		debugcheck.VerifyStackAlignment(t)
		return fn(&Block{t: t, o: &o}, a)
	}
}

// ForeignBlockEntry is the resumable form of ForeignEntry.
func ForeignBlockEntry[A, R any](fn BlockFunc[A, R], opts ...Option) EnvFunc[A, R] {
	o := buildOptions(opts)
	return func(env *thread.Env, a A) R {
		t := thread.FromEnv(env)
		hm := t.Handles().Mark()
		defer hm.Release()
		allow := t.Handles().Allow()
		defer allow()
		debugcheck.VerifyStackAlignment(t)
		return fn(&Block{t: t, foreign: true, o: &o}, a)
	}
}
