package thread

import "sync/atomic"

// Fence names an ordering point in a transition.
type Fence int

const (
	// FenceStoreStore separates the walkability write from the state write.
	FenceStoreStore Fence = iota
	// FenceFull follows the state write when returning to InRuntime from
	// InNative or Blocked.
	FenceFull
)

func (f Fence) String() string {
	if f == FenceStoreStore {
		return "storestore"
	}
	return "full"
}

// Observer sees the writes a transition performs, in program order. It is a
// test and tracing seam; production threads run without one.
type Observer interface {
	OnWalkable(t *Thread, walkable bool)
	OnFence(t *Thread, f Fence)
	OnState(t *Thread, from, to State)
}

var useSystemMemoryBarrier atomic.Bool

// SetUseSystemMemoryBarrier selects a plain state store on the way back into
// the runtime, relying on a process-wide barrier issued by the coordinator.
// sync/atomic stores are sequentially consistent either way; the setting
// only controls whether the full fence point is reported.
func SetUseSystemMemoryBarrier(b bool) { useSystemMemoryBarrier.Store(b) }

func (t *Thread) makeWalkable() {
	t.anchor.MakeWalkable()
	if t.observer != nil {
		t.observer.OnWalkable(t, true)
	}
}

func (t *Thread) clearAnchor() {
	t.anchor.Clear()
	if t.observer != nil {
		t.observer.OnWalkable(t, false)
	}
}

func (t *Thread) fence(f Fence) {
	if t.observer != nil {
		t.observer.OnFence(t, f)
	}
}

func (t *Thread) setState(from, to State) {
	t.state.Store(int32(to))
	if t.observer != nil {
		t.observer.OnState(t, from, to)
	}
}

func (t *Thread) setStateFenced(from, to State) {
	t.setState(from, to)
	if !useSystemMemoryBarrier.Load() {
		t.fence(FenceFull)
	}
}
