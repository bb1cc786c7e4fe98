package thread

import "runtime"

// ---------------------------------------------------------------------------
// Transition engine
// ---------------------------------------------------------------------------
//
// Each function performs one edge of the state machine and returns false if
// a violation was reported and the edge abandoned. With DebugBuild off no
// precondition is checked and every call returns true.

// expect checks that t is in from before moving to to.
func (t *Thread) expect(from, to State) bool {
	if !DebugBuild {
		return true
	}
	if cur := t.State(); cur != from {
		Report(&Violation{Kind: IllegalTransition, ThreadID: t.id, Thread: t.name, From: cur, To: to})
		return false
	}
	return true
}

// FromManaged performs InManaged→InRuntime and records the caller's frame
// as the boundary frame.
func FromManaged(t *Thread) bool {
	if !t.expect(InManaged, InRuntime) {
		return false
	}
	t.anchor.SetLastFrame(callerFrame())
	t.setState(InManaged, InRuntime)
	return true
}

// FromRuntime leaves InRuntime for InManaged, InNative or Blocked.
//
// Towards InManaged the poll hook runs first, with checkAsync deciding
// whether a queued asynchronous exception is delivered. Towards InNative or
// Blocked the stack is made walkable before the state changes; InNative
// additionally requires that no runtime locks are held.
func FromRuntime(t *Thread, to State, checkAsync bool) bool {
	switch to {
	case InManaged:
		if !t.expect(InRuntime, to) {
			return false
		}
		t.poll(true, checkAsync, nil)
		t.reservedZoneDisabled = false
		t.clearAnchor()
		t.setState(InRuntime, InManaged)
		return true
	case InNative, Blocked:
		if !t.expect(InRuntime, to) {
			return false
		}
		if DebugBuild && to == InNative && t.OwnsLocks() {
			t.fail(LocksHeld, to, "%d lock(s) must be released when leaving the runtime", t.HeldLocks())
			return false
		}
		if !t.CheckPossibleSafepoint() {
			return false
		}
		t.makeWalkable()
		t.fence(FenceStoreStore)
		t.setState(InRuntime, to)
		return true
	default:
		return illegal(t, to)
	}
}

// FromNative performs InNative→InRuntime. Asynchronous exceptions are never
// delivered here: the runtime is not prepared for them at arbitrary points.
func FromNative(t *Thread) bool {
	if !t.expect(InNative, InRuntime) {
		return false
	}
	if DebugBuild && t.anchor.HasLastFrame() && !t.anchor.Walkable() {
		t.fail(UnwalkableStack, InRuntime, "unwalkable stack in native transition")
		return false
	}
	t.setStateFenced(InNative, InRuntime)
	t.poll(true, false, nil)
	return true
}

// FromBlocked performs Blocked→InRuntime. If the coordinator needs the
// thread, pre runs before cooperating so the caller can undo work it did
// while blocked, such as giving back a lock acquired just before a suspend.
func FromBlocked(t *Thread, pre func(*Thread), allowSuspend bool) bool {
	if !t.expect(Blocked, InRuntime) {
		return false
	}
	t.setStateFenced(Blocked, InRuntime)
	t.poll(allowSuspend, false, pre)
	return true
}

// FromUnknown performs InNative→InRuntime if t is InNative and reports
// whether it did. Any other state is left alone.
func FromUnknown(t *Thread) bool {
	if t == nil || t.State() != InNative {
		return false
	}
	return FromNative(t)
}

// Transition moves t to the given state along the legal edge from its
// current state with default options.
func Transition(t *Thread, to State) bool {
	switch t.State() {
	case InManaged:
		if to == InRuntime {
			return FromManaged(t)
		}
	case InRuntime:
		return FromRuntime(t, to, true)
	case InNative:
		if to == InRuntime {
			return FromNative(t)
		}
	case Blocked:
		if to == InRuntime {
			return FromBlocked(t, nil, false)
		}
	}
	return illegal(t, to)
}

// IsLegal reports whether from→to is an edge of the state machine.
func IsLegal(from, to State) bool {
	switch from {
	case InManaged, InNative, Blocked:
		return to == InRuntime
	case InRuntime:
		return to == InManaged || to == InNative || to == Blocked
	}
	return false
}

func illegal(t *Thread, to State) bool {
	Report(&Violation{Kind: IllegalTransition, ThreadID: t.id, Thread: t.name, From: t.State(), To: to})
	return false
}

// callerFrame returns the program counter of the code that entered the
// runtime, used as the boundary frame marker.
func callerFrame() uintptr {
	var pcs [1]uintptr
	if runtime.Callers(3, pcs[:]) == 0 {
		return 1
	}
	return pcs[0]
}
