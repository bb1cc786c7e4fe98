package thread

import "fmt"

// State is the execution context a thread currently occupies.
//
// State machine:
//
//	InManaged → InRuntime            [EnterRuntimeFromManaged]
//	InRuntime → InManaged            [release; polls with async check]
//	InRuntime → InNative             [EnterNativeFromRuntime; no locks held]
//	InNative  → InRuntime            [EnterRuntimeFromNative; fenced, polls]
//	InRuntime → Blocked              [EnterBlocking]
//	Blocked   → InRuntime            [release; fenced, polls with pre-callback]
//
// Every other pair is a protocol violation.
type State int32

const (
	// InManaged is the rest state while executing managed code.
	InManaged State = iota
	// InRuntime is trusted runtime code running on behalf of managed code.
	InRuntime
	// InNative is foreign code outside the VM's supervision.
	InNative
	// Blocked is parked inside the runtime (lock, condition, I/O).
	Blocked
)

// String returns a human-readable representation of the state.
func (s State) String() string {
	switch s {
	case InManaged:
		return "InManaged"
	case InRuntime:
		return "InRuntime"
	case InNative:
		return "InNative"
	case Blocked:
		return "Blocked"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// IsSafe reports whether a thread in this state can be treated as stopped
// by a pause coordinator: its stack is walkable and it must poll before it
// can run runtime or managed code again.
func (s State) IsSafe() bool {
	return s == InNative || s == Blocked
}

// States lists every state, in declaration order.
var States = []State{InManaged, InRuntime, InNative, Blocked}
