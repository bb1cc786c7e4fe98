package boundary

import (
	"sync/atomic"
)

var (
	exited atomic.Bool
	never  = make(chan struct{})
)

// MarkExited closes the VM to embedding leaves. Later callers park forever.
func MarkExited() {
	if !exited.Swap(true) {
		log.Info("VM exited; embedding leaves will block")
	}
}

// Exited reports whether MarkExited was called.
func Exited() bool { return exited.Load() }

func blockIfExited() {
	if exited.Load() {
		<-never
	}
}
