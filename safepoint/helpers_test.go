//go:build !vmrelease

package safepoint

import (
	"context"
	"testing"
	"time"

	"github.com/chazu/vmstate/thread"
)

// worker runs body on an attached goroutine registered with c.
type worker struct {
	t    *thread.Thread
	done chan struct{}
}

func startWorker(c *Coordinator, name string, state thread.State, body func(t *thread.Thread)) *worker {
	ready := make(chan *thread.Thread)
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer c.Detach()
		t := c.Attach(name, thread.StartIn(state))
		ready <- t
		body(t)
	}()
	return &worker{t: <-ready, done: done}
}

func (w *worker) wait(tb testing.TB) {
	tb.Helper()
	select {
	case <-w.done:
	case <-time.After(5 * time.Second):
		tb.Fatalf("worker %s did not finish", w.t.Name())
	}
}

func waitUntil(tb testing.TB, what string, cond func() bool) {
	tb.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			tb.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func testContext(tb testing.TB) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	tb.Cleanup(cancel)
	return ctx
}
