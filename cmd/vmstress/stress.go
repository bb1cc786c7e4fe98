package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/chazu/vmstate/boundary"
	"github.com/chazu/vmstate/config"
	"github.com/chazu/vmstate/debugcheck"
	"github.com/chazu/vmstate/monitor"
	"github.com/chazu/vmstate/safepoint"
	"github.com/chazu/vmstate/thread"
)

type options struct {
	threads    int
	iterations int
	seed       uint64
}

type counters struct {
	entries    atomic.Uint64
	native     atomic.Uint64
	leaves     atomic.Uint64
	blocks     atomic.Uint64
	async      atomic.Uint64
	handshakes atomic.Uint64
	suspends   atomic.Uint64
}

type result struct {
	elapsed    time.Duration
	entries    uint64
	native     uint64
	leaves     uint64
	blocks     uint64
	async      uint64
	handshakes uint64
	suspends   uint64
	pauses     uint64
	contended  uint64
	checks     debugcheck.Stats
	dump       *safepoint.Dump
}

func (r *result) print(w io.Writer) {
	fmt.Fprintf(w, "elapsed:            %s\n", r.elapsed.Round(time.Millisecond))
	fmt.Fprintf(w, "runtime entries:    %d\n", r.entries)
	fmt.Fprintf(w, "native round trips: %d\n", r.native)
	fmt.Fprintf(w, "leaf calls:         %d\n", r.leaves)
	fmt.Fprintf(w, "blocking waits:     %d\n", r.blocks)
	fmt.Fprintf(w, "async delivered:    %d\n", r.async)
	fmt.Fprintf(w, "handshakes:         %d\n", r.handshakes)
	fmt.Fprintf(w, "suspensions:        %d\n", r.suspends)
	fmt.Fprintf(w, "pauses:             %d\n", r.pauses)
	fmt.Fprintf(w, "monitor contention: %d\n", r.contended)
	fmt.Fprintf(w, "forced collections: %d scavenges, %d full\n", r.checks.Scavenges, r.checks.FullGCs)
}

// interrupt is the asynchronous exception the controller installs.
type interrupt struct{ n int }

func (i interrupt) String() string { return fmt.Sprintf("interrupt #%d", i.n) }

// run attaches opts.threads workers to a coordinator configured by cfg and
// drives them until every worker finished its crossings or ctx ends.
func run(ctx context.Context, cfg *config.Config, opts options) (*result, error) {
	if opts.threads <= 0 {
		return nil, fmt.Errorf("need at least one thread, got %d", opts.threads)
	}
	checker := cfg.Apply(nil)
	defer debugcheck.SetActive(nil)

	coord := cfg.Coordinator()
	vmt := safepoint.NewVMThread(coord)
	defer vmt.Stop()
	ticker := safepoint.NewTicker(vmt, cfg.Safepoint.GuaranteedInterval, nil)
	ticker.Start()
	defer ticker.Stop()

	var c counters
	lock := monitor.New("stress")

	workerCtx, stopWorkers := context.WithCancel(ctx)
	defer stopWorkers()
	workers, wctx := errgroup.WithContext(workerCtx)
	ready := make(chan *thread.Thread, opts.threads)
	for i := range opts.threads {
		rng := rand.New(rand.NewPCG(opts.seed, uint64(i)))
		workers.Go(func() error {
			defer coord.Detach()
			t := coord.Attach(fmt.Sprintf("worker-%d", i))
			ready <- t
			return work(wctx, t, rng, lock, opts.iterations, &c)
		})
	}
	targets := make([]*thread.Thread, 0, opts.threads)
	for range opts.threads {
		targets = append(targets, <-ready)
	}

	start := time.Now()
	done := make(chan error, 1)
	go func() { done <- workers.Wait() }()

	var dump *safepoint.Dump
	rng := rand.New(rand.NewPCG(opts.seed, ^uint64(0)))
	for n := 0; ; n++ {
		select {
		case err := <-done:
			if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
				return nil, err
			}
			return &result{
				elapsed:    time.Since(start),
				entries:    c.entries.Load(),
				native:     c.native.Load(),
				leaves:     c.leaves.Load(),
				blocks:     c.blocks.Load(),
				async:      c.async.Load(),
				handshakes: c.handshakes.Load(),
				suspends:   c.suspends.Load(),
				pauses:     coord.Pauses(),
				contended:  lock.Contended(),
				checks:     checker.Stats(),
				dump:       dump,
			}, nil
		default:
		}
		if err := control(ctx, vmt, targets[rng.IntN(len(targets))], n, &c, &dump); err != nil {
			stopWorkers()
			<-done
			return nil, err
		}
	}
}

// control performs one coordinator action against target.
func control(ctx context.Context, vmt *safepoint.VMThread, target *thread.Thread, n int, c *counters, dump **safepoint.Dump) error {
	coord := vmt.Coordinator()
	opCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()

	var err error
	switch n % 4 {
	case 0:
		err = vmt.Do(opCtx, safepoint.Operation{
			Name:        "stress pause",
			AtSafepoint: true,
			Run: func(context.Context) error {
				*dump = coord.Dump()
				return nil
			},
		})
	case 1:
		err = coord.Handshake(opCtx, target, func(*thread.Thread) { c.handshakes.Add(1) })
	case 2:
		if err = coord.Suspend(opCtx, target); err == nil {
			c.suspends.Add(1)
			time.Sleep(50 * time.Microsecond)
			coord.Resume(target)
		}
	case 3:
		err = coord.InstallAsyncException(target, interrupt{n})
	}
	if err == nil || errors.Is(err, safepoint.ErrNotRegistered) || ctx.Err() != nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		// The target finished or is between crossings; try another.
		return nil
	}
	return err
}

var (
	entry = boundary.RuntimeEntry(func(t *thread.Thread, a workArgs) int {
		t.Handles().New(a.n)
		a.lock.Critical(t, func() {})
		return a.n + 1
	})
	callback = boundary.ForeignEntry(func(t *thread.Thread, n int) int {
		t.Handles().New(n)
		return n
	})
	leaf = boundary.Leaf(func(t *thread.Thread, n int) int {
		return n ^ int(t.ID())
	})
)

type workArgs struct {
	n    int
	lock *monitor.Monitor
}

// work runs one worker's crossings. The worker starts InManaged.
func work(ctx context.Context, t *thread.Thread, rng *rand.Rand, lock *monitor.Monitor, iterations int, c *counters) error {
	for i := range iterations {
		if err := ctx.Err(); err != nil {
			return err
		}
		switch rng.IntN(4) {
		case 0:
			entry(t, workArgs{n: i, lock: lock})
			c.entries.Add(1)
		case 1:
			thread.InRuntime(t, func() {
				thread.InNative(t, func() { callback(t.Env(), i) })
			})
			c.native.Add(1)
		case 2:
			leaf(t, i)
			c.leaves.Add(1)
		case 3:
			thread.InRuntime(t, func() {
				thread.WhileBlocked(t, func() { time.Sleep(time.Duration(rng.IntN(20)) * time.Microsecond) })
			})
			c.blocks.Add(1)
		}
		if ex := t.PendingException(); ex != nil {
			c.async.Add(1)
			t.ClearPendingException()
		}
	}
	return nil
}
