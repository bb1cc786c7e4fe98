package safepoint

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// ---------------------------------------------------------------------------
// Ticker: guaranteed safepoint interval
// ---------------------------------------------------------------------------

// DefaultGuaranteedInterval is the default upper bound between pauses.
const DefaultGuaranteedInterval = time.Second

// Ticker requests a cleanup pause on the VM thread whenever no pause
// happened for a full interval, so deferred cleanup work never waits
// indefinitely on a VM that rarely pauses.
type Ticker struct {
	vm       *VMThread
	interval time.Duration
	cleanup  func(ctx context.Context) error
	enabled  atomic.Bool
	stop     chan struct{}
	stopped  chan struct{}
	mu       sync.Mutex // protects start/stop lifecycle

	count atomic.Uint64
}

// NewTicker creates a Ticker for v. cleanup runs at each guaranteed pause
// and may be nil.
func NewTicker(v *VMThread, interval time.Duration, cleanup func(ctx context.Context) error) *Ticker {
	if interval <= 0 {
		interval = DefaultGuaranteedInterval
	}
	tk := &Ticker{
		vm:       v,
		interval: interval,
		cleanup:  cleanup,
	}
	tk.enabled.Store(true)
	return tk
}

// Start begins the periodic check. Calling Start on a running Ticker does
// nothing.
func (tk *Ticker) Start() {
	tk.mu.Lock()
	defer tk.mu.Unlock()

	if tk.stop != nil {
		return
	}
	tk.stop = make(chan struct{})
	tk.stopped = make(chan struct{})
	go tk.loop(tk.stop, tk.stopped)
}

// Stop halts the periodic check and waits for it to finish. It is safe to
// call Stop repeatedly or on a Ticker that was never started.
func (tk *Ticker) Stop() {
	tk.mu.Lock()
	stopCh := tk.stop
	stoppedCh := tk.stopped
	tk.stop = nil
	tk.stopped = nil
	tk.mu.Unlock()

	if stopCh != nil {
		close(stopCh)
		<-stoppedCh
	}
}

// SetEnabled enables or disables guaranteed pauses. When disabled, the
// goroutine still runs but requests nothing.
func (tk *Ticker) SetEnabled(enabled bool) { tk.enabled.Store(enabled) }

// IsEnabled returns whether guaranteed pauses are enabled.
func (tk *Ticker) IsEnabled() bool { return tk.enabled.Load() }

// Interval returns the guaranteed interval.
func (tk *Ticker) Interval() time.Duration { return tk.interval }

// Count returns the number of guaranteed pauses performed.
func (tk *Ticker) Count() uint64 { return tk.count.Load() }

// TickNow runs one check immediately: it pauses if the last pause is at
// least an interval old and reports whether it did.
func (tk *Ticker) TickNow(ctx context.Context) (bool, error) {
	last := tk.vm.Coordinator().LastPause()
	if !last.IsZero() && time.Since(last) < tk.interval {
		return false, nil
	}
	err := tk.vm.Do(ctx, Operation{
		Name:        "guaranteed safepoint",
		AtSafepoint: true,
		Run:         tk.cleanup,
	})
	if err != nil {
		return false, err
	}
	tk.count.Add(1)
	return true, nil
}

func (tk *Ticker) loop(stopCh <-chan struct{}, stoppedCh chan struct{}) {
	defer close(stoppedCh)

	ticker := time.NewTicker(tk.interval)
	defer ticker.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			if !tk.enabled.Load() {
				continue
			}
			if _, err := tk.TickNow(ctx); err != nil && ctx.Err() == nil {
				log.Warningf("guaranteed safepoint: %s", err)
			}
		}
	}
}
