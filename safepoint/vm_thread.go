package safepoint

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// ErrStopped is returned for operations submitted to a stopped VM thread.
var ErrStopped = errors.New("VM thread stopped")

// Operation is a unit of work for the VM thread. Operations marked
// AtSafepoint run while every registered thread is safe.
type Operation struct {
	Name        string
	AtSafepoint bool
	Run         func(ctx context.Context) error
}

// opRequest represents an operation queued on the VM thread.
type opRequest struct {
	id   uuid.UUID
	ctx  context.Context
	op   Operation
	done chan error
}

// VMThread serializes VM operations through a single goroutine, so at most
// one pause is ever requested at a time.
type VMThread struct {
	c        *Coordinator
	requests chan opRequest
	quit     chan struct{}
	stopped  chan struct{}

	executed atomic.Uint64
	failed   atomic.Uint64
}

// NewVMThread creates a VMThread and starts the processing goroutine.
func NewVMThread(c *Coordinator) *VMThread {
	v := &VMThread{
		c:        c,
		requests: make(chan opRequest, 64),
		quit:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	go v.loop()
	return v
}

// loop processes operations sequentially on a dedicated goroutine.
func (v *VMThread) loop() {
	defer close(v.stopped)
	for {
		select {
		case req := <-v.requests:
			req.done <- v.execute(req)
		case <-v.quit:
			return
		}
	}
}

// execute runs an operation, recovering from panics.
func (v *VMThread) execute(req opRequest) (err error) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("operation %s (%s) panicked: %v", req.op.Name, req.id, r)
		}
		if err != nil {
			v.failed.Add(1)
			log.Warningf("operation %s (%s): %s", req.op.Name, req.id, err)
			return
		}
		v.executed.Add(1)
		log.Debugf("operation %s (%s) done in %s", req.op.Name, req.id, time.Since(start))
	}()

	if req.op.AtSafepoint {
		if err := v.c.Synchronize(req.ctx, req.op.Name); err != nil {
			return err
		}
		defer v.c.Release()
	}
	if req.op.Run == nil {
		return nil
	}
	return req.op.Run(req.ctx)
}

// Do submits op and blocks until it completes. It returns the operation's
// error, including panics and pause timeouts.
func (v *VMThread) Do(ctx context.Context, op Operation) error {
	req := opRequest{
		id:   uuid.New(),
		ctx:  ctx,
		op:   op,
		done: make(chan error, 1),
	}
	select {
	case v.requests <- req:
	case <-v.quit:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-req.done:
		return err
	case <-v.stopped:
		return ErrStopped
	}
}

// Executed returns the number of operations that completed without error.
func (v *VMThread) Executed() uint64 { return v.executed.Load() }

// Failed returns the number of operations that returned an error.
func (v *VMThread) Failed() uint64 { return v.failed.Load() }

// Coordinator returns the coordinator pauses are requested from.
func (v *VMThread) Coordinator() *Coordinator { return v.c }

// Stop shuts down the VM thread and waits for the running operation.
func (v *VMThread) Stop() {
	select {
	case <-v.quit:
	default:
		close(v.quit)
	}
	<-v.stopped
}
