package bridge

import (
	"context"
	"errors"
	"sync"

	"github.com/signalsfoundry/rt-oracle-bridge/model"
)

// ErrWorkerStopped is returned for work submitted after Stop.
var ErrWorkerStopped = errors.New("bridge worker stopped")

type job struct {
	ctx  context.Context
	run  func(ctx context.Context, b *Bridge)
	done chan struct{}
}

// Worker gives one goroutine sole ownership of a Bridge. Callers on any
// goroutine submit operations and block until theirs has run, so exchanges
// with the oracle never interleave.
type Worker struct {
	b    *Bridge
	jobs chan job

	stopOnce sync.Once
	stopped  chan struct{}
	exited   chan struct{}
}

// NewWorker starts the owner goroutine. queue bounds pending submissions.
func NewWorker(b *Bridge, queue int) *Worker {
	if queue < 0 {
		queue = 0
	}
	w := &Worker{
		b:       b,
		jobs:    make(chan job, queue),
		stopped: make(chan struct{}),
		exited:  make(chan struct{}),
	}
	go w.loop()
	return w
}

func (w *Worker) loop() {
	defer close(w.exited)
	for {
		select {
		case j := <-w.jobs:
			j.run(j.ctx, w.b)
			close(j.done)
		case <-w.stopped:
			return
		}
	}
}

// Do runs fn on the owner goroutine and waits for it. If ctx ends first Do
// returns ctx.Err(); fn may still run later with the same ctx.
func (w *Worker) Do(ctx context.Context, fn func(ctx context.Context, b *Bridge)) error {
	j := job{ctx: ctx, run: fn, done: make(chan struct{})}
	select {
	case <-w.stopped:
		return ErrWorkerStopped
	default:
	}
	select {
	case w.jobs <- j:
	case <-ctx.Done():
		return ctx.Err()
	case <-w.stopped:
		return ErrWorkerStopped
	}
	select {
	case <-j.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-w.exited:
		// The loop may have finished j just before exiting.
		select {
		case <-j.done:
			return nil
		default:
			return ErrWorkerStopped
		}
	}
}

// Stop ends the owner goroutine after the operation in progress. Queued
// work that has not started is abandoned.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stopped) })
	<-w.exited
}

// call runs fn on the owner goroutine. A disabled bridge answers def with no
// error and no hop, like Bridge itself.
func call[T any](w *Worker, ctx context.Context, def T, fn func(ctx context.Context, b *Bridge) (T, error)) (T, error) {
	if !w.b.Enabled() {
		return def, nil
	}
	var (
		v   = def
		err error
	)
	if derr := w.Do(ctx, func(ctx context.Context, b *Bridge) { v, err = fn(ctx, b) }); derr != nil {
		return def, derr
	}
	return v, err
}

// UpdateSample runs Bridge.UpdateSample on the owner goroutine.
func (w *Worker) UpdateSample(ctx context.Context, s model.Sample) error {
	_, err := call(w, ctx, struct{}{}, func(ctx context.Context, b *Bridge) (struct{}, error) {
		return struct{}{}, b.UpdateSample(ctx, s)
	})
	return err
}

// PathLoss runs Bridge.PathLoss on the owner goroutine.
func (w *Worker) PathLoss(ctx context.Context, txPos, rxPos model.Vector) (float64, error) {
	return call(w, ctx, 0.0, func(ctx context.Context, b *Bridge) (float64, error) {
		return b.PathLoss(ctx, txPos, rxPos)
	})
}

// PathLossByID runs Bridge.PathLossByID on the owner goroutine.
func (w *Worker) PathLossByID(ctx context.Context, txID, rxID string) (float64, error) {
	return call(w, ctx, 0.0, func(ctx context.Context, b *Bridge) (float64, error) {
		return b.PathLossByID(ctx, txID, rxID)
	})
}

// PropagationDelay runs Bridge.PropagationDelay on the owner goroutine.
func (w *Worker) PropagationDelay(ctx context.Context, txPos, rxPos model.Vector) (float64, error) {
	return call(w, ctx, 0.0, func(ctx context.Context, b *Bridge) (float64, error) {
		return b.PropagationDelay(ctx, txPos, rxPos)
	})
}

// LineOfSight runs Bridge.LineOfSight on the owner goroutine.
func (w *Worker) LineOfSight(ctx context.Context, txPos, rxPos model.Vector) (model.LOSStatus, error) {
	return call(w, ctx, model.LOSUnknown, func(ctx context.Context, b *Bridge) (model.LOSStatus, error) {
		return b.LineOfSight(ctx, txPos, rxPos)
	})
}
