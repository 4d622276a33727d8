package script

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
)

// DefaultQueueSize is the executor queue length when none is configured.
const DefaultQueueSize = 100

type job struct {
	fn     func() error
	result chan error
}

// Executor serializes all engine work through one goroutine. Neither
// gopher-lua nor goja runtimes are safe for concurrent use, so every call
// into an engine goes through Execute or ExecuteAsync.
type Executor struct {
	queue     chan *job
	closed    atomic.Bool
	done      chan struct{}
	closeOnce sync.Once
}

// NewExecutor creates an executor buffering up to queueSize jobs.
func NewExecutor(queueSize int) *Executor {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Executor{
		queue: make(chan *job, queueSize),
		done:  make(chan struct{}),
	}
}

// Run processes jobs until ctx is cancelled or Close is called. Jobs still
// queued at that point fail with the cancellation reason.
func (e *Executor) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			e.drain(ctx.Err())
			return
		case <-e.done:
			e.drain(ErrExecutorClosed)
			return
		case j := <-e.queue:
			j.result <- runJob(j.fn)
			close(j.result)
		}
	}
}

func runJob(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("script panic: %v", r)
		}
	}()
	return fn()
}

func (e *Executor) drain(err error) {
	for {
		select {
		case j := <-e.queue:
			j.result <- err
			close(j.result)
		default:
			return
		}
	}
}

// Execute runs fn on the executor goroutine and waits for it.
func (e *Executor) Execute(ctx context.Context, fn func() error) error {
	if e.closed.Load() {
		return ErrExecutorClosed
	}

	j := &job{fn: fn, result: make(chan error, 1)}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-e.done:
		return ErrExecutorClosed
	case e.queue <- j:
	}

	select {
	case <-ctx.Done():
		// The job stays queued; its result is discarded.
		return ctx.Err()
	case err, ok := <-j.result:
		if !ok {
			return ErrExecutorClosed
		}
		return err
	}
}

// ExecuteAsync queues fn without waiting. A full queue drops the job.
func (e *Executor) ExecuteAsync(fn func() error) error {
	if e.closed.Load() {
		return ErrExecutorClosed
	}

	j := &job{fn: fn, result: make(chan error, 1)}
	select {
	case <-e.done:
		return ErrExecutorClosed
	case e.queue <- j:
		return nil
	default:
		return ErrQueueFull
	}
}

// Close stops the executor. It is safe to call more than once.
func (e *Executor) Close() {
	e.closeOnce.Do(func() {
		e.closed.Store(true)
		close(e.done)
	})
}

// IsClosed reports whether Close was called.
func (e *Executor) IsClosed() bool {
	return e.closed.Load()
}
