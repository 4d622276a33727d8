package script

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func startExecutor(t *testing.T, queue int) (*Executor, context.CancelFunc) {
	t.Helper()
	exec := NewExecutor(queue)
	ctx, cancel := context.WithCancel(context.Background())
	go exec.Run(ctx)
	t.Cleanup(func() {
		cancel()
		exec.Close()
	})
	return exec, cancel
}

func TestNewExecutorDefaultQueueSize(t *testing.T) {
	exec := NewExecutor(0)
	if cap(exec.queue) != DefaultQueueSize {
		t.Errorf("queue size = %d, want %d", cap(exec.queue), DefaultQueueSize)
	}
	if exec.IsClosed() {
		t.Error("new executor is closed")
	}
}

func TestExecutorExecute(t *testing.T) {
	exec, _ := startExecutor(t, 10)

	ran := false
	if err := exec.Execute(context.Background(), func() error {
		ran = true
		return nil
	}); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if !ran {
		t.Error("job did not run")
	}

	want := errors.New("job failed")
	if err := exec.Execute(context.Background(), func() error { return want }); !errors.Is(err, want) {
		t.Errorf("Execute() error = %v, want %v", err, want)
	}
}

func TestExecutorRecoversPanics(t *testing.T) {
	exec, _ := startExecutor(t, 10)

	err := exec.Execute(context.Background(), func() error { panic("boom") })
	if err == nil {
		t.Fatal("Execute() error = nil for panicking job")
	}
	if err := exec.Execute(context.Background(), func() error { return nil }); err != nil {
		t.Errorf("executor unusable after panic: %v", err)
	}
}

func TestExecutorAsyncKeepsOrder(t *testing.T) {
	exec, _ := startExecutor(t, 100)

	var mu sync.Mutex
	var order []int
	for i := 0; i < 20; i++ {
		if err := exec.ExecuteAsync(func() error {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			return nil
		}); err != nil {
			t.Fatalf("ExecuteAsync() error = %v", err)
		}
	}
	// A synchronous job runs after every queued one.
	if err := exec.Execute(context.Background(), func() error { return nil }); err != nil {
		t.Fatal(err)
	}

	mu.Lock()
	defer mu.Unlock()
	for i, v := range order {
		if v != i {
			t.Fatalf("order = %v, want ascending", order)
		}
	}
	if len(order) != 20 {
		t.Errorf("ran %d jobs, want 20", len(order))
	}
}

func TestExecutorAsyncQueueFull(t *testing.T) {
	exec := NewExecutor(1)
	defer exec.Close()

	if err := exec.ExecuteAsync(func() error { return nil }); err != nil {
		t.Fatalf("ExecuteAsync() error = %v", err)
	}
	if err := exec.ExecuteAsync(func() error { return nil }); !errors.Is(err, ErrQueueFull) {
		t.Errorf("ExecuteAsync() error = %v, want ErrQueueFull", err)
	}
}

func TestExecutorClose(t *testing.T) {
	exec, _ := startExecutor(t, 10)
	exec.Close()
	exec.Close()

	if !exec.IsClosed() {
		t.Error("IsClosed() = false after Close")
	}
	if err := exec.Execute(context.Background(), func() error { return nil }); !errors.Is(err, ErrExecutorClosed) {
		t.Errorf("Execute() error = %v, want ErrExecutorClosed", err)
	}
	if err := exec.ExecuteAsync(func() error { return nil }); !errors.Is(err, ErrExecutorClosed) {
		t.Errorf("ExecuteAsync() error = %v, want ErrExecutorClosed", err)
	}
}

func TestExecutorExecuteContextCancelled(t *testing.T) {
	exec, _ := startExecutor(t, 10)

	release := make(chan struct{})
	defer close(release)
	if err := exec.ExecuteAsync(func() error {
		<-release
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := exec.Execute(ctx, func() error { return nil }); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Execute() error = %v, want DeadlineExceeded", err)
	}
}
