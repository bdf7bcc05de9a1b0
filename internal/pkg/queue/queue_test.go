package queue

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync/atomic"
	"testing"
	"time"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func TestQueue_BasicFunctionality(t *testing.T) {
	q := New("test", newTestLogger(), 3, 10)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	q.Start(ctx)

	var completed atomic.Int32
	for i := 0; i < 5; i++ {
		job := func(ctx context.Context) error {
			time.Sleep(20 * time.Millisecond)
			completed.Add(1)
			return nil
		}
		if err := q.Enqueue(job); err != nil {
			t.Errorf("Failed to enqueue job %d: %v", i, err)
		}
	}

	if err := q.Shutdown(2 * time.Second); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	if completed.Load() != 5 {
		t.Errorf("Expected 5 completed jobs, got %d", completed.Load())
	}
	stats := q.Stats()
	if stats.Enqueued != 5 || stats.Succeeded != 5 {
		t.Errorf("unexpected stats %+v", stats)
	}
}

func TestQueue_ErrorHandling(t *testing.T) {
	var errorCount atomic.Int32
	q := New("test", newTestLogger(), 2, 5, WithErrorHandler(func(err error) {
		errorCount.Add(1)
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)

	_ = q.Enqueue(func(ctx context.Context) error { return nil })
	_ = q.Enqueue(func(ctx context.Context) error { return errors.New("smtp down") })

	if err := q.Shutdown(2 * time.Second); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	stats := q.Stats()
	if stats.Succeeded != 1 {
		t.Errorf("Expected 1 success, got %d", stats.Succeeded)
	}
	if stats.Failed != 1 {
		t.Errorf("Expected 1 failure, got %d", stats.Failed)
	}
	if errorCount.Load() != 1 {
		t.Errorf("Expected 1 error callback, got %d", errorCount.Load())
	}
}

func TestQueue_PanicRecovery(t *testing.T) {
	q := New("test", newTestLogger(), 1, 5)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)

	_ = q.Enqueue(func(ctx context.Context) error {
		panic("intentional panic")
	})

	// worker 必须在 panic 之后继续工作
	var executed atomic.Bool
	_ = q.Enqueue(func(ctx context.Context) error {
		executed.Store(true)
		return nil
	})

	if err := q.Shutdown(2 * time.Second); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	if q.Stats().Panics != 1 {
		t.Errorf("Expected 1 panic, got %d", q.Stats().Panics)
	}
	if !executed.Load() {
		t.Errorf("Expected worker to survive panic")
	}
}

func TestQueue_FullDropsWithoutBlocking(t *testing.T) {
	q := New("test", newTestLogger(), 1, 1)
	// 不启动 worker，第二个任务必然溢出

	if err := q.Enqueue(func(ctx context.Context) error { return nil }); err != nil {
		t.Fatalf("first enqueue: %v", err)
	}
	err := q.Enqueue(func(ctx context.Context) error { return nil })
	if !errors.Is(err, ErrFull) {
		t.Fatalf("expected ErrFull, got %v", err)
	}
	if q.Stats().Dropped != 1 {
		t.Fatalf("expected 1 dropped, got %d", q.Stats().Dropped)
	}
}

func TestQueue_RejectsAfterShutdown(t *testing.T) {
	q := New("test", newTestLogger(), 1, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)

	if err := q.Shutdown(time.Second); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if err := q.Enqueue(func(ctx context.Context) error { return nil }); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if err := q.Shutdown(time.Second); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected second shutdown to report ErrClosed, got %v", err)
	}
}

func TestQueue_DepthObserver(t *testing.T) {
	var last atomic.Int32
	q := New("test", newTestLogger(), 1, 4, WithDepthObserver(func(pending int) {
		last.Store(int32(pending))
	}))

	_ = q.Enqueue(func(ctx context.Context) error { return nil })
	_ = q.Enqueue(func(ctx context.Context) error { return nil })
	if last.Load() != 2 {
		t.Fatalf("expected depth 2, got %d", last.Load())
	}
}
