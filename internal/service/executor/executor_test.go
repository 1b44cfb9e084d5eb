package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fairyhunter13/deep-research/internal/domain"
)

func TestDoRunsTask(t *testing.T) {
	p := New(Config{InitialWorkers: 1, MaxWorkers: 1, QueueCap: 4})
	defer p.Close()

	var ran atomic.Bool
	err := p.Do(context.Background(), func(domain.Context) error {
		ran.Store(true)
		return nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if !ran.Load() {
		t.Fatalf("task did not run")
	}
}

func TestDoPropagatesTaskError(t *testing.T) {
	p := New(Config{InitialWorkers: 1, MaxWorkers: 1, QueueCap: 4})
	defer p.Close()

	want := errors.New("boom")
	err := p.Do(context.Background(), func(domain.Context) error { return want })
	if !errors.Is(err, want) {
		t.Fatalf("expected task error, got %v", err)
	}
}

func TestQueueFullBackpressure(t *testing.T) {
	p := New(Config{InitialWorkers: 1, MaxWorkers: 1, QueueCap: 1, IncreaseEvery: 100})
	defer p.Close()

	started := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = p.Do(context.Background(), func(domain.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	// One task parked at the dispatcher waiting for a slot, one in the queue.
	go func() {
		_ = p.Do(context.Background(), func(domain.Context) error { <-release; return nil })
	}()
	time.Sleep(100 * time.Millisecond)
	go func() {
		_ = p.Do(context.Background(), func(domain.Context) error { <-release; return nil })
	}()
	time.Sleep(100 * time.Millisecond)

	err := p.Do(context.Background(), func(domain.Context) error { return nil })
	if !errors.Is(err, domain.ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
	close(release)
}

func TestConcurrencyNeverExceedsWindow(t *testing.T) {
	p := New(Config{InitialWorkers: 2, MaxWorkers: 2, QueueCap: 32, IncreaseEvery: 100})
	defer p.Close()

	var cur, peak int64
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = p.Do(context.Background(), func(domain.Context) error {
				n := atomic.AddInt64(&cur, 1)
				for {
					old := atomic.LoadInt64(&peak)
					if n <= old || atomic.CompareAndSwapInt64(&peak, old, n) {
						break
					}
				}
				time.Sleep(20 * time.Millisecond)
				atomic.AddInt64(&cur, -1)
				return nil
			})
		}()
	}
	wg.Wait()
	if got := atomic.LoadInt64(&peak); got > 2 {
		t.Fatalf("observed %d concurrent tasks, window is 2", got)
	}
}

func TestAdditiveIncrease(t *testing.T) {
	p := New(Config{InitialWorkers: 1, MaxWorkers: 4, QueueCap: 16, IncreaseEvery: 2})
	defer p.Close()

	for i := 0; i < 4; i++ {
		if err := p.Do(context.Background(), func(domain.Context) error { return nil }); err != nil {
			t.Fatalf("Do %d: %v", i, err)
		}
	}
	if got := p.Limit(); got != 3 {
		t.Fatalf("after 4 successes with IncreaseEvery=2, want limit 3, got %d", got)
	}
}

func TestMultiplicativeDecreaseOnRateLimit(t *testing.T) {
	p := New(Config{InitialWorkers: 4, MaxWorkers: 4, QueueCap: 16, IncreaseEvery: 100})
	defer p.Close()

	throttled := fmt.Errorf("op=test: %w", domain.ErrProviderRateLimited)
	_ = p.Do(context.Background(), func(domain.Context) error { return throttled })
	if got := p.Limit(); got != 2 {
		t.Fatalf("want window halved to 2, got %d", got)
	}
	_ = p.Do(context.Background(), func(domain.Context) error { return throttled })
	_ = p.Do(context.Background(), func(domain.Context) error { return throttled })
	if got := p.Limit(); got != 1 {
		t.Fatalf("window must floor at 1, got %d", got)
	}
}

func TestPlainErrorDoesNotShrinkWindow(t *testing.T) {
	p := New(Config{InitialWorkers: 3, MaxWorkers: 3, QueueCap: 16, IncreaseEvery: 100})
	defer p.Close()

	_ = p.Do(context.Background(), func(domain.Context) error { return errors.New("parse failed") })
	if got := p.Limit(); got != 3 {
		t.Fatalf("non-throttle error must not shrink window, got %d", got)
	}
}

func TestDoHonorsCallerCancellation(t *testing.T) {
	p := New(Config{InitialWorkers: 1, MaxWorkers: 1, QueueCap: 4})
	defer p.Close()

	started := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = p.Do(context.Background(), func(domain.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := p.Do(ctx, func(domain.Context) error { return nil })
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestTaskTimeoutApplies(t *testing.T) {
	p := New(Config{InitialWorkers: 1, MaxWorkers: 1, QueueCap: 4, TaskTimeout: 30 * time.Millisecond})
	defer p.Close()

	err := p.Do(context.Background(), func(ctx domain.Context) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(2 * time.Second):
			return nil
		}
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}
