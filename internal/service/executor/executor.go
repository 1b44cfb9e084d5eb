// Package executor provides the bounded task pool that runs research
// sub-queries. The concurrency window adapts AIMD-style: it widens by one
// after a run of successes and halves when the provider pushes back, so a
// rate-limited upstream is relieved quickly while a healthy one is used
// fully.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fairyhunter13/deep-research/internal/adapter/observability"
	"github.com/fairyhunter13/deep-research/internal/domain"
)

// Config bounds the pool.
type Config struct {
	// InitialWorkers is the starting concurrency window.
	InitialWorkers int
	// MaxWorkers caps additive growth.
	MaxWorkers int
	// QueueCap is the FIFO backlog; a full queue rejects with ErrQueueFull.
	QueueCap int
	// IncreaseEvery widens the window by one after this many consecutive
	// successes.
	IncreaseEvery int
	// TaskTimeout bounds each task run; zero disables the per-task deadline.
	TaskTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.InitialWorkers < 1 {
		c.InitialWorkers = 1
	}
	if c.MaxWorkers < c.InitialWorkers {
		c.MaxWorkers = c.InitialWorkers
	}
	if c.QueueCap < 1 {
		c.QueueCap = 16
	}
	if c.IncreaseEvery < 1 {
		c.IncreaseEvery = 5
	}
	return c
}

type queuedTask struct {
	ctx  context.Context
	run  func(domain.Context) error
	done chan error
}

// Pool is a FIFO bounded executor implementing domain.Executor.
type Pool struct {
	cfg Config

	mu            sync.Mutex
	cond          *sync.Cond
	limit         int
	running       int
	consecutiveOK int
	closed        bool

	queue chan *queuedTask
	stop  chan struct{}
	wg    sync.WaitGroup
}

var _ domain.Executor = (*Pool)(nil)

// New starts the pool's dispatcher.
func New(cfg Config) *Pool {
	cfg = cfg.withDefaults()
	p := &Pool{
		cfg:   cfg,
		limit: cfg.InitialWorkers,
		queue: make(chan *queuedTask, cfg.QueueCap),
		stop:  make(chan struct{}),
	}
	p.cond = sync.NewCond(&p.mu)
	observability.ExecutorConcurrency.Set(float64(p.limit))
	observability.ExecutorQueueDepth.Set(0)
	go p.dispatch()
	return p
}

// Do enqueues the task and blocks until it ran or ctx ended. A full queue
// returns ErrQueueFull immediately so callers can surface backpressure.
func (p *Pool) Do(ctx domain.Context, task func(domain.Context) error) error {
	t := &queuedTask{ctx: ctx, run: task, done: make(chan error, 1)}
	select {
	case p.queue <- t:
		observability.ExecutorQueueDepth.Set(float64(len(p.queue)))
	default:
		return fmt.Errorf("op=executor.Do: backlog at %d: %w", p.cfg.QueueCap, domain.ErrQueueFull)
	}
	select {
	case err := <-t.done:
		return err
	case <-ctx.Done():
		// The dispatcher skips tasks whose context already ended.
		return ctx.Err()
	}
}

// Close drains the dispatcher and waits for in-flight tasks.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()
	close(p.stop)
	p.cond.Broadcast()
	p.wg.Wait()
}

func (p *Pool) dispatch() {
	for {
		select {
		case <-p.stop:
			return
		case t := <-p.queue:
			observability.ExecutorQueueDepth.Set(float64(len(p.queue)))
			if !p.acquire() {
				t.done <- fmt.Errorf("op=executor.dispatch: pool closed: %w", domain.ErrInternal)
				return
			}
			p.wg.Add(1)
			go p.runTask(t)
		}
	}
}

// acquire blocks until a slot under the current window frees up. It returns
// false when the pool closed while waiting.
func (p *Pool) acquire() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for p.running >= p.limit && !p.closed {
		p.cond.Wait()
	}
	if p.closed {
		return false
	}
	p.running++
	return true
}

func (p *Pool) release() {
	p.mu.Lock()
	p.running--
	p.mu.Unlock()
	p.cond.Signal()
}

func (p *Pool) runTask(t *queuedTask) {
	defer p.wg.Done()
	defer p.release()

	if err := t.ctx.Err(); err != nil {
		t.done <- err
		return
	}
	ctx := t.ctx
	if p.cfg.TaskTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.TaskTimeout)
		defer cancel()
	}
	err := t.run(ctx)
	p.record(err)
	t.done <- err
}

// record applies the AIMD window update for one finished task.
func (p *Pool) record(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch {
	case err == nil:
		p.consecutiveOK++
		if p.consecutiveOK >= p.cfg.IncreaseEvery && p.limit < p.cfg.MaxWorkers {
			p.limit++
			p.consecutiveOK = 0
			slog.Debug("executor window widened",
				slog.Int("limit", p.limit),
				slog.Int("max", p.cfg.MaxWorkers))
			p.cond.Broadcast()
		}
	case isThrottle(err):
		old := p.limit
		p.limit /= 2
		if p.limit < 1 {
			p.limit = 1
		}
		p.consecutiveOK = 0
		if p.limit != old {
			slog.Info("executor window halved on provider pushback",
				slog.Int("from", old),
				slog.Int("to", p.limit),
				slog.String("error", err.Error()))
		}
	case errors.Is(err, context.Canceled):
		// Caller went away; says nothing about provider health.
	default:
		p.consecutiveOK = 0
	}
	observability.ExecutorConcurrency.Set(float64(p.limit))
}

// isThrottle classifies errors that indicate the upstream wants less load.
func isThrottle(err error) bool {
	return errors.Is(err, domain.ErrProviderRateLimited) ||
		errors.Is(err, domain.ErrProviderUnavailable) ||
		errors.Is(err, domain.ErrTimeout) ||
		errors.Is(err, context.DeadlineExceeded)
}

// Limit reports the current concurrency window. Intended for stats surfaces
// and tests.
func (p *Pool) Limit() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.limit
}
