// Package worker runs long-running enrichment tasks (OCR, vision analysis)
// off the webhook request path with bounded concurrency.
//
// Submission never blocks: when the pool is at capacity the caller gets a
// rejection and tells the user to retry, keeping webhook latency flat under
// load. Each task runs with its own deadline, independent of the originating
// request, and panics or errors in one task never affect the pool.
package worker

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/rmedina/waflow/internal/logger"
	"github.com/rmedina/waflow/internal/telemetry"
)

// Config bounds the pool.
type Config struct {
	// MaxConcurrent caps in-flight tasks. Default: 4.
	MaxConcurrent int `mapstructure:"max_concurrent" yaml:"max_concurrent"`

	// TaskTimeout is the per-task deadline. Default: 60s.
	TaskTimeout time.Duration `mapstructure:"task_timeout" yaml:"task_timeout"`
}

// ApplyDefaults fills in missing configuration with default values.
func (c *Config) ApplyDefaults() {
	if c.MaxConcurrent == 0 {
		c.MaxConcurrent = 4
	}
	if c.TaskTimeout == 0 {
		c.TaskTimeout = 60 * time.Second
	}
}

// Task is one unit of background work.
type Task struct {
	// Name identifies the task kind in logs and metrics.
	Name string

	// Identity is the session the task will resume.
	Identity string

	// CorrelationID threads the originating ingress event through the
	// task's logs.
	CorrelationID string

	// Run does the work. The context carries the task deadline and log
	// context.
	Run func(ctx context.Context) error

	// OnFailure, when set, is called after Run fails or panics; it sends
	// the user-facing fallback text. Errors from it are logged only.
	OnFailure func(ctx context.Context, taskErr error) error
}

// Observer receives pool telemetry. Results are ok, error, panic, or
// timeout.
type Observer interface {
	TaskFinished(name, result string, elapsed time.Duration)
	InflightChanged(n int64)
}

// Pool is the bounded-concurrency executor.
type Pool struct {
	config   Config
	sem      *semaphore.Weighted
	observer Observer

	wg       sync.WaitGroup
	inflight atomic.Int64
	closed   atomic.Bool
}

// NewPool creates a pool. observer may be nil.
func NewPool(config Config, observer Observer) *Pool {
	config.ApplyDefaults()
	return &Pool{
		config:   config,
		sem:      semaphore.NewWeighted(int64(config.MaxConcurrent)),
		observer: observer,
	}
}

// TrySubmit starts the task unless the pool is full or shutting down.
// Never blocks; a false return means the caller should send the user a
// busy notice.
func (p *Pool) TrySubmit(task Task) bool {
	if p.closed.Load() {
		return false
	}
	if !p.sem.TryAcquire(1) {
		logger.Warn("background pool saturated, task rejected",
			logger.Task(task.Name),
			logger.Identity(task.Identity),
		)
		return false
	}

	p.wg.Add(1)
	p.observeInflight(p.inflight.Add(1))
	go p.run(task)
	return true
}

// Inflight returns the number of currently running tasks.
func (p *Pool) Inflight() int64 {
	return p.inflight.Load()
}

// Shutdown stops accepting tasks and waits for in-flight ones, bounded by
// ctx.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.closed.Store(true)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("pool shutdown timed out with %d tasks in flight: %w", p.Inflight(), ctx.Err())
	}
}

func (p *Pool) run(task Task) {
	defer p.wg.Done()
	defer p.sem.Release(1)
	defer func() { p.observeInflight(p.inflight.Add(-1)) }()

	ctx, cancel := context.WithTimeout(context.Background(), p.config.TaskTimeout)
	defer cancel()
	ctx = logger.WithContext(ctx, logger.NewLogContext(task.CorrelationID).WithIdentity(task.Identity))

	ctx, span := telemetry.StartTaskSpan(ctx, task.Name, task.Identity,
		telemetry.CorrelationID(task.CorrelationID),
	)
	defer span.End()

	start := time.Now()
	err := p.runProtected(ctx, task)
	elapsed := time.Since(start)
	if err != nil {
		telemetry.RecordError(ctx, err)
	}

	result := "ok"
	switch {
	case err == nil:
	case ctx.Err() != nil:
		result = "timeout"
	case isPanic(err):
		result = "panic"
	default:
		result = "error"
	}

	if p.observer != nil {
		p.observer.TaskFinished(task.Name, result, elapsed)
	}

	if err == nil {
		logger.DebugCtx(ctx, "background task finished",
			logger.Task(task.Name),
			logger.DurationMs(float64(elapsed.Milliseconds())),
		)
		return
	}

	logger.ErrorCtx(ctx, "background task failed",
		logger.Task(task.Name),
		logger.Result(result),
		logger.DurationMs(float64(elapsed.Milliseconds())),
		logger.Err(err),
	)

	if task.OnFailure != nil {
		// Fresh context: the task deadline may already be spent.
		fbCtx, fbCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer fbCancel()
		if fbErr := task.OnFailure(fbCtx, err); fbErr != nil {
			logger.ErrorCtx(ctx, "task failure fallback failed",
				logger.Task(task.Name),
				logger.Err(fbErr),
			)
		}
	}
}

// runProtected wraps Run so a panic becomes an error instead of crashing
// the process.
func (p *Pool) runProtected(ctx context.Context, task Task) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = &taskPanicError{value: rec, stack: debug.Stack()}
		}
	}()
	return task.Run(ctx)
}

type taskPanicError struct {
	value any
	stack []byte
}

func (e *taskPanicError) Error() string {
	return fmt.Sprintf("task panicked: %v", e.value)
}

func isPanic(err error) bool {
	_, ok := err.(*taskPanicError)
	return ok
}

func (p *Pool) observeInflight(n int64) {
	if p.observer != nil {
		p.observer.InflightChanged(n)
	}
}
