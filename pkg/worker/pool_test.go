package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestTrySubmitBoundsConcurrency(t *testing.T) {
	p := NewPool(Config{MaxConcurrent: 2, TaskTimeout: time.Second}, nil)

	release := make(chan struct{})
	blocking := func(name string) Task {
		return Task{
			Name: name,
			Run: func(ctx context.Context) error {
				<-release
				return nil
			},
		}
	}

	if !p.TrySubmit(blocking("a")) || !p.TrySubmit(blocking("b")) {
		t.Fatal("pool must accept up to the cap")
	}

	// Wait for both tasks to start.
	deadline := time.Now().Add(time.Second)
	for p.Inflight() != 2 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if p.Inflight() != 2 {
		t.Fatalf("expected 2 in flight, got %d", p.Inflight())
	}

	if p.TrySubmit(blocking("c")) {
		t.Error("pool at capacity must reject")
	}

	close(release)
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown failed: %v", err)
	}
	if p.Inflight() != 0 {
		t.Errorf("expected 0 in flight after shutdown, got %d", p.Inflight())
	}

	t.Run("closed pool rejects", func(t *testing.T) {
		if p.TrySubmit(blocking("d")) {
			t.Error("closed pool must reject")
		}
	})
}

func TestInflightNeverExceedsCap(t *testing.T) {
	const cap = 4
	p := NewPool(Config{MaxConcurrent: cap, TaskTimeout: time.Second}, nil)

	var maxSeen atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.TrySubmit(Task{
				Name: "burst",
				Run: func(ctx context.Context) error {
					if n := p.Inflight(); n > maxSeen.Load() {
						maxSeen.Store(n)
					}
					time.Sleep(5 * time.Millisecond)
					return nil
				},
			})
		}()
	}
	wg.Wait()
	_ = p.Shutdown(context.Background())

	if maxSeen.Load() > cap {
		t.Errorf("in-flight count %d exceeded cap %d", maxSeen.Load(), cap)
	}
}

type poolObserver struct {
	mu      sync.Mutex
	results []string
}

func (o *poolObserver) TaskFinished(_, result string, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.results = append(o.results, result)
}

func (o *poolObserver) InflightChanged(int64) {}

func (o *poolObserver) get() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]string, len(o.results))
	copy(out, o.results)
	return out
}

func TestTaskFailureIsolation(t *testing.T) {
	obs := &poolObserver{}
	p := NewPool(Config{MaxConcurrent: 2, TaskTimeout: time.Second}, obs)

	var fallbackCalled atomic.Bool
	ok := p.TrySubmit(Task{
		Name: "panics",
		Run:  func(ctx context.Context) error { panic("boom") },
		OnFailure: func(ctx context.Context, err error) error {
			fallbackCalled.Store(true)
			if err == nil {
				t.Error("fallback must receive the task error")
			}
			return nil
		},
	})
	if !ok {
		t.Fatal("submit failed")
	}
	_ = p.Shutdown(context.Background())

	if !fallbackCalled.Load() {
		t.Error("fallback must run after a panic")
	}
	results := obs.get()
	if len(results) != 1 || results[0] != "panic" {
		t.Errorf("expected panic observation, got %v", results)
	}

	t.Run("pool survives and accepts more work", func(t *testing.T) {
		p2 := NewPool(Config{MaxConcurrent: 1}, nil)
		_ = p2.TrySubmit(Task{Name: "fails", Run: func(ctx context.Context) error {
			return errors.New("task error")
		}})
		if !waitSubmit(p2, Task{Name: "next", Run: func(ctx context.Context) error { return nil }}) {
			t.Error("pool must accept work after a failed task")
		}
		_ = p2.Shutdown(context.Background())
	})
}

func TestTaskTimeout(t *testing.T) {
	obs := &poolObserver{}
	p := NewPool(Config{MaxConcurrent: 1, TaskTimeout: 20 * time.Millisecond}, obs)

	p.TrySubmit(Task{
		Name: "slow",
		Run: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		},
	})
	_ = p.Shutdown(context.Background())

	results := obs.get()
	if len(results) != 1 || results[0] != "timeout" {
		t.Errorf("expected timeout observation, got %v", results)
	}
}

func TestShutdownTimeout(t *testing.T) {
	p := NewPool(Config{MaxConcurrent: 1, TaskTimeout: time.Minute}, nil)
	release := make(chan struct{})
	defer close(release)

	p.TrySubmit(Task{Name: "stuck", Run: func(ctx context.Context) error {
		<-release
		return nil
	}})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := p.Shutdown(ctx); err == nil {
		t.Error("expected shutdown timeout error")
	}
}

// waitSubmit retries TrySubmit briefly, for races where the previous task
// is still releasing its slot.
func waitSubmit(p *Pool, task Task) bool {
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if p.TrySubmit(task) {
			return true
		}
		time.Sleep(time.Millisecond)
	}
	return false
}
