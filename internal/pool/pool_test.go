// internal/pool/pool_test.go
package pool

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/WORKHIVE/internal/work"
)

func testConfig() Config {
	return Config{
		Workers:      2,
		MaxQueue:     8,
		MaxRetries:   1,
		Backpressure: true,
		TimeScale:    0.001, // compress deadlines for tests
		MinDeadline:  50 * time.Millisecond,
	}
}

func okExecutor() Executor {
	return ExecFunc(func(ctx context.Context, task work.MicroTask) (map[string]any, error) {
		return map[string]any{"task": task.TaskID}, nil
	})
}

func mt(id, parent string) work.MicroTask {
	return work.MicroTask{TaskID: id, ParentID: parent, Title: id, EstimatedMinutes: 10}
}

func TestSubmitAndComplete(t *testing.T) {
	p := New(testConfig(), okExecutor())
	defer p.Stop(time.Second)

	fut, err := p.Submit(mt("t1", "p1"))
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	result, err := fut.Wait(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if result.Status != work.StatusCompleted {
		t.Errorf("status = %s, want completed", result.Status)
	}
	if result.Output["task"] != "t1" {
		t.Errorf("output = %v", result.Output)
	}
	if result.WorkerID < 0 || result.WorkerID > 1 {
		t.Errorf("worker id = %d, want 0 or 1", result.WorkerID)
	}
}

func TestTimeoutMarksFailed(t *testing.T) {
	slow := ExecFunc(func(ctx context.Context, task work.MicroTask) (map[string]any, error) {
		select {
		case <-time.After(5 * time.Second):
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
	cfg := testConfig()
	cfg.MinDeadline = 20 * time.Millisecond
	cfg.TimeScale = 1 // use MinDeadline directly

	// 1 minute estimate * 0.8 = 48s, but floor applies after scaling
	// only through MinDeadline; shrink the estimate instead.
	p := New(cfg, slow)
	defer p.Stop(time.Second)

	task := mt("slow", "p1")
	task.EstimatedMinutes = 0 // deadline falls back to MinDeadline
	fut, err := p.Submit(task)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	result, err := fut.Wait(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if result.Status != work.StatusFailed {
		t.Errorf("status = %s, want failed", result.Status)
	}
	if !errors.Is(result.Err, work.ErrTimeout) {
		t.Errorf("err = %v, want ErrTimeout", result.Err)
	}
}

func TestTransientErrorRetried(t *testing.T) {
	var calls int32
	flaky := ExecFunc(func(ctx context.Context, task work.MicroTask) (map[string]any, error) {
		if atomic.AddInt32(&calls, 1) == 1 {
			return nil, errors.New("connection reset")
		}
		return map[string]any{"ok": true}, nil
	})
	p := New(testConfig(), flaky)
	defer p.Stop(time.Second)

	fut, _ := p.Submit(mt("flaky", "p1"))
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	result, err := fut.Wait(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if result.Status != work.StatusCompleted {
		t.Errorf("status = %s, want completed after retry", result.Status)
	}
	if atomic.LoadInt32(&calls) != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
}

func TestFatalErrorNotRetried(t *testing.T) {
	var calls int32
	fatal := ExecFunc(func(ctx context.Context, task work.MicroTask) (map[string]any, error) {
		atomic.AddInt32(&calls, 1)
		return nil, work.Fatal("bad input", nil)
	})
	p := New(testConfig(), fatal)
	defer p.Stop(time.Second)

	fut, _ := p.Submit(mt("doomed", "p1"))
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	result, _ := fut.Wait(ctx)

	if result.Status != work.StatusFailed {
		t.Errorf("status = %s, want failed", result.Status)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Errorf("calls = %d, want 1 (no retry on fatal)", calls)
	}
}

func TestOverloadedRejection(t *testing.T) {
	block := make(chan struct{})
	stuck := ExecFunc(func(ctx context.Context, task work.MicroTask) (map[string]any, error) {
		<-block
		return nil, nil
	})
	cfg := testConfig()
	cfg.Workers = 1
	cfg.MaxQueue = 1
	cfg.MinDeadline = 5 * time.Second
	cfg.TimeScale = 1
	p := New(cfg, stuck)
	defer func() {
		close(block)
		p.Stop(time.Second)
	}()

	// First submit occupies the worker, second fills the queue.
	p.Submit(mt("a", "p1"))
	time.Sleep(20 * time.Millisecond)
	p.Submit(mt("b", "p1"))

	_, err := p.Submit(mt("c", "p1"))
	if !errors.Is(err, work.ErrOverloaded) {
		t.Errorf("err = %v, want ErrOverloaded", err)
	}
}

func TestCancelParent(t *testing.T) {
	block := make(chan struct{})
	stuck := ExecFunc(func(ctx context.Context, task work.MicroTask) (map[string]any, error) {
		select {
		case <-block:
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
	cfg := testConfig()
	cfg.Workers = 1
	cfg.MinDeadline = 5 * time.Second
	cfg.TimeScale = 1
	p := New(cfg, stuck)
	defer func() {
		close(block)
		p.Stop(time.Second)
	}()

	inflight, _ := p.Submit(mt("a", "p1"))
	time.Sleep(20 * time.Millisecond)
	queued, _ := p.Submit(mt("b", "p1"))

	p.CancelParent("p1")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	r1, err := inflight.Wait(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if r1.Status != work.StatusCancelled {
		t.Errorf("in-flight status = %s, want cancelled", r1.Status)
	}

	r2, err := queued.Wait(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if r2.Status != work.StatusCancelled {
		t.Errorf("queued status = %s, want cancelled", r2.Status)
	}
}

func TestStopLeavesNoWorkers(t *testing.T) {
	p := New(testConfig(), okExecutor())

	var futs []*Future
	for i := 0; i < 4; i++ {
		f, err := p.Submit(mt(string(rune('a'+i)), "p1"))
		if err != nil {
			t.Fatal(err)
		}
		futs = append(futs, f)
	}

	p.Stop(2 * time.Second)

	// All queued work was drained before shutdown.
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	for _, f := range futs {
		if _, err := f.Wait(ctx); err != nil {
			t.Errorf("future not resolved after Stop: %v", err)
		}
	}

	if _, err := p.Submit(mt("late", "p1")); err == nil {
		t.Error("submit after Stop should fail")
	}
}
