// internal/pool/future.go
package pool

import (
	"context"

	"github.com/WORKHIVE/internal/work"
)

// Future delivers one micro-task result exactly once
type Future struct {
	ch chan work.MicroTaskResult
}

func newFuture() *Future {
	return &Future{ch: make(chan work.MicroTaskResult, 1)}
}

func (f *Future) deliver(result work.MicroTaskResult) {
	f.ch <- result
	close(f.ch)
}

// Wait blocks until the result arrives or ctx expires
func (f *Future) Wait(ctx context.Context) (work.MicroTaskResult, error) {
	select {
	case result, ok := <-f.ch:
		if !ok {
			return work.MicroTaskResult{}, work.ErrCancelled
		}
		return result, nil
	case <-ctx.Done():
		return work.MicroTaskResult{}, ctx.Err()
	}
}

// Done exposes the underlying channel for select loops
func (f *Future) Done() <-chan work.MicroTaskResult {
	return f.ch
}
