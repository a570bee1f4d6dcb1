package dag

import (
	"context"
	"runtime"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// Pool is a fixed set of worker slots.
//
// One Pool is shared by every phase of a run, so the configured concurrency
// bounds the number of subprocesses alive at any moment across phases.
type Pool struct {
	size int
	sem  *semaphore.Weighted
}

// NewPool returns a Pool with the given number of slots. A non-positive value
// selects runtime.NumCPU().
func NewPool(workers int) *Pool {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	return &Pool{size: workers, sem: semaphore.NewWeighted(int64(workers))}
}

// Size returns the number of worker slots.
func (p *Pool) Size() int { return p.size }

// Batch opens a group of tasks that are waited on together.
//
// The first task error cancels the batch: tasks not yet started are never
// started, while tasks already running continue to completion.
func (p *Pool) Batch(ctx context.Context) *Batch {
	bctx, cancel := context.WithCancelCause(ctx)
	return &Batch{pool: p, ctx: bctx, cancel: cancel, parent: ctx}
}

// Batch is one phase's worth of tasks running on a Pool. Go is called from a
// single submitting goroutine.
type Batch struct {
	pool    *Pool
	g       errgroup.Group
	ctx     context.Context
	cancel  context.CancelCauseFunc
	parent  context.Context
	refused bool
}

// Go blocks until a worker slot is free, then runs fn on it.
//
// It returns false without running fn once the batch has been cancelled,
// either by an earlier task error or by the parent context. fn receives a
// context that is never cancelled, so a started task is not interrupted.
func (b *Batch) Go(fn func(ctx context.Context) error) bool {
	if b.ctx.Err() != nil {
		b.refused = true
		return false
	}
	if err := b.pool.sem.Acquire(b.ctx, 1); err != nil {
		b.refused = true
		return false
	}
	if b.ctx.Err() != nil {
		b.pool.sem.Release(1)
		b.refused = true
		return false
	}

	runCtx := context.WithoutCancel(b.ctx)
	b.g.Go(func() error {
		err := fn(runCtx)
		// Cancel before the slot is released so a waiting submitter sees it.
		if err != nil {
			b.cancel(err)
		}
		b.pool.sem.Release(1)
		return err
	})
	return true
}

// Wait blocks until every started task has returned and reports the first
// task error. If no task failed but Go refused a task because the parent
// context was cancelled, the parent's error is returned.
func (b *Batch) Wait() error {
	defer b.cancel(nil)
	if err := b.g.Wait(); err != nil {
		return err
	}
	if b.refused {
		return b.parent.Err()
	}
	return nil
}
