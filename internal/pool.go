package internal

import (
	"context"
	"sync"
)

// Executor runs delivery tasks off the caller's goroutine.
// Submit must never block and must never execute the task inline.
type Executor interface {
	Submit(task func())
}

// Pool is a fixed-size worker pool with a bounded queue. When the queue is
// full, Submit falls back to spawning a goroutine so writers are never
// blocked by slow subscribers.
type Pool struct {
	ctx   context.Context
	tasks chan func()
	wg    sync.WaitGroup
}

// NewPool starts a pool with the given number of workers. Workers exit when
// ctx is cancelled; tasks still queued at that point are dropped.
func NewPool(ctx context.Context, workers int) *Pool {
	if workers <= 0 {
		workers = 4
	}

	p := &Pool{
		ctx:   ctx,
		tasks: make(chan func(), workers*16),
	}

	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.worker()
	}

	return p
}

// Submit enqueues a task for asynchronous execution. It never blocks: if the
// queue is full the task runs on its own goroutine.
func (p *Pool) Submit(task func()) {
	select {
	case <-p.ctx.Done():
		return
	default:
	}

	select {
	case p.tasks <- task:
	default:
		go task()
	}
}

// Wait blocks until all workers have exited. Useful in tests.
func (p *Pool) Wait() {
	p.wg.Wait()
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for {
		select {
		case <-p.ctx.Done():
			return
		case task := <-p.tasks:
			task()
		}
	}
}
