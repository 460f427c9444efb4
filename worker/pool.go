package worker

import (
	"context"
	"sync"
)

// Pool is a bounded worker pool capping the number of concurrent outbound
// connections across all periodic tasks. One slow mailbox or DNS lookup
// must not stall unrelated campaigns.
type Pool struct {
	maxWorkers int
	tasks      chan func()
	wg         sync.WaitGroup
	startOnce  sync.Once
	stopOnce   sync.Once
}

func NewPool(maxWorkers, queueSize int) *Pool {
	if maxWorkers <= 0 {
		maxWorkers = 1
	}
	return &Pool{
		maxWorkers: maxWorkers,
		tasks:      make(chan func(), queueSize),
	}
}

// Start launches the workers. They drain the queue until Stop is called or
// the context is cancelled.
func (p *Pool) Start(ctx context.Context) {
	p.startOnce.Do(func() {
		for i := 0; i < p.maxWorkers; i++ {
			p.wg.Add(1)
			go p.worker(ctx)
		}
	})
}

// Submit enqueues a task, blocking while the queue is full
func (p *Pool) Submit(task func()) {
	p.tasks <- task
}

// TrySubmit enqueues a task if the queue has room
func (p *Pool) TrySubmit(task func()) bool {
	select {
	case p.tasks <- task:
		return true
	default:
		return false
	}
}

// Stop closes the queue and waits for in-flight tasks to finish
func (p *Pool) Stop() {
	p.stopOnce.Do(func() {
		close(p.tasks)
	})
	p.wg.Wait()
}

func (p *Pool) worker(ctx context.Context) {
	defer p.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case task, ok := <-p.tasks:
			if !ok {
				return
			}
			task()
		}
	}
}
