// Package hostpool runs host-side callback work on a bounded set of
// goroutines, so completion handling never fans out one goroutine per
// delivery.
package hostpool

import (
	"runtime"
	"sync"
	"sync/atomic"
)

// Pool distributes submitted tasks across a fixed set of workers, each with
// its own queue. A worker pulls from its own queue first and steals from
// the others when idle, which keeps slow deliveries from starving the rest.
//
// Tasks must not depend on each other: a task waiting for another pool
// task can deadlock once every worker is blocked.
//
// Pool is safe for concurrent use.
type Pool struct {
	workers int

	// queues holds one buffered task channel per worker.
	queues []chan func()

	// done signals workers to stop.
	done chan struct{}

	wg      sync.WaitGroup
	running atomic.Bool
}

// New creates a pool with the given number of workers and starts them.
// If workers is 0 or negative, GOMAXPROCS is used.
func New(workers int) *Pool {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}

	queueSize := workers * 4
	if queueSize < 8 {
		queueSize = 8
	}

	p := &Pool{
		workers: workers,
		queues:  make([]chan func(), workers),
		done:    make(chan struct{}),
	}
	for i := range p.queues {
		p.queues[i] = make(chan func(), queueSize)
	}
	p.running.Store(true)

	p.wg.Add(workers)
	for i := range p.queues {
		go p.worker(i)
	}
	return p
}

// worker is the main loop for one worker goroutine.
func (p *Pool) worker(id int) {
	defer p.wg.Done()

	own := p.queues[id]
	for {
		select {
		case <-p.done:
			drain(own)
			return

		case task := <-own:
			if task != nil {
				task()
			}

		default:
			if stolen := p.steal(id); stolen != nil {
				stolen()
				continue
			}
			// Nothing to steal anywhere, block on the own queue.
			select {
			case <-p.done:
				drain(own)
				return
			case task := <-own:
				if task != nil {
					task()
				}
			}
		}
	}
}

// drain runs every task still queued.
func drain(queue chan func()) {
	for {
		select {
		case task := <-queue:
			if task != nil {
				task()
			}
		default:
			return
		}
	}
}

// steal takes one task from another worker's queue, or returns nil.
func (p *Pool) steal(self int) func() {
	for i := range p.queues {
		if i == self {
			continue
		}
		select {
		case task := <-p.queues[i]:
			return task
		default:
		}
	}
	return nil
}

// Submit queues one task on the worker with the shortest queue. Submitting
// to a closed pool is a no-op.
func (p *Pool) Submit(task func()) {
	if task == nil || !p.running.Load() {
		return
	}

	shortest := 0
	for i := 1; i < p.workers; i++ {
		if len(p.queues[i]) < len(p.queues[shortest]) {
			shortest = i
		}
	}

	select {
	case p.queues[shortest] <- task:
	case <-p.done:
	}
}

// Close stops accepting work, runs everything still queued, and waits for
// the workers to exit. Close is safe to call twice.
func (p *Pool) Close() {
	if !p.running.CompareAndSwap(true, false) {
		return
	}
	close(p.done)
	p.wg.Wait()
}

// Workers returns the pool size.
func (p *Pool) Workers() int { return p.workers }

// Running reports whether the pool still accepts work.
func (p *Pool) Running() bool { return p.running.Load() }
