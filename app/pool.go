package app

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

var ErrPoolStopped = errors.New("worker pool stopped")

// WorkerPool runs tasks on a bounded, elastic set of goroutines. Workers
// above the minimum exit after idleTimeout without work.
type WorkerPool struct {
	tasks       chan func()
	maxWorkers  int
	minWorkers  int
	idleTimeout time.Duration
	active      atomic.Int32
	wg          sync.WaitGroup

	mu       sync.RWMutex
	stop     chan struct{}
	stopOnce sync.Once
	stopped  bool
}

func NewWorkerPool(minWorkers, maxWorkers int, idleTimeout time.Duration) *WorkerPool {
	if minWorkers < 1 {
		minWorkers = 1
	}
	if maxWorkers < minWorkers {
		maxWorkers = minWorkers
	}
	if idleTimeout <= 0 {
		idleTimeout = 30 * time.Second
	}
	return &WorkerPool{
		tasks:       make(chan func(), 4*maxWorkers),
		maxWorkers:  maxWorkers,
		minWorkers:  minWorkers,
		idleTimeout: idleTimeout,
		stop:        make(chan struct{}),
	}
}

// Start launches the minimum number of workers.
func (wp *WorkerPool) Start() {
	for range wp.minWorkers {
		wp.startWorker()
	}
}

// Stop waits for running tasks to finish. Queued tasks that no worker has
// picked up are dropped.
func (wp *WorkerPool) Stop() {
	wp.stopOnce.Do(func() { close(wp.stop) })

	// Submitters blocked on a full queue see stop and release the lock.
	wp.mu.Lock()
	wp.stopped = true
	wp.mu.Unlock()

	wp.wg.Wait()
}

// Active returns the number of running workers.
func (wp *WorkerPool) Active() int {
	return int(wp.active.Load())
}

// Submit queues task, growing the pool when the queue is full. It blocks
// while the pool is at its maximum and the queue is full.
func (wp *WorkerPool) Submit(task func()) error {
	wp.mu.RLock()
	defer wp.mu.RUnlock()

	if wp.stopped {
		return ErrPoolStopped
	}

	select {
	case wp.tasks <- task:
		return nil
	default:
	}

	if wp.Active() < wp.maxWorkers {
		select {
		case <-wp.stop:
			return ErrPoolStopped
		default:
		}
		wp.startWorker()
	}
	select {
	case wp.tasks <- task:
		return nil
	case <-wp.stop:
		return ErrPoolStopped
	}
}

func (wp *WorkerPool) startWorker() {
	wp.active.Add(1)
	wp.wg.Add(1)
	go func() {
		defer wp.wg.Done()

		idle := time.NewTimer(wp.idleTimeout)
		defer idle.Stop()
		for {
			select {
			case task := <-wp.tasks:
				task()
				idle.Reset(wp.idleTimeout)
			case <-idle.C:
				if wp.retire() {
					return
				}
				idle.Reset(wp.idleTimeout)
			case <-wp.stop:
				wp.active.Add(-1)
				return
			}
		}
	}()
}

// retire gives up one worker slot unless the pool is at its minimum.
func (wp *WorkerPool) retire() bool {
	for {
		n := wp.active.Load()
		if int(n) <= wp.minWorkers {
			return false
		}
		if wp.active.CompareAndSwap(n, n-1) {
			return true
		}
	}
}
