package utils

import (
	"errors"
	"sync"
)

var (
	// ErrPoolClosed is returned by TrySubmit after Shutdown.
	ErrPoolClosed = errors.New("worker pool is shut down")
	// ErrPoolBusy is returned by TrySubmit when every worker is busy and the queue is full.
	ErrPoolBusy = errors.New("worker pool is busy")
)

// Job represents a task to be executed by a worker.
type Job struct {
	Task func()
}

// WorkerPool manages a pool of workers to execute jobs.
type WorkerPool struct {
	workers   int
	jobQueue  chan Job
	waitGroup sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

// NewWorkerPool creates a new WorkerPool with the specified number of workers.
func NewWorkerPool(workers int) *WorkerPool {
	if workers < 1 {
		workers = 1
	}
	pool := &WorkerPool{
		workers:  workers,
		jobQueue: make(chan Job, workers),
	}

	pool.waitGroup.Add(workers)
	for i := 0; i < workers; i++ {
		go pool.worker()
	}

	return pool
}

// worker processes jobs from the jobQueue.
func (wp *WorkerPool) worker() {
	defer wp.waitGroup.Done()
	for job := range wp.jobQueue {
		job.Task()
	}
}

// TrySubmit queues a job without blocking. It fails with ErrPoolBusy when the
// queue is full and ErrPoolClosed once the pool has been shut down.
func (wp *WorkerPool) TrySubmit(task func()) error {
	wp.mu.RLock()
	defer wp.mu.RUnlock()
	if wp.closed {
		return ErrPoolClosed
	}
	select {
	case wp.jobQueue <- Job{Task: task}:
		return nil
	default:
		return ErrPoolBusy
	}
}

// Shutdown waits for all queued jobs to finish and then closes the worker pool.
// It is safe to call more than once.
func (wp *WorkerPool) Shutdown() {
	wp.mu.Lock()
	if wp.closed {
		wp.mu.Unlock()
		return
	}
	wp.closed = true
	close(wp.jobQueue)
	wp.mu.Unlock()
	wp.waitGroup.Wait()
}
