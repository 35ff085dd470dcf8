package internal

import (
	"errors"
	"sync"
)

var (
	ErrPoolStopped = errors.New("worker pool stopped")
	ErrPoolFull    = errors.New("worker pool queue full")
)

// WorkerPool runs fire-and-forget work on a fixed number of goroutines.
type WorkerPool struct {
	N      int
	ch     chan func()
	mu     sync.RWMutex
	closed bool
}

// Create a new worker pool of size N. Up to N work can be done concurrently and up
// to N more can be waiting.
func NewWorkerPool(n int) *WorkerPool {
	if n <= 0 {
		n = 1
	}
	return &WorkerPool{
		N:  n,
		ch: make(chan func(), n),
	}
}

// Start the workers. Only call this once.
func (wp *WorkerPool) Start() {
	for i := 0; i < wp.N; i++ {
		go wp.worker()
	}
}

// Stop the worker pool. Work queued after Stop is dropped. Safe to call more than once.
func (wp *WorkerPool) Stop() {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	if wp.closed {
		return
	}
	wp.closed = true
	close(wp.ch)
}

// Queue some work on the pool. Never blocks: when every worker is busy and the
// backlog is full the work is dropped and ErrPoolFull is returned.
func (wp *WorkerPool) Queue(fn func()) error {
	wp.mu.RLock()
	defer wp.mu.RUnlock()
	if wp.closed {
		return ErrPoolStopped
	}
	select {
	case wp.ch <- fn:
		return nil
	default:
		return ErrPoolFull
	}
}

// worker impl
func (wp *WorkerPool) worker() {
	for fn := range wp.ch {
		fn()
	}
}
