package worker

import (
	"errors"
	"sync"
)

// WorkerPool owns a set of long-lived workers and the WaitGroup
// used to track their completion. Workers must be pushed before
// the pool is started; the pool cannot be reshaped while running.
type WorkerPool struct {
	workers []Worker
	Wg      sync.WaitGroup
	started bool
}

// NewWorkerPool creates a new WorkerPool struct
// and initialises the 'workers' slice.
func NewWorkerPool() *WorkerPool {
	return &WorkerPool{workers: make([]Worker, 0)}
}

// Start cycles through all the workers
// currently inside the WorkerPool and creates
// a goroutine for each. The 'Start' method of
// each worker is executed concurrently.
//
// Start does NOT block, however consumers
// can wait on the WaitGroup in the pool if they
// wish.
func (pool *WorkerPool) Start() error {
	if pool.started {
		return errors.New("cannot start an already started worker pool")
	}

	pool.started = true
	for _, worker := range pool.workers {
		pool.Wg.Add(1)
		go func(wg *sync.WaitGroup, w Worker) {
			defer wg.Done()
			w.Start()
		}(&pool.Wg, worker)
	}

	return nil
}

// PushWorker inserts the workers provided in to the worker pool. An
// error is returned if the pool has already been started.
func (pool *WorkerPool) PushWorker(workers ...Worker) error {
	if pool.started {
		return errors.New("cannot push worker to already started worker pool")
	}

	pool.workers = append(pool.workers, workers...)
	return nil
}

// Close waits for all workers in the pool to finish their current
// task and exit. It is the callers responsibility to ensure the
// workers task source has been closed, otherwise Close will block
// indefinitely.
func (pool *WorkerPool) Close() {
	if !pool.started {
		return
	}

	pool.Wg.Wait()
	pool.started = false
}
