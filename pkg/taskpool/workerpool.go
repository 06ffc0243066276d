package taskpool

import (
	"sync"
)

// WorkerPool keeps n goroutines calling a run function in a loop.
type WorkerPool struct {
	lk      sync.Mutex
	started bool
	stopped bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

func NewWorkerPool() *WorkerPool {
	return &WorkerPool{
		stopCh: make(chan struct{}),
	}
}

// Start spawns n workers, each calling run with its index until run
// returns false or the pool is stopped.
func (wp *WorkerPool) Start(n int, run func(worker int) bool) error {
	if n <= 0 {
		return ErrNoWorkers
	}
	if run == nil {
		return ErrNilRunFunc
	}

	wp.lk.Lock()
	defer wp.lk.Unlock()
	if wp.stopped {
		return ErrStopped
	}
	if wp.started {
		return ErrStarted
	}
	wp.started = true

	wp.wg.Add(n)
	for i := 0; i < n; i++ {
		go wp.work(i, run)
	}
	return nil
}

func (wp *WorkerPool) work(worker int, run func(int) bool) {
	defer wp.wg.Done()
	for {
		select {
		case <-wp.stopCh:
			return
		default:
		}
		if !run(worker) {
			return
		}
	}
}

// Stop waits for every worker to return. Workers blocked in run must be
// released by the caller, typically by stopping the `TaskPool` first.
func (wp *WorkerPool) Stop() {
	wp.lk.Lock()
	if !wp.stopped {
		wp.stopped = true
		close(wp.stopCh)
	}
	wp.lk.Unlock()
	wp.wg.Wait()
}
