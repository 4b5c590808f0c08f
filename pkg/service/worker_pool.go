package service

import (
	"sync"
)

const (
	// DefaultMaxParallel bounds concurrently running fan-out members per engine.
	DefaultMaxParallel = 16
)

// WorkerPool runs fan-out members with a bound on concurrency shared by every
// run of an engine. A member that finds no free slot runs on the submitting
// goroutine, so nested fan-out groups cannot starve each other.
type WorkerPool struct {
	slots  chan struct{}
	logger Logger
	wg     sync.WaitGroup
}

func NewWorkerPool(workers int, logger Logger) *WorkerPool {
	if workers <= 0 {
		workers = DefaultMaxParallel
	}
	return &WorkerPool{
		slots:  make(chan struct{}, workers),
		logger: logger,
	}
}

// Size is the number of members the pool runs concurrently.
func (wp *WorkerPool) Size() int {
	return cap(wp.slots)
}

// ExecuteGroup runs every job and waits for all of them. errs[i] is the result
// of jobs[i], whatever the completion order.
func (wp *WorkerPool) ExecuteGroup(jobs []func() error) []error {
	errs := make([]error, len(jobs))
	var group sync.WaitGroup
	for i, job := range jobs {
		select {
		case wp.slots <- struct{}{}:
			group.Add(1)
			wp.wg.Add(1)
			go func(i int, job func() error) {
				defer func() {
					<-wp.slots
					wp.wg.Done()
					group.Done()
				}()
				errs[i] = job()
			}(i, job)
		default:
			wp.logger.Infof("Worker pool saturated (%d), running member %d inline", cap(wp.slots), i)
			errs[i] = job()
		}
	}
	group.Wait()
	return errs
}

// Wait blocks until no member is running on the pool.
func (wp *WorkerPool) Wait() {
	wp.wg.Wait()
}
