package service

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestWorkerPool(t *testing.T) {
	t.Run("ResultsFollowDeclaredOrder", func(t *testing.T) {
		wp := NewWorkerPool(4, noopLogger{})
		jobs := []func() error{
			func() error { time.Sleep(30 * time.Millisecond); return errors.New("first") },
			func() error { return nil },
			func() error { time.Sleep(10 * time.Millisecond); return errors.New("third") },
		}
		errs := wp.ExecuteGroup(jobs)
		assert.Len(t, errs, 3)
		assert.EqualError(t, errs[0], "first")
		assert.NoError(t, errs[1])
		assert.EqualError(t, errs[2], "third")
	})

	t.Run("RunsConcurrently", func(t *testing.T) {
		wp := NewWorkerPool(4, noopLogger{})
		start := time.Now()
		jobs := make([]func() error, 4)
		for i := range jobs {
			jobs[i] = func() error { time.Sleep(50 * time.Millisecond); return nil }
		}
		wp.ExecuteGroup(jobs)
		assert.Less(t, time.Since(start), 150*time.Millisecond)
	})

	t.Run("BoundsConcurrency", func(t *testing.T) {
		wp := NewWorkerPool(2, noopLogger{})
		var running, peak int32
		jobs := make([]func() error, 6)
		for i := range jobs {
			jobs[i] = func() error {
				n := atomic.AddInt32(&running, 1)
				for {
					p := atomic.LoadInt32(&peak)
					if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
						break
					}
				}
				time.Sleep(10 * time.Millisecond)
				atomic.AddInt32(&running, -1)
				return nil
			}
		}
		wp.ExecuteGroup(jobs)
		// two pooled members plus the submitting goroutine running one inline
		assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(3))
		wp.Wait()
	})

	t.Run("NestedGroupsDoNotDeadlock", func(t *testing.T) {
		wp := NewWorkerPool(1, noopLogger{})
		var count int32
		inner := func() error {
			wp.ExecuteGroup([]func() error{
				func() error { atomic.AddInt32(&count, 1); return nil },
				func() error { atomic.AddInt32(&count, 1); return nil },
			})
			return nil
		}
		done := make(chan struct{})
		go func() {
			wp.ExecuteGroup([]func() error{inner, inner})
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("nested groups deadlocked")
		}
		assert.Equal(t, int32(4), atomic.LoadInt32(&count))
	})

	t.Run("DefaultSize", func(t *testing.T) {
		assert.Equal(t, DefaultMaxParallel, NewWorkerPool(0, noopLogger{}).Size())
	})
}
