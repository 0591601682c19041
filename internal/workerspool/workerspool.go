// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package workerspool runs tasks on a bounded number of goroutines.
//
// It is used by the experts to process the rows of an expert batch in parallel.
package workerspool

import (
	"runtime"
	"sync"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
)

// Pool limits the number of tasks running in parallel.
type Pool struct {
	// maxParallelism is the limit of tasks running in parallel.
	// If 0 tasks run inline (sequentially), if negative it is unlimited.
	maxParallelism int
	mu             sync.Mutex
	cond           sync.Cond // Should be signaled whenever numRunning is decreased.
	numRunning     int
}

// New returns a new Pool with the default parallelism (runtime.NumCPU()).
func New() *Pool {
	return NewWithParallelism(runtime.NumCPU())
}

// NewWithParallelism returns a new Pool limited to maxParallelism tasks in parallel.
// If maxParallelism is 0 tasks run inline, and if it is negative the parallelism is unlimited.
func NewWithParallelism(maxParallelism int) *Pool {
	w := &Pool{maxParallelism: maxParallelism}
	w.cond = sync.Cond{L: &w.mu}
	return w
}

// IsEnabled returns whether parallelism is enabled (maxParallelism is != 0)
func (w *Pool) IsEnabled() bool {
	return w.maxParallelism != 0
}

// IsUnlimited returns whether parallelism is unlimited (maxParallelism < 0)
func (w *Pool) IsUnlimited() bool {
	return w.maxParallelism < 0
}

// MaxParallelism returns the limit of tasks running in parallel.
func (w *Pool) MaxParallelism() int {
	return w.maxParallelism
}

// lockedIsFull returns whether all available workers are in use.
//
// It must be called with w.mu acquired.
func (w *Pool) lockedIsFull() bool {
	if w.maxParallelism < 0 {
		return false
	}
	return w.numRunning >= w.maxParallelism
}

// WaitToStart waits until there is a worker available, and runs the task in a goroutine.
//
// If parallelism is disabled (maxParallelism is 0), it runs the task inline and returns when it is finished.
func (w *Pool) WaitToStart(task func()) {
	if w.IsUnlimited() {
		go task()
		return
	} else if w.maxParallelism == 0 {
		task()
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	for w.lockedIsFull() {
		w.cond.Wait()
	}
	w.numRunning++
	go func() {
		defer func() {
			w.mu.Lock()
			w.numRunning--
			w.cond.Signal()
			w.mu.Unlock()
		}()
		task()
	}()
}

// ForEach calls fn(i) for every i in [0, n), in parallel, and waits for all of them to finish.
//
// It returns the error of the lowest index that failed. A panic in fn is converted to an error.
func (w *Pool) ForEach(n int, fn func(i int) error) error {
	errs := make([]error, n)
	run := func(i int) {
		exception := exceptions.Try(func() { errs[i] = fn(i) })
		if exception != nil {
			if err, ok := exception.(error); ok {
				errs[i] = errors.WithMessagef(err, "task #%d panicked", i)
			} else {
				errs[i] = errors.Errorf("task #%d panicked: %v", i, exception)
			}
		}
	}
	if n == 1 || !w.IsEnabled() {
		for i := range n {
			run(i)
		}
	} else {
		var wg sync.WaitGroup
		for i := range n {
			wg.Add(1)
			w.WaitToStart(func() {
				defer wg.Done()
				run(i)
			})
		}
		wg.Wait()
	}
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
