package util

import (
	"context"
	"sync"
)

// Task is one unit of work for RunConcurrent.
type Task func(ctx context.Context) error

// RunConcurrent runs tasks with at most limit of them at once and returns the
// first error. The context passed to tasks is cancelled after that error, so
// tasks still waiting for a slot are not started.
func RunConcurrent(ctx context.Context, tasks []Task, limit int) error {
	if len(tasks) == 0 {
		return nil
	}
	if limit <= 0 {
		limit = 1
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sem := make(chan struct{}, limit)
	var (
		wg    sync.WaitGroup
		once  sync.Once
		first error
	)
	for _, t := range tasks {
		wg.Add(1)
		go func(t Task) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				return
			}
			defer func() { <-sem }()
			if ctx.Err() != nil {
				return
			}
			if err := t(ctx); err != nil {
				once.Do(func() {
					first = err
					cancel()
				})
			}
		}(t)
	}
	wg.Wait()
	return first
}
