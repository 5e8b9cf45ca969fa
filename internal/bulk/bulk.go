// Package bulk runs independent read-only requests over a bounded worker
// pool.
package bulk

import (
	"context"
	"runtime"
	"sync"

	"go.uber.org/zap"
)

// Operation represents a bulk operation configuration
type Operation struct {
	// Jobs bounds the workers; 0 uses the CPU count, 1 runs in order.
	Jobs            int
	ContinueOnError bool
	Logger          *zap.Logger
}

// Result represents the result of a bulk operation
type Result struct {
	TotalItems int
	Succeeded  int
	Failed     int
	Errors     []ItemError
}

// ItemError represents an error for a specific item
type ItemError struct {
	Item  string
	Error error
}

// ItemFunc is the function to execute for each item
type ItemFunc func(ctx context.Context, item string) error

// Execute runs fn for every item. Without ContinueOnError the first failure
// stops the remaining items from starting. A cancelled ctx does the same.
func (op *Operation) Execute(ctx context.Context, items []string, fn ItemFunc) *Result {
	result := &Result{TotalItems: len(items)}
	if len(items) == 0 {
		return result
	}

	logger := op.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	jobs := op.Jobs
	if jobs <= 0 {
		jobs = runtime.NumCPU()
	}
	jobs = min(jobs, len(items))

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	work := make(chan string)
	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for range jobs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for item := range work {
				if ctx.Err() != nil {
					continue
				}
				err := fn(ctx, item)
				mu.Lock()
				if err != nil {
					result.Failed++
					result.Errors = append(result.Errors, ItemError{Item: item, Error: err})
					logger.Debug("item failed", zap.String("item", item), zap.Error(err))
					if !op.ContinueOnError {
						cancel()
					}
				} else {
					result.Succeeded++
				}
				mu.Unlock()
			}
		}()
	}

feed:
	for _, item := range items {
		select {
		case <-ctx.Done():
			break feed
		case work <- item:
		}
	}
	close(work)
	wg.Wait()
	return result
}
