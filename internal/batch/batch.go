package batch

import (
	"context"
	"sync"
)

// DefaultLimit keeps remote calls under the chat platform's rate limits while
// still overlapping latency.
const DefaultLimit = 4

type Policy int

const (
	// BestEffort runs every item to completion and reports per-item errors.
	BestEffort Policy = iota
	// FailFast stops dispatching after the first error and returns it.
	FailFast
)

func (p Policy) String() string {
	switch p {
	case BestEffort:
		return "best-effort"
	case FailFast:
		return "fail-fast"
	default:
		return "unknown"
	}
}

type Options struct {
	Limit  int
	Policy Policy
}

type Result[R any] struct {
	Index int
	Value R
	Err   error
	// Skipped is set for items never dispatched because a fail-fast batch
	// had already failed or the context was cancelled.
	Skipped bool
}

func (r Result[R]) OK() bool {
	return r.Err == nil && !r.Skipped
}

// Run applies fn to every item with at most opts.Limit calls in flight.
// Items are dispatched in input order and results come back in input order.
// Under FailFast the first error cancels the context handed to in-flight
// calls and is returned; under BestEffort only a cancelled context is
// returned.
func Run[T, R any](ctx context.Context, items []T, opts Options, fn func(context.Context, T) (R, error)) ([]Result[R], error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}
	results := make([]Result[R], len(items))
	for i := range results {
		results[i].Index = i
	}
	if len(items) == 0 {
		return results, nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg       sync.WaitGroup
		errOnce  sync.Once
		firstErr error
		sem      = make(chan struct{}, limit)
	)
	fail := func(err error) {
		errOnce.Do(func() {
			firstErr = err
			if opts.Policy == FailFast {
				cancel()
			}
		})
	}

	skipFrom := func(i int) {
		for j := i; j < len(items); j++ {
			results[j].Skipped = true
		}
	}

dispatch:
	for i, item := range items {
		select {
		case sem <- struct{}{}:
		case <-runCtx.Done():
			skipFrom(i)
			break dispatch
		}
		if runCtx.Err() != nil {
			<-sem
			skipFrom(i)
			break
		}
		wg.Add(1)
		go func(i int, item T) {
			defer wg.Done()
			defer func() { <-sem }()
			value, err := fn(runCtx, item)
			results[i].Value = value
			results[i].Err = err
			if err != nil {
				fail(err)
			}
		}(i, item)
	}
	wg.Wait()

	if opts.Policy == FailFast {
		if firstErr != nil {
			return results, firstErr
		}
		if err := ctx.Err(); err != nil {
			return results, err
		}
		return results, nil
	}
	if err := ctx.Err(); err != nil {
		return results, err
	}
	return results, nil
}

// Each is Run for operations without a result value.
func Each[T any](ctx context.Context, items []T, opts Options, fn func(context.Context, T) error) ([]Result[struct{}], error) {
	return Run(ctx, items, opts, func(ctx context.Context, item T) (struct{}, error) {
		return struct{}{}, fn(ctx, item)
	})
}
