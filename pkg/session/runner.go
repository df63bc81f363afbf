package session

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/rs/zerolog"
)

// Runner executes background tasks. done always runs once task returns or
// panics; a panic reaches done as an error.
type Runner struct {
	// Log receives panics raised by done callbacks, which otherwise would
	// drop an outcome without a trace.
	Log zerolog.Logger

	wg sync.WaitGroup
}

func (r *Runner) Go(ctx context.Context, task func(context.Context) error, done func(error)) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		err := safely(ctx, task)
		func() {
			defer func() {
				if p := recover(); p != nil {
					r.Log.Error().Interface("panic", p).Str("stack", string(debug.Stack())).
						Msg("completion callback panicked")
				}
			}()
			done(err)
		}()
	}()
}

// Wait blocks until every started task and its callback have returned.
func (r *Runner) Wait() {
	r.wg.Wait()
}

func safely(ctx context.Context, task func(context.Context) error) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("background task panicked: %v\n%s", p, debug.Stack())
		}
	}()
	return task(ctx)
}
