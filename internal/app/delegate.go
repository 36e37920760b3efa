package app

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// delegate runs a call into the routing engine with a deadline. If the deadline
// fires first, the call keeps running in the background and whatever it eventually
// creates is handed to rollback.
func delegate[T any](ctx context.Context, timeout time.Duration, call func(context.Context) (T, error), rollback func(T)) (T, error) {
	cctx, cancel := context.WithTimeout(ctx, timeout)

	type result struct {
		v   T
		err error
	}
	done := make(chan result, 1)
	go func() {
		v, err := call(cctx)
		done <- result{v, err}
	}()

	select {
	case r := <-done:
		cancel()
		return r.v, r.err
	case <-cctx.Done():
		err := cctx.Err()
		go func() {
			defer cancel()
			r := <-done
			if r.err == nil && rollback != nil {
				log.Warn().Str("module", "app.delegate").Msg("rolling back resource created after deadline")
				rollback(r.v)
			}
		}()
		var zero T
		return zero, err
	}
}

// delegateErr is delegate for calls that produce no resource.
func delegateErr(ctx context.Context, timeout time.Duration, call func(context.Context) error) error {
	_, err := delegate(ctx, timeout, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, call(ctx)
	}, nil)
	return err
}
