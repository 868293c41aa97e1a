package middleware

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/xraph/courier"
	"github.com/xraph/courier/job"
)

// Timeout returns middleware that bounds each attempt by d. When the
// deadline passes the attempt fails with an error matching both
// courier.ErrDownstreamTimeout and courier.ErrDownstreamCall. A
// non-positive d disables the bound.
func Timeout(d time.Duration) Middleware {
	return func(ctx context.Context, _ *job.Job, next Handler) error {
		if d <= 0 {
			return next(ctx)
		}

		ctx, cancel := context.WithTimeout(ctx, d)
		defer cancel()

		err := next(ctx)
		if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) && !errors.Is(err, courier.ErrDownstreamTimeout) {
			return fmt.Errorf("%w: %w: after %s: %w", courier.ErrDownstreamCall, courier.ErrDownstreamTimeout, d, err)
		}
		return err
	}
}
