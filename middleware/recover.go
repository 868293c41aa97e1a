package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/xraph/courier/job"
)

// Recover returns middleware that turns a panic in the rest of the chain
// into an error, logged with a stack trace. The attempt then counts as
// failed like any other error.
func Recover(logger *slog.Logger) Middleware {
	return func(ctx context.Context, j *job.Job, next Handler) (retErr error) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("job attempt panicked",
					slog.String("job_id", j.ID),
					slog.String("partition", j.PartitionKey),
					slog.Any("panic", r),
					slog.String("stack", string(debug.Stack())),
				)
				retErr = fmt.Errorf("panic in job %s: %v", j.ID, r)
			}
		}()
		return next(ctx)
	}
}
