package middleware

import (
	"context"
	"log/slog"
	"time"

	"github.com/xraph/courier/job"
)

// Logging returns middleware that logs the start and outcome of each
// attempt.
func Logging(logger *slog.Logger) Middleware {
	return func(ctx context.Context, j *job.Job, next Handler) error {
		logger.Debug("job attempt started",
			slog.String("job_id", j.ID),
			slog.String("partition", j.PartitionKey),
			slog.Int("attempt", j.Attempts),
		)

		start := time.Now()
		err := next(ctx)
		elapsed := time.Since(start)

		if err != nil {
			logger.Warn("job attempt failed",
				slog.String("job_id", j.ID),
				slog.String("partition", j.PartitionKey),
				slog.Int("attempt", j.Attempts),
				slog.Duration("elapsed", elapsed),
				slog.String("error", err.Error()),
			)
		} else {
			logger.Info("job attempt succeeded",
				slog.String("job_id", j.ID),
				slog.String("partition", j.PartitionKey),
				slog.Int("attempt", j.Attempts),
				slog.Duration("elapsed", elapsed),
			)
		}

		return err
	}
}
