package exchange

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
)

const maxReadTries = 3

// Retry runs a read-only exchange call with exponential backoff. Orders are
// never retried here since they are not idempotent.
func Retry[T any](ctx context.Context, logger *slog.Logger, name string, op func() (T, error)) (T, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 250 * time.Millisecond
	b.MaxInterval = 2 * time.Second

	wrapped := func() (T, error) {
		v, err := op()
		if err != nil && (errors.Is(err, ErrUnknownSymbol) || errors.Is(err, context.Canceled)) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}

	return backoff.Retry(ctx, wrapped,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(maxReadTries),
		backoff.WithNotify(func(err error, next time.Duration) {
			logger.Warn("[EXCHANGE] Call failed, retrying",
				"op", name,
				"error", err,
				"retry_in", next,
			)
		}),
	)
}
