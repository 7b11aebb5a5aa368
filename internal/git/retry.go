package git

import (
	"context"
	"log/slog"
	"time"

	"git.home.luguber.info/inful/conveyor/internal/errors"
	"git.home.luguber.info/inful/conveyor/internal/logfields"
)

// withRetry reruns fn on transient failures per the client policy. Rate
// limit errors wait three times the base delay; everything permanent
// (auth, not found, bad config) returns on the first failure.
func (c *Client) withRetry(ctx context.Context, op, url string, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt <= c.policy.MaxRetries; attempt++ {
		if attempt > 0 {
			c.logger.Warn("retrying git operation",
				slog.String("operation", op),
				logfields.URL(url),
				slog.Int("attempt", attempt))
		}
		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err
		if !errors.CanRetry(err) {
			c.logger.Error("permanent git error",
				slog.String("operation", op),
				logfields.URL(url),
				logfields.Error(err))
			return err
		}
		if attempt == c.policy.MaxRetries {
			break
		}

		delay := c.policy.Delay(attempt + 1)
		if errors.GetRetryStrategy(err) == errors.RetryRateLimit {
			delay *= 3
		}
		select {
		case <-ctx.Done():
			return errors.WrapError(ctx.Err(), errors.CategoryGit, "git "+op+" canceled").
				WithContext(logfields.KeyURL, url).Build()
		case <-time.After(delay):
		}
	}
	return errors.WrapError(lastErr, errors.CategoryGit, "git "+op+" failed after retries").
		WithContext(logfields.KeyURL, url).
		WithContext("attempts", c.policy.MaxRetries+1).
		Build()
}
