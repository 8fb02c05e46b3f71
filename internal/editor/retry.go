package editor

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/con-j-e/featsync/internal/logger"
)

const (
	DefaultAttempts   = 2
	DefaultRetryDelay = 30 * time.Second
)

var errNoAttempts = errors.New("editor: at least one attempt is required")

// ApplyWithRetry runs the edit up to attempts times, waiting delay between
// runs. Only EditFailure and CountMismatch are retried.
func ApplyWithRetry(ctx context.Context, e *Editor, attempts int, delay time.Duration) (Metrics, error) {
	if attempts <= 0 {
		return Metrics{}, errNoAttempts
	}
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(delay), uint64(attempts-1)), ctx)

	try := 0
	op := func() (Metrics, error) {
		try++
		m, err := e.ApplyEditsWithValidation(ctx)
		if err != nil && !IsRetryable(err) {
			return m, backoff.Permanent(err)
		}
		return m, err
	}
	notify := func(err error, wait time.Duration) {
		logger.Warn("%s: edit attempt %d/%d failed, retrying in %s: %v", e.url, try, attempts, wait, err)
	}
	return backoff.RetryNotifyWithData(op, b, notify)
}
