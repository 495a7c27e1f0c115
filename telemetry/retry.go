package telemetry

import (
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryWithBackoff retries operation while sqlite reports contention.
func RetryWithBackoff(operation func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	b.MaxElapsedTime = 10 * time.Second
	b.RandomizationFactor = 0.1

	return backoff.Retry(func() error {
		err := operation()
		if err == nil {
			return nil
		}

		if isRetryableError(err) {
			return err
		}

		return backoff.Permanent(err)
	}, b)
}

// Matching relies on modernc.org/sqlite error strings.
func isRetryableError(err error) bool {
	s := err.Error()

	return strings.Contains(s, "database is locked") || strings.Contains(s, "SQLITE_BUSY")
}
