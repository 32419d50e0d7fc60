package service

import (
	"errors"

	"github.com/kudohub/heartbits/internal/heartbits/models"
)

// maxAttempts bounds automatic retries of retryable storage conflicts.
const maxAttempts = 3

// withRetry runs fn, retrying only on ErrConflictRetryable. After the
// attempts are exhausted the conflict surfaces as a storage failure.
func withRetry(fn func() error) error {
	var err error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		err = fn()
		if !errors.Is(err, models.ErrConflictRetryable) {
			return err
		}
	}
	return models.ErrStorageFailure
}
