package pending

import (
	"errors"
	"fmt"

	"github.com/securecall/callrelay/pkg/signal"
)

// NotPendingError is returned when a retry is scheduled for an empty channel.
type NotPendingError struct {
	Channel signal.Channel
}

func (e *NotPendingError) Error() string {
	return fmt.Sprintf("no pending signal on channel %s", e.Channel)
}

// RetryExhaustedError describes a buffered signal that ran out of attempts.
// It drives escalation to an alert and is never returned to the application.
type RetryExhaustedError struct {
	Key      signal.DedupKey
	Attempts int
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("delivery of %s gave up after %d attempts", e.Key, e.Attempts)
}

// IsNotPending returns true if err is a NotPendingError.
func IsNotPending(err error) bool {
	var target *NotPendingError
	return errors.As(err, &target)
}

// IsRetryExhausted returns true if err is a RetryExhaustedError.
func IsRetryExhausted(err error) bool {
	var target *RetryExhaustedError
	return errors.As(err, &target)
}
