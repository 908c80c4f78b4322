package consumer

import (
	"errors"
	"fmt"
)

// UnavailableError means no consumer could accept an event. It is transient:
// callers buffer and retry instead of surfacing it.
type UnavailableError struct {
	Reason string
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("consumer unavailable: %s", e.Reason)
}

// IsUnavailable returns true if err is an UnavailableError.
func IsUnavailable(err error) bool {
	var target *UnavailableError
	return errors.As(err, &target)
}
