package signal

import (
	"errors"
	"fmt"
)

// MalformedSignalError is returned when an ingested payload cannot be classified.
// Malformed signals are dropped and never retried.
type MalformedSignalError struct {
	Kind   string
	Reason string
}

func (e *MalformedSignalError) Error() string {
	if e.Kind == "" {
		return fmt.Sprintf("malformed signal: %s", e.Reason)
	}
	return fmt.Sprintf("malformed %q signal: %s", e.Kind, e.Reason)
}

// IsMalformedSignal returns true if err is or wraps a MalformedSignalError.
func IsMalformedSignal(err error) bool {
	var target *MalformedSignalError
	return errors.As(err, &target)
}
