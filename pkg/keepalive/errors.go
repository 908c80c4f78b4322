package keepalive

import (
	"errors"
	"fmt"
)

// NotAuthenticatedError is returned by Start when no session credential is stored.
type NotAuthenticatedError struct{}

func (e *NotAuthenticatedError) Error() string {
	return "keep-alive refused: not authenticated"
}

// ResourceAcquisitionFailedError describes a resource that could not be
// acquired. The session degrades to not held; it is logged, never returned.
type ResourceAcquisitionFailedError struct {
	Resource string
	Err      error
}

func (e *ResourceAcquisitionFailedError) Error() string {
	return fmt.Sprintf("failed to acquire keep-alive resource %s: %v", e.Resource, e.Err)
}

func (e *ResourceAcquisitionFailedError) Unwrap() error {
	return e.Err
}

// IsNotAuthenticated returns true if err is a NotAuthenticatedError.
func IsNotAuthenticated(err error) bool {
	var target *NotAuthenticatedError
	return errors.As(err, &target)
}

// IsResourceAcquisitionFailed returns true if err is a ResourceAcquisitionFailedError.
func IsResourceAcquisitionFailed(err error) bool {
	var target *ResourceAcquisitionFailedError
	return errors.As(err, &target)
}
