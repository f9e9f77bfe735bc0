package device

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned by DeleteFile when the file is already absent.
// Callers treat it as already-satisfied.
var ErrNotFound = errors.New("device: file not found")

// LinkError is a transient transport failure: the board is unplugged, the
// mount is gone or the serial port is busy. Retry-eligible.
type LinkError struct {
	Op  string
	Err error
}

func (e *LinkError) Error() string {
	return fmt.Sprintf("device link: %s: %v", e.Op, e.Err)
}

func (e *LinkError) Unwrap() error {
	return e.Err
}

// RejectedError is a device-side semantic failure, e.g. the board's
// filesystem is full or read-only. Retry-eligible but likely to recur.
type RejectedError struct {
	Op  string
	Err error
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("device rejected: %s: %v", e.Op, e.Err)
}

func (e *RejectedError) Unwrap() error {
	return e.Err
}

// IsLinkError reports whether err is a transient transport failure.
func IsLinkError(err error) bool {
	var le *LinkError
	return errors.As(err, &le)
}

// IsRejected reports whether the device refused the operation.
func IsRejected(err error) bool {
	var re *RejectedError
	return errors.As(err, &re)
}
