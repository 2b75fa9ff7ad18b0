package dispatch

import (
	"errors"
	"fmt"
)

// TransientError is a per-device failure worth retrying on a later
// postpone or reminder. It is never retried immediately.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return "transient: " + e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// PermanentDeviceError means the device can no longer be reached, e.g. an
// unregistered token. The device is dropped from the notification's fan-out.
type PermanentDeviceError struct {
	Err error
}

func (e *PermanentDeviceError) Error() string { return "permanent: " + e.Err.Error() }
func (e *PermanentDeviceError) Unwrap() error { return e.Err }

// Transient wraps err as a TransientError.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// Permanent wraps err as a PermanentDeviceError.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentDeviceError{Err: err}
}

// Permanentf formats a PermanentDeviceError.
func Permanentf(format string, args ...any) error {
	return Permanent(fmt.Errorf(format, args...))
}

// IsPermanent reports whether err carries a PermanentDeviceError.
func IsPermanent(err error) bool {
	var p *PermanentDeviceError
	return errors.As(err, &p)
}
