package flasher

import (
	"errors"
	"fmt"
)

// ErrTimeout is returned when the device does not answer in time.
var ErrTimeout = errors.New("timed out waiting for device")

// ErrClosed is returned by protocol calls after Close.
var ErrClosed = errors.New("protocol closed")

// MismatchError means the device is supported but is not the selected
// target. Flashing may still be forced.
type MismatchError struct {
	Expected string
	Actual   string
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("target mismatch: expected %s, device reports %s", e.Expected, e.Actual)
}

// WrongMCUError means the attached chip belongs to another family.
type WrongMCUError struct {
	Expected string
	Actual   string
}

func (e *WrongMCUError) Error() string {
	return fmt.Sprintf("wrong microcontroller: expected %s, found %s", e.Expected, e.Actual)
}

// StubError wraps a failure to upload or start the flasher stub.
type StubError struct {
	Err error
}

func (e *StubError) Error() string {
	return fmt.Sprintf("flasher stub failed: %v", e.Err)
}

func (e *StubError) Unwrap() error { return e.Err }

// StatusError is a non-success status returned by the device for a command.
type StatusError struct {
	Operation string
	Status    byte
	Detail    string
}

func (e *StatusError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s failed: status 0x%02X (%s)", e.Operation, e.Status, e.Detail)
	}
	return fmt.Sprintf("%s failed: status 0x%02X", e.Operation, e.Status)
}
