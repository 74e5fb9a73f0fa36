package device

import (
	"errors"
	"fmt"
)

// ErrBusy is returned when a connect or flash is already in progress.
var ErrBusy = errors.New("device session busy")

// ErrNotConnected is returned by Flash outside the connected step.
var ErrNotConnected = errors.New("no device connected")

// ErrClosed is returned when the session is closed while an operation runs.
var ErrClosed = errors.New("device session closed")

// ErrNoSerialProtocol is wrapped when the selected method does not flash over
// a serial link.
var ErrNoSerialProtocol = errors.New("method has no serial flashing protocol")

// Kind classifies session errors for the operator.
type Kind int

const (
	SelectionIncomplete Kind = iota + 1
	DeviceMismatch
	WrongDeviceFamily
	TransportFault
	TransferFault
	UnsupportedMethod
)

func (k Kind) String() string {
	switch k {
	case SelectionIncomplete:
		return "selection incomplete"
	case DeviceMismatch:
		return "device mismatch"
	case WrongDeviceFamily:
		return "wrong device family"
	case TransportFault:
		return "transport fault"
	case TransferFault:
		return "transfer fault"
	case UnsupportedMethod:
		return "unsupported method"
	}
	return "unknown"
}

// Error is the only error type a Session returns for protocol and transport
// failures.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Guidance is the operator-facing advice for the error kind.
func (e *Error) Guidance() string {
	switch e.Kind {
	case SelectionIncomplete:
		return "Select a hardware target and flash method first."
	case DeviceMismatch:
		return "The connected device reports a different target. Flash anyway only if you are sure."
	case WrongDeviceFamily:
		return "The connected device uses a different microcontroller. Check the selected target."
	case TransportFault:
		return "Could not talk to the device. Check the cable and port, power-cycle the device and reconnect."
	case TransferFault:
		return "Flashing failed part way. Reconnect and try again."
	case UnsupportedMethod:
		return "This flash method does not use the serial port. Pick a UART or passthrough method, or use the Build page for downloads."
	}
	return ""
}

// KindOf returns the kind of a session error, or 0 when err is not one.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}
