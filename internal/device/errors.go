package device

import "errors"

// Domain-specific errors for the device registry.
// Use errors.Is() to check for these errors in calling code.
var (
	// ErrDeviceNotFound is returned when a command targets an unknown udid.
	ErrDeviceNotFound = errors.New("device: not found")

	// ErrUnsupportedCommand is returned for a command type the registry does
	// not recognise. Unlike an unknown udid this signals a client defect, not
	// a transient condition, and is surfaced to the caller of RunCommand.
	ErrUnsupportedCommand = errors.New("device: unsupported command")

	// ErrNoCommander is returned when a device operation runs without a
	// platform commander wired in.
	ErrNoCommander = errors.New("device: no commander configured")

	// ErrReleased is returned when the Center is used after Release().
	ErrReleased = errors.New("device: center released")
)
