package adb

import "errors"

// Domain-specific errors for adb server communication.
// Use errors.Is() to check for these errors in calling code.
var (
	// ErrConnectionFailed is returned when the adb server cannot be reached.
	ErrConnectionFailed = errors.New("adb: connection failed")

	// ErrCommandRejected is returned when the adb server answers FAIL.
	ErrCommandRejected = errors.New("adb: command rejected")

	// ErrProtocol is returned for malformed wire data from the adb server.
	ErrProtocol = errors.New("adb: protocol error")
)
