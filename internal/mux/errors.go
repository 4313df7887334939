package mux

import "errors"

var (
	// ErrChannelClosed is returned by channel operations after the
	// channel has been closed by either side.
	ErrChannelClosed = errors.New("mux: channel closed")

	// ErrMuxClosed is returned when the underlying connection is gone.
	ErrMuxClosed = errors.New("mux: connection closed")

	// ErrBadFrame is returned when an incoming frame cannot be parsed.
	ErrBadFrame = errors.New("mux: malformed frame")

	// ErrBadCode is returned when a capability code is not exactly four
	// printable ASCII characters.
	ErrBadCode = errors.New("mux: capability code must be 4 ASCII characters")
)
