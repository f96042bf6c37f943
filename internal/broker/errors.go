package broker

import "errors"

var (
	// ErrBind is returned when a broker cannot listen on its port,
	// typically because the port is already in use.
	ErrBind = errors.New("broker: bind failed")

	// ErrStopped is returned by Start on a broker that has been stopped.
	ErrStopped = errors.New("broker: stopped")

	// ErrAlreadyRunning is returned by Start on a broker that is listening.
	ErrAlreadyRunning = errors.New("broker: already running")

	// ErrMalformedFrame is returned when a frame header cannot be decoded.
	// The stream cannot be resynchronised after this error.
	ErrMalformedFrame = errors.New("broker: malformed frame")

	// ErrFrameTooLarge is returned when a frame exceeds the configured
	// maximum. The frame body has been discarded and the stream is still
	// usable.
	ErrFrameTooLarge = errors.New("broker: frame too large")
)
