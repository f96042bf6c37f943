package proxy

import "errors"

var (
	// ErrBind is returned by CreateProxy when either listener cannot bind.
	ErrBind = errors.New("proxy: bind failed")

	// ErrNotConnected is returned when a command targets a device with no
	// live device socket.
	ErrNotConnected = errors.New("proxy: device not connected")

	// ErrTransportClosed classifies the end of a device or viewer loop.
	ErrTransportClosed = errors.New("proxy: transport closed")

	// ErrPortRange is returned when the viewer port derived from a device
	// id is not a valid TCP port.
	ErrPortRange = errors.New("proxy: viewer port out of range")
)
