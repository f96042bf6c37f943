package connectivity

import "errors"

var (
	// ErrBrokerPortRequired is returned by EnableBroker when neither the
	// request nor the directory provides a broker port.
	ErrBrokerPortRequired = errors.New("connectivity: broker port required")

	// ErrSocketPortRequired is returned by ConnectDevice when neither the
	// request nor the directory provides a device socket port.
	ErrSocketPortRequired = errors.New("connectivity: socket port required")

	// ErrAlreadyStarted is returned by a second call to Start.
	ErrAlreadyStarted = errors.New("connectivity: already started")
)
