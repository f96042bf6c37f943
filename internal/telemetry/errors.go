package telemetry

import "errors"

var (
	// ErrParse is returned for device frames that are not "field:value" or
	// "device_id:field:value". No event is produced.
	ErrParse = errors.New("telemetry: malformed frame")

	// ErrPersistence wraps sink failures on the immediate-save path. The
	// event is still merged into state and published.
	ErrPersistence = errors.New("telemetry: persistence failed")

	// ErrUnknownTransport is returned when a stored row names a transport
	// this build does not know.
	ErrUnknownTransport = errors.New("telemetry: unknown transport")
)
