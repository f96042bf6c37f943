package device

import "errors"

// Domain errors for the device directory.
//
// Check with errors.Is:
//
//	if errors.Is(err, device.ErrDeviceNotFound) {
//	    // unknown device
//	}
var (
	// ErrDeviceNotFound is returned when no device matches the id or UUID.
	ErrDeviceNotFound = errors.New("device: not found")

	// ErrInvalidDevice is returned by Upsert for rows that cannot be stored.
	ErrInvalidDevice = errors.New("device: invalid")
)
