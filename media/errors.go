package media

import "errors"

var (
	// ErrDeviceAccessDenied is returned when the user or platform refuses access to a capture device
	ErrDeviceAccessDenied = errors.New("media: device access denied")
	// ErrDeviceUnavailable is returned when no matching device exists or it cannot be opened
	ErrDeviceUnavailable = errors.New("media: device unavailable")
	// ErrSuperseded is returned when a newer device operation or StopAll overtook this one
	ErrSuperseded = errors.New("media: operation superseded")
	// ErrNoCamera is returned when an operation needs the camera stream before it was acquired
	ErrNoCamera = errors.New("media: camera not acquired")
)
