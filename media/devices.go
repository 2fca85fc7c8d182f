package media

import (
	"context"
)

// DeviceKind represents the type of media device.
type DeviceKind int

const (
	DeviceKindVideoInput DeviceKind = iota // Camera
	DeviceKindAudioInput                   // Microphone
)

func (k DeviceKind) String() string {
	switch k {
	case DeviceKindVideoInput:
		return "videoinput"
	case DeviceKindAudioInput:
		return "audioinput"
	default:
		return "unknown"
	}
}

// DeviceInfo describes a capture device
type DeviceInfo struct {
	DeviceID string
	Kind     DeviceKind
	Label    string
}

// DeviceProvider opens platform capture devices. Errors should wrap
// ErrDeviceAccessDenied or ErrDeviceUnavailable.
type DeviceProvider interface {
	// ListVideoDevices returns available cameras in a stable order
	ListVideoDevices(ctx context.Context) ([]DeviceInfo, error)

	// OpenVideoDevice opens a camera
	OpenVideoDevice(ctx context.Context, deviceID string, streamID string) (*LocalTrack, error)

	// OpenAudioDevice opens the default microphone
	OpenAudioDevice(ctx context.Context, streamID string) (*LocalTrack, error)

	// CaptureDisplay starts a screen capture
	CaptureDisplay(ctx context.Context, streamID string) (*LocalTrack, error)
}
