package signaling

import "errors"

var (
	// ErrChannelUnavailable is returned when a message is sent while no open channel is attached
	ErrChannelUnavailable = errors.New("signaling: channel unavailable")
	// ErrUnknownKind is returned when a frame is not JSON or does not carry a signaling kind
	ErrUnknownKind = errors.New("signaling: unknown message kind")
	// ErrMalformedMessage is returned when a frame names a signaling kind but its payload is missing or invalid
	ErrMalformedMessage = errors.New("signaling: malformed message")
)
