package call

import "errors"

var (
	// ErrOfferCreationFailed is returned when a local offer cannot be produced, for example before local media was acquired
	ErrOfferCreationFailed = errors.New("call: offer creation failed")
	// ErrNegotiationFailed is returned when a remote description cannot be applied
	ErrNegotiationFailed = errors.New("call: negotiation failed")
	// ErrStaleOperation marks a continuation that completed after its session was replaced or closed
	ErrStaleOperation = errors.New("call: stale operation")
	// ErrOfferInFlight is returned when an offer is requested while another awaits its answer
	ErrOfferInFlight = errors.New("call: offer already in flight")
	// ErrNoSession is returned when an operation needs a session that was never initialized
	ErrNoSession = errors.New("call: no session")
	// ErrInvalidState is returned when an operation is not valid in the session's current state
	ErrInvalidState = errors.New("call: invalid state")
)
