package common

import (
	"time"

	"github.com/spf13/viper"
)

// Role is the negotiation role of the local peer in a call
type Role int

const (
	// RoleUndetermined means the room membership has not resolved a role yet
	RoleUndetermined Role = iota
	// RoleInitiator creates offers
	RoleInitiator
	// RoleResponder waits for and answers offers
	RoleResponder
)

// String returns a string representation of the role
func (r Role) String() string {
	switch r {
	case RoleUndetermined:
		return "undetermined"
	case RoleInitiator:
		return "initiator"
	case RoleResponder:
		return "responder"
	default:
		return "unknown"
	}
}

// CallState is the state of the connection controller for one call session
type CallState int

const (
	// CallStateNew indicates a session with no negotiation yet
	CallStateNew CallState = iota
	// CallStateHaveLocalOffer indicates a local offer is awaiting an answer
	CallStateHaveLocalOffer
	// CallStateHaveRemoteOffer indicates a remote offer is being answered
	CallStateHaveRemoteOffer
	// CallStateNegotiating indicates both descriptions are applied and ICE is running
	CallStateNegotiating
	// CallStateConnected indicates media is flowing
	CallStateConnected
	// CallStateDisconnected indicates the connection dropped and may recover
	CallStateDisconnected
	// CallStateFailed indicates negotiation failed
	CallStateFailed
	// CallStateClosed indicates the session is closed
	CallStateClosed
)

// String returns a string representation of the call state
func (s CallState) String() string {
	switch s {
	case CallStateNew:
		return "new"
	case CallStateHaveLocalOffer:
		return "have-local-offer"
	case CallStateHaveRemoteOffer:
		return "have-remote-offer"
	case CallStateNegotiating:
		return "negotiating"
	case CallStateConnected:
		return "connected"
	case CallStateDisconnected:
		return "disconnected"
	case CallStateFailed:
		return "failed"
	case CallStateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// CallConfig contains configuration for video calls
type CallConfig struct {
	STUNServers     []string      `json:"stun_servers"`
	IncludeLoopback bool          `json:"include_loopback"`
	DisconnectDwell time.Duration `json:"disconnect_dwell"`
	OfferTimeout    time.Duration `json:"offer_timeout"`
	PollInterval    time.Duration `json:"poll_interval"`
	RoomAPIURL      string        `json:"room_api_url"`
	SignalingURL    string        `json:"signaling_url"`
	RetryBase       time.Duration `json:"retry_base"`
	RetryMax        time.Duration `json:"retry_max"`
}

// DefaultCallConfig returns a default call configuration
func DefaultCallConfig() CallConfig {
	return CallConfig{
		STUNServers:     []string{"stun:stun.l.google.com:19302", "stun:stun1.l.google.com:19302"},
		DisconnectDwell: 10 * time.Second,
		OfferTimeout:    15 * time.Second,
		PollInterval:    3 * time.Second,
		RoomAPIURL:      "http://localhost:8080/api",
		SignalingURL:    "ws://localhost:8081/ws",
		RetryBase:       time.Second,
		RetryMax:        30 * time.Second,
	}
}

// LoadCallConfig returns the default configuration overlaid with any viper keys that are set
func LoadCallConfig() CallConfig {
	cfg := DefaultCallConfig()

	if servers := viper.GetStringSlice("webrtc.stun_servers"); len(servers) > 0 {
		cfg.STUNServers = servers
	}
	if viper.IsSet("webrtc.include_loopback") {
		cfg.IncludeLoopback = viper.GetBool("webrtc.include_loopback")
	}
	if d := viper.GetDuration("call.disconnect_dwell"); d > 0 {
		cfg.DisconnectDwell = d
	}
	if d := viper.GetDuration("call.offer_timeout"); d > 0 {
		cfg.OfferTimeout = d
	}
	if d := viper.GetDuration("room.poll_interval"); d > 0 {
		cfg.PollInterval = d
	}
	if url := viper.GetString("room.api_url"); url != "" {
		cfg.RoomAPIURL = url
	}
	if url := viper.GetString("signaling.url"); url != "" {
		cfg.SignalingURL = url
	}
	if d := viper.GetDuration("retry.base"); d > 0 {
		cfg.RetryBase = d
	}
	if d := viper.GetDuration("retry.max"); d > 0 {
		cfg.RetryMax = d
	}

	return cfg
}
