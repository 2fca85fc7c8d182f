package call

import (
	"errors"
	"fmt"
	"time"

	"github.com/TFMV/hearthcall/common"
	"github.com/TFMV/hearthcall/media"
	"github.com/pion/interceptor"
	"github.com/pion/interceptor/pkg/intervalpli"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

const pliInterval = 3 * time.Second

var errNoLocalOffer = errors.New("no pending local offer to roll back")

// RemoteTrack is an inbound media track
type RemoteTrack interface {
	ID() string
	StreamID() string
	Kind() webrtc.RTPCodecType
	Read(b []byte) (int, interceptor.Attributes, error)
}

// PeerConnection is the media negotiation primitive driven by the controller
type PeerConnection interface {
	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	SetRemoteDescription(desc webrtc.SessionDescription) error
	AddICECandidate(candidate webrtc.ICECandidateInit) error
	AddTrack(track webrtc.TrackLocal) (media.TrackSender, error)

	// Rollback discards a pending local offer
	Rollback() error

	OnICECandidate(fn func(candidate webrtc.ICECandidateInit))
	OnConnectionStateChange(fn func(state webrtc.PeerConnectionState))
	OnICEConnectionStateChange(fn func(state webrtc.ICEConnectionState))
	OnTrack(fn func(track RemoteTrack))

	Close() error
}

// PeerFactory creates a fresh PeerConnection for each negotiation from scratch
type PeerFactory func() (PeerConnection, error)

// NewPionFactory builds a pion API with the default codecs and interceptors plus
// periodic keyframe requests, and returns a factory for peer connections using
// the configured STUN servers.
func NewPionFactory(logger *zap.Logger, config common.CallConfig) (PeerFactory, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("failed to register codecs: %w", err)
	}

	registry := &interceptor.Registry{}
	pli, err := intervalpli.NewReceiverInterceptor(intervalpli.GeneratorInterval(pliInterval))
	if err != nil {
		return nil, fmt.Errorf("failed to create PLI interceptor: %w", err)
	}
	registry.Add(pli)
	if err := webrtc.RegisterDefaultInterceptors(m, registry); err != nil {
		return nil, fmt.Errorf("failed to register interceptors: %w", err)
	}

	settings := webrtc.SettingEngine{LoggerFactory: NewLoggerFactory(logger)}
	settings.SetIncludeLoopbackCandidate(config.IncludeLoopback)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(m),
		webrtc.WithInterceptorRegistry(registry),
		webrtc.WithSettingEngine(settings),
	)

	pcConfig := webrtc.Configuration{}
	if len(config.STUNServers) > 0 {
		pcConfig.ICEServers = []webrtc.ICEServer{{URLs: config.STUNServers}}
	}

	return func() (PeerConnection, error) {
		pc, err := api.NewPeerConnection(pcConfig)
		if err != nil {
			return nil, fmt.Errorf("failed to create peer connection: %w", err)
		}
		return &pionPeer{pc: pc}, nil
	}, nil
}

// pionPeer adapts *webrtc.PeerConnection to PeerConnection
type pionPeer struct {
	pc *webrtc.PeerConnection
}

func (p *pionPeer) CreateOffer() (webrtc.SessionDescription, error) {
	return p.pc.CreateOffer(nil)
}

func (p *pionPeer) CreateAnswer() (webrtc.SessionDescription, error) {
	return p.pc.CreateAnswer(nil)
}

func (p *pionPeer) SetLocalDescription(desc webrtc.SessionDescription) error {
	return p.pc.SetLocalDescription(desc)
}

func (p *pionPeer) SetRemoteDescription(desc webrtc.SessionDescription) error {
	return p.pc.SetRemoteDescription(desc)
}

func (p *pionPeer) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	return p.pc.AddICECandidate(candidate)
}

func (p *pionPeer) AddTrack(track webrtc.TrackLocal) (media.TrackSender, error) {
	sender, err := p.pc.AddTrack(track)
	if err != nil {
		return nil, err
	}

	// RTCP has to be read for the interceptors to run
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()
	return sender, nil
}

// Rollback withdraws the pending local offer. pion only accepts a rollback
// that carries the SDP being withdrawn.
func (p *pionPeer) Rollback() error {
	pending := p.pc.PendingLocalDescription()
	if pending == nil || pending.Type != webrtc.SDPTypeOffer {
		return errNoLocalOffer
	}
	return p.pc.SetLocalDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeRollback, SDP: pending.SDP})
}

func (p *pionPeer) OnICECandidate(fn func(candidate webrtc.ICECandidateInit)) {
	p.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		// nil marks the end of gathering
		if c == nil {
			return
		}
		fn(c.ToJSON())
	})
}

func (p *pionPeer) OnConnectionStateChange(fn func(state webrtc.PeerConnectionState)) {
	p.pc.OnConnectionStateChange(fn)
}

func (p *pionPeer) OnICEConnectionStateChange(fn func(state webrtc.ICEConnectionState)) {
	p.pc.OnICEConnectionStateChange(fn)
}

func (p *pionPeer) OnTrack(fn func(track RemoteTrack)) {
	p.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		fn(track)
	})
}

func (p *pionPeer) Close() error {
	return p.pc.Close()
}
