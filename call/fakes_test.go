package call

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/TFMV/hearthcall/media"
	"github.com/TFMV/hearthcall/signaling"
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v3"
)

// fakePeer models the signaling state rules of a real peer connection
type fakePeer struct {
	name string

	mu          sync.Mutex
	state       webrtc.SignalingState
	remote      *webrtc.SessionDescription
	offers      int
	events      []string
	candidates  []webrtc.ICECandidateInit
	tracks      []webrtc.TrackLocal
	closed      bool
	beforeOffer func()
	noRollback  bool

	onCandidate func(webrtc.ICECandidateInit)
	onConn      func(webrtc.PeerConnectionState)
	onICE       func(webrtc.ICEConnectionState)
	onTrack     func(RemoteTrack)
}

func (p *fakePeer) record(event string) {
	p.events = append(p.events, event)
}

func (p *fakePeer) log() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.events))
	copy(out, p.events)
	return out
}

func (p *fakePeer) CreateOffer() (webrtc.SessionDescription, error) {
	if hook := p.beforeOffer; hook != nil {
		hook()
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.offers++
	p.record("create offer")
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: fmt.Sprintf("offer %s %d", p.name, p.offers)}, nil
}

func (p *fakePeer) CreateAnswer() (webrtc.SessionDescription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != webrtc.SignalingStateHaveRemoteOffer {
		return webrtc.SessionDescription{}, errors.New("no remote offer")
	}
	p.record("create answer")
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "answer " + p.name}, nil
}

func (p *fakePeer) SetLocalDescription(desc webrtc.SessionDescription) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return errors.New("closed")
	}
	switch desc.Type {
	case webrtc.SDPTypeOffer:
		if p.state != webrtc.SignalingStateStable && p.state != webrtc.SignalingStateHaveLocalOffer {
			p.mu.Unlock()
			return errors.New("local offer in wrong state")
		}
		p.state = webrtc.SignalingStateHaveLocalOffer
	case webrtc.SDPTypeAnswer:
		if p.state != webrtc.SignalingStateHaveRemoteOffer {
			p.mu.Unlock()
			return errors.New("local answer in wrong state")
		}
		p.state = webrtc.SignalingStateStable
	}
	p.record("set local " + desc.Type.String())
	cb := p.onCandidate
	name := p.name
	p.mu.Unlock()

	// Trickle one host candidate per local description
	if cb != nil {
		cb(webrtc.ICECandidateInit{Candidate: "candidate:" + name})
	}
	return nil
}

func (p *fakePeer) SetRemoteDescription(desc webrtc.SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch desc.Type {
	case webrtc.SDPTypeOffer:
		if p.state != webrtc.SignalingStateStable {
			return errors.New("remote offer in wrong state")
		}
		p.state = webrtc.SignalingStateHaveRemoteOffer
	case webrtc.SDPTypeAnswer:
		if p.state != webrtc.SignalingStateHaveLocalOffer {
			return errors.New("remote answer in wrong state")
		}
		p.state = webrtc.SignalingStateStable
	default:
		return errors.New("bad description")
	}
	p.remote = &desc
	p.record("set remote " + desc.Type.String())
	return nil
}

func (p *fakePeer) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.remote == nil {
		return errors.New("remote description not set")
	}
	p.candidates = append(p.candidates, candidate)
	p.record("add " + candidate.Candidate)
	return nil
}

func (p *fakePeer) AddTrack(track webrtc.TrackLocal) (media.TrackSender, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tracks = append(p.tracks, track)
	return &fakeSender{peer: p}, nil
}

func (p *fakePeer) Rollback() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.noRollback {
		return errors.New("rollback not supported")
	}
	if p.state != webrtc.SignalingStateHaveLocalOffer {
		return errors.New("nothing to roll back")
	}
	p.state = webrtc.SignalingStateStable
	p.record("rollback")
	return nil
}

func (p *fakePeer) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	p.mu.Lock()
	p.onCandidate = fn
	p.mu.Unlock()
}

func (p *fakePeer) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	p.mu.Lock()
	p.onConn = fn
	p.mu.Unlock()
}

func (p *fakePeer) OnICEConnectionStateChange(fn func(webrtc.ICEConnectionState)) {
	p.mu.Lock()
	p.onICE = fn
	p.mu.Unlock()
}

func (p *fakePeer) OnTrack(fn func(RemoteTrack)) {
	p.mu.Lock()
	p.onTrack = fn
	p.mu.Unlock()
}

func (p *fakePeer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

// fire reports a connection state change as the media stack would
func (p *fakePeer) fire(state webrtc.PeerConnectionState) {
	p.mu.Lock()
	cb := p.onConn
	p.mu.Unlock()
	if cb != nil {
		cb(state)
	}
}

func (p *fakePeer) fireICE(state webrtc.ICEConnectionState) {
	p.mu.Lock()
	cb := p.onICE
	p.mu.Unlock()
	if cb != nil {
		cb(state)
	}
}

func (p *fakePeer) fireTrack(track RemoteTrack) {
	p.mu.Lock()
	cb := p.onTrack
	p.mu.Unlock()
	if cb != nil {
		cb(track)
	}
}

func (p *fakePeer) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *fakePeer) appliedCandidates() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.candidates))
	for i, c := range p.candidates {
		out[i] = c.Candidate
	}
	return out
}

type fakeSender struct {
	peer *fakePeer
}

func (s *fakeSender) ReplaceTrack(track webrtc.TrackLocal) error {
	s.peer.mu.Lock()
	defer s.peer.mu.Unlock()
	id := "nil"
	if track != nil {
		id = track.ID()
	}
	s.peer.record("replace " + id)
	return nil
}

// fakeFactory hands out fakePeers and keeps them for inspection
type fakeFactory struct {
	name        string
	beforeOffer func()
	noRollback  bool

	mu    sync.Mutex
	peers []*fakePeer
}

func (f *fakeFactory) create() (PeerConnection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p := &fakePeer{name: f.name, state: webrtc.SignalingStateStable, beforeOffer: f.beforeOffer, noRollback: f.noRollback}
	f.peers = append(f.peers, p)
	return p, nil
}

func (f *fakeFactory) last() *fakePeer {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.peers) == 0 {
		return nil
	}
	return f.peers[len(f.peers)-1]
}

func (f *fakeFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.peers)
}

// fakeRemoteTrack is an inbound track with no media
type fakeRemoteTrack struct {
	kind webrtc.RTPCodecType
}

func (t fakeRemoteTrack) ID() string                 { return "remote-" + t.kind.String() }
func (t fakeRemoteTrack) StreamID() string           { return "remote-stream" }
func (t fakeRemoteTrack) Kind() webrtc.RTPCodecType  { return t.kind }
func (t fakeRemoteTrack) Read([]byte) (int, interceptor.Attributes, error) {
	return 0, nil, errors.New("no media")
}

// hub is a room broadcast group: every frame goes to every member, sender
// included, delivered asynchronously and in order per member
type hub struct {
	mu      sync.Mutex
	members []*hubChannel
	frames  [][]byte
	held    bool
	backlog [][]byte
}

func (h *hub) join() *hubChannel {
	ch := &hubChannel{hub: h, open: true, inbox: make(chan []byte, 1024), subs: make(map[int]func([]byte))}
	go ch.run()
	h.mu.Lock()
	h.members = append(h.members, ch)
	h.mu.Unlock()
	return ch
}

func (h *hub) broadcast(data []byte) {
	h.mu.Lock()
	h.frames = append(h.frames, data)
	if h.held {
		h.backlog = append(h.backlog, data)
		h.mu.Unlock()
		return
	}
	members := append([]*hubChannel(nil), h.members...)
	h.mu.Unlock()

	for _, m := range members {
		m.inbox <- data
	}
}

// hold queues frames until release
func (h *hub) hold() {
	h.mu.Lock()
	h.held = true
	h.mu.Unlock()
}

func (h *hub) release() {
	h.mu.Lock()
	h.held = false
	backlog := h.backlog
	h.backlog = nil
	members := append([]*hubChannel(nil), h.members...)
	h.mu.Unlock()

	for _, data := range backlog {
		for _, m := range members {
			m.inbox <- data
		}
	}
}

// sent returns the decoded signaling messages broadcast so far
func (h *hub) sent() []signaling.Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []signaling.Message
	for _, f := range h.frames {
		if m, err := signaling.Decode(f); err == nil {
			out = append(out, m)
		}
	}
	return out
}

func (h *hub) count(kind signaling.Kind) int {
	n := 0
	for _, m := range h.sent() {
		if m.Kind() == kind {
			n++
		}
	}
	return n
}

type hubChannel struct {
	hub   *hub
	inbox chan []byte

	mu     sync.Mutex
	open   bool
	subs   map[int]func([]byte)
	nextID int
	onOpen []func()
}

func (c *hubChannel) run() {
	for data := range c.inbox {
		c.mu.Lock()
		handlers := make([]func([]byte), 0, len(c.subs))
		for _, h := range c.subs {
			handlers = append(handlers, h)
		}
		c.mu.Unlock()
		for _, h := range handlers {
			h(data)
		}
	}
}

func (c *hubChannel) Send(data []byte) error {
	if !c.IsOpen() {
		return errors.New("closed")
	}
	c.hub.broadcast(data)
	return nil
}

func (c *hubChannel) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open
}

func (c *hubChannel) setOpen(open bool) {
	c.mu.Lock()
	c.open = open
	hooks := append([]func(){}, c.onOpen...)
	c.mu.Unlock()
	if open {
		for _, h := range hooks {
			h()
		}
	}
}

func (c *hubChannel) OnOpen(fn func()) {
	c.mu.Lock()
	c.onOpen = append(c.onOpen, fn)
	c.mu.Unlock()
}

func (c *hubChannel) Subscribe(handler func([]byte)) func() {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.subs[id] = handler
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.subs, id)
		c.mu.Unlock()
	}
}

// fakeProvider serves cameras backed by real local tracks. A non-nil gate
// blocks OpenVideoDevice until it is closed; opening reports on entered first.
type fakeProvider struct {
	cameras []media.DeviceInfo
	gate    chan struct{}
	entered chan struct{}
}

func newFakeProvider(ids ...string) *fakeProvider {
	p := &fakeProvider{}
	for _, id := range ids {
		p.cameras = append(p.cameras, media.DeviceInfo{DeviceID: id, Kind: media.DeviceKindVideoInput, Label: id})
	}
	return p
}

func (p *fakeProvider) ListVideoDevices(ctx context.Context) ([]media.DeviceInfo, error) {
	return p.cameras, nil
}

func (p *fakeProvider) OpenVideoDevice(ctx context.Context, deviceID string, streamID string) (*media.LocalTrack, error) {
	if p.gate != nil {
		p.entered <- struct{}{}
		<-p.gate
	}
	return media.NewLocalTrack(webrtc.RTPCodecTypeVideo, deviceID, deviceID, streamID)
}

func (p *fakeProvider) OpenAudioDevice(ctx context.Context, streamID string) (*media.LocalTrack, error) {
	return media.NewLocalTrack(webrtc.RTPCodecTypeAudio, "mic", "mic", streamID)
}

func (p *fakeProvider) CaptureDisplay(ctx context.Context, streamID string) (*media.LocalTrack, error) {
	return media.NewLocalTrack(webrtc.RTPCodecTypeVideo, "display", "display", streamID)
}
