// Package call drives offer/answer/ICE negotiation for one video call per room.
package call

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/TFMV/hearthcall/common"
	"github.com/TFMV/hearthcall/media"
	"github.com/TFMV/hearthcall/metrics"
	"github.com/TFMV/hearthcall/signaling"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	// DefaultDisconnectDwell is how long a disconnected call may recover before it is closed
	DefaultDisconnectDwell = 10 * time.Second

	// DefaultOfferTimeout is how long a sent offer may wait for its answer
	DefaultOfferTimeout = 15 * time.Second
)

// Callbacks receive call events. Connection and ICE states are passed through
// exactly as the peer connection reports them.
type Callbacks struct {
	OnRemoteStreamReceived     func(track RemoteTrack)
	OnConnectionStateChange    func(state webrtc.PeerConnectionState)
	OnICEConnectionStateChange func(state webrtc.ICEConnectionState)
	OnRemoteScreenShare        func(active bool)
	OnStateChange              func(state common.CallState)
}

// SessionInfo is a snapshot of the call session
type SessionInfo struct {
	ID                 string         `json:"id"`
	RoomID             common.ID      `json:"room_id"`
	LocalID            common.ID      `json:"local_id"`
	RemoteID           common.ID      `json:"remote_id,omitempty"`
	Role               string         `json:"role"`
	State              string         `json:"state"`
	ConnectionState    string         `json:"connection_state"`
	ICEConnectionState string         `json:"ice_connection_state"`
	OfferPending       bool           `json:"offer_pending"`
	PendingCandidates  int            `json:"pending_candidates"`
	CreatedAt          time.Time      `json:"created_at"`
	callState          common.CallState
	role               common.Role
}

// CallState returns the controller state of the snapshot
func (i SessionInfo) CallState() common.CallState { return i.callState }

// CallRole returns the negotiated role of the snapshot
func (i SessionInfo) CallRole() common.Role { return i.role }

// session is the single call session of a controller
type session struct {
	id        string
	roomID    common.ID
	localID   common.ID
	remoteID  common.ID
	role      common.Role
	state     common.CallState
	connState webrtc.PeerConnectionState
	iceState  webrtc.ICEConnectionState
	createdAt time.Time

	pc                PeerConnection
	offerPending      bool
	offerStarted      time.Time
	remoteDescSet     bool
	pendingCandidates []webrtc.ICECandidateInit
	dwellTimer        *time.Timer
	offerTimer        *time.Timer
}

// Controller is the call state machine. Negotiation steps run one at a time;
// peer connection events may arrive concurrently and are checked against the
// current session before they are applied.
type Controller struct {
	logger    *zap.Logger
	factory   PeerFactory
	media     *media.Manager
	transport *signaling.Transport
	dwell     time.Duration
	offerWait time.Duration
	tracer    trace.Tracer

	// opMu serializes negotiation steps
	opMu sync.Mutex

	mu             sync.Mutex
	session        *session
	callbacks      Callbacks
	onOfferExpired func()
}

// NewController creates a controller and subscribes it to the transport. The
// disconnect dwell and offer timeout come from config.
func NewController(logger *zap.Logger, factory PeerFactory, mediaMgr *media.Manager, transport *signaling.Transport, config common.CallConfig) *Controller {
	dwell := config.DisconnectDwell
	if dwell <= 0 {
		dwell = DefaultDisconnectDwell
	}
	offerWait := config.OfferTimeout
	if offerWait <= 0 {
		offerWait = DefaultOfferTimeout
	}
	c := &Controller{
		logger:    logger,
		factory:   factory,
		media:     mediaMgr,
		transport: transport,
		dwell:     dwell,
		offerWait: offerWait,
		tracer:    otel.Tracer("hearthcall/call"),
	}
	transport.OnMessage(c.Dispatch)
	return c
}

// SetCallbacks replaces the event callbacks
func (c *Controller) SetCallbacks(cb Callbacks) {
	c.mu.Lock()
	c.callbacks = cb
	c.mu.Unlock()
}

// OnOfferExpired registers fn to run after an unanswered offer is abandoned
func (c *Controller) OnOfferExpired(fn func()) {
	c.mu.Lock()
	c.onOfferExpired = fn
	c.mu.Unlock()
}

// Open returns the session for (roomID, localID), creating it if needed. A
// session for a different pair is closed first.
func (c *Controller) Open(roomID, localID common.ID) SessionInfo {
	c.mu.Lock()
	if s := c.session; s != nil {
		if s.roomID == roomID && s.localID == localID {
			info := s.info()
			c.mu.Unlock()
			return info
		}
		c.mu.Unlock()
		c.Close()
		c.mu.Lock()
	}

	s := &session{
		id:        uuid.NewString(),
		roomID:    roomID,
		localID:   localID,
		state:     common.CallStateNew,
		connState: webrtc.PeerConnectionStateNew,
		iceState:  webrtc.ICEConnectionStateNew,
		createdAt: time.Now(),
	}
	c.session = s
	info := s.info()
	c.mu.Unlock()

	metrics.ActiveSessions.Inc()
	c.logger.Info("Call session opened",
		zap.String("sessionID", s.id),
		zap.String("roomID", roomID.String()),
		zap.String("localID", localID.String()))
	return info
}

// Session returns a snapshot of the current session
func (c *Controller) Session() (SessionInfo, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return SessionInfo{}, false
	}
	return c.session.info(), true
}

// OfferInFlight reports whether a local offer awaits an answer
func (c *Controller) OfferInFlight() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session != nil && c.session.offerPending
}

// ResolveRole locks the session role the first time a definite role is seen
// and returns the role the session holds.
func (c *Controller) ResolveRole(role common.Role) common.Role {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.session
	if s == nil {
		return role
	}
	if s.role == common.RoleUndetermined && role != common.RoleUndetermined {
		s.role = role
		c.logger.Info("Call role resolved",
			zap.String("sessionID", s.id),
			zap.String("role", role.String()))
	}
	return s.role
}

// CreateOffer starts a negotiation from the new, closed or failed state. It
// fails with ErrOfferInFlight while a previous offer awaits its answer.
func (c *Controller) CreateOffer(ctx context.Context) error {
	return c.createOffer(ctx, false)
}

// ForceOffer creates a new offer even when one is already in flight or the
// call is established
func (c *Controller) ForceOffer(ctx context.Context) error {
	return c.createOffer(ctx, true)
}

func (c *Controller) createOffer(ctx context.Context, force bool) error {
	_, span := c.tracer.Start(ctx, "CreateOffer")
	defer span.End()

	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	s := c.session
	if s == nil {
		c.mu.Unlock()
		return ErrNoSession
	}
	span.SetAttributes(attribute.String("room_id", s.roomID.String()), attribute.Bool("forced", force))
	if s.offerPending && !force {
		c.mu.Unlock()
		return ErrOfferInFlight
	}
	if !force && !canOffer(s.state) {
		state := s.state
		c.mu.Unlock()
		return fmt.Errorf("%w: cannot offer from %s", ErrInvalidState, state)
	}

	tracks := c.media.OutboundTracks()
	if len(tracks) == 0 {
		c.mu.Unlock()
		err := fmt.Errorf("%w: local media not acquired", ErrOfferCreationFailed)
		recordError(span, err)
		return err
	}

	s.offerPending = true
	s.offerStarted = time.Now()
	pc := s.pc
	fresh := pc == nil || s.state == common.CallStateClosed || s.state == common.CallStateFailed
	if fresh {
		s.pc = nil
		s.remoteDescSet = false
		s.pendingCandidates = nil
		c.stopDwellLocked(s)
	}
	c.mu.Unlock()

	if fresh {
		if pc != nil {
			_ = pc.Close()
		}
		var err error
		pc, err = c.newPeer(s, tracks)
		if errors.Is(err, ErrStaleOperation) {
			return nil
		}
		if err != nil {
			c.clearOffer(s)
			err = fmt.Errorf("%w: %v", ErrOfferCreationFailed, err)
			recordError(span, err)
			return err
		}
	}

	offer, err := pc.CreateOffer()
	if err == nil {
		err = pc.SetLocalDescription(offer)
	}

	c.mu.Lock()
	if !c.currentLocked(s, pc) {
		c.mu.Unlock()
		c.logger.Debug("Discarding offer for a closed session", zap.String("sessionID", s.id))
		return nil
	}
	if err != nil {
		s.offerPending = false
		c.mu.Unlock()
		err = fmt.Errorf("%w: %v", ErrOfferCreationFailed, err)
		recordError(span, err)
		return err
	}
	prev := s.state
	s.state = common.CallStateHaveLocalOffer
	msg := signaling.Offer{
		Header:      signaling.Header{RoomID: s.roomID, UserID: s.localID},
		Description: offer,
	}
	c.mu.Unlock()
	c.notifyState(prev, common.CallStateHaveLocalOffer)

	if err := c.transport.Send(msg); err != nil {
		// The offer never left; undo it so a later attempt is not blocked
		if rbErr := pc.Rollback(); rbErr != nil {
			c.logger.Warn("Failed to roll back unsent offer", zap.Error(rbErr))
		}
		c.mu.Lock()
		if c.currentLocked(s, pc) {
			s.offerPending = false
			s.state = prev
		}
		c.mu.Unlock()
		c.notifyState(common.CallStateHaveLocalOffer, prev)
		recordError(span, err)
		return err
	}

	c.mu.Lock()
	if c.currentLocked(s, pc) && s.offerPending {
		c.stopOfferTimerLocked(s)
		s.offerTimer = time.AfterFunc(c.offerWait, func() { c.expireOffer(s, pc) })
	}
	c.mu.Unlock()

	metrics.OffersSent.Inc()
	c.logger.Info("Sent offer",
		zap.String("sessionID", s.id),
		zap.String("roomID", s.roomID.String()),
		zap.Bool("forced", force))
	return nil
}

// HandleOffer answers a remote offer. Offers from the local identity are
// ignored. When a local offer is pending, the initiator keeps its own offer and
// ignores this one; otherwise the local offer is rolled back and answered over.
func (c *Controller) HandleOffer(ctx context.Context, msg signaling.Offer) error {
	_, span := c.tracer.Start(ctx, "HandleOffer")
	defer span.End()

	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	s := c.session
	if !c.acceptLocked(s, msg) {
		c.mu.Unlock()
		return nil
	}
	span.SetAttributes(attribute.String("room_id", s.roomID.String()), attribute.String("remote_id", msg.UserID.String()))

	rollback := false
	if s.offerPending {
		if keepLocalOffer(s.role, s.localID, msg.UserID) {
			c.mu.Unlock()
			metrics.GlareResolved.WithLabelValues("kept").Inc()
			c.logger.Info("Glare: keeping local offer",
				zap.String("sessionID", s.id),
				zap.String("role", s.role.String()),
				zap.String("remoteID", msg.UserID.String()))
			return nil
		}
		metrics.GlareResolved.WithLabelValues("yielded").Inc()
		c.logger.Info("Glare: discarding local offer",
			zap.String("sessionID", s.id),
			zap.String("role", s.role.String()),
			zap.String("remoteID", msg.UserID.String()))
		s.offerPending = false
		c.stopOfferTimerLocked(s)
		rollback = true
	}

	pc := s.pc
	fresh := pc == nil || s.state == common.CallStateClosed || s.state == common.CallStateFailed
	if fresh {
		s.pc = nil
		s.remoteDescSet = false
		rollback = false
		c.stopDwellLocked(s)
	}
	s.remoteID = msg.UserID
	c.mu.Unlock()

	if fresh {
		if pc != nil {
			_ = pc.Close()
		}
		var err error
		pc, err = c.newPeer(s, c.media.OutboundTracks())
		if errors.Is(err, ErrStaleOperation) {
			return nil
		}
		if err != nil {
			err = fmt.Errorf("%w: %v", ErrNegotiationFailed, err)
			recordError(span, err)
			return err
		}
	}

	if rollback {
		if err := pc.Rollback(); err != nil {
			// Answer from a fresh connection instead; buffered candidates are kept
			c.logger.Warn("Failed to roll back local offer, replacing peer connection",
				zap.String("sessionID", s.id),
				zap.Error(err))
			c.mu.Lock()
			if !c.currentLocked(s, pc) {
				c.mu.Unlock()
				return nil
			}
			s.pc = nil
			s.remoteDescSet = false
			c.mu.Unlock()
			_ = pc.Close()

			pc, err = c.newPeer(s, c.media.OutboundTracks())
			if errors.Is(err, ErrStaleOperation) {
				return nil
			}
			if err != nil {
				err = fmt.Errorf("%w: %v", ErrNegotiationFailed, err)
				recordError(span, err)
				return err
			}
		}
	}

	if err := pc.SetRemoteDescription(msg.Description); err != nil {
		err = fmt.Errorf("%w: %v", ErrNegotiationFailed, err)
		c.fail(s, pc, err)
		recordError(span, err)
		return err
	}

	pending, ok := c.markRemoteDescription(s, pc, common.CallStateHaveRemoteOffer)
	if !ok {
		return nil
	}
	c.applyCandidates(s, pc, pending)

	answer, err := pc.CreateAnswer()
	if err == nil {
		err = pc.SetLocalDescription(answer)
	}
	if err != nil {
		err = fmt.Errorf("%w: %v", ErrNegotiationFailed, err)
		c.fail(s, pc, err)
		recordError(span, err)
		return err
	}

	c.mu.Lock()
	if !c.currentLocked(s, pc) {
		c.mu.Unlock()
		return nil
	}
	prev := s.state
	if s.state == common.CallStateHaveRemoteOffer {
		s.state = common.CallStateNegotiating
	}
	next := s.state
	reply := signaling.Answer{
		Header:       signaling.Header{RoomID: s.roomID, UserID: s.localID},
		Description:  answer,
		TargetUserID: msg.UserID,
	}
	c.mu.Unlock()
	c.notifyState(prev, next)

	if err := c.transport.Send(reply); err != nil {
		c.logger.Debug("Answer dropped", zap.Error(err))
		return nil
	}
	metrics.AnswersSent.Inc()
	c.logger.Info("Sent answer",
		zap.String("sessionID", s.id),
		zap.String("remoteID", msg.UserID.String()))
	return nil
}

// HandleAnswer applies the answer to the pending local offer. Answers with no
// pending offer are ignored.
func (c *Controller) HandleAnswer(ctx context.Context, msg signaling.Answer) error {
	_, span := c.tracer.Start(ctx, "HandleAnswer")
	defer span.End()

	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	s := c.session
	if !c.acceptLocked(s, msg) {
		c.mu.Unlock()
		return nil
	}
	if !msg.TargetUserID.IsZero() && msg.TargetUserID != s.localID {
		c.mu.Unlock()
		return nil
	}
	if !s.offerPending || s.pc == nil {
		c.mu.Unlock()
		c.logger.Debug("Ignoring answer without a pending offer", zap.String("sessionID", s.id))
		return nil
	}
	pc := s.pc
	s.remoteID = msg.UserID
	c.mu.Unlock()

	span.SetAttributes(attribute.String("room_id", s.roomID.String()), attribute.String("remote_id", msg.UserID.String()))

	if err := pc.SetRemoteDescription(msg.Description); err != nil {
		err = fmt.Errorf("%w: %v", ErrNegotiationFailed, err)
		c.fail(s, pc, err)
		recordError(span, err)
		return err
	}

	pending, ok := c.markRemoteDescription(s, pc, common.CallStateNegotiating)
	if !ok {
		return nil
	}
	c.applyCandidates(s, pc, pending)

	c.logger.Info("Applied answer",
		zap.String("sessionID", s.id),
		zap.String("remoteID", msg.UserID.String()))
	return nil
}

// HandleICECandidate applies a remote candidate, or buffers it until the
// remote description is set
func (c *Controller) HandleICECandidate(ctx context.Context, msg signaling.ICECandidate) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	s := c.session
	if !c.acceptLocked(s, msg) {
		c.mu.Unlock()
		return nil
	}
	if s.pc == nil || !s.remoteDescSet {
		s.pendingCandidates = append(s.pendingCandidates, msg.Candidate)
		c.mu.Unlock()
		metrics.CandidatesBuffered.Inc()
		c.logger.Debug("Buffered ICE candidate", zap.String("sessionID", s.id))
		return nil
	}
	pc := s.pc
	c.mu.Unlock()

	if err := pc.AddICECandidate(msg.Candidate); err != nil {
		c.logger.Warn("Failed to add ICE candidate", zap.String("sessionID", s.id), zap.Error(err))
		return fmt.Errorf("failed to add ICE candidate: %w", err)
	}
	return nil
}

// Dispatch routes an inbound signaling message. Messages sent by the local
// identity or for another room are dropped.
func (c *Controller) Dispatch(m signaling.Message) {
	ctx := context.Background()
	var err error

	switch msg := m.(type) {
	case signaling.Offer:
		err = c.HandleOffer(ctx, msg)
	case signaling.Answer:
		err = c.HandleAnswer(ctx, msg)
	case signaling.ICECandidate:
		err = c.HandleICECandidate(ctx, msg)
	case signaling.ScreenShareStart:
		c.handleRemoteScreenShare(msg, true)
	case signaling.ScreenShareStop:
		c.handleRemoteScreenShare(msg, false)
	case signaling.ParticipantsUpdate:
		// Membership is consumed by the room watcher
	}

	if err != nil {
		c.logger.Error("Failed to handle signaling message",
			zap.String("kind", string(m.Kind())),
			zap.String("senderID", m.Sender().String()),
			zap.Error(err))
	}
}

func (c *Controller) handleRemoteScreenShare(msg signaling.Message, active bool) {
	c.mu.Lock()
	s := c.session
	if !c.acceptLocked(s, msg) {
		c.mu.Unlock()
		return
	}
	cb := c.callbacks.OnRemoteScreenShare
	c.mu.Unlock()

	c.logger.Info("Remote screen share changed",
		zap.String("remoteID", msg.Sender().String()),
		zap.Bool("active", active))
	if cb != nil {
		cb(active)
	}
}

// Close destroys the session: local tracks are stopped before Close returns
// and any negotiation still running is discarded when it resumes.
func (c *Controller) Close() {
	c.mu.Lock()
	s := c.session
	c.session = nil
	if s == nil {
		c.mu.Unlock()
		return
	}
	pc := s.pc
	s.pc = nil
	prev := s.state
	s.state = common.CallStateClosed
	s.offerPending = false
	c.stopDwellLocked(s)
	c.stopOfferTimerLocked(s)
	cb := c.callbacks.OnStateChange
	c.mu.Unlock()

	c.media.StopAll()
	if pc != nil {
		_ = pc.Close()
	}
	metrics.ActiveSessions.Dec()

	c.logger.Info("Call session closed", zap.String("sessionID", s.id))
	if cb != nil && prev != common.CallStateClosed {
		cb(common.CallStateClosed)
	}
}

// newPeer creates a peer connection for s, adds the outbound tracks, and
// installs it as the session's connection
func (c *Controller) newPeer(s *session, tracks []*media.LocalTrack) (PeerConnection, error) {
	pc, err := c.factory()
	if err != nil {
		return nil, err
	}

	c.media.DetachSenders()
	for _, track := range tracks {
		sender, err := pc.AddTrack(track)
		if err != nil {
			_ = pc.Close()
			return nil, fmt.Errorf("failed to add %s track: %w", track.Kind(), err)
		}
		c.media.AttachSender(track.Kind(), sender)
	}

	pc.OnICECandidate(func(candidate webrtc.ICECandidateInit) {
		c.onLocalCandidate(s, pc, candidate)
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		c.onConnectionState(s, pc, state)
	})
	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		c.onICEState(s, pc, state)
	})
	pc.OnTrack(func(track RemoteTrack) {
		c.onTrack(s, pc, track)
	})

	c.mu.Lock()
	if c.session != s {
		c.mu.Unlock()
		_ = pc.Close()
		return nil, ErrStaleOperation
	}
	s.pc = pc
	c.mu.Unlock()
	return pc, nil
}

func (c *Controller) onLocalCandidate(s *session, pc PeerConnection, candidate webrtc.ICECandidateInit) {
	c.mu.Lock()
	if !c.currentLocked(s, pc) {
		c.mu.Unlock()
		return
	}
	msg := signaling.ICECandidate{
		Header:    signaling.Header{RoomID: s.roomID, UserID: s.localID},
		Candidate: candidate,
	}
	c.mu.Unlock()

	if err := c.transport.Send(msg); err != nil {
		c.logger.Debug("ICE candidate dropped", zap.Error(err))
	}
}

func (c *Controller) onConnectionState(s *session, pc PeerConnection, state webrtc.PeerConnectionState) {
	c.mu.Lock()
	if !c.currentLocked(s, pc) {
		c.mu.Unlock()
		return
	}
	s.connState = state
	prev := s.state

	switch state {
	case webrtc.PeerConnectionStateConnecting:
		if s.state == common.CallStateDisconnected {
			s.state = common.CallStateNegotiating
		}
	case webrtc.PeerConnectionStateConnected:
		c.stopDwellLocked(s)
		if !s.offerStarted.IsZero() {
			metrics.NegotiationLatency.Observe(time.Since(s.offerStarted).Seconds())
			s.offerStarted = time.Time{}
		}
		s.state = common.CallStateConnected
	case webrtc.PeerConnectionStateDisconnected:
		s.state = common.CallStateDisconnected
		if s.dwellTimer == nil {
			s.dwellTimer = time.AfterFunc(c.dwell, func() { c.expireDwell(s, pc) })
		}
	case webrtc.PeerConnectionStateFailed:
		c.stopDwellLocked(s)
		c.stopOfferTimerLocked(s)
		s.offerPending = false
		s.state = common.CallStateFailed
	case webrtc.PeerConnectionStateClosed:
		c.stopDwellLocked(s)
		s.state = common.CallStateClosed
	}
	next := s.state
	cb := c.callbacks.OnConnectionStateChange
	c.mu.Unlock()

	c.logger.Info("Connection state changed",
		zap.String("sessionID", s.id),
		zap.String("state", state.String()))
	if state == webrtc.PeerConnectionStateFailed {
		c.logger.Warn("Call failed", zap.String("sessionID", s.id), zap.Error(ErrNegotiationFailed))
	}

	if cb != nil {
		cb(state)
	}
	c.notifyState(prev, next)
}

// expireDwell closes a connection that stayed disconnected for the dwell time
func (c *Controller) expireDwell(s *session, pc PeerConnection) {
	c.mu.Lock()
	if !c.currentLocked(s, pc) || s.state != common.CallStateDisconnected {
		c.mu.Unlock()
		return
	}
	s.dwellTimer = nil
	s.pc = nil
	s.offerPending = false
	c.stopOfferTimerLocked(s)
	s.remoteDescSet = false
	s.pendingCandidates = nil
	s.state = common.CallStateClosed
	c.mu.Unlock()

	c.logger.Info("Closing call after disconnect dwell",
		zap.String("sessionID", s.id),
		zap.Duration("dwell", c.dwell))

	c.media.DetachSenders()
	_ = pc.Close()
	c.notifyState(common.CallStateDisconnected, common.CallStateClosed)
}

// expireOffer abandons an offer that got no answer in time. The connection is
// dropped so the next offer starts from scratch.
func (c *Controller) expireOffer(s *session, pc PeerConnection) {
	c.mu.Lock()
	if !c.currentLocked(s, pc) || !s.offerPending || s.state != common.CallStateHaveLocalOffer {
		c.mu.Unlock()
		return
	}
	s.offerTimer = nil
	s.pc = nil
	s.offerPending = false
	s.remoteDescSet = false
	s.pendingCandidates = nil
	s.state = common.CallStateClosed
	hook := c.onOfferExpired
	c.mu.Unlock()

	metrics.OffersExpired.Inc()
	c.logger.Warn("Offer got no answer, abandoning it",
		zap.String("sessionID", s.id),
		zap.Duration("timeout", c.offerWait))

	c.media.DetachSenders()
	_ = pc.Close()
	c.notifyState(common.CallStateHaveLocalOffer, common.CallStateClosed)
	if hook != nil {
		hook()
	}
}

func (c *Controller) onICEState(s *session, pc PeerConnection, state webrtc.ICEConnectionState) {
	c.mu.Lock()
	if !c.currentLocked(s, pc) {
		c.mu.Unlock()
		return
	}
	s.iceState = state
	cb := c.callbacks.OnICEConnectionStateChange
	c.mu.Unlock()

	c.logger.Debug("ICE connection state changed",
		zap.String("sessionID", s.id),
		zap.String("state", state.String()))
	if cb != nil {
		cb(state)
	}
}

func (c *Controller) onTrack(s *session, pc PeerConnection, track RemoteTrack) {
	c.mu.Lock()
	if !c.currentLocked(s, pc) {
		c.mu.Unlock()
		return
	}
	cb := c.callbacks.OnRemoteStreamReceived
	c.mu.Unlock()

	c.logger.Info("Remote track received",
		zap.String("sessionID", s.id),
		zap.String("kind", track.Kind().String()),
		zap.String("streamID", track.StreamID()))
	if cb != nil {
		cb(track)
	}
}

// markRemoteDescription records that pc has a remote description and returns
// the buffered candidates to apply. ok is false when the session went stale.
func (c *Controller) markRemoteDescription(s *session, pc PeerConnection, state common.CallState) (pending []webrtc.ICECandidateInit, ok bool) {
	c.mu.Lock()
	if !c.currentLocked(s, pc) {
		c.mu.Unlock()
		c.logger.Debug("Discarding remote description for a closed session", zap.String("sessionID", s.id))
		return nil, false
	}
	s.remoteDescSet = true
	s.offerPending = false
	c.stopOfferTimerLocked(s)
	pending = s.pendingCandidates
	s.pendingCandidates = nil
	prev := s.state
	s.state = state
	if s.connState == webrtc.PeerConnectionStateConnected {
		s.state = common.CallStateConnected
	}
	next := s.state
	c.mu.Unlock()

	c.notifyState(prev, next)
	return pending, true
}

// applyCandidates adds buffered candidates in arrival order
func (c *Controller) applyCandidates(s *session, pc PeerConnection, candidates []webrtc.ICECandidateInit) {
	for _, candidate := range candidates {
		if err := pc.AddICECandidate(candidate); err != nil {
			c.logger.Warn("Failed to add buffered ICE candidate", zap.String("sessionID", s.id), zap.Error(err))
		}
	}
	if len(candidates) > 0 {
		c.logger.Debug("Flushed buffered ICE candidates",
			zap.String("sessionID", s.id),
			zap.Int("count", len(candidates)))
	}
}

// fail marks a negotiation failure on a current session
func (c *Controller) fail(s *session, pc PeerConnection, err error) {
	c.mu.Lock()
	if !c.currentLocked(s, pc) {
		c.mu.Unlock()
		return
	}
	prev := s.state
	s.offerPending = false
	c.stopOfferTimerLocked(s)
	s.state = common.CallStateFailed
	c.mu.Unlock()

	c.logger.Error("Negotiation failed", zap.String("sessionID", s.id), zap.Error(err))
	c.notifyState(prev, common.CallStateFailed)
}

// clearOffer releases the in-flight slot taken by an offer that never got created
func (c *Controller) clearOffer(s *session) {
	c.mu.Lock()
	if c.session == s {
		s.offerPending = false
	}
	c.mu.Unlock()
}

func (c *Controller) notifyState(prev, next common.CallState) {
	if prev == next {
		return
	}
	c.mu.Lock()
	cb := c.callbacks.OnStateChange
	c.mu.Unlock()
	if cb != nil {
		cb(next)
	}
}

// acceptLocked filters messages that the session must not act on
func (c *Controller) acceptLocked(s *session, m signaling.Message) bool {
	if s == nil {
		return false
	}
	if m.Sender() == s.localID {
		return false
	}
	return m.Room() == s.roomID
}

// currentLocked reports whether s is still the live session and pc its connection
func (c *Controller) currentLocked(s *session, pc PeerConnection) bool {
	return c.session == s && s.pc == pc
}

func (c *Controller) stopDwellLocked(s *session) {
	if s.dwellTimer != nil {
		s.dwellTimer.Stop()
		s.dwellTimer = nil
	}
}

func (c *Controller) stopOfferTimerLocked(s *session) {
	if s.offerTimer != nil {
		s.offerTimer.Stop()
		s.offerTimer = nil
	}
}

func (s *session) info() SessionInfo {
	return SessionInfo{
		ID:                 s.id,
		RoomID:             s.roomID,
		LocalID:            s.localID,
		RemoteID:           s.remoteID,
		Role:               s.role.String(),
		State:              s.state.String(),
		ConnectionState:    s.connState.String(),
		ICEConnectionState: s.iceState.String(),
		OfferPending:       s.offerPending,
		PendingCandidates:  len(s.pendingCandidates),
		CreatedAt:          s.createdAt,
		callState:          s.state,
		role:               s.role,
	}
}

// canOffer reports whether a fresh offer may start from state
func canOffer(state common.CallState) bool {
	switch state {
	case common.CallStateNew, common.CallStateClosed, common.CallStateFailed:
		return true
	}
	return false
}

// keepLocalOffer decides glare. The initiator keeps its offer and the responder
// yields. Before roles resolve, the peer with the lower id keeps its offer.
func keepLocalOffer(role common.Role, localID, remoteID common.ID) bool {
	switch role {
	case common.RoleInitiator:
		return true
	case common.RoleResponder:
		return false
	}
	return compareIDs(localID, remoteID) < 0
}

// compareIDs orders numeric ids numerically and everything else lexically
func compareIDs(a, b common.ID) int {
	as, bs := a.String(), b.String()
	if isDigits(as) && isDigits(bs) {
		as, bs = strings.TrimLeft(as, "0"), strings.TrimLeft(bs, "0")
		if len(as) != len(bs) {
			if len(as) < len(bs) {
				return -1
			}
			return 1
		}
	}
	return strings.Compare(as, bs)
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func recordError(span trace.Span, err error) {
	if err == nil || errors.Is(err, ErrStaleOperation) {
		return
	}
	span.RecordError(err)
}
