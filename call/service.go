package call

import (
	"context"
	"errors"
	"sync"

	"github.com/TFMV/hearthcall/common"
	"github.com/TFMV/hearthcall/media"
	"github.com/TFMV/hearthcall/room"
	"github.com/TFMV/hearthcall/signaling"
	"go.uber.org/zap"
)

// openNotifier is implemented by channels that report every successful (re)open
type openNotifier interface {
	OnOpen(fn func())
}

// Service is the caller-facing video call API for one room and local identity.
// It wires local media, the signaling transport, the controller and the
// membership watcher together.
type Service struct {
	logger     *zap.Logger
	config     common.CallConfig
	media      *media.Manager
	transport  *signaling.Transport
	controller *Controller
	membership room.MembershipClient

	mu      sync.Mutex
	roomID  common.ID
	localID common.ID
	watcher *room.Watcher
}

// NewService creates a service. membership may be nil when the room service
// pushes participants_update messages instead of being polled.
func NewService(logger *zap.Logger, config common.CallConfig, factory PeerFactory, provider media.DeviceProvider, membership room.MembershipClient) *Service {
	mediaMgr := media.NewManager(logger.Named("media"), provider)
	transport := signaling.NewTransport(logger.Named("signaling"))

	s := &Service{
		logger:     logger,
		config:     config,
		media:      mediaMgr,
		transport:  transport,
		controller: NewController(logger.Named("controller"), factory, mediaMgr, transport, config),
		membership: membership,
	}

	mediaMgr.OnScreenShareChange(s.announceScreenShare)
	s.controller.OnOfferExpired(s.retryOffer)
	transport.OnMessage(s.handleMembership)
	return s
}

// Initialize opens the call session for roomID as localID and acquires the
// camera and microphone. Calling it again for the same pair returns the
// current camera stream. The stream is nil, with no error, when the call was
// stopped while the camera was being acquired.
func (s *Service) Initialize(ctx context.Context, roomID, localID common.ID) (*media.Stream, error) {
	s.controller.Open(roomID, localID)

	s.mu.Lock()
	if s.roomID != roomID || s.localID != localID || s.watcher == nil {
		s.roomID = roomID
		s.localID = localID
		s.watcher = room.NewWatcher(s.logger.Named("watcher"), s.membership, localID, s.controller, s.config.PollInterval)
	}
	s.mu.Unlock()

	if stream := s.media.CameraStream(); stream != nil {
		return stream, nil
	}
	stream, err := s.media.AcquireCamera(ctx, "")
	if errors.Is(err, media.ErrSuperseded) {
		s.logger.Debug("Camera acquisition discarded, call was stopped", zap.String("roomID", roomID.String()))
		return nil, nil
	}
	if err != nil {
		s.logger.Error("Failed to acquire camera", zap.String("roomID", roomID.String()), zap.Error(err))
		return nil, err
	}
	return stream, nil
}

// SetSignalingSocket injects the shared room channel. Channels that report
// reconnects rearm the membership watcher so the initiator offers again.
func (s *Service) SetSignalingSocket(ch signaling.Channel) {
	s.transport.SetChannel(ch)
	if n, ok := ch.(openNotifier); ok {
		n.OnOpen(s.rearm)
	}
}

// SetCallbacks sets the event callbacks
func (s *Service) SetCallbacks(cb Callbacks) {
	s.controller.SetCallbacks(cb)
}

// Watch watches room membership until ctx is cancelled and starts the call on
// the initiator side when a second participant joins
func (s *Service) Watch(ctx context.Context) error {
	s.mu.Lock()
	w := s.watcher
	roomID := s.roomID
	s.mu.Unlock()

	if w == nil {
		return ErrNoSession
	}
	return w.Watch(ctx, roomID, func() { s.onSecondParticipant(ctx) })
}

// CreateOffer starts a negotiation
func (s *Service) CreateOffer(ctx context.Context) error {
	return s.controller.CreateOffer(ctx)
}

// HandleOffer answers a remote offer
func (s *Service) HandleOffer(ctx context.Context, msg signaling.Offer) error {
	return s.controller.HandleOffer(ctx, msg)
}

// HandleAnswer applies a remote answer
func (s *Service) HandleAnswer(ctx context.Context, msg signaling.Answer) error {
	return s.controller.HandleAnswer(ctx, msg)
}

// HandleICECandidate applies or buffers a remote candidate
func (s *Service) HandleICECandidate(ctx context.Context, msg signaling.ICECandidate) error {
	return s.controller.HandleICECandidate(ctx, msg)
}

// ToggleMute flips the microphone and returns true when it is now muted
func (s *Service) ToggleMute() (bool, error) {
	return s.media.ToggleMute()
}

// ToggleVideo flips the camera video and returns true when it is now enabled
func (s *Service) ToggleVideo() (bool, error) {
	return s.media.ToggleVideo()
}

// ToggleScreenShare starts or stops screen sharing and returns true when sharing
func (s *Service) ToggleScreenShare(ctx context.Context) (bool, error) {
	if s.media.IsScreenSharing() {
		_, err := s.media.StopScreenShare(ctx)
		return false, err
	}
	if _, err := s.media.StartScreenShare(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// SwitchCamera moves to the next camera without renegotiating
func (s *Service) SwitchCamera(ctx context.Context) (*media.Stream, error) {
	return s.media.SwitchCamera(ctx)
}

// StopVideoCall closes the session and stops every local track
func (s *Service) StopVideoCall() {
	s.controller.Close()
}

// Session returns a snapshot of the call session
func (s *Service) Session() (SessionInfo, bool) {
	return s.controller.Session()
}

// Media returns the device manager, shared with any camera preview
func (s *Service) Media() *media.Manager {
	return s.media
}

// Controller returns the call state machine
func (s *Service) Controller() *Controller {
	return s.controller
}

func (s *Service) onSecondParticipant(ctx context.Context) {
	info, ok := s.controller.Session()
	if !ok {
		return
	}
	switch info.CallState() {
	case common.CallStateNew, common.CallStateClosed:
	default:
		s.logger.Debug("Call already underway, not offering", zap.String("state", info.State))
		return
	}

	if err := s.controller.CreateOffer(ctx); err != nil {
		if errors.Is(err, ErrOfferInFlight) {
			return
		}
		s.logger.Error("Failed to start call", zap.String("roomID", info.RoomID.String()), zap.Error(err))
	}
}

func (s *Service) handleMembership(m signaling.Message) {
	update, ok := m.(signaling.ParticipantsUpdate)
	if !ok {
		return
	}

	s.mu.Lock()
	w := s.watcher
	localID := s.localID
	s.mu.Unlock()

	if w == nil || (!update.UserID.IsZero() && update.UserID == localID) {
		return
	}
	w.Observe(update.RoomID, update.Participants)
}

func (s *Service) rearm() {
	s.mu.Lock()
	w := s.watcher
	s.mu.Unlock()
	if w != nil {
		w.Rearm()
	}
}

// retryOffer lets the watcher start the call again after an unanswered offer
func (s *Service) retryOffer() {
	s.mu.Lock()
	w := s.watcher
	s.mu.Unlock()
	if w != nil {
		w.Retry()
	}
}

func (s *Service) announceScreenShare(active bool) {
	s.mu.Lock()
	header := signaling.Header{RoomID: s.roomID, UserID: s.localID}
	s.mu.Unlock()

	var msg signaling.Message = signaling.ScreenShareStop{Header: header}
	if active {
		msg = signaling.ScreenShareStart{Header: header}
	}
	if err := s.transport.Send(msg); err != nil {
		s.logger.Debug("Screen share notice dropped", zap.Error(err))
	}
}
