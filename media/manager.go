// Package media owns local capture for a call: camera, microphone and screen share,
// and swaps the outbound tracks on an established connection without renegotiating.
package media

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/TFMV/hearthcall/metrics"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// TrackSender is the sending half of a negotiated media section
type TrackSender interface {
	ReplaceTrack(track webrtc.TrackLocal) error
}

// Manager is the single owner of local capture. The camera list is kept as an
// arena of devices addressed by index so the call and any preview share one selection.
type Manager struct {
	logger   *zap.Logger
	provider DeviceProvider

	mu         sync.Mutex
	devices    []DeviceInfo
	current    int
	camera     *Stream
	screen     *LocalTrack
	senders    map[webrtc.RTPCodecType]TrackSender

	// cameraGen and screenGen version in-flight device operations. Camera and
	// screen operations only supersede their own kind; StopAll bumps both.
	cameraGen uint64
	screenGen uint64

	onScreenShare func(active bool)
}

// NewManager creates a manager over a device provider
func NewManager(logger *zap.Logger, provider DeviceProvider) *Manager {
	return &Manager{
		logger:   logger,
		provider: provider,
		current:  -1,
		senders:  make(map[webrtc.RTPCodecType]TrackSender),
	}
}

// OnScreenShareChange registers the callback fired when screen sharing starts or stops
func (m *Manager) OnScreenShareChange(fn func(active bool)) {
	m.mu.Lock()
	m.onScreenShare = fn
	m.mu.Unlock()
}

// Cameras returns the cameras found by the last enumeration
func (m *Manager) Cameras() []DeviceInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]DeviceInfo, len(m.devices))
	copy(out, m.devices)
	return out
}

// CurrentCamera returns the selected camera
func (m *Manager) CurrentCamera() (DeviceInfo, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current < 0 || m.current >= len(m.devices) {
		return DeviceInfo{}, false
	}
	return m.devices[m.current], true
}

// CameraStream returns the current camera and microphone stream, or nil
func (m *Manager) CameraStream() *Stream {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.camera
}

// IsScreenSharing reports whether a screen capture is the outbound video
func (m *Manager) IsScreenSharing() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.screen != nil
}

// ActiveVideo returns the binding whose track is currently sent as video
func (m *Manager) ActiveVideo() (TrackBinding, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.activeVideoLocked()
}

func (m *Manager) activeVideoLocked() (TrackBinding, bool) {
	if m.screen != nil {
		return TrackBinding{Role: StreamRoleScreen, Track: m.screen}, true
	}
	if m.camera != nil {
		if v := m.camera.VideoTracks(); len(v) > 0 {
			return TrackBinding{Role: StreamRoleCamera, Track: v[0]}, true
		}
	}
	return TrackBinding{}, false
}

// OutboundTracks returns the tracks to add to a new connection: the active video and the microphone
func (m *Manager) OutboundTracks() []*LocalTrack {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*LocalTrack
	if b, ok := m.activeVideoLocked(); ok {
		out = append(out, b.Track)
	}
	if m.camera != nil {
		out = append(out, m.camera.AudioTracks()...)
	}
	return out
}

// AttachSender records the sender used for outbound tracks of a kind
func (m *Manager) AttachSender(kind webrtc.RTPCodecType, sender TrackSender) {
	m.mu.Lock()
	m.senders[kind] = sender
	m.mu.Unlock()
}

// DetachSenders forgets every sender, typically when the connection closes
func (m *Manager) DetachSenders() {
	m.mu.Lock()
	m.senders = make(map[webrtc.RTPCodecType]TrackSender)
	m.mu.Unlock()
}

// AcquireCamera opens a camera and the microphone. An empty deviceID selects the
// current camera, or the first one. Any previous camera stream is stopped first.
func (m *Manager) AcquireCamera(ctx context.Context, deviceID string) (*Stream, error) {
	devices, err := m.provider.ListVideoDevices(ctx)
	if err != nil {
		return nil, classify(err)
	}
	if len(devices) == 0 {
		return nil, fmt.Errorf("%w: no cameras found", ErrDeviceUnavailable)
	}

	m.mu.Lock()
	m.devices = devices
	index := -1
	for i, d := range devices {
		if d.DeviceID == deviceID {
			index = i
			break
		}
	}
	if index < 0 {
		if deviceID != "" {
			m.mu.Unlock()
			return nil, fmt.Errorf("%w: camera %q not found", ErrDeviceUnavailable, deviceID)
		}
		index = 0
		if m.current >= 0 && m.current < len(devices) {
			index = m.current
		}
	}
	m.mu.Unlock()

	return m.openCamera(ctx, index)
}

// SwitchCamera moves to the next camera in enumeration order, wrapping around.
// With fewer than two cameras it returns the current stream unchanged.
func (m *Manager) SwitchCamera(ctx context.Context) (*Stream, error) {
	devices, err := m.provider.ListVideoDevices(ctx)
	if err != nil {
		return nil, classify(err)
	}

	m.mu.Lock()
	m.devices = devices
	if m.camera == nil {
		m.mu.Unlock()
		return nil, ErrNoCamera
	}
	if len(devices) < 2 {
		stream := m.camera
		m.mu.Unlock()
		m.logger.Debug("Only one camera available, not switching")
		return stream, nil
	}

	// Re-resolve the current device since the list may have changed
	currentID := ""
	if v := m.camera.VideoTracks(); len(v) > 0 {
		currentID = v[0].DeviceID()
	}
	index := 0
	for i, d := range devices {
		if d.DeviceID == currentID {
			index = i
			break
		}
	}
	next := (index + 1) % len(devices)
	m.mu.Unlock()

	return m.openCamera(ctx, next)
}

// openCamera stops the current camera stream and opens devices[index] with the microphone
func (m *Manager) openCamera(ctx context.Context, index int) (*Stream, error) {
	m.mu.Lock()
	m.cameraGen++
	gen := m.cameraGen
	device := m.devices[index]
	prev := m.camera
	m.camera = nil
	m.mu.Unlock()

	videoEnabled, audioEnabled := true, true
	if prev != nil {
		if v := prev.VideoTracks(); len(v) > 0 {
			videoEnabled = v[0].Enabled()
		}
		if a := prev.AudioTracks(); len(a) > 0 {
			audioEnabled = a[0].Enabled()
		}
		prev.Stop()
	}

	streamID := uuid.NewString()
	video, err := m.provider.OpenVideoDevice(ctx, device.DeviceID, streamID)
	if err != nil {
		return nil, classify(err)
	}
	audio, err := m.provider.OpenAudioDevice(ctx, streamID)
	if err != nil {
		video.Stop()
		return nil, classify(err)
	}
	video.SetEnabled(videoEnabled)
	audio.SetEnabled(audioEnabled)
	stream := NewStream(streamID, video, audio)

	m.mu.Lock()
	if m.cameraGen != gen {
		m.mu.Unlock()
		stream.Stop()
		return nil, ErrSuperseded
	}
	m.camera = stream
	m.current = index
	sharing := m.screen != nil
	m.mu.Unlock()

	m.logger.Info("Camera acquired",
		zap.String("deviceID", device.DeviceID),
		zap.String("label", device.Label),
		zap.String("streamID", streamID))

	if !sharing {
		if err := m.ReplaceOutboundTrack(webrtc.RTPCodecTypeVideo, video); err != nil {
			return stream, err
		}
	}
	if err := m.ReplaceOutboundTrack(webrtc.RTPCodecTypeAudio, audio); err != nil {
		return stream, err
	}
	return stream, nil
}

// StartScreenShare captures the display and sends it in place of the camera video.
// Ending the capture from the platform side stops screen sharing.
func (m *Manager) StartScreenShare(ctx context.Context) (*Stream, error) {
	m.mu.Lock()
	if m.screen != nil {
		stream := NewStream(m.screen.StreamID(), m.screen)
		m.mu.Unlock()
		return stream, nil
	}
	m.screenGen++
	gen := m.screenGen
	m.mu.Unlock()

	track, err := m.provider.CaptureDisplay(ctx, uuid.NewString())
	if err != nil {
		return nil, classify(err)
	}

	m.mu.Lock()
	if m.screenGen != gen || m.screen != nil {
		m.mu.Unlock()
		track.Stop()
		return nil, ErrSuperseded
	}
	m.screen = track
	notify := m.onScreenShare
	m.mu.Unlock()

	track.OnStop(func() {
		if _, err := m.StopScreenShare(context.Background()); err != nil {
			m.logger.Warn("Failed to restore camera after screen capture ended", zap.Error(err))
		}
	})

	m.logger.Info("Screen share started", zap.String("trackID", track.ID()))

	if err := m.ReplaceOutboundTrack(webrtc.RTPCodecTypeVideo, track); err != nil {
		return nil, err
	}
	if notify != nil {
		notify(true)
	}
	return NewStream(track.StreamID(), track), nil
}

// StopScreenShare ends the screen capture and restores the camera video. It
// returns the camera stream.
func (m *Manager) StopScreenShare(ctx context.Context) (*Stream, error) {
	m.mu.Lock()
	m.screenGen++
	screen := m.screen
	m.screen = nil
	camera := m.camera
	notify := m.onScreenShare
	m.mu.Unlock()

	if screen == nil {
		return camera, nil
	}
	screen.Stop()

	m.logger.Info("Screen share stopped", zap.String("trackID", screen.ID()))

	var cameraVideo *LocalTrack
	if camera != nil {
		if v := camera.VideoTracks(); len(v) > 0 {
			cameraVideo = v[0]
		}
	}
	err := m.ReplaceOutboundTrack(webrtc.RTPCodecTypeVideo, cameraVideo)
	if notify != nil {
		notify(false)
	}
	if err != nil {
		return camera, err
	}
	return camera, nil
}

// ReplaceOutboundTrack swaps the track on the existing sender for kind. No offer or
// answer is exchanged. Without a sender the call is a no-op.
func (m *Manager) ReplaceOutboundTrack(kind webrtc.RTPCodecType, track *LocalTrack) error {
	m.mu.Lock()
	sender := m.senders[kind]
	m.mu.Unlock()

	if sender == nil {
		return nil
	}

	var local webrtc.TrackLocal
	if track != nil {
		local = track
	}
	if err := sender.ReplaceTrack(local); err != nil {
		return fmt.Errorf("failed to replace %s track: %w", kind, err)
	}
	metrics.TrackReplacements.WithLabelValues(kind.String()).Inc()
	return nil
}

// ToggleMute flips the microphone and returns true when it is now muted
func (m *Manager) ToggleMute() (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.camera == nil {
		return false, ErrNoCamera
	}
	audio := m.camera.AudioTracks()
	if len(audio) == 0 {
		return false, ErrNoCamera
	}
	enabled := !audio[0].Enabled()
	for _, t := range audio {
		t.SetEnabled(enabled)
	}
	return !enabled, nil
}

// ToggleVideo flips the camera video and returns true when it is now enabled
func (m *Manager) ToggleVideo() (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.camera == nil {
		return false, ErrNoCamera
	}
	video := m.camera.VideoTracks()
	if len(video) == 0 {
		return false, ErrNoCamera
	}
	enabled := !video[0].Enabled()
	for _, t := range video {
		t.SetEnabled(enabled)
	}
	return enabled, nil
}

// StopAll stops every local track and forgets the senders. Device operations
// still in flight are discarded when they complete.
func (m *Manager) StopAll() {
	m.mu.Lock()
	m.cameraGen++
	m.screenGen++
	camera := m.camera
	screen := m.screen
	m.camera = nil
	m.screen = nil
	m.senders = make(map[webrtc.RTPCodecType]TrackSender)
	m.mu.Unlock()

	if screen != nil {
		screen.Stop()
	}
	if camera != nil {
		camera.Stop()
	}
}

// classify maps provider errors onto the device error taxonomy
func classify(err error) error {
	if errors.Is(err, ErrDeviceAccessDenied) || errors.Is(err, ErrDeviceUnavailable) || errors.Is(err, context.Canceled) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
}
