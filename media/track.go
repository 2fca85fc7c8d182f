package media

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
	pionmedia "github.com/pion/webrtc/v3/pkg/media"
)

// StreamRole is the logical source feeding an outbound video sender
type StreamRole string

const (
	StreamRoleCamera StreamRole = "camera"
	StreamRoleScreen StreamRole = "screen"
)

// LocalTrack is an outbound track fed by a capture device. It can be bound
// to any number of RTP senders and swapped in place with ReplaceTrack.
type LocalTrack struct {
	*webrtc.TrackLocalStaticSample

	deviceID string
	label    string

	enabled atomic.Bool
	stopped atomic.Bool
	done    chan struct{}

	mu     sync.Mutex
	onStop []func()
}

// NewLocalTrack creates a VP8 video or Opus audio track
func NewLocalTrack(kind webrtc.RTPCodecType, deviceID, label, streamID string) (*LocalTrack, error) {
	var codec webrtc.RTPCodecCapability
	switch kind {
	case webrtc.RTPCodecTypeVideo:
		codec = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}
	case webrtc.RTPCodecTypeAudio:
		codec = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}
	default:
		return nil, fmt.Errorf("unsupported track kind %s", kind)
	}

	if streamID == "" {
		streamID = uuid.NewString()
	}
	sample, err := webrtc.NewTrackLocalStaticSample(codec, uuid.NewString(), streamID)
	if err != nil {
		return nil, fmt.Errorf("failed to create local track: %w", err)
	}

	t := &LocalTrack{
		TrackLocalStaticSample: sample,
		deviceID:               deviceID,
		label:                  label,
		done:                   make(chan struct{}),
	}
	t.enabled.Store(true)
	return t, nil
}

// DeviceID returns the capture device feeding the track
func (t *LocalTrack) DeviceID() string { return t.deviceID }

// Label returns a human-readable name for the source
func (t *LocalTrack) Label() string { return t.label }

// Enabled reports whether samples are forwarded
func (t *LocalTrack) Enabled() bool { return t.enabled.Load() }

// SetEnabled turns sample forwarding on or off without touching any sender
func (t *LocalTrack) SetEnabled(enabled bool) { t.enabled.Store(enabled) }

// Stopped reports whether the track was stopped
func (t *LocalTrack) Stopped() bool { return t.stopped.Load() }

// Done is closed when the track stops
func (t *LocalTrack) Done() <-chan struct{} { return t.done }

// OnStop registers a hook run once when the track stops
func (t *LocalTrack) OnStop(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onStop = append(t.onStop, fn)
}

// Stop ends the track. It is safe to call more than once.
func (t *LocalTrack) Stop() {
	if !t.stopped.CompareAndSwap(false, true) {
		return
	}
	close(t.done)

	t.mu.Lock()
	hooks := t.onStop
	t.onStop = nil
	t.mu.Unlock()

	for _, hook := range hooks {
		hook()
	}
}

// WriteSample forwards a sample unless the track is disabled or stopped
func (t *LocalTrack) WriteSample(s pionmedia.Sample) error {
	if t.stopped.Load() || !t.enabled.Load() {
		return nil
	}
	return t.TrackLocalStaticSample.WriteSample(s)
}

// Stream groups the local tracks captured together
type Stream struct {
	ID     string
	tracks []*LocalTrack
}

// NewStream creates a stream from tracks
func NewStream(id string, tracks ...*LocalTrack) *Stream {
	if id == "" {
		id = uuid.NewString()
	}
	return &Stream{ID: id, tracks: tracks}
}

// Tracks returns every track of the stream
func (s *Stream) Tracks() []*LocalTrack {
	out := make([]*LocalTrack, len(s.tracks))
	copy(out, s.tracks)
	return out
}

// VideoTracks returns the video tracks of the stream
func (s *Stream) VideoTracks() []*LocalTrack {
	return s.byKind(webrtc.RTPCodecTypeVideo)
}

// AudioTracks returns the audio tracks of the stream
func (s *Stream) AudioTracks() []*LocalTrack {
	return s.byKind(webrtc.RTPCodecTypeAudio)
}

// Stop stops every track of the stream
func (s *Stream) Stop() {
	for _, t := range s.tracks {
		t.Stop()
	}
}

func (s *Stream) byKind(kind webrtc.RTPCodecType) []*LocalTrack {
	var out []*LocalTrack
	for _, t := range s.tracks {
		if t.Kind() == kind {
			out = append(out, t)
		}
	}
	return out
}

// TrackBinding associates a stream role with the track currently sent for it
type TrackBinding struct {
	Role  StreamRole
	Track *LocalTrack
}
