package media

import (
	"context"
	"fmt"
	"time"

	"github.com/pion/webrtc/v3"
	pionmedia "github.com/pion/webrtc/v3/pkg/media"
)

const (
	syntheticFrameInterval = 33 * time.Millisecond
	syntheticAudioInterval = 20 * time.Millisecond
)

// opusSilence is a single Opus frame encoding 20ms of silence
var opusSilence = []byte{0xf8, 0xff, 0xfe}

// vp8Placeholder is a fixed payload written as every video frame
var vp8Placeholder = []byte{0x10, 0x02, 0x00, 0x9d, 0x01, 0x2a, 0x10, 0x00, 0x10, 0x00}

// SyntheticProvider serves fake cameras, a silent microphone and a fake display.
// Tracks emit placeholder samples at a steady rate until stopped.
type SyntheticProvider struct {
	cameras []DeviceInfo
}

// NewSyntheticProvider creates a provider with n cameras
func NewSyntheticProvider(n int) *SyntheticProvider {
	cameras := make([]DeviceInfo, n)
	for i := range cameras {
		cameras[i] = DeviceInfo{
			DeviceID: fmt.Sprintf("synthetic-camera-%d", i),
			Kind:     DeviceKindVideoInput,
			Label:    fmt.Sprintf("Synthetic Camera %d", i+1),
		}
	}
	return &SyntheticProvider{cameras: cameras}
}

// ListVideoDevices implements DeviceProvider
func (p *SyntheticProvider) ListVideoDevices(ctx context.Context) ([]DeviceInfo, error) {
	out := make([]DeviceInfo, len(p.cameras))
	copy(out, p.cameras)
	return out, nil
}

// OpenVideoDevice implements DeviceProvider
func (p *SyntheticProvider) OpenVideoDevice(ctx context.Context, deviceID string, streamID string) (*LocalTrack, error) {
	for _, d := range p.cameras {
		if d.DeviceID != deviceID {
			continue
		}
		track, err := NewLocalTrack(webrtc.RTPCodecTypeVideo, d.DeviceID, d.Label, streamID)
		if err != nil {
			return nil, err
		}
		go pump(track, vp8Placeholder, syntheticFrameInterval)
		return track, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrDeviceUnavailable, deviceID)
}

// OpenAudioDevice implements DeviceProvider
func (p *SyntheticProvider) OpenAudioDevice(ctx context.Context, streamID string) (*LocalTrack, error) {
	track, err := NewLocalTrack(webrtc.RTPCodecTypeAudio, "synthetic-microphone", "Synthetic Microphone", streamID)
	if err != nil {
		return nil, err
	}
	go pump(track, opusSilence, syntheticAudioInterval)
	return track, nil
}

// CaptureDisplay implements DeviceProvider
func (p *SyntheticProvider) CaptureDisplay(ctx context.Context, streamID string) (*LocalTrack, error) {
	track, err := NewLocalTrack(webrtc.RTPCodecTypeVideo, "synthetic-display", "Synthetic Display", streamID)
	if err != nil {
		return nil, err
	}
	go pump(track, vp8Placeholder, syntheticFrameInterval)
	return track, nil
}

// pump writes payload every interval until the track stops
func pump(track *LocalTrack, payload []byte, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-track.Done():
			return
		case <-ticker.C:
			_ = track.WriteSample(pionmedia.Sample{Data: payload, Duration: interval})
		}
	}
}
