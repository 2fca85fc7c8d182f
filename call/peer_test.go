package call

import (
	"context"
	"testing"
	"time"

	"github.com/TFMV/hearthcall/common"
	"github.com/TFMV/hearthcall/media"
	"github.com/TFMV/hearthcall/signaling"
	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestPionFactory(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	cfg := common.DefaultCallConfig()
	cfg.STUNServers = nil

	factory, err := NewPionFactory(logger, cfg)
	require.NoError(t, err)

	pc, err := factory()
	require.NoError(t, err)
	defer pc.Close()

	track, err := media.NewLocalTrack(webrtc.RTPCodecTypeVideo, "cam", "cam", "stream")
	require.NoError(t, err)
	defer track.Stop()

	sender, err := pc.AddTrack(track)
	require.NoError(t, err)

	offer, err := pc.CreateOffer()
	require.NoError(t, err)
	assert.Equal(t, webrtc.SDPTypeOffer, offer.Type)
	assert.Contains(t, offer.SDP, "VP8")
	require.NoError(t, pc.SetLocalDescription(offer))

	// A pending offer can be withdrawn
	require.NoError(t, pc.Rollback())

	replacement, err := media.NewLocalTrack(webrtc.RTPCodecTypeVideo, "screen", "screen", "stream")
	require.NoError(t, err)
	defer replacement.Stop()
	assert.NoError(t, sender.ReplaceTrack(replacement))
}

// pionService runs a call service on real peer connections that only use
// local host candidates
func pionService(t *testing.T, h *hub, id common.ID, role common.Role) *Service {
	t.Helper()
	logger, _ := zap.NewDevelopment()
	cfg := common.DefaultCallConfig()
	cfg.STUNServers = nil
	cfg.IncludeLoopback = true

	factory, err := NewPionFactory(logger.Named("pion"), cfg)
	require.NoError(t, err)

	svc := NewService(logger.Named(id.String()), cfg, factory, newFakeProvider("cam-"+id.String()), nil)
	svc.SetSignalingSocket(h.join())
	_, err = svc.Initialize(context.Background(), testRoom, id)
	require.NoError(t, err)
	svc.Controller().ResolveRole(role)
	t.Cleanup(svc.StopVideoCall)
	return svc
}

func connected(svc *Service) bool {
	info, ok := svc.Session()
	return ok && info.CallState() == common.CallStateConnected
}

func TestPionNegotiation(t *testing.T) {
	h := &hub{}
	a := pionService(t, h, "1", common.RoleInitiator)
	b := pionService(t, h, "2", common.RoleResponder)

	require.NoError(t, a.CreateOffer(context.Background()))
	require.Eventually(t, func() bool {
		return connected(a) && connected(b)
	}, 10*time.Second, 20*time.Millisecond)

	assert.Equal(t, 1, sentBy(h.sent(), signaling.KindAnswer, "2"))
	assert.False(t, a.Controller().OfferInFlight())
}

func TestPionGlare(t *testing.T) {
	h := &hub{}
	a := pionService(t, h, "1", common.RoleInitiator)
	b := pionService(t, h, "2", common.RoleResponder)

	h.hold()
	require.NoError(t, a.CreateOffer(context.Background()))
	require.NoError(t, b.CreateOffer(context.Background()))
	h.release()

	require.Eventually(t, func() bool {
		return connected(a) && connected(b)
	}, 10*time.Second, 20*time.Millisecond)

	msgs := h.sent()
	assert.Equal(t, 0, sentBy(msgs, signaling.KindAnswer, "1"))
	assert.Equal(t, 1, sentBy(msgs, signaling.KindAnswer, "2"))
	assert.False(t, a.Controller().OfferInFlight())
	assert.False(t, b.Controller().OfferInFlight())
}

func TestPionRollbackWithoutOffer(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	cfg := common.DefaultCallConfig()
	cfg.STUNServers = nil

	factory, err := NewPionFactory(logger, cfg)
	require.NoError(t, err)
	pc, err := factory()
	require.NoError(t, err)
	defer pc.Close()

	assert.Error(t, pc.Rollback())
}

func TestPionLoggerFactory(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	factory := NewLoggerFactory(zap.New(core))

	l := factory.NewLogger("ice")
	l.Trace("gathering")
	l.Infof("selected pair %d", 3)
	l.Error("failed")

	entries := logs.All()
	require.Len(t, entries, 3)
	assert.Equal(t, zapcore.DebugLevel, entries[0].Level)
	assert.Equal(t, "pion.ice", entries[0].LoggerName)
	assert.Equal(t, "selected pair 3", entries[1].Message)
	assert.Equal(t, zapcore.ErrorLevel, entries[2].Level)
}
