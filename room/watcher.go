package room

import (
	"context"
	"sync"
	"time"

	"github.com/TFMV/hearthcall/common"
	"go.uber.org/zap"
)

// DefaultPollInterval is how often membership is polled when no push is available
const DefaultPollInterval = 3 * time.Second

// OfferGate is the view of the call controller the watcher needs before firing
type OfferGate interface {
	// OfferInFlight reports whether a local offer is awaiting an answer
	OfferInFlight() bool

	// ResolveRole hands the freshly computed role to the session and returns
	// the role the session actually holds
	ResolveRole(role common.Role) common.Role
}

// Watcher detects the transition from fewer than two participants to two or
// more and, on the initiator side, fires once per such transition. Snapshots
// come from polling a MembershipClient or from pushed membership updates.
type Watcher struct {
	logger   *zap.Logger
	client   MembershipClient
	localID  common.ID
	gate     OfferGate
	interval time.Duration

	mu        sync.Mutex
	roomID    common.ID
	onSecond  func()
	lastCount int
	last      []common.Participant
}

// NewWatcher creates a watcher for the local participant. client may be nil when
// membership is only pushed.
func NewWatcher(logger *zap.Logger, client MembershipClient, localID common.ID, gate OfferGate, interval time.Duration) *Watcher {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Watcher{
		logger:   logger,
		client:   client,
		localID:  localID,
		gate:     gate,
		interval: interval,
	}
}

// Watch starts watching roomID and polls until ctx is cancelled
func (w *Watcher) Watch(ctx context.Context, roomID common.ID, onSecondParticipantJoined func()) error {
	w.mu.Lock()
	w.roomID = roomID
	w.onSecond = onSecondParticipantJoined
	w.lastCount = 0
	w.last = nil
	w.mu.Unlock()

	if w.client == nil {
		<-ctx.Done()
		return ctx.Err()
	}

	w.poll(ctx, roomID)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			w.poll(ctx, roomID)
		}
	}
}

func (w *Watcher) poll(ctx context.Context, roomID common.ID) {
	participants, err := w.client.Participants(ctx, roomID)
	if err != nil {
		if ctx.Err() == nil {
			w.logger.Warn("Failed to poll room membership", zap.String("roomID", roomID.String()), zap.Error(err))
		}
		return
	}
	w.Observe(roomID, participants)
}

// Observe feeds one membership snapshot. Snapshots for other rooms are ignored.
// A snapshot that does not list the local participant leaves the transition
// armed.
func (w *Watcher) Observe(roomID common.ID, participants []common.Participant) {
	w.mu.Lock()
	if w.onSecond == nil || roomID != w.roomID {
		w.mu.Unlock()
		return
	}
	prev := w.lastCount
	count := len(participants)
	if prev < 2 && count >= 2 && DetermineRole(roomID, w.localID, participants) == common.RoleUndetermined {
		w.mu.Unlock()
		w.logger.Debug("Local participant missing from membership, waiting for the next snapshot",
			zap.String("roomID", roomID.String()),
			zap.Int("participants", count))
		return
	}
	w.lastCount = count
	w.last = participants
	fn := w.onSecond
	w.mu.Unlock()

	if prev >= 2 || count < 2 {
		return
	}

	role := w.gate.ResolveRole(DetermineRole(roomID, w.localID, participants))
	if role != common.RoleInitiator {
		w.logger.Debug("Second participant joined, waiting for offer",
			zap.String("roomID", roomID.String()),
			zap.String("role", role.String()))
		return
	}
	if w.gate.OfferInFlight() {
		w.logger.Debug("Second participant joined while an offer is in flight", zap.String("roomID", roomID.String()))
		return
	}

	w.logger.Info("Second participant joined, starting call",
		zap.String("roomID", roomID.String()),
		zap.Int("participants", count))
	fn()
}

// Retry replays the last snapshot as a new transition. It does nothing unless
// that snapshot had two or more participants.
func (w *Watcher) Retry() {
	w.mu.Lock()
	if w.lastCount < 2 {
		w.mu.Unlock()
		return
	}
	roomID, participants := w.roomID, w.last
	w.lastCount = 0
	w.mu.Unlock()

	w.Observe(roomID, participants)
}

// Rearm forgets the last count so the next snapshot with two or more
// participants fires again, as after a signaling reconnect
func (w *Watcher) Rearm() {
	w.mu.Lock()
	w.lastCount = 0
	w.mu.Unlock()
}
