package server

import (
	"sort"
	"sync"
	"time"

	"github.com/TFMV/hearthcall/common"
	"github.com/TFMV/hearthcall/room"
)

// MembershipListener is told about every change to a room's participants
type MembershipListener func(roomID common.ID, participants []common.Participant)

// RoomStore is an in-memory stand-in for the chat platform's room service
type RoomStore struct {
	mu        sync.RWMutex
	rooms     map[common.ID]*roomEntry
	listeners []MembershipListener
	now       func() time.Time
}

type roomEntry struct {
	name         string
	participants []common.Participant
}

// NewRoomStore creates an empty store
func NewRoomStore() *RoomStore {
	return &RoomStore{
		rooms: make(map[common.ID]*roomEntry),
		now:   time.Now,
	}
}

// OnChange registers a membership listener
func (s *RoomStore) OnChange(fn MembershipListener) {
	s.mu.Lock()
	s.listeners = append(s.listeners, fn)
	s.mu.Unlock()
}

// Get returns a room snapshot
func (s *RoomStore) Get(roomID common.ID) (room.RoomResponse, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.rooms[roomID]
	if !ok {
		return room.RoomResponse{}, false
	}
	return entry.response(roomID), true
}

// Join adds a participant, creating the room on first join. The first
// participant owns the room. Joining twice keeps the first entry.
func (s *RoomStore) Join(roomID common.ID, p common.Participant) room.RoomResponse {
	s.mu.Lock()
	entry, ok := s.rooms[roomID]
	if !ok {
		entry = &roomEntry{name: "room-" + roomID.String()}
		s.rooms[roomID] = entry
	}
	for _, existing := range entry.participants {
		if existing.UserID == p.UserID {
			resp := entry.response(roomID)
			s.mu.Unlock()
			return resp
		}
	}
	if p.JoinedAt.IsZero() {
		p.JoinedAt = s.now()
	}
	p.IsOwner = len(entry.participants) == 0
	entry.participants = append(entry.participants, p)
	resp := entry.response(roomID)
	listeners := append([]MembershipListener(nil), s.listeners...)
	s.mu.Unlock()

	for _, fn := range listeners {
		fn(roomID, resp.Participants)
	}
	return resp
}

// Leave removes a participant and reports whether it was present
func (s *RoomStore) Leave(roomID, userID common.ID) bool {
	s.mu.Lock()
	entry, ok := s.rooms[roomID]
	if !ok {
		s.mu.Unlock()
		return false
	}
	idx := -1
	for i, p := range entry.participants {
		if p.UserID == userID {
			idx = i
			break
		}
	}
	if idx < 0 {
		s.mu.Unlock()
		return false
	}
	entry.participants = append(entry.participants[:idx], entry.participants[idx+1:]...)
	resp := entry.response(roomID)
	listeners := append([]MembershipListener(nil), s.listeners...)
	s.mu.Unlock()

	for _, fn := range listeners {
		fn(roomID, resp.Participants)
	}
	return true
}

// IDs returns the known room ids in order
func (s *RoomStore) IDs() []common.ID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]common.ID, 0, len(s.rooms))
	for id := range s.rooms {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (e *roomEntry) response(roomID common.ID) room.RoomResponse {
	participants := make([]common.Participant, len(e.participants))
	copy(participants, e.participants)
	return room.RoomResponse{ID: roomID, Name: e.name, Participants: participants}
}
