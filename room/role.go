// Package room decides call roles from room membership and watches membership
// for the arrival of a second participant.
package room

import (
	"sort"

	"github.com/TFMV/hearthcall/common"
)

// DetermineRole returns RoleInitiator when localID is the first participant to
// have joined roomID and RoleResponder for anyone else. Participants are ordered
// by JoinedAt; when any entry lacks a join time the order the room service sent is kept.
// An empty list or a local peer missing from it yields RoleUndetermined.
func DetermineRole(roomID, localID common.ID, participants []common.Participant) common.Role {
	if roomID.IsZero() || localID.IsZero() || len(participants) == 0 {
		return common.RoleUndetermined
	}

	ordered := make([]common.Participant, len(participants))
	copy(ordered, participants)
	if allTimed(ordered) {
		sort.SliceStable(ordered, func(i, j int) bool {
			return ordered[i].JoinedAt.Before(ordered[j].JoinedAt)
		})
	}

	present := false
	for _, p := range ordered {
		if p.UserID == localID {
			present = true
			break
		}
	}
	if !present {
		return common.RoleUndetermined
	}

	if ordered[0].UserID == localID {
		return common.RoleInitiator
	}
	return common.RoleResponder
}

func allTimed(participants []common.Participant) bool {
	for _, p := range participants {
		if p.JoinedAt.IsZero() {
			return false
		}
	}
	return true
}
