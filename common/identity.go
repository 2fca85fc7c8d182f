package common

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// ID identifies a room or a user. The chat backend emits numeric ids while other
// clients may use strings, so both JSON forms are accepted.
type ID string

// String returns the id as a string
func (id ID) String() string {
	return string(id)
}

// IsZero reports whether the id is empty
func (id ID) IsZero() bool {
	return id == ""
}

// MarshalJSON writes digit-only ids as JSON numbers and everything else as strings
func (id ID) MarshalJSON() ([]byte, error) {
	if id.numeric() {
		return []byte(id), nil
	}
	return json.Marshal(string(id))
}

// UnmarshalJSON accepts a JSON string or number
func (id *ID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}

	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("invalid id %s: %w", string(data), err)
	}
	*id = ID(n.String())
	return nil
}

func (id ID) numeric() bool {
	if id == "" || len(id) > 18 {
		return false
	}
	_, err := strconv.ParseUint(string(id), 10, 64)
	return err == nil && (id == "0" || id[0] != '0')
}

// Participant is one member of a chat room
type Participant struct {
	UserID   ID
	Username string
	IsOwner  bool
	JoinedAt time.Time
}

// participantRecord is the room service's wire shape for a participant
type participantRecord struct {
	ID   ID `json:"id,omitempty"`
	User struct {
		ID       ID     `json:"id"`
		Username string `json:"username,omitempty"`
	} `json:"user"`
	IsOwner  bool       `json:"is_owner"`
	JoinedAt *time.Time `json:"joined_at,omitempty"`
}

// MarshalJSON writes the participant in the room service's shape
func (p Participant) MarshalJSON() ([]byte, error) {
	var rec participantRecord
	rec.User.ID = p.UserID
	rec.User.Username = p.Username
	rec.IsOwner = p.IsOwner
	if !p.JoinedAt.IsZero() {
		joined := p.JoinedAt
		rec.JoinedAt = &joined
	}
	return json.Marshal(rec)
}

// UnmarshalJSON reads the participant from the room service's shape
func (p *Participant) UnmarshalJSON(data []byte) error {
	var rec participantRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return err
	}
	p.UserID = rec.User.ID
	p.Username = rec.User.Username
	p.IsOwner = rec.IsOwner
	p.JoinedAt = time.Time{}
	if rec.JoinedAt != nil {
		p.JoinedAt = *rec.JoinedAt
	}
	return nil
}
