// Package room defines the shared room record that pairs two users on a
// discussion topic, plus its status lifecycle.
package room

import (
	"time"
)

// Status tracks the room lifecycle. Transitions only ever move
// waiting -> active -> ended, except that a partial leave of an active
// room resets it to waiting so the remaining participant can be
// rematched.
type Status string

const (
	StatusWaiting Status = "waiting"
	StatusActive  Status = "active"
	StatusEnded   Status = "ended"
)

// Role distinguishes a speaking participant from a silent observer.
type Role string

const (
	RoleParticipant Role = "participant"
	RoleObserver    Role = "observer"
)

// MaxParticipants is a hard invariant: a room never holds more than two
// participants.
const MaxParticipants = 2

// Participant is one user inside a room. LastSeenAt is a heartbeat
// lease refreshed by the session; the lifecycle sweeper ends active
// rooms whose participants have all gone silent.
type Participant struct {
	UserID      string    `json:"userId"`
	DisplayName string    `json:"displayName"`
	Role        Role      `json:"role"`
	JoinedAt    time.Time `json:"joinedAt"`
	LastSeenAt  time.Time `json:"lastSeenAt"`
}

// Room is the shared record mutated by two independent actors. All
// mutations must go through the matcher's transactional helpers.
type Room struct {
	ID           string        `json:"id"`
	Topic        string        `json:"topic"`
	Language     string        `json:"language"`
	Continent    string        `json:"continent"`
	Status       Status        `json:"status"`
	Participants []Participant `json:"participants"`
	CreatedBy    string        `json:"createdBy"`
	CreatedAt    time.Time     `json:"createdAt"`
	UpdatedAt    time.Time     `json:"updatedAt"`
}

// HasParticipant reports whether userID is currently in the room.
func (r *Room) HasParticipant(userID string) bool {
	for _, p := range r.Participants {
		if p.UserID == userID {
			return true
		}
	}
	return false
}

// Participant returns the participant entry for userID, if present.
func (r *Room) Participant(userID string) (Participant, bool) {
	for _, p := range r.Participants {
		if p.UserID == userID {
			return p, true
		}
	}
	return Participant{}, false
}

// Partner returns the other participant from userID's point of view.
func (r *Room) Partner(userID string) (Participant, bool) {
	for _, p := range r.Participants {
		if p.UserID != userID {
			return p, true
		}
	}
	return Participant{}, false
}

// RemoveParticipant deletes userID from the participant list and
// reports whether it was present.
func (r *Room) RemoveParticipant(userID string) bool {
	for i, p := range r.Participants {
		if p.UserID == userID {
			r.Participants = append(r.Participants[:i], r.Participants[i+1:]...)
			return true
		}
	}
	return false
}

// Clone returns a deep copy so callers can hand rooms across goroutines
// without sharing the participant slice.
func (r *Room) Clone() Room {
	out := *r
	out.Participants = make([]Participant, len(r.Participants))
	copy(out.Participants, r.Participants)
	return out
}
