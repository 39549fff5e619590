// Package signal relays offer/answer/ICE messages between two peers
// through a shared store. Messages are keyed by (room, from, to, kind):
// a new message for the same slot overwrites the previous one, so
// delivery is at-most-once per slot, never a queue. Kinds occupy
// separate slots, so a trickled candidate never clobbers the offer it
// follows.
package signal

import (
	"context"
	"fmt"
	"time"

	"github.com/pion/webrtc/v4"
)

// Kind identifies the signaling payload variant.
type Kind string

const (
	KindOffer        Kind = "offer"
	KindAnswer       Kind = "answer"
	KindICECandidate Kind = "ice-candidate"
)

// Message is one relayed signaling payload. Exactly one of SDP or
// Candidate is set, depending on Kind.
type Message struct {
	RoomID    string                   `json:"roomId"`
	From      string                   `json:"from"`
	To        string                   `json:"to"`
	Kind      Kind                     `json:"type"`
	SDP       string                   `json:"sdp,omitempty"`
	Candidate *webrtc.ICECandidateInit `json:"candidate,omitempty"`
	SentAt    time.Time                `json:"sentAt"`
}

// SlotKeyFor returns the (from,to,kind) slot identifier within a room.
func SlotKeyFor(from, to string, kind Kind) string {
	return from + ":" + to + ":" + string(kind)
}

// SlotKey returns the message's slot identifier.
func (m Message) SlotKey() string {
	return SlotKeyFor(m.From, m.To, m.Kind)
}

// Validate rejects malformed messages before they hit the store.
func (m Message) Validate() error {
	if m.RoomID == "" || m.From == "" || m.To == "" {
		return fmt.Errorf("signal: message missing addressing (room=%q from=%q to=%q)", m.RoomID, m.From, m.To)
	}
	switch m.Kind {
	case KindOffer, KindAnswer:
		if m.SDP == "" {
			return fmt.Errorf("signal: %s message has empty SDP", m.Kind)
		}
	case KindICECandidate:
		if m.Candidate == nil {
			return fmt.Errorf("signal: ice-candidate message has nil candidate")
		}
	default:
		return fmt.Errorf("signal: unknown message kind %q", m.Kind)
	}
	return nil
}

// Store is the signaling sub-collection of the document-store
// collaborator. Implementations must overwrite on Put for an existing
// (from,to,kind) slot and must deliver each Put at most once per
// subscriber.
type Store interface {
	// PutSignal writes or overwrites the message in its (from,to,kind)
	// slot.
	PutSignal(ctx context.Context, msg Message) error
	// DeleteSignal clears a slot. Deleting an empty slot is not an error.
	DeleteSignal(ctx context.Context, roomID, from, to string, kind Kind) error
	// SubscribeSignals delivers pending and future messages addressed to
	// toUser in roomID. The returned func cancels the subscription and
	// is safe to call more than once.
	SubscribeSignals(ctx context.Context, roomID, toUser string) (<-chan Message, func(), error)
	// PurgeSignals deletes messages older than the cutoff and reports
	// how many were removed.
	PurgeSignals(ctx context.Context, roomID string, olderThan time.Time) (int, error)
}

// Error wraps a signaling-layer failure. Retryable failures are retried
// with the shared backoff policy before ever reaching the caller.
type Error struct {
	Op        string
	RoomID    string
	Err       error
	Retryable bool
}

func (e *Error) Error() string {
	return fmt.Sprintf("signal %s (room %s): %v", e.Op, e.RoomID, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }
