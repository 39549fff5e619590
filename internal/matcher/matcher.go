// Package matcher finds or creates a shared room for two users with
// matching topic and filters, under race-free transactional join
// semantics.
package matcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/topical-chat/topical/internal/retry"
	"github.com/topical-chat/topical/internal/room"
	"github.com/topical-chat/topical/internal/store"
)

// Criteria describes what the caller wants to discuss and who they are.
type Criteria struct {
	Topic       string
	Language    string
	Continent   string
	UserID      string
	DisplayName string
	Role        room.Role
}

func (c *Criteria) validate() error {
	if c.Topic == "" {
		return errors.New("matcher: topic is required")
	}
	if c.UserID == "" {
		return errors.New("matcher: user id is required")
	}
	if c.Language == "" {
		c.Language = "en"
	}
	if c.Continent == "" {
		c.Continent = "any"
	}
	if c.Role == "" {
		c.Role = room.RoleParticipant
	}
	return nil
}

// Matcher owns all room mutations. Everything goes through the store's
// transactional update so two users can never double-book a slot.
type Matcher struct {
	rooms  store.RoomStore
	policy retry.Policy
	logger *zap.Logger
	now    func() time.Time
}

// New builds a Matcher. The policy governs how many times a lost join
// race re-runs the search before the caller gets a fresh room instead.
func New(rooms store.RoomStore, policy retry.Policy, logger *zap.Logger) *Matcher {
	return &Matcher{
		rooms:  rooms,
		policy: policy,
		logger: logger.Named("matcher"),
		now:    time.Now,
	}
}

// Find returns a room for the given criteria: either an existing
// waiting room the caller just joined (now active), or a fresh waiting
// room with the caller as sole participant. A lost join race is never
// surfaced; the search re-runs, and once the retry budget is spent the
// caller gets their own waiting room.
func (m *Matcher) Find(ctx context.Context, c Criteria) (room.Room, error) {
	if err := c.validate(); err != nil {
		return room.Room{}, err
	}

	for attempt := 0; ; attempt++ {
		joined, raced, err := m.tryJoin(ctx, c)
		if err != nil {
			return room.Room{}, err
		}
		if !raced {
			if joined.ID != "" {
				m.logger.Info("joined waiting room",
					zap.String("room", joined.ID),
					zap.String("topic", c.Topic),
					zap.String("user", c.UserID))
				return joined, nil
			}
			return m.create(ctx, c)
		}
		if m.policy.Exhausted(attempt + 1) {
			m.logger.Info("join races exhausted, creating room",
				zap.String("topic", c.Topic), zap.String("user", c.UserID))
			return m.create(ctx, c)
		}
		select {
		case <-time.After(m.policy.Delay(attempt)):
		case <-ctx.Done():
			return room.Room{}, ctx.Err()
		}
	}
}

// tryJoin runs one search pass. It returns the joined room on success,
// raced=true when every candidate was lost to a concurrent joiner, and
// a zero room with raced=false when no candidate exists at all.
func (m *Matcher) tryJoin(ctx context.Context, c Criteria) (room.Room, bool, error) {
	candidates, err := m.rooms.FindWaiting(ctx, store.RoomQuery{
		Topic:     c.Topic,
		Language:  c.Language,
		Continent: c.Continent,
	})
	if err != nil {
		return room.Room{}, false, fmt.Errorf("matcher: search: %w", err)
	}

	sawCandidate := false
	for _, cand := range candidates {
		// A user never becomes the second participant of their own room.
		if cand.CreatedBy == c.UserID || cand.HasParticipant(c.UserID) {
			continue
		}
		sawCandidate = true

		joined, err := m.rooms.UpdateTx(ctx, cand.ID, func(r *room.Room) error {
			// Re-verify under the transaction: the snapshot we searched
			// may be stale by the time the write lands.
			if r.Status != room.StatusWaiting {
				return store.ErrConflict
			}
			if len(r.Participants) >= room.MaxParticipants {
				return store.ErrConflict
			}
			if r.CreatedBy == c.UserID || r.HasParticipant(c.UserID) {
				return store.ErrConflict
			}
			now := m.now().UTC()
			r.Participants = append(r.Participants, room.Participant{
				UserID:      c.UserID,
				DisplayName: c.DisplayName,
				Role:        c.Role,
				JoinedAt:    now,
				LastSeenAt:  now,
			})
			r.Status = room.StatusActive
			return nil
		})
		switch {
		case err == nil:
			return joined, false, nil
		case errors.Is(err, store.ErrConflict), errors.Is(err, store.ErrNotFound):
			// Lost the race for this candidate; try the next one.
			continue
		default:
			return room.Room{}, false, fmt.Errorf("matcher: join %s: %w", cand.ID, err)
		}
	}
	return room.Room{}, sawCandidate, nil
}

func (m *Matcher) create(ctx context.Context, c Criteria) (room.Room, error) {
	now := m.now().UTC()
	r := room.Room{
		ID:        uuid.NewString(),
		Topic:     c.Topic,
		Language:  c.Language,
		Continent: c.Continent,
		Status:    room.StatusWaiting,
		CreatedBy: c.UserID,
		CreatedAt: now,
		UpdatedAt: now,
		Participants: []room.Participant{{
			UserID:      c.UserID,
			DisplayName: c.DisplayName,
			Role:        c.Role,
			JoinedAt:    now,
			LastSeenAt:  now,
		}},
	}
	if err := m.rooms.CreateRoom(ctx, r); err != nil {
		return room.Room{}, fmt.Errorf("matcher: create room: %w", err)
	}
	m.logger.Info("created waiting room",
		zap.String("room", r.ID),
		zap.String("topic", c.Topic),
		zap.String("user", c.UserID))
	return r, nil
}

// Leave removes the user from the room. The last participant out ends
// the room; a partial leave resets it to waiting so the remaining
// participant can be rematched.
func (m *Matcher) Leave(ctx context.Context, roomID, userID string) error {
	err := m.policy.Do(ctx, func() error {
		_, err := m.rooms.UpdateTx(ctx, roomID, func(r *room.Room) error {
			if !r.RemoveParticipant(userID) {
				return nil
			}
			switch len(r.Participants) {
			case 0:
				r.Status = room.StatusEnded
			case 1:
				r.Status = room.StatusWaiting
			}
			return nil
		})
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("matcher: leave %s: %w", roomID, err)
	}
	m.logger.Info("left room", zap.String("room", roomID), zap.String("user", userID))
	return nil
}

// Heartbeat refreshes the caller's lease so the lifecycle sweeper
// knows the session is still alive. Missing rooms are not an error:
// the room may have been swept while the session was shutting down.
func (m *Matcher) Heartbeat(ctx context.Context, roomID, userID string) error {
	_, err := m.rooms.UpdateTx(ctx, roomID, func(r *room.Room) error {
		for i := range r.Participants {
			if r.Participants[i].UserID == userID {
				r.Participants[i].LastSeenAt = m.now().UTC()
				return nil
			}
		}
		return nil
	})
	if errors.Is(err, store.ErrNotFound) || errors.Is(err, store.ErrConflict) {
		return nil
	}
	return err
}
