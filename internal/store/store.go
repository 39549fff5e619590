// Package store defines the document-store collaborator the matcher
// and signaling channel depend on: a rooms collection with filtered
// queries, atomic read-modify-write transactions and change
// subscriptions, plus a per-room signaling sub-collection. Two
// implementations exist: an in-memory store for tests and single-node
// runs, and a Redis-backed store for shared deployments.
package store

import (
	"context"
	"errors"

	"github.com/topical-chat/topical/internal/room"
)

var (
	// ErrNotFound is returned when the requested room does not exist.
	ErrNotFound = errors.New("store: room not found")
	// ErrConflict is returned by UpdateTx when another writer mutated
	// the room between read and write. Callers re-run their search; the
	// conflict never surfaces to the user.
	ErrConflict = errors.New("store: transactional update conflict")
)

// RoomQuery selects waiting rooms by matching criteria. Continent
// "any" matches every continent.
type RoomQuery struct {
	Topic     string
	Language  string
	Continent string
}

// RoomStore is the rooms collection.
type RoomStore interface {
	// CreateRoom writes a new room record.
	CreateRoom(ctx context.Context, r room.Room) error
	// GetRoom fetches one room by id.
	GetRoom(ctx context.Context, id string) (room.Room, error)
	// FindWaiting lists rooms with status waiting matching the query,
	// oldest first.
	FindWaiting(ctx context.Context, q RoomQuery) ([]room.Room, error)
	// UpdateTx atomically applies mutate to the current room record.
	// If a concurrent writer wins the race it returns ErrConflict and
	// the store is left unchanged. The mutated room is returned on
	// success.
	UpdateTx(ctx context.Context, id string, mutate func(*room.Room) error) (room.Room, error)
	// DeleteRoom removes a room record. Deleting a missing room is not
	// an error.
	DeleteRoom(ctx context.Context, id string) error
	// AllRooms lists every room, for the lifecycle sweep.
	AllRooms(ctx context.Context) ([]room.Room, error)
	// WatchRoom delivers a snapshot after every mutation of the room.
	// The returned func cancels the subscription.
	WatchRoom(ctx context.Context, id string) (<-chan room.Room, func(), error)
}
