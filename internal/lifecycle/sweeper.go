// Package lifecycle reclaims abandoned rooms and stale signaling state.
// A Sweeper can run on a local ticker or be driven by distributed sweep
// tasks so a fleet of instances shares one reclamation schedule.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/topical-chat/topical/internal/room"
	"github.com/topical-chat/topical/internal/signal"
	"github.com/topical-chat/topical/internal/store"
)

const (
	// DefaultIdleRoomTTL is how long a waiting or ended room may sit
	// untouched before it is deleted.
	DefaultIdleRoomTTL = time.Hour
	// DefaultSignalTTL is how long an unconsumed signaling message may
	// linger before it is purged.
	DefaultSignalTTL = 5 * time.Minute
	// DefaultLeaseTTL is the heartbeat lease. An active room whose
	// participants have all missed it is considered abandoned.
	DefaultLeaseTTL = 90 * time.Second
	// DefaultSweepInterval is the local ticker period.
	DefaultSweepInterval = time.Minute
)

// Options tune the sweeper. Zero values take the defaults above.
type Options struct {
	IdleRoomTTL   time.Duration
	SignalTTL     time.Duration
	LeaseTTL      time.Duration
	SweepInterval time.Duration
}

func (o *Options) normalize() {
	if o.IdleRoomTTL <= 0 {
		o.IdleRoomTTL = DefaultIdleRoomTTL
	}
	if o.SignalTTL <= 0 {
		o.SignalTTL = DefaultSignalTTL
	}
	if o.LeaseTTL <= 0 {
		o.LeaseTTL = DefaultLeaseTTL
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = DefaultSweepInterval
	}
}

// Stats summarizes one sweep pass.
type Stats struct {
	RoomsDeleted  int
	RoomsEnded    int
	SignalsPurged int
}

// Sweeper walks every room and reclaims what nobody will come back for.
type Sweeper struct {
	rooms   store.RoomStore
	signals signal.Store
	opts    Options
	logger  *zap.Logger
	now     func() time.Time
}

func NewSweeper(rooms store.RoomStore, signals signal.Store, opts Options, logger *zap.Logger) *Sweeper {
	opts.normalize()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweeper{
		rooms:   rooms,
		signals: signals,
		opts:    opts,
		logger:  logger.Named("lifecycle"),
		now:     time.Now,
	}
}

// Sweep runs one pass. Per-room failures are logged and skipped so one
// bad record never blocks reclamation of the rest.
func (s *Sweeper) Sweep(ctx context.Context) (Stats, error) {
	var stats Stats
	rooms, err := s.rooms.AllRooms(ctx)
	if err != nil {
		return stats, fmt.Errorf("lifecycle: list rooms: %w", err)
	}

	now := s.now()
	for i := range rooms {
		r := &rooms[i]
		switch {
		case r.Status == room.StatusEnded && now.Sub(r.UpdatedAt) > s.opts.IdleRoomTTL:
			s.deleteRoom(ctx, r, &stats)

		case r.Status == room.StatusWaiting && now.Sub(r.UpdatedAt) > s.opts.IdleRoomTTL:
			s.deleteRoom(ctx, r, &stats)

		case r.Status == room.StatusActive && s.abandoned(r, now):
			if err := s.endRoom(ctx, r.ID); err != nil {
				s.logger.Warn("failed to end abandoned room", zap.String("room", r.ID), zap.Error(err))
				continue
			}
			stats.RoomsEnded++
			s.logger.Info("ended abandoned room", zap.String("room", r.ID))

		default:
			n, err := s.signals.PurgeSignals(ctx, r.ID, now.Add(-s.opts.SignalTTL))
			if err != nil {
				s.logger.Warn("failed to purge stale signals", zap.String("room", r.ID), zap.Error(err))
				continue
			}
			stats.SignalsPurged += n
		}
	}
	if stats.RoomsDeleted+stats.RoomsEnded+stats.SignalsPurged > 0 {
		s.logger.Info("sweep finished",
			zap.Int("roomsDeleted", stats.RoomsDeleted),
			zap.Int("roomsEnded", stats.RoomsEnded),
			zap.Int("signalsPurged", stats.SignalsPurged))
	}
	return stats, nil
}

// abandoned reports whether every participant lease has lapsed.
func (s *Sweeper) abandoned(r *room.Room, now time.Time) bool {
	if len(r.Participants) == 0 {
		return now.Sub(r.UpdatedAt) > s.opts.LeaseTTL
	}
	for _, p := range r.Participants {
		seen := p.LastSeenAt
		if seen.IsZero() {
			seen = p.JoinedAt
		}
		if now.Sub(seen) <= s.opts.LeaseTTL {
			return false
		}
	}
	return true
}

func (s *Sweeper) deleteRoom(ctx context.Context, r *room.Room, stats *Stats) {
	// Purge the whole signal mailbox before the room record goes away.
	n, err := s.signals.PurgeSignals(ctx, r.ID, s.now())
	if err != nil {
		s.logger.Warn("failed to purge signals for dead room", zap.String("room", r.ID), zap.Error(err))
	} else {
		stats.SignalsPurged += n
	}
	if err := s.rooms.DeleteRoom(ctx, r.ID); err != nil && !errors.Is(err, store.ErrNotFound) {
		s.logger.Warn("failed to delete room", zap.String("room", r.ID), zap.Error(err))
		return
	}
	stats.RoomsDeleted++
	s.logger.Info("deleted stale room", zap.String("room", r.ID), zap.String("status", string(r.Status)))
}

func (s *Sweeper) endRoom(ctx context.Context, id string) error {
	_, err := s.rooms.UpdateTx(ctx, id, func(r *room.Room) error {
		if r.Status != room.StatusActive {
			return nil
		}
		r.Status = room.StatusEnded
		return nil
	})
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	return err
}

// Run drives Sweep on a local ticker until ctx is canceled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.opts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil {
				s.logger.Error("sweep failed", zap.Error(err))
			}
		}
	}
}
