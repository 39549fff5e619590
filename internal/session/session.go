// Package session ties the pieces of one user's discussion together:
// find a room, watch it until a partner arrives, negotiate the peer
// connection, keep the heartbeat lease fresh, and unwind all of it on
// the way out.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/topical-chat/topical/internal/history"
	"github.com/topical-chat/topical/internal/lifecycle"
	"github.com/topical-chat/topical/internal/matcher"
	"github.com/topical-chat/topical/internal/quality"
	"github.com/topical-chat/topical/internal/room"
	"github.com/topical-chat/topical/internal/rtc"
	"github.com/topical-chat/topical/internal/signal"
	"github.com/topical-chat/topical/internal/store"
)

// ErrPartnerUnreachable is returned when every negotiation attempt
// with the matched partner has been spent.
var ErrPartnerUnreachable = errors.New("session: partner unreachable after all attempts")

// Config assembles a session's collaborators. Matcher, Rooms, Channel,
// Factory and Media are required; Recorder may be nil.
type Config struct {
	Matcher  *matcher.Matcher
	Rooms    store.RoomStore
	Channel  signal.Channel
	Factory  rtc.TransportFactory
	Media    rtc.MediaProvider
	Recorder *history.Recorder

	Constraints rtc.MediaConstraints

	// LeaseTTL is the heartbeat lease; heartbeats are sent at a third
	// of it.
	LeaseTTL time.Duration

	QualityInterval   time.Duration
	QualityThresholds quality.Thresholds
	OnQuality         func(remoteUserID string, tier quality.Tier, s quality.Sample)

	Logger *zap.Logger
}

// Session is one user's run through matchmaking and calling.
type Session struct {
	cfg    Config
	logger *zap.Logger
}

func New(cfg Config) (*Session, error) {
	if cfg.Matcher == nil || cfg.Rooms == nil || cfg.Channel == nil || cfg.Factory == nil || cfg.Media == nil {
		return nil, errors.New("session: matcher, rooms, channel, factory and media are required")
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = lifecycle.DefaultLeaseTTL
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Session{cfg: cfg, logger: cfg.Logger.Named("session")}, nil
}

// Run blocks until the discussion ends or ctx is canceled. It always
// leaves the room, tears the peer connections down and records history
// on the way out, whatever path exits.
func (s *Session) Run(ctx context.Context, criteria matcher.Criteria) error {
	r, err := s.cfg.Matcher.Find(ctx, criteria)
	if err != nil {
		return fmt.Errorf("session: find room: %w", err)
	}
	startedAt := time.Now()
	logger := s.logger.With(zap.String("room", r.ID), zap.String("user", criteria.UserID))
	logger.Info("joined room", zap.String("status", string(r.Status)), zap.String("topic", r.Topic))

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	updates, stopWatch, err := s.cfg.Rooms.WatchRoom(runCtx, r.ID)
	if err != nil {
		s.leave(r.ID, criteria.UserID)
		return fmt.Errorf("session: watch room: %w", err)
	}
	defer stopWatch()

	constraints := s.cfg.Constraints
	if criteria.Role == room.RoleObserver {
		// Observers join silently: no track of either kind is published.
		constraints = rtc.MediaConstraints{}
	}

	mgr, err := rtc.NewManager(rtc.Config{
		RoomID:            r.ID,
		SelfUserID:        criteria.UserID,
		Channel:           s.cfg.Channel,
		Factory:           s.cfg.Factory,
		Media:             s.cfg.Media,
		Constraints:       constraints,
		QualityInterval:   s.cfg.QualityInterval,
		QualityThresholds: s.cfg.QualityThresholds,
		OnQuality:         s.cfg.OnQuality,
		Logger:            s.cfg.Logger,
	})
	if err != nil {
		s.leave(r.ID, criteria.UserID)
		return err
	}
	if err := mgr.Start(runCtx); err != nil {
		s.leave(r.ID, criteria.UserID)
		var accessErr *rtc.AccessError
		if errors.As(err, &accessErr) {
			return accessErr
		}
		return err
	}

	var partner room.Participant
	var hadPartner bool
	defer func() {
		mgr.Teardown()
		s.leave(r.ID, criteria.UserID)
		if hadPartner {
			s.record(r, criteria.UserID, partner, startedAt)
		}
	}()

	go s.heartbeatLoop(runCtx, r.ID, criteria.UserID)

	if p, ok := r.Partner(criteria.UserID); ok && r.Status == room.StatusActive {
		partner, hadPartner = p, true
		mgr.Connect(p.UserID)
	}

	for {
		select {
		case <-runCtx.Done():
			return runCtx.Err()

		case update, ok := <-updates:
			if !ok {
				logger.Info("room watch closed")
				return nil
			}
			switch update.Status {
			case room.StatusEnded:
				logger.Info("room ended")
				return nil
			case room.StatusActive:
				if p, pOK := update.Partner(criteria.UserID); pOK && (!hadPartner || p.UserID != partner.UserID) {
					partner, hadPartner = p, true
					logger.Info("partner arrived", zap.String("partner", p.UserID))
					mgr.Connect(p.UserID)
				}
			case room.StatusWaiting:
				if hadPartner {
					logger.Info("partner left, waiting for a new match", zap.String("partner", partner.UserID))
				}
			}

		case ev, ok := <-mgr.Events():
			if !ok {
				return nil
			}
			logger.Debug("peer event",
				zap.String("remote", ev.RemoteUserID),
				zap.String("state", ev.State.String()),
				zap.Error(ev.Err))
			if ev.State == rtc.StateGaveUp {
				logger.Error("giving up on partner", zap.String("partner", ev.RemoteUserID), zap.Error(ev.Err))
				return fmt.Errorf("%w: %s", ErrPartnerUnreachable, ev.RemoteUserID)
			}
		}
	}
}

func (s *Session) heartbeatLoop(ctx context.Context, roomID, userID string) {
	interval := s.cfg.LeaseTTL / 3
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.cfg.Matcher.Heartbeat(ctx, roomID, userID); err != nil {
				s.logger.Warn("heartbeat failed", zap.String("room", roomID), zap.Error(err))
			}
		}
	}
}

// leave runs on its own short deadline because the session's context
// is usually already canceled by the time we get here.
func (s *Session) leave(roomID, userID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.cfg.Matcher.Leave(ctx, roomID, userID); err != nil {
		s.logger.Warn("leave failed", zap.String("room", roomID), zap.Error(err))
	}
}

func (s *Session) record(r room.Room, userID string, partner room.Participant, startedAt time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := s.cfg.Recorder.Record(ctx, history.Entry{
		RoomID:      r.ID,
		UserID:      userID,
		PartnerID:   partner.UserID,
		PartnerName: partner.DisplayName,
		Topic:       r.Topic,
		Language:    r.Language,
		StartedAt:   startedAt,
		EndedAt:     time.Now(),
	})
	if err != nil {
		s.logger.Warn("failed to record discussion", zap.String("room", r.ID), zap.Error(err))
	}
}
