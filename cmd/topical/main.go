package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/topical-chat/topical/internal/config"
	"github.com/topical-chat/topical/internal/history"
	"github.com/topical-chat/topical/internal/lifecycle"
	"github.com/topical-chat/topical/internal/matcher"
	"github.com/topical-chat/topical/internal/quality"
	"github.com/topical-chat/topical/internal/relay"
	"github.com/topical-chat/topical/internal/retry"
	"github.com/topical-chat/topical/internal/room"
	"github.com/topical-chat/topical/internal/rtc"
	"github.com/topical-chat/topical/internal/session"
	sig "github.com/topical-chat/topical/internal/signal"
	"github.com/topical-chat/topical/internal/store"
)

// Application holds every long-lived component of the process.
type Application struct {
	config   *config.Config
	logger   *zap.Logger
	rooms    store.RoomStore
	signals  sig.Store
	channel  sig.Channel
	matcher  *matcher.Matcher
	recorder *history.Recorder
	turn     *relay.Server
	closers  []func()
}

func main() {
	var (
		mode      = flag.String("mode", "call", "run mode: call, sweep, worker or relay")
		topic     = flag.String("topic", "", "discussion topic to match on")
		userID    = flag.String("user", "", "user id (random when empty)")
		name      = flag.String("name", "", "display name shown to the partner")
		language  = flag.String("language", "", "preferred discussion language")
		continent = flag.String("continent", "", "preferred partner continent")
		observer  = flag.Bool("observer", false, "join silently without publishing media")
		addr      = flag.String("addr", "localhost:7000", "listen address for -mode relay")
		debug     = flag.Bool("debug", false, "verbose logging")
	)
	flag.Parse()

	logger, err := newLogger(*debug)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()
	zap.ReplaceGlobals(logger)

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("failed to load config", zap.Error(err))
	}
	if *language != "" {
		cfg.Match.Language = *language
	}
	if *continent != "" {
		cfg.Match.Continent = *continent
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal("invalid config", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := NewApplication(cfg, logger)
	if err != nil {
		logger.Fatal("failed to build application", zap.Error(err))
	}
	defer app.Cleanup()

	switch *mode {
	case "call":
		if *topic == "" {
			logger.Fatal("a topic is required: -topic \"climate policy\"")
		}
		id := *userID
		if id == "" {
			id = uuid.NewString()
		}
		role := room.RoleParticipant
		if *observer {
			role = room.RoleObserver
		}
		err = app.runCall(ctx, matcher.Criteria{
			Topic:       strings.TrimSpace(*topic),
			Language:    cfg.Match.Language,
			Continent:   cfg.Match.Continent,
			UserID:      id,
			DisplayName: *name,
			Role:        role,
		})
	case "sweep":
		err = app.runSweep(ctx)
	case "worker":
		err = app.runWorker(ctx)
	case "relay":
		err = sig.NewRelayServer(cfg.Sweep.SignalTTL, logger).Run(ctx, *addr)
	default:
		logger.Fatal("unknown mode", zap.String("mode", *mode))
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal("exited with error", zap.Error(err))
	}
}

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func NewApplication(cfg *config.Config, logger *zap.Logger) (*Application, error) {
	app := &Application{config: cfg, logger: logger}

	if cfg.RedisURL != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		rds, err := store.NewRedis(ctx, cfg.RedisURL, logger)
		if err != nil {
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		app.rooms, app.signals = rds, rds
		app.closers = append(app.closers, func() { rds.Close() })
	} else {
		mem := store.NewMemory()
		app.rooms, app.signals = mem, mem
		logger.Warn("no REDIS_URL set, using in-memory store (single process only)")
	}

	policy := retry.DefaultPolicy()
	app.matcher = matcher.New(app.rooms, policy, logger)

	if cfg.RelayAddr != "" {
		ch, err := sig.DialRelay(cfg.RelayAddr, policy, logger)
		if err != nil {
			return nil, fmt.Errorf("dial signaling relay: %w", err)
		}
		app.channel = ch
		app.closers = append(app.closers, func() { ch.Close() })
	} else {
		app.channel = sig.NewStoreChannel(app.signals, policy, logger)
	}

	if cfg.PostgresDSN != "" {
		rec, err := history.NewRecorder(cfg.PostgresDSN, logger)
		if err != nil {
			return nil, fmt.Errorf("connect history store: %w", err)
		}
		app.recorder = rec
		app.closers = append(app.closers, func() { rec.Close() })
	}

	return app, nil
}

func (app *Application) Cleanup() {
	for i := len(app.closers) - 1; i >= 0; i-- {
		app.closers[i]()
	}
	if app.turn != nil {
		if err := app.turn.Stop(); err != nil {
			app.logger.Warn("failed to stop TURN relay", zap.Error(err))
		}
	}
}

func (app *Application) runCall(ctx context.Context, criteria matcher.Criteria) error {
	cfg := app.config

	var iceServers []webrtc.ICEServer
	if cfg.Turn.PublicIP != "" {
		turnServer, err := relay.NewServer(relay.Config{
			Realm:    cfg.Turn.Realm,
			PublicIP: cfg.Turn.PublicIP,
			Port:     cfg.Turn.Port,
			Users:    map[string]string{cfg.Turn.Username: cfg.Turn.Password},
		}, app.logger)
		if err != nil {
			return err
		}
		if err := turnServer.Start(ctx); err != nil {
			return err
		}
		app.turn = turnServer
		iceServers = turnServer.ICEServers(cfg.Turn.Username)
	} else {
		iceServers = []webrtc.ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}}
	}

	// Observers are handled by the session: it drops every constraint
	// so no track is ever acquired or published.
	constraints := rtc.MediaConstraints{
		Audio:  cfg.Media.Audio,
		Video:  cfg.Media.Video,
		Width:  cfg.Media.Width,
		Height: cfg.Media.Height,
	}

	provider, err := rtc.NewDeviceProvider(cfg.Media.BitRate, app.logger)
	if err != nil {
		return fmt.Errorf("media provider: %w", err)
	}
	factory := rtc.NewPionFactory(iceServers, provider, app.logger)

	// Local sweeper keeps the store tidy even without a worker fleet.
	sweeper := lifecycle.NewSweeper(app.rooms, app.signals, lifecycle.Options{
		IdleRoomTTL:   cfg.Sweep.IdleRoomTTL,
		SignalTTL:     cfg.Sweep.SignalTTL,
		LeaseTTL:      cfg.Match.LeaseTTL,
		SweepInterval: cfg.Sweep.Interval,
	}, app.logger)
	go sweeper.Run(ctx)

	sess, err := buildSession(app, provider, factory, constraints)
	if err != nil {
		return err
	}
	return sess.Run(ctx, criteria)
}

func buildSession(app *Application, provider rtc.MediaProvider, factory rtc.TransportFactory, constraints rtc.MediaConstraints) (*session.Session, error) {
	cfg := app.config
	return session.New(session.Config{
		Matcher:         app.matcher,
		Rooms:           app.rooms,
		Channel:         app.channel,
		Factory:         factory,
		Media:           provider,
		Recorder:        app.recorder,
		Constraints:     constraints,
		LeaseTTL:        cfg.Match.LeaseTTL,
		QualityInterval: cfg.Quality.Interval,
		QualityThresholds: quality.Thresholds{
			PoorLoss: cfg.Quality.PoorLossRatio,
			FairRTT:  cfg.Quality.FairRTT,
		},
		OnQuality: func(remote string, tier quality.Tier, s quality.Sample) {
			app.logger.Info("connection quality changed",
				zap.String("remote", remote),
				zap.String("tier", tier.String()),
				zap.String("sample", s.String()))
		},
		Logger: app.logger,
	})
}

func (app *Application) runSweep(ctx context.Context) error {
	cfg := app.config
	if cfg.Sweep.Distributed {
		enq, err := lifecycle.NewEnqueuer(cfg.RedisURL, cfg.Sweep.Interval, app.logger)
		if err != nil {
			return err
		}
		defer enq.Close()
		enq.Run(ctx)
		return nil
	}
	sweeper := lifecycle.NewSweeper(app.rooms, app.signals, lifecycle.Options{
		IdleRoomTTL:   cfg.Sweep.IdleRoomTTL,
		SignalTTL:     cfg.Sweep.SignalTTL,
		LeaseTTL:      cfg.Match.LeaseTTL,
		SweepInterval: cfg.Sweep.Interval,
	}, app.logger)
	sweeper.Run(ctx)
	return nil
}

func (app *Application) runWorker(ctx context.Context) error {
	cfg := app.config
	if cfg.RedisURL == "" {
		return errors.New("worker mode requires REDIS_URL")
	}
	sweeper := lifecycle.NewSweeper(app.rooms, app.signals, lifecycle.Options{
		IdleRoomTTL:   cfg.Sweep.IdleRoomTTL,
		SignalTTL:     cfg.Sweep.SignalTTL,
		LeaseTTL:      cfg.Match.LeaseTTL,
		SweepInterval: cfg.Sweep.Interval,
	}, app.logger)
	worker, err := lifecycle.NewWorker(cfg.RedisURL, sweeper, app.logger)
	if err != nil {
		return err
	}
	return worker.Run(ctx)
}
