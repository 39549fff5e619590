package rtc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/topical-chat/topical/internal/quality"
	"github.com/topical-chat/topical/internal/retry"
	"github.com/topical-chat/topical/internal/signal"
)

// State is the per-remote-peer connection state.
type State int

const (
	StateIdle State = iota
	StateInitiating
	StateAwaitingAnswer
	StateNegotiating
	StateConnected
	StateDisconnected
	StateFailed
	// StateGaveUp is terminal: the retry budget is spent and exactly
	// one terminal failure event has been reported upward.
	StateGaveUp
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateInitiating:
		return "initiating"
	case StateAwaitingAnswer:
		return "awaiting-answer"
	case StateNegotiating:
		return "negotiating"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateFailed:
		return "failed"
	case StateGaveUp:
		return "gave-up"
	default:
		return "unknown"
	}
}

// Event reports a state transition for one remote peer. Err is set on
// failure transitions; for StateGaveUp it is the last failure.
type Event struct {
	RemoteUserID string
	State        State
	Err          error
}

// DefaultNegotiationTimeout bounds how long a negotiation may run
// before it is treated as failed.
const DefaultNegotiationTimeout = 30 * time.Second

// Config wires a Manager. Channel, Factory and Media are required.
type Config struct {
	RoomID     string
	SelfUserID string

	Channel signal.Channel
	Factory TransportFactory
	Media   MediaProvider

	Constraints MediaConstraints

	// RetryPolicy governs negotiation retries: delay base*2^attempt
	// capped at MaxInterval, MaxAttempts tries total.
	RetryPolicy        retry.Policy
	NegotiationTimeout time.Duration

	QualityInterval   time.Duration
	QualityThresholds quality.Thresholds
	// OnQuality fires on quality tier changes while connected. May be nil.
	OnQuality func(remoteUserID string, tier quality.Tier, s quality.Sample)

	Logger *zap.Logger
}

// conn is one arena entry. Insert on initiate or first inbound
// message, remove on teardown or give-up; never rely on garbage
// collection for cleanup.
type conn struct {
	remoteID  string
	transport Transport
	state     State
	attempts  int
	// pending buffers ICE candidates that arrived before the remote
	// description was set.
	pending []webrtc.ICECandidateInit
	monitor *quality.Monitor
	timeout *time.Timer
	gaveUp  bool
}

// Manager owns every peer connection of one local session.
type Manager struct {
	cfg    Config
	logger *zap.Logger

	runCtx    context.Context
	runCancel context.CancelFunc

	mu          sync.Mutex
	started     bool
	closed      bool
	tracks      []LocalTrack
	conns       map[string]*conn
	unsubscribe func()
	events      chan Event
}

// NewManager builds a stopped Manager.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Channel == nil || cfg.Factory == nil || cfg.Media == nil {
		return nil, errors.New("rtc: channel, factory and media provider are required")
	}
	if cfg.SelfUserID == "" || cfg.RoomID == "" {
		return nil, errors.New("rtc: room id and self user id are required")
	}
	if cfg.NegotiationTimeout <= 0 {
		cfg.NegotiationTimeout = DefaultNegotiationTimeout
	}
	if cfg.RetryPolicy.InitialInterval == 0 {
		cfg.RetryPolicy = retry.DefaultPolicy()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Manager{
		cfg:    cfg,
		logger: cfg.Logger.Named("rtc").With(zap.String("room", cfg.RoomID)),
		conns:  make(map[string]*conn),
		events: make(chan Event, 32),
	}, nil
}

// Start acquires local media and subscribes to signaling. It must be
// called before Connect.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return errors.New("rtc: manager already started")
	}
	m.started = true
	m.runCtx, m.runCancel = context.WithCancel(ctx)
	m.mu.Unlock()

	tracks, err := m.cfg.Media.GetMedia(m.runCtx, m.cfg.Constraints)
	if err != nil {
		return fmt.Errorf("rtc: acquire media: %w", err)
	}

	unsub, err := m.cfg.Channel.Subscribe(m.runCtx, m.cfg.RoomID, m.cfg.SelfUserID, m.handleRemoteMessage)
	if err != nil {
		for _, t := range tracks {
			_ = t.Close()
		}
		return fmt.Errorf("rtc: subscribe signaling: %w", err)
	}

	m.mu.Lock()
	m.tracks = tracks
	m.unsubscribe = unsub
	m.mu.Unlock()
	return nil
}

// Events delivers state transitions. The channel closes on Teardown.
func (m *Manager) Events() <-chan Event { return m.events }

// IsOfferer applies the glare rule: for any peer pair exactly one side
// offers, and it is the side with the lexicographically smaller user
// id.
func (m *Manager) IsOfferer(remoteUserID string) bool {
	return m.cfg.SelfUserID < remoteUserID
}

// Connect starts negotiation with the remote peer, offering or waiting
// for the remote offer according to the glare rule.
func (m *Manager) Connect(remoteUserID string) {
	if m.IsOfferer(remoteUserID) {
		m.Initiate(remoteUserID)
		return
	}
	// Answerer side: register the connection so early candidates have
	// somewhere to buffer, then wait for the offer. The timeout is
	// armed here too, so a remote that never offers still fails the
	// attempt instead of holding the peer in idle forever.
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	c, err := m.ensureConnLocked(remoteUserID)
	if err != nil {
		m.logger.Error("failed to prepare transport", zap.String("remote", remoteUserID), zap.Error(err))
		return
	}
	if c.gaveUp {
		return
	}
	m.armTimeoutLocked(c)
}

// Initiate creates an offer for the remote peer and sends it through
// the signaling channel.
func (m *Manager) Initiate(remoteUserID string) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	c, err := m.ensureConnLocked(remoteUserID)
	if err != nil {
		m.mu.Unlock()
		m.failNegotiation(remoteUserID, "offer", err)
		return
	}
	if c.gaveUp {
		m.mu.Unlock()
		return
	}
	m.setStateLocked(c, StateInitiating, nil)
	transport := c.transport
	m.mu.Unlock()

	offer, err := transport.CreateOffer(m.runCtx)
	if err != nil {
		m.failNegotiation(remoteUserID, "offer", err)
		return
	}
	if err := transport.SetLocalDescription(offer); err != nil {
		m.failNegotiation(remoteUserID, "offer", err)
		return
	}
	if err := m.cfg.Channel.Send(m.runCtx, signal.Message{
		RoomID: m.cfg.RoomID,
		From:   m.cfg.SelfUserID,
		To:     remoteUserID,
		Kind:   signal.KindOffer,
		SDP:    offer.SDP,
	}); err != nil {
		m.failNegotiation(remoteUserID, "offer", err)
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.conns[remoteUserID]; ok && !m.closed {
		m.setStateLocked(c, StateAwaitingAnswer, nil)
		m.armTimeoutLocked(c)
	}
}

// ToggleLocalTrack flips the outgoing track of the given kind without
// renegotiation or any state change.
func (m *Manager) ToggleLocalTrack(kind TrackKind, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errors.New("rtc: manager is torn down")
	}

	found := false
	for _, t := range m.tracks {
		if t.Kind() == kind {
			t.SetEnabled(enabled)
			found = true
		}
	}
	if !found {
		return fmt.Errorf("rtc: no local %s track", kind)
	}
	for _, c := range m.conns {
		if err := c.transport.SetTrackEnabled(kind, enabled); err != nil {
			return fmt.Errorf("rtc: toggle %s for %s: %w", kind, c.remoteID, err)
		}
	}
	m.logger.Info("toggled local track", zap.String("kind", string(kind)), zap.Bool("enabled", enabled))
	return nil
}

// PeerState reports the current state for one remote peer.
func (m *Manager) PeerState(remoteUserID string) (State, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conns[remoteUserID]
	if !ok {
		return StateIdle, false
	}
	return c.state, true
}

// Teardown releases everything the manager holds: local tracks,
// transports, signaling subscriptions and monitor timers. Idempotent;
// every failure path must end here.
func (m *Manager) Teardown() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	unsub := m.unsubscribe
	m.unsubscribe = nil
	conns := make([]*conn, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.conns = make(map[string]*conn)
	tracks := m.tracks
	m.tracks = nil
	close(m.events)
	m.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	for _, c := range conns {
		if c.timeout != nil {
			c.timeout.Stop()
		}
		if c.monitor != nil {
			c.monitor.Stop()
		}
		if err := c.transport.Close(); err != nil {
			m.logger.Warn("transport close failed", zap.String("remote", c.remoteID), zap.Error(err))
		}
	}
	for _, t := range tracks {
		if err := t.Close(); err != nil {
			m.logger.Warn("track close failed", zap.String("kind", string(t.Kind())), zap.Error(err))
		}
	}
	if m.runCancel != nil {
		m.runCancel()
	}
	m.logger.Info("manager torn down")
}

// ---- inbound signaling ----

func (m *Manager) handleRemoteMessage(msg signal.Message) {
	if msg.From == "" || msg.From == m.cfg.SelfUserID {
		return
	}
	switch msg.Kind {
	case signal.KindOffer:
		m.handleOffer(msg)
	case signal.KindAnswer:
		m.handleAnswer(msg)
	case signal.KindICECandidate:
		m.handleCandidate(msg)
	default:
		m.logger.Warn("ignoring unknown signaling kind", zap.String("kind", string(msg.Kind)))
	}
}

func (m *Manager) handleOffer(msg signal.Message) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	c, err := m.ensureConnLocked(msg.From)
	if err != nil {
		m.mu.Unlock()
		m.failNegotiation(msg.From, "answer", err)
		return
	}
	if c.gaveUp {
		m.mu.Unlock()
		return
	}
	if c.state == StateAwaitingAnswer {
		if m.IsOfferer(msg.From) {
			// Glare: both sides offered. We hold the smaller id, so our
			// offer stands and theirs is dropped; the remote yields.
			m.logger.Warn("dropping remote offer during glare", zap.String("remote", msg.From))
			m.mu.Unlock()
			return
		}
		// We offered but the glare rule says the remote is the
		// offerer. Yield: rebuild the transport and answer instead.
		if err := m.rebuildConnLocked(c); err != nil {
			m.mu.Unlock()
			m.failNegotiation(msg.From, "answer", err)
			return
		}
	}
	transport := c.transport
	m.mu.Unlock()

	if err := transport.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  msg.SDP,
	}); err != nil {
		m.failNegotiation(msg.From, "answer", err)
		return
	}
	m.flushPendingCandidates(msg.From)

	answer, err := transport.CreateAnswer(m.runCtx)
	if err != nil {
		m.failNegotiation(msg.From, "answer", err)
		return
	}
	if err := transport.SetLocalDescription(answer); err != nil {
		m.failNegotiation(msg.From, "answer", err)
		return
	}
	if err := m.cfg.Channel.Send(m.runCtx, signal.Message{
		RoomID: m.cfg.RoomID,
		From:   m.cfg.SelfUserID,
		To:     msg.From,
		Kind:   signal.KindAnswer,
		SDP:    answer.SDP,
	}); err != nil {
		m.failNegotiation(msg.From, "answer", err)
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.conns[msg.From]; ok && !m.closed {
		m.setStateLocked(c, StateNegotiating, nil)
		m.armTimeoutLocked(c)
	}
}

func (m *Manager) handleAnswer(msg signal.Message) {
	m.mu.Lock()
	c, ok := m.conns[msg.From]
	if !ok || m.closed || c.gaveUp {
		m.mu.Unlock()
		return
	}
	transport := c.transport
	m.mu.Unlock()

	if err := transport.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  msg.SDP,
	}); err != nil {
		m.failNegotiation(msg.From, "answer", err)
		return
	}
	m.flushPendingCandidates(msg.From)

	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.conns[msg.From]; ok && !m.closed && c.state == StateAwaitingAnswer {
		m.setStateLocked(c, StateNegotiating, nil)
	}
}

func (m *Manager) handleCandidate(msg signal.Message) {
	if msg.Candidate == nil {
		return
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	c, err := m.ensureConnLocked(msg.From)
	if err != nil {
		m.mu.Unlock()
		m.failNegotiation(msg.From, "candidate", err)
		return
	}
	if !c.transport.HasRemoteDescription() {
		// A candidate racing ahead of the answer is expected with slot
		// overwrites; hold it until the remote description lands.
		c.pending = append(c.pending, *msg.Candidate)
		m.mu.Unlock()
		return
	}
	transport := c.transport
	m.mu.Unlock()

	if err := transport.AddICECandidate(*msg.Candidate); err != nil {
		m.logger.Warn("failed to add ICE candidate", zap.String("remote", msg.From), zap.Error(err))
	}
}

func (m *Manager) flushPendingCandidates(remoteUserID string) {
	m.mu.Lock()
	c, ok := m.conns[remoteUserID]
	if !ok {
		m.mu.Unlock()
		return
	}
	pending := c.pending
	c.pending = nil
	transport := c.transport
	m.mu.Unlock()

	for _, cand := range pending {
		if err := transport.AddICECandidate(cand); err != nil {
			m.logger.Warn("failed to flush buffered candidate",
				zap.String("remote", remoteUserID), zap.Error(err))
		}
	}
}

// ---- transport wiring ----

func (m *Manager) ensureConnLocked(remoteUserID string) (*conn, error) {
	if c, ok := m.conns[remoteUserID]; ok {
		return c, nil
	}
	transport, err := m.newTransportLocked(remoteUserID)
	if err != nil {
		return nil, err
	}
	c := &conn{remoteID: remoteUserID, transport: transport, state: StateIdle}
	m.conns[remoteUserID] = c
	return c, nil
}

// rebuildConnLocked replaces a connection's transport, keeping its
// attempt counter. Used on retry and when yielding a glare.
func (m *Manager) rebuildConnLocked(c *conn) error {
	if c.timeout != nil {
		c.timeout.Stop()
		c.timeout = nil
	}
	if c.monitor != nil {
		go c.monitor.Stop()
		c.monitor = nil
	}
	_ = c.transport.Close()
	transport, err := m.newTransportLocked(c.remoteID)
	if err != nil {
		return err
	}
	c.transport = transport
	c.pending = nil
	return nil
}

func (m *Manager) newTransportLocked(remoteUserID string) (Transport, error) {
	transport, err := m.cfg.Factory.NewTransport(m.runCtx)
	if err != nil {
		return nil, fmt.Errorf("create transport: %w", err)
	}
	if err := transport.AttachMedia(m.tracks); err != nil {
		_ = transport.Close()
		return nil, fmt.Errorf("attach media: %w", err)
	}
	transport.OnICECandidate(func(cand webrtc.ICECandidateInit) {
		m.sendCandidate(remoteUserID, cand)
	})
	transport.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		m.handleTransportState(remoteUserID, state)
	})
	transport.OnTrack(func(kind TrackKind) {
		m.logger.Info("remote track arrived",
			zap.String("remote", remoteUserID), zap.String("kind", string(kind)))
	})
	return transport, nil
}

func (m *Manager) sendCandidate(remoteUserID string, cand webrtc.ICECandidateInit) {
	err := m.cfg.Channel.Send(m.runCtx, signal.Message{
		RoomID:    m.cfg.RoomID,
		From:      m.cfg.SelfUserID,
		To:        remoteUserID,
		Kind:      signal.KindICECandidate,
		Candidate: &cand,
	})
	if err != nil {
		m.logger.Warn("failed to send ICE candidate",
			zap.String("remote", remoteUserID), zap.Error(err))
	}
}

func (m *Manager) handleTransportState(remoteUserID string, state webrtc.PeerConnectionState) {
	switch state {
	case webrtc.PeerConnectionStateConnected:
		m.mu.Lock()
		c, ok := m.conns[remoteUserID]
		if !ok || m.closed {
			m.mu.Unlock()
			return
		}
		c.attempts = 0
		if c.timeout != nil {
			c.timeout.Stop()
			c.timeout = nil
		}
		m.setStateLocked(c, StateConnected, nil)
		m.startMonitorLocked(c)
		m.mu.Unlock()

	case webrtc.PeerConnectionStateDisconnected:
		m.mu.Lock()
		if c, ok := m.conns[remoteUserID]; ok && !m.closed && c.state == StateConnected {
			m.setStateLocked(c, StateDisconnected, nil)
		}
		m.mu.Unlock()

	case webrtc.PeerConnectionStateFailed:
		m.failNegotiation(remoteUserID, "transport", errors.New("peer transport failed"))
	}
}

func (m *Manager) startMonitorLocked(c *conn) {
	if c.monitor != nil {
		return
	}
	transport := c.transport
	remote := c.remoteID
	c.monitor = quality.NewMonitor(
		func(ctx context.Context) (quality.Sample, error) {
			s, err := transport.Stats(ctx)
			if err != nil {
				return quality.Sample{}, err
			}
			return quality.Sample{RTT: s.RTT, Bandwidth: s.Bandwidth, PacketLoss: s.PacketLoss}, nil
		},
		m.cfg.QualityInterval,
		m.cfg.QualityThresholds,
		func(tier quality.Tier, s quality.Sample) {
			if m.cfg.OnQuality != nil {
				m.cfg.OnQuality(remote, tier, s)
			}
		},
		m.logger,
	)
	c.monitor.Start(m.runCtx)
}

// ---- failure and retry ----

func (m *Manager) failNegotiation(remoteUserID, stage string, cause error) {
	negErr := &NegotiationError{RemoteUserID: remoteUserID, Stage: stage, Err: cause}
	var timeoutErr *TimeoutError
	if errors.As(cause, &timeoutErr) {
		// Keep the timeout visible to the caller rather than wrapping it.
		m.logger.Warn("negotiation timed out", zap.String("remote", remoteUserID))
	}

	m.mu.Lock()
	c, ok := m.conns[remoteUserID]
	if !ok || m.closed || c.gaveUp {
		m.mu.Unlock()
		return
	}
	c.attempts++
	if c.timeout != nil {
		c.timeout.Stop()
		c.timeout = nil
	}
	if c.monitor != nil {
		mon := c.monitor
		c.monitor = nil
		go mon.Stop()
	}
	m.setStateLocked(c, StateFailed, negErr)

	if m.cfg.RetryPolicy.Exhausted(c.attempts) {
		c.gaveUp = true
		m.setStateLocked(c, StateGaveUp, negErr)
		delete(m.conns, remoteUserID)
		transport := c.transport
		m.mu.Unlock()
		_ = transport.Close()
		m.logger.Error("negotiation abandoned",
			zap.String("remote", remoteUserID),
			zap.Int("attempts", c.attempts),
			zap.Error(cause))
		return
	}

	delay := m.cfg.RetryPolicy.Delay(c.attempts - 1)
	m.mu.Unlock()

	m.logger.Warn("negotiation failed, retrying",
		zap.String("remote", remoteUserID),
		zap.String("stage", stage),
		zap.Int("attempt", c.attempts),
		zap.Duration("backoff", delay),
		zap.Error(cause))

	go func() {
		select {
		case <-time.After(delay):
		case <-m.runCtx.Done():
			return
		}
		m.retry(remoteUserID)
	}()
}

func (m *Manager) retry(remoteUserID string) {
	m.mu.Lock()
	c, ok := m.conns[remoteUserID]
	if !ok || m.closed || c.gaveUp {
		m.mu.Unlock()
		return
	}
	if err := m.rebuildConnLocked(c); err != nil {
		m.mu.Unlock()
		m.failNegotiation(remoteUserID, "transport", err)
		return
	}
	offerer := m.IsOfferer(remoteUserID)
	if !offerer {
		// The answerer can only wait for the next offer; arm the
		// timeout so a silent remote still fails the attempt.
		m.setStateLocked(c, StateIdle, nil)
		m.armTimeoutLocked(c)
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()
	m.Initiate(remoteUserID)
}

func (m *Manager) armTimeoutLocked(c *conn) {
	if c.timeout != nil {
		c.timeout.Stop()
	}
	remote := c.remoteID
	window := m.cfg.NegotiationTimeout
	c.timeout = time.AfterFunc(window, func() {
		m.mu.Lock()
		cc, ok := m.conns[remote]
		stillPending := ok && !m.closed && cc.state != StateConnected && !cc.gaveUp
		m.mu.Unlock()
		if stillPending {
			m.failNegotiation(remote, "timeout", &TimeoutError{RemoteUserID: remote, Window: window})
		}
	})
}

// setStateLocked records the transition and emits it. Callers hold m.mu.
func (m *Manager) setStateLocked(c *conn, s State, err error) {
	if c.state == s && err == nil {
		return
	}
	c.state = s
	m.logger.Debug("peer state", zap.String("remote", c.remoteID), zap.String("state", s.String()))
	if m.closed {
		return
	}
	select {
	case m.events <- Event{RemoteUserID: c.remoteID, State: s, Err: err}:
	default:
		// Slow consumers lose intermediate transitions, never the
		// chance to observe the latest state via PeerState.
	}
}
