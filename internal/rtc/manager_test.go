package rtc

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/topical-chat/topical/internal/retry"
	"github.com/topical-chat/topical/internal/signal"
)

// ---- fakes ----

type fakeTrack struct {
	kind    TrackKind
	mu      sync.Mutex
	enabled bool
	closed  bool
}

func (f *fakeTrack) Kind() TrackKind { return f.kind }
func (f *fakeTrack) SetEnabled(v bool) {
	f.mu.Lock()
	f.enabled = v
	f.mu.Unlock()
}
func (f *fakeTrack) Enabled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.enabled
}
func (f *fakeTrack) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}
func (f *fakeTrack) Unwrap() webrtc.TrackLocal { return nil }

type fakeMedia struct {
	tracks []LocalTrack
	err    error
}

func (f *fakeMedia) GetMedia(ctx context.Context, c MediaConstraints) ([]LocalTrack, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.tracks, nil
}

type fakeTransport struct {
	mu            sync.Mutex
	remoteDesc    *webrtc.SessionDescription
	candidates    []webrtc.ICECandidateInit
	offers        int
	answers       int
	toggled       map[TrackKind]bool
	closed        bool
	failOffer     bool
	onState       func(webrtc.PeerConnectionState)
	statsSnapshot StatsSnapshot
}

func (f *fakeTransport) CreateOffer(ctx context.Context) (webrtc.SessionDescription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failOffer {
		return webrtc.SessionDescription{}, errors.New("offer refused")
	}
	f.offers++
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "offer-sdp"}, nil
}

func (f *fakeTransport) CreateAnswer(ctx context.Context) (webrtc.SessionDescription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.answers++
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "answer-sdp"}, nil
}

func (f *fakeTransport) SetLocalDescription(desc webrtc.SessionDescription) error { return nil }

func (f *fakeTransport) SetRemoteDescription(desc webrtc.SessionDescription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.remoteDesc = &desc
	return nil
}

func (f *fakeTransport) HasRemoteDescription() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.remoteDesc != nil
}

func (f *fakeTransport) AddICECandidate(c webrtc.ICECandidateInit) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.candidates = append(f.candidates, c)
	return nil
}

func (f *fakeTransport) AttachMedia(tracks []LocalTrack) error { return nil }

func (f *fakeTransport) SetTrackEnabled(kind TrackKind, enabled bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.toggled == nil {
		f.toggled = make(map[TrackKind]bool)
	}
	f.toggled[kind] = enabled
	return nil
}

func (f *fakeTransport) OnICECandidate(fn func(webrtc.ICECandidateInit)) {}

func (f *fakeTransport) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	f.mu.Lock()
	f.onState = fn
	f.mu.Unlock()
}

func (f *fakeTransport) OnTrack(fn func(TrackKind)) {}

func (f *fakeTransport) fireState(s webrtc.PeerConnectionState) {
	f.mu.Lock()
	fn := f.onState
	f.mu.Unlock()
	if fn != nil {
		fn(s)
	}
}

func (f *fakeTransport) Stats(ctx context.Context) (StatsSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.statsSnapshot, nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

type fakeFactory struct {
	mu         sync.Mutex
	transports []*fakeTransport
	failOffers bool
}

func (f *fakeFactory) NewTransport(ctx context.Context) (Transport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := &fakeTransport{failOffer: f.failOffers}
	f.transports = append(f.transports, t)
	return t, nil
}

func (f *fakeFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.transports)
}

func (f *fakeFactory) last() *fakeTransport {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.transports) == 0 {
		return nil
	}
	return f.transports[len(f.transports)-1]
}

// fakeChannel records sends and lets tests inject inbound messages.
type fakeChannel struct {
	mu       sync.Mutex
	sent     []signal.Message
	handlers map[string]func(signal.Message)
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{handlers: make(map[string]func(signal.Message))}
}

func (c *fakeChannel) Send(ctx context.Context, msg signal.Message) error {
	c.mu.Lock()
	c.sent = append(c.sent, msg)
	c.mu.Unlock()
	return nil
}

func (c *fakeChannel) Subscribe(ctx context.Context, roomID, selfUserID string, onMessage func(signal.Message)) (func(), error) {
	c.mu.Lock()
	c.handlers[roomID+":"+selfUserID] = onMessage
	c.mu.Unlock()
	return func() {}, nil
}

func (c *fakeChannel) CleanupStale(ctx context.Context, roomID string, ttl time.Duration) (int, error) {
	return 0, nil
}

func (c *fakeChannel) deliver(msg signal.Message) {
	c.mu.Lock()
	h := c.handlers[msg.RoomID+":"+msg.To]
	c.mu.Unlock()
	if h != nil {
		h(msg)
	}
}

func (c *fakeChannel) sentKinds() []signal.Kind {
	c.mu.Lock()
	defer c.mu.Unlock()
	kinds := make([]signal.Kind, len(c.sent))
	for i, m := range c.sent {
		kinds[i] = m.Kind
	}
	return kinds
}

// ---- helpers ----

func fastRetry(attempts uint64) retry.Policy {
	return retry.Policy{
		InitialInterval: time.Millisecond,
		MaxInterval:     2 * time.Millisecond,
		Multiplier:      2,
		MaxAttempts:     attempts,
	}
}

func newTestManager(t *testing.T, selfID string, factory *fakeFactory, ch *fakeChannel, policy retry.Policy) *Manager {
	t.Helper()
	media := &fakeMedia{tracks: []LocalTrack{
		&fakeTrack{kind: TrackAudio, enabled: true},
		&fakeTrack{kind: TrackVideo, enabled: true},
	}}
	m, err := NewManager(Config{
		RoomID:             "room-1",
		SelfUserID:         selfID,
		Channel:            ch,
		Factory:            factory,
		Media:              media,
		RetryPolicy:        policy,
		NegotiationTimeout: time.Minute,
		Logger:             zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(m.Teardown)
	return m
}

func waitForState(t *testing.T, m *Manager, remote string, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if got, ok := m.PeerState(remote); ok && got == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	got, ok := m.PeerState(remote)
	t.Fatalf("peer %s state = %v (tracked=%v), want %s", remote, got, ok, want)
}

func collectEvents(m *Manager) (<-chan []Event, func()) {
	out := make(chan []Event, 1)
	done := make(chan struct{})
	var once sync.Once
	go func() {
		var events []Event
		for {
			select {
			case ev, ok := <-m.Events():
				if !ok {
					out <- events
					return
				}
				events = append(events, ev)
			case <-done:
				out <- events
				return
			}
		}
	}()
	return out, func() { once.Do(func() { close(done) }) }
}

// ---- tests ----

func TestIsOfferer(t *testing.T) {
	ch := newFakeChannel()
	m := newTestManager(t, "bbb", &fakeFactory{}, ch, fastRetry(3))

	if !m.IsOfferer("ccc") {
		t.Fatal("smaller id must offer")
	}
	if m.IsOfferer("aaa") {
		t.Fatal("larger id must wait for the offer")
	}
}

func TestInitiateSendsOfferAndAwaitsAnswer(t *testing.T) {
	factory := &fakeFactory{}
	ch := newFakeChannel()
	m := newTestManager(t, "alice", factory, ch, fastRetry(3))

	m.Initiate("bob")
	waitForState(t, m, "bob", StateAwaitingAnswer)

	kinds := ch.sentKinds()
	if len(kinds) != 1 || kinds[0] != signal.KindOffer {
		t.Fatalf("sent kinds = %v, want [offer]", kinds)
	}

	ch.deliver(signal.Message{
		RoomID: "room-1", From: "bob", To: "alice",
		Kind: signal.KindAnswer, SDP: "answer-sdp",
	})
	waitForState(t, m, "bob", StateNegotiating)

	factory.last().fireState(webrtc.PeerConnectionStateConnected)
	waitForState(t, m, "bob", StateConnected)
}

func TestInboundOfferProducesAnswer(t *testing.T) {
	factory := &fakeFactory{}
	ch := newFakeChannel()
	// bob > alice, so bob answers.
	m := newTestManager(t, "bob", factory, ch, fastRetry(3))

	ch.deliver(signal.Message{
		RoomID: "room-1", From: "alice", To: "bob",
		Kind: signal.KindOffer, SDP: "offer-sdp",
	})
	waitForState(t, m, "alice", StateNegotiating)

	kinds := ch.sentKinds()
	if len(kinds) != 1 || kinds[0] != signal.KindAnswer {
		t.Fatalf("sent kinds = %v, want [answer]", kinds)
	}
}

func TestEarlyCandidatesBufferedUntilRemoteDescription(t *testing.T) {
	factory := &fakeFactory{}
	ch := newFakeChannel()
	m := newTestManager(t, "bob", factory, ch, fastRetry(3))

	cand := webrtc.ICECandidateInit{Candidate: "candidate:early"}
	ch.deliver(signal.Message{
		RoomID: "room-1", From: "alice", To: "bob",
		Kind: signal.KindICECandidate, Candidate: &cand,
	})

	transport := factory.last()
	transport.mu.Lock()
	buffered := len(transport.candidates)
	transport.mu.Unlock()
	if buffered != 0 {
		t.Fatal("candidate applied before the remote description")
	}

	ch.deliver(signal.Message{
		RoomID: "room-1", From: "alice", To: "bob",
		Kind: signal.KindOffer, SDP: "offer-sdp",
	})
	waitForState(t, m, "alice", StateNegotiating)

	deadline := time.Now().Add(time.Second)
	for {
		transport.mu.Lock()
		n := len(transport.candidates)
		transport.mu.Unlock()
		if n == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("buffered candidate never flushed (%d applied)", n)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestRetryExhaustionEmitsOneTerminalEvent(t *testing.T) {
	factory := &fakeFactory{failOffers: true}
	ch := newFakeChannel()
	m := newTestManager(t, "alice", factory, ch, fastRetry(3))

	eventsCh, stop := collectEvents(m)
	defer stop()

	m.Initiate("bob")

	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, tracked := m.PeerState("bob"); !tracked {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("connection never gave up")
		}
		time.Sleep(time.Millisecond)
	}

	stop()
	events := <-eventsCh

	var failed, gaveUp int
	for _, ev := range events {
		switch ev.State {
		case StateFailed:
			failed++
		case StateGaveUp:
			gaveUp++
			var negErr *NegotiationError
			if !errors.As(ev.Err, &negErr) {
				t.Fatalf("terminal event error = %v, want *NegotiationError", ev.Err)
			}
		}
	}
	if failed != 3 {
		t.Fatalf("failed events = %d, want one per attempt (3)", failed)
	}
	if gaveUp != 1 {
		t.Fatalf("terminal events = %d, want exactly 1", gaveUp)
	}
	if factory.count() != 3 {
		t.Fatalf("transports built = %d, want one per attempt (3)", factory.count())
	}
}

func TestNegotiationTimeoutFailsAttempt(t *testing.T) {
	factory := &fakeFactory{}
	ch := newFakeChannel()
	media := &fakeMedia{tracks: []LocalTrack{&fakeTrack{kind: TrackAudio, enabled: true}}}
	m, err := NewManager(Config{
		RoomID:             "room-1",
		SelfUserID:         "alice",
		Channel:            ch,
		Factory:            factory,
		Media:              media,
		RetryPolicy:        fastRetry(1),
		NegotiationTimeout: 10 * time.Millisecond,
		Logger:             zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer m.Teardown()

	eventsCh, stop := collectEvents(m)
	m.Initiate("bob")

	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, tracked := m.PeerState("bob"); !tracked {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("timeout never fired")
		}
		time.Sleep(time.Millisecond)
	}

	stop()
	events := <-eventsCh
	sawTimeout := false
	for _, ev := range events {
		var timeoutErr *TimeoutError
		if ev.Err != nil && errors.As(ev.Err, &timeoutErr) {
			sawTimeout = true
		}
	}
	if !sawTimeout {
		t.Fatalf("no event carried a *TimeoutError: %+v", events)
	}
}

func TestAnswererTimesOutWaitingForOffer(t *testing.T) {
	factory := &fakeFactory{}
	ch := newFakeChannel()
	media := &fakeMedia{tracks: []LocalTrack{&fakeTrack{kind: TrackAudio, enabled: true}}}
	// bob > alice, so bob waits for alice's offer. It never comes.
	m, err := NewManager(Config{
		RoomID:             "room-1",
		SelfUserID:         "bob",
		Channel:            ch,
		Factory:            factory,
		Media:              media,
		RetryPolicy:        fastRetry(1),
		NegotiationTimeout: 10 * time.Millisecond,
		Logger:             zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer m.Teardown()

	eventsCh, stop := collectEvents(m)
	m.Connect("alice")

	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, tracked := m.PeerState("alice"); !tracked {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("silent remote never timed out")
		}
		time.Sleep(time.Millisecond)
	}

	stop()
	events := <-eventsCh
	sawTimeout := false
	for _, ev := range events {
		var timeoutErr *TimeoutError
		if ev.Err != nil && errors.As(ev.Err, &timeoutErr) {
			sawTimeout = true
		}
	}
	if !sawTimeout {
		t.Fatalf("no event carried a *TimeoutError: %+v", events)
	}
}

func TestToggleLocalTrackWithoutRenegotiation(t *testing.T) {
	factory := &fakeFactory{}
	ch := newFakeChannel()
	m := newTestManager(t, "alice", factory, ch, fastRetry(3))

	m.Initiate("bob")
	waitForState(t, m, "bob", StateAwaitingAnswer)
	transport := factory.last()

	if err := m.ToggleLocalTrack(TrackAudio, false); err != nil {
		t.Fatalf("ToggleLocalTrack: %v", err)
	}

	transport.mu.Lock()
	toggledOff := transport.toggled[TrackAudio] == false
	offers := transport.offers
	transport.mu.Unlock()
	if !toggledOff {
		t.Fatal("transport was not told to mute audio")
	}
	if offers != 1 {
		t.Fatalf("toggle triggered renegotiation: %d offers", offers)
	}

	if err := m.ToggleLocalTrack("screen", true); err == nil {
		t.Fatal("expected an error for a track kind we do not hold")
	}
}

func TestGlareYieldsToSmallerID(t *testing.T) {
	factory := &fakeFactory{}
	ch := newFakeChannel()
	// bob should answer, but something drove it to offer anyway.
	m := newTestManager(t, "bob", factory, ch, fastRetry(3))

	m.Initiate("alice")
	waitForState(t, m, "alice", StateAwaitingAnswer)

	ch.deliver(signal.Message{
		RoomID: "room-1", From: "alice", To: "bob",
		Kind: signal.KindOffer, SDP: "offer-sdp",
	})
	waitForState(t, m, "alice", StateNegotiating)

	// Yielding rebuilds the transport to shed the stale local offer.
	if factory.count() != 2 {
		t.Fatalf("transports built = %d, want 2 after yielding", factory.count())
	}
	kinds := ch.sentKinds()
	if kinds[len(kinds)-1] != signal.KindAnswer {
		t.Fatalf("last sent kind = %s, want answer", kinds[len(kinds)-1])
	}
}

func TestTeardownIdempotentAndReleasesEverything(t *testing.T) {
	factory := &fakeFactory{}
	ch := newFakeChannel()
	media := &fakeMedia{tracks: []LocalTrack{&fakeTrack{kind: TrackAudio, enabled: true}}}
	m, err := NewManager(Config{
		RoomID:      "room-1",
		SelfUserID:  "alice",
		Channel:     ch,
		Factory:     factory,
		Media:       media,
		RetryPolicy: fastRetry(3),
		Logger:      zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	m.Initiate("bob")
	waitForState(t, m, "bob", StateAwaitingAnswer)

	m.Teardown()
	m.Teardown() // must be safe

	transport := factory.last()
	transport.mu.Lock()
	closed := transport.closed
	transport.mu.Unlock()
	if !closed {
		t.Fatal("transport not closed on teardown")
	}

	track := media.tracks[0].(*fakeTrack)
	track.mu.Lock()
	trackClosed := track.closed
	track.mu.Unlock()
	if !trackClosed {
		t.Fatal("local track not closed on teardown")
	}

	select {
	case _, ok := <-m.Events():
		if ok {
			// Drain events until closure.
			for range m.Events() {
			}
		}
	case <-time.After(time.Second):
		t.Fatal("events channel not closed")
	}

	if err := m.ToggleLocalTrack(TrackAudio, true); err == nil {
		t.Fatal("operations after teardown must fail")
	}
}

func TestMediaAccessFailureSurfaces(t *testing.T) {
	m, err := NewManager(Config{
		RoomID:      "room-1",
		SelfUserID:  "alice",
		Channel:     newFakeChannel(),
		Factory:     &fakeFactory{},
		Media:       &fakeMedia{err: &AccessError{Device: "camera", Err: errors.New("denied")}},
		RetryPolicy: fastRetry(3),
		Logger:      zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	err = m.Start(context.Background())
	var accessErr *AccessError
	if !errors.As(err, &accessErr) {
		t.Fatalf("Start error = %v, want *AccessError", err)
	}
}
