package signal

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/topical-chat/topical/internal/retry"
)

// memStore is a minimal in-memory Store for channel tests.
type memStore struct {
	mu       sync.Mutex
	slots    map[string]Message
	watchers map[int64]memWatcher
	next     int64
	putErrs  int // fail this many Puts before succeeding
}

type memWatcher struct {
	roomID string
	to     string
	ch     chan Message
}

func newMemStore() *memStore {
	return &memStore{slots: make(map[string]Message), watchers: make(map[int64]memWatcher)}
}

func (s *memStore) PutSignal(ctx context.Context, msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.putErrs > 0 {
		s.putErrs--
		return context.DeadlineExceeded
	}
	s.slots[msg.RoomID+":"+msg.SlotKey()] = msg
	for _, w := range s.watchers {
		if w.roomID == msg.RoomID && w.to == msg.To {
			w.ch <- msg
		}
	}
	return nil
}

func (s *memStore) DeleteSignal(ctx context.Context, roomID, from, to string, kind Kind) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.slots, roomID+":"+SlotKeyFor(from, to, kind))
	return nil
}

func (s *memStore) SubscribeSignals(ctx context.Context, roomID, toUser string) (<-chan Message, func(), error) {
	s.mu.Lock()
	ch := make(chan Message, 16)
	id := s.next
	s.next++
	s.watchers[id] = memWatcher{roomID: roomID, to: toUser, ch: ch}
	for _, msg := range s.slots {
		if msg.RoomID == roomID && msg.To == toUser {
			ch <- msg
		}
	}
	s.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.watchers, id)
			close(ch)
			s.mu.Unlock()
		})
	}
	return ch, cancel, nil
}

func (s *memStore) PurgeSignals(ctx context.Context, roomID string, olderThan time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for key, msg := range s.slots {
		if msg.RoomID == roomID && msg.SentAt.Before(olderThan) {
			delete(s.slots, key)
			n++
		}
	}
	return n, nil
}

func (s *memStore) slotCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.slots)
}

func fastPolicy() retry.Policy {
	return retry.Policy{InitialInterval: time.Millisecond, MaxInterval: time.Millisecond, Multiplier: 1, MaxAttempts: 3}
}

func TestSendValidates(t *testing.T) {
	c := NewStoreChannel(newMemStore(), fastPolicy(), zap.NewNop())

	testCases := []struct {
		name string
		msg  Message
	}{
		{"missing addressing", Message{Kind: KindOffer, SDP: "x"}},
		{"offer without sdp", Message{RoomID: "r", From: "a", To: "b", Kind: KindOffer}},
		{"candidate without payload", Message{RoomID: "r", From: "a", To: "b", Kind: KindICECandidate}},
		{"unknown kind", Message{RoomID: "r", From: "a", To: "b", Kind: "bogus"}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if err := c.Send(context.Background(), tc.msg); err == nil {
				t.Fatal("expected a validation error")
			}
		})
	}
}

func TestSendRetriesTransientFailures(t *testing.T) {
	store := newMemStore()
	store.putErrs = 2
	c := NewStoreChannel(store, fastPolicy(), zap.NewNop())

	msg := Message{RoomID: "r", From: "a", To: "b", Kind: KindOffer, SDP: "sdp"}
	if err := c.Send(context.Background(), msg); err != nil {
		t.Fatalf("Send should succeed within the retry budget: %v", err)
	}
	if store.slotCount() != 1 {
		t.Fatalf("slot count = %d, want 1", store.slotCount())
	}
}

func TestSendSurfacesExhaustedRetries(t *testing.T) {
	store := newMemStore()
	store.putErrs = 10
	c := NewStoreChannel(store, fastPolicy(), zap.NewNop())

	msg := Message{RoomID: "r", From: "a", To: "b", Kind: KindOffer, SDP: "sdp"}
	err := c.Send(context.Background(), msg)
	if err == nil {
		t.Fatal("expected an error once retries are spent")
	}
	var sigErr *Error
	if !errors.As(err, &sigErr) || sigErr.Op != "send" {
		t.Fatalf("expected a signal *Error for op send, got %v", err)
	}
}

func TestSubscribeDeliversAndClearsSlot(t *testing.T) {
	store := newMemStore()
	c := NewStoreChannel(store, fastPolicy(), zap.NewNop())

	ctx := context.Background()
	got := make(chan Message, 1)
	cancel, err := c.Subscribe(ctx, "r", "b", func(m Message) { got <- m })
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer cancel()

	if err := c.Send(ctx, Message{RoomID: "r", From: "a", To: "b", Kind: KindOffer, SDP: "sdp"}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case m := <-got:
		if m.From != "a" || m.SDP != "sdp" {
			t.Fatalf("unexpected message: %+v", m)
		}
	case <-time.After(time.Second):
		t.Fatal("message not delivered")
	}

	// Handled slots are cleared so nothing is redelivered later.
	deadline := time.Now().Add(time.Second)
	for store.slotCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("slot not cleared, %d remaining", store.slotCount())
		}
		time.Sleep(time.Millisecond)
	}

	cancel()
	cancel() // safe twice
}

func TestSubscribeReplaysPending(t *testing.T) {
	store := newMemStore()
	c := NewStoreChannel(store, fastPolicy(), zap.NewNop())
	ctx := context.Background()

	// The offer lands before the answerer subscribes.
	if err := c.Send(ctx, Message{RoomID: "r", From: "a", To: "b", Kind: KindOffer, SDP: "early"}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	got := make(chan Message, 1)
	cancel, err := c.Subscribe(ctx, "r", "b", func(m Message) { got <- m })
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer cancel()

	select {
	case m := <-got:
		if m.SDP != "early" {
			t.Fatalf("replayed SDP = %q, want early", m.SDP)
		}
	case <-time.After(time.Second):
		t.Fatal("pending message not replayed")
	}
}

func TestSubscribeReplaysEveryPendingKind(t *testing.T) {
	store := newMemStore()
	c := NewStoreChannel(store, fastPolicy(), zap.NewNop())
	ctx := context.Background()

	// The offerer trickles a candidate right after its offer; both must
	// survive until the answerer subscribes.
	if err := c.Send(ctx, Message{RoomID: "r", From: "a", To: "b", Kind: KindOffer, SDP: "sdp"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	cand := webrtc.ICECandidateInit{Candidate: "candidate:1"}
	if err := c.Send(ctx, Message{RoomID: "r", From: "a", To: "b", Kind: KindICECandidate, Candidate: &cand}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	got := make(chan Message, 4)
	cancel, err := c.Subscribe(ctx, "r", "b", func(m Message) { got <- m })
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer cancel()

	kinds := make(map[Kind]bool)
	for i := 0; i < 2; i++ {
		select {
		case m := <-got:
			kinds[m.Kind] = true
		case <-time.After(time.Second):
			t.Fatalf("replayed kinds %v, want offer and ice-candidate", kinds)
		}
	}
	if !kinds[KindOffer] || !kinds[KindICECandidate] {
		t.Fatalf("replayed kinds %v, want offer and ice-candidate", kinds)
	}
}

func TestCleanupStale(t *testing.T) {
	store := newMemStore()
	c := NewStoreChannel(store, fastPolicy(), zap.NewNop())
	ctx := context.Background()

	store.slots["r:a:b:offer"] = Message{RoomID: "r", From: "a", To: "b", Kind: KindOffer, SDP: "x", SentAt: time.Now().Add(-time.Hour)}
	store.slots["r:b:a:answer"] = Message{RoomID: "r", From: "b", To: "a", Kind: KindAnswer, SDP: "y", SentAt: time.Now()}

	n, err := c.CleanupStale(ctx, "r", 5*time.Minute)
	if err != nil {
		t.Fatalf("CleanupStale: %v", err)
	}
	if n != 1 {
		t.Fatalf("purged %d, want 1", n)
	}
}
