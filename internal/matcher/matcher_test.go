package matcher

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/topical-chat/topical/internal/retry"
	"github.com/topical-chat/topical/internal/room"
	"github.com/topical-chat/topical/internal/store"
)

func testPolicy() retry.Policy {
	return retry.Policy{
		InitialInterval: time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
		Multiplier:      2,
		MaxAttempts:     4,
	}
}

func newTestMatcher(t *testing.T) (*Matcher, *store.Memory) {
	t.Helper()
	mem := store.NewMemory()
	return New(mem, testPolicy(), zap.NewNop()), mem
}

func TestFindCreatesWhenNoCandidates(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestMatcher(t)

	r, err := m.Find(ctx, Criteria{Topic: "climate", UserID: "alice"})
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if r.Status != room.StatusWaiting {
		t.Fatalf("status = %s, want waiting", r.Status)
	}
	if r.CreatedBy != "alice" || len(r.Participants) != 1 {
		t.Fatalf("unexpected room: %+v", r)
	}
	if r.Language != "en" || r.Continent != "any" {
		t.Fatalf("defaults not applied: language=%s continent=%s", r.Language, r.Continent)
	}
}

func TestFindJoinsWaitingRoom(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestMatcher(t)

	created, err := m.Find(ctx, Criteria{Topic: "climate", UserID: "alice"})
	if err != nil {
		t.Fatalf("Find (create): %v", err)
	}

	joined, err := m.Find(ctx, Criteria{Topic: "climate", UserID: "bob"})
	if err != nil {
		t.Fatalf("Find (join): %v", err)
	}
	if joined.ID != created.ID {
		t.Fatalf("bob got room %s, want %s", joined.ID, created.ID)
	}
	if joined.Status != room.StatusActive {
		t.Fatalf("status = %s, want active", joined.Status)
	}
	if len(joined.Participants) != 2 {
		t.Fatalf("participants = %d, want 2", len(joined.Participants))
	}
}

func TestFindNeverJoinsOwnRoom(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestMatcher(t)

	first, err := m.Find(ctx, Criteria{Topic: "climate", UserID: "alice"})
	if err != nil {
		t.Fatalf("Find: %v", err)
	}

	second, err := m.Find(ctx, Criteria{Topic: "climate", UserID: "alice"})
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if second.ID == first.ID {
		t.Fatal("alice joined her own room as second participant")
	}
	if second.Status != room.StatusWaiting {
		t.Fatalf("status = %s, want waiting", second.Status)
	}
}

func TestFindRespectsContinentFilter(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestMatcher(t)

	created, err := m.Find(ctx, Criteria{Topic: "climate", UserID: "alice", Continent: "europe"})
	if err != nil {
		t.Fatalf("Find: %v", err)
	}

	mismatched, err := m.Find(ctx, Criteria{Topic: "climate", UserID: "bob", Continent: "asia"})
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if mismatched.ID == created.ID {
		t.Fatal("continent filter ignored")
	}

	matched, err := m.Find(ctx, Criteria{Topic: "climate", UserID: "carol", Continent: "europe"})
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if matched.ID != created.ID {
		t.Fatalf("carol got %s, want %s", matched.ID, created.ID)
	}
}

// Two users race for the same waiting slot; exactly one may win it and
// the loser must end up in a different room, never error.
func TestFindConcurrentJoinNoDoubleBooking(t *testing.T) {
	ctx := context.Background()
	m, mem := newTestMatcher(t)

	host, err := m.Find(ctx, Criteria{Topic: "climate", UserID: "host"})
	if err != nil {
		t.Fatalf("Find (host): %v", err)
	}

	results := make([]room.Room, 2)
	var wg sync.WaitGroup
	for i, user := range []string{"racer-a", "racer-b"} {
		wg.Add(1)
		go func(i int, user string) {
			defer wg.Done()
			r, err := m.Find(ctx, Criteria{Topic: "climate", UserID: user})
			if err != nil {
				t.Errorf("Find(%s): %v", user, err)
				return
			}
			results[i] = r
		}(i, user)
	}
	wg.Wait()

	winners := 0
	for _, r := range results {
		if r.ID == host.ID {
			winners++
		}
	}
	if winners != 1 {
		t.Fatalf("%d users joined the host room, want exactly 1", winners)
	}

	final, err := mem.GetRoom(ctx, host.ID)
	if err != nil {
		t.Fatalf("GetRoom: %v", err)
	}
	if len(final.Participants) != room.MaxParticipants {
		t.Fatalf("host room has %d participants, want %d", len(final.Participants), room.MaxParticipants)
	}
}

func TestLeaveTransitions(t *testing.T) {
	ctx := context.Background()
	m, mem := newTestMatcher(t)

	r, err := m.Find(ctx, Criteria{Topic: "climate", UserID: "alice"})
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if _, err := m.Find(ctx, Criteria{Topic: "climate", UserID: "bob"}); err != nil {
		t.Fatalf("Find: %v", err)
	}

	// Partial leave: remaining participant goes back to matchmaking.
	if err := m.Leave(ctx, r.ID, "bob"); err != nil {
		t.Fatalf("Leave: %v", err)
	}
	got, err := mem.GetRoom(ctx, r.ID)
	if err != nil {
		t.Fatalf("GetRoom: %v", err)
	}
	if got.Status != room.StatusWaiting || len(got.Participants) != 1 {
		t.Fatalf("after partial leave: status=%s participants=%d", got.Status, len(got.Participants))
	}

	// Last one out ends the room.
	if err := m.Leave(ctx, r.ID, "alice"); err != nil {
		t.Fatalf("Leave: %v", err)
	}
	got, err = mem.GetRoom(ctx, r.ID)
	if err != nil {
		t.Fatalf("GetRoom: %v", err)
	}
	if got.Status != room.StatusEnded {
		t.Fatalf("after final leave: status=%s, want ended", got.Status)
	}

	// Leaving a room that was already swept is fine.
	if err := m.Leave(ctx, "already-gone", "alice"); err != nil {
		t.Fatalf("Leave on missing room: %v", err)
	}
}

func TestHeartbeatRefreshesLease(t *testing.T) {
	ctx := context.Background()
	m, mem := newTestMatcher(t)

	r, err := m.Find(ctx, Criteria{Topic: "climate", UserID: "alice"})
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	before, _ := mem.GetRoom(ctx, r.ID)

	time.Sleep(5 * time.Millisecond)
	if err := m.Heartbeat(ctx, r.ID, "alice"); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}

	after, _ := mem.GetRoom(ctx, r.ID)
	p0, _ := before.Participant("alice")
	p1, _ := after.Participant("alice")
	if !p1.LastSeenAt.After(p0.LastSeenAt) {
		t.Fatalf("lease not refreshed: %v -> %v", p0.LastSeenAt, p1.LastSeenAt)
	}

	if err := m.Heartbeat(ctx, "already-gone", "alice"); err != nil {
		t.Fatalf("Heartbeat on missing room: %v", err)
	}
}
