package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/topical-chat/topical/internal/room"
	"github.com/topical-chat/topical/internal/signal"
)

// watcherBuffer bounds how many undelivered notifications a slow
// subscriber can hold before newer ones are dropped. Droppped room
// snapshots are harmless: the next mutation delivers a fresh one.
const watcherBuffer = 16

// Memory is an in-memory document store implementing both RoomStore
// and signal.Store. It is the default for tests and single-process
// runs.
type Memory struct {
	mu sync.Mutex

	rooms   map[string]room.Room
	signals map[string]map[string]signal.Message // roomID -> slot -> message

	roomWatchers map[string]map[int64]chan room.Room
	sigWatchers  map[string]map[int64]*sigWatcher
	nextWatcher  int64
}

type sigWatcher struct {
	to string
	ch chan signal.Message
}

var (
	_ RoomStore    = (*Memory)(nil)
	_ signal.Store = (*Memory)(nil)
)

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		rooms:        make(map[string]room.Room),
		signals:      make(map[string]map[string]signal.Message),
		roomWatchers: make(map[string]map[int64]chan room.Room),
		sigWatchers:  make(map[string]map[int64]*sigWatcher),
	}
}

func (m *Memory) CreateRoom(ctx context.Context, r room.Room) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rooms[r.ID] = r.Clone()
	m.notifyRoomLocked(r)
	return nil
}

func (m *Memory) GetRoom(ctx context.Context, id string) (room.Room, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rooms[id]
	if !ok {
		return room.Room{}, ErrNotFound
	}
	return r.Clone(), nil
}

func (m *Memory) FindWaiting(ctx context.Context, q RoomQuery) ([]room.Room, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []room.Room
	for _, r := range m.rooms {
		if r.Status != room.StatusWaiting {
			continue
		}
		if r.Topic != q.Topic || r.Language != q.Language {
			continue
		}
		if q.Continent != "any" && r.Continent != "any" && r.Continent != q.Continent {
			continue
		}
		out = append(out, r.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) UpdateTx(ctx context.Context, id string, mutate func(*room.Room) error) (room.Room, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.rooms[id]
	if !ok {
		return room.Room{}, ErrNotFound
	}
	working := r.Clone()
	if err := mutate(&working); err != nil {
		return room.Room{}, err
	}
	working.UpdatedAt = time.Now().UTC()
	m.rooms[id] = working.Clone()
	m.notifyRoomLocked(working)
	return working, nil
}

func (m *Memory) DeleteRoom(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rooms, id)
	delete(m.signals, id)
	return nil
}

func (m *Memory) AllRooms(ctx context.Context) ([]room.Room, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]room.Room, 0, len(m.rooms))
	for _, r := range m.rooms {
		out = append(out, r.Clone())
	}
	return out, nil
}

func (m *Memory) WatchRoom(ctx context.Context, id string) (<-chan room.Room, func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ch := make(chan room.Room, watcherBuffer)
	wid := m.nextWatcher
	m.nextWatcher++
	if m.roomWatchers[id] == nil {
		m.roomWatchers[id] = make(map[int64]chan room.Room)
	}
	m.roomWatchers[id][wid] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			delete(m.roomWatchers[id], wid)
			close(ch)
		})
	}
	return ch, cancel, nil
}

// notifyRoomLocked fans a snapshot out to every watcher. Full buffers
// are skipped rather than blocked on.
func (m *Memory) notifyRoomLocked(r room.Room) {
	for _, ch := range m.roomWatchers[r.ID] {
		select {
		case ch <- r.Clone():
		default:
		}
	}
}

// ---- signal.Store ----

func (m *Memory) PutSignal(ctx context.Context, msg signal.Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.signals[msg.RoomID] == nil {
		m.signals[msg.RoomID] = make(map[string]signal.Message)
	}
	m.signals[msg.RoomID][msg.SlotKey()] = msg

	for _, w := range m.sigWatchers[msg.RoomID] {
		if w.to != msg.To {
			continue
		}
		select {
		case w.ch <- msg:
		default:
		}
	}
	return nil
}

func (m *Memory) DeleteSignal(ctx context.Context, roomID, from, to string, kind signal.Kind) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.signals[roomID], signal.SlotKeyFor(from, to, kind))
	return nil
}

func (m *Memory) SubscribeSignals(ctx context.Context, roomID, toUser string) (<-chan signal.Message, func(), error) {
	m.mu.Lock()

	ch := make(chan signal.Message, watcherBuffer)
	wid := m.nextWatcher
	m.nextWatcher++
	if m.sigWatchers[roomID] == nil {
		m.sigWatchers[roomID] = make(map[int64]*sigWatcher)
	}
	m.sigWatchers[roomID][wid] = &sigWatcher{to: toUser, ch: ch}

	// Replay messages already pending for this user so a late
	// subscriber still sees the offer that beat it into the store.
	for _, msg := range m.signals[roomID] {
		if msg.To == toUser {
			ch <- msg
		}
	}
	m.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			delete(m.sigWatchers[roomID], wid)
			close(ch)
		})
	}
	return ch, cancel, nil
}

func (m *Memory) PurgeSignals(ctx context.Context, roomID string, olderThan time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	purged := 0
	for slot, msg := range m.signals[roomID] {
		if msg.SentAt.Before(olderThan) {
			delete(m.signals[roomID], slot)
			purged++
		}
	}
	return purged, nil
}
