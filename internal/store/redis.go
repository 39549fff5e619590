package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/topical-chat/topical/internal/room"
	"github.com/topical-chat/topical/internal/signal"
)

// Key layout:
//
//	topical:room:<id>              room record (JSON)
//	topical:rooms                  set of all room ids
//	topical:waiting:<topic>:<lang> set of waiting room ids (continent filtered client-side)
//	topical:signals:<roomID>       hash, field "<from>:<to>:<kind>" -> message JSON
//	topical:room-events:<id>       pub/sub channel, room snapshots
//	topical:signal-events:<roomID>:<to> pub/sub channel, signaling messages
const keyPrefix = "topical:"

// Redis implements RoomStore and signal.Store on a shared Redis
// instance. Transactional joins use WATCH/MULTI: a concurrent writer
// invalidates the transaction and the caller gets ErrConflict.
type Redis struct {
	client *redis.Client
	logger *zap.Logger
}

var (
	_ RoomStore    = (*Redis)(nil)
	_ signal.Store = (*Redis)(nil)
)

// NewRedis connects to the given Redis URL and verifies the connection.
func NewRedis(ctx context.Context, url string, logger *zap.Logger) (*Redis, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis: parse url: %w", err)
	}
	c := redis.NewClient(opt)

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := c.Ping(pingCtx).Err(); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}
	return &Redis{client: c, logger: logger.Named("redis-store")}, nil
}

func (s *Redis) Close() error { return s.client.Close() }

func roomKey(id string) string { return keyPrefix + "room:" + id }

func waitingKey(topic, language string) string {
	return keyPrefix + "waiting:" + topic + ":" + language
}

func signalsKey(roomID string) string { return keyPrefix + "signals:" + roomID }

func roomEventsChannel(id string) string { return keyPrefix + "room-events:" + id }

func signalEventsChannel(roomID, to string) string {
	return keyPrefix + "signal-events:" + roomID + ":" + to
}

func (s *Redis) CreateRoom(ctx context.Context, r room.Room) error {
	payload, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("redis: marshal room: %w", err)
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, roomKey(r.ID), payload, 0)
		pipe.SAdd(ctx, keyPrefix+"rooms", r.ID)
		if r.Status == room.StatusWaiting {
			pipe.SAdd(ctx, waitingKey(r.Topic, r.Language), r.ID)
		}
		pipe.Publish(ctx, roomEventsChannel(r.ID), payload)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis: create room: %w", err)
	}
	return nil
}

func (s *Redis) GetRoom(ctx context.Context, id string) (room.Room, error) {
	raw, err := s.client.Get(ctx, roomKey(id)).Result()
	if errors.Is(err, redis.Nil) {
		return room.Room{}, ErrNotFound
	}
	if err != nil {
		return room.Room{}, fmt.Errorf("redis: get room: %w", err)
	}
	var r room.Room
	if err := json.Unmarshal([]byte(raw), &r); err != nil {
		return room.Room{}, fmt.Errorf("redis: decode room %s: %w", id, err)
	}
	return r, nil
}

func (s *Redis) FindWaiting(ctx context.Context, q RoomQuery) ([]room.Room, error) {
	ids, err := s.client.SMembers(ctx, waitingKey(q.Topic, q.Language)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: waiting index: %w", err)
	}

	var out []room.Room
	for _, id := range ids {
		r, err := s.GetRoom(ctx, id)
		if errors.Is(err, ErrNotFound) {
			// Stale index entry; the room was swept. Clean it lazily.
			s.client.SRem(ctx, waitingKey(q.Topic, q.Language), id)
			continue
		}
		if err != nil {
			return nil, err
		}
		if r.Status != room.StatusWaiting {
			s.client.SRem(ctx, waitingKey(q.Topic, q.Language), id)
			continue
		}
		if q.Continent != "any" && r.Continent != "any" && r.Continent != q.Continent {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Redis) UpdateTx(ctx context.Context, id string, mutate func(*room.Room) error) (room.Room, error) {
	var updated room.Room
	key := roomKey(id)

	txf := func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		var r room.Room
		if err := json.Unmarshal([]byte(raw), &r); err != nil {
			return fmt.Errorf("decode room %s: %w", id, err)
		}
		wasWaiting := r.Status == room.StatusWaiting

		if err := mutate(&r); err != nil {
			return err
		}
		r.UpdatedAt = time.Now().UTC()

		payload, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("marshal room %s: %w", id, err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, 0)
			isWaiting := r.Status == room.StatusWaiting
			if wasWaiting && !isWaiting {
				pipe.SRem(ctx, waitingKey(r.Topic, r.Language), id)
			}
			if !wasWaiting && isWaiting {
				pipe.SAdd(ctx, waitingKey(r.Topic, r.Language), id)
			}
			pipe.Publish(ctx, roomEventsChannel(id), payload)
			return nil
		})
		if err == nil {
			updated = r
		}
		return err
	}

	err := s.client.Watch(ctx, txf, key)
	if errors.Is(err, redis.TxFailedErr) {
		return room.Room{}, ErrConflict
	}
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return room.Room{}, ErrNotFound
		}
		return room.Room{}, fmt.Errorf("redis: update room: %w", err)
	}
	return updated, nil
}

func (s *Redis) DeleteRoom(ctx context.Context, id string) error {
	r, err := s.GetRoom(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, roomKey(id), signalsKey(id))
		pipe.SRem(ctx, keyPrefix+"rooms", id)
		pipe.SRem(ctx, waitingKey(r.Topic, r.Language), id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis: delete room: %w", err)
	}
	return nil
}

func (s *Redis) AllRooms(ctx context.Context) ([]room.Room, error) {
	ids, err := s.client.SMembers(ctx, keyPrefix+"rooms").Result()
	if err != nil {
		return nil, fmt.Errorf("redis: list rooms: %w", err)
	}
	out := make([]room.Room, 0, len(ids))
	for _, id := range ids {
		r, err := s.GetRoom(ctx, id)
		if errors.Is(err, ErrNotFound) {
			s.client.SRem(ctx, keyPrefix+"rooms", id)
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

func (s *Redis) WatchRoom(ctx context.Context, id string) (<-chan room.Room, func(), error) {
	sub := s.client.Subscribe(ctx, roomEventsChannel(id))
	// Force the subscription onto the wire before returning so callers
	// cannot miss a write that happens right after WatchRoom.
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, nil, fmt.Errorf("redis: subscribe room events: %w", err)
	}

	out := make(chan room.Room, watcherBuffer)
	go func() {
		defer close(out)
		for msg := range sub.Channel() {
			var r room.Room
			if err := json.Unmarshal([]byte(msg.Payload), &r); err != nil {
				s.logger.Warn("dropping malformed room event",
					zap.String("room", id), zap.Error(err))
				continue
			}
			select {
			case out <- r:
			default:
			}
		}
	}()

	var once sync.Once
	cancel := func() {
		once.Do(func() { _ = sub.Close() })
	}
	return out, cancel, nil
}

// ---- signal.Store ----

func (s *Redis) PutSignal(ctx context.Context, msg signal.Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("redis: marshal signal: %w", err)
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, signalsKey(msg.RoomID), msg.SlotKey(), payload)
		pipe.Publish(ctx, signalEventsChannel(msg.RoomID, msg.To), payload)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis: put signal: %w", err)
	}
	return nil
}

func (s *Redis) DeleteSignal(ctx context.Context, roomID, from, to string, kind signal.Kind) error {
	if err := s.client.HDel(ctx, signalsKey(roomID), signal.SlotKeyFor(from, to, kind)).Err(); err != nil {
		return fmt.Errorf("redis: delete signal: %w", err)
	}
	return nil
}

func (s *Redis) SubscribeSignals(ctx context.Context, roomID, toUser string) (<-chan signal.Message, func(), error) {
	sub := s.client.Subscribe(ctx, signalEventsChannel(roomID, toUser))
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, nil, fmt.Errorf("redis: subscribe signal events: %w", err)
	}

	out := make(chan signal.Message, watcherBuffer)
	go func() {
		defer close(out)

		// A message written before we subscribed is replayed from the
		// hash; the same write may then also arrive over pub/sub.
		// seen tracks the last SentAt per slot to keep delivery
		// at-most-once per write.
		seen := make(map[string]time.Time)
		deliver := func(msg signal.Message) {
			if last, ok := seen[msg.SlotKey()]; ok && !msg.SentAt.After(last) {
				return
			}
			seen[msg.SlotKey()] = msg.SentAt
			select {
			case out <- msg:
			default:
			}
		}

		pending, err := s.client.HGetAll(ctx, signalsKey(roomID)).Result()
		if err != nil {
			s.logger.Warn("signal replay failed", zap.String("room", roomID), zap.Error(err))
		}
		for _, raw := range pending {
			var msg signal.Message
			if json.Unmarshal([]byte(raw), &msg) == nil && msg.To == toUser {
				deliver(msg)
			}
		}

		for m := range sub.Channel() {
			var msg signal.Message
			if err := json.Unmarshal([]byte(m.Payload), &msg); err != nil {
				s.logger.Warn("dropping malformed signal event",
					zap.String("room", roomID), zap.Error(err))
				continue
			}
			deliver(msg)
		}
	}()

	var once sync.Once
	cancel := func() {
		once.Do(func() { _ = sub.Close() })
	}
	return out, cancel, nil
}

func (s *Redis) PurgeSignals(ctx context.Context, roomID string, olderThan time.Time) (int, error) {
	all, err := s.client.HGetAll(ctx, signalsKey(roomID)).Result()
	if err != nil {
		return 0, fmt.Errorf("redis: load signals: %w", err)
	}
	var stale []string
	for slot, raw := range all {
		var msg signal.Message
		if err := json.Unmarshal([]byte(raw), &msg); err != nil {
			stale = append(stale, slot)
			continue
		}
		if msg.SentAt.Before(olderThan) {
			stale = append(stale, slot)
		}
	}
	if len(stale) == 0 {
		return 0, nil
	}
	if err := s.client.HDel(ctx, signalsKey(roomID), stale...).Err(); err != nil {
		return 0, fmt.Errorf("redis: purge signals: %w", err)
	}
	return len(stale), nil
}
