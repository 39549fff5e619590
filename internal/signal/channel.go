package signal

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/topical-chat/topical/internal/retry"
)

// Channel relays signaling messages for one side of a negotiation.
// Implementations: StoreChannel (shared document store) and
// RelayChannel (websocket relay server).
type Channel interface {
	// Send writes or overwrites the message in its (from,to,kind) slot.
	// Senders must not assume queuing: a rapid second send of the same
	// kind before the first is consumed replaces it.
	Send(ctx context.Context, msg Message) error
	// Subscribe invokes onMessage for every message addressed to
	// selfUserID in roomID, deleting each slot after handling so the
	// same write is never processed twice. The returned func cancels
	// the subscription and is safe to call repeatedly.
	Subscribe(ctx context.Context, roomID, selfUserID string, onMessage func(Message)) (func(), error)
	// CleanupStale deletes messages older than ttl, bounding storage
	// left behind by abandoned sessions.
	CleanupStale(ctx context.Context, roomID string, ttl time.Duration) (int, error)
}

// StoreChannel implements Channel over a shared signal.Store. Store
// I/O failures are retried with the shared backoff policy and only
// surface once the budget is spent.
type StoreChannel struct {
	store  Store
	policy retry.Policy
	logger *zap.Logger
	now    func() time.Time
}

var _ Channel = (*StoreChannel)(nil)

// NewStoreChannel builds a store-backed signaling channel.
func NewStoreChannel(store Store, policy retry.Policy, logger *zap.Logger) *StoreChannel {
	return &StoreChannel{
		store:  store,
		policy: policy,
		logger: logger.Named("signal"),
		now:    time.Now,
	}
}

func (c *StoreChannel) Send(ctx context.Context, msg Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	msg.SentAt = c.now().UTC()

	err := c.policy.Do(ctx, func() error {
		return c.store.PutSignal(ctx, msg)
	})
	if err != nil {
		return &Error{Op: "send", RoomID: msg.RoomID, Err: err, Retryable: false}
	}
	return nil
}

func (c *StoreChannel) Subscribe(ctx context.Context, roomID, selfUserID string, onMessage func(Message)) (func(), error) {
	msgs, cancel, err := c.store.SubscribeSignals(ctx, roomID, selfUserID)
	if err != nil {
		return nil, &Error{Op: "subscribe", RoomID: roomID, Err: err, Retryable: false}
	}

	go func() {
		for msg := range msgs {
			onMessage(msg)
			// Clear the slot right after handling; a slot left behind
			// would be redelivered to the next subscriber.
			if err := c.store.DeleteSignal(ctx, msg.RoomID, msg.From, msg.To, msg.Kind); err != nil {
				c.logger.Warn("failed to clear signaling slot",
					zap.String("room", msg.RoomID),
					zap.String("slot", msg.SlotKey()),
					zap.Error(err))
			}
		}
	}()
	return cancel, nil
}

func (c *StoreChannel) CleanupStale(ctx context.Context, roomID string, ttl time.Duration) (int, error) {
	n, err := c.store.PurgeSignals(ctx, roomID, c.now().UTC().Add(-ttl))
	if err != nil {
		return 0, &Error{Op: "cleanup", RoomID: roomID, Err: err, Retryable: true}
	}
	return n, nil
}
