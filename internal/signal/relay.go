package signal

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sourcegraph/jsonrpc2"
	"go.uber.org/zap"

	"github.com/topical-chat/topical/internal/retry"
)

// RelayChannel implements Channel against a websocket relay server
// speaking JSON-RPC, for deployments that front signaling with a relay
// instead of a shared store. Methods on the wire: "signal" to publish a
// message, "subscribe" to register interest; inbound requests use
// method "signal" with a Message payload.
type RelayChannel struct {
	conn   *websocket.Conn
	policy retry.Policy
	logger *zap.Logger

	writeMu sync.Mutex

	mu   sync.Mutex
	subs map[string]map[int64]func(Message) // roomID:user -> handler set
	next int64

	readOnce sync.Once
	done     chan struct{}
}

var _ Channel = (*RelayChannel)(nil)

// relayEnvelope is the params payload of a "signal" request.
type relayEnvelope struct {
	Message Message `json:"message"`
}

type relaySubscribe struct {
	RoomID string `json:"roomId"`
	UserID string `json:"userId"`
}

// DialRelay connects to the relay server at addr (host:port).
func DialRelay(addr string, policy retry.Policy, logger *zap.Logger) (*RelayChannel, error) {
	u := url.URL{Scheme: "ws", Host: addr, Path: "/ws"}
	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("signal: relay dial %s: %w", u.String(), err)
	}
	return &RelayChannel{
		conn:   conn,
		policy: policy,
		logger: logger.Named("signal-relay"),
		subs:   make(map[string]map[int64]func(Message)),
		done:   make(chan struct{}),
	}, nil
}

func (c *RelayChannel) Send(ctx context.Context, msg Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	msg.SentAt = time.Now().UTC()

	err := c.policy.Do(ctx, func() error {
		return c.sendRequest("signal", relayEnvelope{Message: msg})
	})
	if err != nil {
		return &Error{Op: "send", RoomID: msg.RoomID, Err: err}
	}
	return nil
}

func (c *RelayChannel) Subscribe(ctx context.Context, roomID, selfUserID string, onMessage func(Message)) (func(), error) {
	c.readOnce.Do(func() { go c.readLoop() })

	key := roomID + ":" + selfUserID
	c.mu.Lock()
	id := c.next
	c.next++
	if c.subs[key] == nil {
		c.subs[key] = make(map[int64]func(Message))
	}
	c.subs[key][id] = onMessage
	c.mu.Unlock()

	if err := c.sendRequest("subscribe", relaySubscribe{RoomID: roomID, UserID: selfUserID}); err != nil {
		c.mu.Lock()
		delete(c.subs[key], id)
		c.mu.Unlock()
		return nil, &Error{Op: "subscribe", RoomID: roomID, Err: err}
	}

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.subs[key], id)
			c.mu.Unlock()
		})
	}
	return cancel, nil
}

// CleanupStale is a no-op for the relay: the server owns message
// retention and expires undelivered messages itself.
func (c *RelayChannel) CleanupStale(ctx context.Context, roomID string, ttl time.Duration) (int, error) {
	return 0, nil
}

// Close tears the websocket down and stops the read loop.
func (c *RelayChannel) Close() error {
	select {
	case <-c.done:
	default:
		close(c.done)
	}
	return c.conn.Close()
}

func (c *RelayChannel) sendRequest(method string, payload any) error {
	params, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s params: %w", method, err)
	}
	req := &jsonrpc2.Request{
		Method: method,
		Params: (*json.RawMessage)(&params),
		ID:     jsonrpc2.ID{Num: uint64(uuid.New().ID())},
	}

	buf := new(bytes.Buffer)
	if err := json.NewEncoder(buf).Encode(req); err != nil {
		return fmt.Errorf("encode %s request: %w", method, err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.WriteMessage(websocket.TextMessage, buf.Bytes()); err != nil {
		return fmt.Errorf("write websocket message: %w", err)
	}
	return nil
}

func (c *RelayChannel) readLoop() {
	for {
		select {
		case <-c.done:
			return
		default:
		}

		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn("relay websocket closed", zap.Error(err))
			}
			return
		}

		var req jsonrpc2.Request
		if err := json.Unmarshal(raw, &req); err != nil {
			c.logger.Warn("dropping malformed relay frame", zap.Error(err))
			continue
		}
		if req.Method != "signal" || req.Params == nil {
			continue
		}
		var env relayEnvelope
		if err := json.Unmarshal(*req.Params, &env); err != nil {
			c.logger.Warn("dropping malformed signal payload", zap.Error(err))
			continue
		}

		key := env.Message.RoomID + ":" + env.Message.To
		c.mu.Lock()
		handlers := make([]func(Message), 0, len(c.subs[key]))
		for _, h := range c.subs[key] {
			handlers = append(handlers, h)
		}
		c.mu.Unlock()

		for _, h := range handlers {
			h(env.Message)
		}
	}
}
