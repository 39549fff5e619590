package signal

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sourcegraph/jsonrpc2"
	"go.uber.org/zap"
)

// RelayServer is the counterpart of RelayChannel: a websocket endpoint
// that routes signaling messages between subscribed peers. A message
// for a peer that is not yet subscribed is parked in its slot and
// replayed on subscribe; parked messages expire after retention.
type RelayServer struct {
	logger    *zap.Logger
	upgrader  websocket.Upgrader
	retention time.Duration

	mu     sync.Mutex
	conns  map[string]*relayConn // roomID:userID -> connection
	parked map[string]Message    // roomID:slot -> pending message
}

type relayConn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
}

func (rc *relayConn) write(payload []byte) error {
	rc.writeMu.Lock()
	defer rc.writeMu.Unlock()
	return rc.ws.WriteMessage(websocket.TextMessage, payload)
}

// NewRelayServer builds a server. Retention bounds how long an
// undelivered message waits for its recipient.
func NewRelayServer(retention time.Duration, logger *zap.Logger) *RelayServer {
	if retention <= 0 {
		retention = 5 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RelayServer{
		logger:    logger.Named("relay-server"),
		retention: retention,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		conns:  make(map[string]*relayConn),
		parked: make(map[string]Message),
	}
}

// ServeHTTP upgrades the connection and pumps requests until the peer
// goes away.
func (s *RelayServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	conn := &relayConn{ws: ws}
	var keys []string
	defer func() {
		s.mu.Lock()
		for _, key := range keys {
			if s.conns[key] == conn {
				delete(s.conns, key)
			}
		}
		s.mu.Unlock()
		ws.Close()
	}()

	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug("relay peer dropped", zap.Error(err))
			}
			return
		}

		var req jsonrpc2.Request
		if err := json.Unmarshal(raw, &req); err != nil {
			s.logger.Warn("dropping malformed relay request", zap.Error(err))
			continue
		}
		switch req.Method {
		case "subscribe":
			if key := s.handleSubscribe(&req, conn); key != "" {
				keys = append(keys, key)
			}
		case "signal":
			s.handleSignal(&req)
		default:
			s.logger.Warn("unknown relay method", zap.String("method", req.Method))
		}
	}
}

func (s *RelayServer) handleSubscribe(req *jsonrpc2.Request, conn *relayConn) string {
	if req.Params == nil {
		return ""
	}
	var sub relaySubscribe
	if err := json.Unmarshal(*req.Params, &sub); err != nil || sub.RoomID == "" || sub.UserID == "" {
		s.logger.Warn("dropping malformed subscribe", zap.Error(err))
		return ""
	}
	key := sub.RoomID + ":" + sub.UserID

	s.mu.Lock()
	s.conns[key] = conn
	var replay []Message
	for slot, msg := range s.parked {
		if msg.RoomID == sub.RoomID && msg.To == sub.UserID {
			if time.Since(msg.SentAt) <= s.retention {
				replay = append(replay, msg)
			}
			delete(s.parked, slot)
		}
	}
	s.mu.Unlock()

	for _, msg := range replay {
		s.deliver(conn, msg)
	}
	s.logger.Debug("peer subscribed", zap.String("room", sub.RoomID), zap.String("user", sub.UserID))
	return key
}

func (s *RelayServer) handleSignal(req *jsonrpc2.Request) {
	if req.Params == nil {
		return
	}
	var env relayEnvelope
	if err := json.Unmarshal(*req.Params, &env); err != nil {
		s.logger.Warn("dropping malformed signal", zap.Error(err))
		return
	}
	msg := env.Message
	if err := msg.Validate(); err != nil {
		s.logger.Warn("dropping invalid signal", zap.Error(err))
		return
	}
	if msg.SentAt.IsZero() {
		msg.SentAt = time.Now().UTC()
	}

	key := msg.RoomID + ":" + msg.To
	s.mu.Lock()
	conn, online := s.conns[key]
	if !online {
		// Slot semantics: a newer message for the same (from, to, kind)
		// slot replaces the parked one.
		s.parked[msg.RoomID+":"+msg.SlotKey()] = msg
	}
	s.mu.Unlock()

	if online {
		s.deliver(conn, msg)
	}
}

func (s *RelayServer) deliver(conn *relayConn, msg Message) {
	params, err := json.Marshal(relayEnvelope{Message: msg})
	if err != nil {
		s.logger.Error("failed to marshal outbound signal", zap.Error(err))
		return
	}
	out := &jsonrpc2.Request{Method: "signal", Params: (*json.RawMessage)(&params), Notif: true}
	buf := new(bytes.Buffer)
	if err := json.NewEncoder(buf).Encode(out); err != nil {
		s.logger.Error("failed to encode outbound signal", zap.Error(err))
		return
	}
	if err := conn.write(buf.Bytes()); err != nil {
		s.logger.Warn("failed to deliver signal", zap.String("to", msg.To), zap.Error(err))
	}
}

// Run serves the relay on addr until ctx is canceled.
func (s *RelayServer) Run(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/ws", s)

	srv := &http.Server{Addr: addr, Handler: mux}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	s.logger.Info("signaling relay listening", zap.String("addr", addr))

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
