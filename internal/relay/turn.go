// Package relay embeds a TURN server so deployments behind symmetric
// NAT can complete ICE without external infrastructure.
package relay

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/pion/turn/v4"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

// Config for the embedded TURN server. Users maps username to
// password; credentials are static long-term.
type Config struct {
	Realm    string
	PublicIP string
	Port     int
	Users    map[string]string
	MinPort  uint16
	MaxPort  uint16
}

func (c *Config) normalize() error {
	if c.Realm == "" {
		c.Realm = "topical.chat"
	}
	if c.Port == 0 {
		c.Port = 3478
	}
	if c.MinPort == 0 {
		c.MinPort = 49152
	}
	if c.MaxPort == 0 {
		c.MaxPort = 65535
	}
	if c.PublicIP == "" {
		return fmt.Errorf("relay: public IP is required")
	}
	if net.ParseIP(c.PublicIP) == nil {
		return fmt.Errorf("relay: invalid public IP %q", c.PublicIP)
	}
	if len(c.Users) == 0 {
		return fmt.Errorf("relay: at least one user is required")
	}
	return nil
}

// Server is the embedded TURN relay.
type Server struct {
	cfg    Config
	logger *zap.Logger

	mu        sync.Mutex
	server    *turn.Server
	running   bool
	startTime time.Time
}

func NewServer(cfg Config, logger *zap.Logger) (*Server, error) {
	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{cfg: cfg, logger: logger.Named("relay")}, nil
}

// Start binds the UDP listener and begins relaying.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("relay: server already running")
	}

	authKeys := make(map[string][]byte, len(s.cfg.Users))
	for username, password := range s.cfg.Users {
		authKeys[username] = turn.GenerateAuthKey(username, s.cfg.Realm, password)
	}

	listenAddr := fmt.Sprintf("0.0.0.0:%d", s.cfg.Port)
	conn, err := net.ListenPacket("udp4", listenAddr)
	if err != nil {
		return fmt.Errorf("relay: listen on %s: %w", listenAddr, err)
	}

	gen := &turn.RelayAddressGeneratorPortRange{
		RelayAddress: net.ParseIP(s.cfg.PublicIP),
		Address:      "0.0.0.0",
		MinPort:      s.cfg.MinPort,
		MaxPort:      s.cfg.MaxPort,
	}
	if err := gen.Validate(); err != nil {
		conn.Close()
		return fmt.Errorf("relay: relay address generator: %w", err)
	}

	server, err := turn.NewServer(turn.ServerConfig{
		Realm: s.cfg.Realm,
		AuthHandler: func(username, realm string, srcAddr net.Addr) ([]byte, bool) {
			key, ok := authKeys[username]
			return key, ok
		},
		PacketConnConfigs: []turn.PacketConnConfig{{
			PacketConn:            conn,
			RelayAddressGenerator: gen,
		}},
	})
	if err != nil {
		conn.Close()
		return fmt.Errorf("relay: start server: %w", err)
	}

	s.server = server
	s.running = true
	s.startTime = time.Now()
	s.logger.Info("TURN relay listening",
		zap.String("addr", listenAddr),
		zap.String("realm", s.cfg.Realm),
		zap.String("publicIP", s.cfg.PublicIP))
	return nil
}

func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return nil
	}
	s.running = false
	if err := s.server.Close(); err != nil {
		return fmt.Errorf("relay: close server: %w", err)
	}
	s.logger.Info("TURN relay stopped", zap.Duration("uptime", time.Since(s.startTime)))
	return nil
}

// Allocations reports how many active relay allocations exist.
func (s *Server) Allocations() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.server == nil {
		return 0
	}
	return s.server.AllocationCount()
}

// ICEServers returns client-side ICE server entries for one of the
// configured users, suitable for the transport factory.
func (s *Server) ICEServers(username string) []webrtc.ICEServer {
	password, ok := s.cfg.Users[username]
	if !ok {
		return nil
	}
	url := fmt.Sprintf("turn:%s:%d", s.cfg.PublicIP, s.cfg.Port)
	return []webrtc.ICEServer{
		{URLs: []string{"stun:stun.l.google.com:19302"}},
		{
			URLs:           []string{url},
			Username:       username,
			Credential:     password,
			CredentialType: webrtc.ICECredentialTypePassword,
		},
	}
}
