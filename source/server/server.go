package server

import (
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/flynn/noise"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"lp-gateway-go/pkg/logger"
	"lp-gateway-go/source/protocol"
)

// Config carries the listener's tunables. Zero values are filled in by
// ApplyDefaults.
type Config struct {
	Host string
	Port int

	// TimestampTolerance bounds the accepted age of ClientHello
	// timestamps in both directions.
	TimestampTolerance time.Duration

	// HandshakeTTL / SessionTTL bound how long idle state survives.
	HandshakeTTL    time.Duration
	SessionTTL      time.Duration
	CleanupInterval time.Duration

	// Forward-channel limits.
	MaxConcurrentForwards int
	ForwardConnectTimeout time.Duration
	ForwardIOTimeout      time.Duration
}

// ApplyDefaults fills unset fields with production defaults.
func (c *Config) ApplyDefaults() {
	if c.Host == "" {
		c.Host = "0.0.0.0"
	}
	if c.Port == 0 {
		c.Port = 41264
	}
	if c.TimestampTolerance == 0 {
		c.TimestampTolerance = protocol.DefaultTimestampTolerance
	}
	if c.HandshakeTTL == 0 {
		c.HandshakeTTL = 2 * time.Minute
	}
	if c.SessionTTL == 0 {
		c.SessionTTL = 30 * time.Minute
	}
	if c.CleanupInterval == 0 {
		c.CleanupInterval = 30 * time.Second
	}
	if c.MaxConcurrentForwards == 0 {
		c.MaxConcurrentForwards = 128
	}
	if c.ForwardConnectTimeout == 0 {
		c.ForwardConnectTimeout = 5 * time.Second
	}
	if c.ForwardIOTimeout == 0 {
		c.ForwardIOTimeout = 30 * time.Second
	}
}

// Server accepts LP connections and spawns one handler per stream.
type Server struct {
	cfg   Config
	state *HandlerState

	listener net.Listener
	mu       sync.Mutex
	running  bool
	done     chan struct{}
	wg       sync.WaitGroup

	log *logrus.Entry
}

// NewServer builds a server around the given static X25519 keypair.
func NewServer(cfg Config, localStatic noise.DHKey) *Server {
	cfg.ApplyDefaults()
	return &Server{
		cfg:   cfg,
		state: NewHandlerState(cfg, localStatic),
		done:  make(chan struct{}),
		log:   logger.L().WithField("component", "lp-listener"),
	}
}

// State exposes the shared handler state.
func (s *Server) State() *HandlerState {
	return s.state
}

// Addr returns the bound listen address once Start has succeeded.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Start binds the listener and runs the accept loop until Stop. It
// blocks, mirroring a main-goroutine server.
func (s *Server) Start() error {
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "binding listener on %s", addr)
	}

	s.mu.Lock()
	s.listener = listener
	s.running = true
	s.mu.Unlock()

	s.log.WithField("addr", listener.Addr().String()).Info("listener started")

	s.wg.Add(1)
	go s.cleanupLoop()

	return s.acceptLoop()
}

func (s *Server) acceptLoop() error {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if !s.isRunning() {
				return nil
			}
			s.log.WithError(err).Error("accept failed")
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			handler := NewConnectionHandler(conn, s.state)
			if err := handler.Handle(); err != nil {
				handler.log.WithError(err).Warn("connection ended with error")
			}
		}()
	}
}

// cleanupLoop evicts stale handshake and session state on a timer.
func (s *Server) cleanupLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.state.CleanupStale(time.Now())
		case <-s.done:
			return
		}
	}
}

func (s *Server) isRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Stop closes the listener and waits for in-flight handlers.
func (s *Server) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	listener := s.listener
	s.mu.Unlock()

	close(s.done)
	if listener != nil {
		listener.Close()
	}
	s.wg.Wait()
	s.log.Info("listener stopped")
}
