package idscp2

import (
	"errors"
	"net"
	"sync"

	"go.uber.org/zap"

	"github.com/industrial-data-space/idscp2-go/secure"
)

// ChannelListener is the transport-side accept surface. The TCP, vsock and
// WebSocket listeners of the secure package all satisfy it.
type ChannelListener interface {
	Accept() (secure.Channel, error)
	Addr() net.Addr
	Close() error
}

// Server accepts inbound secure channels and spins up one IDSCP2 connection
// per channel. A per-connection failure never terminates the listener.
type Server struct {
	listener     ChannelListener
	cfg          *Config
	onConnection func(*Connection)
	logger       *zap.Logger

	mu    sync.Mutex
	conns map[*Connection]struct{}

	done chan struct{}
	once sync.Once
}

// NewServer wraps an already-bound listener. onConnection is invoked for
// every accepted connection before its handshake starts, so the callback can
// register the connection's callbacks first.
func NewServer(listener ChannelListener, cfg *Config, onConnection func(*Connection)) *Server {
	cfg = cfg.withDefaults()
	return &Server{
		listener:     listener,
		cfg:          cfg,
		onConnection: onConnection,
		logger:       cfg.Logger.Logger,
		conns:        make(map[*Connection]struct{}),
		done:         make(chan struct{}),
	}
}

// Serve runs the accept loop until Stop. It returns nil after a clean stop.
func (s *Server) Serve() error {
	s.logger.Info("IDSCP2 server listening", zap.String("addr", s.listener.Addr().String()))
	for {
		channel, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.done:
				return nil
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			// TLS failures during accept are per-connection errors.
			s.logger.Warn("Accept failed", zap.Error(err))
			continue
		}
		s.handleChannel(channel)
	}
}

func (s *Server) handleChannel(channel secure.Channel) {
	conn := NewConnection(channel, s.cfg)
	s.logger.Info("Accepted connection", zap.String("connection_id", conn.ID()))

	s.mu.Lock()
	s.conns[conn] = struct{}{}
	s.mu.Unlock()
	conn.OnClose(func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
	})

	if s.onConnection != nil {
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					s.logger.Error("onConnection callback panicked", zap.Any("panic", rec))
				}
			}()
			s.onConnection(conn)
		}()
	}
	conn.Start()
}

// Addr returns the listener's bound address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Stop closes the listener and every open connection.
func (s *Server) Stop() {
	s.once.Do(func() {
		close(s.done)
		_ = s.listener.Close()
		s.mu.Lock()
		conns := make([]*Connection, 0, len(s.conns))
		for conn := range s.conns {
			conns = append(conns, conn)
		}
		s.mu.Unlock()
		for _, conn := range conns {
			conn.Close()
		}
	})
}
