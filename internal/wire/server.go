package wire

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
)

// Server accepts worker WebSocket connections on a single TCP listener and
// runs one handler goroutine per connection.
type Server struct {
	addr             string
	dispatcher       Dispatcher
	logger           *slog.Logger
	maxMessageSize   int64
	writeTimeout     time.Duration
	handshakeTimeout time.Duration

	ln    net.Listener
	mu    sync.Mutex
	conns map[*Conn]struct{}
	wg    sync.WaitGroup
}

// NewServer creates a server for addr. Call Listen then Serve.
func NewServer(addr string, dispatcher Dispatcher, opts ...Option) *Server {
	if addr == "" {
		addr = DefaultAddr
	}
	s := &Server{
		addr:             addr,
		dispatcher:       dispatcher,
		logger:           slog.Default(),
		maxMessageSize:   DefaultMaxMessageSize,
		writeTimeout:     DefaultWriteTimeout,
		handshakeTimeout: DefaultHandshakeTimeout,
		conns:            make(map[*Conn]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Listen binds the listening socket. A bind failure is returned to the caller
// so startup can abort.
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("bind websocket listener %s: %w", s.addr, err)
	}
	s.ln = ln
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Serve accepts connections until ctx is cancelled, then closes the listener
// and every open connection and waits for their handlers to return.
func (s *Server) Serve(ctx context.Context) error {
	if s.ln == nil {
		if err := s.Listen(); err != nil {
			return err
		}
	}
	s.logger.Info("websocket server listening", "addr", s.ln.Addr().String())

	stop := context.AfterFunc(ctx, func() {
		s.ln.Close()
		s.closeAll()
	})
	defer stop()

	var serveErr error
	for {
		raw, err := s.ln.Accept()
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, net.ErrClosed) {
				serveErr = fmt.Errorf("accept: %w", err)
			}
			break
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serveConn(ctx, raw)
		}()
	}

	s.closeAll()
	s.wg.Wait()
	s.logger.Info("websocket server stopped")
	return serveErr
}

func (s *Server) serveConn(ctx context.Context, raw net.Conn) {
	if err := raw.SetDeadline(time.Now().Add(s.handshakeTimeout)); err != nil {
		raw.Close()
		return
	}
	if _, err := ws.Upgrade(raw); err != nil {
		s.logger.Warn("websocket upgrade failed", "remote", raw.RemoteAddr().String(), "error", err)
		raw.Close()
		return
	}
	if err := raw.SetWriteDeadline(time.Time{}); err != nil {
		raw.Close()
		return
	}

	conn := newConn(raw, s.maxMessageSize, s.writeTimeout)
	if !s.track(conn) {
		conn.Close()
		return
	}
	defer s.untrack(conn)

	h := &handler{
		conn:       conn,
		dispatcher: s.dispatcher,
		logger:     s.logger,
	}
	h.run(ctx, s.handshakeTimeout)
}

func (s *Server) track(c *Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conns == nil {
		return false
	}
	s.conns[c] = struct{}{}
	return true
}

func (s *Server) untrack(c *Conn) {
	s.mu.Lock()
	if s.conns != nil {
		delete(s.conns, c)
	}
	s.mu.Unlock()
	c.Close()
}

func (s *Server) closeAll() {
	s.mu.Lock()
	conns := s.conns
	s.conns = nil
	s.mu.Unlock()
	for c := range conns {
		c.Close()
	}
}

// Connections returns the number of open connections.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}
