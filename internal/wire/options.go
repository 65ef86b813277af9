package wire

import (
	"log/slog"
	"time"
)

// Defaults for Server options.
const (
	DefaultAddr             = "localhost:12345"
	DefaultMaxMessageSize   = 50 << 20
	DefaultWriteTimeout     = 10 * time.Second
	DefaultHandshakeTimeout = 30 * time.Second
)

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithMaxMessageSize caps a single incoming message.
func WithMaxMessageSize(n int64) Option {
	return func(s *Server) {
		if n > 0 {
			s.maxMessageSize = n
		}
	}
}

// WithWriteTimeout bounds every outgoing frame write.
func WithWriteTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.writeTimeout = d
		}
	}
}

// WithHandshakeTimeout bounds the upgrade and the register message.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.handshakeTimeout = d
		}
	}
}
