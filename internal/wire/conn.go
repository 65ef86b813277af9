package wire

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// ErrMessageTooLarge reports a message above the configured size limit.
var ErrMessageTooLarge = errors.New("wire: message too large")

// Sender is the write side of a worker connection as seen by the dispatcher.
type Sender interface {
	Send(ctx context.Context, msg Message) error
	Close() error
	RemoteAddr() string
}

// Conn is a server-side WebSocket connection. Reads happen on the owning
// connection goroutine; Send may be called from any goroutine.
type Conn struct {
	raw          net.Conn
	reader       *wsutil.Reader
	maxSize      int64
	writeTimeout time.Duration

	mu    sync.Mutex // serializes frame writes
	codec Codec

	closeOnce sync.Once
	closeErr  error
}

func newConn(raw net.Conn, maxSize int64, writeTimeout time.Duration) *Conn {
	c := &Conn{
		raw:          raw,
		maxSize:      maxSize,
		writeTimeout: writeTimeout,
		codec:        &JSONCodec{},
	}
	c.reader = &wsutil.Reader{
		Source:         raw,
		State:          ws.StateServerSide,
		CheckUTF8:      true,
		MaxFrameSize:   maxSize,
		OnIntermediate: wsutil.ControlFrameHandler(lockedWriter{c}, ws.StateServerSide),
	}
	return c
}

type lockedWriter struct{ c *Conn }

func (w lockedWriter) Write(p []byte) (int, error) {
	w.c.mu.Lock()
	defer w.c.mu.Unlock()
	return w.c.raw.Write(p)
}

// setCodec fixes the reply codec. Called once before the connection is shared.
func (c *Conn) setCodec(codec Codec) {
	c.mu.Lock()
	c.codec = codec
	c.mu.Unlock()
}

// Codec returns the codec replies are written with.
func (c *Conn) Codec() Codec {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.codec
}

// Send encodes msg and writes it as a single frame, bounded by the write
// timeout and ctx's deadline.
func (c *Conn) Send(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	data, err := c.codec.Encode(msg)
	if err != nil {
		return fmt.Errorf("wire: encode %s: %w", msg.Type(), err)
	}

	deadline := time.Time{}
	if c.writeTimeout > 0 {
		deadline = time.Now().Add(c.writeTimeout)
	}
	if d, ok := ctx.Deadline(); ok && (deadline.IsZero() || d.Before(deadline)) {
		deadline = d
	}
	if err := c.raw.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("wire: set write deadline: %w", err)
	}
	defer c.raw.SetWriteDeadline(time.Time{}) //nolint:errcheck // best-effort reset

	if err := wsutil.WriteServerMessage(c.raw, c.codec.OpCode(), data); err != nil {
		return fmt.Errorf("wire: write %s: %w", msg.Type(), err)
	}
	return nil
}

// next reads the next data message, answering control frames in between.
func (c *Conn) next() (ws.OpCode, []byte, error) {
	for {
		hdr, err := c.reader.NextFrame()
		if err != nil {
			return 0, nil, err
		}
		if hdr.OpCode.IsControl() {
			if err := c.reader.OnIntermediate(hdr, c.reader); err != nil {
				return 0, nil, err
			}
			continue
		}

		var src io.Reader = c.reader
		if c.maxSize > 0 {
			src = io.LimitReader(c.reader, c.maxSize+1)
		}
		data, err := io.ReadAll(src)
		if err != nil {
			return 0, nil, err
		}
		if c.maxSize > 0 && int64(len(data)) > c.maxSize {
			return 0, nil, fmt.Errorf("%w: over %d bytes", ErrMessageTooLarge, c.maxSize)
		}
		return hdr.OpCode, data, nil
	}
}

// Close closes the underlying connection. Safe to call more than once.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.raw.Close()
	})
	return c.closeErr
}

// RemoteAddr returns the peer address.
func (c *Conn) RemoteAddr() string {
	return c.raw.RemoteAddr().String()
}
