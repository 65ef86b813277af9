package wire

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/gobwas/ws/wsutil"

	"github.com/ChuLiYu/genqueue/internal/chunk"
	"github.com/ChuLiYu/genqueue/pkg/types"
)

// ErrNotRegistered reports a first message other than register.
var ErrNotRegistered = errors.New("wire: first message must be register")

// Payload is a reassembled and decoded result for one job. Err is set when
// the data could not be decoded.
type Payload struct {
	JobID types.JobID
	Data  []byte
	Err   error
}

// Dispatcher receives protocol events. Implementations must be safe for
// concurrent use by many connection goroutines.
type Dispatcher interface {
	// RegisterWorker adds the connection to the pool, sends the
	// register_success acknowledgement on it and returns the worker id.
	RegisterWorker(ctx context.Context, conn Sender, pageID string) (string, error)
	// UnregisterWorker is idempotent and accepts an empty id.
	UnregisterWorker(workerID string)
	DeliverPayload(workerID string, p Payload)
	ReportResult(workerID string, r Result)
	ReportStatus(workerID string, message string)
}

type handler struct {
	conn       *Conn
	dispatcher Dispatcher
	logger     *slog.Logger
	workerID   string
	reasm      *chunk.Reassembler
}

func (h *handler) run(ctx context.Context, handshakeTimeout time.Duration) {
	defer func() {
		h.dispatcher.UnregisterWorker(h.workerID)
		h.conn.Close()
	}()

	if err := h.register(ctx, handshakeTimeout); err != nil {
		h.logger.Warn("dropping connection", "remote", h.conn.RemoteAddr(), "error", err)
		return
	}

	h.reasm = chunk.NewReassembler()
	for {
		op, data, err := h.conn.next()
		if err != nil {
			h.logClose(err)
			return
		}

		msg, err := CodecFor(op).Decode(data)
		if err != nil {
			h.logger.Warn("bad message", "worker", h.workerID, "error", err)
			continue
		}
		h.route(msg)
	}
}

func (h *handler) register(ctx context.Context, timeout time.Duration) error {
	if err := h.conn.raw.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return err
	}
	op, data, err := h.conn.next()
	if err != nil {
		return fmt.Errorf("read register: %w", err)
	}
	if err := h.conn.raw.SetReadDeadline(time.Time{}); err != nil {
		return err
	}

	codec := CodecFor(op)
	msg, err := codec.Decode(data)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNotRegistered, err)
	}
	reg, ok := msg.(Register)
	if !ok {
		return fmt.Errorf("%w: got %s", ErrNotRegistered, msg.Type())
	}

	h.conn.setCodec(codec)
	workerID, err := h.dispatcher.RegisterWorker(ctx, h.conn, reg.PageURL)
	if err != nil {
		return fmt.Errorf("register worker: %w", err)
	}
	h.workerID = workerID
	return nil
}

func (h *handler) route(msg Message) {
	switch m := msg.(type) {
	case ImageChunk:
		jobID := types.JobID(m.TaskID)
		joined, done, err := h.reasm.Ingest(jobID, m.ChunkIndex, m.TotalChunks, []byte(m.Data))
		if err != nil {
			h.logger.Warn("bad chunk", "worker", h.workerID, "job", m.TaskID, "error", err)
			return
		}
		h.logger.Debug("chunk received", "worker", h.workerID, "job", m.TaskID, "index", m.ChunkIndex+1, "total", m.TotalChunks)
		if done {
			h.deliver(jobID, joined)
		}

	case ImageData:
		jobID := types.JobID(m.TaskID)
		h.deliver(jobID, h.reasm.IngestWhole(jobID, []byte(m.Data)))

	case Result:
		if m.Error != "" {
			h.reasm.Drop(types.JobID(m.TaskID))
		}
		h.dispatcher.ReportResult(h.workerID, m)

	case Status:
		h.dispatcher.ReportStatus(h.workerID, m.Message)

	default:
		h.logger.Warn("unexpected message from worker", "worker", h.workerID, "type", msg.Type())
	}
}

func (h *handler) deliver(jobID types.JobID, encoded []byte) {
	data, err := decodePayload(encoded)
	if err != nil {
		err = fmt.Errorf("decode payload: %w", err)
	}
	h.logger.Info("payload received", "worker", h.workerID, "job", jobID, "bytes", len(data))
	h.dispatcher.DeliverPayload(h.workerID, Payload{JobID: jobID, Data: data, Err: err})
}

// decodePayload accepts plain base64 or a data URL.
func decodePayload(encoded []byte) ([]byte, error) {
	s := strings.TrimSpace(string(encoded))
	if strings.HasPrefix(s, "data:") {
		if _, rest, ok := strings.Cut(s, ";base64,"); ok {
			s = rest
		}
	}
	if s == "" {
		return nil, errors.New("empty payload")
	}
	return base64.StdEncoding.DecodeString(s)
}

func (h *handler) logClose(err error) {
	var closed wsutil.ClosedError
	switch {
	case errors.As(err, &closed), errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
		h.logger.Info("worker disconnected", "worker", h.workerID)
	default:
		h.logger.Warn("worker connection error", "worker", h.workerID, "error", err)
	}
}
