// Package wire implements the worker protocol: a closed set of typed
// messages, the JSON and MessagePack codecs that carry them over WebSocket
// frames, and the per-connection handler that routes them to a Dispatcher.
package wire

import (
	"errors"
	"fmt"
)

// Type is the `type` discriminator carried by every frame.
type Type string

const (
	TypeRegister        Type = "register"
	TypeRegisterSuccess Type = "register_success"
	TypeTask            Type = "task"
	TypeImageChunk      Type = "image_chunk"
	TypeImageData       Type = "image_data"
	TypeResult          Type = "result"
	TypeStatus          Type = "status"
)

var (
	// ErrUnknownType reports a frame with an unrecognised discriminator.
	ErrUnknownType = errors.New("wire: unknown message type")
	// ErrMalformed reports a frame that could not be decoded.
	ErrMalformed = errors.New("wire: malformed message")
)

// Message is one of the protocol variants below.
type Message interface {
	Type() Type
	isMessage()
}

// Register is the mandatory first message of a worker connection.
type Register struct {
	PageURL string
}

// RegisterSuccess acknowledges registration with the assigned worker id.
type RegisterSuccess struct {
	ClientID string
}

// Task assigns one job to a worker.
type Task struct {
	TaskID          string
	Prompt          string
	TaskType        string
	AspectRatio     string
	Resolution      string
	ReferenceImages []string
}

// ImageChunk carries one base64 fragment of a result payload.
type ImageChunk struct {
	TaskID      string
	ChunkIndex  int
	TotalChunks int
	Data        string
}

// ImageData carries a whole base64 result payload.
type ImageData struct {
	TaskID string
	Data   string
}

// Result reports job completion or failure. Error is empty on success.
type Result struct {
	TaskID string
	Error  string
	URL    string
}

// Status is a free-text progress update for the worker's current job.
type Status struct {
	Message string
}

func (Register) Type() Type        { return TypeRegister }
func (RegisterSuccess) Type() Type { return TypeRegisterSuccess }
func (Task) Type() Type            { return TypeTask }
func (ImageChunk) Type() Type      { return TypeImageChunk }
func (ImageData) Type() Type       { return TypeImageData }
func (Result) Type() Type          { return TypeResult }
func (Status) Type() Type          { return TypeStatus }

func (Register) isMessage()        {}
func (RegisterSuccess) isMessage() {}
func (Task) isMessage()            {}
func (ImageChunk) isMessage()      {}
func (ImageData) isMessage()       {}
func (Result) isMessage()          {}
func (Status) isMessage()          {}

// envelope is the flat on-the-wire shape shared by both codecs.
type envelope struct {
	Type            Type     `json:"type" msgpack:"type"`
	PageURL         string   `json:"page_url,omitempty" msgpack:"page_url,omitempty"`
	ClientID        string   `json:"client_id,omitempty" msgpack:"client_id,omitempty"`
	TaskID          string   `json:"task_id,omitempty" msgpack:"task_id,omitempty"`
	Prompt          string   `json:"prompt,omitempty" msgpack:"prompt,omitempty"`
	TaskType        string   `json:"task_type,omitempty" msgpack:"task_type,omitempty"`
	AspectRatio     string   `json:"aspect_ratio,omitempty" msgpack:"aspect_ratio,omitempty"`
	Resolution      string   `json:"resolution,omitempty" msgpack:"resolution,omitempty"`
	ReferenceImages []string `json:"reference_images,omitempty" msgpack:"reference_images,omitempty"`
	ChunkIndex      *int     `json:"chunk_index,omitempty" msgpack:"chunk_index,omitempty"`
	TotalChunks     *int     `json:"total_chunks,omitempty" msgpack:"total_chunks,omitempty"`
	Data            string   `json:"data,omitempty" msgpack:"data,omitempty"`
	Error           string   `json:"error,omitempty" msgpack:"error,omitempty"`
	URL             string   `json:"url,omitempty" msgpack:"url,omitempty"`
	Message         string   `json:"message,omitempty" msgpack:"message,omitempty"`
}

// taskFrame always carries reference_images, even when empty.
type taskFrame struct {
	Type            Type     `json:"type" msgpack:"type"`
	TaskID          string   `json:"task_id" msgpack:"task_id"`
	Prompt          string   `json:"prompt" msgpack:"prompt"`
	TaskType        string   `json:"task_type" msgpack:"task_type"`
	AspectRatio     string   `json:"aspect_ratio" msgpack:"aspect_ratio"`
	Resolution      string   `json:"resolution" msgpack:"resolution"`
	ReferenceImages []string `json:"reference_images" msgpack:"reference_images"`
}

func toEnvelope(msg Message) (any, error) {
	switch m := msg.(type) {
	case Register:
		return &envelope{Type: TypeRegister, PageURL: m.PageURL}, nil
	case RegisterSuccess:
		return &envelope{Type: TypeRegisterSuccess, ClientID: m.ClientID}, nil
	case Task:
		refs := m.ReferenceImages
		if refs == nil {
			refs = []string{}
		}
		return &taskFrame{
			Type:            TypeTask,
			TaskID:          m.TaskID,
			Prompt:          m.Prompt,
			TaskType:        m.TaskType,
			AspectRatio:     m.AspectRatio,
			Resolution:      m.Resolution,
			ReferenceImages: refs,
		}, nil
	case ImageChunk:
		index, total := m.ChunkIndex, m.TotalChunks
		return &envelope{Type: TypeImageChunk, TaskID: m.TaskID, ChunkIndex: &index, TotalChunks: &total, Data: m.Data}, nil
	case ImageData:
		return &envelope{Type: TypeImageData, TaskID: m.TaskID, Data: m.Data}, nil
	case Result:
		return &envelope{Type: TypeResult, TaskID: m.TaskID, Error: m.Error, URL: m.URL}, nil
	case Status:
		return &envelope{Type: TypeStatus, Message: m.Message}, nil
	case nil:
		return nil, fmt.Errorf("%w: nil message", ErrMalformed)
	}
	return nil, fmt.Errorf("%w: %T", ErrUnknownType, msg)
}

func (e *envelope) message() (Message, error) {
	switch e.Type {
	case TypeRegister:
		return Register{PageURL: e.PageURL}, nil
	case TypeRegisterSuccess:
		return RegisterSuccess{ClientID: e.ClientID}, nil
	case TypeTask:
		return Task{
			TaskID:          e.TaskID,
			Prompt:          e.Prompt,
			TaskType:        e.TaskType,
			AspectRatio:     e.AspectRatio,
			Resolution:      e.Resolution,
			ReferenceImages: e.ReferenceImages,
		}, nil
	case TypeImageChunk:
		if e.TaskID == "" || e.ChunkIndex == nil || e.TotalChunks == nil {
			return nil, fmt.Errorf("%w: image_chunk needs task_id, chunk_index and total_chunks", ErrMalformed)
		}
		return ImageChunk{TaskID: e.TaskID, ChunkIndex: *e.ChunkIndex, TotalChunks: *e.TotalChunks, Data: e.Data}, nil
	case TypeImageData:
		if e.TaskID == "" {
			return nil, fmt.Errorf("%w: image_data needs task_id", ErrMalformed)
		}
		return ImageData{TaskID: e.TaskID, Data: e.Data}, nil
	case TypeResult:
		if e.TaskID == "" {
			return nil, fmt.Errorf("%w: result needs task_id", ErrMalformed)
		}
		return Result{TaskID: e.TaskID, Error: e.Error, URL: e.URL}, nil
	case TypeStatus:
		return Status{Message: e.Message}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownType, e.Type)
}
