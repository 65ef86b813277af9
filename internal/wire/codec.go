package wire

import (
	"encoding/json"
	"fmt"

	"github.com/gobwas/ws"
	"github.com/vmihailenco/msgpack/v5"
)

// Codec serializes messages to frame payloads.
type Codec interface {
	Encode(msg Message) ([]byte, error)
	Decode(data []byte) (Message, error)
	Name() string
	// OpCode is the WebSocket frame type this codec writes.
	OpCode() ws.OpCode
}

// Codec names.
const (
	CodecNameJSON    = "json"
	CodecNameMsgpack = "msgpack"
)

// CodecFor picks the codec matching an incoming frame type. Text frames are
// JSON, binary frames are MessagePack.
func CodecFor(op ws.OpCode) Codec {
	if op == ws.OpBinary {
		return &MsgpackCodec{}
	}
	return &JSONCodec{}
}

// JSONCodec encodes messages as JSON text frames.
type JSONCodec struct{}

func (c *JSONCodec) Encode(msg Message) ([]byte, error) {
	env, err := toEnvelope(msg)
	if err != nil {
		return nil, err
	}
	return json.Marshal(env)
}

func (c *JSONCodec) Decode(data []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return env.message()
}

func (c *JSONCodec) Name() string      { return CodecNameJSON }
func (c *JSONCodec) OpCode() ws.OpCode { return ws.OpText }

// MsgpackCodec encodes messages as MessagePack binary frames.
type MsgpackCodec struct{}

func (c *MsgpackCodec) Encode(msg Message) ([]byte, error) {
	env, err := toEnvelope(msg)
	if err != nil {
		return nil, err
	}
	return msgpack.Marshal(env)
}

func (c *MsgpackCodec) Decode(data []byte) (Message, error) {
	var env envelope
	if err := msgpack.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return env.message()
}

func (c *MsgpackCodec) Name() string      { return CodecNameMsgpack }
func (c *MsgpackCodec) OpCode() ws.OpCode { return ws.OpBinary }
