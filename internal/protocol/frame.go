// Package protocol defines the JSON frames exchanged over a gateway connection.
//
// Every frame is {type, payload}. Inbound frames decode into a closed set of
// types implementing Inbound; anything else is either Unknown (well-formed but
// unrecognized type) or rejected with ErrMalformed.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Inbound frame types.
const (
	TypeMessageSend   = "message.send"
	TypeMessageRead   = "message.read"
	TypeMessageDelete = "message.delete"
	TypeMessageEdit   = "message.edit"
	TypeMessagePin    = "message.pin"
	TypeMessageReact  = "message.react"
	TypeTyping        = "typing"
	TypeStatusUpdate  = "status.update"
	TypeCallOffer     = "call.offer"
	TypeCallAnswer    = "call.answer"
	TypeCallICE       = "call.ice"
	TypeCallEnd       = "call.end"
)

// Outbound-only frame types.
const (
	TypeMessageReceive   = "message.receive"
	TypeMessageDelivered = "message.delivered"
	TypeMessageDeleted   = "message.deleted"
	TypeMessageEdited    = "message.edited"
	TypeMessagePinned    = "message.pinned"
	TypeMessageReacted   = "message.reacted"
	TypePresence         = "presence"
	TypeError            = "error"
)

var ErrMalformed = errors.New("malformed frame")

type Frame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Inbound is implemented by every frame a client may send.
type Inbound interface {
	validate() error
}

// Unknown is a well-formed frame whose type the server does not handle.
type Unknown struct {
	Type string
}

func (Unknown) validate() error { return nil }

// Decode parses one client frame.
func Decode(data []byte) (Inbound, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if f.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrMalformed)
	}

	var in Inbound
	switch f.Type {
	case TypeMessageSend:
		in = &SendMessage{}
	case TypeMessageRead:
		in = &ReadReceipt{}
	case TypeMessageDelete:
		in = &DeleteMessage{}
	case TypeMessageEdit:
		in = &EditMessage{}
	case TypeMessagePin:
		in = &PinMessage{}
	case TypeMessageReact:
		in = &ReactMessage{}
	case TypeTyping:
		in = &Typing{}
	case TypeStatusUpdate:
		in = &StatusUpdate{}
	case TypeCallOffer, TypeCallAnswer, TypeCallICE, TypeCallEnd:
		in = &CallSignal{Kind: f.Type}
	default:
		return Unknown{Type: f.Type}, nil
	}

	if len(f.Payload) == 0 || string(f.Payload) == "null" {
		return nil, fmt.Errorf("%w: %s without payload", ErrMalformed, f.Type)
	}
	if err := json.Unmarshal(f.Payload, in); err != nil {
		return nil, fmt.Errorf("%w: %s payload: %v", ErrMalformed, f.Type, err)
	}
	if err := in.validate(); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, f.Type, err)
	}
	return in, nil
}

// TypeOf returns the wire type of a decoded frame.
func TypeOf(in Inbound) string {
	switch f := in.(type) {
	case *SendMessage:
		return TypeMessageSend
	case *ReadReceipt:
		return TypeMessageRead
	case *DeleteMessage:
		return TypeMessageDelete
	case *EditMessage:
		return TypeMessageEdit
	case *PinMessage:
		return TypeMessagePin
	case *ReactMessage:
		return TypeMessageReact
	case *Typing:
		return TypeTyping
	case *StatusUpdate:
		return TypeStatusUpdate
	case *CallSignal:
		return f.Kind
	case Unknown:
		return f.Type
	}
	return ""
}

// Encode builds an outbound frame.
func Encode(frameType string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", frameType, err)
	}
	return json.Marshal(Frame{Type: frameType, Payload: raw})
}
