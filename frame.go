package messenger

import (
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/tidwall/gjson"
)

// FrameKind discriminates inbound frames.
type FrameKind int

const (
	FrameMessage FrameKind = iota + 1
	FrameReadReceipt
)

func (k FrameKind) String() string {
	switch k {
	case FrameMessage:
		return "message"
	case FrameReadReceipt:
		return "messages_read"
	default:
		return "unknown"
	}
}

const (
	frameTypeMessage  = "message"
	frameTypeReceipts = "messages_read"
)

// Frame is one decoded unit of the push channel. Exactly one of Message and
// Receipt is set, according to Kind.
type Frame struct {
	Kind    FrameKind
	Message *Message
	Receipt *ReadReceipt
}

// DecodeError describes a frame that was dropped.
type DecodeError struct {
	Reason string
	Raw    []byte
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("%s: %s", ErrDecode, e.Reason)
}

func (e *DecodeError) Unwrap() error { return ErrDecode }

var validate = validator.New()

// DecodeFrame decodes a push channel frame.
//
// Frames tagged "messages_read" are read receipts. Frames tagged "message"
// carry the message under the "message" key. Untagged objects are bare
// messages, the form older servers emit.
func DecodeFrame(data []byte) (Frame, error) {
	if !gjson.ValidBytes(data) {
		return Frame{}, &DecodeError{Reason: "invalid json", Raw: data}
	}
	root := gjson.ParseBytes(data)
	if !root.IsObject() {
		return Frame{}, &DecodeError{Reason: "frame is not an object", Raw: data}
	}

	tag := root.Get("type")
	switch {
	case !tag.Exists():
		return decodeMessage([]byte(root.Raw), data)
	case tag.String() == frameTypeMessage:
		body := root.Get("message")
		if !body.IsObject() {
			return Frame{}, &DecodeError{Reason: "message frame without message body", Raw: data}
		}
		return decodeMessage([]byte(body.Raw), data)
	case tag.String() == frameTypeReceipts:
		var r ReadReceipt
		if err := json.Unmarshal(data, &r); err != nil {
			return Frame{}, &DecodeError{Reason: err.Error(), Raw: data}
		}
		if err := validate.Struct(&r); err != nil {
			return Frame{}, &DecodeError{Reason: err.Error(), Raw: data}
		}
		return Frame{Kind: FrameReadReceipt, Receipt: &r}, nil
	default:
		return Frame{}, &DecodeError{Reason: fmt.Sprintf("unknown frame type %q", tag.String()), Raw: data}
	}
}

func decodeMessage(body, raw []byte) (Frame, error) {
	var m Message
	if err := json.Unmarshal(body, &m); err != nil {
		return Frame{}, &DecodeError{Reason: err.Error(), Raw: raw}
	}
	if err := validate.Struct(&m); err != nil {
		return Frame{}, &DecodeError{Reason: err.Error(), Raw: raw}
	}
	return Frame{Kind: FrameMessage, Message: &m}, nil
}

// OutboundMessage is the payload written to the push channel on send.
type OutboundMessage struct {
	Message        string `json:"message"`
	ConversationID string `json:"conversation_id"`
}
