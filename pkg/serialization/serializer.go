// Package serialization turns brokered message envelopes into bytes and back.
//
// Content is encoded separately from the envelope and tagged with its
// registered type name, so a receiver rebuilds the concrete Go type from the
// TypeRegistry instead of agreeing on a schema with the sender.
package serialization

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/billm/baaaht/relay/pkg/types"
)

// Supported formats
const (
	FormatJSON    = "json"
	FormatMsgpack = "msgpack"
)

// Serializer converts envelopes to and from their wire form.
//
// When the envelope decodes but its content does not, Deserialize returns the
// envelope without content together with the error, so the receiver can still
// answer the sender.
type Serializer interface {
	Format() string
	Serialize(ctx context.Context, msg *types.BrokeredMessage) ([]byte, error)
	Deserialize(ctx context.Context, data []byte) (*types.BrokeredMessage, error)
}

// envelopeFrame is the wire layout shared by every codec. R holds the
// codec's raw form of the already-encoded content.
type envelopeFrame[R ~[]byte] struct {
	ID               string           `json:"id" msgpack:"id"`
	ContentType      string           `json:"content_type,omitempty" msgpack:"content_type,omitempty"`
	Content          R                `json:"content,omitempty" msgpack:"content,omitempty"`
	Sender           types.Endpoint   `json:"sender" msgpack:"sender"`
	Recipients       []types.Endpoint `json:"recipients,omitempty" msgpack:"recipients,omitempty"`
	IsOneWay         bool             `json:"is_one_way,omitempty" msgpack:"is_one_way,omitempty"`
	Priority         int              `json:"priority,omitempty" msgpack:"priority,omitempty"`
	TimeoutMillis    int64            `json:"timeout_ms,omitempty" msgpack:"timeout_ms,omitempty"`
	ReplyToMessageID string           `json:"reply_to,omitempty" msgpack:"reply_to,omitempty"`
	BearerToken      string           `json:"bearer_token,omitempty" msgpack:"bearer_token,omitempty"`
	CreatedAt        time.Time        `json:"created_at" msgpack:"created_at"`
}

type codec[R ~[]byte] struct {
	format    string
	registry  *TypeRegistry
	marshal   func(any) ([]byte, error)
	unmarshal func([]byte, any) error
}

// New returns the serializer for format using registry for content types
func New(format string, registry *TypeRegistry) (Serializer, error) {
	if registry == nil {
		registry = NewTypeRegistry()
	}
	switch format {
	case FormatJSON, "":
		return NewJSON(registry), nil
	case FormatMsgpack:
		return NewMsgpack(registry), nil
	default:
		return nil, types.NewError(types.ErrCodeInvalidArgument, "unsupported serialization format: "+format)
	}
}

// NewJSON returns the textual JSON serializer
func NewJSON(registry *TypeRegistry) Serializer {
	return &codec[json.RawMessage]{
		format:    FormatJSON,
		registry:  registry,
		marshal:   json.Marshal,
		unmarshal: json.Unmarshal,
	}
}

// NewMsgpack returns the binary msgpack serializer
func NewMsgpack(registry *TypeRegistry) Serializer {
	return &codec[msgpack.RawMessage]{
		format:    FormatMsgpack,
		registry:  registry,
		marshal:   msgpack.Marshal,
		unmarshal: msgpack.Unmarshal,
	}
}

func (c *codec[R]) Format() string {
	return c.format
}

func (c *codec[R]) Serialize(ctx context.Context, msg *types.BrokeredMessage) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, types.WrapError(types.ErrCodeCanceled, "serialization canceled", err)
	}
	if msg == nil {
		return nil, types.NewError(types.ErrCodeInvalidArgument, "message cannot be nil")
	}

	frame := envelopeFrame[R]{
		ID:               msg.ID.String(),
		Sender:           msg.Sender,
		Recipients:       msg.Recipients,
		IsOneWay:         msg.IsOneWay,
		Priority:         int(msg.Priority),
		TimeoutMillis:    msg.Timeout.Milliseconds(),
		ReplyToMessageID: msg.ReplyToMessageID.String(),
		BearerToken:      msg.BearerToken,
		CreatedAt:        msg.CreatedAt.Time,
	}

	if msg.Content != nil {
		name, err := c.registry.NameOf(msg.Content)
		if err != nil {
			return nil, err
		}
		raw, err := c.marshal(msg.Content)
		if err != nil {
			return nil, types.WrapError(types.ErrCodeInvalidArgument,
				fmt.Sprintf("failed to encode %s content", name), err)
		}
		frame.ContentType = name
		frame.Content = R(raw)
	}

	data, err := c.marshal(frame)
	if err != nil {
		return nil, types.WrapError(types.ErrCodeInternal, "failed to encode envelope", err)
	}
	return data, nil
}

func (c *codec[R]) Deserialize(ctx context.Context, data []byte) (*types.BrokeredMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, types.WrapError(types.ErrCodeCanceled, "deserialization canceled", err)
	}

	var frame envelopeFrame[R]
	if err := c.unmarshal(data, &frame); err != nil {
		return nil, types.WrapError(types.ErrCodeInvalidArgument, "failed to decode envelope", err)
	}
	if frame.ID == "" {
		return nil, types.NewError(types.ErrCodeInvalidArgument, "envelope has no message id")
	}

	msg := &types.BrokeredMessage{
		ID:               types.ID(frame.ID),
		Sender:           frame.Sender,
		Recipients:       frame.Recipients,
		IsOneWay:         frame.IsOneWay,
		Priority:         types.Priority(frame.Priority),
		Timeout:          time.Duration(frame.TimeoutMillis) * time.Millisecond,
		ReplyToMessageID: types.ID(frame.ReplyToMessageID),
		BearerToken:      frame.BearerToken,
		CreatedAt:        types.NewTimestampFromTime(frame.CreatedAt),
	}

	if frame.ContentType != "" {
		ptr, convert, err := c.registry.newValue(frame.ContentType)
		if err != nil {
			return msg, err
		}
		if err := c.unmarshal([]byte(frame.Content), ptr); err != nil {
			return msg, types.WrapError(types.ErrCodeInvalidArgument,
				fmt.Sprintf("failed to decode %s content", frame.ContentType), err)
		}
		msg.Content = convert(ptr)
	}
	return msg, nil
}
