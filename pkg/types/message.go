package types

import (
	"fmt"
	"reflect"
	"strings"
	"time"
)

// Endpoint identifies a participant. Empty fields are wildcards for that dimension.
type Endpoint struct {
	AppID         string `json:"app_id,omitempty" msgpack:"app_id,omitempty" yaml:"app_id,omitempty"`
	AppInstanceID string `json:"app_instance_id,omitempty" msgpack:"app_instance_id,omitempty" yaml:"app_instance_id,omitempty"`
	EndpointID    string `json:"endpoint_id,omitempty" msgpack:"endpoint_id,omitempty" yaml:"endpoint_id,omitempty"`
}

const endpointScheme = "app://"

// NewEndpoint creates an endpoint
func NewEndpoint(appID, appInstanceID, endpointID string) Endpoint {
	return Endpoint{AppID: appID, AppInstanceID: appInstanceID, EndpointID: endpointID}
}

// IsZero returns true if every dimension is a wildcard
func (e Endpoint) IsZero() bool {
	return e == Endpoint{}
}

// IsWildcard returns true if the endpoint does not name a single app instance
func (e Endpoint) IsWildcard() bool {
	return e.AppInstanceID == ""
}

// Matches reports whether target falls under e, treating empty fields of e as wildcards
func (e Endpoint) Matches(target Endpoint) bool {
	if e.AppID != "" && e.AppID != target.AppID {
		return false
	}
	if e.AppInstanceID != "" && e.AppInstanceID != target.AppInstanceID {
		return false
	}
	if e.EndpointID != "" && e.EndpointID != target.EndpointID {
		return false
	}
	return true
}

// String returns the receiver key, e.g. app://billing/billing-1/*
func (e Endpoint) String() string {
	return endpointScheme + orStar(e.AppID) + "/" + orStar(e.AppInstanceID) + "/" + orStar(e.EndpointID)
}

// ParseEndpoint parses the form produced by String. The scheme is optional.
func ParseEndpoint(s string) (Endpoint, error) {
	parts := strings.Split(strings.TrimPrefix(s, endpointScheme), "/")
	if len(parts) > 3 {
		return Endpoint{}, NewError(ErrCodeInvalidArgument, "invalid endpoint: "+s)
	}
	for len(parts) < 3 {
		parts = append(parts, "")
	}
	return Endpoint{
		AppID:         fromStar(parts[0]),
		AppInstanceID: fromStar(parts[1]),
		EndpointID:    fromStar(parts[2]),
	}, nil
}

func orStar(s string) string {
	if s == "" {
		return "*"
	}
	return s
}

func fromStar(s string) string {
	if s == "*" {
		return ""
	}
	return s
}

// EventMessage is implemented by content that is broadcast and never replied to.
// Embed EventMessageBase to classify a type as an event.
type EventMessage interface {
	IsEventMessage()
}

// EventMessageBase marks the embedding type as event content
type EventMessageBase struct{}

// IsEventMessage implements EventMessage
func (EventMessageBase) IsEventMessage() {}

// IsEventContent reports whether content belongs to the event taxonomy
func IsEventContent(content any) bool {
	_, ok := content.(EventMessage)
	return ok
}

// Priority is the delivery priority of a message
type Priority int

const (
	PriorityLow      Priority = -1
	PriorityNormal   Priority = 0
	PriorityHigh     Priority = 1
	PriorityCritical Priority = 2
)

// BrokeredMessage is the envelope every message travels in
type BrokeredMessage struct {
	ID               ID
	Content          any
	Sender           Endpoint
	Recipients       []Endpoint
	IsOneWay         bool
	Priority         Priority
	Timeout          time.Duration
	ReplyToMessageID ID
	BearerToken      string
	CreatedAt        Timestamp
}

// NewMessage wraps content in a new envelope. IsOneWay defaults to true for event content.
func NewMessage(content any) (*BrokeredMessage, error) {
	if err := validateContent(content, false); err != nil {
		return nil, err
	}
	return &BrokeredMessage{
		ID:        GenerateID(),
		Content:   content,
		IsOneWay:  IsEventContent(content),
		CreatedAt: NewTimestamp(),
	}, nil
}

// NewReply creates the reply to original, addressed back to its sender
func NewReply(original *BrokeredMessage, sender Endpoint, content any) *BrokeredMessage {
	return &BrokeredMessage{
		ID:               GenerateID(),
		Content:          content,
		Sender:           sender,
		Recipients:       []Endpoint{original.Sender},
		IsOneWay:         true,
		Priority:         original.Priority,
		ReplyToMessageID: original.ID,
		BearerToken:      original.BearerToken,
		CreatedAt:        NewTimestamp(),
	}
}

// IsReply returns true if the envelope answers another message
func (m *BrokeredMessage) IsReply() bool {
	return !m.ReplyToMessageID.IsEmpty()
}

// Validate checks the envelope invariants
func (m *BrokeredMessage) Validate() error {
	if m.ID.IsEmpty() {
		return NewError(ErrCodeInvalidArgument, "message id cannot be empty")
	}
	return validateContent(m.Content, m.IsReply())
}

// Clone returns a copy addressed to recipients. Content is shared, not copied.
func (m *BrokeredMessage) Clone(recipients []Endpoint) *BrokeredMessage {
	clone := *m
	clone.Recipients = append([]Endpoint(nil), recipients...)
	return &clone
}

// String returns a short description for logs
func (m *BrokeredMessage) String() string {
	return fmt.Sprintf("BrokeredMessage{ID: %s, Content: %T, Recipients: %d, OneWay: %t}",
		m.ID, m.Content, len(m.Recipients), m.IsOneWay)
}

func validateContent(content any, isReply bool) error {
	if content == nil {
		if isReply {
			return nil
		}
		return NewError(ErrCodeInvalidArgument, "message content cannot be nil")
	}
	if reflect.TypeOf(content).Kind() == reflect.Func {
		return NewError(ErrCodeInvalidArgument, "message content cannot be a function")
	}
	return nil
}
