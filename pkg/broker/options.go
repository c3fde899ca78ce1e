package broker

import (
	"time"

	"github.com/billm/baaaht/relay/pkg/types"
)

// DispatchOption adjusts the envelope before it is routed
type DispatchOption func(msg *types.BrokeredMessage)

// WithRecipients replaces the recipients
func WithRecipients(recipients ...types.Endpoint) DispatchOption {
	return func(msg *types.BrokeredMessage) {
		msg.Recipients = append([]types.Endpoint(nil), recipients...)
	}
}

// WithTimeout sets how long to wait for a reply
func WithTimeout(d time.Duration) DispatchOption {
	return func(msg *types.BrokeredMessage) {
		msg.Timeout = d
	}
}

// OneWay marks the message as not expecting a reply
func OneWay() DispatchOption {
	return func(msg *types.BrokeredMessage) {
		msg.IsOneWay = true
	}
}

// WithPriority sets the delivery priority
func WithPriority(p types.Priority) DispatchOption {
	return func(msg *types.BrokeredMessage) {
		msg.Priority = p
	}
}

// WithBearerToken attaches a bearer token
func WithBearerToken(token string) DispatchOption {
	return func(msg *types.BrokeredMessage) {
		msg.BearerToken = token
	}
}

// WithEnvelope applies an arbitrary change to the envelope
func WithEnvelope(fn func(msg *types.BrokeredMessage)) DispatchOption {
	return fn
}
