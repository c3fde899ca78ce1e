// Package routing selects the router that carries each message and keeps the
// resolved router chain.
package routing

import (
	"context"
	"regexp"

	"github.com/billm/baaaht/relay/pkg/apps"
	"github.com/billm/baaaht/relay/pkg/types"
)

// Instruction tells the broker what a router did with a message
type Instruction int

const (
	// InstructionNone means the message was accepted and any reply arrives later
	InstructionNone Instruction = iota
	// InstructionReplied means Result.Reply already holds the reply
	InstructionReplied
)

func (i Instruction) String() string {
	switch i {
	case InstructionNone:
		return "none"
	case InstructionReplied:
		return "replied"
	default:
		return "unknown"
	}
}

// Result is the outcome of a router dispatch
type Result struct {
	Instruction Instruction
	Reply       *types.BrokeredMessage
}

// DispatchContext carries per-dispatch information to a router
type DispatchContext struct {
	Self  types.Endpoint
	Route string
}

// InitContext carries what a router needs during initialization
type InitContext struct {
	Identity apps.Identity
}

// Router carries messages to their recipients. Implementations must be safe
// for concurrent use.
type Router interface {
	Dispatch(ctx context.Context, msg *types.BrokeredMessage, dc *DispatchContext) (Result, error)
}

// Initializer is implemented by routers that need setup before use
type Initializer interface {
	Initialize(ctx context.Context, ic *InitContext) error
}

// ReplyEmitter is implemented by routers that surface replies asynchronously
type ReplyEmitter interface {
	BindReplies(replies chan<- *types.BrokeredMessage)
}

// Closer is implemented by routers holding resources
type Closer interface {
	Close() error
}

// Descriptor is the static registration entry of a router
type Descriptor struct {
	Name string
	// ReceiverMatch is a regular expression evaluated against recipient keys
	ReceiverMatch      string
	IsFallback         bool
	IsOptional         bool
	ProcessingPriority int
	// Enabled is re-evaluated on every dispatch; nil means always enabled
	Enabled func(ctx context.Context, msg *types.BrokeredMessage) bool
	Router  Router
}

func (d *Descriptor) enabled(ctx context.Context, msg *types.BrokeredMessage) bool {
	return d.Enabled == nil || d.Enabled(ctx, msg)
}

// MatchAll is the receiver pattern claiming every recipient
const MatchAll = ".*"

// InstancePattern matches receiver keys addressing appInstanceID
func InstancePattern(appInstanceID string) string {
	return "^app://[^/]*/" + regexp.QuoteMeta(appInstanceID) + "/"
}

// BroadcastKey is the receiver key used for a message without recipients
var BroadcastKey = types.Endpoint{}.String()
