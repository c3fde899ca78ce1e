package node

import (
	"context"
	"fmt"

	"github.com/billm/baaaht/relay/pkg/pipeline"
	"github.com/billm/baaaht/relay/pkg/serialization"
	"github.com/billm/baaaht/relay/pkg/types"
)

// Content type names of the built-in messages
const (
	TypePing         = "relay.ping"
	TypePong         = "relay.pong"
	TypeAnnouncement = "relay.announcement"
)

// Ping asks a node to answer with a Pong
type Ping struct {
	Message string `json:"message,omitempty" msgpack:"message,omitempty"`
}

// Pong answers a Ping
type Pong struct {
	Message string        `json:"message,omitempty" msgpack:"message,omitempty"`
	From    types.AppInfo `json:"from" msgpack:"from"`
}

// Announcement is a one-way event broadcast to every node
type Announcement struct {
	types.EventMessageBase `json:"-" msgpack:"-"`
	Text                   string        `json:"text" msgpack:"text"`
	From                   types.AppInfo `json:"from" msgpack:"from"`
}

func registerBuiltins(registry *serialization.TypeRegistry) error {
	for name, sample := range map[string]any{
		TypePing:         &Ping{},
		TypePong:         &Pong{},
		TypeAnnouncement: &Announcement{},
	} {
		if err := registry.Register(name, sample); err != nil {
			return err
		}
	}
	return nil
}

func (n *Node) handleBuiltins(p *pipeline.Pipeline) {
	self := n.members.Identity().Info()

	pipeline.On(p, func(ctx context.Context, msg *types.BrokeredMessage, ping *Ping) (any, error) {
		return &Pong{Message: ping.Message, From: self}, nil
	})
	pipeline.On(p, func(ctx context.Context, msg *types.BrokeredMessage, a *Announcement) (any, error) {
		n.logger.InfoCtx(ctx, "Announcement received", "text", a.Text, "from", fmt.Sprintf("%s/%s", a.From.AppID, a.From.AppInstanceID))
		n.announcements.Add(1)
		return nil, nil
	})
}
