package ipc

import (
	"fmt"

	"github.com/billm/baaaht/relay/pkg/types"
)

// State is the lifecycle state of the transport
type State int32

const (
	StateUninitialized State = iota
	StateChannelsInitializing
	StateChannelsReady
	StateDisposing
	StateDisposed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateChannelsInitializing:
		return "channels_initializing"
	case StateChannelsReady:
		return "channels_ready"
	case StateDisposing:
		return "disposing"
	case StateDisposed:
		return "disposed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Peer is a known application instance reachable over a channel
type Peer struct {
	AppID         string `json:"app_id"`
	AppInstanceID string `json:"app_instance_id"`
	ChannelName   string `json:"channel_name"`
	IsSelf        bool   `json:"is_self"`
}

// Info returns the peer as app info
func (p Peer) Info() types.AppInfo {
	return types.AppInfo{AppID: p.AppID, AppInstanceID: p.AppInstanceID}
}

// peerEntry pairs a peer with its outbound channel. The self entry has none.
type peerEntry struct {
	peer Peer
	out  *outChannel
}

// usable reports whether messages can be written to the peer without dialling
func (e *peerEntry) usable() bool {
	return e.peer.IsSelf || (e.out != nil && !e.out.isClosed())
}
