package ipc

import (
	"context"
	"time"

	"github.com/billm/baaaht/relay/pkg/types"
)

const defaultUnregisterTimeout = 2 * time.Second

// handleJoin runs on the root when a member announces itself. The joiner gets
// the full membership; previously known peers get the same list so they can
// reach the newcomer.
func (t *Transport) handleJoin(ctx context.Context, join *types.JoinPeerMessage) {
	if join.AppInstanceID == "" || join.AppInstanceID == t.identity.AppInstanceID {
		t.logger.Warn("Ignoring invalid join request", "peer", join.AppInstanceID)
		return
	}
	if !t.identity.IsRoot {
		t.logger.Warn("Join request received by non-root instance", "peer", join.AppInstanceID)
		return
	}

	joiner := types.AppInfo{AppID: join.AppID, AppInstanceID: join.AppInstanceID}
	if _, err := t.ensureOutChannel(ctx, joiner); err != nil {
		t.logger.Error("Failed to open channel to joining peer", "peer", joiner.AppInstanceID, "error", err)
		return
	}
	if _, err := t.members.Register(ctx, joiner); err != nil {
		t.logger.Warn("Failed to record joining peer", "peer", joiner.AppInstanceID, "error", err)
	}

	changed := &types.PeersChangedMessage{
		AppInstanceID: t.identity.AppInstanceID,
		Apps:          t.members.LiveApps(),
	}
	if err := t.sendControl(ctx, joiner, changed); err != nil {
		t.logger.Error("Failed to send membership to joining peer", "peer", joiner.AppInstanceID, "error", err)
	}

	for _, entry := range t.snapshot() {
		if entry.peer.IsSelf || entry.peer.AppInstanceID == joiner.AppInstanceID {
			continue
		}
		if err := t.sendControl(ctx, entry.peer.Info(), changed); err != nil {
			t.logger.Warn("Failed to notify peer of membership change", "peer", entry.peer.AppInstanceID, "error", err)
		}
	}
	t.logger.Info("Peer joined", "peer", joiner.AppInstanceID, "app_id", joiner.AppID, "live", len(changed.Apps))
}

// handlePeersChanged opens channels to every listed peer not known yet.
// Known peers are not dialled again.
func (t *Transport) handlePeersChanged(ctx context.Context, changed *types.PeersChangedMessage) {
	for _, app := range changed.Apps {
		if app.AppInstanceID == "" || app.AppInstanceID == t.identity.AppInstanceID {
			continue
		}
		if _, err := t.ensureOutChannel(ctx, app); err != nil {
			t.logger.Warn("Failed to open channel to peer", "peer", app.AppInstanceID, "error", err)
			continue
		}
		if _, err := t.members.Register(ctx, app); err != nil {
			t.logger.Warn("Failed to record peer", "peer", app.AppInstanceID, "error", err)
		}
	}
}

// handleUnregister drops a peer that announced its shutdown
func (t *Transport) handleUnregister(ctx context.Context, msg *types.UnregisterPeerMessage) {
	if msg.AppInstanceID == "" || msg.AppInstanceID == t.identity.AppInstanceID {
		return
	}
	t.removePeer(ctx, msg.AppInstanceID)
	if _, err := t.members.Unregister(ctx, msg.AppInstanceID); err != nil {
		t.logger.Warn("Failed to unregister peer", "peer", msg.AppInstanceID, "error", err)
	}
}

// broadcastUnregister tells every known peer this instance is leaving.
// Failures are logged and otherwise ignored.
func (t *Transport) broadcastUnregister() {
	ctx, cancel := context.WithTimeout(t.ctx, t.unregisterTimeout())
	defer cancel()

	msg := &types.UnregisterPeerMessage{
		AppInstanceID: t.identity.AppInstanceID,
		InputPipeName: t.channelName(t.identity.AppInstanceID),
	}
	for _, entry := range t.snapshot() {
		if entry.peer.IsSelf {
			continue
		}
		if err := t.sendControl(ctx, entry.peer.Info(), msg); err != nil {
			t.logger.Debug("Failed to send unregister", "peer", entry.peer.AppInstanceID, "error", err)
		}
	}
}

func (t *Transport) unregisterTimeout() time.Duration {
	if t.cfg.WriteTimeout > 0 {
		return t.cfg.WriteTimeout
	}
	return defaultUnregisterTimeout
}
