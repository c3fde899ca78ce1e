package ipc

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/billm/baaaht/relay/internal/config"
	"github.com/billm/baaaht/relay/internal/logger"
	"github.com/billm/baaaht/relay/pkg/apps"
	"github.com/billm/baaaht/relay/pkg/events"
	"github.com/billm/baaaht/relay/pkg/routing"
	"github.com/billm/baaaht/relay/pkg/serialization"
	"github.com/billm/baaaht/relay/pkg/types"
)

// Option configures a Transport
type Option func(*Transport)

// WithDialer replaces the Unix socket dialer
func WithDialer(d Dialer) Option {
	return func(t *Transport) {
		t.dialer = d
	}
}

// Transport routes messages between application instances over named
// channels. It implements routing.Router, routing.Initializer,
// routing.ReplyEmitter and routing.Closer.
type Transport struct {
	cfg        config.ChannelConfig
	identity   apps.Identity
	members    *apps.Manager
	hub        *events.Bus
	serializer serialization.Serializer
	processor  routing.Processor
	dialer     Dialer
	logger     *logger.Logger

	state atomic.Int32

	mu    sync.RWMutex
	peers map[string]*peerEntry
	dials singleflight.Group

	repliesMu sync.RWMutex
	replies   chan<- *types.BrokeredMessage

	inbound *inboundChannel
	subs    []types.ID
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

var (
	_ routing.Router       = (*Transport)(nil)
	_ routing.Initializer  = (*Transport)(nil)
	_ routing.ReplyEmitter = (*Transport)(nil)
	_ routing.Closer       = (*Transport)(nil)
)

// NewTransport creates the channel transport. Channels are opened once the
// app.started event for this instance is published on hub.
func NewTransport(cfg config.ChannelConfig, members *apps.Manager, hub *events.Bus,
	serializer serialization.Serializer, processor routing.Processor, log *logger.Logger, opts ...Option) (*Transport, error) {
	if members == nil || hub == nil {
		return nil, types.NewError(types.ErrCodeInvalidArgument, "membership manager and event hub are required")
	}
	if serializer == nil || processor == nil {
		return nil, types.NewError(types.ErrCodeInvalidArgument, "serializer and processor are required")
	}
	if log == nil {
		var err error
		log, err = logger.NewDefault()
		if err != nil {
			return nil, types.WrapError(types.ErrCodeInternal, "failed to create default logger", err)
		}
	}
	if cfg.MaxFrameSize <= 0 {
		cfg.MaxFrameSize = config.DefaultChannelMaxFrameSize
	}

	identity := members.Identity()
	ctx, cancel := context.WithCancel(context.Background())
	t := &Transport{
		cfg:        cfg,
		identity:   identity,
		members:    members,
		hub:        hub,
		serializer: serializer,
		processor:  processor,
		dialer:     UnixDialer(cfg.DialTimeout),
		logger:     log.With("component", "channel_transport", "app_instance_id", identity.AppInstanceID),
		peers:      make(map[string]*peerEntry),
		ctx:        ctx,
		cancel:     cancel,
	}
	for _, opt := range opts {
		opt(t)
	}

	self := Peer{
		AppID:         identity.AppID,
		AppInstanceID: identity.AppInstanceID,
		ChannelName:   t.channelName(identity.AppInstanceID),
		IsSelf:        true,
	}
	t.peers[self.AppInstanceID] = &peerEntry{peer: self}
	t.inbound = newInboundChannel(t.socketPath(identity.AppInstanceID), cfg.MaxFrameSize, t.handleFrame, t.logger)
	return t, nil
}

func (t *Transport) channelName(appInstanceID string) string {
	return ChannelName(t.cfg.Namespace, t.cfg.ChannelType, appInstanceID)
}

func (t *Transport) socketPath(appInstanceID string) string {
	return filepath.Join(t.cfg.Dir, t.channelName(appInstanceID))
}

// SocketPath returns the path of this instance's inbound channel
func (t *Transport) SocketPath() string {
	return t.inbound.path
}

// State returns the current lifecycle state
func (t *Transport) State() State {
	return State(t.state.Load())
}

// BindReplies implements routing.ReplyEmitter
func (t *Transport) BindReplies(replies chan<- *types.BrokeredMessage) {
	t.repliesMu.Lock()
	defer t.repliesMu.Unlock()
	t.replies = replies
}

// Initialize implements routing.Initializer. It only subscribes to the hub;
// channels are opened when this instance starts.
func (t *Transport) Initialize(ctx context.Context, ic *routing.InitContext) error {
	if t.State() != StateUninitialized {
		return types.NewError(types.ErrCodeFailedPrecondition, "transport already initialized")
	}

	selfID := t.identity.AppInstanceID
	started := types.EventTypeAppStarted
	subID, err := t.hub.Subscribe(types.EventFilter{Type: &started, AppInstanceID: &selfID},
		types.EventFunc(func(ctx context.Context, event types.Event) error {
			return t.openChannels(ctx)
		}))
	if err != nil {
		return err
	}
	t.subs = append(t.subs, subID)

	subID, err = t.hub.Subscribe(types.FilterByType(types.EventTypeAppStopped),
		types.EventFunc(func(ctx context.Context, event types.Event) error {
			if event.App.AppInstanceID != selfID {
				t.removePeer(ctx, event.App.AppInstanceID)
			}
			return nil
		}))
	if err != nil {
		return err
	}
	t.subs = append(t.subs, subID)

	t.logger.Debug("Transport initialized", "channel", t.channelName(selfID), "root", t.identity.IsRoot)
	return nil
}

// openChannels opens the inbound channel and, for a member, joins the root
func (t *Transport) openChannels(ctx context.Context) error {
	if !t.state.CompareAndSwap(int32(StateUninitialized), int32(StateChannelsInitializing)) {
		return types.NewError(types.ErrCodeFailedPrecondition, "channels already opened in state "+t.State().String())
	}

	if err := t.inbound.listen(); err != nil {
		t.state.CompareAndSwap(int32(StateChannelsInitializing), int32(StateUninitialized))
		return err
	}

	if !t.identity.IsRoot {
		root := types.AppInfo{AppInstanceID: t.members.RootInstanceID()}
		join := &types.JoinPeerMessage{AppInstanceID: t.identity.AppInstanceID, AppID: t.identity.AppID}
		if err := t.sendControl(ctx, root, join); err != nil {
			if t.state.CompareAndSwap(int32(StateChannelsInitializing), int32(StateUninitialized)) {
				t.resetInbound()
			}
			return types.WrapError(types.ErrCodeUnavailable, "failed to join root "+root.AppInstanceID, err)
		}
	}

	// Close may have run while the channels were opening
	if !t.state.CompareAndSwap(int32(StateChannelsInitializing), int32(StateChannelsReady)) {
		return types.NewError(types.ErrCodeUnavailable, "transport closed while opening channels")
	}
	t.logger.Info("Channels ready", "channel", t.channelName(t.identity.AppInstanceID))

	if err := t.hub.Publish(ctx, types.Event{
		Type:   types.EventTypeChannelsReady,
		Source: "channel_transport",
		App:    t.identity.Info(),
	}); err != nil {
		t.logger.Warn("Failed to publish channels ready event", "error", err)
	}
	return nil
}

// resetInbound tears down a half-opened inbound channel so a later
// app.started can retry
func (t *Transport) resetInbound() {
	t.inbound.close()
	t.inbound.wait()
	t.inbound.removeSocket()
	t.inbound = newInboundChannel(t.inbound.path, t.cfg.MaxFrameSize, t.handleFrame, t.logger)
}

// Dispatch implements routing.Router
func (t *Transport) Dispatch(ctx context.Context, msg *types.BrokeredMessage, dc *routing.DispatchContext) (routing.Result, error) {
	if state := t.State(); state != StateChannelsReady {
		return routing.Result{}, types.NewError(types.ErrCodeUnavailable, "channels are not ready: "+state.String())
	}
	if err := t.RouteOutput(ctx, msg); err != nil {
		return routing.Result{}, err
	}
	return routing.Result{Instruction: routing.InstructionNone}, nil
}

type outputGroup struct {
	entry      *peerEntry
	recipients []types.Endpoint
}

// RouteOutput resolves the recipients of msg to channels and writes one
// envelope per channel. Unreachable recipients are skipped; the call fails
// only if nothing could be delivered.
func (t *Transport) RouteOutput(ctx context.Context, msg *types.BrokeredMessage) error {
	recipients := msg.Recipients
	broadcast := len(recipients) == 0
	if broadcast {
		recipients = []types.Endpoint{{}}
	}

	var groups []*outputGroup
	index := make(map[string]*outputGroup)
	add := func(entry *peerEntry, r types.Endpoint) {
		g, ok := index[entry.peer.AppInstanceID]
		if !ok {
			g = &outputGroup{entry: entry}
			index[entry.peer.AppInstanceID] = g
			groups = append(groups, g)
		}
		g.recipients = append(g.recipients, r)
	}

	for _, r := range recipients {
		if r.AppInstanceID != "" {
			entry, err := t.ensureOutChannel(ctx, types.AppInfo{AppID: r.AppID, AppInstanceID: r.AppInstanceID})
			if err != nil {
				t.logger.Warn("Recipient unreachable, skipping", "recipient", r.String(), "message_id", msg.ID, "error", err)
				continue
			}
			add(entry, r)
			continue
		}
		for _, entry := range t.snapshot() {
			if r.AppID != "" && r.AppID != entry.peer.AppID {
				continue
			}
			if !entry.usable() {
				redialed, err := t.ensureOutChannel(ctx, entry.peer.Info())
				if err != nil {
					t.logger.Warn("Peer unreachable, skipping", "peer", entry.peer.AppInstanceID, "message_id", msg.ID, "error", err)
					continue
				}
				entry = redialed
			}
			add(entry, r)
		}
	}

	if len(groups) == 0 {
		return types.NewError(types.ErrCodeNotFound, "no reachable recipients for message "+msg.ID.String())
	}

	var data []byte
	if len(groups) == 1 && !groups[0].entry.peer.IsSelf {
		var err error
		if data, err = t.serializer.Serialize(ctx, msg); err != nil {
			return err
		}
	}

	var failed atomic.Int32
	var eg errgroup.Group
	for _, g := range groups {
		out := msg
		if len(groups) > 1 {
			if broadcast {
				out = msg.Clone(nil)
			} else {
				out = msg.Clone(g.recipients)
			}
		}
		entry := g.entry
		eg.Go(func() error {
			var err error
			switch {
			case entry.peer.IsSelf:
				err = t.deliverLocal(ctx, out)
			case data != nil:
				err = t.write(ctx, entry, data)
			default:
				err = t.send(ctx, entry, out)
			}
			if err != nil {
				failed.Add(1)
				t.logger.Warn("Failed to deliver message", "peer", entry.peer.AppInstanceID, "message_id", msg.ID, "error", err)
			}
			return err
		})
	}
	err := eg.Wait()

	if int(failed.Load()) == len(groups) {
		return types.WrapError(types.ErrCodeUnavailable,
			fmt.Sprintf("delivery of %s failed on every channel", msg.ID), err)
	}
	return nil
}

func (t *Transport) send(ctx context.Context, entry *peerEntry, msg *types.BrokeredMessage) error {
	data, err := t.serializer.Serialize(ctx, msg)
	if err != nil {
		return err
	}
	return t.write(ctx, entry, data)
}

// write sends one frame. A failed write closes the channel, and the next
// send to the peer dials it again.
func (t *Transport) write(ctx context.Context, entry *peerEntry, data []byte) error {
	err := entry.out.write(ctx, data)
	if err != nil && entry.out.isClosed() {
		t.logger.Debug("Outbound channel closed after write failure", "peer", entry.peer.AppInstanceID, "error", err)
	}
	return err
}

// sendControl writes a one-way control message to a peer
func (t *Transport) sendControl(ctx context.Context, to types.AppInfo, content any) error {
	entry, err := t.ensureOutChannel(ctx, to)
	if err != nil {
		return err
	}
	msg, err := types.NewMessage(content)
	if err != nil {
		return err
	}
	msg.IsOneWay = true
	msg.Sender = t.identity.Endpoint()
	msg.Recipients = []types.Endpoint{to.Endpoint()}
	return t.send(ctx, entry, msg)
}

// deliverLocal hands a message addressed to this instance to the pipeline
// without going through a socket
func (t *Transport) deliverLocal(ctx context.Context, msg *types.BrokeredMessage) error {
	if msg.IsReply() {
		t.emitReply(msg)
		return nil
	}
	t.process(context.WithoutCancel(ctx), msg)
	return nil
}

// process runs msg through the pipeline in the background and routes the reply
func (t *Transport) process(ctx context.Context, msg *types.BrokeredMessage) {
	t.background(msg.ID, func() {
		reply, err := t.processor.Process(ctx, msg)
		if err != nil {
			t.logger.Warn("Processing failed", "message_id", msg.ID, "error", err)
		}
		if reply == nil {
			return
		}
		if err := t.returnReply(ctx, msg, reply); err != nil {
			t.logger.Warn("Failed to return reply", "message_id", msg.ID, "sender", msg.Sender.String(), "error", err)
		}
	})
}

// background runs fn on a goroutine Close waits for. Nothing runs once the
// transport is closed.
func (t *Transport) background(id types.ID, fn func()) {
	t.mu.RLock()
	if t.ctx.Err() != nil {
		t.mu.RUnlock()
		t.logger.Debug("Transport closed, dropping message", "message_id", id)
		return
	}
	t.wg.Add(1)
	t.mu.RUnlock()

	go func() {
		defer t.wg.Done()
		fn()
	}()
}

// returnReply routes reply to the sender of msg. A reply that cannot be
// encoded is replaced by a fault carrying the encoding error.
func (t *Transport) returnReply(ctx context.Context, msg, reply *types.BrokeredMessage) error {
	if msg.Sender.AppInstanceID == "" || msg.Sender.AppInstanceID == t.identity.AppInstanceID {
		t.emitReply(reply)
		return nil
	}

	entry, err := t.ensureOutChannel(ctx, types.AppInfo{AppID: msg.Sender.AppID, AppInstanceID: msg.Sender.AppInstanceID})
	if err != nil {
		return err
	}
	data, err := t.serializer.Serialize(ctx, reply)
	if err != nil {
		t.logger.Warn("Reply cannot be encoded, returning fault", "message_id", msg.ID, "error", err)
		fault := types.NewReply(msg, t.identity.Endpoint(), types.NewFault(err))
		if data, err = t.serializer.Serialize(ctx, fault); err != nil {
			return err
		}
	}
	return t.write(ctx, entry, data)
}

func (t *Transport) emitReply(reply *types.BrokeredMessage) {
	t.repliesMu.RLock()
	replies := t.replies
	t.repliesMu.RUnlock()

	if replies == nil {
		t.logger.Debug("No reply channel bound, dropping reply", "message_id", reply.ID)
		return
	}
	select {
	case replies <- reply:
	case <-t.ctx.Done():
	}
}

// handleFrame is called by the inbound read loops for every complete frame
func (t *Transport) handleFrame(data []byte) {
	msg, err := t.serializer.Deserialize(t.ctx, data)
	if err != nil {
		if msg == nil || msg.IsOneWay || msg.IsReply() {
			t.logger.Warn("Dropping undecodable frame", "size", len(data), "error", err)
			return
		}
		// The envelope is intact, so the sender learns why its request failed
		t.logger.Warn("Rejecting request with undecodable content", "message_id", msg.ID, "sender", msg.Sender.String(), "error", err)
		fault := types.NewReply(msg, t.identity.Endpoint(), types.NewFault(err))
		t.background(msg.ID, func() {
			if err := t.returnReply(t.ctx, msg, fault); err != nil {
				t.logger.Warn("Failed to return fault", "message_id", msg.ID, "error", err)
			}
		})
		return
	}

	switch content := msg.Content.(type) {
	case *types.JoinPeerMessage:
		t.handleJoin(t.ctx, content)
	case *types.PeersChangedMessage:
		t.handlePeersChanged(t.ctx, content)
	case *types.UnregisterPeerMessage:
		t.handleUnregister(t.ctx, content)
	default:
		if msg.IsReply() {
			t.emitReply(msg)
			return
		}
		t.process(t.ctx, msg)
	}
}

// ensureOutChannel returns the peer entry for info, dialling its channel if
// it is not known yet or its last write failed. Concurrent calls for the same
// peer share one dial.
func (t *Transport) ensureOutChannel(ctx context.Context, info types.AppInfo) (*peerEntry, error) {
	if entry, ok := t.lookup(info); ok && entry.usable() {
		return entry, nil
	}
	if t.ctx.Err() != nil {
		return nil, types.NewError(types.ErrCodeUnavailable, "transport is closed")
	}

	v, err, _ := t.dials.Do(info.AppInstanceID, func() (any, error) {
		if entry, ok := t.lookup(info); ok && entry.usable() {
			return entry, nil
		}

		name := t.channelName(info.AppInstanceID)
		conn, err := t.dialer.Dial(ctx, t.socketPath(info.AppInstanceID))
		if err != nil {
			return nil, types.WrapError(types.ErrCodeUnavailable, "failed to open channel "+name, err)
		}

		entry := &peerEntry{
			peer: Peer{AppID: info.AppID, AppInstanceID: info.AppInstanceID, ChannelName: name},
			out:  newOutChannel(name, conn, t.cfg.MaxFrameSize, t.cfg.WriteTimeout),
		}

		t.mu.Lock()
		if t.ctx.Err() != nil {
			t.mu.Unlock()
			entry.out.close()
			return nil, types.NewError(types.ErrCodeUnavailable, "transport is closed")
		}
		t.peers[info.AppInstanceID] = entry
		t.mu.Unlock()

		t.logger.Debug("Outbound channel opened", "peer", info.AppInstanceID, "channel", name)
		return entry, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*peerEntry), nil
}

// lookup finds a known peer, recording a newly learned app id
func (t *Transport) lookup(info types.AppInfo) (*peerEntry, bool) {
	t.mu.RLock()
	entry, ok := t.peers[info.AppInstanceID]
	t.mu.RUnlock()
	if !ok || info.AppID == "" || entry.peer.AppID == info.AppID {
		return entry, ok
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if current, ok := t.peers[info.AppInstanceID]; ok {
		updated := &peerEntry{peer: current.peer, out: current.out}
		updated.peer.AppID = info.AppID
		t.peers[info.AppInstanceID] = updated
		return updated, true
	}
	return nil, false
}

// snapshot returns the known peers ordered by instance id
func (t *Transport) snapshot() []*peerEntry {
	t.mu.RLock()
	out := make([]*peerEntry, 0, len(t.peers))
	for _, entry := range t.peers {
		out = append(out, entry)
	}
	t.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].peer.AppInstanceID < out[j].peer.AppInstanceID
	})
	return out
}

// Peers returns the known peers, self included, ordered by instance id
func (t *Transport) Peers() []Peer {
	entries := t.snapshot()
	out := make([]Peer, 0, len(entries))
	for _, entry := range entries {
		out = append(out, entry.peer)
	}
	return out
}

// removePeer closes the outbound channel of a peer and forgets it
func (t *Transport) removePeer(ctx context.Context, appInstanceID string) bool {
	if appInstanceID == t.identity.AppInstanceID {
		return false
	}

	t.mu.Lock()
	entry, ok := t.peers[appInstanceID]
	if ok {
		delete(t.peers, appInstanceID)
	}
	t.mu.Unlock()

	if !ok {
		return false
	}
	if err := entry.out.close(); err != nil {
		t.logger.Debug("Error closing outbound channel", "peer", appInstanceID, "error", err)
	}
	t.logger.Info("Peer removed", "peer", appInstanceID)

	if err := t.hub.Publish(ctx, types.Event{
		Type:   types.EventTypePeerLeft,
		Source: "channel_transport",
		App:    entry.peer.Info(),
	}); err != nil {
		t.logger.Debug("Failed to publish peer left event", "error", err)
	}
	return true
}

// Close implements routing.Closer. It tells the other peers this instance
// is going away, then tears down every channel.
func (t *Transport) Close() error {
	prev := State(t.state.Swap(int32(StateDisposing)))
	if prev == StateDisposing || prev == StateDisposed {
		t.state.Store(int32(prev))
		return nil
	}

	if prev == StateChannelsReady {
		t.broadcastUnregister()
	}

	t.cancel()
	t.inbound.close()

	t.mu.Lock()
	entries := t.peers
	t.peers = make(map[string]*peerEntry)
	t.mu.Unlock()
	for _, entry := range entries {
		if entry.out != nil {
			entry.out.close()
		}
	}

	t.inbound.wait()
	t.wg.Wait()
	if prev != StateUninitialized {
		t.inbound.removeSocket()
	}

	for _, id := range t.subs {
		_ = t.hub.Unsubscribe(id)
	}
	t.subs = nil

	t.state.Store(int32(StateDisposed))
	t.logger.Info("Transport closed")
	return nil
}
