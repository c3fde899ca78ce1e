package ipc

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/billm/baaaht/relay/internal/config"
	"github.com/billm/baaaht/relay/pkg/apps"
	"github.com/billm/baaaht/relay/pkg/events"
	"github.com/billm/baaaht/relay/pkg/serialization"
	"github.com/billm/baaaht/relay/pkg/types"
)

const rootID = "root"

// echoProcessor records delivered messages and answers requests with "echo:<content>"
// unless answer is set
type echoProcessor struct {
	self   types.Endpoint
	got    chan *types.BrokeredMessage
	answer func(msg *types.BrokeredMessage) any
}

func (p *echoProcessor) Process(ctx context.Context, msg *types.BrokeredMessage) (*types.BrokeredMessage, error) {
	p.got <- msg
	if msg.IsOneWay {
		return nil, nil
	}
	if p.answer != nil {
		return types.NewReply(msg, p.self, p.answer(msg)), nil
	}
	s, _ := msg.Content.(string)
	return types.NewReply(msg, p.self, "echo:"+s), nil
}

// countingSerializer counts encoded envelopes per message id
type countingSerializer struct {
	serialization.Serializer
	mu      sync.Mutex
	encoded map[types.ID]int
}

func (s *countingSerializer) Serialize(ctx context.Context, msg *types.BrokeredMessage) ([]byte, error) {
	data, err := s.Serializer.Serialize(ctx, msg)
	if err == nil {
		s.mu.Lock()
		s.encoded[msg.ID]++
		s.mu.Unlock()
	}
	return data, err
}

func (s *countingSerializer) count(id types.ID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.encoded[id]
}

// countingDialer counts dials per socket path. beforeDial, if set, runs
// before every dial.
type countingDialer struct {
	inner      Dialer
	mu         sync.Mutex
	dials      map[string]int
	beforeDial func(path string)
}

func newCountingDialer() *countingDialer {
	return &countingDialer{inner: UnixDialer(time.Second), dials: make(map[string]int)}
}

func (d *countingDialer) Dial(ctx context.Context, path string) (net.Conn, error) {
	d.mu.Lock()
	d.dials[path]++
	d.mu.Unlock()
	if d.beforeDial != nil {
		d.beforeDial(path)
	}
	return d.inner.Dial(ctx, path)
}

func (d *countingDialer) count(path string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials[path]
}

type testInstance struct {
	transport  *Transport
	members    *apps.Manager
	hub        *events.Bus
	processor  *echoProcessor
	replies    chan *types.BrokeredMessage
	dialer     *countingDialer
	registry   *serialization.TypeRegistry
	serializer *countingSerializer
}

func newInstance(t *testing.T, dir, appID, instanceID string) *testInstance {
	t.Helper()

	identity := apps.Identity{AppID: appID, AppInstanceID: instanceID, IsRoot: instanceID == rootID}
	hub, err := events.New(nil)
	require.NoError(t, err)
	members, err := apps.NewManager(identity, rootID, hub, nil)
	require.NoError(t, err)

	cfg := config.ChannelConfig{
		Enabled:      true,
		Dir:          dir,
		Namespace:    "test",
		ChannelType:  "app",
		MaxFrameSize: 1 << 20,
		WriteTimeout: time.Second,
		DialTimeout:  time.Second,
	}
	proc := &echoProcessor{self: identity.Endpoint(), got: make(chan *types.BrokeredMessage, 16)}
	dialer := newCountingDialer()
	registry := serialization.NewTypeRegistry()
	ser := &countingSerializer{Serializer: serialization.NewJSON(registry), encoded: make(map[types.ID]int)}
	tr, err := NewTransport(cfg, members, hub, ser, proc, nil, WithDialer(dialer))
	require.NoError(t, err)

	replies := make(chan *types.BrokeredMessage, 16)
	tr.BindReplies(replies)
	require.NoError(t, tr.Initialize(context.Background(), nil))

	inst := &testInstance{
		transport:  tr,
		members:    members,
		hub:        hub,
		processor:  proc,
		replies:    replies,
		dialer:     dialer,
		registry:   registry,
		serializer: ser,
	}
	t.Cleanup(func() {
		tr.Close()
		hub.Close()
	})
	return inst
}

func (i *testInstance) start(t *testing.T) {
	t.Helper()
	require.NoError(t, i.members.Start(context.Background()))
	require.Equal(t, StateChannelsReady, i.transport.State())
}

// joined starts root and a member, and waits until the root can reach the member
func joined(t *testing.T, dir string) (root, member *testInstance) {
	t.Helper()
	root = newInstance(t, dir, "orders", rootID)
	root.start(t)
	member = newInstance(t, dir, "billing", "m1")
	member.start(t)
	require.Eventually(t, func() bool {
		return len(root.transport.Peers()) == 2 && len(member.transport.Peers()) == 2
	}, 2*time.Second, 10*time.Millisecond)
	return root, member
}

func receive(t *testing.T, ch <-chan *types.BrokeredMessage, what string) *types.BrokeredMessage {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
		return nil
	}
}

func peerIDs(tr *Transport) []string {
	var ids []string
	for _, p := range tr.Peers() {
		ids = append(ids, p.AppInstanceID)
	}
	return ids
}

func TestChannelName(t *testing.T) {
	assert.Equal(t, "relay_app.root", ChannelName("relay", "app", "root"))
}

func TestDispatchBeforeChannelsReady(t *testing.T) {
	inst := newInstance(t, t.TempDir(), "orders", rootID)

	msg, err := types.NewMessage("hello")
	require.NoError(t, err)
	_, err = inst.transport.Dispatch(context.Background(), msg, nil)
	assert.True(t, types.IsErrCode(err, types.ErrCodeUnavailable))
	assert.Equal(t, StateUninitialized, inst.transport.State())
}

func TestMemberJoinsRoot(t *testing.T) {
	dir := t.TempDir()
	root := newInstance(t, dir, "orders", rootID)
	root.start(t)

	member := newInstance(t, dir, "billing", "m1")
	member.start(t)

	require.Eventually(t, func() bool {
		return len(member.transport.Peers()) == 2
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, []string{"m1", rootID}, peerIDs(root.transport))
	assert.Equal(t, []string{"m1", rootID}, peerIDs(member.transport))

	info, ok := root.members.Lookup("m1")
	require.True(t, ok)
	assert.Equal(t, "billing", info.AppID)

	// the root's app id is learned from the membership list
	require.Eventually(t, func() bool {
		info, ok := member.members.Lookup(rootID)
		return ok && info.AppID == "orders"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestPeersLearnEachOtherOnce(t *testing.T) {
	dir := t.TempDir()
	root := newInstance(t, dir, "orders", rootID)
	root.start(t)
	m1 := newInstance(t, dir, "billing", "m1")
	m1.start(t)
	m2 := newInstance(t, dir, "billing", "m2")
	m2.start(t)

	require.Eventually(t, func() bool {
		return len(m1.transport.Peers()) == 3 && len(m2.transport.Peers()) == 3
	}, 2*time.Second, 10*time.Millisecond)

	m2Path := m1.transport.socketPath("m2")
	assert.Equal(t, 1, m1.dialer.count(m2Path))

	// a repeated membership list must not dial known peers again
	m1.transport.handlePeersChanged(context.Background(), &types.PeersChangedMessage{
		AppInstanceID: rootID,
		Apps:          root.members.LiveApps(),
	})
	assert.Equal(t, 1, m1.dialer.count(m2Path))
	assert.Equal(t, 1, m1.dialer.count(m1.transport.socketPath(rootID)))
}

func TestRequestReplyAcrossChannels(t *testing.T) {
	dir := t.TempDir()
	root := newInstance(t, dir, "orders", rootID)
	root.start(t)
	member := newInstance(t, dir, "billing", "m1")
	member.start(t)

	msg, err := types.NewMessage("ping")
	require.NoError(t, err)
	msg.Sender = member.members.Identity().Endpoint()
	msg.Recipients = []types.Endpoint{{AppInstanceID: rootID}}

	_, err = member.transport.Dispatch(context.Background(), msg, nil)
	require.NoError(t, err)

	select {
	case got := <-root.processor.got:
		assert.Equal(t, msg.ID, got.ID)
		assert.Equal(t, "ping", got.Content)
	case <-time.After(2 * time.Second):
		t.Fatal("root did not receive the request")
	}

	select {
	case reply := <-member.replies:
		assert.Equal(t, msg.ID, reply.ReplyToMessageID)
		assert.Equal(t, "echo:ping", reply.Content)
	case <-time.After(2 * time.Second):
		t.Fatal("member did not receive the reply")
	}
}

func TestBroadcastReachesEveryPeerIncludingSelf(t *testing.T) {
	dir := t.TempDir()
	root := newInstance(t, dir, "orders", rootID)
	root.start(t)
	member := newInstance(t, dir, "billing", "m1")
	member.start(t)
	require.Eventually(t, func() bool {
		return len(root.transport.Peers()) == 2
	}, 2*time.Second, 10*time.Millisecond)

	msg, err := types.NewMessage("tick")
	require.NoError(t, err)
	msg.IsOneWay = true
	msg.Sender = root.members.Identity().Endpoint()

	_, err = root.transport.Dispatch(context.Background(), msg, nil)
	require.NoError(t, err)

	for _, inst := range []*testInstance{root, member} {
		select {
		case got := <-inst.processor.got:
			assert.Equal(t, msg.ID, got.ID)
		case <-time.After(2 * time.Second):
			t.Fatal("broadcast not delivered")
		}
	}
}

func TestWildcardFiltersByAppID(t *testing.T) {
	dir := t.TempDir()
	root := newInstance(t, dir, "orders", rootID)
	root.start(t)
	member := newInstance(t, dir, "billing", "m1")
	member.start(t)
	require.Eventually(t, func() bool {
		p, ok := root.transport.lookup(types.AppInfo{AppInstanceID: "m1"})
		return ok && p.peer.AppID == "billing"
	}, 2*time.Second, 10*time.Millisecond)

	msg, err := types.NewMessage("invoice")
	require.NoError(t, err)
	msg.IsOneWay = true
	msg.Recipients = []types.Endpoint{{AppID: "billing"}}

	_, err = root.transport.Dispatch(context.Background(), msg, nil)
	require.NoError(t, err)

	select {
	case got := <-member.processor.got:
		assert.Equal(t, "invoice", got.Content)
	case <-time.After(2 * time.Second):
		t.Fatal("member did not receive the message")
	}
	assert.Empty(t, root.processor.got)
}

func TestUnreachableRecipientsAreSkipped(t *testing.T) {
	dir := t.TempDir()
	root := newInstance(t, dir, "orders", rootID)
	root.start(t)

	msg, err := types.NewMessage("hello")
	require.NoError(t, err)
	msg.IsOneWay = true
	msg.Recipients = []types.Endpoint{{AppInstanceID: "ghost"}, {AppInstanceID: rootID}}

	_, err = root.transport.Dispatch(context.Background(), msg, nil)
	require.NoError(t, err)
	got := <-root.processor.got
	assert.Equal(t, msg.ID, got.ID)

	only, err := types.NewMessage("hello")
	require.NoError(t, err)
	only.Recipients = []types.Endpoint{{AppInstanceID: "ghost"}}
	_, err = root.transport.Dispatch(context.Background(), only, nil)
	assert.True(t, types.IsErrCode(err, types.ErrCodeNotFound))
}

func TestCloseUnregistersFromPeers(t *testing.T) {
	root, member := joined(t, t.TempDir())
	_, known := root.members.Lookup("m1")
	require.True(t, known)

	var left atomic.Int32
	leftType := types.EventTypePeerLeft
	_, err := root.hub.Subscribe(types.EventFilter{Type: &leftType}, types.EventFunc(func(ctx context.Context, e types.Event) error {
		if e.App.AppInstanceID == "m1" {
			left.Add(1)
		}
		return nil
	}))
	require.NoError(t, err)

	require.NoError(t, member.transport.Close())
	assert.Equal(t, StateDisposed, member.transport.State())
	assert.NoFileExists(t, member.transport.SocketPath())

	require.Eventually(t, func() bool {
		_, known := root.members.Lookup("m1")
		return !known && len(root.transport.Peers()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return left.Load() >= 1 }, 2*time.Second, 10*time.Millisecond)

	// closing twice is a no-op
	require.NoError(t, member.transport.Close())
}

func TestMemberStartFailsWithoutRoot(t *testing.T) {
	member := newInstance(t, t.TempDir(), "billing", "m1")

	err := member.members.Start(context.Background())
	require.Error(t, err)
	assert.Equal(t, StateUninitialized, member.transport.State())
	assert.NoFileExists(t, member.transport.SocketPath())
}

type note struct{ Text string }

func TestFanOutWritesOneEnvelopePerChannel(t *testing.T) {
	dir := t.TempDir()
	root := newInstance(t, dir, "orders", rootID)
	root.start(t)
	m1 := newInstance(t, dir, "billing", "m1")
	m1.start(t)
	m2 := newInstance(t, dir, "billing", "m2")
	m2.start(t)

	msg, err := types.NewMessage("invoice")
	require.NoError(t, err)
	msg.IsOneWay = true
	msg.Recipients = []types.Endpoint{
		{AppInstanceID: "m1"},
		{AppInstanceID: "m2", EndpointID: "a"},
		{AppInstanceID: "m2", EndpointID: "b"},
	}

	_, err = root.transport.Dispatch(context.Background(), msg, nil)
	require.NoError(t, err)

	got1 := receive(t, m1.processor.got, "m1 copy")
	assert.Equal(t, msg.ID, got1.ID)
	assert.Equal(t, []types.Endpoint{{AppInstanceID: "m1"}}, got1.Recipients)

	got2 := receive(t, m2.processor.got, "m2 copy")
	assert.Equal(t, msg.ID, got2.ID)
	assert.Equal(t, []types.Endpoint{
		{AppInstanceID: "m2", EndpointID: "a"},
		{AppInstanceID: "m2", EndpointID: "b"},
	}, got2.Recipients)

	assert.Equal(t, 2, root.serializer.count(msg.ID), "one write per channel")
	assert.Len(t, msg.Recipients, 3, "the dispatched envelope keeps its recipients")
	assert.Empty(t, root.processor.got)
}

func TestLocalDeliverySharesContent(t *testing.T) {
	root := newInstance(t, t.TempDir(), "orders", rootID)
	root.start(t)

	content := &note{Text: "hi"}
	msg, err := types.NewMessage(content)
	require.NoError(t, err)
	msg.IsOneWay = true
	msg.Recipients = []types.Endpoint{{AppInstanceID: rootID}}

	_, err = root.transport.Dispatch(context.Background(), msg, nil)
	require.NoError(t, err)

	got := receive(t, root.processor.got, "local delivery")
	assert.Same(t, content, got.Content)
	assert.Equal(t, 0, root.serializer.count(msg.ID), "no encoding for the local instance")
}

func TestAppStoppedRemovesPeer(t *testing.T) {
	root, _ := joined(t, t.TempDir())

	var left atomic.Int32
	leftType := types.EventTypePeerLeft
	_, err := root.hub.Subscribe(types.EventFilter{Type: &leftType}, types.EventFunc(func(ctx context.Context, e types.Event) error {
		if e.App.AppInstanceID == "m1" {
			left.Add(1)
		}
		return nil
	}))
	require.NoError(t, err)

	require.NoError(t, root.hub.Publish(context.Background(), types.Event{
		Type:   types.EventTypeAppStopped,
		Source: "test",
		App:    types.AppInfo{AppID: "billing", AppInstanceID: "m1"},
	}))

	require.Eventually(t, func() bool {
		return len(root.transport.Peers()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{rootID}, peerIDs(root.transport))
	require.Eventually(t, func() bool { return left.Load() == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestUnencodableReplyReturnsFault(t *testing.T) {
	dir := t.TempDir()
	root := newInstance(t, dir, "orders", rootID)
	root.processor.answer = func(msg *types.BrokeredMessage) any { return &note{Text: "unregistered"} }
	root.start(t)
	member := newInstance(t, dir, "billing", "m1")
	member.start(t)

	msg, err := types.NewMessage("ping")
	require.NoError(t, err)
	msg.Sender = member.members.Identity().Endpoint()
	msg.Recipients = []types.Endpoint{{AppInstanceID: rootID}}

	_, err = member.transport.Dispatch(context.Background(), msg, nil)
	require.NoError(t, err)

	reply := receive(t, member.replies, "fault reply")
	assert.Equal(t, msg.ID, reply.ReplyToMessageID)
	fault, ok := reply.Content.(*types.Fault)
	require.True(t, ok, "reply content is %T", reply.Content)
	assert.Equal(t, types.ErrCodeInvalidArgument, fault.Code)
}

func TestUnknownRequestContentReturnsFault(t *testing.T) {
	root, member := joined(t, t.TempDir())
	member.registry.MustRegister("billing.note", &note{})

	msg, err := types.NewMessage(&note{Text: "new in this version"})
	require.NoError(t, err)
	msg.Sender = member.members.Identity().Endpoint()
	msg.Recipients = []types.Endpoint{{AppInstanceID: rootID}}

	_, err = member.transport.Dispatch(context.Background(), msg, nil)
	require.NoError(t, err)

	reply := receive(t, member.replies, "fault reply")
	assert.Equal(t, msg.ID, reply.ReplyToMessageID)
	fault, ok := reply.Content.(*types.Fault)
	require.True(t, ok, "reply content is %T", reply.Content)
	assert.Equal(t, types.ErrCodeInvalidArgument, fault.Code)
	assert.Contains(t, fault.Message, "billing.note")
	assert.Empty(t, root.processor.got, "undecodable requests never reach the pipeline")

	// one-way messages with unknown content are dropped without an answer
	event, err := types.NewMessage(&note{Text: "fire and forget"})
	require.NoError(t, err)
	event.IsOneWay = true
	event.Sender = msg.Sender
	event.Recipients = msg.Recipients
	_, err = member.transport.Dispatch(context.Background(), event, nil)
	require.NoError(t, err)
	assert.Never(t, func() bool { return len(member.replies) > 0 }, 200*time.Millisecond, 20*time.Millisecond)
}

func TestFailedChannelIsDialledAgain(t *testing.T) {
	root, member := joined(t, t.TempDir())
	m1Path := root.transport.socketPath("m1")
	dials := root.dialer.count(m1Path)

	entry, ok := root.transport.lookup(types.AppInfo{AppInstanceID: "m1"})
	require.True(t, ok)
	require.NoError(t, entry.out.conn.Close())

	send := func(text string) (*types.BrokeredMessage, error) {
		msg, err := types.NewMessage(text)
		require.NoError(t, err)
		msg.IsOneWay = true
		msg.Recipients = []types.Endpoint{{AppInstanceID: "m1"}}
		_, err = root.transport.Dispatch(context.Background(), msg, nil)
		return msg, err
	}

	_, err := send("lost")
	assert.True(t, types.IsErrCode(err, types.ErrCodeUnavailable))
	assert.Contains(t, peerIDs(root.transport), "m1", "the peer stays known")

	msg, err := send("retried")
	require.NoError(t, err)
	got := receive(t, member.processor.got, "message after redial")
	assert.Equal(t, msg.ID, got.ID)
	assert.Equal(t, dials+1, root.dialer.count(m1Path))
}

func TestCloseWhileOpeningChannels(t *testing.T) {
	dir := t.TempDir()
	root := newInstance(t, dir, "orders", rootID)
	root.start(t)
	member := newInstance(t, dir, "billing", "m1")

	dialing := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	member.dialer.beforeDial = func(path string) {
		once.Do(func() { close(dialing) })
		<-release
	}

	started := make(chan error, 1)
	go func() { started <- member.members.Start(context.Background()) }()

	<-dialing
	assert.Equal(t, StateChannelsInitializing, member.transport.State())
	require.NoError(t, member.transport.Close())
	close(release)

	select {
	case err := <-started:
		assert.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("start did not return")
	}
	assert.Equal(t, StateDisposed, member.transport.State(), "state never moves back from disposed")
	assert.NoFileExists(t, member.transport.SocketPath())
}

func TestZeroFrameSizeUsesDefault(t *testing.T) {
	identity := apps.Identity{AppID: "orders", AppInstanceID: rootID, IsRoot: true}
	hub, err := events.New(nil)
	require.NoError(t, err)
	t.Cleanup(func() { hub.Close() })
	members, err := apps.NewManager(identity, rootID, hub, nil)
	require.NoError(t, err)

	proc := &echoProcessor{self: identity.Endpoint(), got: make(chan *types.BrokeredMessage, 1)}
	tr, err := NewTransport(config.ChannelConfig{Dir: t.TempDir(), Namespace: "test", ChannelType: "app"},
		members, hub, serialization.NewJSON(serialization.NewTypeRegistry()), proc, nil)
	require.NoError(t, err)
	t.Cleanup(func() { tr.Close() })

	assert.Equal(t, config.DefaultChannelMaxFrameSize, tr.cfg.MaxFrameSize)
	assert.Equal(t, config.DefaultChannelMaxFrameSize, tr.inbound.maxFrameSize)
}
