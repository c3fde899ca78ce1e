package broker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/billm/baaaht/relay/internal/config"
	"github.com/billm/baaaht/relay/pkg/apps"
	"github.com/billm/baaaht/relay/pkg/pipeline"
	"github.com/billm/baaaht/relay/pkg/routing"
	"github.com/billm/baaaht/relay/pkg/types"
)

var identity = apps.Identity{AppID: "orders", AppInstanceID: "orders-1", IsRoot: true}

// manualRouter accepts messages and lets the test emit replies
type manualRouter struct {
	mu        sync.Mutex
	received  []*types.BrokeredMessage
	replies   chan<- *types.BrokeredMessage
	immediate func(msg *types.BrokeredMessage) *types.BrokeredMessage
	arrived   chan *types.BrokeredMessage
}

func newManualRouter() *manualRouter {
	return &manualRouter{arrived: make(chan *types.BrokeredMessage, 16)}
}

func (r *manualRouter) BindReplies(replies chan<- *types.BrokeredMessage) { r.replies = replies }

func (r *manualRouter) Dispatch(ctx context.Context, msg *types.BrokeredMessage, dc *routing.DispatchContext) (routing.Result, error) {
	r.mu.Lock()
	r.received = append(r.received, msg)
	r.mu.Unlock()
	r.arrived <- msg
	if r.immediate != nil {
		return routing.Result{Instruction: routing.InstructionReplied, Reply: r.immediate(msg)}, nil
	}
	return routing.Result{}, nil
}

func (r *manualRouter) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.received)
}

func newBroker(t *testing.T, cfg config.BrokerConfig, descs ...routing.Descriptor) *Broker {
	t.Helper()
	chain, err := routing.NewChain(nil, descs...)
	require.NoError(t, err)
	b, err := New(cfg, identity, chain, nil)
	require.NoError(t, err)
	require.NoError(t, b.Initialize(context.Background()))
	t.Cleanup(func() { b.Close() })
	return b
}

func manualBroker(t *testing.T, cfg config.BrokerConfig) (*Broker, *manualRouter) {
	r := newManualRouter()
	return newBroker(t, cfg, routing.Descriptor{Name: "manual", IsFallback: true, Router: r}), r
}

type lookup struct{ SKU string }

var toBilling = WithRecipients(types.Endpoint{AppID: "billing", AppInstanceID: "billing-1"})

type stockChanged struct {
	types.EventMessageBase
	SKU string
}

func TestRequestReplyThroughLocalPipeline(t *testing.T) {
	p, err := pipeline.New(identity.Endpoint(), nil)
	require.NoError(t, err)

	var seen *lookup
	pipeline.On(p, func(ctx context.Context, msg *types.BrokeredMessage, req *lookup) (any, error) {
		seen = req
		return 42, nil
	})

	local, err := routing.NewInProcessRouter(p, nil)
	require.NoError(t, err)
	b := newBroker(t, config.DefaultBrokerConfig(), routing.Descriptor{
		Name: "local", ReceiverMatch: routing.InstancePattern(identity.AppInstanceID), Router: local,
	})

	req := &lookup{SKU: "A-1"}
	got, err := b.Dispatch(context.Background(), req, WithRecipients(identity.Endpoint()))
	require.NoError(t, err)
	assert.Equal(t, 42, got)
	assert.Same(t, req, seen, "loopback hands the original content to the handler")
	assert.Equal(t, 0, b.Stats().Pending)
}

func TestDispatchTimeout(t *testing.T) {
	b, r := manualBroker(t, config.BrokerConfig{DefaultTimeout: 20 * time.Millisecond})

	start := time.Now()
	_, err := b.Dispatch(context.Background(), "ping", toBilling)
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
	assert.Equal(t, 1, r.count())

	stats := b.Stats()
	assert.Equal(t, int64(1), stats.Timeouts)
	assert.Equal(t, 0, stats.Pending)

	// A late reply finds no pending request
	msg := <-r.arrived
	r.replies <- types.NewReply(msg, types.Endpoint{}, "pong")
	require.Eventually(t, func() bool { return b.Stats().Stray == 1 }, time.Second, 5*time.Millisecond)
}

func TestEnvelopeTimeoutOverridesDefault(t *testing.T) {
	b, _ := manualBroker(t, config.BrokerConfig{DefaultTimeout: time.Hour})

	_, err := b.Dispatch(context.Background(), "ping", toBilling, WithTimeout(10*time.Millisecond))
	assert.ErrorIs(t, err, types.ErrTimeout)
}

func TestZeroDefaultTimeoutWaitsForContext(t *testing.T) {
	b, _ := manualBroker(t, config.BrokerConfig{})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := b.Dispatch(ctx, "ping", toBilling)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.True(t, types.IsErrCode(err, types.ErrCodeCanceled))
}

func TestDispatchCanceled(t *testing.T) {
	b, r := manualBroker(t, config.DefaultBrokerConfig())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-r.arrived
		cancel()
	}()

	_, err := b.Dispatch(ctx, "ping", toBilling)
	assert.ErrorIs(t, err, context.Canceled)
	assert.ErrorIs(t, err, types.ErrCanceled)
	assert.Equal(t, 0, b.Stats().Pending)
}

func TestAsyncReplyCompletesOnce(t *testing.T) {
	b, r := manualBroker(t, config.DefaultBrokerConfig())

	go func() {
		msg := <-r.arrived
		r.replies <- types.NewReply(msg, types.Endpoint{}, "first")
		r.replies <- types.NewReply(msg, types.Endpoint{}, "second")
	}()

	got, err := b.Dispatch(context.Background(), "ping", toBilling)
	require.NoError(t, err)
	assert.Equal(t, "first", got)
	require.Eventually(t, func() bool { return b.Stats().Stray == 1 }, time.Second, 5*time.Millisecond)
}

func TestImmediateReply(t *testing.T) {
	b, r := manualBroker(t, config.DefaultBrokerConfig())
	r.immediate = func(msg *types.BrokeredMessage) *types.BrokeredMessage {
		return types.NewReply(msg, types.Endpoint{}, "now")
	}

	got, err := b.Dispatch(context.Background(), "ping", toBilling)
	require.NoError(t, err)
	assert.Equal(t, "now", got)
}

func TestFaultReplyBecomesMessagingError(t *testing.T) {
	b, r := manualBroker(t, config.DefaultBrokerConfig())
	r.immediate = func(msg *types.BrokeredMessage) *types.BrokeredMessage {
		return types.NewReply(msg, types.Endpoint{}, &types.Fault{Code: types.ErrCodeHandlerFailed, Message: "out of stock"})
	}

	_, err := b.Dispatch(context.Background(), "ping", toBilling)
	var merr *types.MessagingError
	require.True(t, errors.As(err, &merr))
	assert.Equal(t, types.ErrCodeHandlerFailed, merr.Code)
	assert.Equal(t, "out of stock", merr.Message)
	assert.Equal(t, int64(1), b.Stats().Faults)
}

func TestEmptyRecipientsRejectedBeforeRouting(t *testing.T) {
	b, r := manualBroker(t, config.DefaultBrokerConfig())

	_, err := b.Dispatch(context.Background(), "ping", WithRecipients())
	assert.ErrorIs(t, err, types.ErrInvalidArgument)
	assert.Equal(t, 0, r.count())

	// One-way messages may be broadcast without recipients
	require.NoError(t, b.ProcessOneWay(context.Background(), "note", WithRecipients()))
	assert.Equal(t, 1, r.count())
}

func TestInvalidContentRejected(t *testing.T) {
	b, r := manualBroker(t, config.DefaultBrokerConfig())

	_, err := b.Dispatch(context.Background(), func() {})
	assert.ErrorIs(t, err, types.ErrInvalidArgument)
	_, err = b.Dispatch(context.Background(), nil)
	assert.ErrorIs(t, err, types.ErrInvalidArgument)
	assert.Equal(t, 0, r.count())
}

func TestEventContentIsOneWay(t *testing.T) {
	b, r := manualBroker(t, config.DefaultBrokerConfig())

	got, err := b.Dispatch(context.Background(), &stockChanged{SKU: "A-1"})
	require.NoError(t, err)
	assert.Nil(t, got)

	msg := <-r.arrived
	assert.True(t, msg.IsOneWay)
	assert.Equal(t, identity.Endpoint(), msg.Sender)
	assert.Empty(t, msg.Recipients, "events without a default recipient are broadcast")
}

func TestRequestWithoutDefaultRecipientIsRejected(t *testing.T) {
	b, r := manualBroker(t, config.DefaultBrokerConfig())

	_, err := b.Dispatch(context.Background(), "ping")
	assert.ErrorIs(t, err, types.ErrInvalidArgument)
	assert.Equal(t, 0, r.count())
}

func TestRequestUsesConfiguredDefaultRecipient(t *testing.T) {
	b, r := manualBroker(t, config.BrokerConfig{DefaultRecipient: "app://billing/billing-1/*"})
	r.immediate = func(msg *types.BrokeredMessage) *types.BrokeredMessage {
		return types.NewReply(msg, types.Endpoint{}, "pong")
	}

	got, err := b.Dispatch(context.Background(), "ping")
	require.NoError(t, err)
	assert.Equal(t, "pong", got)

	msg := <-r.arrived
	assert.Equal(t, []types.Endpoint{{AppID: "billing", AppInstanceID: "billing-1"}}, msg.Recipients)
}

func TestPreparedEnvelopeIsNotModified(t *testing.T) {
	b, r := manualBroker(t, config.BrokerConfig{DefaultTimeout: time.Hour})
	r.immediate = func(msg *types.BrokeredMessage) *types.BrokeredMessage {
		return types.NewReply(msg, types.Endpoint{}, "ok")
	}

	prepared, err := types.NewMessage("charge")
	require.NoError(t, err)
	prepared.Recipients = []types.Endpoint{{AppInstanceID: "billing-1"}}

	_, err = b.Dispatch(context.Background(), prepared, WithPriority(types.PriorityHigh), WithBearerToken("secret"))
	require.NoError(t, err)

	sent := <-r.arrived
	assert.Equal(t, prepared.ID, sent.ID)
	assert.Equal(t, types.PriorityHigh, sent.Priority)
	assert.Equal(t, identity.Endpoint(), sent.Sender)
	assert.Equal(t, time.Hour, sent.Timeout)

	assert.True(t, prepared.Sender.IsZero())
	assert.Equal(t, types.PriorityNormal, prepared.Priority)
	assert.Empty(t, prepared.BearerToken)
	assert.Zero(t, prepared.Timeout)
}

func TestProcessOneWayKeepsCallerOptions(t *testing.T) {
	b, r := manualBroker(t, config.DefaultBrokerConfig())

	opts := make([]DispatchOption, 1, 2)
	opts[0] = WithPriority(types.PriorityLow)
	require.NoError(t, b.ProcessOneWay(context.Background(), "note", opts...))

	assert.Nil(t, opts[:2][1], "caller's backing array is untouched")
	msg := <-r.arrived
	assert.True(t, msg.IsOneWay)
	assert.Equal(t, types.PriorityLow, msg.Priority)
}

func TestEnvelopeOptions(t *testing.T) {
	b, r := manualBroker(t, config.BrokerConfig{DefaultRecipient: "app://billing/*/*"})

	require.NoError(t, b.Publish(context.Background(), "note",
		WithPriority(types.PriorityCritical),
		WithBearerToken("secret"),
		WithEnvelope(func(m *types.BrokeredMessage) { m.Sender.EndpointID = "api" })))

	msg := <-r.arrived
	assert.Equal(t, []types.Endpoint{{AppID: "billing"}}, msg.Recipients)
	assert.Equal(t, types.PriorityCritical, msg.Priority)
	assert.Equal(t, "secret", msg.BearerToken)
	assert.Equal(t, "api", msg.Sender.EndpointID)
}

func TestCloseFailsOutstandingRequests(t *testing.T) {
	b, r := manualBroker(t, config.BrokerConfig{})

	go func() {
		<-r.arrived
		b.Close()
	}()

	_, err := b.Dispatch(context.Background(), "ping", toBilling)
	assert.ErrorIs(t, err, types.ErrUnavailable)

	_, err = b.Dispatch(context.Background(), "ping", toBilling)
	assert.ErrorIs(t, err, types.ErrUnavailable)
}

func TestDispatchBeforeInitialize(t *testing.T) {
	chain, err := routing.NewChain(nil, routing.Descriptor{Name: "m", IsFallback: true, Router: newManualRouter()})
	require.NoError(t, err)
	b, err := New(config.DefaultBrokerConfig(), identity, chain, nil)
	require.NoError(t, err)

	_, err = b.Dispatch(context.Background(), "ping", toBilling)
	assert.ErrorIs(t, err, types.ErrFailedPrecondition)
}

func TestSetDefaultTimeout(t *testing.T) {
	b, _ := manualBroker(t, config.BrokerConfig{DefaultTimeout: time.Hour})
	b.SetDefaultTimeout(5 * time.Millisecond)
	assert.Equal(t, 5*time.Millisecond, b.DefaultTimeout())

	_, err := b.Dispatch(context.Background(), "ping", toBilling)
	assert.ErrorIs(t, err, types.ErrTimeout)
}
