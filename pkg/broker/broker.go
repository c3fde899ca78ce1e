// Package broker is the entry point for sending messages. It wraps content in
// envelopes, hands them to the router chain and correlates replies with the
// requests waiting for them.
package broker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/billm/baaaht/relay/internal/config"
	"github.com/billm/baaaht/relay/internal/logger"
	"github.com/billm/baaaht/relay/pkg/apps"
	"github.com/billm/baaaht/relay/pkg/routing"
	"github.com/billm/baaaht/relay/pkg/types"
)

// Broker dispatches messages through the router chain
type Broker struct {
	chain             *routing.Chain
	identity          apps.Identity
	defaultRecipients []types.Endpoint
	defaultTimeout    atomic.Int64
	logger            *logger.Logger

	mu          sync.Mutex
	pending     map[types.ID]chan *types.BrokeredMessage
	initialized bool
	closed      bool

	replies chan *types.BrokeredMessage
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	stats counters
}

type counters struct {
	dispatched atomic.Int64
	oneWay     atomic.Int64
	replies    atomic.Int64
	stray      atomic.Int64
	timeouts   atomic.Int64
	faults     atomic.Int64
}

// New creates a broker. Initialize must be called before dispatching.
func New(cfg config.BrokerConfig, identity apps.Identity, chain *routing.Chain, log *logger.Logger) (*Broker, error) {
	if chain == nil {
		return nil, types.NewError(types.ErrCodeInvalidArgument, "router chain is required")
	}
	if log == nil {
		var err error
		log, err = logger.NewDefault()
		if err != nil {
			return nil, types.WrapError(types.ErrCodeInternal, "failed to create default logger", err)
		}
	}

	// without a configured default, requests must name their recipients and
	// one-way messages are broadcast
	var defaults []types.Endpoint
	if cfg.DefaultRecipient != "" {
		recipient, err := types.ParseEndpoint(cfg.DefaultRecipient)
		if err != nil {
			return nil, err
		}
		defaults = []types.Endpoint{recipient}
	}

	queueSize := cfg.ReplyQueueSize
	if queueSize <= 0 {
		queueSize = config.DefaultReplyQueueSize
	}

	ctx, cancel := context.WithCancel(context.Background())
	b := &Broker{
		chain:             chain,
		identity:          identity,
		defaultRecipients: defaults,
		logger:            log.With("component", "broker"),
		pending:           make(map[types.ID]chan *types.BrokeredMessage),
		replies:           make(chan *types.BrokeredMessage, queueSize),
		ctx:               ctx,
		cancel:            cancel,
	}
	b.defaultTimeout.Store(int64(cfg.DefaultTimeout))
	return b, nil
}

// Initialize resolves the router chain and starts reply correlation
func (b *Broker) Initialize(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return types.NewError(types.ErrCodeUnavailable, "broker is closed")
	}
	if b.initialized {
		return nil
	}

	if err := b.chain.Initialize(ctx, &routing.InitContext{Identity: b.identity}, b.replies); err != nil {
		return err
	}

	b.wg.Add(1)
	go b.replyLoop()

	b.initialized = true
	b.logger.Info("Broker initialized", "routes", len(b.chain.Routes()), "default_timeout", b.DefaultTimeout())
	return nil
}

// SetDefaultTimeout changes the reply timeout used when an envelope carries none
func (b *Broker) SetDefaultTimeout(d time.Duration) {
	b.defaultTimeout.Store(int64(d))
}

// DefaultTimeout returns the reply timeout used when an envelope carries none
func (b *Broker) DefaultTimeout() time.Duration {
	return time.Duration(b.defaultTimeout.Load())
}

// Dispatch sends content, or a prepared envelope, and returns the reply
// content. One-way messages return nil once the router chain accepted them.
func (b *Broker) Dispatch(ctx context.Context, payload any, opts ...DispatchOption) (any, error) {
	msg, err := b.envelope(payload, opts)
	if err != nil {
		return nil, err
	}
	if err := b.ready(); err != nil {
		return nil, err
	}

	b.stats.dispatched.Add(1)
	ctx = logger.ContextWith(ctx, "message_id", msg.ID.String())

	if msg.IsOneWay || msg.IsReply() {
		b.stats.oneWay.Add(1)
		_, err := b.chain.Dispatch(ctx, msg)
		return nil, err
	}

	if len(msg.Recipients) == 0 {
		return nil, types.NewError(types.ErrCodeInvalidArgument, "request message has no recipients")
	}

	timeout := msg.Timeout
	if timeout == 0 {
		timeout = b.DefaultTimeout()
		msg.Timeout = timeout
	}

	wait := b.register(msg.ID)
	defer b.forget(msg.ID)

	results, err := b.chain.Dispatch(ctx, msg)
	if err != nil {
		return nil, err
	}
	for _, res := range results {
		if res.Instruction == routing.InstructionReplied && res.Reply != nil {
			b.stats.replies.Add(1)
			return b.complete(msg, res.Reply)
		}
	}

	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}

	select {
	case reply := <-wait:
		return b.complete(msg, reply)
	case <-timer:
		b.stats.timeouts.Add(1)
		b.logger.DebugCtx(ctx, "Request timed out", "timeout", timeout)
		return nil, types.NewError(types.ErrCodeTimeout,
			fmt.Sprintf("no reply to message %s within %s", msg.ID, timeout))
	case <-ctx.Done():
		return nil, types.WrapError(types.ErrCodeCanceled, "dispatch canceled", ctx.Err())
	case <-b.ctx.Done():
		return nil, types.NewError(types.ErrCodeUnavailable, "broker closed while waiting for reply")
	}
}

// Publish broadcasts event content one-way
func (b *Broker) Publish(ctx context.Context, event any, opts ...DispatchOption) error {
	return b.ProcessOneWay(ctx, event, opts...)
}

// ProcessOneWay sends content without waiting for a reply
func (b *Broker) ProcessOneWay(ctx context.Context, content any, opts ...DispatchOption) error {
	withOneWay := make([]DispatchOption, 0, len(opts)+1)
	withOneWay = append(append(withOneWay, opts...), OneWay())
	_, err := b.Dispatch(ctx, content, withOneWay...)
	return err
}

// envelope wraps raw content, or copies a prepared envelope, and applies opts.
// The caller's envelope is never modified.
func (b *Broker) envelope(payload any, opts []DispatchOption) (*types.BrokeredMessage, error) {
	var msg *types.BrokeredMessage
	switch p := payload.(type) {
	case *types.BrokeredMessage:
		if p == nil {
			return nil, types.NewError(types.ErrCodeInvalidArgument, "message cannot be nil")
		}
		msg = p.Clone(p.Recipients)
	default:
		var err error
		msg, err = types.NewMessage(payload)
		if err != nil {
			return nil, err
		}
		msg.Recipients = append([]types.Endpoint(nil), b.defaultRecipients...)
	}
	if msg.Sender.IsZero() {
		msg.Sender = b.identity.Endpoint()
	}
	for _, opt := range opts {
		opt(msg)
	}
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	return msg, nil
}

func (b *Broker) ready() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return types.NewError(types.ErrCodeUnavailable, "broker is closed")
	}
	if !b.initialized {
		return types.NewError(types.ErrCodeFailedPrecondition, "broker is not initialized")
	}
	return nil
}

func (b *Broker) register(id types.ID) <-chan *types.BrokeredMessage {
	ch := make(chan *types.BrokeredMessage, 1)
	b.mu.Lock()
	b.pending[id] = ch
	b.mu.Unlock()
	return ch
}

func (b *Broker) forget(id types.ID) {
	b.mu.Lock()
	delete(b.pending, id)
	b.mu.Unlock()
}

func (b *Broker) complete(request, reply *types.BrokeredMessage) (any, error) {
	if fault, ok := reply.Content.(*types.Fault); ok {
		b.stats.faults.Add(1)
		return nil, &types.MessagingError{MessageID: request.ID, Code: fault.Code, Message: fault.Message}
	}
	return reply.Content, nil
}

// replyLoop hands each reply to the request waiting for it. The pending entry
// is removed on delivery, so a request completes at most once.
func (b *Broker) replyLoop() {
	defer b.wg.Done()

	for {
		select {
		case reply := <-b.replies:
			b.deliver(reply)
		case <-b.ctx.Done():
			return
		}
	}
}

func (b *Broker) deliver(reply *types.BrokeredMessage) {
	b.mu.Lock()
	ch, ok := b.pending[reply.ReplyToMessageID]
	if ok {
		delete(b.pending, reply.ReplyToMessageID)
	}
	b.mu.Unlock()

	if !ok {
		b.stats.stray.Add(1)
		b.logger.Debug("Dropping reply without pending request",
			"reply_id", reply.ID, "reply_to", reply.ReplyToMessageID)
		return
	}
	b.stats.replies.Add(1)
	ch <- reply
}

// Close fails outstanding requests and closes the router chain
func (b *Broker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	// Routers stop first so their in-flight replies still reach the reply loop
	err := b.chain.Close()

	b.cancel()
	b.wg.Wait()
	b.logger.Info("Broker closed")
	return err
}

// Stats reports broker counters
type Stats struct {
	Dispatched int64 `json:"dispatched"`
	OneWay     int64 `json:"one_way"`
	Replies    int64 `json:"replies"`
	Stray      int64 `json:"stray"`
	Timeouts   int64 `json:"timeouts"`
	Faults     int64 `json:"faults"`
	Pending    int   `json:"pending"`
}

// Stats returns a snapshot of the broker counters
func (b *Broker) Stats() Stats {
	b.mu.Lock()
	pending := len(b.pending)
	b.mu.Unlock()

	return Stats{
		Dispatched: b.stats.dispatched.Load(),
		OneWay:     b.stats.oneWay.Load(),
		Replies:    b.stats.replies.Load(),
		Stray:      b.stats.stray.Load(),
		Timeouts:   b.stats.timeouts.Load(),
		Faults:     b.stats.faults.Load(),
		Pending:    pending,
	}
}
