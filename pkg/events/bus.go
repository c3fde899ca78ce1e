// Package events is the in-process hub for application lifecycle events:
// app.started and app.stopped from the membership manager, peer.joined and
// peer.left from the channel transport, and channels.ready once a node can
// accept cross-process traffic.
package events

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/billm/baaaht/relay/internal/logger"
	"github.com/billm/baaaht/relay/pkg/types"
)

const (
	defaultQueueSize = 256
	handlerTimeout   = 30 * time.Second
	enqueueTimeout   = 5 * time.Second
)

// Bus delivers lifecycle events to subscribers. Publish hands events to a
// single worker, so every subscriber observes events in publish order.
type Bus struct {
	logger *logger.Logger

	// subs is replaced on every change and read without locking
	subs atomic.Pointer[[]*types.EventSubscription]

	mu     sync.RWMutex // guards queue against close while publishing
	closed bool
	queue  chan queued
	done   chan struct{}

	published atomic.Int64
	failed    atomic.Int64
}

type queued struct {
	ctx   context.Context
	event types.Event
}

// New creates an event bus and starts its delivery worker
func New(log *logger.Logger) (*Bus, error) {
	if log == nil {
		var err error
		log, err = logger.NewDefault()
		if err != nil {
			return nil, types.WrapError(types.ErrCodeInternal, "failed to create default logger", err)
		}
	}

	b := &Bus{
		logger: log.With("component", "event_bus"),
		queue:  make(chan queued, defaultQueueSize),
		done:   make(chan struct{}),
	}
	b.subs.Store(&[]*types.EventSubscription{})

	go b.deliverQueued()
	return b, nil
}

// Subscribe registers a handler for events matching the filter
func (b *Bus) Subscribe(filter types.EventFilter, handler types.EventHandler) (types.ID, error) {
	if handler == nil {
		return "", types.NewError(types.ErrCodeInvalidArgument, "handler cannot be nil")
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return "", types.NewError(types.ErrCodeUnavailable, "event bus is closed")
	}

	sub := &types.EventSubscription{
		ID:        types.GenerateID(),
		Filter:    filter,
		Handler:   handler,
		CreatedAt: types.NewTimestamp(),
	}
	next := append(slices.Clone(*b.subs.Load()), sub)
	b.subs.Store(&next)

	b.logger.Debug("Subscription created", "subscription_id", sub.ID, "filter_type", filter.Type)
	return sub.ID, nil
}

// Unsubscribe removes a subscription
func (b *Bus) Unsubscribe(id types.ID) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	current := *b.subs.Load()
	i := slices.IndexFunc(current, func(s *types.EventSubscription) bool { return s.ID == id })
	if i < 0 {
		return types.NewError(types.ErrCodeNotFound, fmt.Sprintf("subscription not found: %s", id))
	}
	next := slices.Delete(slices.Clone(current), i, i+1)
	b.subs.Store(&next)
	return nil
}

// Publish queues an event for asynchronous delivery. It blocks while the
// queue is full, up to a bounded wait.
func (b *Bus) Publish(ctx context.Context, event types.Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return types.NewError(types.ErrCodeUnavailable, "event bus is closed")
	}

	stamp(&event)
	timer := time.NewTimer(enqueueTimeout)
	defer timer.Stop()

	select {
	case b.queue <- queued{ctx: context.WithoutCancel(ctx), event: event}:
		return nil
	case <-ctx.Done():
		return types.WrapError(types.ErrCodeCanceled, "publish canceled", ctx.Err())
	case <-timer.C:
		return types.NewError(types.ErrCodeTimeout, "publish timeout - event bus buffer full")
	}
}

// PublishSync delivers an event on the calling goroutine and waits for every
// matching handler
func (b *Bus) PublishSync(ctx context.Context, event types.Event) error {
	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return types.NewError(types.ErrCodeUnavailable, "event bus is closed")
	}

	stamp(&event)
	return b.deliver(ctx, event)
}

func stamp(event *types.Event) {
	if event.ID.IsEmpty() {
		event.ID = types.GenerateID()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = types.NewTimestamp()
	}
}

// deliverQueued runs until the queue is closed and drained
func (b *Bus) deliverQueued() {
	defer close(b.done)
	for q := range b.queue {
		if err := b.deliver(q.ctx, q.event); err != nil {
			b.logger.Error("Failed to deliver event",
				"event_id", q.event.ID,
				"event_type", q.event.Type,
				"error", err)
		}
	}
}

// deliver runs the matching handlers concurrently and joins their errors
func (b *Bus) deliver(ctx context.Context, event types.Event) error {
	var matched []*types.EventSubscription
	for _, sub := range *b.subs.Load() {
		if sub.Filter.Matches(event) {
			matched = append(matched, sub)
		}
	}
	b.published.Add(1)
	if len(matched) == 0 {
		return nil
	}

	b.logger.Debug("Delivering event", "event_type", event.Type, "event_id", event.ID, "handler_count", len(matched))

	errs := make([]error, len(matched))
	var wg sync.WaitGroup
	for i, sub := range matched {
		wg.Add(1)
		go func() {
			defer wg.Done()
			hctx, cancel := context.WithTimeout(ctx, handlerTimeout)
			defer cancel()
			if err := sub.Handler.Handle(hctx, event); err != nil {
				b.failed.Add(1)
				errs[i] = types.WrapError(types.ErrCodeHandlerFailed,
					fmt.Sprintf("handler %s failed on %s", sub.ID, event.Type), err)
			}
		}()
	}
	wg.Wait()

	if err := errors.Join(errs...); err != nil {
		return types.WrapError(types.ErrCodePartialFailure, "event handlers failed", err)
	}
	return nil
}

// Close stops accepting events, delivers those already queued and waits for
// the worker. It is safe to call more than once.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	close(b.queue)
	b.mu.Unlock()

	<-b.done
	return nil
}

// Stats returns counters for the bus
func (b *Bus) Stats() BusStats {
	return BusStats{
		Subscriptions:  len(*b.subs.Load()),
		PendingEvents:  len(b.queue),
		Published:      b.published.Load(),
		HandlerFailure: b.failed.Load(),
	}
}

// BusStats represents event bus statistics
type BusStats struct {
	Subscriptions  int   `json:"subscriptions"`
	PendingEvents  int   `json:"pending_events"`
	Published      int64 `json:"published"`
	HandlerFailure int64 `json:"handler_failures"`
}
