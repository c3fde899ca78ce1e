// Package pipeline dispatches delivered messages to the handlers registered
// for their content type.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"

	"github.com/billm/baaaht/relay/internal/logger"
	"github.com/billm/baaaht/relay/pkg/types"
)

// Handler processes one delivered message. The returned value becomes the
// reply content for request messages and is ignored for one-way messages.
type Handler interface {
	Handle(ctx context.Context, msg *types.BrokeredMessage) (any, error)
}

// HandlerFunc is a function adapter for Handler
type HandlerFunc func(ctx context.Context, msg *types.BrokeredMessage) (any, error)

// Handle implements Handler
func (f HandlerFunc) Handle(ctx context.Context, msg *types.BrokeredMessage) (any, error) {
	return f(ctx, msg)
}

// Middleware wraps a handler
type Middleware func(next Handler) Handler

// Pipeline is the in-process message-processing pipeline
type Pipeline struct {
	mu         sync.RWMutex
	handlers   map[reflect.Type][]Handler
	middleware []Middleware
	self       types.Endpoint
	logger     *logger.Logger
}

// New creates a pipeline whose replies are sent as self
func New(self types.Endpoint, log *logger.Logger) (*Pipeline, error) {
	if log == nil {
		var err error
		log, err = logger.NewDefault()
		if err != nil {
			return nil, types.WrapError(types.ErrCodeInternal, "failed to create default logger", err)
		}
	}

	return &Pipeline{
		handlers: make(map[reflect.Type][]Handler),
		self:     self,
		logger:   log.With("component", "pipeline"),
	}, nil
}

// Handle registers h for messages whose content has the dynamic type of sample
func (p *Pipeline) Handle(sample any, h Handler) {
	if sample == nil || h == nil {
		panic("pipeline: Handle requires a sample and a handler")
	}
	p.register(reflect.TypeOf(sample), h)
}

// HandleFunc registers fn for messages whose content has the dynamic type of sample
func (p *Pipeline) HandleFunc(sample any, fn func(ctx context.Context, msg *types.BrokeredMessage) (any, error)) {
	p.Handle(sample, HandlerFunc(fn))
}

// On registers a typed handler for content of type T
func On[T any](p *Pipeline, fn func(ctx context.Context, msg *types.BrokeredMessage, content T) (any, error)) {
	t := reflect.TypeOf((*T)(nil)).Elem()
	if t.Kind() == reflect.Interface {
		panic(fmt.Sprintf("pipeline: cannot register handler for interface type %s", t))
	}
	p.register(t, HandlerFunc(func(ctx context.Context, msg *types.BrokeredMessage) (any, error) {
		return fn(ctx, msg, msg.Content.(T))
	}))
}

func (p *Pipeline) register(t reflect.Type, h Handler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[t] = append(p.handlers[t], h)
}

// Use appends middleware. The first middleware added is the outermost.
func (p *Pipeline) Use(mw ...Middleware) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.middleware = append(p.middleware, mw...)
}

// HasHandler reports whether content has at least one handler
func (p *Pipeline) HasHandler(content any) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.handlers[reflect.TypeOf(content)]) > 0
}

func (p *Pipeline) resolve(content any) ([]Handler, []Middleware) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	handlers := append([]Handler(nil), p.handlers[reflect.TypeOf(content)]...)
	mw := append([]Middleware(nil), p.middleware...)
	return handlers, mw
}

func wrap(h Handler, mw []Middleware) Handler {
	for i := len(mw) - 1; i >= 0; i-- {
		h = mw[i](h)
	}
	return h
}

// Process runs msg through its handlers. Request messages always produce a
// reply envelope, carrying a Fault when handling failed. One-way messages
// produce no reply; handler errors are returned joined.
func (p *Pipeline) Process(ctx context.Context, msg *types.BrokeredMessage) (*types.BrokeredMessage, error) {
	if msg == nil {
		return nil, types.NewError(types.ErrCodeInvalidArgument, "message cannot be nil")
	}
	if msg.IsReply() {
		return nil, types.NewError(types.ErrCodeInvalidArgument, "replies are not processed by the pipeline")
	}

	handlers, mw := p.resolve(msg.Content)

	if msg.IsOneWay {
		if len(handlers) == 0 {
			p.logger.Debug("No handler for one-way message", "message_id", msg.ID, "content_type", fmt.Sprintf("%T", msg.Content))
			return nil, nil
		}
		var errs []error
		for _, h := range handlers {
			if _, err := wrap(h, mw).Handle(ctx, msg); err != nil {
				p.logger.Warn("One-way handler failed", "message_id", msg.ID, "error", err)
				errs = append(errs, err)
			}
		}
		return nil, errors.Join(errs...)
	}

	if len(handlers) == 0 {
		p.logger.Debug("No handler for request", "message_id", msg.ID, "content_type", fmt.Sprintf("%T", msg.Content))
		return types.NewReply(msg, p.self, &types.Fault{
			Code:    types.ErrCodeNotFound,
			Message: fmt.Sprintf("no handler for %T", msg.Content),
		}), nil
	}

	result, err := wrap(handlers[0], mw).Handle(ctx, msg)
	if err != nil {
		return types.NewReply(msg, p.self, types.NewFault(err)), nil
	}
	return types.NewReply(msg, p.self, result), nil
}
