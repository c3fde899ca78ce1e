package routing

import (
	"context"
	"sync"

	"github.com/billm/baaaht/relay/internal/logger"
	"github.com/billm/baaaht/relay/pkg/pipeline"
	"github.com/billm/baaaht/relay/pkg/types"
)

// Processor handles a delivered message and returns the reply, if any
type Processor interface {
	Process(ctx context.Context, msg *types.BrokeredMessage) (*types.BrokeredMessage, error)
}

var _ Processor = (*pipeline.Pipeline)(nil)

// InProcessRouter delivers messages addressed to this process straight into
// the local pipeline. Delivery is asynchronous; replies are emitted on the
// bound reply channel.
type InProcessRouter struct {
	processor Processor
	logger    *logger.Logger

	mu      sync.RWMutex
	replies chan<- *types.BrokeredMessage
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewInProcessRouter creates the loopback router
func NewInProcessRouter(processor Processor, log *logger.Logger) (*InProcessRouter, error) {
	if processor == nil {
		return nil, types.NewError(types.ErrCodeInvalidArgument, "processor is required")
	}
	if log == nil {
		var err error
		log, err = logger.NewDefault()
		if err != nil {
			return nil, types.WrapError(types.ErrCodeInternal, "failed to create default logger", err)
		}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &InProcessRouter{
		processor: processor,
		logger:    log.With("component", "inprocess_router"),
		ctx:       ctx,
		cancel:    cancel,
	}, nil
}

// BindReplies implements ReplyEmitter
func (r *InProcessRouter) BindReplies(replies chan<- *types.BrokeredMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.replies = replies
}

// Dispatch implements Router
func (r *InProcessRouter) Dispatch(ctx context.Context, msg *types.BrokeredMessage, dc *DispatchContext) (Result, error) {
	r.mu.RLock()
	if r.ctx.Err() != nil {
		r.mu.RUnlock()
		return Result{}, types.NewError(types.ErrCodeUnavailable, "in-process router is closed")
	}
	r.wg.Add(1)
	r.mu.RUnlock()

	if msg.IsReply() {
		r.wg.Done()
		r.emit(msg)
		return Result{Instruction: InstructionNone}, nil
	}

	// Processing outlives the dispatch call but not the router
	procCtx := context.WithoutCancel(ctx)
	go func() {
		defer r.wg.Done()

		reply, err := r.processor.Process(procCtx, msg)
		if err != nil {
			r.logger.Warn("Local processing failed", "message_id", msg.ID, "error", err)
		}
		if reply != nil {
			r.emit(reply)
		}
	}()

	return Result{Instruction: InstructionNone}, nil
}

func (r *InProcessRouter) emit(reply *types.BrokeredMessage) {
	r.mu.RLock()
	replies := r.replies
	r.mu.RUnlock()

	if replies == nil {
		r.logger.Debug("No reply channel bound, dropping reply", "message_id", reply.ID)
		return
	}
	select {
	case replies <- reply:
	case <-r.ctx.Done():
	}
}

// Close waits for in-flight deliveries
func (r *InProcessRouter) Close() error {
	r.mu.Lock()
	r.cancel()
	r.mu.Unlock()
	r.wg.Wait()
	return nil
}
