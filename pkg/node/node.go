// Package node assembles a broker node from configuration: the event hub,
// membership, serializer, pipeline, router chain with its transports, the
// broker itself and the health endpoint.
package node

import (
	"context"
	"math"
	"sync"
	"sync/atomic"

	"go.uber.org/dig"

	"github.com/billm/baaaht/relay/internal/config"
	"github.com/billm/baaaht/relay/internal/logger"
	"github.com/billm/baaaht/relay/pkg/apps"
	"github.com/billm/baaaht/relay/pkg/broker"
	"github.com/billm/baaaht/relay/pkg/events"
	relaygrpc "github.com/billm/baaaht/relay/pkg/grpc"
	"github.com/billm/baaaht/relay/pkg/ipc"
	"github.com/billm/baaaht/relay/pkg/pipeline"
	"github.com/billm/baaaht/relay/pkg/routing"
	"github.com/billm/baaaht/relay/pkg/serialization"
	"github.com/billm/baaaht/relay/pkg/types"
)

// Node is a running broker instance
type Node struct {
	cfg       *config.Config
	logger    *logger.Logger
	hub       *events.Bus
	members   *apps.Manager
	registry  *serialization.TypeRegistry
	pipeline  *pipeline.Pipeline
	transport *ipc.Transport
	chain     *routing.Chain
	broker    *broker.Broker
	health    *relaygrpc.HealthServer
	healthSrv *relaygrpc.Server

	announcements atomic.Int64
	ownsLogger    bool

	mu      sync.Mutex
	started bool
	closed  bool
}

// Option configures a Node
type Option func(*options)

type options struct {
	logger   *logger.Logger
	dialer   ipc.Dialer
	handlers []func(*pipeline.Pipeline)
	types    map[string]any
}

// WithLogger uses log instead of building one from the logging config
func WithLogger(log *logger.Logger) Option {
	return func(o *options) { o.logger = log }
}

// WithDialer replaces the channel dialer
func WithDialer(d ipc.Dialer) Option {
	return func(o *options) { o.dialer = d }
}

// WithHandlers registers application handlers on the pipeline
func WithHandlers(register func(p *pipeline.Pipeline)) Option {
	return func(o *options) { o.handlers = append(o.handlers, register) }
}

// WithContentType registers an application content type for the wire
func WithContentType(name string, sample any) Option {
	return func(o *options) {
		if o.types == nil {
			o.types = make(map[string]any)
		}
		o.types[name] = sample
	}
}

// channelRouter is the optional transport; nil when channels are disabled
type channelRouter struct{ *ipc.Transport }

// New builds a node. Nothing is opened until Start.
func New(cfg *config.Config, opts ...Option) (*Node, error) {
	if cfg == nil {
		return nil, types.NewError(types.ErrCodeInvalidArgument, "config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	n := &Node{cfg: cfg, ownsLogger: o.logger == nil}
	c := dig.New()

	providers := []any{
		func() *config.Config { return cfg },
		func() *options { return &o },
		newLogger,
		newHub,
		newMembers,
		newRegistry,
		newSerializer,
		func(cfg *config.Config, members *apps.Manager, log *logger.Logger) (*pipeline.Pipeline, error) {
			return newPipeline(n, cfg, members, log, &o)
		},
		newInProcessRouter,
		newChannelRouter,
		newChain,
		newBroker,
		newHealth,
	}
	for _, p := range providers {
		if err := c.Provide(p); err != nil {
			return nil, types.WrapError(types.ErrCodeInternal, "failed to register node component", err)
		}
	}

	err := c.Invoke(func(
		log *logger.Logger,
		hub *events.Bus,
		members *apps.Manager,
		registry *serialization.TypeRegistry,
		p *pipeline.Pipeline,
		transport channelRouter,
		chain *routing.Chain,
		b *broker.Broker,
		health *relaygrpc.HealthServer,
	) error {
		n.logger = log.With("component", "node", "app_instance_id", cfg.App.AppInstanceID)
		n.hub = hub
		n.members = members
		n.registry = registry
		n.pipeline = p
		n.transport = transport.Transport
		n.chain = chain
		n.broker = b
		n.health = health

		if cfg.Health.Enabled {
			srv, err := relaygrpc.NewServer(cfg.HealthSocketPath(), health, log)
			if err != nil {
				return err
			}
			n.healthSrv = srv
		}
		return nil
	})
	if err != nil {
		return nil, types.WrapError(types.ErrCodeInternal, "failed to build node", dig.RootCause(err))
	}
	return n, nil
}

func newLogger(cfg *config.Config, o *options) (*logger.Logger, error) {
	if o.logger != nil {
		return o.logger, nil
	}
	return logger.New(cfg.Logging)
}

func newHub(log *logger.Logger) (*events.Bus, error) {
	return events.New(log)
}

func newMembers(cfg *config.Config, hub *events.Bus, log *logger.Logger) (*apps.Manager, error) {
	return apps.NewManager(apps.IdentityFromConfig(cfg.App), cfg.App.RootInstanceID, hub, log)
}

func newRegistry(o *options) (*serialization.TypeRegistry, error) {
	registry := serialization.NewTypeRegistry()
	if err := registerBuiltins(registry); err != nil {
		return nil, err
	}
	for name, sample := range o.types {
		if err := registry.Register(name, sample); err != nil {
			return nil, err
		}
	}
	return registry, nil
}

func newSerializer(cfg *config.Config, registry *serialization.TypeRegistry) (serialization.Serializer, error) {
	return serialization.New(cfg.Serialization.Format, registry)
}

func newPipeline(n *Node, cfg *config.Config, members *apps.Manager, log *logger.Logger, o *options) (*pipeline.Pipeline, error) {
	p, err := pipeline.New(members.Identity().Endpoint(), log)
	if err != nil {
		return nil, err
	}
	p.Use(pipeline.Recover(log), pipeline.Logging(log))
	if cfg.Broker.RequireBearer {
		p.Use(pipeline.RequireBearer(nil))
	}

	n.members = members
	n.logger = log
	n.handleBuiltins(p)
	for _, register := range o.handlers {
		register(p)
	}
	return p, nil
}

func newInProcessRouter(p *pipeline.Pipeline, log *logger.Logger) (*routing.InProcessRouter, error) {
	return routing.NewInProcessRouter(p, log)
}

func newChannelRouter(cfg *config.Config, members *apps.Manager, hub *events.Bus,
	serializer serialization.Serializer, p *pipeline.Pipeline, log *logger.Logger, o *options) (channelRouter, error) {
	if !cfg.Channel.Enabled {
		return channelRouter{}, nil
	}
	var opts []ipc.Option
	if o.dialer != nil {
		opts = append(opts, ipc.WithDialer(o.dialer))
	}
	t, err := ipc.NewTransport(cfg.Channel, members, hub, serializer, p, log, opts...)
	return channelRouter{t}, err
}

// newChain registers the routers: the in-process router claims this
// instance, the channel transport is the fallback for everything else and
// the in-process router is the last resort when no channel is available.
func newChain(cfg *config.Config, inproc *routing.InProcessRouter, transport channelRouter, log *logger.Logger) (*routing.Chain, error) {
	descs := []routing.Descriptor{{
		Name:          "inprocess",
		ReceiverMatch: routing.InstancePattern(cfg.App.AppInstanceID),
		Router:        inproc,
	}}
	if transport.Transport != nil {
		descs = append(descs, routing.Descriptor{
			Name:               "channel",
			ReceiverMatch:      routing.MatchAll,
			IsFallback:         true,
			IsOptional:         cfg.Channel.Optional,
			ProcessingPriority: cfg.Channel.Priority,
			Router:             transport.Transport,
		})
	}
	descs = append(descs, routing.Descriptor{
		Name:               "local",
		ReceiverMatch:      routing.MatchAll,
		IsFallback:         true,
		IsOptional:         true,
		ProcessingPriority: math.MinInt32,
		Router:             inproc,
	})
	return routing.NewChain(log, descs...)
}

func newBroker(cfg *config.Config, members *apps.Manager, chain *routing.Chain, log *logger.Logger) (*broker.Broker, error) {
	return broker.New(cfg.Broker, members.Identity(), chain, log)
}

func newHealth(cfg *config.Config, hub *events.Bus, log *logger.Logger) (*relaygrpc.HealthServer, error) {
	hs, err := relaygrpc.NewHealthServer(log)
	if err != nil {
		return nil, err
	}
	if err := hs.Bind(hub, cfg.App.AppInstanceID); err != nil {
		return nil, err
	}
	return hs, nil
}

// Start initializes the router chain, starts the health endpoint and
// announces this instance, which opens its channels
func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		return types.NewError(types.ErrCodeUnavailable, "node is closed")
	}
	if n.started {
		return types.NewError(types.ErrCodeFailedPrecondition, "node already started")
	}

	if err := n.broker.Initialize(ctx); err != nil {
		return err
	}
	if n.healthSrv != nil {
		if err := n.healthSrv.Start(ctx); err != nil {
			return err
		}
	}
	if err := n.members.Start(ctx); err != nil {
		return err
	}
	if n.transport == nil {
		n.health.SetServing(relaygrpc.ServiceBroker)
	}

	n.started = true
	n.logger.Info("Node started",
		"app_id", n.cfg.App.AppID,
		"root", n.cfg.App.Root,
		"serialization", n.cfg.Serialization.Format,
		"channels", n.transport != nil)
	return nil
}

// Run starts the node and closes it when ctx is done
func (n *Node) Run(ctx context.Context) error {
	if err := n.Start(ctx); err != nil {
		n.Close()
		return err
	}
	<-ctx.Done()
	return n.Close()
}

// Close stops the node. It is safe to call more than once.
func (n *Node) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	started := n.started
	n.mu.Unlock()

	if started {
		if err := n.members.Stop(context.Background()); err != nil {
			n.logger.Warn("App stop handlers failed", "error", err)
		}
	}

	err := n.broker.Close()
	if n.healthSrv != nil {
		n.healthSrv.Stop()
	} else {
		n.health.Shutdown()
	}
	n.hub.Close()

	n.logger.Info("Node closed")
	if n.ownsLogger {
		n.logger.Close()
	}
	return err
}

// Ping asks the node at target to answer and returns its Pong
func (n *Node) Ping(ctx context.Context, target types.Endpoint, message string) (*Pong, error) {
	reply, err := n.broker.Dispatch(ctx, &Ping{Message: message}, broker.WithRecipients(target))
	if err != nil {
		return nil, err
	}
	pong, ok := reply.(*Pong)
	if !ok {
		return nil, types.NewError(types.ErrCodeInternal, "unexpected reply to ping")
	}
	return pong, nil
}

// Announce broadcasts text to every node
func (n *Node) Announce(ctx context.Context, text string) error {
	return n.broker.Publish(ctx, &Announcement{Text: text, From: n.members.Identity().Info()},
		broker.WithRecipients(types.Endpoint{}))
}

// SetLogLevel changes the log level of the running node
func (n *Node) SetLogLevel(level string) error {
	lvl, err := logger.ParseLevel(level)
	if err != nil {
		return err
	}
	n.logger.SetLevel(lvl)
	return nil
}

// Announcements returns how many announcements this node has received
func (n *Node) Announcements() int64 { return n.announcements.Load() }

func (n *Node) Config() *config.Config                { return n.cfg }
func (n *Node) Logger() *logger.Logger                { return n.logger }
func (n *Node) Hub() *events.Bus                      { return n.hub }
func (n *Node) Members() *apps.Manager                { return n.members }
func (n *Node) Registry() *serialization.TypeRegistry { return n.registry }
func (n *Node) Pipeline() *pipeline.Pipeline          { return n.pipeline }
func (n *Node) Chain() *routing.Chain                 { return n.chain }
func (n *Node) Broker() *broker.Broker                { return n.broker }
func (n *Node) Health() *relaygrpc.HealthServer       { return n.health }

// Transport returns the channel transport, nil when channels are disabled
func (n *Node) Transport() *ipc.Transport { return n.transport }
