package routing

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"sync"

	"github.com/billm/baaaht/relay/internal/logger"
	"github.com/billm/baaaht/relay/pkg/types"
)

type group struct {
	pattern string
	re      *regexp.Regexp
	routers []*Descriptor
}

// RouteInfo describes an active route
type RouteInfo struct {
	Name          string `json:"name"`
	ReceiverMatch string `json:"receiver_match"`
	Priority      int    `json:"priority"`
	Fallback      bool   `json:"fallback"`
}

// Chain is the resolved set of routers used by the broker
type Chain struct {
	mu          sync.RWMutex
	descriptors []*Descriptor
	patterns    map[string]*regexp.Regexp
	groups      []*group
	fallback    *Descriptor
	active      []*Descriptor
	initialized bool
	self        types.Endpoint
	logger      *logger.Logger
}

// NewChain validates the descriptor table
func NewChain(log *logger.Logger, descriptors ...Descriptor) (*Chain, error) {
	if log == nil {
		var err error
		log, err = logger.NewDefault()
		if err != nil {
			return nil, types.WrapError(types.ErrCodeInternal, "failed to create default logger", err)
		}
	}

	c := &Chain{
		patterns: make(map[string]*regexp.Regexp),
		logger:   log.With("component", "router_chain"),
	}
	for i := range descriptors {
		d := descriptors[i]
		if d.Router == nil {
			return nil, types.NewError(types.ErrCodeInvalidArgument, fmt.Sprintf("router %q has no implementation", d.Name))
		}
		if d.ReceiverMatch == "" {
			d.ReceiverMatch = MatchAll
		}
		if _, ok := c.patterns[d.ReceiverMatch]; !ok {
			re, err := regexp.Compile(d.ReceiverMatch)
			if err != nil {
				return nil, types.WrapError(types.ErrCodeInvalidArgument,
					fmt.Sprintf("router %q has an invalid receiver pattern", d.Name), err)
			}
			c.patterns[d.ReceiverMatch] = re
		}
		c.descriptors = append(c.descriptors, &d)
	}
	return c, nil
}

// Initialize resolves the chain. Non-fallback routers are initialized group by
// group in descending priority; a failing optional router is excluded while a
// failing required router fails the chain. The first fallback candidate that
// initializes becomes the active fallback and later candidates are skipped.
func (c *Chain) Initialize(ctx context.Context, ic *InitContext, replies chan<- *types.BrokeredMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.initialized {
		return types.NewError(types.ErrCodeFailedPrecondition, "router chain already initialized")
	}
	c.self = ic.Identity.Endpoint()

	byPattern := make(map[string]*group)
	var ordered []*group
	var fallbacks []*Descriptor
	for _, d := range c.descriptors {
		if d.IsFallback {
			fallbacks = append(fallbacks, d)
			continue
		}
		g, ok := byPattern[d.ReceiverMatch]
		if !ok {
			g = &group{pattern: d.ReceiverMatch, re: c.patterns[d.ReceiverMatch]}
			byPattern[d.ReceiverMatch] = g
			ordered = append(ordered, g)
		}
		g.routers = append(g.routers, d)
	}

	for _, g := range ordered {
		sortByPriority(g.routers)
		var ready []*Descriptor
		for _, d := range g.routers {
			if err := c.initRouter(ctx, d, ic, replies); err != nil {
				if d.IsOptional {
					c.logger.Warn("Optional router failed to initialize, excluding it", "router", d.Name, "error", err)
					continue
				}
				c.closeActive()
				return types.WrapError(types.ErrCodeUnavailable, fmt.Sprintf("router %q failed to initialize", d.Name), err)
			}
			ready = append(ready, d)
		}
		if len(ready) > 0 {
			c.groups = append(c.groups, &group{pattern: g.pattern, re: g.re, routers: ready})
		}
	}

	sortByPriority(fallbacks)
	for _, d := range fallbacks {
		err := c.initRouter(ctx, d, ic, replies)
		if err == nil {
			c.fallback = d
			break
		}
		if !d.IsOptional {
			c.closeActive()
			return types.WrapError(types.ErrCodeUnavailable, fmt.Sprintf("fallback router %q failed to initialize", d.Name), err)
		}
		c.logger.Warn("Optional fallback router failed to initialize, trying next", "router", d.Name, "error", err)
	}

	c.initialized = true
	c.logger.Info("Router chain initialized", "groups", len(c.groups), "fallback", c.fallbackName())
	return nil
}

func (c *Chain) initRouter(ctx context.Context, d *Descriptor, ic *InitContext, replies chan<- *types.BrokeredMessage) error {
	if emitter, ok := d.Router.(ReplyEmitter); ok && replies != nil {
		emitter.BindReplies(replies)
	}
	if init, ok := d.Router.(Initializer); ok {
		if err := init.Initialize(ctx, ic); err != nil {
			return err
		}
	}
	c.active = append(c.active, d)
	return nil
}

func sortByPriority(ds []*Descriptor) {
	sort.SliceStable(ds, func(i, j int) bool {
		return ds[i].ProcessingPriority > ds[j].ProcessingPriority
	})
}

func (c *Chain) fallbackName() string {
	if c.fallback == nil {
		return ""
	}
	return c.fallback.Name
}

// Select returns the router responsible for a receiver key
func (c *Chain) Select(ctx context.Context, key string, msg *types.BrokeredMessage) (*Descriptor, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if !c.initialized {
		return nil, types.NewError(types.ErrCodeFailedPrecondition, "router chain is not initialized")
	}
	return c.selectLocked(ctx, key, msg)
}

func (c *Chain) selectLocked(ctx context.Context, key string, msg *types.BrokeredMessage) (*Descriptor, error) {
	var matched *group
	for _, g := range c.groups {
		if !g.re.MatchString(key) {
			continue
		}
		if matched != nil {
			return nil, types.NewError(types.ErrCodeFailedPrecondition,
				fmt.Sprintf("receiver %s matches both %q and %q", key, matched.pattern, g.pattern))
		}
		matched = g
	}

	if matched != nil {
		for _, d := range matched.routers {
			if d.enabled(ctx, msg) {
				return d, nil
			}
		}
	}
	if c.fallback != nil && c.fallback.enabled(ctx, msg) {
		return c.fallback, nil
	}
	return nil, types.NewError(types.ErrCodeNotFound, "no router for receiver "+key)
}

type routeGroup struct {
	route      *Descriptor
	recipients []types.Endpoint
}

// Dispatch hands msg to the routers claiming its recipients. Recipients that
// resolve to different routers are split into clones, one per router.
func (c *Chain) Dispatch(ctx context.Context, msg *types.BrokeredMessage) ([]Result, error) {
	c.mu.RLock()
	if !c.initialized {
		c.mu.RUnlock()
		return nil, types.NewError(types.ErrCodeFailedPrecondition, "router chain is not initialized")
	}

	var routes []*routeGroup
	if len(msg.Recipients) == 0 {
		d, err := c.selectLocked(ctx, BroadcastKey, msg)
		if err != nil {
			c.mu.RUnlock()
			return nil, err
		}
		routes = append(routes, &routeGroup{route: d})
	} else {
		index := make(map[*Descriptor]*routeGroup)
		for _, r := range msg.Recipients {
			d, err := c.selectLocked(ctx, r.String(), msg)
			if err != nil {
				c.mu.RUnlock()
				return nil, err
			}
			rg, ok := index[d]
			if !ok {
				rg = &routeGroup{route: d}
				index[d] = rg
				routes = append(routes, rg)
			}
			rg.recipients = append(rg.recipients, r)
		}
	}
	self := c.self
	c.mu.RUnlock()

	results := make([]Result, 0, len(routes))
	var errs []error
	for _, rg := range routes {
		out := msg
		if len(routes) > 1 {
			out = msg.Clone(rg.recipients)
		}
		res, err := rg.route.Router.Dispatch(ctx, out, &DispatchContext{Self: self, Route: rg.route.Name})
		if err != nil {
			c.logger.Debug("Router dispatch failed", "router", rg.route.Name, "message_id", msg.ID, "error", err)
			errs = append(errs, err)
			continue
		}
		results = append(results, res)
	}

	if len(errs) == 0 {
		return results, nil
	}
	if len(routes) == 1 {
		return nil, errs[0]
	}
	return results, types.WrapError(types.ErrCodePartialFailure,
		fmt.Sprintf("%d of %d routes failed", len(errs), len(routes)), errors.Join(errs...))
}

// Routes lists the active routes in selection order
func (c *Chain) Routes() []RouteInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []RouteInfo
	for _, g := range c.groups {
		for _, d := range g.routers {
			out = append(out, RouteInfo{Name: d.Name, ReceiverMatch: d.ReceiverMatch, Priority: d.ProcessingPriority})
		}
	}
	if c.fallback != nil {
		out = append(out, RouteInfo{Name: c.fallback.Name, ReceiverMatch: c.fallback.ReceiverMatch,
			Priority: c.fallback.ProcessingPriority, Fallback: true})
	}
	return out
}

// Close closes every initialized router in reverse initialization order
func (c *Chain) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeActive()
}

func (c *Chain) closeActive() error {
	var errs []error
	for i := len(c.active) - 1; i >= 0; i-- {
		if closer, ok := c.active[i].Router.(Closer); ok {
			if err := closer.Close(); err != nil {
				errs = append(errs, fmt.Errorf("router %q: %w", c.active[i].Name, err))
			}
		}
	}
	c.active = nil
	c.groups = nil
	c.fallback = nil
	c.initialized = false
	return errors.Join(errs...)
}
