// Package apps tracks which application instances are alive and announces
// lifecycle changes on the event hub.
package apps

import (
	"context"
	"fmt"
	"sync"

	"github.com/billm/baaaht/relay/internal/config"
	"github.com/billm/baaaht/relay/internal/logger"
	"github.com/billm/baaaht/relay/pkg/events"
	"github.com/billm/baaaht/relay/pkg/types"
)

// Identity describes the running process
type Identity struct {
	AppID         string
	AppInstanceID string
	IsRoot        bool
}

// IdentityFromConfig builds the identity of this process
func IdentityFromConfig(cfg config.AppConfig) Identity {
	return Identity{AppID: cfg.AppID, AppInstanceID: cfg.AppInstanceID, IsRoot: cfg.Root}
}

// Info returns the identity as app info
func (i Identity) Info() types.AppInfo {
	return types.AppInfo{AppID: i.AppID, AppInstanceID: i.AppInstanceID}
}

// Endpoint returns the endpoint addressing this process
func (i Identity) Endpoint() types.Endpoint {
	return i.Info().Endpoint()
}

// Manager keeps the live membership of the application
type Manager struct {
	mu             sync.RWMutex
	identity       Identity
	rootInstanceID string
	apps           map[string]types.AppInfo
	order          []string
	hub            *events.Bus
	logger         *logger.Logger
	started        bool
}

// NewManager creates a membership manager that already lists this process
func NewManager(identity Identity, rootInstanceID string, hub *events.Bus, log *logger.Logger) (*Manager, error) {
	if log == nil {
		var err error
		log, err = logger.NewDefault()
		if err != nil {
			return nil, types.WrapError(types.ErrCodeInternal, "failed to create default logger", err)
		}
	}
	if hub == nil {
		return nil, types.NewError(types.ErrCodeInvalidArgument, "event hub is required")
	}
	if identity.IsRoot {
		rootInstanceID = identity.AppInstanceID
	}
	if rootInstanceID == "" {
		return nil, types.NewError(types.ErrCodeInvalidArgument, "root instance id is required")
	}

	m := &Manager{
		identity:       identity,
		rootInstanceID: rootInstanceID,
		apps:           make(map[string]types.AppInfo),
		hub:            hub,
		logger:         log.With("component", "app_manager", "app_instance_id", identity.AppInstanceID),
	}
	m.apps[identity.AppInstanceID] = identity.Info()
	m.order = append(m.order, identity.AppInstanceID)
	return m, nil
}

// Identity returns the identity of this process
func (m *Manager) Identity() Identity {
	return m.identity
}

// RootInstanceID returns the instance id of the root process
func (m *Manager) RootInstanceID() string {
	return m.rootInstanceID
}

// LiveApps returns the known live instances in registration order
func (m *Manager) LiveApps() []types.AppInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]types.AppInfo, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.apps[id])
	}
	return out
}

// Lookup returns the app info for an instance
func (m *Manager) Lookup(appInstanceID string) (types.AppInfo, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	info, ok := m.apps[appInstanceID]
	return info, ok
}

// Register records a live instance. It returns false if the instance was already known.
func (m *Manager) Register(ctx context.Context, info types.AppInfo) (bool, error) {
	if info.AppInstanceID == "" {
		return false, types.NewError(types.ErrCodeInvalidArgument, "app instance id cannot be empty")
	}

	m.mu.Lock()
	existing, known := m.apps[info.AppInstanceID]
	if known && (info.AppID == "" || existing.AppID == info.AppID) {
		m.mu.Unlock()
		return false, nil
	}
	if !known {
		m.order = append(m.order, info.AppInstanceID)
	}
	m.apps[info.AppInstanceID] = info
	m.mu.Unlock()

	if known {
		return false, nil
	}

	m.logger.Info("App registered", "app_id", info.AppID, "peer_instance_id", info.AppInstanceID)
	return true, m.publish(ctx, types.EventTypePeerJoined, info)
}

// Unregister forgets an instance and announces it as stopped
func (m *Manager) Unregister(ctx context.Context, appInstanceID string) (bool, error) {
	if appInstanceID == m.identity.AppInstanceID {
		return false, types.NewError(types.ErrCodeInvalidArgument, "cannot unregister self")
	}

	m.mu.Lock()
	info, ok := m.apps[appInstanceID]
	if ok {
		delete(m.apps, appInstanceID)
		for i, id := range m.order {
			if id == appInstanceID {
				m.order = append(m.order[:i], m.order[i+1:]...)
				break
			}
		}
	}
	m.mu.Unlock()

	if !ok {
		return false, nil
	}

	m.logger.Info("App unregistered", "app_id", info.AppID, "peer_instance_id", appInstanceID)
	return true, m.publish(ctx, types.EventTypeAppStopped, info)
}

// Start announces this process on the hub. Subscribers such as the channel
// transport open their channels in response.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return types.NewError(types.ErrCodeFailedPrecondition, "app already started")
	}
	m.started = true
	m.mu.Unlock()

	m.logger.Info("App starting", "app_id", m.identity.AppID, "root", m.identity.IsRoot)
	return m.publish(ctx, types.EventTypeAppStarted, m.identity.Info())
}

// Stop announces that this process is stopping
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return nil
	}
	m.started = false
	m.mu.Unlock()

	return m.publish(ctx, types.EventTypeAppStopped, m.identity.Info())
}

func (m *Manager) publish(ctx context.Context, eventType types.EventType, info types.AppInfo) error {
	err := m.hub.PublishSync(ctx, types.Event{
		Type:   eventType,
		Source: "app_manager",
		App:    info,
	})
	if err != nil {
		return types.WrapError(types.ErrCodeInternal, fmt.Sprintf("%s handlers failed", eventType), err)
	}
	return nil
}
