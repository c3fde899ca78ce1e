// Package grpc exposes the node's health over the standard gRPC health
// checking protocol on a Unix socket.
package grpc

import (
	"context"
	"sync"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"

	"github.com/billm/baaaht/relay/internal/logger"
	"github.com/billm/baaaht/relay/pkg/events"
	"github.com/billm/baaaht/relay/pkg/types"
)

// ServiceBroker is the health service name of the message broker
const ServiceBroker = "relay.broker"

// HealthServer implements the gRPC health checking protocol.
// See https://github.com/grpc/grpc/blob/master/doc/health-checking.md
type HealthServer struct {
	grpc_health_v1.UnimplementedHealthServer
	logger *logger.Logger

	mu       sync.RWMutex
	statuses map[string]grpc_health_v1.HealthCheckResponse_ServingStatus
	watchers map[string]map[chan grpc_health_v1.HealthCheckResponse_ServingStatus]struct{}
	shutdown bool
	subs     []types.ID
	hub      *events.Bus
}

// NewHealthServer creates a health server. The overall status ("") starts
// SERVING and the broker service NOT_SERVING until its channels are ready.
func NewHealthServer(log *logger.Logger) (*HealthServer, error) {
	if log == nil {
		var err error
		log, err = logger.NewDefault()
		if err != nil {
			return nil, types.WrapError(types.ErrCodeInternal, "failed to create default logger", err)
		}
	}

	return &HealthServer{
		logger: log.With("component", "health_server"),
		statuses: map[string]grpc_health_v1.HealthCheckResponse_ServingStatus{
			"":            grpc_health_v1.HealthCheckResponse_SERVING,
			ServiceBroker: grpc_health_v1.HealthCheckResponse_NOT_SERVING,
		},
		watchers: make(map[string]map[chan grpc_health_v1.HealthCheckResponse_ServingStatus]struct{}),
	}, nil
}

// Bind follows the lifecycle of appInstanceID on hub: the broker service
// becomes SERVING when its channels are ready and NOT_SERVING when it stops.
func (s *HealthServer) Bind(hub *events.Bus, appInstanceID string) error {
	ready := types.EventTypeChannelsReady
	stopped := types.EventTypeAppStopped

	readyID, err := hub.Subscribe(types.EventFilter{Type: &ready, AppInstanceID: &appInstanceID},
		types.EventFunc(func(ctx context.Context, event types.Event) error {
			s.SetServing(ServiceBroker)
			return nil
		}))
	if err != nil {
		return err
	}
	stoppedID, err := hub.Subscribe(types.EventFilter{Type: &stopped, AppInstanceID: &appInstanceID},
		types.EventFunc(func(ctx context.Context, event types.Event) error {
			s.SetNotServing(ServiceBroker)
			return nil
		}))
	if err != nil {
		_ = hub.Unsubscribe(readyID)
		return err
	}

	s.mu.Lock()
	s.hub = hub
	s.subs = append(s.subs, readyID, stoppedID)
	s.mu.Unlock()
	return nil
}

// Check implements the health check RPC. Unknown non-empty services are NOT_FOUND.
func (s *HealthServer) Check(ctx context.Context, req *grpc_health_v1.HealthCheckRequest) (*grpc_health_v1.HealthCheckResponse, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.shutdown {
		return &grpc_health_v1.HealthCheckResponse{Status: grpc_health_v1.HealthCheckResponse_NOT_SERVING}, nil
	}
	st, ok := s.statuses[req.Service]
	if !ok {
		return nil, status.Error(codes.NotFound, "unknown service")
	}

	s.logger.Debug("Health check completed", "service", req.Service, "status", st.String())
	return &grpc_health_v1.HealthCheckResponse{Status: st}, nil
}

// Watch implements the health watch RPC. It sends the current status and
// every change after it until the client goes away or the server shuts down.
func (s *HealthServer) Watch(req *grpc_health_v1.HealthCheckRequest, stream grpc_health_v1.Health_WatchServer) error {
	updates := make(chan grpc_health_v1.HealthCheckResponse_ServingStatus, 1)

	s.mu.Lock()
	current := s.getStatus(req.Service)
	shutdown := s.shutdown
	if !shutdown {
		if s.watchers[req.Service] == nil {
			s.watchers[req.Service] = make(map[chan grpc_health_v1.HealthCheckResponse_ServingStatus]struct{})
		}
		s.watchers[req.Service][updates] = struct{}{}
	}
	s.mu.Unlock()

	if err := stream.Send(&grpc_health_v1.HealthCheckResponse{Status: current}); err != nil {
		s.removeWatcher(req.Service, updates)
		return err
	}
	if shutdown {
		return nil
	}
	defer s.removeWatcher(req.Service, updates)

	for {
		select {
		case st, ok := <-updates:
			if !ok {
				return nil
			}
			if err := stream.Send(&grpc_health_v1.HealthCheckResponse{Status: st}); err != nil {
				return err
			}
		case <-stream.Context().Done():
			return status.FromContextError(stream.Context().Err()).Err()
		}
	}
}

func (s *HealthServer) removeWatcher(service string, ch chan grpc_health_v1.HealthCheckResponse_ServingStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.watchers[service], ch)
}

// SetServingStatus sets the serving status of a service and notifies watchers
func (s *HealthServer) SetServingStatus(service string, st grpc_health_v1.HealthCheckResponse_ServingStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.shutdown {
		return
	}
	old := s.statuses[service]
	s.statuses[service] = st
	if old != st {
		s.notifyLocked(service, st)
		s.logger.Info("Health status updated", "service", service, "old_status", old.String(), "new_status", st.String())
	}
}

// notifyLocked replaces any undelivered status with the latest one
func (s *HealthServer) notifyLocked(service string, st grpc_health_v1.HealthCheckResponse_ServingStatus) {
	for ch := range s.watchers[service] {
		select {
		case <-ch:
		default:
		}
		ch <- st
	}
}

// SetServing sets the service status to SERVING
func (s *HealthServer) SetServing(service string) {
	s.SetServingStatus(service, grpc_health_v1.HealthCheckResponse_SERVING)
}

// SetNotServing sets the service status to NOT_SERVING
func (s *HealthServer) SetNotServing(service string) {
	s.SetServingStatus(service, grpc_health_v1.HealthCheckResponse_NOT_SERVING)
}

// Shutdown makes every check return NOT_SERVING and ends open watches
func (s *HealthServer) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.shutdown {
		return
	}
	s.shutdown = true
	for service, chans := range s.watchers {
		for ch := range chans {
			select {
			case <-ch:
			default:
			}
			ch <- grpc_health_v1.HealthCheckResponse_NOT_SERVING
			close(ch)
		}
		delete(s.watchers, service)
	}
	if s.hub != nil {
		for _, id := range s.subs {
			_ = s.hub.Unsubscribe(id)
		}
		s.subs = nil
	}
	s.logger.Info("Health server shutdown")
}

// GetStatus returns the status of a service, SERVICE_UNKNOWN if it is not known
func (s *HealthServer) GetStatus(service string) grpc_health_v1.HealthCheckResponse_ServingStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getStatus(service)
}

func (s *HealthServer) getStatus(service string) grpc_health_v1.HealthCheckResponse_ServingStatus {
	if s.shutdown {
		return grpc_health_v1.HealthCheckResponse_NOT_SERVING
	}
	st, ok := s.statuses[service]
	if !ok {
		return grpc_health_v1.HealthCheckResponse_SERVICE_UNKNOWN
	}
	return st
}

// IsServing returns true if the service is currently SERVING
func (s *HealthServer) IsServing(service string) bool {
	return s.GetStatus(service) == grpc_health_v1.HealthCheckResponse_SERVING
}
