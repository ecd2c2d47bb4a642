package resilience

import (
	"sync"
	"time"
)

// ServiceHealth is a point-in-time health snapshot of one probed service,
// intended for display; callers must not use it for control flow.
type ServiceHealth struct {
	// Name is the service identifier.
	Name string

	// BreakerState is the current circuit breaker state.
	BreakerState BreakerState

	// LastSuccessAt is the timestamp of the last successful request.
	LastSuccessAt *time.Time

	// LastFailureAt is the timestamp of the last failed request.
	LastFailureAt *time.Time

	// LastError is the most recent error message, if any.
	LastError string
}

// IsHealthy returns true if the service is considered healthy.
func (h *ServiceHealth) IsHealthy() bool {
	return h.BreakerState == StateClosed
}

// IsDegraded returns true if the service is being probed for recovery.
func (h *ServiceHealth) IsDegraded() bool {
	return h.BreakerState == StateHalfOpen
}

// IsUnhealthy returns true if the service's circuit is open.
func (h *ServiceHealth) IsUnhealthy() bool {
	return h.BreakerState == StateOpen
}

// Registry tracks registered service clients and their health status.
type Registry struct {
	mu       sync.RWMutex
	services map[string]*registeredService
}

type registeredService struct {
	client        *Client
	lastSuccessAt *time.Time
	lastFailureAt *time.Time
	lastError     string
}

// NewRegistry creates a new service registry.
func NewRegistry() *Registry {
	return &Registry{
		services: make(map[string]*registeredService),
	}
}

// Register adds a service client to the registry.
func (r *Registry) Register(client *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.services[client.Name()] = &registeredService{
		client: client,
	}
}

// Unregister removes a service from the registry.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.services, name)
}

// Record updates the registry from one request outcome.
func (r *Registry) Record(name string, result RequestResult) {
	if result.Success {
		r.RecordSuccess(name)
		return
	}
	r.RecordFailure(name, result.ErrorMessage)
}

// RecordSuccess records a successful request for a service.
func (r *Registry) RecordSuccess(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.services[name]; ok {
		now := time.Now()
		s.lastSuccessAt = &now
	}
}

// RecordFailure records a failed request for a service.
func (r *Registry) RecordFailure(name, errMsg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.services[name]; ok {
		now := time.Now()
		s.lastFailureAt = &now
		if errMsg != "" {
			s.lastError = errMsg
		}
	}
}

// GetHealth returns the health snapshot of a specific service, or nil if the
// service is not registered.
func (r *Registry) GetHealth(name string) *ServiceHealth {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.services[name]
	if !ok {
		return nil
	}
	return snapshot(name, s)
}

// GetAllHealth returns health snapshots for all registered services.
func (r *Registry) GetAllHealth() []*ServiceHealth {
	r.mu.RLock()
	defer r.mu.RUnlock()

	health := make([]*ServiceHealth, 0, len(r.services))
	for name, s := range r.services {
		health = append(health, snapshot(name, s))
	}
	return health
}

// ServiceNames returns the names of all registered services.
func (r *Registry) ServiceNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.services))
	for name := range r.services {
		names = append(names, name)
	}
	return names
}

// ServiceCount returns the number of registered services.
func (r *Registry) ServiceCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.services)
}

func snapshot(name string, s *registeredService) *ServiceHealth {
	return &ServiceHealth{
		Name:          name,
		BreakerState:  s.client.Breaker().State(),
		LastSuccessAt: s.lastSuccessAt,
		LastFailureAt: s.lastFailureAt,
		LastError:     s.lastError,
	}
}
