package system

import (
	"context"
	"fmt"
	"sync"

	core "github.com/r3e-labs/integration-gateway/internal/app/core/service"
)

// NoopService is a placeholder Service used for components that have no
// background lifecycle but still want to appear in the registry/descriptor
// list (matching the teacher's own NoopService convention).
type NoopService struct {
	ServiceName string
}

func (n NoopService) Name() string                  { return n.ServiceName }
func (n NoopService) Start(_ context.Context) error { return nil }
func (n NoopService) Stop(_ context.Context) error  { return nil }

// Manager owns the ordered set of registered services and starts/stops them
// deterministically: start in registration order, stop in reverse.
type Manager struct {
	mu       sync.Mutex
	services []Service
	started  []Service
}

// NewManager creates an empty service manager.
func NewManager() *Manager {
	return &Manager{}
}

// Register adds a service to the managed set. Safe to call before Start.
func (m *Manager) Register(svc Service) error {
	if svc == nil {
		return fmt.Errorf("system: cannot register a nil service")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.services {
		if existing.Name() == svc.Name() {
			return fmt.Errorf("system: service %q already registered", svc.Name())
		}
	}
	m.services = append(m.services, svc)
	return nil
}

// Start starts every registered service in registration order. If one
// fails, every service started so far is stopped before the error returns.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	services := append([]Service(nil), m.services...)
	m.mu.Unlock()

	for _, svc := range services {
		if err := svc.Start(ctx); err != nil {
			m.mu.Lock()
			started := append([]Service(nil), m.started...)
			m.mu.Unlock()
			for i := len(started) - 1; i >= 0; i-- {
				_ = started[i].Stop(ctx)
			}
			return fmt.Errorf("start %s: %w", svc.Name(), err)
		}
		m.mu.Lock()
		m.started = append(m.started, svc)
		m.mu.Unlock()
	}
	return nil
}

// Stop stops every started service in reverse start order, collecting (not
// short-circuiting on) individual errors.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	started := append([]Service(nil), m.started...)
	m.started = nil
	m.mu.Unlock()

	var firstErr error
	for i := len(started) - 1; i >= 0; i-- {
		if err := started[i].Stop(ctx); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("stop %s: %w", started[i].Name(), err)
		}
	}
	return firstErr
}

// Descriptors returns the advertised descriptor for every registered service
// that implements DescriptorProvider.
func (m *Manager) Descriptors() []core.Descriptor {
	m.mu.Lock()
	services := append([]Service(nil), m.services...)
	m.mu.Unlock()

	var providers []DescriptorProvider
	for _, svc := range services {
		if p, ok := svc.(DescriptorProvider); ok {
			providers = append(providers, p)
		}
	}
	return CollectDescriptors(providers)
}
