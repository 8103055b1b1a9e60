// Package health implements the keeper's component health aggregator,
// adapted from the teacher's internal/infrastructure/health.HealthManager:
// same register-a-check/aggregate-status shape, renamed to satisfy
// core.HealthMonitor (Status instead of GetStatus) so the diagnostics
// surface can depend on the interface rather than this concrete type.
package health

import (
	"sync"

	"fundingkeeper/internal/core"
)

// Manager aggregates health status from every registered component.
type Manager struct {
	logger core.ILogger
	mu     sync.RWMutex
	checks map[string]func() error
}

// NewManager creates an empty health manager.
func NewManager(logger core.ILogger) *Manager {
	m := &Manager{checks: make(map[string]func() error)}
	if logger != nil {
		m.logger = logger.WithField("component", "health_manager")
	}
	return m
}

// Register adds (or replaces) a named component's health check.
func (m *Manager) Register(component string, check func() error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checks[component] = check
}

// Status runs every registered check and reports a human-readable verdict
// per component.
func (m *Manager) Status() map[string]string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	status := make(map[string]string, len(m.checks))
	for component, check := range m.checks {
		if err := check(); err != nil {
			status[component] = "Unhealthy: " + err.Error()
		} else {
			status[component] = "Healthy"
		}
	}
	return status
}

// IsHealthy reports whether every registered component currently passes.
func (m *Manager) IsHealthy() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, check := range m.checks {
		if err := check(); err != nil {
			return false
		}
	}
	return true
}

var _ core.HealthMonitor = (*Manager)(nil)
