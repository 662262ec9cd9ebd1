package health

import (
	"cmp"
	"maps"
	"slices"
	"sync"
	"time"
)

// Monitor holds the latest status reported by each bridge component.
// A nil *Monitor accepts updates and reports nothing.
type Monitor struct {
	mu       sync.RWMutex
	statuses map[string]Status
}

// NewMonitor creates an empty monitor; it reports healthy until a
// component says otherwise.
func NewMonitor() *Monitor {
	return &Monitor{statuses: make(map[string]Status)}
}

// Update replaces the status of the named component. The message is
// sanitized because /health serves it to browsers.
func (m *Monitor) Update(name string, status Status) {
	if m == nil {
		return
	}

	status.Component = name
	status.Message = Sanitize(status.Message)
	if status.Timestamp.IsZero() {
		status.Timestamp = time.Now()
	}

	m.mu.Lock()
	m.statuses[name] = status
	m.mu.Unlock()
}

// UpdateHealthy marks the named component healthy.
func (m *Monitor) UpdateHealthy(name, message string) {
	m.Update(name, NewHealthy(name, message))
}

// UpdateUnhealthy marks the named component unhealthy.
func (m *Monitor) UpdateUnhealthy(name, message string) {
	m.Update(name, NewUnhealthy(name, message))
}

// UpdateDegraded marks the named component degraded.
func (m *Monitor) UpdateDegraded(name, message string) {
	m.Update(name, NewDegraded(name, message))
}

// Get returns the last status of the named component.
func (m *Monitor) Get(name string) (Status, bool) {
	if m == nil {
		return Status{}, false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	status, ok := m.statuses[name]
	return status, ok
}

// AggregateHealth rolls every component up under systemName, with
// sub-statuses ordered by component name.
func (m *Monitor) AggregateHealth(systemName string) Status {
	if m == nil {
		return Aggregate(systemName, nil)
	}

	m.mu.RLock()
	subStatuses := slices.Collect(maps.Values(m.statuses))
	m.mu.RUnlock()

	slices.SortFunc(subStatuses, func(a, b Status) int {
		return cmp.Compare(a.Component, b.Component)
	})
	return Aggregate(systemName, subStatuses)
}
