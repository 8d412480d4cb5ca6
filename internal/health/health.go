// Package health tracks the last outcome of each workflow so the console
// can show a one-line summary per component.
package health

import (
	"sort"
	"sync"
	"time"

	"github.com/breeze-rmm/syncbridge/internal/failure"
	"github.com/breeze-rmm/syncbridge/internal/logging"
)

var log = logging.L("health")

type Status string

const (
	Healthy   Status = "healthy"
	Degraded  Status = "degraded"
	Unhealthy Status = "unhealthy"
	Unknown   Status = "unknown"
)

// Component names reported by the workflows.
const (
	ComponentUpdateCheck = "update-check"
	ComponentUpdate      = "update"
	ComponentAuth        = "auth"
	ComponentAssetSync   = "asset-sync"
	ComponentRegistry    = "registry"
	ComponentPush        = "push"
)

func (s Status) IsValid() bool {
	switch s {
	case Healthy, Degraded, Unhealthy, Unknown:
		return true
	}
	return false
}

func (s Status) rank() int {
	switch s {
	case Degraded:
		return 1
	case Unhealthy:
		return 2
	case Unknown:
		return 3
	}
	return 0
}

// Check is the latest result for one component.
type Check struct {
	Name    string
	Status  Status
	Message string
	// Since is when the component entered Status.
	Since     time.Time
	UpdatedAt time.Time
	// Failures counts consecutive non-healthy results.
	Failures int
}

// Monitor holds one Check per component. A nil Monitor ignores updates.
type Monitor struct {
	mu     sync.RWMutex
	checks map[string]Check
	now    func() time.Time
}

func NewMonitor() *Monitor {
	return &Monitor{checks: make(map[string]Check), now: time.Now}
}

// Update records status for name. Invalid statuses are stored as Unhealthy.
func (m *Monitor) Update(name string, status Status, message string) {
	if m == nil {
		return
	}
	if !status.IsValid() {
		log.Warn("invalid health status coerced to unhealthy", "component", name, "status", string(status))
		status = Unhealthy
	}

	now := m.now()
	m.mu.Lock()
	prev, seen := m.checks[name]
	c := Check{Name: name, Status: status, Message: message, Since: now, UpdatedAt: now}
	if seen && prev.Status == status {
		c.Since = prev.Since
	}
	if status != Healthy {
		c.Failures = prev.Failures + 1
	}
	m.checks[name] = c
	m.mu.Unlock()

	if status != Healthy && (!seen || prev.Status != status) {
		log.Warn("component health changed", "component", name, "status", string(status), "message", message)
	}
}

// Report derives the status from a workflow outcome: nil is healthy, a
// retryable network failure is degraded, anything else is unhealthy. User
// cancellations leave the component unchanged.
func (m *Monitor) Report(name string, err error) {
	switch {
	case err == nil:
		m.Update(name, Healthy, "")
	case failure.Is(err, failure.KindUserCancelled):
	case failure.Is(err, failure.KindNetwork):
		m.Update(name, Degraded, err.Error())
	default:
		m.Update(name, Unhealthy, err.Error())
	}
}

func (m *Monitor) Get(name string) (Check, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.checks[name]
	return c, ok
}

// Overall returns the worst status reported, or Unknown before any report.
func (m *Monitor) Overall() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.checks) == 0 {
		return Unknown
	}
	worst := Healthy
	for _, c := range m.checks {
		if c.Status.rank() > worst.rank() {
			worst = c.Status
		}
	}
	return worst
}

// All returns every check ordered by component name.
func (m *Monitor) All() []Check {
	m.mu.RLock()
	out := make([]Check, 0, len(m.checks))
	for _, c := range m.checks {
		out = append(out, c)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
