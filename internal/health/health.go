package health

import (
	"context"
	"sync"
	"time"
)

// Status is the outcome of one health check.
type Status int

const (
	StatusHealthy Status = iota
	StatusDegraded
	StatusUnhealthy
)

func (s Status) String() string {
	switch s {
	case StatusHealthy:
		return "healthy"
	case StatusDegraded:
		return "degraded"
	case StatusUnhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

// CheckResult is one component's probe outcome.
type CheckResult struct {
	Component string        `json:"component"`
	Status    Status        `json:"-"`
	StatusStr string        `json:"status"`
	Error     string        `json:"error,omitempty"`
	Duration  time.Duration `json:"duration"`
	Critical  bool          `json:"critical"`
}

// Checker probes one dependency. Critical checkers gate readiness;
// non-critical ones only degrade the report.
type Checker interface {
	Name() string
	Check(ctx context.Context) CheckResult
	IsCritical() bool
}

// Report is the aggregate served by the health endpoints.
type Report struct {
	Status     string                 `json:"status"`
	Ready      bool                   `json:"ready"`
	Components map[string]CheckResult `json:"components"`
	Timestamp  time.Time              `json:"timestamp"`
}

// Manager runs registered checkers on demand.
type Manager struct {
	mu       sync.RWMutex
	checkers map[string]Checker
	timeout  time.Duration
}

func NewManager() *Manager {
	return &Manager{
		checkers: make(map[string]Checker),
		timeout:  5 * time.Second,
	}
}

// Register adds a checker, replacing any with the same name.
func (m *Manager) Register(c Checker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkers[c.Name()] = c
}

// Check runs every checker and aggregates: any critical failure makes
// the service not ready; any failure at all degrades the status.
func (m *Manager) Check(ctx context.Context) Report {
	m.mu.RLock()
	checkers := make([]Checker, 0, len(m.checkers))
	for _, c := range m.checkers {
		checkers = append(checkers, c)
	}
	m.mu.RUnlock()

	report := Report{
		Status:     StatusHealthy.String(),
		Ready:      true,
		Components: make(map[string]CheckResult, len(checkers)),
		Timestamp:  time.Now(),
	}
	status := StatusHealthy
	for _, c := range checkers {
		checkCtx, cancel := context.WithTimeout(ctx, m.timeout)
		res := c.Check(checkCtx)
		cancel()
		res.StatusStr = res.Status.String()
		report.Components[c.Name()] = res
		if res.Status == StatusHealthy {
			continue
		}
		if c.IsCritical() {
			status = StatusUnhealthy
			report.Ready = false
		} else if status == StatusHealthy {
			status = StatusDegraded
		}
	}
	report.Status = status.String()
	return report
}
