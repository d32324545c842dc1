// Package health aggregates per-component checks for a process's admin
// port. A failing critical component makes the process not ready; a
// failing non-critical one only degrades it.
package health

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
	StatusUnknown   Status = "unknown"
)

const defaultCheckTimeout = 5 * time.Second

// Result is one component's check outcome.
type Result struct {
	Component string                 `json:"component"`
	Status    Status                 `json:"status"`
	Critical  bool                   `json:"critical"`
	Message   string                 `json:"message,omitempty"`
	Error     string                 `json:"error,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Duration  time.Duration          `json:"duration"`
	CheckedAt time.Time              `json:"checked_at"`
}

type Checker interface {
	Name() string
	Check(ctx context.Context) Result
	// IsCritical reports whether a failure makes the process not ready.
	IsCritical() bool
	Timeout() time.Duration
}

// Report is the aggregate of one pass over every checker.
type Report struct {
	Status     Status            `json:"status"`
	Message    string            `json:"message"`
	Ready      bool              `json:"ready"`
	Live       bool              `json:"live"`
	Failing    []string          `json:"failing,omitempty"`
	Components map[string]Result `json:"components,omitempty"`
	CheckedAt  time.Time         `json:"checked_at"`
	Duration   time.Duration     `json:"duration"`
}

// Manager runs registered checks on demand and keeps the last result of
// each.
type Manager struct {
	logger *zap.Logger

	mu       sync.RWMutex
	checkers []Checker
	last     map[string]Result
}

func NewManager(logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{logger: logger, last: make(map[string]Result)}
}

// RegisterChecker adds c. Names must be unique and non-empty.
func (m *Manager) RegisterChecker(c Checker) error {
	name := c.Name()
	if name == "" {
		return fmt.Errorf("checker name cannot be empty")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.checkers {
		if existing.Name() == name {
			return fmt.Errorf("checker %s already registered", name)
		}
	}
	m.checkers = append(m.checkers, c)
	sort.Slice(m.checkers, func(i, j int) bool { return m.checkers[i].Name() < m.checkers[j].Name() })

	m.logger.Info("Health checker registered",
		zap.String("checker", name),
		zap.Bool("critical", c.IsCritical()),
	)
	return nil
}

// LastResult returns the most recent result for a checker, if it has run.
func (m *Manager) LastResult(name string) (Result, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.last[name]
	return r, ok
}

// Check runs every checker in name order and aggregates the results.
func (m *Manager) Check(ctx context.Context) Report {
	m.mu.RLock()
	checkers := append([]Checker(nil), m.checkers...)
	m.mu.RUnlock()

	start := time.Now()
	results := make(map[string]Result, len(checkers))
	for _, c := range checkers {
		results[c.Name()] = m.run(ctx, c)
	}

	m.mu.Lock()
	for name, r := range results {
		m.last[name] = r
	}
	m.mu.Unlock()

	report := summarize(checkers, results)
	report.CheckedAt = start
	report.Duration = time.Since(start)
	return report
}

func (m *Manager) run(ctx context.Context, c Checker) Result {
	timeout := c.Timeout()
	if timeout <= 0 {
		timeout = defaultCheckTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	r := c.Check(ctx)
	r.Component = c.Name()
	r.Critical = c.IsCritical()
	r.CheckedAt = start
	r.Duration = time.Since(start)

	if r.Status == StatusUnhealthy {
		m.logger.Debug("Health check failing",
			zap.String("checker", r.Component),
			zap.String("error", r.Error),
		)
	}
	return r
}

// The process answering at all means it is live, so Live is always set.
func summarize(checkers []Checker, results map[string]Result) Report {
	report := Report{Live: true, Components: results}
	if len(checkers) == 0 {
		report.Status = StatusUnknown
		report.Message = "No health checks registered"
		return report
	}

	critical := 0
	for _, c := range checkers {
		r := results[c.Name()]
		if r.Status == StatusHealthy {
			continue
		}
		report.Failing = append(report.Failing, r.Component)
		if r.Critical && r.Status == StatusUnhealthy {
			critical++
		}
	}

	switch {
	case critical > 0:
		report.Status = StatusUnhealthy
		report.Message = fmt.Sprintf("%d critical component(s) failing", critical)
	case len(report.Failing) > 0:
		report.Status = StatusDegraded
		report.Ready = true
		report.Message = fmt.Sprintf("%d component(s) degraded", len(report.Failing))
	default:
		report.Status = StatusHealthy
		report.Ready = true
		report.Message = fmt.Sprintf("All %d components healthy", len(checkers))
	}
	return report
}
