// Package agents keeps the background traffic alive: it spawns vehicles
// and walkers, notices the ones the simulator has killed, and replaces them.
package agents

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"

	"go.uber.org/zap"

	"github.com/Carleton-Comps-CV4AD/cv4ad-CARLA-code/internal/metrics"
	"github.com/Carleton-Comps-CV4AD/cv4ad-CARLA-code/internal/sim"
)

const (
	// DefaultMaxRetries bounds the spawn attempts per dead agent.
	DefaultMaxRetries = 10
	// WalkerControllerBlueprint drives a walker along the navigation mesh.
	WalkerControllerBlueprint = "controller.ai.walker"

	minWalkerSpeed = 1.0
	maxWalkerSpeed = 3.0
)

// Agent is one background actor plus its controller, if it has one.
type Agent struct {
	Actor      sim.ActorID
	Controller sim.ActorID
	Role       string
}

// SpawnFunc places one new agent in the world.
type SpawnFunc func(ctx context.Context) (Agent, error)

// WalkerSpawner spawns a random pedestrian at a random navigable location
// and starts an AI controller on it with a max speed drawn from [1, 3) m/s.
// A walker whose controller cannot be attached is destroyed again.
func WalkerSpawner(env sim.Environment, blueprints []string, rng *rand.Rand) SpawnFunc {
	return func(ctx context.Context) (Agent, error) {
		if len(blueprints) == 0 {
			return Agent{}, fmt.Errorf("%w: no walker blueprints", sim.ErrSpawn)
		}
		bp := blueprints[rng.Intn(len(blueprints))]
		walker, err := env.Spawn(ctx, sim.ActorSpec{
			Blueprint:  bp,
			Role:       sim.RoleWalker,
			Attributes: map[string]string{"is_invincible": "false"},
		})
		if err != nil {
			return Agent{}, fmt.Errorf("spawn walker %s: %w", bp, err)
		}
		controller, err := env.Spawn(ctx, sim.ActorSpec{
			Blueprint: WalkerControllerBlueprint,
			Role:      sim.RoleController,
			Parent:    walker,
		})
		if err != nil {
			_ = env.Destroy(ctx, walker)
			return Agent{}, fmt.Errorf("spawn walker controller: %w", err)
		}
		speed := minWalkerSpeed + rng.Float64()*(maxWalkerSpeed-minWalkerSpeed)
		if err := env.StartWalker(ctx, controller, speed); err != nil {
			_ = env.Destroy(ctx, controller)
			_ = env.Destroy(ctx, walker)
			return Agent{}, fmt.Errorf("start walker controller: %w", err)
		}
		return Agent{Actor: walker, Controller: controller, Role: sim.RoleWalker}, nil
	}
}

// VehicleSpawner spawns a random vehicle at a random spawn point under
// traffic-manager autopilot.
func VehicleSpawner(env sim.Environment, blueprints []string, rng *rand.Rand) SpawnFunc {
	return func(ctx context.Context) (Agent, error) {
		if len(blueprints) == 0 {
			return Agent{}, fmt.Errorf("%w: no vehicle blueprints", sim.ErrSpawn)
		}
		bp := blueprints[rng.Intn(len(blueprints))]
		id, err := env.Spawn(ctx, sim.ActorSpec{Blueprint: bp, Role: sim.RoleVehicle, Autopilot: true})
		if err != nil {
			return Agent{}, fmt.Errorf("spawn vehicle %s: %w", bp, err)
		}
		return Agent{Actor: id, Role: sim.RoleVehicle}, nil
	}
}

// Populate calls spawn n times and returns the agents that made it. An
// occupied spawn point is expected on busy maps, so failures are counted,
// not returned; a cancelled ctx stops early.
func Populate(ctx context.Context, spawn SpawnFunc, n int) ([]Agent, int) {
	out := make([]Agent, 0, n)
	failed := 0
	for i := 0; i < n; i++ {
		if ctx.Err() != nil {
			break
		}
		a, err := spawn(ctx)
		if err != nil {
			failed++
			continue
		}
		out = append(out, a)
	}
	return out, failed
}

// Report summarizes one scan.
type Report struct {
	Scanned  int
	Dead     int
	Replaced int
	Failed   int
}

// Config tunes a Monitor.
type Config struct {
	// Interval is the scan period in ticks; 0 disables Observe.
	Interval uint64
	// MaxRetries bounds spawn attempts per dead agent.
	MaxRetries int
}

// Monitor tracks background agents and replaces dead ones.
type Monitor struct {
	env      sim.Environment
	spawners map[string]SpawnFunc
	cfg      Config
	logger   *zap.Logger

	mu         sync.Mutex
	agents     []Agent
	lastWindow uint64
}

// NewMonitor returns a monitor that respawns each role with the matching
// spawner. Agents of a role without a spawner are destroyed but not
// replaced.
func NewMonitor(env sim.Environment, spawners map[string]SpawnFunc, cfg Config, logger *zap.Logger) *Monitor {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{env: env, spawners: spawners, cfg: cfg, logger: logger}
}

// Track adds agents to the monitored set.
func (m *Monitor) Track(agents ...Agent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.agents = append(m.agents, agents...)
}

// Agents returns a copy of the monitored set.
func (m *Monitor) Agents() []Agent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Agent(nil), m.agents...)
}

// Observe runs ScanAndReplace the first time tick lands in a new interval
// window (window = tick / Interval) and reports whether it ran. Window 0 is
// skipped since the population was just spawned. Calling Observe repeatedly
// within one window, or with a tick from an earlier window, does nothing.
func (m *Monitor) Observe(ctx context.Context, tick uint64) (Report, bool) {
	if m.cfg.Interval == 0 {
		return Report{}, false
	}
	window := tick / m.cfg.Interval
	m.mu.Lock()
	if window <= m.lastWindow {
		m.mu.Unlock()
		return Report{}, false
	}
	m.lastWindow = window
	m.mu.Unlock()
	return m.ScanAndReplace(ctx), true
}

// ScanAndReplace destroys every dead agent, actor and controller both, and
// tries up to MaxRetries spawns for each. Failures are logged and counted,
// never returned.
func (m *Monitor) ScanAndReplace(ctx context.Context) Report {
	m.mu.Lock()
	current := append([]Agent(nil), m.agents...)
	m.mu.Unlock()

	var report Report
	alive := make([]Agent, 0, len(current))
	var replacements []Agent

	for _, a := range current {
		report.Scanned++
		ok, err := m.env.IsAlive(ctx, a.Actor)
		if err != nil {
			if ctx.Err() == nil {
				m.logger.Warn("Liveness check failed, keeping agent", zap.Uint64("actor", uint64(a.Actor)), zap.Error(err))
			}
			alive = append(alive, a)
			continue
		}
		if ok {
			alive = append(alive, a)
			continue
		}

		report.Dead++
		metrics.AgentsDead.Inc()
		m.destroy(ctx, a)

		spawn := m.spawners[a.Role]
		if spawn == nil {
			continue
		}
		replacement, attempts, err := m.respawn(ctx, spawn)
		if err != nil {
			report.Failed++
			metrics.AgentRespawnFailures.Inc()
			m.logger.Warn("Could not replace dead agent",
				zap.String("role", a.Role),
				zap.Int("attempts", attempts),
				zap.Error(err),
			)
			continue
		}
		report.Replaced++
		metrics.AgentsRespawned.Inc()
		replacements = append(replacements, replacement)
	}

	m.mu.Lock()
	// Agents tracked while we were scanning are kept.
	var added []Agent
	if len(m.agents) > len(current) {
		added = m.agents[len(current):]
	}
	m.agents = append(append(alive, replacements...), added...)
	m.mu.Unlock()

	if report.Dead > 0 {
		m.logger.Info("Replaced dead agents",
			zap.Int("scanned", report.Scanned),
			zap.Int("dead", report.Dead),
			zap.Int("replaced", report.Replaced),
			zap.Int("failed", report.Failed),
		)
	}
	return report
}

func (m *Monitor) respawn(ctx context.Context, spawn SpawnFunc) (Agent, int, error) {
	var lastErr error
	for attempt := 1; attempt <= m.cfg.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return Agent{}, attempt - 1, err
		}
		a, err := spawn(ctx)
		if err == nil {
			return a, attempt, nil
		}
		lastErr = err
	}
	if !errors.Is(lastErr, sim.ErrSpawn) {
		lastErr = fmt.Errorf("%w: %v", sim.ErrSpawn, lastErr)
	}
	return Agent{}, m.cfg.MaxRetries, lastErr
}

func (m *Monitor) destroy(ctx context.Context, a Agent) {
	if a.Controller != 0 {
		_ = m.env.StopWalker(ctx, a.Controller)
		if err := m.env.Destroy(ctx, a.Controller); err != nil && !errors.Is(err, sim.ErrNotFound) {
			m.logger.Debug("Destroy controller failed", zap.Uint64("actor", uint64(a.Controller)), zap.Error(err))
		}
	}
	if err := m.env.Destroy(ctx, a.Actor); err != nil && !errors.Is(err, sim.ErrNotFound) {
		m.logger.Debug("Destroy agent failed", zap.Uint64("actor", uint64(a.Actor)), zap.Error(err))
	}
}

// DestroyAll removes every tracked agent from the world and forgets them.
func (m *Monitor) DestroyAll(ctx context.Context) {
	m.mu.Lock()
	current := m.agents
	m.agents = nil
	m.mu.Unlock()
	for _, a := range current {
		m.destroy(ctx, a)
	}
	m.logger.Info("Destroyed background agents", zap.Int("count", len(current)))
}
