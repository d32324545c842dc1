// Package circuitbreaker stops a repeatedly crashing operation from being
// retried in a tight loop. After enough consecutive failures the breaker
// opens for a cooldown, then admits a single trial call.
package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

var stateNames = [...]string{"closed", "half-open", "open"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// ErrOpen is returned by Execute while the breaker is cooling down or a
// trial call is already running.
var ErrOpen = errors.New("circuit breaker is open")

var stateGauge = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "cv4ad_circuit_breaker_state",
		Help: "Breaker state (0=closed, 1=half-open, 2=open)",
	},
	[]string{"name"},
)

type Config struct {
	// FailureThreshold consecutive failures open the breaker. Zero disables it.
	FailureThreshold uint32
	// Cooldown is how long the breaker stays open before a trial call.
	Cooldown time.Duration
	// SuccessThreshold consecutive trial successes close the breaker.
	SuccessThreshold uint32
	OnStateChange    func(name string, from State, to State)
}

// DefaultConfig opens after five crashes in a row and waits a minute.
func DefaultConfig() Config {
	return Config{FailureThreshold: 5, Cooldown: time.Minute, SuccessThreshold: 1}
}

// Counts are reset on every state change.
type Counts struct {
	Requests             uint32
	TotalSuccesses       uint32
	TotalFailures        uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
}

type CircuitBreaker struct {
	name   string
	config Config
	logger *zap.Logger
	now    func() time.Time

	mu       sync.Mutex
	state    State
	counts   Counts
	openedAt time.Time
	// epoch changes with the state so a call that straddles a transition
	// does not count against the new state.
	epoch uint64
	trial bool
}

func NewCircuitBreaker(name string, config Config, logger *zap.Logger) *CircuitBreaker {
	if config.SuccessThreshold == 0 {
		config.SuccessThreshold = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	stateGauge.WithLabelValues(name).Set(float64(StateClosed))
	return &CircuitBreaker{name: name, config: config, logger: logger, now: time.Now}
}

// Execute runs fn unless the breaker is open. A non-nil error from fn
// counts as a failure, and so does a panic, which is re-raised.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(context.Context) error) (err error) {
	epoch, err := cb.admit()
	if err != nil {
		return err
	}
	ok := false
	defer func() { cb.record(epoch, ok) }()

	err = fn(ctx)
	ok = err == nil
	return err
}

// Wait blocks until the breaker would admit a call or ctx ends.
func (cb *CircuitBreaker) Wait(ctx context.Context) error {
	for d := cb.Remaining(); d > 0; d = cb.Remaining() {
		t := time.NewTimer(d)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
	return nil
}

// Remaining is the time left in the cooldown, zero when calls are admitted.
func (cb *CircuitBreaker) Remaining() time.Duration {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	now := cb.now()
	if cb.refresh(now) != StateOpen {
		return 0
	}
	return cb.openedAt.Add(cb.config.Cooldown).Sub(now)
}

func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.refresh(cb.now())
}

func (cb *CircuitBreaker) Counts() Counts {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.counts
}

func (cb *CircuitBreaker) admit() (uint64, error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.refresh(cb.now()) {
	case StateOpen:
		return cb.epoch, ErrOpen
	case StateHalfOpen:
		if cb.trial {
			return cb.epoch, ErrOpen
		}
		cb.trial = true
	}
	cb.counts.Requests++
	return cb.epoch, nil
}

func (cb *CircuitBreaker) record(epoch uint64, ok bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.now()
	state := cb.refresh(now)
	if epoch != cb.epoch {
		return
	}
	cb.trial = false
	c := &cb.counts

	if ok {
		c.TotalSuccesses++
		c.ConsecutiveSuccesses++
		c.ConsecutiveFailures = 0
		if state == StateHalfOpen && c.ConsecutiveSuccesses >= cb.config.SuccessThreshold {
			cb.transition(StateClosed, now)
		}
		return
	}

	c.TotalFailures++
	c.ConsecutiveFailures++
	c.ConsecutiveSuccesses = 0
	tripped := cb.config.FailureThreshold > 0 && c.ConsecutiveFailures >= cb.config.FailureThreshold
	if state == StateHalfOpen || (state == StateClosed && tripped) {
		cb.transition(StateOpen, now)
	}
}

// refresh moves an expired open breaker to half-open. Callers hold mu.
func (cb *CircuitBreaker) refresh(now time.Time) State {
	if cb.state == StateOpen && now.Sub(cb.openedAt) >= cb.config.Cooldown {
		cb.transition(StateHalfOpen, now)
	}
	return cb.state
}

func (cb *CircuitBreaker) transition(to State, now time.Time) {
	from := cb.state
	if from == to {
		return
	}
	cb.state = to
	cb.epoch++
	cb.counts = Counts{}
	cb.trial = false
	if to == StateOpen {
		cb.openedAt = now
	}

	stateGauge.WithLabelValues(cb.name).Set(float64(to))
	cb.logger.Info("Circuit breaker state changed",
		zap.String("name", cb.name),
		zap.Stringer("from", from),
		zap.Stringer("to", to),
	)
	if cb.config.OnStateChange != nil {
		cb.config.OnStateChange(cb.name, from, to)
	}
}
