package supervisor

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Carleton-Comps-CV4AD/cv4ad-CARLA-code/internal/events"
	"github.com/Carleton-Comps-CV4AD/cv4ad-CARLA-code/internal/metrics"
	"github.com/Carleton-Comps-CV4AD/cv4ad-CARLA-code/internal/status"
)

// Config controls the supervise loop.
type Config struct {
	PollInterval time.Duration
	// RestartPause separates a stop from the next start, and a failed
	// launch from its retry.
	RestartPause time.Duration
	// StopTimeout bounds a single Terminate call.
	StopTimeout time.Duration
}

// Snapshot describes the simulator as the supervisor last saw it.
type Snapshot struct {
	Running   bool      `json:"running"`
	PID       int       `json:"pid,omitempty"`
	StartedAt time.Time `json:"started_at,omitempty"`
	Starts    int       `json:"starts"`
	Restarts  int       `json:"restarts"`
}

// Supervisor keeps one simulator running for the scheduler. It restarts the
// simulator after every completed job and whenever it dies, and publishes
// readiness through the status channel.
type Supervisor struct {
	channel  *status.Channel
	launcher Launcher
	events   *events.Publisher
	config   Config
	logger   *zap.Logger

	mu       sync.Mutex
	snapshot Snapshot
}

// Option configures optional collaborators.
type Option func(*Supervisor)

// WithEvents publishes simulator lifecycle events.
func WithEvents(p *events.Publisher) Option {
	return func(s *Supervisor) { s.events = p }
}

func New(channel *status.Channel, launcher Launcher, cfg Config, logger *zap.Logger, opts ...Option) *Supervisor {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = status.DefaultPollInterval
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Supervisor{
		channel:  channel,
		launcher: launcher,
		config:   cfg,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Snapshot returns the current simulator state.
func (s *Supervisor) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot
}

type exitReason string

const (
	reasonAllDone  exitReason = "all_done"
	reasonComplete exitReason = "job_complete"
	reasonCrashed  exitReason = "crashed"
)

// Run supervises the simulator until ALL_DONE is observed (nil), ctx is
// cancelled (ctx.Err()) or the status channel fails.
func (s *Supervisor) Run(ctx context.Context) error {
	if err := s.channel.Write(status.Down); err != nil {
		return err
	}
	s.countWrite(status.Down)

	for {
		proc, err := s.start(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if !errors.Is(err, ErrLaunch) {
				return err
			}
			if err := sleep(ctx, s.config.RestartPause); err != nil {
				return err
			}
			continue
		}

		if err := s.publishReady(); err != nil {
			s.stop(ctx, proc)
			return err
		}

		reason, err := s.watch(ctx, proc)
		if err != nil {
			s.stop(ctx, proc)
			return err
		}

		switch reason {
		case reasonAllDone:
			s.stop(ctx, proc)
			s.logger.Info("Collection finished, supervisor exiting")
			s.publish(ctx, events.TypeSimulatorStopped, "collection finished", nil)
			return nil
		case reasonCrashed:
			s.logger.Warn("Simulator exited unexpectedly", zap.Error(proc.Err()))
			if err := s.publishDown(); err != nil {
				s.stop(ctx, proc)
				return err
			}
		}

		s.stop(ctx, proc)
		metrics.SimulatorRestarts.WithLabelValues(string(reason)).Inc()
		s.mu.Lock()
		s.snapshot.Restarts++
		s.mu.Unlock()
		s.publish(ctx, events.TypeSimulatorRestarted, "restarting simulator", map[string]interface{}{
			"reason": string(reason),
		})
		if err := sleep(ctx, s.config.RestartPause); err != nil {
			return err
		}
	}
}

func (s *Supervisor) start(ctx context.Context) (Process, error) {
	metrics.SimulatorLaunches.Inc()
	proc, err := s.launcher.Start(ctx)
	if err != nil {
		if ctx.Err() == nil {
			metrics.SimulatorLaunchFailures.Inc()
			s.logger.Error("Simulator launch failed", zap.Error(err))
			s.publish(ctx, events.TypeLaunchFailed, err.Error(), nil)
		}
		return nil, err
	}

	s.mu.Lock()
	s.snapshot.Running = true
	s.snapshot.PID = proc.Pid()
	s.snapshot.StartedAt = time.Now()
	s.snapshot.Starts++
	s.mu.Unlock()

	s.logger.Info("Simulator ready", zap.Int("pid", proc.Pid()))
	s.publish(ctx, events.TypeSimulatorStarted, "simulator ready", map[string]interface{}{
		"pid": proc.Pid(),
	})
	return proc, nil
}

// stop terminates proc. It runs on its own deadline so a cancelled
// supervisor still cleans up.
func (s *Supervisor) stop(ctx context.Context, proc Process) {
	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.config.StopTimeout)
	defer cancel()
	if err := s.launcher.Terminate(stopCtx, proc); err != nil {
		s.logger.Warn("Simulator did not stop cleanly", zap.Error(err))
	}
	s.mu.Lock()
	s.snapshot.Running = false
	s.snapshot.PID = 0
	s.mu.Unlock()
}

// watch polls the channel and the child until a restart or exit is due.
// Cancellation returns ctx.Err() and leaves the channel as it is.
func (s *Supervisor) watch(ctx context.Context, proc Process) (exitReason, error) {
	ticker := time.NewTicker(s.config.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-proc.Done():
			// ALL_DONE may have landed just before the simulator went down.
			v, err := s.channel.Read()
			if err != nil {
				return "", err
			}
			if v == status.AllDone {
				return reasonAllDone, nil
			}
			return reasonCrashed, nil
		case <-ticker.C:
		}

		v, err := s.channel.Read()
		if err != nil {
			return "", err
		}
		switch v {
		case status.AllDone:
			return reasonAllDone, nil
		case status.CollectionComplete:
			return reasonComplete, nil
		}
	}
}

// publishReady writes SIM_READY unless collection is finished or a job
// already holds the simulator.
func (s *Supervisor) publishReady() error {
	v, err := s.channel.Update(func(cur status.Value, _ bool) (status.Value, bool) {
		if cur == status.AllDone || cur == status.CollectionRunning {
			return cur, false
		}
		return status.SimReady, true
	})
	if err != nil {
		return err
	}
	if v == status.SimReady {
		s.countWrite(status.SimReady)
	}
	return nil
}

// publishDown writes DOWN unless collection is finished.
func (s *Supervisor) publishDown() error {
	v, err := s.channel.Update(func(cur status.Value, _ bool) (status.Value, bool) {
		if cur == status.AllDone {
			return cur, false
		}
		return status.Down, true
	})
	if err != nil {
		return err
	}
	if v == status.Down {
		s.countWrite(status.Down)
	}
	return nil
}

func (s *Supervisor) countWrite(v status.Value) {
	metrics.StatusWrites.WithLabelValues("supervisor", string(v)).Inc()
}

func (s *Supervisor) publish(ctx context.Context, eventType, msg string, data map[string]interface{}) {
	if s.events == nil {
		return
	}
	s.events.Publish(ctx, eventType, "", msg, data)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
