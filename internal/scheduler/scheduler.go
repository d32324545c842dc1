package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Carleton-Comps-CV4AD/cv4ad-CARLA-code/internal/circuitbreaker"
	"github.com/Carleton-Comps-CV4AD/cv4ad-CARLA-code/internal/events"
	"github.com/Carleton-Comps-CV4AD/cv4ad-CARLA-code/internal/ledger"
	"github.com/Carleton-Comps-CV4AD/cv4ad-CARLA-code/internal/metrics"
	"github.com/Carleton-Comps-CV4AD/cv4ad-CARLA-code/internal/status"
)

// Ledger is the durable record the scheduler resumes from.
type Ledger interface {
	// Completed maps completed job ids to the budget each one met.
	Completed(ctx context.Context) (map[string]int, error)
	MarkComplete(ctx context.Context, jobID, condition string, seed int64, budget int, at time.Time) error
	RecordAttempt(ctx context.Context, a ledger.Attempt) error
}

// Config controls the scheduling loop.
type Config struct {
	PollInterval time.Duration
	// CrashThreshold consecutive worker crashes pause the loop for
	// CrashCooldown. Zero never pauses.
	CrashThreshold int
	CrashCooldown  time.Duration
}

// Scheduler walks the job matrix in order, one worker at a time, claiming
// the simulator through the status channel before each job.
type Scheduler struct {
	channel *status.Channel
	runner  WorkerRunner
	ledger  Ledger
	events  *events.Publisher
	breaker *circuitbreaker.CircuitBreaker
	config  Config
	logger  *zap.Logger

	mu     sync.Mutex
	jobs   []Job
	cursor int
}

// Option configures optional collaborators.
type Option func(*Scheduler)

// WithLedger persists attempts and completions so a restart resumes where
// the previous run stopped.
func WithLedger(l Ledger) Option {
	return func(s *Scheduler) { s.ledger = l }
}

// WithEvents publishes job progress.
func WithEvents(p *events.Publisher) Option {
	return func(s *Scheduler) { s.events = p }
}

// New creates a scheduler over jobs. jobs must be non-empty and keep the
// order BuildJobMatrix produced.
func New(channel *status.Channel, runner WorkerRunner, jobs []Job, cfg Config, logger *zap.Logger, opts ...Option) (*Scheduler, error) {
	if len(jobs) == 0 {
		return nil, errors.New("job matrix is empty")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = status.DefaultPollInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Scheduler{
		channel: channel,
		runner:  runner,
		jobs:    jobs,
		config:  cfg,
		logger:  logger,
	}
	s.breaker = circuitbreaker.NewCircuitBreaker("worker", circuitbreaker.Config{
		FailureThreshold: uint32(max(cfg.CrashThreshold, 0)),
		Cooldown:         cfg.CrashCooldown,
		OnStateChange: func(name string, from, to circuitbreaker.State) {
			logger.Warn("Worker crash breaker changed state",
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	}, logger)
	for _, opt := range opts {
		opt(s)
	}
	metrics.JobsTotal.Set(float64(len(jobs)))
	return s, nil
}

// Progress returns how many jobs are done and how many there are.
func (s *Scheduler) Progress() (done, total int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor, len(s.jobs)
}

// Current returns the next job to run; ok is false once the matrix is
// exhausted.
func (s *Scheduler) Current() (Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cursor >= len(s.jobs) {
		return Job{}, false
	}
	return s.jobs[s.cursor], true
}

// Run resumes from the ledger and drives every remaining job to
// completion. It returns nil after ALL_DONE has been published, ctx.Err()
// when cancelled, or an error wrapping status.ErrChannelIO when the
// channel becomes unusable. Worker crashes are retried indefinitely.
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.resume(ctx); err != nil {
		return err
	}
	if err := s.recoverStaleClaim(); err != nil {
		return err
	}

	done, total := s.Progress()
	if done == total {
		s.logger.Info("All jobs already complete", zap.Int("jobs", total))
		return s.publishAllDone(ctx)
	}
	s.logger.Info("Scheduler starting",
		zap.Int("jobs", total),
		zap.Int("completed", done),
	)

	for {
		job, ok := s.Current()
		if !ok {
			return nil
		}
		err := s.RunJob(ctx, job)
		var crash *WorkerCrashError
		switch {
		case err == nil:
		case errors.As(err, &crash):
			// Same job again once the simulator is back.
		default:
			return err
		}
	}
}

// RunJob waits for SIM_READY, claims the simulator, runs one worker and
// publishes the outcome. A successful job advances the cursor and hands the
// simulator back with COLLECTION_COMPLETE, or ALL_DONE if it was the last
// job. A crashed job leaves the cursor in place, hands the simulator back
// with SIM_READY and returns a *WorkerCrashError.
func (s *Scheduler) RunJob(ctx context.Context, job Job) error {
	logger := s.logger.With(zap.String("job_id", job.ID()))

	if err := s.claim(ctx, logger); err != nil {
		return err
	}
	s.publish(ctx, events.TypeJobStarted, job, "worker starting", map[string]interface{}{
		"budget": job.Budget,
		"output": job.OutputDir,
	})
	metrics.JobAttempts.WithLabelValues(job.Condition).Inc()

	attempt := ledger.Attempt{ID: uuid.New().String(), JobID: job.ID(), StartedAt: time.Now().UTC()}
	var exitCode int
	runErr := s.breaker.Execute(ctx, func(ctx context.Context) error {
		code, err := s.runner.Run(ctx, job)
		exitCode = code
		if err != nil {
			return err
		}
		if code != 0 {
			return &WorkerCrashError{Job: job, ExitCode: code}
		}
		return nil
	})
	attempt.FinishedAt = time.Now().UTC()
	attempt.ExitCode = exitCode
	if runErr != nil {
		attempt.Error = runErr.Error()
	}
	s.recordAttempt(ctx, attempt, logger)

	elapsed := attempt.FinishedAt.Sub(attempt.StartedAt)
	if ctx.Err() != nil {
		// The claim stays; the next start recovers it.
		logger.Warn("Job interrupted", zap.Duration("elapsed", elapsed))
		return ctx.Err()
	}
	if runErr != nil {
		return s.handleCrash(ctx, job, runErr, exitCode, elapsed, logger)
	}
	return s.handleSuccess(ctx, job, elapsed, logger)
}

func (s *Scheduler) claim(ctx context.Context, logger *zap.Logger) error {
	for {
		if err := s.breaker.Wait(ctx); err != nil {
			return err
		}
		if _, err := s.channel.WaitFor(ctx, s.config.PollInterval, status.SimReady); err != nil {
			return err
		}
		ok, err := s.channel.CompareAndSwap(status.SimReady, status.CollectionRunning)
		if err != nil {
			return err
		}
		if ok {
			metrics.StatusWrites.WithLabelValues("scheduler", string(status.CollectionRunning)).Inc()
			return nil
		}
		logger.Debug("Lost claim race, waiting for SIM_READY again")
	}
}

func (s *Scheduler) handleSuccess(ctx context.Context, job Job, elapsed time.Duration, logger *zap.Logger) error {
	if s.ledger != nil {
		if err := s.ledger.MarkComplete(ctx, job.ID(), job.Condition, job.Seed, job.Budget, time.Now().UTC()); err != nil {
			logger.Error("Failed to record job completion", zap.Error(err))
		}
	}
	metrics.JobsCompleted.Inc()
	metrics.WorkerDuration.WithLabelValues("success").Observe(elapsed.Seconds())

	s.mu.Lock()
	last := s.cursor == len(s.jobs)-1 && s.jobs[s.cursor].ID() == job.ID()
	if s.cursor < len(s.jobs) && s.jobs[s.cursor].ID() == job.ID() {
		s.cursor++
	}
	done := s.cursor
	s.mu.Unlock()

	logger.Info("Job complete",
		zap.Duration("elapsed", elapsed),
		zap.Int("done", done),
		zap.Int("total", len(s.jobs)),
	)
	s.publish(ctx, events.TypeJobSucceeded, job, "worker met its budget", map[string]interface{}{
		"elapsed_seconds": elapsed.Seconds(),
		"done":            done,
		"total":           len(s.jobs),
	})

	if last {
		return s.publishAllDone(ctx)
	}
	ok, err := s.channel.CompareAndSwap(status.CollectionRunning, status.CollectionComplete)
	if err != nil {
		return err
	}
	if !ok {
		// The supervisor saw the simulator die meanwhile and already owns
		// the channel; it will publish SIM_READY after the restart.
		logger.Warn("Simulator claim was released before completion was published")
		return nil
	}
	metrics.StatusWrites.WithLabelValues("scheduler", string(status.CollectionComplete)).Inc()
	return nil
}

func (s *Scheduler) handleCrash(ctx context.Context, job Job, runErr error, exitCode int, elapsed time.Duration, logger *zap.Logger) error {
	metrics.WorkerCrashes.WithLabelValues(job.Condition).Inc()
	metrics.WorkerDuration.WithLabelValues("crash").Observe(elapsed.Seconds())

	var crash *WorkerCrashError
	if !errors.As(runErr, &crash) {
		crash = &WorkerCrashError{Job: job, ExitCode: exitCode, Err: runErr}
	}
	logger.Warn("Worker crashed, job will be retried",
		zap.Int("exit_code", crash.ExitCode),
		zap.Duration("elapsed", elapsed),
		zap.Error(runErr),
	)
	s.publish(ctx, events.TypeJobFailed, job, crash.Error(), map[string]interface{}{
		"exit_code": crash.ExitCode,
	})

	swapped, err := s.channel.CompareAndSwap(status.CollectionRunning, status.SimReady)
	if err != nil {
		return err
	}
	if swapped {
		metrics.StatusWrites.WithLabelValues("scheduler", string(status.SimReady)).Inc()
	}
	return crash
}

func (s *Scheduler) publishAllDone(ctx context.Context) error {
	if err := s.channel.Write(status.AllDone); err != nil {
		return err
	}
	metrics.StatusWrites.WithLabelValues("scheduler", string(status.AllDone)).Inc()
	s.logger.Info("All jobs complete", zap.Int("jobs", len(s.jobs)))
	if s.events != nil {
		s.events.Publish(ctx, events.TypeAllDone, "", "all jobs complete", map[string]interface{}{
			"jobs": len(s.jobs),
		})
	}
	return nil
}

// resume moves the cursor past the leading jobs the ledger has as done.
// Jobs only ever finish in matrix order, so the completed set is a prefix.
// A job counts as done only if it met at least its current budget: a
// larger total_samples keeps the old seeds but can grow their budgets.
func (s *Scheduler) resume(ctx context.Context) error {
	if s.ledger == nil {
		return nil
	}
	completed, err := s.ledger.Completed(ctx)
	if err != nil {
		return fmt.Errorf("load ledger: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for s.cursor < len(s.jobs) {
		job := s.jobs[s.cursor]
		met, ok := completed[job.ID()]
		if !ok {
			break
		}
		if met < job.Budget {
			s.logger.Info("Job budget grew since it completed, running it again",
				zap.String("job_id", job.ID()),
				zap.Int("met", met),
				zap.Int("budget", job.Budget),
			)
			break
		}
		s.cursor++
	}
	if s.cursor > 0 {
		s.logger.Info("Resuming from ledger", zap.Int("skipped", s.cursor))
	}
	return nil
}

// recoverStaleClaim hands back a simulator left claimed by a scheduler that
// died mid-job. Its worker died with it.
func (s *Scheduler) recoverStaleClaim() error {
	swapped, err := s.channel.CompareAndSwap(status.CollectionRunning, status.SimReady)
	if err != nil {
		return err
	}
	if swapped {
		s.logger.Warn("Recovered stale simulator claim")
		metrics.StatusWrites.WithLabelValues("scheduler", string(status.SimReady)).Inc()
	}
	return nil
}

func (s *Scheduler) recordAttempt(ctx context.Context, a ledger.Attempt, logger *zap.Logger) {
	if s.ledger == nil {
		return
	}
	// Record even when ctx is already cancelled.
	if err := s.ledger.RecordAttempt(context.WithoutCancel(ctx), a); err != nil {
		logger.Error("Failed to record attempt", zap.Error(err))
	}
}

func (s *Scheduler) publish(ctx context.Context, eventType string, job Job, msg string, data map[string]interface{}) {
	if s.events == nil {
		return
	}
	s.events.Publish(ctx, eventType, job.ID(), msg, data)
}
