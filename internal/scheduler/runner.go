package scheduler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// WorkerRunner runs one collection worker for a job and reports its exit
// code. err is non-nil only when the worker could not be run at all or was
// cut short by ctx.
type WorkerRunner interface {
	Run(ctx context.Context, job Job) (exitCode int, err error)
}

// WorkerCrashError is returned by RunJob when a worker exits non-zero.
type WorkerCrashError struct {
	Job      Job
	ExitCode int
	Err      error
}

func (e *WorkerCrashError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("worker for %s crashed: %v", e.Job.ID(), e.Err)
	}
	return fmt.Sprintf("worker for %s exited with code %d", e.Job.ID(), e.ExitCode)
}

func (e *WorkerCrashError) Unwrap() error { return e.Err }

// BurstSettings switches workers to burst mode when ImagesPerBurst > 0.
type BurstSettings struct {
	ImagesPerBurst int
	Gap            int
}

// ExecRunner starts the worker as a child process:
//
//	<Command...> --condition NAME --condition-file DIR/NAME.yaml --seed N
//	    --output DIR (--images N | --burst-images N --bursts N --burst-gap N)
//	    [--debug] [--bbox]
//
// The child gets its own process group so a cancelled job takes the whole
// tree down with it.
type ExecRunner struct {
	Command       []string
	ConditionsDir string
	Burst         BurstSettings
	Debug         bool
	BoundingBoxes bool
	// KillGrace is how long a cancelled worker has to clean up before it
	// is killed.
	KillGrace time.Duration
	Stdout    io.Writer
	Stderr    io.Writer
	Logger    *zap.Logger
}

// Args returns the command line for job.
func (r *ExecRunner) Args(job Job) []string {
	args := append([]string{}, r.Command[1:]...)
	args = append(args,
		"--condition", job.Condition,
		"--condition-file", filepath.Join(r.ConditionsDir, job.Condition+".yaml"),
		"--seed", strconv.FormatInt(job.Seed, 10),
		"--output", job.OutputDir,
	)
	if r.Burst.ImagesPerBurst > 0 {
		bursts := (job.Budget + r.Burst.ImagesPerBurst - 1) / r.Burst.ImagesPerBurst
		args = append(args,
			"--burst-images", strconv.Itoa(r.Burst.ImagesPerBurst),
			"--bursts", strconv.Itoa(bursts),
			"--burst-gap", strconv.Itoa(r.Burst.Gap),
		)
	} else {
		args = append(args, "--images", strconv.Itoa(job.Budget))
	}
	if r.Debug {
		args = append(args, "--debug")
	}
	if r.BoundingBoxes {
		args = append(args, "--bbox")
	}
	return args
}

func (r *ExecRunner) Run(ctx context.Context, job Job) (int, error) {
	if len(r.Command) == 0 {
		return -1, errors.New("worker command is empty")
	}
	logger := r.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	grace := r.KillGrace
	if grace <= 0 {
		grace = 30 * time.Second
	}

	cmd := exec.CommandContext(ctx, r.Command[0], r.Args(job)...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	var cancelledAt atomic.Int64
	cmd.Cancel = func() error {
		cancelledAt.Store(time.Now().UnixNano())
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM)
	}
	cmd.WaitDelay = grace
	cmd.Stdout = r.Stdout
	if cmd.Stdout == nil {
		cmd.Stdout = os.Stdout
	}
	cmd.Stderr = r.Stderr
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}

	logger.Info("Starting worker",
		zap.String("job_id", job.ID()),
		zap.Strings("args", cmd.Args),
	)
	if err := cmd.Start(); err != nil {
		if ctx.Err() != nil {
			return -1, ctx.Err()
		}
		return -1, fmt.Errorf("start worker: %w", err)
	}
	pgid := cmd.Process.Pid
	err := cmd.Wait()
	if ctx.Err() != nil {
		deadline := time.Now()
		if at := cancelledAt.Load(); at != 0 {
			deadline = time.Unix(0, at).Add(grace)
		}
		reapGroup(pgid, deadline, logger.With(zap.String("job_id", job.ID())))
		return -1, ctx.Err()
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	if err != nil {
		return -1, fmt.Errorf("run worker: %w", err)
	}
	return 0, nil
}

// reapGroup waits until deadline for whatever is left of a cancelled
// worker's process group, then kills it. WaitDelay only covers the direct
// child, so grandchildren that ignore SIGTERM would otherwise outlive the
// scheduler.
func reapGroup(pgid int, deadline time.Time, logger *zap.Logger) {
	for time.Now().Before(deadline) {
		if errors.Is(syscall.Kill(-pgid, 0), syscall.ESRCH) {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	if err := syscall.Kill(-pgid, syscall.SIGKILL); err == nil {
		logger.Warn("Killed worker process group after grace period", zap.Int("pgid", pgid))
	}
}

var _ WorkerRunner = (*ExecRunner)(nil)
