package supervisor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// ErrLaunch is returned when the simulator cannot be started or exits
// before its startup grace period is over.
var ErrLaunch = errors.New("simulator launch failed")

// Process is a running simulator.
type Process interface {
	Pid() int
	// Done is closed when the direct child has exited.
	Done() <-chan struct{}
	// Err is the child's exit error once Done is closed.
	Err() error
}

// Launcher starts and stops the simulator.
type Launcher interface {
	// Start spawns the simulator and blocks for the startup grace period.
	Start(ctx context.Context) (Process, error)
	// Terminate stops the simulator and every helper process it forked.
	// A process that is already gone is not an error.
	Terminate(ctx context.Context, p Process) error
}

type execProcess struct {
	cmd  *exec.Cmd
	done chan struct{}
	err  error
}

func (p *execProcess) Pid() int              { return p.cmd.Process.Pid }
func (p *execProcess) Done() <-chan struct{} { return p.done }

func (p *execProcess) Err() error {
	select {
	case <-p.done:
		return p.err
	default:
		return nil
	}
}

// ExecLauncher runs the simulator as a child process in its own process
// group. The simulator's launch script forks the real server binary, so
// Terminate signals the whole group and also anything whose command line
// matches MatchPattern.
type ExecLauncher struct {
	Command      string
	Args         []string
	Dir          string
	MatchPattern string
	StartupGrace time.Duration
	StopGrace    time.Duration
	Stdout       io.Writer
	Stderr       io.Writer
	Logger       *zap.Logger

	// ProcRoot is where process command lines are read from. Empty means
	// /proc.
	ProcRoot string
}

func (l *ExecLauncher) logger() *zap.Logger {
	if l.Logger == nil {
		return zap.NewNop()
	}
	return l.Logger
}

func (l *ExecLauncher) Start(ctx context.Context) (Process, error) {
	cmd := exec.Command(l.Command, l.Args...)
	cmd.Dir = l.Dir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Stdout = l.Stdout
	cmd.Stderr = l.Stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLaunch, err)
	}

	p := &execProcess{cmd: cmd, done: make(chan struct{})}
	go func() {
		p.err = cmd.Wait()
		close(p.done)
	}()

	l.logger().Info("Simulator started, waiting for startup grace",
		zap.Int("pid", p.Pid()),
		zap.String("command", l.Command),
		zap.Strings("args", l.Args),
		zap.Duration("grace", l.StartupGrace),
	)

	timer := time.NewTimer(l.StartupGrace)
	defer timer.Stop()
	select {
	case <-timer.C:
		return p, nil
	case <-p.done:
		return nil, fmt.Errorf("%w: exited during startup: %v", ErrLaunch, p.err)
	case <-ctx.Done():
		stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.StopGrace+5*time.Second)
		defer cancel()
		if err := l.Terminate(stopCtx, p); err != nil {
			l.logger().Warn("Failed to stop simulator after cancelled start", zap.Error(err))
		}
		return nil, ctx.Err()
	}
}

func (l *ExecLauncher) Terminate(ctx context.Context, p Process) error {
	logger := l.logger()
	var pgid int
	if p != nil {
		pgid = p.Pid()
	}

	targets := l.matching()
	var errs []error
	signalAll := func(sig syscall.Signal) {
		if pgid > 0 {
			errs = append(errs, ignoreMissing(syscall.Kill(-pgid, sig)))
		}
		for _, pid := range targets {
			errs = append(errs, ignoreMissing(syscall.Kill(pid, sig)))
		}
	}

	logger.Info("Stopping simulator",
		zap.Int("pgid", pgid),
		zap.Ints("matched", targets),
	)
	signalAll(syscall.SIGTERM)

	if !l.waitGone(ctx, p, targets) {
		targets = alive(targets)
		logger.Warn("Simulator still running after stop grace, killing",
			zap.Ints("survivors", targets),
		)
		signalAll(syscall.SIGKILL)
		if p != nil {
			select {
			case <-p.Done():
			case <-ctx.Done():
			}
		}
	}
	return errors.Join(errs...)
}

// waitGone reports whether the child and all targets exited within the
// stop grace period.
func (l *ExecLauncher) waitGone(ctx context.Context, p Process, targets []int) bool {
	deadline := time.NewTimer(l.StopGrace)
	defer deadline.Stop()
	poll := time.NewTicker(100 * time.Millisecond)
	defer poll.Stop()

	var done <-chan struct{}
	if p != nil {
		done = p.Done()
	}
	childGone := done == nil
	for {
		if childGone && len(alive(targets)) == 0 {
			return true
		}
		select {
		case <-done:
			childGone = true
			done = nil
		case <-poll.C:
		case <-deadline.C:
			return false
		case <-ctx.Done():
			return false
		}
	}
}

// matching lists processes other than this one whose command line matches
// MatchPattern.
func (l *ExecLauncher) matching() []int {
	if l.MatchPattern == "" {
		return nil
	}
	re, err := regexp.Compile(l.MatchPattern)
	if err != nil {
		l.logger().Warn("Invalid simulator match pattern", zap.String("pattern", l.MatchPattern), zap.Error(err))
		return nil
	}
	root := l.ProcRoot
	if root == "" {
		root = "/proc"
	}
	entries, err := os.ReadDir(root)
	if err != nil {
		l.logger().Debug("Cannot scan processes", zap.Error(err))
		return nil
	}
	self := os.Getpid()
	var pids []int
	for _, e := range entries {
		pid, err := strconv.Atoi(e.Name())
		if err != nil || pid == self {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(root, e.Name(), "cmdline"))
		if err != nil || len(raw) == 0 {
			continue
		}
		cmdline := string(bytes.TrimRight(bytes.ReplaceAll(raw, []byte{0}, []byte{' '}), " "))
		if re.MatchString(cmdline) {
			pids = append(pids, pid)
		}
	}
	return pids
}

func alive(pids []int) []int {
	var out []int
	for _, pid := range pids {
		if syscall.Kill(pid, 0) == nil {
			out = append(out, pid)
		}
	}
	return out
}

func ignoreMissing(err error) error {
	if errors.Is(err, syscall.ESRCH) {
		return nil
	}
	return err
}

var _ Launcher = (*ExecLauncher)(nil)
