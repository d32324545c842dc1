package scheduler

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
	"gopkg.in/yaml.v3"

	"github.com/Carleton-Comps-CV4AD/cv4ad-CARLA-code/internal/ledger"
	"github.com/Carleton-Comps-CV4AD/cv4ad-CARLA-code/internal/status"
)

type fakeRunner struct {
	mu    sync.Mutex
	calls []Job
	fn    func(n int, job Job) (int, error)
}

func (f *fakeRunner) Run(ctx context.Context, job Job) (int, error) {
	f.mu.Lock()
	n := len(f.calls)
	f.calls = append(f.calls, job)
	f.mu.Unlock()
	if f.fn == nil {
		return 0, nil
	}
	return f.fn(n, job)
}

func (f *fakeRunner) Calls() []Job {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Job(nil), f.calls...)
}

type memLedger struct {
	mu        sync.Mutex
	completed map[string]int
	attempts  []ledger.Attempt
}

func newMemLedger() *memLedger { return &memLedger{completed: map[string]int{}} }

func (m *memLedger) Completed(context.Context) (map[string]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]int, len(m.completed))
	for k, v := range m.completed {
		out[k] = v
	}
	return out, nil
}

func (m *memLedger) MarkComplete(_ context.Context, jobID, _ string, _ int64, budget int, _ time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.completed[jobID] = budget
	return nil
}

func (m *memLedger) RecordAttempt(_ context.Context, a ledger.Attempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempts = append(m.attempts, a)
	return nil
}

// observedChannel returns a channel whose transitions are captured, and a
// func listing the values written so far in order.
func observedChannel(t *testing.T) (*status.Channel, *zap.Logger, func() []string) {
	t.Helper()
	core, logs := observer.New(zap.InfoLevel)
	logger := zap.New(core)
	path := filepath.Join(t.TempDir(), "connector.txt")
	seq := func() []string {
		var out []string
		for _, e := range logs.FilterMessage("Status changed").All() {
			out = append(out, e.ContextMap()["to"].(string))
		}
		return out
	}
	return status.NewChannel(path, logger), logger, seq
}

func testJobs(t *testing.T, conditions []string, perJobCap, total int) []Job {
	t.Helper()
	seeds := GenerateSeeds(SeedCount(total, perJobCap), 234905)
	jobs, err := BuildJobMatrix(conditions, seeds, perJobCap, total, t.TempDir())
	require.NoError(t, err)
	return jobs
}

func TestSeedCount(t *testing.T) {
	assert.Equal(t, 3, SeedCount(250, 100))
	assert.Equal(t, 3, SeedCount(1200, 400))
	assert.Equal(t, 1, SeedCount(1, 400))
	assert.Equal(t, 0, SeedCount(0, 400))
	assert.Equal(t, 0, SeedCount(10, 0))
}

func TestGenerateSeedsDeterministic(t *testing.T) {
	a := GenerateSeeds(5, 234905)
	b := GenerateSeeds(5, 234905)
	assert.Equal(t, a, b)
	seen := map[int64]bool{}
	for _, s := range a {
		assert.GreaterOrEqual(t, s, int64(0))
		assert.LessOrEqual(t, s, int64(MaxSeed))
		assert.False(t, seen[s], "seeds are distinct")
		seen[s] = true
	}
	assert.NotEqual(t, a, GenerateSeeds(5, 1))
}

func TestBuildJobMatrixConditionMajor(t *testing.T) {
	seeds := []int64{11, 22, 33}
	jobs, err := BuildJobMatrix([]string{"rain", "fog"}, seeds, 100, 250, "Data")
	require.NoError(t, err)
	require.Len(t, jobs, 6)

	var ids []string
	var budgets []int
	for _, j := range jobs {
		ids = append(ids, j.ID())
		budgets = append(budgets, j.Budget)
	}
	assert.Equal(t, []string{"rain/11", "rain/22", "rain/33", "fog/11", "fog/22", "fog/33"}, ids)
	assert.Equal(t, []int{100, 100, 50, 100, 100, 50}, budgets)
	assert.Equal(t, filepath.Join("Data", "fog", "seed-22"), jobs[4].OutputDir)
}

func TestBuildJobMatrixRejects(t *testing.T) {
	_, err := BuildJobMatrix(nil, []int64{1}, 10, 10, "out")
	assert.Error(t, err)
	_, err = BuildJobMatrix([]string{"a"}, []int64{1}, 10, 25, "out")
	assert.Error(t, err, "too few seeds")
	_, err = BuildJobMatrix([]string{"a", "a"}, []int64{1}, 10, 10, "out")
	assert.Error(t, err)
	_, err = BuildJobMatrix([]string{""}, []int64{1}, 10, 10, "out")
	assert.Error(t, err)
}

func TestWriteMatrix(t *testing.T) {
	root := t.TempDir()
	jobs := testJobs(t, []string{"rain"}, 10, 25)
	require.NoError(t, WriteMatrix(root, 234905, 10, 25, jobs))

	data, err := os.ReadFile(filepath.Join(root, MatrixFile))
	require.NoError(t, err)
	var doc matrixDoc
	require.NoError(t, yaml.Unmarshal(data, &doc))
	assert.Equal(t, int64(234905), doc.MasterSeed)
	assert.Equal(t, jobs, doc.Jobs)
}

func TestExecRunnerArgs(t *testing.T) {
	job := Job{Condition: "rain", Seed: 42, OutputDir: "Data/rain/seed-42", Budget: 100}
	r := &ExecRunner{Command: []string{"cv4ad", "collect"}, ConditionsDir: "configs_yamls", BoundingBoxes: true}
	assert.Equal(t, []string{
		"collect",
		"--condition", "rain",
		"--condition-file", filepath.Join("configs_yamls", "rain.yaml"),
		"--seed", "42",
		"--output", "Data/rain/seed-42",
		"--images", "100",
		"--bbox",
	}, r.Args(job))

	r = &ExecRunner{Command: []string{"cv4ad"}, Burst: BurstSettings{ImagesPerBurst: 20, Gap: 5}, Debug: true}
	args := r.Args(job)
	assert.Contains(t, args, "--debug")
	assert.Subset(t, args, []string{"--burst-images", "20", "--bursts", "5", "--burst-gap"})
	assert.NotContains(t, args, "--images")
}

func TestExecRunnerExitCodes(t *testing.T) {
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("no /bin/sh")
	}
	job := Job{Condition: "rain", Seed: 1, OutputDir: t.TempDir(), Budget: 1}

	r := &ExecRunner{Command: []string{"/bin/sh", "-c", "exit 0", "worker"}, Logger: zaptest.NewLogger(t)}
	code, err := r.Run(context.Background(), job)
	require.NoError(t, err)
	assert.Zero(t, code)

	r.Command = []string{"/bin/sh", "-c", "exit 3", "worker"}
	code, err = r.Run(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, 3, code)

	r.Command = []string{filepath.Join(t.TempDir(), "missing")}
	_, err = r.Run(context.Background(), job)
	assert.Error(t, err)
}

func TestExecRunnerKillsProcessGroupOnCancel(t *testing.T) {
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("no /bin/sh")
	}
	pidFile := filepath.Join(t.TempDir(), "pid")
	// The worker spawns a helper that ignores SIGTERM and outlives it.
	script := `sh -c 'trap "" TERM; echo $$ > "$1"; exec sleep 30' helper "$0" & wait`
	r := &ExecRunner{
		Command:   []string{"/bin/sh", "-c", script, pidFile},
		KillGrace: 200 * time.Millisecond,
		Stdout:    io.Discard,
		Stderr:    io.Discard,
		Logger:    zaptest.NewLogger(t),
	}
	job := Job{Condition: "rain", Seed: 1, OutputDir: t.TempDir(), Budget: 1}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() {
		_, err := r.Run(ctx, job)
		done <- err
	}()

	var pid int
	require.Eventually(t, func() bool {
		data, err := os.ReadFile(pidFile)
		if err != nil {
			return false
		}
		pid, err = strconv.Atoi(strings.TrimSpace(string(data)))
		return err == nil
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.Eventually(t, func() bool { return !processAlive(pid) }, 5*time.Second, 20*time.Millisecond)
}

// processAlive treats zombies as gone since nothing in the test reaps them.
func processAlive(pid int) bool {
	if err := syscall.Kill(pid, 0); err != nil {
		return false
	}
	stat, err := os.ReadFile(filepath.Join("/proc", strconv.Itoa(pid), "stat"))
	if err != nil {
		return true
	}
	fields := strings.Fields(string(stat[strings.LastIndexByte(string(stat), ')')+1:]))
	return len(fields) == 0 || fields[0] != "Z"
}

func TestRunJobCrashReplayIsIdempotent(t *testing.T) {
	channel, logger, seq := observedChannel(t)
	require.NoError(t, channel.Write(status.SimReady))

	jobs := testJobs(t, []string{"rain"}, 10, 20)
	runner := &fakeRunner{fn: func(n int, job Job) (int, error) {
		// Every attempt writes the same file before dying.
		path := filepath.Join(job.OutputDir, "clear_noon", "rgb", "0.png")
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(strconv.Itoa(n)), 0o644))
		return 1, nil
	}}
	led := newMemLedger()
	s, err := New(channel, runner, jobs, Config{PollInterval: 5 * time.Millisecond}, logger, WithLedger(led))
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		err := s.RunJob(context.Background(), jobs[0])
		var crash *WorkerCrashError
		require.ErrorAs(t, err, &crash)
		assert.Equal(t, 1, crash.ExitCode)
		done, _ := s.Progress()
		assert.Zero(t, done, "cursor does not advance on a crash")
	}

	assert.Equal(t, []string{
		"SIM_READY",
		"COLLECTION_RUNNING", "SIM_READY",
		"COLLECTION_RUNNING", "SIM_READY",
		"COLLECTION_RUNNING", "SIM_READY",
	}, seq())

	entries, err := os.ReadDir(filepath.Join(jobs[0].OutputDir, "clear_noon", "rgb"))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
	assert.Len(t, led.attempts, 3)
	assert.Empty(t, led.completed)
}

func TestRunJobBreakerPausesAfterRepeatedCrashes(t *testing.T) {
	channel, logger, _ := observedChannel(t)
	require.NoError(t, channel.Write(status.SimReady))

	jobs := testJobs(t, []string{"rain"}, 10, 10)
	runner := &fakeRunner{fn: func(int, Job) (int, error) { return 2, nil }}
	s, err := New(channel, runner, jobs, Config{
		PollInterval:   5 * time.Millisecond,
		CrashThreshold: 2,
		CrashCooldown:  80 * time.Millisecond,
	}, logger)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		require.Error(t, s.RunJob(context.Background(), jobs[0]))
	}
	start := time.Now()
	require.Error(t, s.RunJob(context.Background(), jobs[0]))
	assert.GreaterOrEqual(t, time.Since(start), 60*time.Millisecond, "third attempt waits out the cooldown")
	assert.Len(t, runner.Calls(), 3)
}

func TestRunJobCancelledWhileWaiting(t *testing.T) {
	channel, logger, _ := observedChannel(t)
	require.NoError(t, channel.Write(status.Down))

	s, err := New(channel, &fakeRunner{}, testJobs(t, []string{"rain"}, 10, 10), Config{PollInterval: 5 * time.Millisecond}, logger)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	job, _ := s.Current()
	err = s.RunJob(ctx, job)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	v, err := channel.Read()
	require.NoError(t, err)
	assert.Equal(t, status.Down, v)
}

// fakeSupervisor publishes SIM_READY after every COLLECTION_COMPLETE, the
// way the real supervisor does after restarting the simulator.
func fakeSupervisor(ctx context.Context, t *testing.T, path string) <-chan error {
	t.Helper()
	ch := status.NewChannel(path, zaptest.NewLogger(t))
	errc := make(chan error, 1)
	go func() {
		for {
			v, err := ch.WaitFor(ctx, 2*time.Millisecond, status.CollectionComplete, status.AllDone)
			if err != nil {
				errc <- err
				return
			}
			if v == status.AllDone {
				errc <- nil
				return
			}
			if _, err := ch.CompareAndSwap(status.CollectionComplete, status.SimReady); err != nil {
				errc <- err
				return
			}
		}
	}()
	return errc
}

func TestRunEndToEnd(t *testing.T) {
	channel, logger, seq := observedChannel(t)
	require.NoError(t, channel.Write(status.Down))
	require.NoError(t, channel.Write(status.SimReady))

	jobs := testJobs(t, []string{"clear", "rain"}, 100, 250)
	require.Len(t, jobs, 6)

	led := newMemLedger()
	runner := &fakeRunner{}
	s, err := New(channel, runner, jobs, Config{PollInterval: 2 * time.Millisecond}, logger, WithLedger(led))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	supDone := fakeSupervisor(ctx, t, channel.Path())

	require.NoError(t, s.Run(ctx))
	require.NoError(t, <-supDone)

	assert.Equal(t, []string{
		"DOWN", "SIM_READY",
		"COLLECTION_RUNNING", "COLLECTION_COMPLETE",
		"COLLECTION_RUNNING", "COLLECTION_COMPLETE",
		"COLLECTION_RUNNING", "COLLECTION_COMPLETE",
		"COLLECTION_RUNNING", "COLLECTION_COMPLETE",
		"COLLECTION_RUNNING", "COLLECTION_COMPLETE",
		"COLLECTION_RUNNING", "ALL_DONE",
	}, seq(), "scheduler-side transitions; the supervisor's SIM_READY writes go through its own logger")

	calls := runner.Calls()
	require.Len(t, calls, 6)
	for i, j := range jobs {
		assert.Equal(t, j.ID(), calls[i].ID())
	}
	done, total := s.Progress()
	assert.Equal(t, 6, done)
	assert.Equal(t, 6, total)
	assert.Len(t, led.completed, 6)

	v, err := channel.Read()
	require.NoError(t, err)
	assert.Equal(t, status.AllDone, v)
}

func TestRunRetriesCrashedJobThenContinues(t *testing.T) {
	channel, logger, _ := observedChannel(t)
	require.NoError(t, channel.Write(status.SimReady))

	jobs := testJobs(t, []string{"rain"}, 10, 20)
	runner := &fakeRunner{fn: func(n int, job Job) (int, error) {
		if n == 0 {
			return 139, nil
		}
		return 0, nil
	}}
	s, err := New(channel, runner, jobs, Config{PollInterval: 2 * time.Millisecond}, logger)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	supDone := fakeSupervisor(ctx, t, channel.Path())

	require.NoError(t, s.Run(ctx))
	require.NoError(t, <-supDone)

	calls := runner.Calls()
	require.Len(t, calls, 3)
	assert.Equal(t, jobs[0].ID(), calls[0].ID())
	assert.Equal(t, jobs[0].ID(), calls[1].ID(), "crashed job is retried before moving on")
	assert.Equal(t, jobs[1].ID(), calls[2].ID())
}

func TestRunResumesFromLedger(t *testing.T) {
	channel, logger, seq := observedChannel(t)
	// A previous scheduler died holding the simulator.
	require.NoError(t, channel.Write(status.CollectionRunning))

	jobs := testJobs(t, []string{"rain", "fog"}, 10, 10)
	led := newMemLedger()
	led.completed[jobs[0].ID()] = jobs[0].Budget

	runner := &fakeRunner{}
	s, err := New(channel, runner, jobs, Config{PollInterval: 2 * time.Millisecond}, logger, WithLedger(led))
	require.NoError(t, err)

	require.NoError(t, s.Run(context.Background()))
	calls := runner.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, jobs[1].ID(), calls[0].ID())
	assert.Equal(t, []string{"COLLECTION_RUNNING", "SIM_READY", "COLLECTION_RUNNING", "ALL_DONE"}, seq())
}

func TestRunAllAlreadyComplete(t *testing.T) {
	channel, logger, _ := observedChannel(t)
	require.NoError(t, channel.Write(status.SimReady))

	jobs := testJobs(t, []string{"rain"}, 10, 10)
	led := newMemLedger()
	led.completed[jobs[0].ID()] = jobs[0].Budget

	runner := &fakeRunner{}
	s, err := New(channel, runner, jobs, Config{}, logger, WithLedger(led))
	require.NoError(t, err)
	require.NoError(t, s.Run(context.Background()))
	assert.Empty(t, runner.Calls())

	v, err := channel.Read()
	require.NoError(t, err)
	assert.Equal(t, status.AllDone, v)
}

func TestRunRerunsJobWhoseBudgetGrew(t *testing.T) {
	channel, logger, _ := observedChannel(t)
	require.NoError(t, channel.Write(status.SimReady))

	jobs := testJobs(t, []string{"rain", "fog"}, 10, 10)
	led := newMemLedger()
	// Completed under an earlier, smaller total_samples.
	led.completed[jobs[0].ID()] = jobs[0].Budget - 4

	runner := &fakeRunner{}
	s, err := New(channel, runner, jobs, Config{PollInterval: 2 * time.Millisecond}, logger, WithLedger(led))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	supDone := fakeSupervisor(ctx, t, channel.Path())

	require.NoError(t, s.Run(ctx))
	require.NoError(t, <-supDone)
	calls := runner.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, jobs[0].ID(), calls[0].ID())
	assert.Equal(t, jobs[0].Budget, led.completed[jobs[0].ID()], "the ledger now holds the larger budget")
}

func TestRunRetriesUnlaunchableWorker(t *testing.T) {
	channel, logger, _ := observedChannel(t)
	require.NoError(t, channel.Write(status.SimReady))

	boom := errors.New("cannot exec")
	runner := &fakeRunner{fn: func(int, Job) (int, error) { return -1, boom }}
	s, err := New(channel, runner, testJobs(t, []string{"rain"}, 10, 10), Config{PollInterval: 2 * time.Millisecond}, logger)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err = s.Run(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded, "an unlaunchable worker is retried like a crash until cancelled")
	assert.NotEmpty(t, runner.Calls())
}

func TestNewRejectsEmptyMatrix(t *testing.T) {
	channel, logger, _ := observedChannel(t)
	_, err := New(channel, &fakeRunner{}, nil, Config{}, logger)
	assert.Error(t, err)
}
