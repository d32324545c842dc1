package collector

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Carleton-Comps-CV4AD/cv4ad-CARLA-code/internal/barrier"
	"github.com/Carleton-Comps-CV4AD/cv4ad-CARLA-code/internal/conditions"
	"github.com/Carleton-Comps-CV4AD/cv4ad-CARLA-code/internal/config"
	"github.com/Carleton-Comps-CV4AD/cv4ad-CARLA-code/internal/sim"
	"github.com/Carleton-Comps-CV4AD/cv4ad-CARLA-code/internal/sim/simtest"
)

func testConfig() config.WorkerConfig {
	return config.WorkerConfig{
		FixedDelta:          0.05,
		SecondsPerCapture:   0.1,
		SensorTimeout:       20 * time.Millisecond,
		HealthIntervalTicks: 10,
		RespawnRetries:      3,
		Vehicles:            3,
		Walkers:             2,
		EgoBlueprint:        "vehicle.tesla.cybertruck",
		VehicleFilter:       "vehicle.*.*",
		WalkerFilter:        "walker.pedestrian.*",
		LightsAltitude:      conditions.DefaultLightsAltitude,
		ImageWidth:          64,
		ImageHeight:         32,
		Sensors:             config.DefaultSensors()[:2],
	}
}

func threePresets() conditions.Set {
	return conditions.Set{States: []conditions.Preset{
		{Name: "clear_noon", Altitude: 70},
		{Name: "dusk", Altitude: 10},
		{Name: "night", Altitude: -20},
	}}
}

func onePreset() conditions.Set {
	return conditions.Set{States: []conditions.Preset{{Name: "clear_noon", Altitude: 70}}}
}

func newTestWorker(t *testing.T, env sim.Environment, opts Options, set conditions.Set, cfg config.WorkerConfig) *Worker {
	t.Helper()
	if opts.Condition == "" {
		opts.Condition = "mixed"
	}
	if opts.ConditionFile == "" {
		opts.ConditionFile = "mixed.yaml"
	}
	if opts.OutputDir == "" {
		opts.OutputDir = t.TempDir()
	}
	opts.Seeded = true
	w, err := NewWorker(env, opts, set, cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	return w
}

func TestQuantizeToTicks(t *testing.T) {
	ticks, err := QuantizeToTicks(0.1, 0.05)
	require.NoError(t, err)
	assert.Equal(t, 2, ticks)

	ticks, err = QuantizeToTicks(0.5, 0.05)
	require.NoError(t, err)
	assert.Equal(t, 10, ticks)

	ticks, err = QuantizeToTicks(0.166666667, 0.05)
	require.NoError(t, err)
	assert.Equal(t, 3, ticks, "rounds down to whole ticks")

	_, err = QuantizeToTicks(0.05, 0.05)
	assert.Error(t, err)
	_, err = QuantizeToTicks(0.09, 0.05)
	assert.Error(t, err)
	_, err = QuantizeToTicks(1, 0)
	assert.Error(t, err)
}

func TestSplitBudget(t *testing.T) {
	assert.Equal(t, []int{4, 3, 3}, SplitBudget(10, 3))
	assert.Equal(t, []int{1, 1, 0}, SplitBudget(2, 3))
	assert.Nil(t, SplitBudget(5, 0))
}

func TestOptionsValidate(t *testing.T) {
	base := Options{Condition: "rain", ConditionFile: "rain.yaml", OutputDir: "out", Images: 10}
	require.NoError(t, base.Validate())
	assert.Equal(t, 10, base.Budget())

	burst := base
	burst.Images = 0
	burst.BurstImages, burst.Bursts, burst.BurstGap = 18, 5, 30
	require.NoError(t, burst.Validate())
	assert.True(t, burst.Burst())
	assert.Equal(t, 90, burst.Budget())

	bad := base
	bad.Images = 0
	assert.Error(t, bad.Validate())

	bad = burst
	bad.Bursts = 0
	assert.Error(t, bad.Validate())

	bad = base
	bad.OutputDir = ""
	assert.Error(t, bad.Validate())
}

func TestRunSavesBudgetAcrossPresets(t *testing.T) {
	env := simtest.NewFake()
	out := t.TempDir()
	w := newTestWorker(t, env, Options{Images: 6, OutputDir: out, Seed: 42}, threePresets(), testConfig())
	assert.Equal(t, []int{2, 2, 2}, w.Quotas())

	res, err := w.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 6, res.Saved)
	assert.Equal(t, 12, res.Ticks, "one capture every two ticks")
	assert.Zero(t, res.Partial)

	expect := map[string][]int{"clear_noon": {0, 1}, "dusk": {2, 3}, "night": {4, 5}}
	for preset, counters := range expect {
		for _, n := range counters {
			assert.FileExists(t, filepath.Join(out, preset, "rgb", fmt.Sprintf("%d.png", n)))
			assert.FileExists(t, filepath.Join(out, preset, "rgb_seg", fmt.Sprintf("%d.png", n)))
		}
	}
	data, err := os.ReadFile(filepath.Join(out, "dusk", "rgb", "2.png"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "@6", "capture 2 is frame 6")

	assert.Equal(t, []bool{false, true, true}, env.Lights())
	assert.Equal(t, int64(42), env.TrafficSeed())

	settings, err := env.Settings(context.Background())
	require.NoError(t, err)
	assert.False(t, settings.Synchronous, "world settings restored")
	assert.Zero(t, env.Count(sim.RoleSensor))
	assert.Zero(t, env.Count(sim.RoleEgo))
	assert.Zero(t, env.Count(sim.RoleWalker))
	assert.Zero(t, env.Count(sim.RoleVehicle))

	manifest, err := ReadManifest(out)
	require.NoError(t, err)
	assert.Equal(t, "complete", manifest.Status)
	assert.Equal(t, w.RunID(), manifest.RunID)
	require.NotNil(t, manifest.Result)
	assert.Equal(t, 6, manifest.Result.Saved)
	assert.Len(t, manifest.Presets, 3)
	assert.FileExists(t, filepath.Join(out, MetricsFile))
}

// dropSegSensor makes the segmentation camera, the last sensor spawned,
// stay silent on every frame for which drop returns true.
func dropSegSensor(env *simtest.Fake, drop func(frame uint64) bool) {
	var seg sim.ActorID
	env.SensorFilter = func(sensor sim.ActorID, frame uint64) bool {
		if seg == 0 {
			for _, id := range env.Actors(sim.RoleSensor) {
				if id > seg {
					seg = id
				}
			}
		}
		return sensor != seg || !drop(frame)
	}
}

func TestRunDropsPartialBundles(t *testing.T) {
	env := simtest.NewFake()
	out := t.TempDir()
	w := newTestWorker(t, env, Options{Images: 2, OutputDir: out}, onePreset(), testConfig())
	dropSegSensor(env, func(frame uint64) bool { return frame == 4 })

	res, err := w.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Saved)
	assert.Equal(t, 1, res.Partial)

	assert.FileExists(t, filepath.Join(out, "clear_noon", "rgb", "0.png"))
	assert.NoFileExists(t, filepath.Join(out, "clear_noon", "rgb", "1.png"), "partial bundles are never written")
	assert.FileExists(t, filepath.Join(out, "clear_noon", "rgb", "2.png"))
}

func TestRunBurstMode(t *testing.T) {
	env := simtest.NewFake()
	out := t.TempDir()
	w := newTestWorker(t, env, Options{BurstImages: 2, Bursts: 2, BurstGap: 1, OutputDir: out}, onePreset(), testConfig())

	res, err := w.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, res.Saved)
	assert.Equal(t, 1, res.Skipped)

	for _, n := range []int{0, 1, 3, 4} {
		assert.FileExists(t, filepath.Join(out, "clear_noon", "rgb", fmt.Sprintf("%d.png", n)))
	}
	assert.NoFileExists(t, filepath.Join(out, "clear_noon", "rgb", "2.png"))
}

func TestRunBurstRestartsAfterPartialBundle(t *testing.T) {
	env := simtest.NewFake()
	out := t.TempDir()
	w := newTestWorker(t, env, Options{BurstImages: 3, Bursts: 2, BurstGap: 2, OutputDir: out}, onePreset(), testConfig())
	// Captures land on even frames: counter 1 is frame 4, the second image
	// of the first burst.
	dropSegSensor(env, func(frame uint64) bool { return frame == 4 })

	res, err := w.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 6, res.Saved)
	assert.Equal(t, 1, res.Partial)
	assert.Equal(t, 1, res.BurstsRestarted)
	assert.Equal(t, 2, res.Skipped)

	entries, err := os.ReadDir(filepath.Join(out, "clear_noon", "rgb"))
	require.NoError(t, err)
	var saved []string
	for _, e := range entries {
		saved = append(saved, e.Name())
	}
	assert.ElementsMatch(t, []string{"2.png", "3.png", "4.png", "7.png", "8.png", "9.png"}, saved,
		"the interrupted burst is discarded and both bursts are whole")
	assert.NoFileExists(t, filepath.Join(out, "clear_noon", "rgb_seg", "0.png"))
}

func TestRunFailsOnSilentSensor(t *testing.T) {
	env := simtest.NewFake()
	dropSegSensor(env, func(uint64) bool { return true })
	cfg := testConfig()
	cfg.MaxTicks = 0
	cfg.MaxConsecutivePartial = 4
	out := t.TempDir()
	w := newTestWorker(t, env, Options{Images: 5, OutputDir: out}, onePreset(), cfg)

	res, err := w.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, barrier.ErrSensorTimeout)
	assert.Equal(t, 4, res.Partial)
	assert.Zero(t, res.Saved)

	manifest, err := ReadManifest(out)
	require.NoError(t, err)
	assert.Equal(t, "failed", manifest.Status)
}

func TestRunScansAgentsByRunTicks(t *testing.T) {
	env := simtest.NewFake()
	env.SetFrame(5000)
	killed := false
	env.SensorFilter = func(sim.ActorID, uint64) bool {
		if !killed {
			killed = true
			env.Kill(env.Actors(sim.RoleVehicle)[0])
		}
		return true
	}
	w := newTestWorker(t, env, Options{Images: 2}, onePreset(), testConfig())

	res, err := w.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, res.Ticks)
	assert.Zero(t, res.AgentsReplaced, "no scan before the first interval of the run has passed")
}

func TestRunBudgetNotMet(t *testing.T) {
	env := simtest.NewFake()
	env.SensorFilter = func(sim.ActorID, uint64) bool { return false }
	cfg := testConfig()
	cfg.MaxTicks = 6
	out := t.TempDir()
	w := newTestWorker(t, env, Options{Images: 2, OutputDir: out}, onePreset(), cfg)

	res, err := w.Run(context.Background())
	assert.ErrorIs(t, err, ErrBudgetNotMet)
	assert.Equal(t, 3, res.Partial)

	manifest, err := ReadManifest(out)
	require.NoError(t, err)
	assert.Equal(t, "failed", manifest.Status)
}

func TestRunConnectionLost(t *testing.T) {
	env := simtest.NewFake()
	env.TickErr = fmt.Errorf("bridge went away: %w", sim.ErrConnection)
	env.TickErrAt = 3
	w := newTestWorker(t, env, Options{Images: 5}, onePreset(), testConfig())

	_, err := w.Run(context.Background())
	assert.ErrorIs(t, err, sim.ErrConnection)
	assert.Zero(t, env.Count(sim.RoleSensor), "cleanup still runs")
}

func TestRunCancelled(t *testing.T) {
	env := simtest.NewFake()
	out := t.TempDir()
	w := newTestWorker(t, env, Options{Images: 5, OutputDir: out}, onePreset(), testConfig())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := w.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)

	manifest, err := ReadManifest(out)
	require.NoError(t, err)
	assert.Equal(t, "interrupted", manifest.Status)
}

func TestRunWritesBoundingBoxes(t *testing.T) {
	env := simtest.NewFake()
	out := t.TempDir()
	w := newTestWorker(t, env, Options{Images: 1, OutputDir: out, BoundingBoxes: true}, onePreset(), testConfig())

	_, err := w.Run(context.Background())
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(out, "clear_noon", "bbox", "0.json"))
	require.NoError(t, err)
	var ann BoxAnnotation
	require.NoError(t, json.Unmarshal(data, &ann))
	assert.Equal(t, uint64(2), ann.Frame)
	assert.Len(t, ann.Boxes, 5, "three vehicles and two walkers")
}

func TestRetryOverwritesOutput(t *testing.T) {
	out := t.TempDir()
	for i := 0; i < 2; i++ {
		env := simtest.NewFake()
		w := newTestWorker(t, env, Options{Images: 2, OutputDir: out, Seed: 9}, onePreset(), testConfig())
		_, err := w.Run(context.Background())
		require.NoError(t, err)
	}
	entries, err := os.ReadDir(filepath.Join(out, "clear_noon", "rgb"))
	require.NoError(t, err)
	assert.Len(t, entries, 2, "a second run of the same job rewrites the same files")
}
