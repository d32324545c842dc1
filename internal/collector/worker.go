// Package collector is the collection worker: one run drives the simulator
// through every preset of one condition and saves time-aligned sensor
// bundles until its budget is met.
package collector

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/Carleton-Comps-CV4AD/cv4ad-CARLA-code/internal/agents"
	"github.com/Carleton-Comps-CV4AD/cv4ad-CARLA-code/internal/barrier"
	"github.com/Carleton-Comps-CV4AD/cv4ad-CARLA-code/internal/conditions"
	"github.com/Carleton-Comps-CV4AD/cv4ad-CARLA-code/internal/config"
	"github.com/Carleton-Comps-CV4AD/cv4ad-CARLA-code/internal/metrics"
	"github.com/Carleton-Comps-CV4AD/cv4ad-CARLA-code/internal/sim"
)

// ErrBudgetNotMet is returned when a run ends before saving its budget.
var ErrBudgetNotMet = errors.New("sample budget not met")

const cleanupTimeout = 30 * time.Second

// Result summarizes a run.
type Result struct {
	Saved   int `yaml:"saved"`
	Budget  int `yaml:"budget"`
	Partial int `yaml:"partial"`
	Skipped int `yaml:"skipped"`
	// BurstsRestarted counts bursts thrown away because one of their
	// captures was partial.
	BurstsRestarted int `yaml:"bursts_restarted"`
	Ticks           int `yaml:"ticks"`
	AgentsReplaced  int `yaml:"agents_replaced"`
}

type sensorRig struct {
	kind  string
	ext   string
	actor sim.ActorID
	rgb   bool
}

// Worker owns everything one collection run touches in the simulator.
type Worker struct {
	env    sim.Environment
	opts   Options
	cfg    config.WorkerConfig
	set    conditions.Set
	logger *zap.Logger

	runID           string
	ticksPerCapture int
	quotas          []int

	writer   *Writer
	barrier  *barrier.Barrier
	monitor  *agents.Monitor
	rng      *rand.Rand
	progress *rate.Limiter

	original sim.WorldSettings
	haveOrig bool
	ego      sim.ActorID
	sensors  []sensorRig
}

// NewWorker validates the run and precomputes the per-preset quotas.
func NewWorker(env sim.Environment, opts Options, set conditions.Set, cfg config.WorkerConfig, logger *zap.Logger) (*Worker, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if len(set.States) == 0 {
		return nil, errors.New("condition set has no presets")
	}
	if len(cfg.Sensors) == 0 {
		return nil, errors.New("no sensors configured")
	}
	ticks, err := QuantizeToTicks(cfg.SecondsPerCapture, cfg.FixedDelta)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if !opts.Seeded {
		opts.Seed = time.Now().UnixNano()
		opts.Seeded = true
	}

	var quotas []int
	if opts.Burst() {
		quotas = SplitBudget(opts.Bursts, len(set.States))
		for i := range quotas {
			quotas[i] *= opts.BurstImages
		}
	} else {
		quotas = SplitBudget(opts.Images, len(set.States))
	}

	runID := uuid.NewString()
	return &Worker{
		env:             env,
		opts:            opts,
		cfg:             cfg,
		set:             set,
		logger:          logger.With(zap.String("run_id", runID), zap.String("condition", opts.Condition), zap.Int64("seed", opts.Seed)),
		runID:           runID,
		ticksPerCapture: ticks,
		quotas:          quotas,
		writer:          NewWriter(opts.OutputDir),
		barrier:         barrier.New(barrier.DefaultQueueSize, logger),
		rng:             rand.New(rand.NewSource(opts.Seed)),
		progress:        rate.NewLimiter(rate.Every(10*time.Second), 1),
	}, nil
}

// RunID identifies this run in logs and the manifest.
func (w *Worker) RunID() string { return w.runID }

// Quotas returns the number of bundles assigned to each preset.
func (w *Worker) Quotas() []int { return append([]int(nil), w.quotas...) }

// Run collects until the budget is saved. It returns nil only when every
// bundle of the budget was written. Partial bundles are dropped and not
// counted. The world is restored before returning, even on cancellation.
func (w *Worker) Run(ctx context.Context) (res Result, err error) {
	res.Budget = w.opts.Budget()
	manifest := w.manifest()
	if err := w.writer.WriteManifest(manifest); err != nil {
		return res, err
	}
	w.logger.Info("Collection run starting",
		zap.Int("budget", res.Budget),
		zap.Ints("quotas", w.quotas),
		zap.Int("ticks_per_capture", w.ticksPerCapture),
		zap.Bool("burst", w.opts.Burst()),
	)

	defer func() {
		w.finish(manifest, &res, err, ctx.Err() != nil)
	}()

	setupErr := w.setup(ctx)
	defer w.cleanup()
	if setupErr != nil {
		return res, setupErr
	}
	err = w.loop(ctx, &res)
	return res, err
}

func (w *Worker) manifest() Manifest {
	m := Manifest{
		RunID:           w.runID,
		Status:          "running",
		Options:         w.opts,
		Budget:          w.opts.Budget(),
		FixedDelta:      w.cfg.FixedDelta,
		TicksPerCapture: w.ticksPerCapture,
		StartedAt:       time.Now().UTC(),
	}
	for i, p := range w.set.States {
		m.Presets = append(m.Presets, PresetQuota{Name: p.Name, Quota: w.quotas[i]})
	}
	for _, s := range w.cfg.Sensors {
		m.Sensors = append(m.Sensors, s.Kind)
	}
	return m
}

func (w *Worker) finish(m Manifest, res *Result, err error, interrupted bool) {
	now := time.Now().UTC()
	m.FinishedAt = &now
	m.Result = res
	switch {
	case err == nil:
		m.Status = "complete"
	case interrupted:
		m.Status = "interrupted"
		m.Error = err.Error()
	default:
		m.Status = "failed"
		m.Error = err.Error()
	}
	if werr := w.writer.WriteManifest(m); werr != nil {
		w.logger.Warn("Failed to write manifest", zap.Error(werr))
	}
	if werr := metrics.WriteTextfile(filepath.Join(w.opts.OutputDir, MetricsFile)); werr != nil {
		w.logger.Warn("Failed to write metrics", zap.Error(werr))
	}
	w.logger.Info("Collection run finished",
		zap.String("status", m.Status),
		zap.Int("saved", res.Saved),
		zap.Int("budget", res.Budget),
		zap.Int("partial", res.Partial),
		zap.Int("ticks", res.Ticks),
	)
}

func (w *Worker) setup(ctx context.Context) error {
	original, err := w.env.Settings(ctx)
	if err != nil {
		return fmt.Errorf("read world settings: %w", err)
	}
	w.original = original
	w.haveOrig = true
	if err := w.env.ApplySettings(ctx, sim.WorldSettings{Synchronous: true, FixedDelta: w.cfg.FixedDelta}); err != nil {
		return fmt.Errorf("apply synchronous settings: %w", err)
	}
	if err := w.env.ConfigureTraffic(ctx, w.opts.Seed); err != nil {
		return fmt.Errorf("configure traffic: %w", err)
	}

	ego, err := w.env.Spawn(ctx, sim.ActorSpec{Blueprint: w.cfg.EgoBlueprint, Role: sim.RoleEgo, Autopilot: true})
	if err != nil {
		return fmt.Errorf("spawn ego vehicle: %w", err)
	}
	w.ego = ego

	for _, sc := range w.cfg.Sensors {
		if err := w.attachSensor(ctx, sc); err != nil {
			return err
		}
	}

	vehicles, vFailed := agents.Populate(ctx, agents.VehicleSpawner(w.env, []string{w.cfg.VehicleFilter}, w.rng), w.cfg.Vehicles)
	walkers, wFailed := agents.Populate(ctx, agents.WalkerSpawner(w.env, []string{w.cfg.WalkerFilter}, w.rng), w.cfg.Walkers)
	w.monitor = agents.NewMonitor(w.env, map[string]agents.SpawnFunc{
		sim.RoleVehicle: agents.VehicleSpawner(w.env, []string{w.cfg.VehicleFilter}, w.rng),
		sim.RoleWalker:  agents.WalkerSpawner(w.env, []string{w.cfg.WalkerFilter}, w.rng),
	}, agents.Config{Interval: uint64(w.cfg.HealthIntervalTicks), MaxRetries: w.cfg.RespawnRetries}, w.logger)
	w.monitor.Track(vehicles...)
	w.monitor.Track(walkers...)

	w.logger.Info("Spawned background traffic",
		zap.Int("vehicles", len(vehicles)),
		zap.Int("vehicles_requested", w.cfg.Vehicles),
		zap.Int("vehicle_failures", vFailed),
		zap.Int("walkers", len(walkers)),
		zap.Int("walkers_requested", w.cfg.Walkers),
		zap.Int("walker_failures", wFailed),
	)
	return ctx.Err()
}

func (w *Worker) attachSensor(ctx context.Context, sc config.SensorConfig) error {
	attrs := map[string]string{"sensor_tick": "0"}
	if strings.HasPrefix(sc.Blueprint, "sensor.camera.") {
		attrs["image_size_x"] = fmt.Sprint(w.cfg.ImageWidth)
		attrs["image_size_y"] = fmt.Sprint(w.cfg.ImageHeight)
		if w.cfg.ShutterSpeed > 0 {
			attrs["shutter_speed"] = fmt.Sprint(w.cfg.ShutterSpeed)
		}
	}
	id, err := w.env.Spawn(ctx, sim.ActorSpec{
		Blueprint:  sc.Blueprint,
		Role:       sim.RoleSensor,
		Parent:     w.ego,
		Transform:  &sim.Transform{Location: sim.Vector3{X: sc.X, Z: sc.Z}},
		Attributes: attrs,
	})
	if err != nil {
		return fmt.Errorf("spawn sensor %s: %w", sc.Kind, err)
	}
	rig := sensorRig{kind: sc.Kind, ext: sc.Ext, actor: id, rgb: sc.Blueprint == "sensor.camera.rgb"}
	w.sensors = append(w.sensors, rig)

	if err := w.barrier.Register(sc.Kind); err != nil {
		return err
	}
	kind, ext := sc.Kind, sc.Ext
	err = w.env.Listen(ctx, id, func(d sim.SensorData) {
		w.barrier.Deliver(barrier.Sample{Kind: kind, Tick: d.Frame, Payload: d.Payload, Ext: ext})
	})
	if err != nil {
		return fmt.Errorf("listen on sensor %s: %w", sc.Kind, err)
	}
	return nil
}

func (w *Worker) loop(ctx context.Context, res *Result) error {
	seq := conditions.NewSequencer(w.env, w.set.States, w.cfg.LightsAltitude, w.logger)
	presetIdx := -1
	var preset conditions.Preset
	savedInPreset, capturesInPreset := 0, 0

	// advance moves to the next preset with a non-zero quota.
	advance := func() (bool, error) {
		for {
			p, err := seq.Advance(ctx)
			if errors.Is(err, conditions.ErrExhausted) {
				return false, nil
			}
			if err != nil {
				return false, err
			}
			presetIdx++
			preset = p
			savedInPreset, capturesInPreset = 0, 0
			if w.quotas[presetIdx] > 0 {
				return true, nil
			}
		}
	}
	ok, err := advance()
	if err != nil {
		return err
	}

	counter := 0
	period := w.opts.BurstImages + w.opts.BurstGap
	var burst []int // counters saved so far in the current burst
	partialRun := 0
	for ticks := 1; ok && res.Saved < res.Budget; ticks++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if w.cfg.MaxTicks > 0 && ticks > w.cfg.MaxTicks {
			break
		}

		frame, err := w.env.Tick(ctx)
		if err != nil {
			return fmt.Errorf("tick: %w", err)
		}
		res.Ticks++
		// The monitor's windows count run ticks, not simulator frames, which
		// do not start at zero.
		if report, ran := w.monitor.Observe(ctx, uint64(ticks)); ran {
			res.AgentsReplaced += report.Replaced
		}

		if ticks%w.ticksPerCapture != 0 {
			w.barrier.Skip(frame)
			continue
		}

		n := counter
		counter++
		phase := capturesInPreset
		capturesInPreset++
		if w.opts.Burst() && phase%period >= w.opts.BurstImages {
			w.barrier.Skip(frame)
			res.Skipped++
			continue
		}

		var boxes *BoxAnnotation
		if w.opts.BoundingBoxes {
			boxes = w.snapshotBoxes(ctx, frame)
		}

		bundle, err := w.barrier.OnTickReady(ctx, frame, w.cfg.SensorTimeout)
		if err != nil {
			return err
		}
		if !bundle.Complete() {
			res.Partial++
			partialRun++
			w.logger.Warn("Dropped partial sensor bundle",
				zap.String("preset", preset.Name),
				zap.Int("counter", n),
				zap.Int("consecutive", partialRun),
				zap.Error(bundle.Err()),
			)
			if limit := w.cfg.MaxConsecutivePartial; limit > 0 && partialRun >= limit {
				return fmt.Errorf("%d partial bundles in a row: %w", partialRun, bundle.Err())
			}
			if w.opts.Burst() {
				// Bursts are kept whole: drop what this one saved and collect
				// it again from its first capture.
				for _, c := range burst {
					if err := w.unsave(preset.Name, c); err != nil {
						return err
					}
				}
				res.Saved -= len(burst)
				savedInPreset -= len(burst)
				capturesInPreset = phase - phase%period
				res.BurstsRestarted++
				metrics.BurstsRestarted.WithLabelValues(preset.Name).Inc()
				w.logger.Info("Restarting burst",
					zap.String("preset", preset.Name),
					zap.Ints("discarded", burst),
				)
				burst = burst[:0]
			}
			continue
		}
		partialRun = 0

		if err := w.save(preset.Name, n, bundle, boxes); err != nil {
			return err
		}
		res.Saved++
		savedInPreset++
		if w.opts.Burst() {
			burst = append(burst, n)
			if len(burst) == w.opts.BurstImages {
				burst = burst[:0]
			}
		}
		metrics.SamplesSaved.WithLabelValues(preset.Name).Inc()
		w.logger.Debug("Saved bundle", zap.String("preset", preset.Name), zap.Int("counter", n), zap.Uint64("frame", frame))
		if w.progress.Allow() {
			w.logger.Info("Collection progress",
				zap.String("preset", preset.Name),
				zap.Int("saved", res.Saved),
				zap.Int("budget", res.Budget),
				zap.Int("partial", res.Partial),
				zap.Int("agents_replaced", res.AgentsReplaced),
			)
		}

		if savedInPreset >= w.quotas[presetIdx] && res.Saved < res.Budget {
			if ok, err = advance(); err != nil {
				return err
			}
		}
	}

	if res.Saved < res.Budget {
		return fmt.Errorf("%w: saved %d of %d after %d ticks", ErrBudgetNotMet, res.Saved, res.Budget, res.Ticks)
	}
	return nil
}

// snapshotBoxes records actor boxes for the current frame. The world only
// moves on Tick, so querying between Tick and the bundle keeps them aligned
// with the images.
func (w *Worker) snapshotBoxes(ctx context.Context, frame uint64) *BoxAnnotation {
	var camera sim.ActorID
	for _, s := range w.sensors {
		if s.rgb {
			camera = s.actor
			break
		}
	}
	if camera == 0 {
		return nil
	}
	boxes, err := w.env.BoundingBoxes(ctx)
	if err != nil {
		w.logger.Warn("Bounding box query failed", zap.Uint64("frame", frame), zap.Error(err))
		return nil
	}
	tf, err := w.env.Transform(ctx, camera)
	if err != nil {
		w.logger.Warn("Camera transform query failed", zap.Uint64("frame", frame), zap.Error(err))
		return nil
	}
	return &BoxAnnotation{Frame: frame, Camera: tf, Boxes: boxes}
}

func (w *Worker) save(preset string, counter int, bundle barrier.Bundle, boxes *BoxAnnotation) error {
	for _, s := range w.sensors {
		sample := bundle.Samples[s.kind]
		if err := w.writer.WriteSample(preset, s.kind, counter, s.ext, sample.Payload); err != nil {
			return err
		}
	}
	if boxes != nil {
		if err := w.writer.WriteBoxes(preset, counter, *boxes); err != nil {
			return err
		}
	}
	return nil
}

// unsave removes everything save wrote for one capture.
func (w *Worker) unsave(preset string, counter int) error {
	for _, s := range w.sensors {
		if err := w.writer.Remove(w.writer.SamplePath(preset, s.kind, counter, s.ext)); err != nil {
			return err
		}
	}
	return w.writer.Remove(w.writer.BoxesPath(preset, counter))
}

// cleanup runs on a fresh context so an interrupted run still leaves the
// simulator in asynchronous mode with no leftover actors.
func (w *Worker) cleanup() {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()

	for _, s := range w.sensors {
		if err := w.env.Destroy(ctx, s.actor); err != nil {
			w.logger.Debug("Destroy sensor failed", zap.String("kind", s.kind), zap.Error(err))
		}
	}
	w.sensors = nil
	if w.ego != 0 {
		if err := w.env.Destroy(ctx, w.ego); err != nil {
			w.logger.Debug("Destroy ego failed", zap.Error(err))
		}
		w.ego = 0
	}
	if w.monitor != nil {
		w.monitor.DestroyAll(ctx)
	}
	if w.haveOrig {
		if err := w.env.ApplySettings(ctx, w.original); err != nil {
			w.logger.Warn("Failed to restore world settings", zap.Error(err))
		}
	}
	w.logger.Info("Cleaned up simulation")
}
