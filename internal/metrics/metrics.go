package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Supervisor metrics
	SimulatorLaunches = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cv4ad_simulator_launches_total",
			Help: "Total number of simulator launch attempts",
		},
	)

	SimulatorLaunchFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cv4ad_simulator_launch_failures_total",
			Help: "Total number of simulator launches that failed",
		},
	)

	SimulatorRestarts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cv4ad_simulator_restarts_total",
			Help: "Total number of simulator stop/restart cycles",
		},
		[]string{"reason"},
	)

	StatusWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cv4ad_status_writes_total",
			Help: "Status channel values written, by process and value",
		},
		[]string{"process", "value"},
	)

	// Scheduler metrics
	JobsTotal = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "cv4ad_jobs_total",
			Help: "Number of jobs in the collection matrix",
		},
	)

	JobsCompleted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cv4ad_jobs_completed_total",
			Help: "Total number of jobs whose worker met its sample budget",
		},
	)

	JobAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cv4ad_job_attempts_total",
			Help: "Total number of worker launches",
		},
		[]string{"condition"},
	)

	WorkerCrashes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cv4ad_worker_crashes_total",
			Help: "Total number of workers that exited non-zero",
		},
		[]string{"condition"},
	)

	WorkerDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cv4ad_worker_duration_seconds",
			Help:    "Worker run time in seconds",
			Buckets: []float64{10, 60, 300, 900, 1800, 3600, 7200},
		},
		[]string{"result"},
	)

	// Worker metrics
	BundlesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cv4ad_bundles_total",
			Help: "Tick bundles assembled by the sensor barrier",
		},
		[]string{"result"},
	)

	SensorSamplesMissing = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cv4ad_sensor_samples_missing_total",
			Help: "Expected sensor samples that did not arrive before the barrier timeout",
		},
		[]string{"kind"},
	)

	SensorSamplesDiscarded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cv4ad_sensor_samples_discarded_total",
			Help: "Sensor samples discarded by the barrier",
		},
		[]string{"kind", "reason"},
	)

	SamplesSaved = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cv4ad_samples_saved_total",
			Help: "Complete bundles written to disk",
		},
		[]string{"preset"},
	)

	BurstsRestarted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cv4ad_bursts_restarted_total",
			Help: "Bursts discarded and collected again after a partial bundle",
		},
		[]string{"preset"},
	)

	ConditionAdvances = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cv4ad_condition_advances_total",
			Help: "Condition presets applied to the environment",
		},
	)

	AgentsDead = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cv4ad_agents_dead_total",
			Help: "Background agents observed dead",
		},
	)

	AgentsRespawned = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cv4ad_agents_respawned_total",
			Help: "Background agents successfully replaced",
		},
	)

	AgentRespawnFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cv4ad_agent_respawn_failures_total",
			Help: "Dead agents that could not be replaced within the retry bound",
		},
	)
)

// WriteTextfile dumps the default registry in the Prometheus text format.
// Workers are too short-lived to be scraped, so they leave their counters
// beside the output tree instead.
func WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, prometheus.DefaultGatherer); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	return nil
}
