package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full settings tree shared by the three subcommands. Each
// process reads only its own sections.
type Config struct {
	Simulator     SimulatorConfig     `mapstructure:"simulator"`
	Channel       ChannelConfig       `mapstructure:"channel"`
	Scheduler     SchedulerConfig     `mapstructure:"scheduler"`
	Worker        WorkerConfig        `mapstructure:"worker"`
	Observability ObservabilityConfig `mapstructure:"observability"`
}

// SimulatorConfig controls how the supervisor launches and stops the
// simulator.
type SimulatorConfig struct {
	Command      string        `mapstructure:"command"`
	Args         []string      `mapstructure:"args"`
	Dir          string        `mapstructure:"dir"`
	MatchPattern string        `mapstructure:"match_pattern"`
	StartupGrace time.Duration `mapstructure:"startup_grace"`
	StopGrace    time.Duration `mapstructure:"stop_grace"`
	RestartPause time.Duration `mapstructure:"restart_pause"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

// ChannelConfig locates the status file.
type ChannelConfig struct {
	Path         string        `mapstructure:"path"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

// SchedulerConfig describes the job matrix and how workers are launched.
type SchedulerConfig struct {
	Conditions     []string      `mapstructure:"conditions"`
	ConditionsDir  string        `mapstructure:"conditions_dir"`
	PerJobCap      int           `mapstructure:"per_job_cap"`
	TotalSamples   int           `mapstructure:"total_samples"`
	MasterSeed     int64         `mapstructure:"master_seed"`
	OutputRoot     string        `mapstructure:"output_root"`
	LedgerPath     string        `mapstructure:"ledger_path"`
	WorkerCommand  []string      `mapstructure:"worker_command"`
	CrashThreshold int           `mapstructure:"crash_threshold"`
	CrashCooldown  time.Duration `mapstructure:"crash_cooldown"`
	Burst          BurstConfig   `mapstructure:"burst"`
	BoundingBoxes  bool          `mapstructure:"bounding_boxes"`
	WorkerDebug    bool          `mapstructure:"worker_debug"`
}

// BurstConfig enables burst mode when ImagesPerBurst > 0. Total samples
// then count saved images, and bursts are derived from the per-job cap.
type BurstConfig struct {
	ImagesPerBurst int `mapstructure:"images_per_burst"`
	Gap            int `mapstructure:"gap"`
}

// WorkerConfig holds collection-run tuning that is not part of the worker
// invocation contract.
type WorkerConfig struct {
	BridgeURL           string        `mapstructure:"bridge_url"`
	ConnectTimeout      time.Duration `mapstructure:"connect_timeout"`
	Town                string        `mapstructure:"town"`
	FixedDelta          float64       `mapstructure:"fixed_delta"`
	SecondsPerCapture   float64       `mapstructure:"seconds_per_capture"`
	SensorTimeout       time.Duration `mapstructure:"sensor_timeout"`
	HealthIntervalTicks int           `mapstructure:"health_interval_ticks"`
	RespawnRetries      int           `mapstructure:"respawn_retries"`
	Vehicles            int           `mapstructure:"vehicles"`
	Walkers             int           `mapstructure:"walkers"`
	EgoBlueprint        string        `mapstructure:"ego_blueprint"`
	VehicleFilter       string        `mapstructure:"vehicle_filter"`
	WalkerFilter        string        `mapstructure:"walker_filter"`
	LightsAltitude      float64       `mapstructure:"lights_altitude"`
	ImageWidth          int           `mapstructure:"image_width"`
	ImageHeight         int           `mapstructure:"image_height"`
	ShutterSpeed        int           `mapstructure:"shutter_speed"`
	MaxTicks            int           `mapstructure:"max_ticks"`
	// MaxConsecutivePartial ends the run after this many partial bundles in
	// a row, so a dead sensor fails the job instead of stalling it. Zero
	// disables the limit.
	MaxConsecutivePartial int            `mapstructure:"max_consecutive_partial"`
	Sensors               []SensorConfig `mapstructure:"sensors"`
}

// SensorConfig describes one sensor attached to the ego vehicle.
type SensorConfig struct {
	Kind      string  `mapstructure:"kind"`
	Blueprint string  `mapstructure:"blueprint"`
	Ext       string  `mapstructure:"ext"`
	X         float64 `mapstructure:"x"`
	Z         float64 `mapstructure:"z"`
}

// ObservabilityConfig controls logging, the admin port and the event stream.
type ObservabilityConfig struct {
	Logging   LoggingConfig `mapstructure:"logging"`
	AdminPort int           `mapstructure:"admin_port"`
	Redis     struct {
		Addr   string `mapstructure:"addr"`
		Stream string `mapstructure:"stream"`
		MaxLen int64  `mapstructure:"max_len"`
	} `mapstructure:"redis"`
}

// LoggingConfig selects zap's level and encoder.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// DefaultSensors mirrors the rig used for the original datasets: RGB,
// semantic segmentation, lidar and semantic lidar, all at the same mount.
func DefaultSensors() []SensorConfig {
	return []SensorConfig{
		{Kind: "rgb", Blueprint: "sensor.camera.rgb", Ext: "png", X: 1.5, Z: 2.4},
		{Kind: "rgb_seg", Blueprint: "sensor.camera.semantic_segmentation", Ext: "png", X: 1.5, Z: 2.4},
		{Kind: "lidar", Blueprint: "sensor.lidar.ray_cast", Ext: "ply", X: 1.5, Z: 2.4},
		{Kind: "lidar_seg", Blueprint: "sensor.lidar.ray_cast_semantic", Ext: "ply", X: 1.5, Z: 2.4},
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("simulator.command", "./CarlaUE4.sh")
	v.SetDefault("simulator.args", []string{"-prefernvidia", "-RenderOffScreen"})
	v.SetDefault("simulator.dir", "/Carla/CARLA_0.9.15")
	v.SetDefault("simulator.match_pattern", "CarlaUE4")
	v.SetDefault("simulator.startup_grace", 60*time.Second)
	v.SetDefault("simulator.stop_grace", 15*time.Second)
	v.SetDefault("simulator.restart_pause", 15*time.Second)
	v.SetDefault("simulator.poll_interval", time.Second)

	v.SetDefault("channel.path", "connector.txt")
	v.SetDefault("channel.poll_interval", time.Second)

	v.SetDefault("scheduler.conditions_dir", "configs_yamls")
	v.SetDefault("scheduler.per_job_cap", 400)
	v.SetDefault("scheduler.total_samples", 1200)
	v.SetDefault("scheduler.master_seed", 234905)
	v.SetDefault("scheduler.output_root", "Data")
	v.SetDefault("scheduler.ledger_path", "state/ledger.db")
	v.SetDefault("scheduler.crash_threshold", 5)
	v.SetDefault("scheduler.crash_cooldown", 60*time.Second)
	v.SetDefault("scheduler.burst.images_per_burst", 0)
	v.SetDefault("scheduler.burst.gap", 0)
	v.SetDefault("scheduler.bounding_boxes", false)
	v.SetDefault("scheduler.worker_debug", false)

	v.SetDefault("worker.bridge_url", "ws://localhost:2000/bridge")
	v.SetDefault("worker.connect_timeout", 10*time.Second)
	v.SetDefault("worker.town", "Town10HD")
	v.SetDefault("worker.fixed_delta", 0.05)
	v.SetDefault("worker.seconds_per_capture", 0.5)
	v.SetDefault("worker.sensor_timeout", 2*time.Second)
	v.SetDefault("worker.health_interval_ticks", 100)
	v.SetDefault("worker.respawn_retries", 10)
	v.SetDefault("worker.vehicles", 40)
	v.SetDefault("worker.walkers", 60)
	v.SetDefault("worker.ego_blueprint", "vehicle.tesla.cybertruck")
	v.SetDefault("worker.vehicle_filter", "vehicle.*.*")
	v.SetDefault("worker.walker_filter", "walker.pedestrian.*")
	v.SetDefault("worker.lights_altitude", 15.0)
	v.SetDefault("worker.image_width", 1920)
	v.SetDefault("worker.image_height", 1080)
	v.SetDefault("worker.shutter_speed", 250)
	v.SetDefault("worker.max_ticks", 0)
	v.SetDefault("worker.max_consecutive_partial", 50)

	v.SetDefault("observability.logging.level", "info")
	v.SetDefault("observability.logging.format", "json")
	v.SetDefault("observability.admin_port", 0)
	v.SetDefault("observability.redis.addr", "")
	v.SetDefault("observability.redis.stream", "cv4ad:events")
	v.SetDefault("observability.redis.max_len", 10000)
}

// Load reads the config file at path (or CV4AD_CONFIG when path is empty)
// and applies CV4AD_* environment overrides, e.g.
// CV4AD_SCHEDULER_PER_JOB_CAP=100. A missing file is not an error: every
// key has a default.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("CV4AD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path == "" {
		path = os.Getenv("CV4AD_CONFIG")
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if len(cfg.Worker.Sensors) == 0 {
		cfg.Worker.Sensors = DefaultSensors()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings no process could run with.
func (c *Config) Validate() error {
	if c.Scheduler.PerJobCap <= 0 {
		return fmt.Errorf("scheduler.per_job_cap must be positive, got %d", c.Scheduler.PerJobCap)
	}
	if c.Scheduler.TotalSamples <= 0 {
		return fmt.Errorf("scheduler.total_samples must be positive, got %d", c.Scheduler.TotalSamples)
	}
	if c.Worker.FixedDelta <= 0 {
		return fmt.Errorf("worker.fixed_delta must be positive, got %v", c.Worker.FixedDelta)
	}
	if c.Worker.SensorTimeout <= 0 {
		return fmt.Errorf("worker.sensor_timeout must be positive, got %v", c.Worker.SensorTimeout)
	}
	if c.Worker.MaxConsecutivePartial < 0 {
		return fmt.Errorf("worker.max_consecutive_partial must not be negative, got %d", c.Worker.MaxConsecutivePartial)
	}
	if c.Channel.Path == "" {
		return fmt.Errorf("channel.path must be set")
	}
	if n := c.Scheduler.Burst.ImagesPerBurst; n > 0 {
		// Job budgets are split from these, and a job saves whole bursts.
		if c.Scheduler.PerJobCap%n != 0 || c.Scheduler.TotalSamples%n != 0 {
			return fmt.Errorf("scheduler.per_job_cap and scheduler.total_samples must be multiples of burst.images_per_burst (%d)", n)
		}
	}
	seen := make(map[string]bool)
	for _, s := range c.Worker.Sensors {
		if s.Kind == "" || s.Blueprint == "" {
			return fmt.Errorf("sensor entries need kind and blueprint")
		}
		if seen[s.Kind] {
			return fmt.Errorf("duplicate sensor kind %q", s.Kind)
		}
		seen[s.Kind] = true
	}
	return nil
}
