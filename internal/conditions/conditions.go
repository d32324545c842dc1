// Package conditions loads weather/lighting presets and steps through them
// during a collection run.
package conditions

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/Carleton-Comps-CV4AD/cv4ad-CARLA-code/internal/metrics"
	"github.com/Carleton-Comps-CV4AD/cv4ad-CARLA-code/internal/sim"
)

// ErrExhausted is returned by Advance once every preset has been applied.
var ErrExhausted = errors.New("condition presets exhausted")

// DefaultLightsAltitude is the sun altitude (degrees) below which vehicle
// lights are switched on.
const DefaultLightsAltitude = 15.0

// Preset is one entry of a condition file.
type Preset struct {
	Name                  string   `yaml:"name"`
	Cloudiness            float64  `yaml:"cloudiness"`
	Precipitation         float64  `yaml:"precipitation"`
	PrecipitationDeposits float64  `yaml:"precipitation_deposits"`
	WindIntensity         float64  `yaml:"wind_intensity"`
	FogDensity            float64  `yaml:"fog_density"`
	Wetness               float64  `yaml:"wetness"`
	Altitude              float64  `yaml:"altitude"`
	Azimuth               *float64 `yaml:"azimuth,omitempty"`
}

// Weather converts the preset to simulator weather. The azimuth is kept
// from prev unless the preset sets one.
func (p Preset) Weather(prevAzimuth float64) sim.Weather {
	az := prevAzimuth
	if p.Azimuth != nil {
		az = *p.Azimuth
	}
	return sim.Weather{
		Cloudiness:            p.Cloudiness,
		Precipitation:         p.Precipitation,
		PrecipitationDeposits: p.PrecipitationDeposits,
		WindIntensity:         p.WindIntensity,
		FogDensity:            p.FogDensity,
		Wetness:               p.Wetness,
		SunAltitude:           p.Altitude,
		SunAzimuth:            az,
	}
}

// Set is the ordered preset list of one condition.
type Set struct {
	Name   string   `yaml:"-"`
	States []Preset `yaml:"states"`
}

// Names returns the preset names in order.
func (s Set) Names() []string {
	names := make([]string, len(s.States))
	for i, p := range s.States {
		names[i] = p.Name
	}
	return names
}

// LoadSet reads a condition file. Every preset needs a unique name since
// it becomes a directory in the output tree.
func LoadSet(path string) (Set, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Set{}, fmt.Errorf("read condition file: %w", err)
	}
	var set Set
	if err := yaml.Unmarshal(data, &set); err != nil {
		return Set{}, fmt.Errorf("parse condition file %s: %w", path, err)
	}
	if len(set.States) == 0 {
		return Set{}, fmt.Errorf("condition file %s has no states", path)
	}
	seen := make(map[string]bool, len(set.States))
	for i, p := range set.States {
		if p.Name == "" {
			return Set{}, fmt.Errorf("condition file %s: state %d has no name", path, i)
		}
		if seen[p.Name] {
			return Set{}, fmt.Errorf("condition file %s: duplicate state %q", path, p.Name)
		}
		seen[p.Name] = true
	}
	return set, nil
}

// Sequencer walks a preset list once, applying each preset to the
// environment as it goes. It never wraps.
type Sequencer struct {
	env            sim.Environment
	presets        []Preset
	lightsAltitude float64
	logger         *zap.Logger

	mu      sync.Mutex
	index   int
	azimuth float64
}

// NewSequencer returns a sequencer positioned before the first preset.
func NewSequencer(env sim.Environment, presets []Preset, lightsAltitude float64, logger *zap.Logger) *Sequencer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sequencer{
		env:            env,
		presets:        presets,
		lightsAltitude: lightsAltitude,
		logger:         logger,
		index:          -1,
	}
}

// Advance applies the next preset and returns it. Vehicle lights follow
// the preset's sun altitude. ErrExhausted is returned, with nothing
// applied, once the list has been consumed.
func (s *Sequencer) Advance(ctx context.Context) (Preset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.index+1 >= len(s.presets) {
		s.index = len(s.presets)
		return Preset{}, ErrExhausted
	}
	next := s.presets[s.index+1]

	w := next.Weather(s.azimuth)
	if err := s.env.ApplyWeather(ctx, w); err != nil {
		return Preset{}, fmt.Errorf("apply preset %s: %w", next.Name, err)
	}
	lights := next.Altitude < s.lightsAltitude
	if err := s.env.SetVehicleLights(ctx, lights); err != nil {
		return Preset{}, fmt.Errorf("set lights for preset %s: %w", next.Name, err)
	}

	s.index++
	s.azimuth = w.SunAzimuth
	metrics.ConditionAdvances.Inc()
	s.logger.Info("Applied condition preset",
		zap.String("preset", next.Name),
		zap.Int("index", s.index),
		zap.Int("total", len(s.presets)),
		zap.Float64("sun_altitude", next.Altitude),
		zap.Bool("lights", lights),
	)
	return next, nil
}

// Current returns the preset last applied, if any.
func (s *Sequencer) Current() (Preset, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.index < 0 || s.index >= len(s.presets) {
		return Preset{}, false
	}
	return s.presets[s.index], true
}

// Remaining returns how many presets have not been applied yet.
func (s *Sequencer) Remaining() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.index >= len(s.presets) {
		return 0
	}
	return len(s.presets) - s.index - 1
}
