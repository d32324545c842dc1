package collector

import (
	"errors"
	"fmt"
	"math"
)

// Options is the per-run invocation contract of the worker, as passed on
// its command line by the scheduler.
type Options struct {
	Condition     string `yaml:"condition"`
	ConditionFile string `yaml:"condition_file"`
	Seed          int64  `yaml:"seed"`
	Seeded        bool   `yaml:"seeded"`
	OutputDir     string `yaml:"output_dir"`

	// Images is the still-image budget. Ignored in burst mode.
	Images int `yaml:"images,omitempty"`

	// Burst mode saves BurstImages consecutive captures, skips BurstGap,
	// and repeats Bursts times.
	BurstImages int `yaml:"burst_images,omitempty"`
	Bursts      int `yaml:"bursts,omitempty"`
	BurstGap    int `yaml:"burst_gap,omitempty"`

	Debug         bool `yaml:"debug"`
	BoundingBoxes bool `yaml:"bounding_boxes"`
}

// Burst reports whether burst mode is on.
func (o Options) Burst() bool { return o.BurstImages > 0 }

// Budget is the number of bundles the run must save to succeed.
func (o Options) Budget() int {
	if o.Burst() {
		return o.BurstImages * o.Bursts
	}
	return o.Images
}

// Validate checks the options before any simulator work starts.
func (o Options) Validate() error {
	if o.Condition == "" {
		return errors.New("condition is required")
	}
	if o.ConditionFile == "" {
		return errors.New("condition file is required")
	}
	if o.OutputDir == "" {
		return errors.New("output directory is required")
	}
	if o.Burst() {
		if o.Bursts <= 0 {
			return fmt.Errorf("burst mode needs a positive burst count, got %d", o.Bursts)
		}
		if o.BurstGap < 0 {
			return fmt.Errorf("burst gap cannot be negative, got %d", o.BurstGap)
		}
		return nil
	}
	if o.Images <= 0 {
		return fmt.Errorf("image budget must be positive, got %d", o.Images)
	}
	return nil
}

// QuantizeToTicks converts a capture period in seconds to a whole number of
// fixed world steps, rounding down. Periods shorter than two steps are
// rejected.
func QuantizeToTicks(secondsPerCapture, fixedDelta float64) (int, error) {
	if fixedDelta <= 0 {
		return 0, fmt.Errorf("fixed delta must be positive, got %v", fixedDelta)
	}
	// The epsilon keeps 0.1/0.05 from landing on 1.9999.
	ticks := int(math.Floor(secondsPerCapture/fixedDelta + 1e-9))
	if ticks <= 1 {
		return 0, fmt.Errorf("capture period %.3fs is shorter than two ticks of %.3fs", secondsPerCapture, fixedDelta)
	}
	return ticks, nil
}

// SplitBudget divides total across n presets as evenly as possible; the
// first total%n presets get one extra.
func SplitBudget(total, n int) []int {
	if n <= 0 {
		return nil
	}
	out := make([]int, n)
	for i := range out {
		out[i] = total / n
		if i < total%n {
			out[i]++
		}
	}
	return out
}
