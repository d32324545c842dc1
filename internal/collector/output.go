package collector

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Carleton-Comps-CV4AD/cv4ad-CARLA-code/internal/sim"
)

// ManifestFile is written at the root of every job's output directory.
const ManifestFile = "manifest.yaml"

// MetricsFile holds the worker's Prometheus counters after a run.
const MetricsFile = "metrics.prom"

// Writer lays samples out as <root>/<preset>/<kind>/<counter>.<ext>. Paths
// depend only on the run's inputs, so a retried job overwrites its earlier
// partial output instead of adding to it.
type Writer struct {
	root string
}

func NewWriter(root string) *Writer { return &Writer{root: root} }

// SamplePath returns where a sample is stored.
func (w *Writer) SamplePath(preset, kind string, counter int, ext string) string {
	return filepath.Join(w.root, preset, kind, strconv.Itoa(counter)+"."+ext)
}

// WriteSample stores one sensor payload.
func (w *Writer) WriteSample(preset, kind string, counter int, ext string, payload []byte) error {
	return writeFileAtomic(w.SamplePath(preset, kind, counter, ext), payload)
}

// BoxAnnotation is the bounding-box sidecar of one saved capture. Boxes are
// world-space; projecting them into the image is left to downstream tools
// that have the camera intrinsics.
type BoxAnnotation struct {
	Frame  uint64         `json:"frame"`
	Camera sim.Transform  `json:"camera"`
	Boxes  []sim.ActorBox `json:"boxes"`
}

// BoxesPath returns where a capture's bounding-box sidecar is stored.
func (w *Writer) BoxesPath(preset string, counter int) string {
	return filepath.Join(w.root, preset, "bbox", strconv.Itoa(counter)+".json")
}

// WriteBoxes stores the sidecar at BoxesPath.
func (w *Writer) WriteBoxes(preset string, counter int, ann BoxAnnotation) error {
	data, err := json.MarshalIndent(ann, "", "  ")
	if err != nil {
		return fmt.Errorf("encode boxes: %w", err)
	}
	return writeFileAtomic(w.BoxesPath(preset, counter), data)
}

// Remove deletes one stored file. A file that was never written is fine.
func (w *Writer) Remove(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove %s: %w", path, err)
	}
	return nil
}

// Manifest records what a run was asked to do and how far it got.
type Manifest struct {
	RunID           string        `yaml:"run_id"`
	Status          string        `yaml:"status"`
	Options         Options       `yaml:"options"`
	Budget          int           `yaml:"budget"`
	Presets         []PresetQuota `yaml:"presets"`
	Sensors         []string      `yaml:"sensors"`
	FixedDelta      float64       `yaml:"fixed_delta"`
	TicksPerCapture int           `yaml:"ticks_per_capture"`
	StartedAt       time.Time     `yaml:"started_at"`
	FinishedAt      *time.Time    `yaml:"finished_at,omitempty"`
	Result          *Result       `yaml:"result,omitempty"`
	Error           string        `yaml:"error,omitempty"`
}

// PresetQuota is the share of the budget assigned to one preset.
type PresetQuota struct {
	Name  string `yaml:"name"`
	Quota int    `yaml:"quota"`
}

// WriteManifest replaces the manifest file.
func (w *Writer) WriteManifest(m Manifest) error {
	data, err := yaml.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	return writeFileAtomic(filepath.Join(w.root, ManifestFile), data)
}

// ReadManifest loads a manifest written by WriteManifest.
func ReadManifest(dir string) (Manifest, error) {
	var m Manifest
	data, err := os.ReadFile(filepath.Join(dir, ManifestFile))
	if err != nil {
		return m, fmt.Errorf("read manifest: %w", err)
	}
	if err := yaml.Unmarshal(data, &m); err != nil {
		return m, fmt.Errorf("parse manifest: %w", err)
	}
	return m, nil
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("rename %s: %w", path, err)
	}
	return nil
}
