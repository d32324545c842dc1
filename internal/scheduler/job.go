package scheduler

import (
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// MaxSeed is the upper bound (inclusive) of generated seeds.
const MaxSeed = 10239584

// MatrixFile is written at the output root when the scheduler starts.
const MatrixFile = "matrix.yaml"

// Job is one worker invocation: a condition collected under one seed.
type Job struct {
	Condition string `yaml:"condition"`
	Seed      int64  `yaml:"seed"`
	OutputDir string `yaml:"output_dir"`
	Budget    int    `yaml:"budget"`
}

// ID is the job's identity. Output paths and ledger rows are keyed by it.
func (j Job) ID() string {
	return j.Condition + "/" + strconv.FormatInt(j.Seed, 10)
}

// SeedCount is how many seeds a condition needs for total samples at no
// more than perJobCap per job.
func SeedCount(total, perJobCap int) int {
	if total <= 0 || perJobCap <= 0 {
		return 0
	}
	return (total + perJobCap - 1) / perJobCap
}

// GenerateSeeds derives n distinct seeds in [0, MaxSeed] from master. The
// same master always yields the same list, so a restarted scheduler
// rebuilds the same matrix.
func GenerateSeeds(n int, master int64) []int64 {
	r := rand.New(rand.NewSource(master))
	seen := make(map[int64]bool, n)
	seeds := make([]int64, 0, n)
	for len(seeds) < n {
		s := r.Int63n(MaxSeed + 1)
		if seen[s] {
			continue
		}
		seen[s] = true
		seeds = append(seeds, s)
	}
	return seeds
}

// BuildJobMatrix crosses conditions with seeds, condition-major. Every job
// gets perJobCap samples except the last seed of each condition, which gets
// whatever is left, so each condition's budgets add up to exactly
// totalWanted. len(seeds) must equal SeedCount(totalWanted, perJobCap).
func BuildJobMatrix(conditions []string, seeds []int64, perJobCap, totalWanted int, outputRoot string) ([]Job, error) {
	if len(conditions) == 0 {
		return nil, errors.New("no conditions")
	}
	if want := SeedCount(totalWanted, perJobCap); want == 0 || len(seeds) != want {
		return nil, fmt.Errorf("need %d seeds for %d samples at %d per job, got %d",
			want, totalWanted, perJobCap, len(seeds))
	}
	seen := make(map[string]bool, len(conditions))
	for _, c := range conditions {
		if c == "" {
			return nil, errors.New("condition name cannot be empty")
		}
		if seen[c] {
			return nil, fmt.Errorf("duplicate condition %q", c)
		}
		seen[c] = true
	}

	jobs := make([]Job, 0, len(conditions)*len(seeds))
	for _, c := range conditions {
		remaining := totalWanted
		for i, seed := range seeds {
			budget := perJobCap
			if i == len(seeds)-1 {
				budget = remaining
			}
			remaining -= budget
			jobs = append(jobs, Job{
				Condition: c,
				Seed:      seed,
				OutputDir: filepath.Join(outputRoot, c, fmt.Sprintf("seed-%d", seed)),
				Budget:    budget,
			})
		}
	}
	return jobs, nil
}

type matrixDoc struct {
	GeneratedAt time.Time `yaml:"generated_at"`
	MasterSeed  int64     `yaml:"master_seed"`
	PerJobCap   int       `yaml:"per_job_cap"`
	Total       int       `yaml:"total_samples_per_condition"`
	Jobs        []Job     `yaml:"jobs"`
}

// WriteMatrix records the job matrix beside the output tree.
func WriteMatrix(outputRoot string, masterSeed int64, perJobCap, total int, jobs []Job) error {
	data, err := yaml.Marshal(matrixDoc{
		GeneratedAt: time.Now().UTC(),
		MasterSeed:  masterSeed,
		PerJobCap:   perJobCap,
		Total:       total,
		Jobs:        jobs,
	})
	if err != nil {
		return fmt.Errorf("encode matrix: %w", err)
	}
	if err := os.MkdirAll(outputRoot, 0o755); err != nil {
		return fmt.Errorf("create output root: %w", err)
	}
	if err := os.WriteFile(filepath.Join(outputRoot, MatrixFile), data, 0o644); err != nil {
		return fmt.Errorf("write matrix: %w", err)
	}
	return nil
}
