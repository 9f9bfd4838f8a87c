package bench

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Baseline is the pointer file marking one run as a benchmark's reference.
type Baseline struct {
	RunID         string    `json:"run_id"`
	SetAt         time.Time `json:"set_at"`
	AverageScore  float64   `json:"average_score"`
	PassedCount   int       `json:"passed_count"`
	TotalProblems int       `json:"total_problems"`
}

// saveRun writes the run as <run_id>.json under the runner directory.
func (r *Runner) saveRun(run *Run) error {
	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		return fmt.Errorf("create bench dir: %w", err)
	}
	data, err := json.MarshalIndent(run, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal run: %w", err)
	}
	return os.WriteFile(filepath.Join(r.dir, run.RunID+".json"), data, 0o644)
}

// LoadRun reads a persisted run by id.
func (r *Runner) LoadRun(runID string) (*Run, error) {
	data, err := os.ReadFile(filepath.Join(r.dir, runID+".json"))
	if err != nil {
		return nil, fmt.Errorf("read run %s: %w", runID, err)
	}
	var run Run
	if err := json.Unmarshal(data, &run); err != nil {
		return nil, fmt.Errorf("parse run %s: %w", runID, err)
	}
	return &run, nil
}

// SetBaseline marks the run as the reference for its benchmark, writing
// <benchmark>_baseline.json.
func (r *Runner) SetBaseline(run *Run) error {
	baseline := Baseline{
		RunID:         run.RunID,
		SetAt:         time.Now(),
		AverageScore:  run.AverageScore,
		PassedCount:   run.PassedCount,
		TotalProblems: run.TotalProblems,
	}
	data, err := json.MarshalIndent(baseline, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal baseline: %w", err)
	}
	return os.WriteFile(r.baselinePath(run.Benchmark), data, 0o644)
}

// GetBaseline reads a benchmark's baseline pointer. A missing baseline is
// returned as (nil, nil).
func (r *Runner) GetBaseline(benchmark string) (*Baseline, error) {
	data, err := os.ReadFile(r.baselinePath(benchmark))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read baseline: %w", err)
	}
	var baseline Baseline
	if err := json.Unmarshal(data, &baseline); err != nil {
		return nil, fmt.Errorf("parse baseline: %w", err)
	}
	return &baseline, nil
}

func (r *Runner) baselinePath(benchmark string) string {
	return filepath.Join(r.dir, sanitize(benchmark)+"_baseline.json")
}
