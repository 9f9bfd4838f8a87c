// Package rsi is the recursive self-improvement loop: benchmark, analyze,
// hypothesize, sandbox-apply, re-benchmark, then accept or roll back.
package rsi

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/normanking/overseer/internal/bench"
	"github.com/normanking/overseer/internal/logging"
)

// Phase is the loop's state machine position.
type Phase string

const (
	PhaseIdle           Phase = "IDLE"
	PhaseBenchmarking   Phase = "BENCHMARKING"
	PhaseAnalyzing      Phase = "ANALYZING"
	PhasePlanning       Phase = "PLANNING"
	PhaseImplementing   Phase = "IMPLEMENTING"
	PhaseReBenchmarking Phase = "RE-BENCHMARKING"
	PhaseDeciding       Phase = "DECIDING"
	PhaseAccepted       Phase = "ACCEPTED"
	PhaseRejected       Phase = "REJECTED"
)

// Hypothesis is one proposed improvement with its file changes.
type Hypothesis struct {
	ID                  string            `json:"id"`
	Benchmark           string            `json:"benchmark"`
	ProblemIDs          []string          `json:"problem_ids,omitempty"`
	ExpectedImprovement float64           `json:"expected_improvement"`
	Description         string            `json:"description"`
	Rationale           string            `json:"rationale,omitempty"`
	Changes             map[string]Change `json:"changes"`
	Implemented         bool              `json:"implemented"`
	Tested              bool              `json:"tested"`
	Accepted            bool              `json:"accepted"`
	RejectionReason     string            `json:"rejection_reason,omitempty"`
}

// Iteration is the persisted record of one loop pass.
type Iteration struct {
	ID            int         `json:"id"`
	Phase         Phase       `json:"phase"`
	BaselineScore float64     `json:"baseline_score"`
	NewScore      float64     `json:"new_score"`
	Hypothesis    *Hypothesis `json:"hypothesis,omitempty"`
	Accepted      bool        `json:"accepted"`
	Delta         float64     `json:"delta"`
	Reason        string      `json:"reason,omitempty"`
	StartedAt     time.Time   `json:"started_at"`
	FinishedAt    time.Time   `json:"finished_at"`
}

// Analyzer proposes a hypothesis from a completed benchmark run. A nil
// hypothesis means no improvement idea; the iteration ends quietly.
type Analyzer interface {
	Propose(ctx context.Context, run *bench.Run) (*Hypothesis, error)
}

// Loop drives improvement iterations. One iteration at a time.
type Loop struct {
	runner         *bench.Runner
	analyzer       Analyzer
	targetRoot     string
	sandboxDir     string
	recordDir      string
	minImprovement float64
	maxRegression  float64
	approve        func(*Hypothesis) bool
	log            zerolog.Logger

	mu        sync.Mutex
	phase     Phase
	iteration int
}

// Options configures a Loop.
type Options struct {
	// TargetRoot is the tree hypothesis changes are applied to.
	TargetRoot string
	// SandboxDir stages originals for rollback.
	SandboxDir string
	// RecordDir is where iteration records are persisted.
	RecordDir string
	// MinImprovement is the smallest accepted score delta.
	MinImprovement float64
	// MaxRegression is the largest tolerated score drop.
	MaxRegression float64
	// Approve is an optional gate called before changes are applied.
	Approve func(*Hypothesis) bool
}

// New builds an idle loop.
func New(runner *bench.Runner, analyzer Analyzer, opts Options) *Loop {
	return &Loop{
		runner:         runner,
		analyzer:       analyzer,
		targetRoot:     opts.TargetRoot,
		sandboxDir:     opts.SandboxDir,
		recordDir:      opts.RecordDir,
		minImprovement: opts.MinImprovement,
		maxRegression:  opts.MaxRegression,
		approve:        opts.Approve,
		log:            logging.Component("rsi"),
		phase:          PhaseIdle,
	}
}

// Phase is the loop's current phase.
func (l *Loop) Phase() Phase {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.phase
}

func (l *Loop) setPhase(p Phase) {
	l.mu.Lock()
	l.phase = p
	l.mu.Unlock()
	l.log.Info().Str("phase", string(p)).Msg("phase transition")
}

// RunIteration executes one full improvement pass. Any failure during
// implementation or re-benchmarking rolls the sandbox back.
func (l *Loop) RunIteration(ctx context.Context, benchmark string, problems []bench.Problem, solver bench.Solver) (*Iteration, error) {
	l.mu.Lock()
	if l.phase != PhaseIdle {
		l.mu.Unlock()
		return nil, fmt.Errorf("iteration already in progress (phase %s)", l.phase)
	}
	l.iteration++
	iter := &Iteration{ID: l.iteration, StartedAt: time.Now()}
	l.mu.Unlock()
	defer l.setPhase(PhaseIdle)

	// Baseline.
	l.setPhase(PhaseBenchmarking)
	baseRun, err := l.runner.Execute(ctx, benchmark, problems, solver)
	if err != nil {
		return l.finish(iter, PhaseRejected, fmt.Sprintf("baseline benchmark failed: %v", err))
	}
	iter.BaselineScore = baseRun.AverageScore

	// Hypothesis.
	l.setPhase(PhaseAnalyzing)
	hypothesis, err := l.analyzer.Propose(ctx, baseRun)
	if err != nil {
		return l.finish(iter, PhaseRejected, fmt.Sprintf("analysis failed: %v", err))
	}
	if hypothesis == nil {
		return l.finish(iter, PhaseIdle, "no hypothesis proposed")
	}
	iter.Hypothesis = hypothesis

	l.setPhase(PhasePlanning)
	if l.approve != nil && !l.approve(hypothesis) {
		hypothesis.RejectionReason = "not approved"
		return l.finish(iter, PhaseRejected, "hypothesis not approved")
	}

	// Implementation in the sandbox.
	l.setPhase(PhaseImplementing)
	sandbox := NewSandbox(l.targetRoot, l.sandboxDir)
	if err := sandbox.Apply(hypothesis.Changes); err != nil {
		if rbErr := sandbox.Rollback(); rbErr != nil {
			l.log.Error().Err(rbErr).Msg("rollback after failed apply")
		}
		hypothesis.RejectionReason = err.Error()
		return l.finish(iter, PhaseRejected, fmt.Sprintf("implementation failed: %v", err))
	}
	hypothesis.Implemented = true

	// Re-benchmark.
	l.setPhase(PhaseReBenchmarking)
	newRun, err := l.runner.Execute(ctx, benchmark, problems, solver)
	if err != nil {
		if rbErr := sandbox.Rollback(); rbErr != nil {
			l.log.Error().Err(rbErr).Msg("rollback after failed re-benchmark")
		}
		hypothesis.RejectionReason = err.Error()
		return l.finish(iter, PhaseRejected, fmt.Sprintf("re-benchmark failed: %v", err))
	}
	hypothesis.Tested = true
	iter.NewScore = newRun.AverageScore
	iter.Delta = iter.NewScore - iter.BaselineScore

	// Decision.
	l.setPhase(PhaseDeciding)
	accepted, reason := l.decide(iter.BaselineScore, iter.NewScore)
	iter.Reason = reason
	if !accepted {
		if rbErr := sandbox.Rollback(); rbErr != nil {
			l.log.Error().Err(rbErr).Msg("rollback after rejection")
		}
		hypothesis.RejectionReason = reason
		return l.finish(iter, PhaseRejected, reason)
	}

	if err := sandbox.Commit(); err != nil {
		l.log.Warn().Err(err).Msg("sandbox cleanup failed")
	}
	hypothesis.Accepted = true
	iter.Accepted = true
	if err := l.runner.SetBaseline(newRun); err != nil {
		l.log.Warn().Err(err).Msg("baseline pointer not updated")
	}
	return l.finish(iter, PhaseAccepted, reason)
}

// decide applies the acceptance rule: the delta must reach the minimum
// improvement, and any drop must stay within the tolerated regression.
func (l *Loop) decide(baseline, newScore float64) (bool, string) {
	delta := newScore - baseline
	if baseline-newScore > l.maxRegression {
		return false, fmt.Sprintf("Regression detected: %.2f%%", delta*100)
	}
	if delta < l.minImprovement {
		return false, fmt.Sprintf("Insufficient improvement: %+.2f%% (need %+.2f%%)",
			delta*100, l.minImprovement*100)
	}
	return true, fmt.Sprintf("Improved by %+.2f%%", delta*100)
}

// finish stamps and persists the iteration record.
func (l *Loop) finish(iter *Iteration, phase Phase, reason string) (*Iteration, error) {
	iter.Phase = phase
	if iter.Reason == "" {
		iter.Reason = reason
	}
	iter.FinishedAt = time.Now()

	if l.recordDir != "" {
		if err := l.saveIteration(iter); err != nil {
			l.log.Warn().Err(err).Msg("iteration record not persisted")
		}
	}
	return iter, nil
}

func (l *Loop) saveIteration(iter *Iteration) error {
	if err := os.MkdirAll(l.recordDir, 0o755); err != nil {
		return fmt.Errorf("create record dir: %w", err)
	}
	data, err := json.MarshalIndent(iter, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal iteration: %w", err)
	}
	name := fmt.Sprintf("iteration_%04d.json", iter.ID)
	return os.WriteFile(filepath.Join(l.recordDir, name), data, 0o644)
}
