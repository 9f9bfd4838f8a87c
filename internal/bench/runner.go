// Package bench executes benchmark problem sets against a solver, scores
// the answers, and persists runs and baselines for the improvement loop.
package bench

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/normanking/overseer/internal/logging"
)

// Validation selects how a problem's answer is scored.
type Validation string

const (
	// ValidationContains passes when the answer contains the expected text.
	ValidationContains Validation = "contains"
	// ValidationTests writes the answer to a file and runs the problem's
	// test fixture against it, parsing a RESULT: passed/total line.
	ValidationTests Validation = "tests"
)

// Problem is one benchmark item. For test-validated problems, Fixture is a
// test battery that reads the solution from the file named by the
// SOLUTION_FILE environment variable and prints "RESULT: passed/total".
type Problem struct {
	ID         string        `json:"id"`
	Statement  string        `json:"statement"`
	Expected   string        `json:"expected,omitempty"`
	Validation Validation    `json:"validation"`
	Fixture    string        `json:"fixture,omitempty"`
	Difficulty int           `json:"difficulty"`
	Timeout    time.Duration `json:"timeout,omitempty"`
	Tags       []string      `json:"tags,omitempty"`
}

// ProblemResult is the outcome of one problem.
type ProblemResult struct {
	ProblemID string        `json:"problem_id"`
	Passed    bool          `json:"passed"`
	Score     float64       `json:"score"`
	Answer    string        `json:"answer,omitempty"`
	Error     string        `json:"error,omitempty"`
	Tokens    int           `json:"tokens"`
	Duration  time.Duration `json:"duration"`
}

// Run is one complete benchmark execution with its aggregates.
type Run struct {
	RunID         string                   `json:"run_id"`
	Benchmark     string                   `json:"benchmark_name"`
	StartedAt     time.Time                `json:"started_at"`
	FinishedAt    time.Time                `json:"finished_at"`
	Results       map[string]ProblemResult `json:"results"`
	PassedCount   int                      `json:"passed_count"`
	TotalProblems int                      `json:"total_problems"`
	AverageScore  float64                  `json:"average_score"`
	TotalTokens   int                      `json:"total_tokens"`
	Duration      time.Duration            `json:"duration"`
}

// Solver produces an answer for a problem statement. The returned token
// count may be zero when the solver does not track usage.
type Solver interface {
	Solve(ctx context.Context, problem Problem) (answer string, tokens int, err error)
}

// DefaultProblemTimeout bounds one problem when the problem sets none.
const DefaultProblemTimeout = 2 * time.Minute

// Runner executes problem sets and persists the results under its
// directory.
type Runner struct {
	dir         string
	interpreter string
	log         zerolog.Logger
}

// NewRunner persists runs under dir. The interpreter runs test fixtures
// and defaults to python3.
func NewRunner(dir string) *Runner {
	return &Runner{
		dir:         dir,
		interpreter: "python3",
		log:         logging.Component("bench"),
	}
}

// WithInterpreter overrides the fixture interpreter.
func (r *Runner) WithInterpreter(cmd string) *Runner {
	r.interpreter = cmd
	return r
}

// Execute runs every problem in order and persists the completed run.
func (r *Runner) Execute(ctx context.Context, benchmark string, problems []Problem, solver Solver) (*Run, error) {
	started := time.Now()
	run := &Run{
		RunID:         fmt.Sprintf("%s-%s", benchmark, started.UTC().Format("20060102-150405")),
		Benchmark:     benchmark,
		StartedAt:     started,
		Results:       make(map[string]ProblemResult, len(problems)),
		TotalProblems: len(problems),
	}

	for _, problem := range problems {
		result := r.runProblem(ctx, problem, solver)
		run.Results[problem.ID] = result
		if result.Passed {
			run.PassedCount++
		}
		run.AverageScore += result.Score
		run.TotalTokens += result.Tokens
	}
	if len(problems) > 0 {
		run.AverageScore /= float64(len(problems))
	}
	run.FinishedAt = time.Now()
	run.Duration = run.FinishedAt.Sub(started)

	if err := r.saveRun(run); err != nil {
		return run, fmt.Errorf("persist run: %w", err)
	}
	return run, nil
}

func (r *Runner) runProblem(ctx context.Context, problem Problem, solver Solver) ProblemResult {
	timeout := problem.Timeout
	if timeout <= 0 {
		timeout = DefaultProblemTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	result := ProblemResult{ProblemID: problem.ID}

	answer, tokens, err := solver.Solve(ctx, problem)
	result.Tokens = tokens
	result.Answer = answer
	if err != nil {
		result.Error = err.Error()
		result.Duration = time.Since(start)
		return result
	}

	switch problem.Validation {
	case ValidationContains:
		// An empty expected string would match every answer.
		if problem.Expected == "" {
			result.Error = "contains validation requires a non-empty expected string"
		} else if strings.Contains(answer, problem.Expected) {
			result.Passed = true
			result.Score = 1
		}
	case ValidationTests:
		passed, total, err := r.runFixture(ctx, problem, answer)
		if err != nil {
			result.Error = err.Error()
		} else if total > 0 {
			result.Score = float64(passed) / float64(total)
			result.Passed = passed == total
		}
	default:
		result.Error = fmt.Sprintf("unknown validation kind %q", problem.Validation)
	}

	result.Duration = time.Since(start)
	return result
}

// resultLineRE matches the fixture's summary line.
var resultLineRE = regexp.MustCompile(`RESULT:\s*(\d+)\s*/\s*(\d+)`)

// runFixture writes the answer and fixture to a temp directory, runs the
// fixture under the interpreter, and parses its RESULT line.
func (r *Runner) runFixture(ctx context.Context, problem Problem, answer string) (passed, total int, err error) {
	dir, err := os.MkdirTemp("", "bench-"+sanitize(problem.ID)+"-")
	if err != nil {
		return 0, 0, fmt.Errorf("temp dir: %w", err)
	}
	defer os.RemoveAll(dir)

	solutionPath := filepath.Join(dir, "solution.txt")
	if err := os.WriteFile(solutionPath, []byte(answer), 0o644); err != nil {
		return 0, 0, fmt.Errorf("write solution: %w", err)
	}
	fixturePath := filepath.Join(dir, "fixture")
	if err := os.WriteFile(fixturePath, []byte(problem.Fixture), 0o644); err != nil {
		return 0, 0, fmt.Errorf("write fixture: %w", err)
	}

	cmd := exec.CommandContext(ctx, r.interpreter, fixturePath)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), "SOLUTION_FILE="+solutionPath)
	output, err := cmd.CombinedOutput()

	m := resultLineRE.FindStringSubmatch(string(output))
	if m == nil {
		if err != nil {
			return 0, 0, fmt.Errorf("fixture failed: %w: %s", err, firstLine(string(output)))
		}
		return 0, 0, fmt.Errorf("fixture produced no RESULT line")
	}
	fmt.Sscanf(m[1], "%d", &passed)
	fmt.Sscanf(m[2], "%d", &total)
	return passed, total, nil
}

func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		if r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '-' {
			return r
		}
		return '_'
	}, s)
}

func firstLine(s string) string {
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		return s[:idx]
	}
	return s
}
