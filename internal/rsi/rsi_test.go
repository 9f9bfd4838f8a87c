package rsi

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/normanking/overseer/internal/bench"
)

// fileSolver answers with the content of one file, so hypothesis changes
// to that file move the benchmark score.
type fileSolver struct{ path string }

func (f fileSolver) Solve(ctx context.Context, problem bench.Problem) (string, int, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		return "", 0, err
	}
	return string(data), 0, nil
}

// fixedAnalyzer always proposes the same hypothesis.
type fixedAnalyzer struct{ hypothesis *Hypothesis }

func (f fixedAnalyzer) Propose(ctx context.Context, run *bench.Run) (*Hypothesis, error) {
	return f.hypothesis, nil
}

func newLoopFixture(t *testing.T, initial string, changes map[string]Change) (*Loop, string, []bench.Problem, bench.Solver) {
	t.Helper()
	root := t.TempDir()
	knowledge := filepath.Join(root, "knowledge.txt")
	require.NoError(t, os.WriteFile(knowledge, []byte(initial), 0o644))

	runner := bench.NewRunner(t.TempDir())
	loop := New(runner, fixedAnalyzer{&Hypothesis{
		ID:          "h1",
		Benchmark:   "smoke",
		Description: "fix the knowledge file",
		Changes:     changes,
	}}, Options{
		TargetRoot:     root,
		SandboxDir:     filepath.Join(t.TempDir(), "staging"),
		RecordDir:      t.TempDir(),
		MinImprovement: 0.01,
		MaxRegression:  0.0,
	})

	problems := []bench.Problem{{
		ID: "k", Statement: "what does the file say?",
		Expected: "right", Validation: bench.ValidationContains,
	}}
	return loop, knowledge, problems, fileSolver{knowledge}
}

func TestIterationAcceptsImprovement(t *testing.T) {
	loop, knowledge, problems, solver := newLoopFixture(t, "wrong",
		map[string]Change{"knowledge.txt": {Op: OpModify, Old: "wrong", New: "right"}})

	iter, err := loop.RunIteration(context.Background(), "smoke", problems, solver)
	require.NoError(t, err)

	assert.Equal(t, PhaseAccepted, iter.Phase)
	assert.True(t, iter.Accepted)
	assert.Equal(t, 0.0, iter.BaselineScore)
	assert.Equal(t, 1.0, iter.NewScore)
	assert.True(t, iter.Hypothesis.Implemented)
	assert.True(t, iter.Hypothesis.Accepted)

	data, err := os.ReadFile(knowledge)
	require.NoError(t, err)
	assert.Equal(t, "right", string(data), "accepted change stays applied")

	assert.Equal(t, PhaseIdle, loop.Phase())
}

func TestIterationRejectsAndRollsBack(t *testing.T) {
	loop, knowledge, problems, solver := newLoopFixture(t, "wrong",
		map[string]Change{"knowledge.txt": {Op: OpModify, Old: "wrong", New: "still wrong"}})

	iter, err := loop.RunIteration(context.Background(), "smoke", problems, solver)
	require.NoError(t, err)

	assert.Equal(t, PhaseRejected, iter.Phase)
	assert.False(t, iter.Accepted)
	assert.Contains(t, iter.Reason, "Insufficient improvement")

	data, err := os.ReadFile(knowledge)
	require.NoError(t, err)
	assert.Equal(t, "wrong", string(data), "rejected change rolled back")
}

func TestIterationFailedApplyRollsBack(t *testing.T) {
	loop, knowledge, problems, solver := newLoopFixture(t, "wrong",
		map[string]Change{"knowledge.txt": {Op: OpModify, Old: "no such text", New: "x"}})

	iter, err := loop.RunIteration(context.Background(), "smoke", problems, solver)
	require.NoError(t, err)

	assert.Equal(t, PhaseRejected, iter.Phase)
	assert.Contains(t, iter.Reason, "implementation failed")

	data, _ := os.ReadFile(knowledge)
	assert.Equal(t, "wrong", string(data))
}

func TestIterationApprovalGate(t *testing.T) {
	loop, _, problems, solver := newLoopFixture(t, "wrong",
		map[string]Change{"knowledge.txt": {Op: OpModify, Old: "wrong", New: "right"}})
	loop.approve = func(h *Hypothesis) bool { return false }

	iter, err := loop.RunIteration(context.Background(), "smoke", problems, solver)
	require.NoError(t, err)
	assert.Equal(t, PhaseRejected, iter.Phase)
	assert.Equal(t, "not approved", iter.Hypothesis.RejectionReason)
}

func TestDecideRegressionMessage(t *testing.T) {
	l := New(nil, nil, Options{MinImprovement: 0.01, MaxRegression: 0.0})

	accepted, reason := l.decide(0.60, 0.59)
	assert.False(t, accepted)
	assert.Equal(t, "Regression detected: -1.00%", reason)

	accepted, reason = l.decide(0.60, 0.605)
	assert.False(t, accepted)
	assert.Contains(t, reason, "Insufficient improvement")

	accepted, _ = l.decide(0.60, 0.62)
	assert.True(t, accepted)
}

func TestSandboxCreateAndDeleteRollback(t *testing.T) {
	root := t.TempDir()
	existing := filepath.Join(root, "old.txt")
	require.NoError(t, os.WriteFile(existing, []byte("keep me"), 0o644))

	s := NewSandbox(root, filepath.Join(t.TempDir(), "staging"))
	require.NoError(t, s.Apply(map[string]Change{
		"fresh.txt": {Op: OpCreate, Content: "new file"},
		"old.txt":   {Op: OpDelete},
	}))

	assert.NoFileExists(t, existing)
	assert.FileExists(t, filepath.Join(root, "fresh.txt"))

	require.NoError(t, s.Rollback())
	assert.NoFileExists(t, filepath.Join(root, "fresh.txt"))
	data, err := os.ReadFile(existing)
	require.NoError(t, err)
	assert.Equal(t, "keep me", string(data))
}

func TestIterationRecordPersisted(t *testing.T) {
	loop, _, problems, solver := newLoopFixture(t, "wrong",
		map[string]Change{"knowledge.txt": {Op: OpModify, Old: "wrong", New: "right"}})

	_, err := loop.RunIteration(context.Background(), "smoke", problems, solver)
	require.NoError(t, err)

	entries, err := os.ReadDir(loop.recordDir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "iteration_0001.json", entries[0].Name())
}
