package council

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/normanking/overseer/internal/config"
	"github.com/normanking/overseer/internal/llm"
)

// scriptedChat answers per model identity.
type scriptedChat struct {
	answers map[string]string
	fails   map[string]bool
}

func (s *scriptedChat) Generate(ctx context.Context, prompt, system, model string) (*llm.ChatResponse, error) {
	if s.fails[model] {
		return nil, fmt.Errorf("model %s unreachable", model)
	}
	return &llm.ChatResponse{Content: s.answers[model], Model: model}, nil
}

func threeMembers() config.CouncilConfig {
	return config.CouncilConfig{
		Members: []config.CouncilMember{
			{Name: "Coder", Model: "coder-7b", Weight: 1.5},
			{Name: "General", Model: "general-7b", Weight: 1.0},
			{Name: "Fast", Model: "fast-3b", Weight: 0.8},
		},
		Timeout: time.Second,
	}
}

func TestConveneWeightedConsensus(t *testing.T) {
	chat := &scriptedChat{answers: map[string]string{
		"coder-7b":   "T1. Solid work overall. 7.5/10",
		"general-7b": "T2. Looks good. 8/10",
		"fast-3b":    "T3. Fine. 7/10",
	}}
	e := New(chat, threeMembers())

	res, err := e.Convene(context.Background(), "review this", "code-review")
	require.NoError(t, err)

	assert.Contains(t, res.Consensus, "T1", "highest-weight member speaks for the round")
	assert.InDelta(t, 7.5, res.AverageRating, 0.01)
	// Variance of {7.5, 8.0, 7.0} is 1/6.
	assert.InDelta(t, 1-(1.0/6)/10, res.Agreement, 0.001)
	require.Len(t, res.Responses, 3)
}

func TestConveneSkipsErroredMemberForConsensus(t *testing.T) {
	chat := &scriptedChat{
		answers: map[string]string{
			"general-7b": "the general view, 6/10",
			"fast-3b":    "quick take, 6/10",
		},
		fails: map[string]bool{"coder-7b": true},
	}
	e := New(chat, threeMembers())

	res, err := e.Convene(context.Background(), "q", "")
	require.NoError(t, err)
	assert.Contains(t, res.Consensus, "general view")
	assert.NotEmpty(t, res.Responses[0].Err)
}

func TestConveneAllMembersFailed(t *testing.T) {
	chat := &scriptedChat{fails: map[string]bool{
		"coder-7b": true, "general-7b": true, "fast-3b": true,
	}}
	e := New(chat, threeMembers())

	res, err := e.Convene(context.Background(), "q", "")
	require.NoError(t, err)
	assert.Equal(t, "All council members failed.", res.Consensus)
	assert.Equal(t, 0.5, res.Agreement, "no ratings available")
	assert.Zero(t, res.AverageRating)
}

func TestConveneNoMembers(t *testing.T) {
	e := New(&scriptedChat{}, config.CouncilConfig{})
	_, err := e.Convene(context.Background(), "q", "")
	assert.Error(t, err)
}

func TestAgreementRules(t *testing.T) {
	t.Run("single member", func(t *testing.T) {
		assert.Equal(t, 1.0, agreement([]Response{{Rating: 4}}))
	})

	t.Run("identical ratings", func(t *testing.T) {
		a := agreement([]Response{{Rating: 8}, {Rating: 8}})
		assert.Equal(t, 1.0, a)
	})

	t.Run("wide spread clamps to zero", func(t *testing.T) {
		// Ratings 2 and 10: variance 16.
		a := agreement([]Response{{Rating: 2}, {Rating: 10}})
		assert.Equal(t, 0.0, a)
	})

	t.Run("fewer than two ratings", func(t *testing.T) {
		a := agreement([]Response{{Rating: 7}, {Rating: -1}})
		assert.Equal(t, 0.5, a)
	})
}

func TestExtractRating(t *testing.T) {
	cases := []struct {
		text   string
		rating float64
		found  bool
	}{
		{"I'd give this 7.5/10 overall", 7.5, true},
		{"Rating: 8", 8, true},
		{"final score: 6.5 for style", 6.5, true},
		{"this is a 9 out of 10 answer", 9, true},
		{"solid work, 15/10 would read again", 10, true}, // clamped
		{"no numbers to be found here", 0, false},
	}

	for _, tc := range cases {
		rating, found := ExtractRating(tc.text)
		assert.Equal(t, tc.found, found, tc.text)
		if tc.found {
			assert.Equal(t, tc.rating, rating, tc.text)
		}
	}
}

func TestSummaryTable(t *testing.T) {
	res := &Result{
		Responses: []Response{
			{Member: "Coder", Model: "coder-7b", Rating: 7.5, Latency: 1200 * time.Millisecond},
			{Member: "Fast", Model: "fast-3b", Rating: -1, Err: "unreachable"},
		},
		Agreement:     0.98,
		AverageRating: 7.5,
	}
	out := res.Summary()
	assert.Contains(t, out, "Coder")
	assert.Contains(t, out, "7.5")
	assert.Contains(t, out, "error")
	assert.Contains(t, out, "agreement 0.98")
}
