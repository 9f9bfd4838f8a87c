package router

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/normanking/overseer/pkg/types"
)

func TestClassifyTables(t *testing.T) {
	cases := []struct {
		query      string
		complexity types.Complexity
		agent      types.AgentKind
	}{
		{"what time is it?", types.ComplexityTrivial, ""},
		{"open youtube", types.ComplexityTrivial, types.AgentShell},
		{"quit", types.ComplexityTrivial, ""},
		{"hello", types.ComplexityTrivial, ""},

		{"refactor the parser module", types.ComplexityComplex, types.AgentCode},
		{"explain how the scheduler works", types.ComplexityComplex, types.AgentRAG},
		{"analyze main.go for race conditions", types.ComplexityComplex, types.AgentCode},
		{"create a new file for the config loader", types.ComplexityComplex, types.AgentCode},

		{"find foo.py", types.ComplexitySimple, types.AgentFile},
		{"git status", types.ComplexitySimple, types.AgentShell},
		{"search the web for rust async tutorials", types.ComplexitySimple, types.AgentWeb},

		{"tidy up my downloads folder", types.ComplexityModerate, ""},
		{"open the hyprland config", types.ComplexityModerate, ""},
	}

	for _, tc := range cases {
		t.Run(tc.query, func(t *testing.T) {
			d := Classify(tc.query)
			assert.Equal(t, tc.complexity, d.Complexity)
			assert.Equal(t, tc.agent, d.Agent)
		})
	}
}

func TestClassifyTableOrder(t *testing.T) {
	// Matches both the trivial greeting table and nothing else; trivial wins.
	d := Classify("quit")
	assert.Equal(t, types.ComplexityTrivial, d.Complexity)

	// Matches both the complex "analyze" pattern and the simple leading
	// "find" pattern; the complex table runs first.
	d = Classify("find and analyze utils.py")
	assert.Equal(t, types.ComplexityComplex, d.Complexity)
	assert.Equal(t, types.AgentCode, d.Agent)
}

func TestClassifyEmptyQuery(t *testing.T) {
	d := Classify("   ")
	assert.Equal(t, types.ComplexityModerate, d.Complexity)
	assert.Empty(t, d.Agent)
	assert.False(t, d.MultiTarget)
}

func TestClassifyMultiTargetSignals(t *testing.T) {
	cases := []struct {
		query string
		multi bool
	}{
		{"copy config.toml into backup.toml", true}, // two extensions
		{"update the readme then bump the version", true},
		{"mach das backup und dann ein update", true},
		{"1. clean caches 2) restart the daemon", true},
		{"tidy up my downloads folder", false},
	}

	for _, tc := range cases {
		d := Classify(tc.query)
		assert.Equal(t, types.ComplexityModerate, d.Complexity, tc.query)
		assert.Equal(t, tc.multi, d.MultiTarget, tc.query)
	}
}
