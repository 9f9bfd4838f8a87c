// Package router is the complexity gate: a pure regex classifier that
// decides, without any model call, how much machinery a query deserves.
package router

import (
	"regexp"
	"strings"

	"github.com/normanking/overseer/pkg/types"
)

// Decision is the gate's verdict for a query.
type Decision struct {
	Complexity types.Complexity
	// Agent is the suggested agent kind, empty when the gate has no
	// opinion and the supervisor should decide.
	Agent types.AgentKind
	// MultiTarget is set when the query names several operations or
	// artifacts, a hint for the supervisor to plan more than one step.
	MultiTarget bool
}

// gatePattern binds a compiled regex to the agent kind it suggests.
type gatePattern struct {
	regex *regexp.Regexp
	agent types.AgentKind
}

// The three tables are applied in order: trivial, complex, simple. First
// match wins.
var (
	trivialPatterns = []gatePattern{
		{regexp.MustCompile(`^(open|launch|start)\s+(youtube|firefox|chrome|spotify|a?\s*browser)\b`), types.AgentShell},
		{regexp.MustCompile(`\bwhat\s+time\s+is\s+it\b`), ""},
		{regexp.MustCompile(`\bwhat('?s| is)\s+(today'?s\s+)?date\b`), ""},
		{regexp.MustCompile(`^(quit|exit|bye|goodbye)\s*$`), ""},
		{regexp.MustCompile(`^(hello|hi|hey)\s*[!.]?\s*$`), ""},
	}

	complexPatterns = []gatePattern{
		{regexp.MustCompile(`\brefactor\b`), types.AgentCode},
		{regexp.MustCompile(`\brewrite\b`), types.AgentCode},
		{regexp.MustCompile(`\bexplain\s+how\b`), types.AgentRAG},
		{regexp.MustCompile(`\banaly[sz]e\b`), types.AgentCode},
		{regexp.MustCompile(`\b(create|write|implement)\s+(a\s+)?new\s+(file|module|class|function|script)\b`), types.AgentCode},
		{regexp.MustCompile(`\bdebug\b.*\band\b`), types.AgentCode},
		{regexp.MustCompile(`\b(compare|benchmark)\s+.{0,40}\b(approaches|implementations|libraries)\b`), types.AgentRAG},
	}

	simplePatterns = []gatePattern{
		{regexp.MustCompile(`^(find|locate|search\s+for)\s+\S+`), types.AgentFile},
		{regexp.MustCompile(`^git\s+(status|log|diff|branch)\b`), types.AgentShell},
		{regexp.MustCompile(`^(show|cat|display)\s+\S+\.(conf|cfg|toml|ya?ml|json|txt|py|go|rs|js|ts)\b`), types.AgentFile},
		{regexp.MustCompile(`^(list|ls)\s+(files|directories|dirs)\b`), types.AgentFile},
		{regexp.MustCompile(`\bsearch\s+(the\s+)?web\s+for\b`), types.AgentWeb},
		{regexp.MustCompile(`^(what|who|when|where)\s+is\s+\S+\s*\??$`), types.AgentWeb},
	}

	// Multi-target signals pushing an unmatched query to MODERATE with no
	// agent suggestion left to chance: conjunctions in English and German,
	// enumerations, or several file extensions.
	conjunctionRE = regexp.MustCompile(`\b(and|then|also|und|dann)\b`)
	enumerationRE = regexp.MustCompile(`(^|\s)\d+[.)]\s`)
	fileExtension = regexp.MustCompile(`\.\w{1,5}\b`)
)

// Classify maps a query to a complexity tier and an optional agent
// suggestion. It is a pure function with no I/O.
func Classify(query string) Decision {
	trimmed := strings.TrimSpace(strings.ToLower(query))
	if trimmed == "" {
		return Decision{Complexity: types.ComplexityModerate}
	}

	for _, p := range trivialPatterns {
		if p.regex.MatchString(trimmed) {
			return Decision{Complexity: types.ComplexityTrivial, Agent: p.agent}
		}
	}
	for _, p := range complexPatterns {
		if p.regex.MatchString(trimmed) {
			return Decision{Complexity: types.ComplexityComplex, Agent: p.agent}
		}
	}
	for _, p := range simplePatterns {
		if p.regex.MatchString(trimmed) {
			return Decision{Complexity: types.ComplexitySimple, Agent: p.agent}
		}
	}

	if hasMultiTargetSignals(trimmed) {
		return Decision{Complexity: types.ComplexityModerate, MultiTarget: true}
	}

	// No opinion: moderate, supervisor decides the agent.
	return Decision{Complexity: types.ComplexityModerate}
}

// hasMultiTargetSignals detects queries that mention several operations or
// artifacts: conjunctions, enumerated lists, or at least two file
// extensions.
func hasMultiTargetSignals(query string) bool {
	if conjunctionRE.MatchString(query) {
		return true
	}
	if enumerationRE.MatchString(query) {
		return true
	}
	return len(fileExtension.FindAllString(query, 2)) >= 2
}
