// Package council fans one prompt out to a heterogeneous ensemble of
// models and synthesizes a weighted consensus with an agreement score.
package council

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/normanking/overseer/internal/config"
	"github.com/normanking/overseer/internal/llm"
	"github.com/normanking/overseer/internal/logging"
)

// DefaultMemberTimeout bounds each member's response.
const DefaultMemberTimeout = 60 * time.Second

// presets maps a named deliberation mode to its system prompt.
var presets = map[string]string{
	"code-review":      "You are a senior code reviewer. Assess correctness, readability, and safety. End with a rating out of 10.",
	"fact-check":       "You are a fact checker. Verify each claim and cite what you know. End with a confidence rating out of 10.",
	"creative-writing": "You are a creative writing critic. Judge voice, pacing, and imagery. End with a rating out of 10.",
	"bug-analysis":     "You are a debugging expert. Identify the most likely root cause and how to confirm it. End with a confidence rating out of 10.",
	"security-audit":   "You are a security auditor. Look for injection, authentication, and data exposure issues. End with a severity rating out of 10.",
}

const defaultSystemPrompt = "You are a thoughtful expert panelist. Give your best answer. End with a rating out of 10 where one applies."

// Response is one member's verdict. Rating is negative when the response
// contained no extractable numeric rating.
type Response struct {
	Member  string        `json:"member"`
	Model   string        `json:"model"`
	Text    string        `json:"text,omitempty"`
	Rating  float64       `json:"rating"`
	Latency time.Duration `json:"latency"`
	Err     string        `json:"error,omitempty"`
}

// Result aggregates a full council round.
type Result struct {
	Responses     []Response    `json:"responses"`
	Consensus     string        `json:"consensus"`
	AverageRating float64       `json:"average_rating"`
	Agreement     float64       `json:"agreement"`
	Duration      time.Duration `json:"duration"`
}

// chatCaller is the slice of the inference client the council uses.
type chatCaller interface {
	Generate(ctx context.Context, prompt, system, model string) (*llm.ChatResponse, error)
}

// Engine runs council rounds over a fixed member roster.
type Engine struct {
	chat    chatCaller
	members []config.CouncilMember
	timeout time.Duration
	log     zerolog.Logger
}

// New builds an engine over the configured members.
func New(chat chatCaller, cfg config.CouncilConfig) *Engine {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultMemberTimeout
	}
	return &Engine{
		chat:    chat,
		members: cfg.Members,
		timeout: timeout,
		log:     logging.Component("council"),
	}
}

// Presets lists the known deliberation modes.
func Presets() []string {
	names := make([]string, 0, len(presets))
	for name := range presets {
		names = append(names, name)
	}
	return names
}

// Convene sends the prompt to every member concurrently and synthesizes
// the result. An unknown preset falls back to the general system prompt.
func (e *Engine) Convene(ctx context.Context, prompt, preset string) (*Result, error) {
	if len(e.members) == 0 {
		return nil, fmt.Errorf("council has no members")
	}

	system, ok := presets[preset]
	if !ok {
		system = defaultSystemPrompt
	}

	start := time.Now()
	responses := make([]Response, len(e.members))
	var wg sync.WaitGroup
	for i, member := range e.members {
		wg.Add(1)
		go func(i int, member config.CouncilMember) {
			defer wg.Done()
			responses[i] = e.ask(ctx, member, prompt, system)
		}(i, member)
	}
	wg.Wait()

	res := &Result{
		Responses: responses,
		Duration:  time.Since(start),
	}
	res.Consensus = consensus(e.members, responses)
	res.AverageRating = averageRating(responses)
	res.Agreement = agreement(responses)
	return res, nil
}

// ask runs one member's call under the member timeout.
func (e *Engine) ask(ctx context.Context, member config.CouncilMember, prompt, system string) Response {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	start := time.Now()
	resp := Response{Member: member.Name, Model: member.Model, Rating: -1}

	chat, err := e.chat.Generate(ctx, prompt, system, member.Model)
	resp.Latency = time.Since(start)
	if err != nil {
		resp.Err = err.Error()
		e.log.Debug().Str("member", member.Name).Err(err).Msg("member failed")
		return resp
	}

	resp.Text = chat.Content
	if rating, ok := ExtractRating(chat.Content); ok {
		resp.Rating = rating
	}
	return resp
}

// ═══════════════════════════════════════════════════════════════════════════════
// SYNTHESIS
// ═══════════════════════════════════════════════════════════════════════════════

// consensus is the response text of the highest-weighted member that did
// not error. The consensus member does not vote; it speaks for the round.
func consensus(members []config.CouncilMember, responses []Response) string {
	best := -1
	for i, resp := range responses {
		if resp.Err != "" {
			continue
		}
		if best == -1 || members[i].Weight > members[best].Weight {
			best = i
		}
	}
	if best == -1 {
		if len(responses) == 0 {
			return "No responses."
		}
		return "All council members failed."
	}
	return responses[best].Text
}

// averageRating is the mean over available numeric ratings, zero when none
// exist.
func averageRating(responses []Response) float64 {
	sum, n := 0.0, 0
	for _, resp := range responses {
		if resp.Err == "" && resp.Rating >= 0 {
			sum += resp.Rating
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

// agreement maps rating spread to [0, 1]. A single-member council is in
// full agreement with itself; fewer than two ratings is the uncertainty
// default 0.5; otherwise 1 - variance/10 floored at zero.
func agreement(responses []Response) float64 {
	if len(responses) == 1 {
		return 1.0
	}

	var ratings []float64
	for _, resp := range responses {
		if resp.Err == "" && resp.Rating >= 0 {
			ratings = append(ratings, resp.Rating)
		}
	}
	if len(ratings) < 2 {
		return 0.5
	}

	mean := 0.0
	for _, r := range ratings {
		mean += r
	}
	mean /= float64(len(ratings))

	variance := 0.0
	for _, r := range ratings {
		variance += (r - mean) * (r - mean)
	}
	variance /= float64(len(ratings))

	a := 1 - variance/10
	if a < 0 {
		return 0
	}
	return a
}

// ═══════════════════════════════════════════════════════════════════════════════
// RATING EXTRACTION
// ═══════════════════════════════════════════════════════════════════════════════

var ratingPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(\d+(?:\.\d+)?)\s*/\s*10`),
	regexp.MustCompile(`(?i)rating[:\s]+(\d+(?:\.\d+)?)`),
	regexp.MustCompile(`(?i)score[:\s]+(\d+(?:\.\d+)?)`),
	regexp.MustCompile(`(\d+(?:\.\d+)?)\s+out\s+of\s+10`),
}

// ExtractRating pulls a numeric rating out of free-form response text,
// clamped to [0, 10]. The second return is false when no pattern matched.
func ExtractRating(text string) (float64, bool) {
	for _, pattern := range ratingPatterns {
		m := pattern.FindStringSubmatch(text)
		if m == nil {
			continue
		}
		rating, err := strconv.ParseFloat(m[1], 64)
		if err != nil {
			continue
		}
		if rating < 0 {
			rating = 0
		}
		if rating > 10 {
			rating = 10
		}
		return rating, true
	}
	return 0, false
}

// Summary renders the round as an aligned table for terminal display.
func (r *Result) Summary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%-12s %-24s %7s %9s\n", "MEMBER", "MODEL", "RATING", "LATENCY")
	for _, resp := range r.Responses {
		rating := "-"
		if resp.Rating >= 0 {
			rating = fmt.Sprintf("%.1f", resp.Rating)
		}
		status := rating
		if resp.Err != "" {
			status = "error"
		}
		fmt.Fprintf(&b, "%-12s %-24s %7s %9s\n",
			resp.Member, resp.Model, status, resp.Latency.Round(time.Millisecond))
	}
	fmt.Fprintf(&b, "\nagreement %.2f  average rating %.1f  total %s\n",
		r.Agreement, r.AverageRating, r.Duration.Round(time.Millisecond))
	return b.String()
}
