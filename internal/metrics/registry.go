// Package metrics tracks per-model task performance and drives the
// fire/promote lifecycle the worker pool uses to rotate models.
package metrics

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/normanking/overseer/internal/logging"
)

const (
	// qualityAvgWindow is how many recent quality samples feed the average.
	qualityAvgWindow = 20

	// qualityHistoryCap is how many samples are retained and persisted.
	qualityHistoryCap = 50

	// fireMinTasks is the sample floor before a model can be fired.
	fireMinTasks = 10

	// promoteMinTasks is the sample floor before a model can be promoted.
	promoteMinTasks = 20

	// StatsFileName is the persistence file under the data directory.
	StatsFileName = "model_stats.json"
)

// ModelStats is the per-model performance rollup.
type ModelStats struct {
	Model      string        `json:"model"`
	Total      int           `json:"total"`
	Successes  int           `json:"successes"`
	Failures   int           `json:"failures"`
	TotalMs    int64         `json:"total_latency_ms"`
	Quality    []float64     `json:"quality_history"`
	LastUsed   time.Time     `json:"last_used"`
	Fired      bool          `json:"fired"`
	Promoted   bool          `json:"promoted"`
}

// SuccessRate is successes / total, zero when unused.
func (s *ModelStats) SuccessRate() float64 {
	if s.Total == 0 {
		return 0
	}
	return float64(s.Successes) / float64(s.Total)
}

// AvgLatencyMs is the mean task latency in milliseconds.
func (s *ModelStats) AvgLatencyMs() float64 {
	if s.Total == 0 {
		return 0
	}
	return float64(s.TotalMs) / float64(s.Total)
}

// AvgQuality averages the most recent quality samples (up to 20). Returns 5
// as a neutral prior when no samples exist.
func (s *ModelStats) AvgQuality() float64 {
	if len(s.Quality) == 0 {
		return 5
	}
	window := s.Quality
	if len(window) > qualityAvgWindow {
		window = window[len(window)-qualityAvgWindow:]
	}
	sum := 0.0
	for _, q := range window {
		sum += q
	}
	return sum / float64(len(window))
}

// Composite blends quality, reliability, and speed into one score.
func (s *ModelStats) Composite() float64 {
	latencyPenalty := s.AvgLatencyMs() / 5000
	if latencyPenalty > 1 {
		latencyPenalty = 1
	} else if latencyPenalty < 0 {
		latencyPenalty = 0
	}
	return 0.6*(s.AvgQuality()/10) + 0.3*s.SuccessRate() + 0.1*(1-latencyPenalty)
}

// Registry owns every model's stats. Writes are serialized behind one lock,
// which also covers persistence.
type Registry struct {
	log  zerolog.Logger
	path string // empty disables persistence

	mu    sync.Mutex
	stats map[string]*ModelStats
}

// New creates a registry persisting under dataDir. An empty dataDir keeps
// the registry purely in memory.
func New(dataDir string) *Registry {
	r := &Registry{
		log:   logging.Component("metrics"),
		stats: make(map[string]*ModelStats),
	}
	if dataDir != "" {
		r.path = filepath.Join(dataDir, StatsFileName)
		if err := r.load(); err != nil {
			r.log.Warn().Err(err).Msg("could not load model stats, starting fresh")
		}
	}
	return r
}

// Record registers one task outcome. Pass a negative quality when no score
// is available. Fire and promote rules are re-evaluated after each record.
func (r *Registry) Record(model string, success bool, latency time.Duration, quality float64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.stats[model]
	if !ok {
		s = &ModelStats{Model: model}
		r.stats[model] = s
	}

	s.Total++
	if success {
		s.Successes++
	} else {
		s.Failures++
	}
	s.TotalMs += latency.Milliseconds()
	s.LastUsed = time.Now()

	if quality >= 0 {
		s.Quality = append(s.Quality, quality)
		if len(s.Quality) > qualityHistoryCap {
			s.Quality = s.Quality[len(s.Quality)-qualityHistoryCap:]
		}
	}

	r.evaluateLocked(s)

	if err := r.persistLocked(); err != nil {
		r.log.Warn().Err(err).Msg("persist model stats failed")
	}
}

// evaluateLocked applies the fire and promote thresholds.
func (r *Registry) evaluateLocked(s *ModelStats) {
	if !s.Fired && s.Total >= fireMinTasks &&
		(s.SuccessRate() < 0.5 || s.AvgQuality() < 3) {
		s.Fired = true
		s.Promoted = false
		r.log.Warn().Str("model", s.Model).
			Float64("success_rate", s.SuccessRate()).
			Float64("avg_quality", s.AvgQuality()).
			Msg("model fired")
	}

	if !s.Promoted && !s.Fired && s.Total >= promoteMinTasks &&
		s.SuccessRate() > 0.9 && s.AvgQuality() > 7 {
		s.Promoted = true
		r.log.Info().Str("model", s.Model).Msg("model promoted")
	}
}

// Get returns a copy of one model's stats.
func (r *Registry) Get(model string) (ModelStats, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.stats[model]
	if !ok {
		return ModelStats{}, false
	}
	return cloneStats(s), true
}

// All returns copies of every model's stats.
func (r *Registry) All() []ModelStats {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]ModelStats, 0, len(r.stats))
	for _, s := range r.stats {
		out = append(out, cloneStats(s))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Model < out[j].Model })
	return out
}

// BestModels returns up to count model identities sorted by composite score
// descending, optionally excluding fired models.
func (r *Registry) BestModels(count int, excludeFired bool) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	candidates := make([]*ModelStats, 0, len(r.stats))
	for _, s := range r.stats {
		if excludeFired && s.Fired {
			continue
		}
		candidates = append(candidates, s)
	}
	sort.Slice(candidates, func(i, j int) bool {
		ci, cj := candidates[i].Composite(), candidates[j].Composite()
		if ci != cj {
			return ci > cj
		}
		return candidates[i].Model < candidates[j].Model
	})

	if count > 0 && len(candidates) > count {
		candidates = candidates[:count]
	}
	models := make([]string, len(candidates))
	for i, s := range candidates {
		models[i] = s.Model
	}
	return models
}

// ShouldFire reports whether a model currently meets the fire threshold.
func (r *Registry) ShouldFire(model string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.stats[model]
	if !ok || s.Total < fireMinTasks {
		return false
	}
	return s.SuccessRate() < 0.5 || s.AvgQuality() < 3
}

func cloneStats(s *ModelStats) ModelStats {
	out := *s
	out.Quality = append([]float64(nil), s.Quality...)
	return out
}

// ═══════════════════════════════════════════════════════════════════════════════
// PERSISTENCE
// ═══════════════════════════════════════════════════════════════════════════════

func (r *Registry) persistLocked() error {
	if r.path == "" {
		return nil
	}

	snapshot := make(map[string]*ModelStats, len(r.stats))
	for model, s := range r.stats {
		clone := cloneStats(s)
		snapshot[model] = &clone
	}

	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal stats: %w", err)
	}

	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write stats: %w", err)
	}
	if err := os.Rename(tmp, r.path); err != nil {
		return fmt.Errorf("replace stats file: %w", err)
	}
	return nil
}

func (r *Registry) load() error {
	data, err := os.ReadFile(r.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read stats: %w", err)
	}

	loaded := make(map[string]*ModelStats)
	if err := json.Unmarshal(data, &loaded); err != nil {
		return fmt.Errorf("parse stats: %w", err)
	}

	for model, s := range loaded {
		s.Model = model
		if len(s.Quality) > qualityHistoryCap {
			s.Quality = s.Quality[len(s.Quality)-qualityHistoryCap:]
		}
	}
	r.stats = loaded
	return nil
}
