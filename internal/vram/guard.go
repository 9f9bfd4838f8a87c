// Package vram advises on whether a model fits in GPU memory. The guard only
// observes and estimates; it never loads or unloads anything itself.
package vram

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/normanking/overseer/internal/logging"
)

const (
	// DefaultSafePercent caps planned usage at this fraction of total VRAM.
	DefaultSafePercent = 0.90

	// DefaultEstimateMB is assumed when a model's size cannot be derived
	// from its name.
	DefaultEstimateMB = 5000
)

// Decision is the guard's admission verdict for a model load.
type Decision string

const (
	// Load means the model fits under the safe ceiling as-is.
	Load Decision = "load"
	// UnloadFirst means it fits after evicting the named models.
	UnloadFirst Decision = "unload_first"
	// OffloadCPU means it only fits the absolute ceiling with CPU offload.
	OffloadCPU Decision = "offload_cpu"
	// Refuse means it does not fit at all.
	Refuse Decision = "refuse"
)

// Advice is a tagged admission decision.
type Advice struct {
	Decision   Decision `json:"decision"`
	EstimateMB int      `json:"estimate_mb"`
	FreeMB     int      `json:"free_mb"`
	// Evict lists the minimal set of loaded models (smallest first) to
	// unload when Decision is UnloadFirst.
	Evict []string `json:"evict,omitempty"`
}

// Snapshot is one GPU memory observation.
type Snapshot struct {
	TotalMB int            `json:"total_mb"`
	UsedMB  int            `json:"used_mb"`
	Loaded  map[string]int `json:"loaded"` // model -> resident MB
}

// Prober reads current GPU memory state.
type Prober interface {
	Probe(ctx context.Context) (Snapshot, error)
}

// ModelLister reports the models the inference server currently serves.
// Memory probers only see aggregate usage; the server's list is the ground
// truth for which models are resident.
type ModelLister interface {
	Models(ctx context.Context) ([]string, error)
}

// Guard caches the last probe and answers CanLoad against it. Call Refresh
// to re-observe.
type Guard struct {
	log         zerolog.Logger
	prober      Prober
	lister      ModelLister
	safePercent float64

	mu       sync.RWMutex
	snapshot Snapshot
	known    map[string]int // exact footprint table, MB
}

// Option configures a Guard.
type Option func(*Guard)

// WithSafePercent overrides the safe ceiling fraction.
func WithSafePercent(p float64) Option {
	return func(g *Guard) {
		if p > 0 && p <= 1 {
			g.safePercent = p
		}
	}
}

// WithModelLister resolves the loaded-model list from the inference server
// on every Refresh. Without it, probers that cannot see per-model residency
// leave the loaded set empty and eviction advice never fires.
func WithModelLister(l ModelLister) Option {
	return func(g *Guard) {
		g.lister = l
	}
}

// WithKnownModels seeds the exact footprint table (model -> MB).
func WithKnownModels(known map[string]int) Option {
	return func(g *Guard) {
		for k, v := range known {
			g.known[k] = v
		}
	}
}

// New creates a guard over the given prober.
func New(prober Prober, opts ...Option) *Guard {
	g := &Guard{
		log:         logging.Component("vram"),
		prober:      prober,
		safePercent: DefaultSafePercent,
		known:       make(map[string]int),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Refresh re-observes GPU memory and replaces the cached snapshot. With a
// model lister configured, the server's model list overrides the prober's
// loaded set, with footprints filled in from Estimate.
func (g *Guard) Refresh(ctx context.Context) error {
	snap, err := g.prober.Probe(ctx)
	if err != nil {
		return fmt.Errorf("probe gpu memory: %w", err)
	}

	if g.lister != nil {
		models, err := g.lister.Models(ctx)
		if err != nil {
			g.log.Warn().Err(err).Msg("model list unavailable, eviction advice degraded")
		} else {
			snap.Loaded = make(map[string]int, len(models))
			for _, model := range models {
				snap.Loaded[model] = g.Estimate(model)
			}
		}
	}

	g.mu.Lock()
	g.snapshot = snap
	g.mu.Unlock()

	g.log.Debug().Int("total_mb", snap.TotalMB).Int("used_mb", snap.UsedMB).
		Int("loaded", len(snap.Loaded)).Msg("vram refreshed")
	return nil
}

// Snapshot returns the cached observation.
func (g *Guard) Snapshot() Snapshot {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.snapshot
}

// paramSizeRE extracts a parameter count (in billions) from a model name,
// e.g. "qwen2.5-coder-7b", "llama3:8b", "phi_3.8b".
var paramSizeRE = regexp.MustCompile(`[:\-_]([0-9]+(?:\.[0-9]+)?)b\b`)

// Estimate returns the expected VRAM footprint of a model in MB: exact table
// lookup first, then a tiered estimate from the parameter count in the name,
// else a conservative default.
func (g *Guard) Estimate(model string) int {
	g.mu.RLock()
	exact, ok := g.known[model]
	g.mu.RUnlock()
	if ok {
		return exact
	}

	m := paramSizeRE.FindStringSubmatch(strings.ToLower(model))
	if m == nil {
		return DefaultEstimateMB
	}
	params, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return DefaultEstimateMB
	}

	switch {
	case params >= 13:
		return 10000
	case params >= 10:
		return 8000
	case params >= 6:
		return 5000
	case params >= 2.5:
		return 3000
	case params >= 1:
		return 1500
	default:
		return 1000
	}
}

// CanLoad decides whether the model can be loaded given the cached snapshot.
// A model already reported loaded is admitted immediately.
func (g *Guard) CanLoad(model string) Advice {
	g.mu.RLock()
	snap := g.snapshot
	g.mu.RUnlock()

	estimate := g.Estimate(model)

	if _, loaded := snap.Loaded[model]; loaded {
		return Advice{Decision: Load, EstimateMB: estimate, FreeMB: snap.TotalMB - snap.UsedMB}
	}

	safeCeiling := int(float64(snap.TotalMB) * g.safePercent)
	free := safeCeiling - snap.UsedMB
	if free < 0 {
		free = 0
	}

	if estimate <= free {
		return Advice{Decision: Load, EstimateMB: estimate, FreeMB: free}
	}

	// Try to free enough by evicting loaded models, smallest first.
	if evict, ok := g.evictionSet(snap, estimate-free); ok {
		return Advice{Decision: UnloadFirst, EstimateMB: estimate, FreeMB: free, Evict: evict}
	}

	// Fits the absolute ceiling only with CPU offload of resident weights.
	if estimate <= snap.TotalMB {
		return Advice{Decision: OffloadCPU, EstimateMB: estimate, FreeMB: free}
	}

	return Advice{Decision: Refuse, EstimateMB: estimate, FreeMB: free}
}

// evictionSet returns the minimal prefix of loaded models (smallest first)
// whose combined footprint covers the deficit.
func (g *Guard) evictionSet(snap Snapshot, deficit int) ([]string, bool) {
	type loadedModel struct {
		name string
		mb   int
	}
	models := make([]loadedModel, 0, len(snap.Loaded))
	for name, mb := range snap.Loaded {
		models = append(models, loadedModel{name, mb})
	}
	sort.Slice(models, func(i, j int) bool {
		if models[i].mb != models[j].mb {
			return models[i].mb < models[j].mb
		}
		return models[i].name < models[j].name
	})

	var evict []string
	freed := 0
	for _, m := range models {
		evict = append(evict, m.name)
		freed += m.mb
		if freed >= deficit {
			return evict, true
		}
	}
	return nil, false
}

// ═══════════════════════════════════════════════════════════════════════════════
// PROBES
// ═══════════════════════════════════════════════════════════════════════════════

// SysfsProber reads AMD GPU memory counters from sysfs.
type SysfsProber struct {
	// Root defaults to the first DRM card's device directory.
	Root string
}

func (p *SysfsProber) Probe(ctx context.Context) (Snapshot, error) {
	root := p.Root
	if root == "" {
		root = "/sys/class/drm/card0/device"
	}

	total, err := readSysfsMB(root + "/mem_info_vram_total")
	if err != nil {
		return Snapshot{}, err
	}
	used, err := readSysfsMB(root + "/mem_info_vram_used")
	if err != nil {
		return Snapshot{}, err
	}

	return Snapshot{TotalMB: total, UsedMB: used, Loaded: map[string]int{}}, nil
}

func readSysfsMB(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read %s: %w", path, err)
	}
	bytes, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", path, err)
	}
	return int(bytes / (1024 * 1024)), nil
}

// NvidiaSMIProber shells out to nvidia-smi for NVIDIA GPUs.
type NvidiaSMIProber struct {
	// Binary defaults to "nvidia-smi".
	Binary string
}

func (p *NvidiaSMIProber) Probe(ctx context.Context) (Snapshot, error) {
	binary := p.Binary
	if binary == "" {
		binary = "nvidia-smi"
	}

	out, err := exec.CommandContext(ctx, binary,
		"--query-gpu=memory.total,memory.used",
		"--format=csv,noheader,nounits").Output()
	if err != nil {
		return Snapshot{}, fmt.Errorf("run %s: %w", binary, err)
	}

	line := strings.TrimSpace(strings.SplitN(string(out), "\n", 2)[0])
	parts := strings.Split(line, ",")
	if len(parts) != 2 {
		return Snapshot{}, fmt.Errorf("unexpected %s output: %q", binary, line)
	}

	total, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil {
		return Snapshot{}, fmt.Errorf("parse total: %w", err)
	}
	used, err := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil {
		return Snapshot{}, fmt.Errorf("parse used: %w", err)
	}

	return Snapshot{TotalMB: total, UsedMB: used, Loaded: map[string]int{}}, nil
}

// StaticProber returns a fixed snapshot. Used in tests and when no GPU probe
// is available.
type StaticProber struct {
	Snap Snapshot
}

func (p *StaticProber) Probe(ctx context.Context) (Snapshot, error) {
	return p.Snap, nil
}

// DetectProber picks the first probe that works on this machine, falling
// back to a static zeroed snapshot.
func DetectProber(ctx context.Context) Prober {
	sysfs := &SysfsProber{}
	if _, err := sysfs.Probe(ctx); err == nil {
		return sysfs
	}
	smi := &NvidiaSMIProber{}
	if _, err := smi.Probe(ctx); err == nil {
		return smi
	}
	return &StaticProber{}
}

// String renders advice compactly for logs and the fleet CLI.
func (a Advice) String() string {
	data, _ := json.Marshal(a)
	return string(data)
}
