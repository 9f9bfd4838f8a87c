package metrics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func record(r *Registry, model string, n int, success bool, latency time.Duration, quality float64) {
	for i := 0; i < n; i++ {
		r.Record(model, success, latency, quality)
	}
}

func TestRecordAccumulates(t *testing.T) {
	r := New("")
	r.Record("m", true, 800*time.Millisecond, 8)
	r.Record("m", false, 1200*time.Millisecond, -1) // no quality sample

	s, ok := r.Get("m")
	require.True(t, ok)
	assert.Equal(t, 2, s.Total)
	assert.Equal(t, 1, s.Successes)
	assert.Equal(t, 1, s.Failures)
	assert.Equal(t, 0.5, s.SuccessRate())
	assert.Equal(t, 1000.0, s.AvgLatencyMs())
	assert.Len(t, s.Quality, 1)
	assert.False(t, s.LastUsed.IsZero())
}

func TestAvgQualityWindow(t *testing.T) {
	s := &ModelStats{}
	assert.Equal(t, 5.0, s.AvgQuality(), "neutral prior with no samples")

	// 30 old low scores then 20 recent high scores: only the last 20 count.
	for i := 0; i < 30; i++ {
		s.Quality = append(s.Quality, 1)
	}
	for i := 0; i < 20; i++ {
		s.Quality = append(s.Quality, 9)
	}
	assert.Equal(t, 9.0, s.AvgQuality())
}

func TestQualityHistoryCapped(t *testing.T) {
	r := New("")
	record(r, "m", 60, true, time.Second, 7)

	s, _ := r.Get("m")
	assert.Len(t, s.Quality, 50)
}

func TestComposite(t *testing.T) {
	s := &ModelStats{
		Total:     10,
		Successes: 10,
		TotalMs:   0,
		Quality:   []float64{10, 10, 10},
	}
	// Perfect everything: 0.6 + 0.3 + 0.1.
	assert.InDelta(t, 1.0, s.Composite(), 0.001)

	slow := &ModelStats{
		Total:     10,
		Successes: 5,
		TotalMs:   100000, // 10s average, clamps the latency term to zero
		Quality:   []float64{5},
	}
	assert.InDelta(t, 0.6*0.5+0.3*0.5+0, slow.Composite(), 0.001)
}

func TestFireThreshold(t *testing.T) {
	r := New("")

	// Nine failures: below the sample floor, not fired yet.
	record(r, "weak", 9, false, time.Second, 2)
	s, _ := r.Get("weak")
	assert.False(t, s.Fired)

	r.Record("weak", false, time.Second, 2)
	s, _ = r.Get("weak")
	assert.True(t, s.Fired, "10th task crosses the floor with SR<0.5")
	assert.True(t, r.ShouldFire("weak"))
}

func TestFireOnLowQualityDespiteSuccesses(t *testing.T) {
	r := New("")
	record(r, "lowq", 10, true, time.Second, 2)

	s, _ := r.Get("lowq")
	assert.True(t, s.Fired, "avg quality < 3 fires even at 100% success")
}

func TestPromoteThreshold(t *testing.T) {
	r := New("")

	record(r, "star", 19, true, time.Second, 9)
	s, _ := r.Get("star")
	assert.False(t, s.Promoted, "below the 20-task floor")

	r.Record("star", true, time.Second, 9)
	s, _ = r.Get("star")
	assert.True(t, s.Promoted)
	assert.False(t, s.Fired)
}

func TestBestModelsSortsAndExcludesFired(t *testing.T) {
	r := New("")
	record(r, "good", 10, true, 500*time.Millisecond, 9)
	record(r, "mediocre", 10, true, 2*time.Second, 5)
	record(r, "bad", 10, false, time.Second, 1) // fired

	best := r.BestModels(10, true)
	require.Equal(t, []string{"good", "mediocre"}, best)

	withFired := r.BestModels(10, false)
	assert.Len(t, withFired, 3)
	assert.Equal(t, "bad", withFired[2])

	top := r.BestModels(1, true)
	assert.Equal(t, []string{"good"}, top)
}

func TestPersistenceRoundTrip(t *testing.T) {
	dir := t.TempDir()

	r := New(dir)
	record(r, "persisted", 5, true, time.Second, 8)

	reloaded := New(dir)
	s, ok := reloaded.Get("persisted")
	require.True(t, ok)
	assert.Equal(t, 5, s.Total)
	assert.Len(t, s.Quality, 5)
	assert.Equal(t, "persisted", s.Model)
}

func TestShouldFireUnknownModel(t *testing.T) {
	r := New("")
	assert.False(t, r.ShouldFire("never-seen"))
}
