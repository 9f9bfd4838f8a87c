package data

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir(), "test-machine-key")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCipherRoundTrip(t *testing.T) {
	c := newCipher("0123456789abcdef")

	cases := []string{
		"",
		"plain ascii",
		"multibyte: über naïve 日本語 🚀",
		`{"nested":"json with \"quotes\""}`,
	}
	for _, plain := range cases {
		t.Run(plain, func(t *testing.T) {
			encoded := c.Encrypt(plain)
			decoded, err := c.Decrypt(encoded)
			require.NoError(t, err)
			assert.Equal(t, plain, decoded)
		})
	}
}

func TestCipherRejectsBadBase64(t *testing.T) {
	c := newCipher("key")
	_, err := c.Decrypt("not base64 !!!")
	assert.Error(t, err)
}

func TestStoreMemoryUpsert(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.StoreMemory(ctx, "editor", "vim", MemoryPreference, 0.8, []string{"tools"}))
	require.NoError(t, s.StoreMemory(ctx, "editor", "emacs", MemoryPreference, 0.9, nil))

	count, err := s.CountMemories(ctx, MemoryPreference)
	require.NoError(t, err)
	assert.Equal(t, 1, count, "same (type, key) must update in place")

	entry, err := s.GetMemory(ctx, "editor", MemoryPreference)
	require.NoError(t, err)
	assert.Equal(t, "emacs", entry.Value)
	assert.Equal(t, 0.9, entry.Importance)
}

func TestStoreMemoryValidation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	assert.Error(t, s.StoreMemory(ctx, "", "v", MemoryFact, 0.5, nil))
	assert.Error(t, s.StoreMemory(ctx, "k", "v", MemoryFact, 1.5, nil))
	assert.Error(t, s.StoreMemory(ctx, "k", "v", MemoryFact, -0.1, nil))
}

func TestGetMemoryIncrementsAccess(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.StoreMemory(ctx, "lang", "go", MemoryFact, 0.5, nil))

	first, err := s.GetMemory(ctx, "lang", MemoryFact)
	require.NoError(t, err)
	assert.Equal(t, 1, first.AccessCount)

	second, err := s.GetMemory(ctx, "lang", MemoryFact)
	require.NoError(t, err)
	assert.Equal(t, 2, second.AccessCount)
}

func TestGetMemoryNotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetMemory(context.Background(), "missing", MemoryFact)
	assert.Error(t, err)
}

func TestRecallRanksByOverlapAndImportance(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.StoreMemory(ctx, "deploy_process", "use make deploy for production", MemoryFact, 0.9, nil))
	require.NoError(t, s.StoreMemory(ctx, "deploy_notes", "deploy needs approval", MemoryFact, 0.2, nil))
	require.NoError(t, s.StoreMemory(ctx, "lunch_spot", "tacos on fridays", MemoryFact, 0.9, nil))

	results, err := s.Recall(ctx, "how do I deploy to production", RecallOptions{Limit: 10})
	require.NoError(t, err)
	require.Len(t, results, 2, "entries with zero overlap must be excluded")

	assert.Equal(t, "deploy_process", results[0].Entry.Key)
	assert.Greater(t, results[0].Score, results[1].Score)
}

func TestRecallRespectsTypeAndLimit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.StoreMemory(ctx, "build_cmd", "make build", MemoryFact, 0.5, nil))
	require.NoError(t, s.StoreMemory(ctx, "build_pref", "build with race detector", MemoryPreference, 0.5, nil))

	results, err := s.Recall(ctx, "build", RecallOptions{Type: MemoryPreference, Limit: 5})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, MemoryPreference, results[0].Entry.Type)

	results, err = s.Recall(ctx, "build", RecallOptions{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, results, 1)
}

func TestTokenizeSplitsSeparators(t *testing.T) {
	tokens := tokenize("Find_my-file/path NOW")
	for _, want := range []string{"find", "my", "file", "path", "now"} {
		assert.True(t, tokens[want], "expected token %q", want)
	}
}

func TestRecencyBonus(t *testing.T) {
	now := time.Now()
	assert.InDelta(t, 0.2, recencyBonus(now, now), 0.001)
	assert.InDelta(t, 0.1, recencyBonus(now.Add(-15*24*time.Hour), now), 0.001)
	assert.Equal(t, 0.0, recencyBonus(now.Add(-45*24*time.Hour), now))
}

func TestCompactRemovesStaleUnimportantMemories(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.StoreMemory(ctx, "old_trivia", "stale", MemoryFact, 0.1, nil))
	require.NoError(t, s.StoreMemory(ctx, "keeper", "important", MemoryFact, 0.9, nil))

	// Backdate the trivia entry past the retention window.
	_, err := s.db.ExecContext(ctx,
		`UPDATE memories SET created_at = ? WHERE key = 'old_trivia'`,
		time.Now().Add(-60*24*time.Hour))
	require.NoError(t, err)

	removed, err := s.Compact(ctx, 30*24*time.Hour, 0.3)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	count, err := s.CountMemories(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestCompactSparesFrequentlyAccessed(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.StoreMemory(ctx, "hot_path", "used often", MemoryFact, 0.1, nil))
	_, err := s.db.ExecContext(ctx,
		`UPDATE memories SET created_at = ?, access_count = 5 WHERE key = 'hot_path'`,
		time.Now().Add(-60*24*time.Hour))
	require.NoError(t, err)

	removed, err := s.Compact(ctx, 30*24*time.Hour, 0.3)
	require.NoError(t, err)
	assert.Equal(t, 0, removed)
}

func TestLearnAndFindErrorFix(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sig := "command not found: pytohn"

	require.NoError(t, s.LearnErrorFix(ctx, sig, "apt install python3", false))

	fix, err := s.FindErrorFix(ctx, sig)
	require.NoError(t, err)
	assert.Nil(t, fix, "a fix that has only failed must not be returned")

	require.NoError(t, s.LearnErrorFix(ctx, sig, "use python3", true))
	require.NoError(t, s.LearnErrorFix(ctx, sig, "use python3", true))

	fix, err = s.FindErrorFix(ctx, sig)
	require.NoError(t, err)
	require.NotNil(t, fix)
	assert.Equal(t, "use python3", fix.Fix)
	assert.Equal(t, 2, fix.SuccessCount)
	assert.Equal(t, 1, fix.FailCount)
}

func TestPreferencesSingleton(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	prefs, err := s.Preferences(ctx)
	require.NoError(t, err)
	assert.Empty(t, prefs)

	require.NoError(t, s.SavePreferences(ctx, map[string]string{"shell": "zsh"}))
	require.NoError(t, s.SavePreferences(ctx, map[string]string{"shell": "fish", "editor": "vim"}))

	prefs, err = s.Preferences(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"shell": "fish", "editor": "vim"}, prefs)
}

func TestSessionLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.BeginSession(ctx, "sess-1"))
	require.NoError(t, s.EndSession(ctx, "sess-1", "fixed the build", 3, 1))

	records, err := s.RecentSessions(ctx, 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "sess-1", records[0].SessionID)
	assert.Equal(t, "fixed the build", records[0].Summary)
	assert.Equal(t, 3, records[0].TasksCompleted)
	assert.NotNil(t, records[0].EndTime)

	assert.Error(t, s.EndSession(ctx, "missing", "", 0, 0))
}

func TestEmbeddingCache(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	vec := []float32{0.1, -0.5, 3.25}
	require.NoError(t, s.PutEmbedding(ctx, "chunk-1", "hash-a", vec))

	got, err := s.GetEmbedding(ctx, "chunk-1", "hash-a")
	require.NoError(t, err)
	assert.Equal(t, vec, got)

	// A changed content hash misses and evicts the stale row.
	got, err = s.GetEmbedding(ctx, "chunk-1", "hash-b")
	require.NoError(t, err)
	assert.Nil(t, got)

	require.NoError(t, s.PutEmbedding(ctx, "chunk-1", "hash-b", vec))
	got, err = s.GetEmbedding(ctx, "chunk-1", "hash-a")
	require.NoError(t, err)
	assert.Nil(t, got, "stale hash must be evicted on rewrite")
}

func TestObfuscationAtRest(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.StoreMemory(ctx, "secretish", "plainvalue", MemoryFact, 0.5, nil))

	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM memories WHERE key = 'secretish'`).Scan(&raw)
	require.NoError(t, err)
	assert.NotContains(t, raw, "plainvalue")
}
