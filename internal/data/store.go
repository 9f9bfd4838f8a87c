package data

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"
)

// ═══════════════════════════════════════════════════════════════════════════════
// MEMORY TYPES
// ═══════════════════════════════════════════════════════════════════════════════

// MemoryType categorizes an entry in the memories table.
type MemoryType string

const (
	MemoryFact       MemoryType = "fact"
	MemoryPreference MemoryType = "preference"
	MemorySession    MemoryType = "session"
	MemorySkill      MemoryType = "skill"
	MemoryError      MemoryType = "error"
)

// MemoryEntry is one durable memory. (Type, Key) is unique: storing an
// existing pair updates in place.
type MemoryEntry struct {
	ID           string     `json:"id"`
	Type         MemoryType `json:"type"`
	Key          string     `json:"key"`
	Value        string     `json:"value"`
	Importance   float64    `json:"importance"`
	AccessCount  int        `json:"access_count"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	LastAccessed time.Time  `json:"last_accessed"`
	Tags         []string   `json:"tags"`
}

// RecallResult is a scored recall hit.
type RecallResult struct {
	Entry MemoryEntry `json:"entry"`
	Score float64     `json:"score"`
}

// RecallOptions narrows a Recall query. Zero values mean no constraint
// (Limit defaults to 10).
type RecallOptions struct {
	Type          MemoryType
	Limit         int
	MinImportance float64
}

// ErrorFix is a learned error signature to fix mapping.
type ErrorFix struct {
	ID           string    `json:"id"`
	Signature    string    `json:"signature"`
	Fix          string    `json:"fix"`
	SuccessCount int       `json:"success_count"`
	FailCount    int       `json:"fail_count"`
	LastSeen     time.Time `json:"last_seen"`
}

// SessionRecord summarizes one interactive session.
type SessionRecord struct {
	SessionID      string     `json:"session_id"`
	StartTime      time.Time  `json:"start_time"`
	EndTime        *time.Time `json:"end_time,omitempty"`
	Summary        string     `json:"summary,omitempty"`
	TasksCompleted int        `json:"tasks_completed"`
	TasksFailed    int        `json:"tasks_failed"`
	Context        string     `json:"context,omitempty"`
}

// memoryID derives a stable entry ID from the (type, key) pair so repeated
// stores of the same pair hit the same row.
func memoryID(memType MemoryType, key string) string {
	sum := sha256.Sum256([]byte(string(memType) + "|" + key))
	return hex.EncodeToString(sum[:16])
}

// ═══════════════════════════════════════════════════════════════════════════════
// MEMORY OPERATIONS
// ═══════════════════════════════════════════════════════════════════════════════

// Store upserts a memory by (type, key). The value is JSON-encoded and
// obfuscated before it touches the database. Updated-at is refreshed on
// every call; created-at only on insert.
func (s *Store) StoreMemory(ctx context.Context, key, value string, memType MemoryType, importance float64, tags []string) error {
	if key == "" {
		return fmt.Errorf("memory key cannot be empty")
	}
	if importance < 0 || importance > 1 {
		return fmt.Errorf("importance must be in [0, 1], got %g", importance)
	}

	encoded, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode value: %w", err)
	}
	obfuscated := s.cipher.Encrypt(string(encoded))

	if tags == nil {
		tags = []string{}
	}
	tagsJSON, err := json.Marshal(tags)
	if err != nil {
		return fmt.Errorf("marshal tags: %w", err)
	}

	now := time.Now()
	query := `
		INSERT INTO memories (
			id, memory_type, key, value, importance,
			access_count, created_at, updated_at, last_accessed, tags
		) VALUES (?, ?, ?, ?, ?, 0, ?, ?, ?, ?)
		ON CONFLICT(memory_type, key) DO UPDATE SET
			value = excluded.value,
			importance = excluded.importance,
			tags = excluded.tags,
			updated_at = excluded.updated_at
	`

	_, err = s.db.ExecContext(ctx, query,
		memoryID(memType, key), memType, key, obfuscated, importance,
		now, now, now, string(tagsJSON),
	)
	if err != nil {
		return fmt.Errorf("store memory: %w", err)
	}
	return nil
}

// GetMemory retrieves a memory by key, optionally constrained to a type.
// A hit increments the access count and refreshes last-accessed.
func (s *Store) GetMemory(ctx context.Context, key string, memType MemoryType) (*MemoryEntry, error) {
	query := `
		SELECT id, memory_type, key, value, importance,
		       access_count, created_at, updated_at, last_accessed, tags
		FROM memories
		WHERE key = ?
	`
	args := []interface{}{key}
	if memType != "" {
		query += " AND memory_type = ?"
		args = append(args, memType)
	}
	query += " ORDER BY importance DESC LIMIT 1"

	entry, err := s.scanMemory(s.db.QueryRowContext(ctx, query, args...))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("memory not found: %s", key)
		}
		return nil, fmt.Errorf("query memory: %w", err)
	}

	touchQuery := `
		UPDATE memories
		SET access_count = access_count + 1, last_accessed = ?
		WHERE id = ?
	`
	if _, err := s.db.ExecContext(ctx, touchQuery, time.Now(), entry.ID); err != nil {
		return nil, fmt.Errorf("update access count: %w", err)
	}
	entry.AccessCount++

	return entry, nil
}

// rowScanner abstracts sql.Row and sql.Rows for scanMemory.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (s *Store) scanMemory(row rowScanner) (*MemoryEntry, error) {
	var entry MemoryEntry
	var obfuscated, tagsJSON string

	err := row.Scan(
		&entry.ID, &entry.Type, &entry.Key, &obfuscated, &entry.Importance,
		&entry.AccessCount, &entry.CreatedAt, &entry.UpdatedAt, &entry.LastAccessed, &tagsJSON,
	)
	if err != nil {
		return nil, err
	}

	decoded, err := s.cipher.Decrypt(obfuscated)
	if err != nil {
		return nil, fmt.Errorf("decrypt value: %w", err)
	}
	if err := json.Unmarshal([]byte(decoded), &entry.Value); err != nil {
		return nil, fmt.Errorf("decode value: %w", err)
	}

	if err := json.Unmarshal([]byte(tagsJSON), &entry.Tags); err != nil {
		return nil, fmt.Errorf("unmarshal tags: %w", err)
	}

	return &entry, nil
}

// Recall ranks memories against a free-text query by keyword overlap.
//
// Score = overlap fraction + 0.3 * importance + recency bonus, where the
// recency bonus decays linearly from 0.2 to 0 over 30 days since the last
// access. Entries with zero keyword overlap are never returned.
func (s *Store) Recall(ctx context.Context, query string, opts RecallOptions) ([]RecallResult, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 10
	}

	sqlQuery := `
		SELECT id, memory_type, key, value, importance,
		       access_count, created_at, updated_at, last_accessed, tags
		FROM memories
		WHERE importance >= ?
	`
	args := []interface{}{opts.MinImportance}
	if opts.Type != "" {
		sqlQuery += " AND memory_type = ?"
		args = append(args, opts.Type)
	}

	rows, err := s.db.QueryContext(ctx, sqlQuery, args...)
	if err != nil {
		return nil, fmt.Errorf("query memories: %w", err)
	}
	defer rows.Close()

	queryTokens := tokenize(query)
	now := time.Now()

	var results []RecallResult
	for rows.Next() {
		entry, err := s.scanMemory(rows)
		if err != nil {
			return nil, fmt.Errorf("scan memory: %w", err)
		}

		overlap := overlapFraction(queryTokens, tokenize(entry.Key+" "+entry.Value))
		if overlap <= 0 {
			continue
		}

		score := overlap + 0.3*entry.Importance + recencyBonus(entry.LastAccessed, now)
		results = append(results, RecallResult{Entry: *entry, Score: score})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate memories: %w", err)
	}

	sort.Slice(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// tokenize splits text on whitespace, underscores, hyphens, and slashes,
// lowercasing each token.
func tokenize(text string) map[string]bool {
	tokens := make(map[string]bool)
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		switch r {
		case '_', '-', '/':
			return true
		}
		return r == ' ' || r == '\t' || r == '\n' || r == '\r'
	})
	for _, f := range fields {
		tokens[f] = true
	}
	return tokens
}

// overlapFraction returns the fraction of query tokens present in the
// candidate's token set.
func overlapFraction(query, candidate map[string]bool) float64 {
	if len(query) == 0 {
		return 0
	}
	matched := 0
	for tok := range query {
		if candidate[tok] {
			matched++
		}
	}
	return float64(matched) / float64(len(query))
}

// recencyBonus decays linearly from 0.2 (just accessed) to 0 (30 days old).
func recencyBonus(lastAccessed, now time.Time) float64 {
	age := now.Sub(lastAccessed)
	const window = 30 * 24 * time.Hour
	if age <= 0 {
		return 0.2
	}
	if age >= window {
		return 0
	}
	return 0.2 * (1 - float64(age)/float64(window))
}

// Compact deletes stale, unimportant, rarely-used memories: entries older
// than maxAge, below minImportance, and accessed fewer than 3 times. It also
// purges session history older than 90 days. Returns the number of memories
// removed.
func (s *Store) Compact(ctx context.Context, maxAge time.Duration, minImportance float64) (int, error) {
	cutoff := time.Now().Add(-maxAge)

	result, err := s.db.ExecContext(ctx, `
		DELETE FROM memories
		WHERE created_at < ? AND importance < ? AND access_count < 3
	`, cutoff, minImportance)
	if err != nil {
		return 0, fmt.Errorf("compact memories: %w", err)
	}
	removed, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("get rows affected: %w", err)
	}

	sessionCutoff := time.Now().Add(-90 * 24 * time.Hour)
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM session_history WHERE start_time < ?`, sessionCutoff); err != nil {
		return int(removed), fmt.Errorf("purge session history: %w", err)
	}

	return int(removed), nil
}

// CountMemories returns the number of stored memories, optionally by type.
func (s *Store) CountMemories(ctx context.Context, memType MemoryType) (int, error) {
	query := `SELECT COUNT(*) FROM memories`
	var args []interface{}
	if memType != "" {
		query += " WHERE memory_type = ?"
		args = append(args, memType)
	}

	var count int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("count memories: %w", err)
	}
	return count, nil
}

// ═══════════════════════════════════════════════════════════════════════════════
// ERROR PATTERN OPERATIONS
// ═══════════════════════════════════════════════════════════════════════════════

// LearnErrorFix records the outcome of applying a fix to an error signature.
// Counts merge on repeated signatures; the stored fix is replaced when the
// latest application succeeded.
func (s *Store) LearnErrorFix(ctx context.Context, signature, fix string, success bool) error {
	if signature == "" {
		return fmt.Errorf("error signature cannot be empty")
	}

	successInc, failInc := 0, 1
	if success {
		successInc, failInc = 1, 0
	}

	query := `
		INSERT INTO error_patterns (
			id, error_signature, fix_pattern, success_count, fail_count, last_seen
		) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(error_signature) DO UPDATE SET
			fix_pattern = CASE WHEN ? THEN excluded.fix_pattern ELSE fix_pattern END,
			success_count = success_count + ?,
			fail_count = fail_count + ?,
			last_seen = excluded.last_seen
	`

	_, err := s.db.ExecContext(ctx, query,
		memoryID(MemoryError, signature), signature, fix, successInc, failInc, time.Now(),
		success, successInc, failInc,
	)
	if err != nil {
		return fmt.Errorf("learn error fix: %w", err)
	}
	return nil
}

// FindErrorFix returns the learned fix for an error signature, but only when
// it has succeeded more often than it has failed. Returns nil when no
// trustworthy fix is known.
func (s *Store) FindErrorFix(ctx context.Context, signature string) (*ErrorFix, error) {
	query := `
		SELECT id, error_signature, fix_pattern, success_count, fail_count, last_seen
		FROM error_patterns
		WHERE error_signature = ? AND success_count > fail_count
	`

	var fix ErrorFix
	err := s.db.QueryRowContext(ctx, query, signature).Scan(
		&fix.ID, &fix.Signature, &fix.Fix, &fix.SuccessCount, &fix.FailCount, &fix.LastSeen,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find error fix: %w", err)
	}
	return &fix, nil
}

// ═══════════════════════════════════════════════════════════════════════════════
// PREFERENCE OPERATIONS
// ═══════════════════════════════════════════════════════════════════════════════

// SavePreferences replaces the singleton user preference map.
func (s *Store) SavePreferences(ctx context.Context, prefs map[string]string) error {
	encoded, err := json.Marshal(prefs)
	if err != nil {
		return fmt.Errorf("encode preferences: %w", err)
	}
	obfuscated := s.cipher.Encrypt(string(encoded))

	query := `
		INSERT INTO user_preferences (id, preferences, updated_at)
		VALUES (1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			preferences = excluded.preferences,
			updated_at = excluded.updated_at
	`
	if _, err := s.db.ExecContext(ctx, query, obfuscated, time.Now()); err != nil {
		return fmt.Errorf("save preferences: %w", err)
	}
	return nil
}

// Preferences returns the stored preference map, or an empty map when none
// have been saved yet.
func (s *Store) Preferences(ctx context.Context) (map[string]string, error) {
	var obfuscated string
	err := s.db.QueryRowContext(ctx,
		`SELECT preferences FROM user_preferences WHERE id = 1`).Scan(&obfuscated)
	if err == sql.ErrNoRows {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query preferences: %w", err)
	}

	decoded, err := s.cipher.Decrypt(obfuscated)
	if err != nil {
		return nil, fmt.Errorf("decrypt preferences: %w", err)
	}

	prefs := make(map[string]string)
	if err := json.Unmarshal([]byte(decoded), &prefs); err != nil {
		return nil, fmt.Errorf("decode preferences: %w", err)
	}
	return prefs, nil
}

// ═══════════════════════════════════════════════════════════════════════════════
// SESSION OPERATIONS
// ═══════════════════════════════════════════════════════════════════════════════

// BeginSession records the start of a session.
func (s *Store) BeginSession(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return fmt.Errorf("session ID cannot be empty")
	}

	query := `
		INSERT INTO session_history (session_id, start_time, tasks_completed, tasks_failed)
		VALUES (?, ?, 0, 0)
	`
	if _, err := s.db.ExecContext(ctx, query, sessionID, time.Now()); err != nil {
		return fmt.Errorf("begin session: %w", err)
	}
	return nil
}

// EndSession closes a session with its summary and task counters.
func (s *Store) EndSession(ctx context.Context, sessionID, summary string, completed, failed int) error {
	query := `
		UPDATE session_history
		SET end_time = ?, summary = ?, tasks_completed = ?, tasks_failed = ?
		WHERE session_id = ?
	`
	result, err := s.db.ExecContext(ctx, query, time.Now(), nullString(summary), completed, failed, sessionID)
	if err != nil {
		return fmt.Errorf("end session: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("session not found: %s", sessionID)
	}
	return nil
}

// RecentSessions returns the most recent session records, newest first.
func (s *Store) RecentSessions(ctx context.Context, limit int) ([]*SessionRecord, error) {
	if limit <= 0 {
		limit = 10
	}

	query := `
		SELECT session_id, start_time, end_time, summary,
		       tasks_completed, tasks_failed, context
		FROM session_history
		ORDER BY start_time DESC
		LIMIT ?
	`

	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var records []*SessionRecord
	for rows.Next() {
		var rec SessionRecord
		var endTime sql.NullTime
		var summary, recContext sql.NullString

		err := rows.Scan(
			&rec.SessionID, &rec.StartTime, &endTime, &summary,
			&rec.TasksCompleted, &rec.TasksFailed, &recContext,
		)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}

		if endTime.Valid {
			rec.EndTime = &endTime.Time
		}
		if summary.Valid {
			rec.Summary = summary.String
		}
		if recContext.Valid {
			rec.Context = recContext.String
		}

		records = append(records, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return records, nil
}

// ═══════════════════════════════════════════════════════════════════════════════
// EMBEDDING CACHE
// ═══════════════════════════════════════════════════════════════════════════════

// PutEmbedding caches a vector for a (chunk, content hash) pair. A changed
// hash writes a new row; stale rows for the chunk are removed.
func (s *Store) PutEmbedding(ctx context.Context, chunkID, contentHash string, vector []float32) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM embeddings WHERE chunk_id = ? AND content_hash != ?`,
		chunkID, contentHash); err != nil {
		return fmt.Errorf("evict stale embedding: %w", err)
	}

	query := `
		INSERT OR REPLACE INTO embeddings (chunk_id, content_hash, vector, created_at)
		VALUES (?, ?, ?, ?)
	`
	if _, err := s.db.ExecContext(ctx, query, chunkID, contentHash, encodeVector(vector), time.Now()); err != nil {
		return fmt.Errorf("put embedding: %w", err)
	}
	return nil
}

// GetEmbedding returns the cached vector for a (chunk, content hash) pair,
// or nil on a miss.
func (s *Store) GetEmbedding(ctx context.Context, chunkID, contentHash string) ([]float32, error) {
	var blob []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT vector FROM embeddings WHERE chunk_id = ? AND content_hash = ?`,
		chunkID, contentHash).Scan(&blob)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get embedding: %w", err)
	}
	return decodeVector(blob), nil
}

// encodeVector packs float32 values little-endian.
func encodeVector(vector []float32) []byte {
	buf := make([]byte, 4*len(vector))
	for i, v := range vector {
		bits := math.Float32bits(v)
		buf[4*i] = byte(bits)
		buf[4*i+1] = byte(bits >> 8)
		buf[4*i+2] = byte(bits >> 16)
		buf[4*i+3] = byte(bits >> 24)
	}
	return buf
}

func decodeVector(buf []byte) []float32 {
	vector := make([]float32, len(buf)/4)
	for i := range vector {
		bits := uint32(buf[4*i]) | uint32(buf[4*i+1])<<8 |
			uint32(buf[4*i+2])<<16 | uint32(buf[4*i+3])<<24
		vector[i] = math.Float32frombits(bits)
	}
	return vector
}

// ═══════════════════════════════════════════════════════════════════════════════
// HELPERS
// ═══════════════════════════════════════════════════════════════════════════════

// nullString converts a string to sql.NullString, NULL when empty.
func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
