package telemetry

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"time"

	"github.com/zhisenyang/EverMemOS-sub003/internal/store"
)

const dateLayout = "2006-01-02"

const schema = `
-- Daily totals
CREATE TABLE IF NOT EXISTS query_totals (
	date TEXT PRIMARY KEY,
	total INTEGER NOT NULL DEFAULT 0,
	zero_result INTEGER NOT NULL DEFAULT 0,
	degraded INTEGER NOT NULL DEFAULT 0,
	insufficient INTEGER NOT NULL DEFAULT 0
);

-- Query counts per mode/source (aggregated daily)
CREATE TABLE IF NOT EXISTS query_mode_stats (
	date TEXT NOT NULL,
	mode TEXT NOT NULL,
	count INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (date, mode)
);

-- Query counts per rounds used
CREATE TABLE IF NOT EXISTS query_round_stats (
	date TEXT NOT NULL,
	rounds INTEGER NOT NULL,
	count INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (date, rounds)
);

-- Latency histogram
CREATE TABLE IF NOT EXISTS query_latency_stats (
	date TEXT NOT NULL,
	bucket TEXT NOT NULL,
	count INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (date, bucket)
);

-- Top query terms
CREATE TABLE IF NOT EXISTS query_terms (
	term TEXT PRIMARY KEY,
	count INTEGER NOT NULL DEFAULT 1,
	last_seen TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_query_terms_count ON query_terms(count DESC);

-- Zero-result queries (circular buffer)
CREATE TABLE IF NOT EXISTS zero_result_queries (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	query TEXT NOT NULL,
	timestamp TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);
`

// Store persists flushed query metrics in SQLite.
type Store struct {
	db *sql.DB
}

// OpenStore opens or creates the telemetry database at path. An empty path
// gives an in-memory database.
func OpenStore(path string) (*Store, error) {
	db, err := store.OpenSQLite(path)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create telemetry schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Save adds snap to the counts of the day of at, in one transaction.
func (s *Store) Save(ctx context.Context, at time.Time, snap Snapshot) error {
	if snap.TotalQueries == 0 {
		return nil
	}
	date := at.Format(dateLayout)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO query_totals (date, total, zero_result, degraded, insufficient)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(date) DO UPDATE SET
			total = total + excluded.total,
			zero_result = zero_result + excluded.zero_result,
			degraded = degraded + excluded.degraded,
			insufficient = insufficient + excluded.insufficient
	`, date, snap.TotalQueries, snap.ZeroResultCount, snap.DegradedCount, snap.InsufficientCount); err != nil {
		return fmt.Errorf("upsert totals: %w", err)
	}

	counters := []struct {
		table, column string
		counts        map[string]int64
	}{
		{"query_mode_stats", "mode", snap.ModeCounts},
		{"query_round_stats", "rounds", roundKeys(snap.RoundCounts)},
		{"query_latency_stats", "bucket", bucketKeys(snap.LatencyDistribution)},
	}
	for _, c := range counters {
		if err := upsertDaily(ctx, tx, c.table, c.column, date, c.counts); err != nil {
			return err
		}
	}

	if err := upsertTerms(ctx, tx, snap.TopTerms); err != nil {
		return err
	}
	for _, q := range snap.ZeroResultQueries {
		if _, err := tx.ExecContext(ctx, `INSERT INTO zero_result_queries (query, timestamp) VALUES (?, ?)`, q, at); err != nil {
			return fmt.Errorf("insert zero-result query: %w", err)
		}
	}
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM zero_result_queries
		WHERE id NOT IN (SELECT id FROM zero_result_queries ORDER BY id DESC LIMIT ?)
	`, MaxZeroResultQueries); err != nil {
		return fmt.Errorf("trim zero-result queries: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// upsertDaily adds counts to table keyed by (date, column). Table and
// column names come from Save, never from input.
func upsertDaily(ctx context.Context, tx *sql.Tx, table, column, date string, counts map[string]int64) error {
	if len(counts) == 0 {
		return nil
	}
	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (date, %s, count) VALUES (?, ?, ?)
		ON CONFLICT(date, %s) DO UPDATE SET count = count + excluded.count
	`, table, column, column))
	if err != nil {
		return fmt.Errorf("prepare %s: %w", table, err)
	}
	defer stmt.Close()

	for key, n := range counts {
		if _, err := stmt.ExecContext(ctx, date, key, n); err != nil {
			return fmt.Errorf("upsert %s: %w", table, err)
		}
	}
	return nil
}

func upsertTerms(ctx context.Context, tx *sql.Tx, terms []TermCount) error {
	if len(terms) == 0 {
		return nil
	}
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO query_terms (term, count, last_seen)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(term) DO UPDATE SET
			count = count + excluded.count,
			last_seen = CURRENT_TIMESTAMP
	`)
	if err != nil {
		return fmt.Errorf("prepare query_terms: %w", err)
	}
	defer stmt.Close()

	for _, tc := range terms {
		if _, err := stmt.ExecContext(ctx, tc.Term, tc.Count); err != nil {
			return fmt.Errorf("upsert term count: %w", err)
		}
	}
	return nil
}

func roundKeys(m map[int]int64) map[string]int64 {
	out := make(map[string]int64, len(m))
	for k, v := range m {
		out[strconv.Itoa(k)] = v
	}
	return out
}

func bucketKeys(m map[LatencyBucket]int64) map[string]int64 {
	out := make(map[string]int64, len(m))
	for k, v := range m {
		out[string(k)] = v
	}
	return out
}

// Summary aggregates everything saved so far, with up to topN terms and
// the most recent zero-result queries, newest first.
func (s *Store) Summary(ctx context.Context, topN int) (Snapshot, error) {
	snap := newSnapshot()
	if topN <= 0 {
		topN = DefaultTopTerms
	}

	var first sql.NullString
	if err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(total), 0), COALESCE(SUM(zero_result), 0),
		       COALESCE(SUM(degraded), 0), COALESCE(SUM(insufficient), 0), MIN(date)
		FROM query_totals
	`).Scan(&snap.TotalQueries, &snap.ZeroResultCount, &snap.DegradedCount, &snap.InsufficientCount, &first); err != nil {
		return snap, fmt.Errorf("query totals: %w", err)
	}
	if first.Valid {
		if t, err := time.Parse(dateLayout, first.String); err == nil {
			snap.Since = t
		}
	}

	err := scanCounts(ctx, s.db, `SELECT mode, SUM(count) FROM query_mode_stats GROUP BY mode`, func(key string, n int64) {
		snap.ModeCounts[key] = n
	})
	if err != nil {
		return snap, err
	}
	err = scanCounts(ctx, s.db, `SELECT CAST(rounds AS TEXT), SUM(count) FROM query_round_stats GROUP BY rounds`, func(key string, n int64) {
		if r, convErr := strconv.Atoi(key); convErr == nil {
			snap.RoundCounts[r] = n
		}
	})
	if err != nil {
		return snap, err
	}
	err = scanCounts(ctx, s.db, `SELECT bucket, SUM(count) FROM query_latency_stats GROUP BY bucket`, func(key string, n int64) {
		snap.LatencyDistribution[LatencyBucket(key)] = n
	})
	if err != nil {
		return snap, err
	}
	err = scanCounts(ctx, s.db, `SELECT term, count FROM query_terms ORDER BY count DESC, term LIMIT ?`, func(key string, n int64) {
		snap.TopTerms = append(snap.TopTerms, TermCount{Term: key, Count: n})
	}, topN)
	if err != nil {
		return snap, err
	}

	rows, err := s.db.QueryContext(ctx, `SELECT query FROM zero_result_queries ORDER BY id DESC LIMIT ?`, MaxZeroResultQueries)
	if err != nil {
		return snap, fmt.Errorf("query zero-result queries: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var q string
		if err := rows.Scan(&q); err != nil {
			return snap, fmt.Errorf("scan row: %w", err)
		}
		snap.ZeroResultQueries = append(snap.ZeroResultQueries, q)
	}
	return snap, rows.Err()
}

func scanCounts(ctx context.Context, db *sql.DB, query string, fn func(string, int64), args ...any) error {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("query counts: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		var n int64
		if err := rows.Scan(&key, &n); err != nil {
			return fmt.Errorf("scan row: %w", err)
		}
		fn(key, n)
	}
	return rows.Err()
}

// Flush saves m under the current day and resets it. Nothing is reset when
// saving fails. Record blocks until the flush is done.
func (m *QueryMetrics) Flush(ctx context.Context, s *Store) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := s.Save(ctx, time.Now(), m.snapshot(0)); err != nil {
		return err
	}
	m.reset()
	return nil
}
