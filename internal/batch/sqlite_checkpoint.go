package batch

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	amerrors "github.com/zhisenyang/EverMemOS-sub003/internal/errors"
	"github.com/zhisenyang/EverMemOS-sub003/internal/memory"
	"github.com/zhisenyang/EverMemOS-sub003/internal/store"
)

// SQLiteCheckpointStore keeps one row per completed group. Each Save is a
// single upsert, so a crash mid-batch never loses an already saved group.
type SQLiteCheckpointStore struct {
	mu     sync.Mutex
	db     *sql.DB
	closed bool
}

// NewSQLiteCheckpointStore opens or creates the checkpoint database at
// path. An empty path gives an in-memory store.
func NewSQLiteCheckpointStore(path string) (*SQLiteCheckpointStore, error) {
	db, err := store.OpenSQLite(path)
	if err != nil {
		return nil, amerrors.New(amerrors.ErrCodeCheckpointIO, "failed to open checkpoint database", err)
	}
	_, err = db.Exec(`
	CREATE TABLE IF NOT EXISTS checkpoint_groups (
		group_id TEXT PRIMARY KEY,
		results  TEXT NOT NULL,
		saved_at INTEGER NOT NULL
	);
	CREATE TABLE IF NOT EXISTS checkpoint_meta (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`)
	if err != nil {
		_ = db.Close()
		return nil, amerrors.New(amerrors.ErrCodeCheckpointIO, "failed to initialize checkpoint schema", err)
	}
	return &SQLiteCheckpointStore{db: db}, nil
}

// Bind implements CheckpointStore.
func (s *SQLiteCheckpointStore) Bind(ctx context.Context, fingerprint string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, fmt.Errorf("checkpoint store is closed")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, amerrors.New(amerrors.ErrCodeCheckpointIO, "failed to begin checkpoint transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	var stored string
	err = tx.QueryRowContext(ctx, `SELECT value FROM checkpoint_meta WHERE key = 'fingerprint'`).Scan(&stored)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return 0, amerrors.New(amerrors.ErrCodeCheckpointIO, "failed to read checkpoint fingerprint", err)
	}
	if err == nil && stored == fingerprint {
		return 0, nil
	}

	res, err := tx.ExecContext(ctx, `DELETE FROM checkpoint_groups`)
	if err != nil {
		return 0, amerrors.New(amerrors.ErrCodeCheckpointIO, "failed to discard checkpoint groups", err)
	}
	discarded, _ := res.RowsAffected()
	if _, err := tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO checkpoint_meta(key, value) VALUES ('fingerprint', ?)`, fingerprint); err != nil {
		return 0, amerrors.New(amerrors.ErrCodeCheckpointIO, "failed to save checkpoint fingerprint", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, amerrors.New(amerrors.ErrCodeCheckpointIO, "failed to commit checkpoint fingerprint", err)
	}
	return int(discarded), nil
}

// Load implements CheckpointStore.
func (s *SQLiteCheckpointStore) Load(ctx context.Context) (map[string][]memory.SearchResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, fmt.Errorf("checkpoint store is closed")
	}

	rows, err := s.db.QueryContext(ctx, `SELECT group_id, results FROM checkpoint_groups`)
	if err != nil {
		return nil, amerrors.New(amerrors.ErrCodeCheckpointIO, "failed to read checkpoint", err)
	}
	defer func() { _ = rows.Close() }()

	groups := make(map[string][]memory.SearchResult)
	for rows.Next() {
		var id, body string
		if err := rows.Scan(&id, &body); err != nil {
			return nil, amerrors.New(amerrors.ErrCodeCheckpointIO, "failed to scan checkpoint row", err)
		}
		var results []memory.SearchResult
		if err := json.Unmarshal([]byte(body), &results); err != nil {
			return nil, amerrors.New(amerrors.ErrCodeCheckpointCorrupt,
				fmt.Sprintf("checkpoint group %s is not valid JSON", id), err)
		}
		groups[id] = results
	}
	if err := rows.Err(); err != nil {
		return nil, amerrors.New(amerrors.ErrCodeCheckpointIO, "failed to read checkpoint", err)
	}
	return groups, nil
}

// Save implements CheckpointStore.
func (s *SQLiteCheckpointStore) Save(ctx context.Context, groupID string, results []memory.SearchResult) error {
	body, err := json.Marshal(results)
	if err != nil {
		return amerrors.New(amerrors.ErrCodeCheckpointIO, "failed to encode checkpoint group", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("checkpoint store is closed")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO checkpoint_groups(group_id, results, saved_at) VALUES (?, ?, ?)`,
		groupID, string(body), time.Now().Unix())
	if err != nil {
		return amerrors.New(amerrors.ErrCodeCheckpointIO, "failed to save checkpoint group", err)
	}
	return nil
}

// Delete implements CheckpointStore.
func (s *SQLiteCheckpointStore) Delete(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("checkpoint store is closed")
	}
	for _, table := range []string{"checkpoint_groups", "checkpoint_meta"} {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return amerrors.New(amerrors.ErrCodeCheckpointIO, "failed to delete checkpoint", err)
		}
	}
	return nil
}

// Close releases the database.
func (s *SQLiteCheckpointStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}
