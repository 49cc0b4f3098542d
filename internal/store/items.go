package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/zhisenyang/EverMemOS-sub003/internal/memory"
)

// ItemStore keeps the full MemoryItem for every indexed id, so search hits
// can be hydrated and filtered. Items are stored as JSON alongside the
// columns filters are most often applied to.
type ItemStore struct {
	mu     sync.RWMutex
	db     *sql.DB
	closed bool
}

// NewItemStore opens or creates the item table at path. An empty path gives
// an in-memory store.
func NewItemStore(path string) (*ItemStore, error) {
	db, err := OpenSQLite(path)
	if err != nil {
		return nil, err
	}
	_, err = db.Exec(`
	CREATE TABLE IF NOT EXISTS items (
		collection TEXT NOT NULL,
		id         TEXT NOT NULL,
		user_id    TEXT NOT NULL DEFAULT '',
		group_id   TEXT NOT NULL DEFAULT '',
		ts         INTEGER NOT NULL DEFAULT 0,
		body       TEXT NOT NULL,
		PRIMARY KEY (collection, id)
	);
	CREATE INDEX IF NOT EXISTS idx_items_group ON items(collection, group_id);`)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize item schema: %w", err)
	}
	return &ItemStore{db: db}, nil
}

// Put inserts or replaces items in collection.
func (s *ItemStore) Put(ctx context.Context, collection string, items []memory.MemoryItem) error {
	if len(items) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("item store is closed")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR REPLACE INTO items(collection, id, user_id, group_id, ts, body)
		VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for _, item := range items {
		body, err := json.Marshal(item)
		if err != nil {
			return fmt.Errorf("failed to encode item %s: %w", item.ID, err)
		}
		var ts int64
		if t := item.Timestamp(); !t.IsZero() {
			ts = t.Unix()
		}
		if _, err := stmt.ExecContext(ctx, collection, item.ID, item.UserID, item.GroupID, ts, string(body)); err != nil {
			return fmt.Errorf("failed to store item %s: %w", item.ID, err)
		}
	}
	return tx.Commit()
}

// Get returns the items in collection with the given ids. Unknown ids are
// absent from the map.
func (s *ItemStore) Get(ctx context.Context, collection string, ids []string) (map[string]memory.MemoryItem, error) {
	out := make(map[string]memory.MemoryItem, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, fmt.Errorf("item store is closed")
	}

	args := make([]any, 0, len(ids)+1)
	args = append(args, collection)
	for _, id := range ids {
		args = append(args, id)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")

	rows, err := s.db.QueryContext(ctx,
		"SELECT id, body FROM items WHERE collection = ? AND id IN ("+placeholders+")", args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query items: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var id, body string
		if err := rows.Scan(&id, &body); err != nil {
			return nil, fmt.Errorf("failed to scan item: %w", err)
		}
		var item memory.MemoryItem
		if err := json.Unmarshal([]byte(body), &item); err != nil {
			return nil, fmt.Errorf("failed to decode item %s: %w", id, err)
		}
		out[id] = item
	}
	return out, rows.Err()
}

// MatchingIDs returns the ids in collection that satisfy filters, sorted.
// user_id, group_id and the time window are resolved in SQL; participant
// and exact time bounds are checked on the decoded items. Malformed
// filters match nothing.
func (s *ItemStore) MatchingIDs(ctx context.Context, collection string, filters memory.Filters) ([]string, error) {
	if err := filters.Validate(); err != nil {
		return []string{}, nil
	}

	query := "SELECT id, body FROM items WHERE collection = ?"
	args := []any{collection}
	for _, col := range []string{memory.FilterUserID, memory.FilterGroupID} {
		values, ok := filters.Strings(col)
		if !ok {
			continue
		}
		if len(values) == 0 {
			return []string{}, nil
		}
		query += " AND " + col + " IN (" + strings.TrimSuffix(strings.Repeat("?,", len(values)), ",") + ")"
		for _, v := range values {
			args = append(args, v)
		}
	}
	// ts holds whole seconds and 0 for an unset time, so these bounds only
	// narrow; Match decides.
	if start, ok := filters.Time(memory.FilterStartTime); ok {
		query += " AND ts >= ?"
		args = append(args, start.Unix())
	}
	if end, ok := filters.Time(memory.FilterEndTime); ok {
		query += " AND (ts <= ? OR ts = 0)"
		args = append(args, end.Unix())
	}
	query += " ORDER BY id"

	_, hasParticipant := filters[memory.FilterParticipant]
	_, hasStart := filters[memory.FilterStartTime]
	_, hasEnd := filters[memory.FilterEndTime]
	exact := hasParticipant || hasStart || hasEnd

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, fmt.Errorf("item store is closed")
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query items: %w", err)
	}
	defer func() { _ = rows.Close() }()

	ids := []string{}
	for rows.Next() {
		var id, body string
		if err := rows.Scan(&id, &body); err != nil {
			return nil, fmt.Errorf("failed to scan item: %w", err)
		}
		if exact {
			var item memory.MemoryItem
			if err := json.Unmarshal([]byte(body), &item); err != nil {
				return nil, fmt.Errorf("failed to decode item %s: %w", id, err)
			}
			if !filters.Match(item) {
				continue
			}
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Delete removes items from collection.
func (s *ItemStore) Delete(ctx context.Context, collection string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("item store is closed")
	}

	args := make([]any, 0, len(ids)+1)
	args = append(args, collection)
	for _, id := range ids {
		args = append(args, id)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	_, err := s.db.ExecContext(ctx, "DELETE FROM items WHERE collection = ? AND id IN ("+placeholders+")", args...)
	return err
}

// Count returns the number of items in collection.
func (s *ItemStore) Count(ctx context.Context, collection string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, fmt.Errorf("item store is closed")
	}

	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM items WHERE collection = ?`, collection).Scan(&n)
	return n, err
}

// Close closes the database. Idempotent.
func (s *ItemStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}
