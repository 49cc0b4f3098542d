package batch

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"

	amerrors "github.com/zhisenyang/EverMemOS-sub003/internal/errors"
	"github.com/zhisenyang/EverMemOS-sub003/internal/memory"
)

// CheckpointStore persists batch progress one conversation group at a time.
// Bind ties the store to one batch: when the stored fingerprint differs,
// or saved groups carry none, those groups are dropped and their count
// returned. Load returns every saved group; Delete removes all progress.
type CheckpointStore interface {
	Bind(ctx context.Context, fingerprint string) (discarded int, err error)
	Load(ctx context.Context) (map[string][]memory.SearchResult, error)
	Save(ctx context.Context, groupID string, results []memory.SearchResult) error
	Delete(ctx context.Context) error
}

// checkpointFile is the on-disk layout of FileCheckpointStore.
type checkpointFile struct {
	Version     int                              `json:"version"`
	Fingerprint string                           `json:"fingerprint,omitempty"`
	UpdatedAt   time.Time                        `json:"updated_at"`
	Groups      map[string][]memory.SearchResult `json:"groups"`
}

const checkpointVersion = 2

// FileCheckpointStore keeps all groups in one JSON file. Every Save
// rewrites the file atomically (temp file then rename) while holding a
// file lock, so concurrent processes never see a torn checkpoint.
type FileCheckpointStore struct {
	path string
	lock *flock.Flock
	mu   sync.Mutex
}

// NewFileCheckpointStore creates a store at path. The file is created on
// the first Save.
func NewFileCheckpointStore(path string) *FileCheckpointStore {
	return &FileCheckpointStore{path: path, lock: flock.New(path + ".lock")}
}

// Path returns the checkpoint file path.
func (s *FileCheckpointStore) Path() string { return s.path }

// Bind implements CheckpointStore.
func (s *FileCheckpointStore) Bind(ctx context.Context, fingerprint string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.acquire(ctx); err != nil {
		return 0, err
	}
	defer func() { _ = s.lock.Unlock() }()

	cp, err := s.read()
	if err != nil {
		return 0, err
	}
	if cp.Fingerprint == fingerprint {
		return 0, nil
	}
	discarded := len(cp.Groups)
	cp.Version = checkpointVersion
	cp.Fingerprint = fingerprint
	cp.Groups = map[string][]memory.SearchResult{}
	cp.UpdatedAt = time.Now().UTC()
	return discarded, s.write(cp)
}

// Load implements CheckpointStore. A missing file is an empty checkpoint.
func (s *FileCheckpointStore) Load(ctx context.Context) (map[string][]memory.SearchResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.acquire(ctx); err != nil {
		return nil, err
	}
	defer func() { _ = s.lock.Unlock() }()

	cp, err := s.read()
	if err != nil {
		return nil, err
	}
	return cp.Groups, nil
}

// Save implements CheckpointStore.
func (s *FileCheckpointStore) Save(ctx context.Context, groupID string, results []memory.SearchResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.acquire(ctx); err != nil {
		return err
	}
	defer func() { _ = s.lock.Unlock() }()

	cp, err := s.read()
	if err != nil {
		return err
	}
	cp.Groups[groupID] = results
	cp.UpdatedAt = time.Now().UTC()
	return s.write(cp)
}

// Delete implements CheckpointStore.
func (s *FileCheckpointStore) Delete(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.acquire(ctx); err != nil {
		return err
	}
	defer func() { _ = s.lock.Unlock() }()

	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return amerrors.New(amerrors.ErrCodeCheckpointIO, "failed to delete checkpoint", err)
	}
	return nil
}

func (s *FileCheckpointStore) acquire(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return amerrors.New(amerrors.ErrCodeCheckpointIO, "failed to create checkpoint directory", err)
	}
	ok, err := s.lock.TryLockContext(ctx, 50*time.Millisecond)
	if err != nil {
		return amerrors.New(amerrors.ErrCodeLockHeld, "failed to lock checkpoint", err)
	}
	if !ok {
		return amerrors.New(amerrors.ErrCodeLockHeld, "checkpoint is locked by another process", nil)
	}
	return nil
}

func (s *FileCheckpointStore) read() (*checkpointFile, error) {
	cp := &checkpointFile{Version: checkpointVersion, Groups: map[string][]memory.SearchResult{}}
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return cp, nil
	}
	if err != nil {
		return nil, amerrors.New(amerrors.ErrCodeCheckpointIO, "failed to read checkpoint", err)
	}
	if err := json.Unmarshal(data, cp); err != nil {
		return nil, amerrors.New(amerrors.ErrCodeCheckpointCorrupt,
			fmt.Sprintf("checkpoint %s is not valid JSON", s.path), err).
			WithSuggestion("Delete the checkpoint file to start the batch over")
	}
	if cp.Groups == nil {
		cp.Groups = map[string][]memory.SearchResult{}
	}
	return cp, nil
}

func (s *FileCheckpointStore) write(cp *checkpointFile) error {
	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return amerrors.New(amerrors.ErrCodeCheckpointIO, "failed to encode checkpoint", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return amerrors.New(amerrors.ErrCodeCheckpointIO, "failed to write checkpoint", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		_ = os.Remove(tmp)
		return amerrors.New(amerrors.ErrCodeCheckpointIO, "failed to save checkpoint", err)
	}
	return nil
}

// MemoryCheckpointStore keeps progress in memory. It is useful when a
// caller wants resumability within one process only.
type MemoryCheckpointStore struct {
	mu          sync.Mutex
	fingerprint string
	groups      map[string][]memory.SearchResult
}

// NewMemoryCheckpointStore creates an empty store.
func NewMemoryCheckpointStore() *MemoryCheckpointStore {
	return &MemoryCheckpointStore{groups: map[string][]memory.SearchResult{}}
}

// Bind implements CheckpointStore.
func (s *MemoryCheckpointStore) Bind(_ context.Context, fingerprint string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fingerprint == fingerprint {
		return 0, nil
	}
	discarded := len(s.groups)
	s.fingerprint = fingerprint
	s.groups = map[string][]memory.SearchResult{}
	return discarded, nil
}

// Load implements CheckpointStore.
func (s *MemoryCheckpointStore) Load(context.Context) (map[string][]memory.SearchResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string][]memory.SearchResult, len(s.groups))
	for k, v := range s.groups {
		out[k] = v
	}
	return out, nil
}

// Save implements CheckpointStore.
func (s *MemoryCheckpointStore) Save(_ context.Context, groupID string, results []memory.SearchResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.groups[groupID] = results
	return nil
}

// Delete implements CheckpointStore.
func (s *MemoryCheckpointStore) Delete(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fingerprint = ""
	s.groups = map[string][]memory.SearchResult{}
	return nil
}
