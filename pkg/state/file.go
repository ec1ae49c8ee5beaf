package state

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"

	"github.com/Sternrassler/chartmogul-extractor/internal/fsutil"
	"github.com/goccy/go-json"
)

// FileStore keeps the state in one JSON file.
type FileStore struct {
	path string
}

// NewFileStore creates a store backed by path.
func NewFileStore(path string) (*FileStore, error) {
	if path == "" {
		return nil, fmt.Errorf("state file path is required")
	}
	return &FileStore{path: path}, nil
}

// Path returns the state file location.
func (s *FileStore) Path() string {
	return s.path
}

// Load implements Store. A missing file yields an empty state.
func (s *FileStore) Load(ctx context.Context) (PersistedState, error) {
	if err := ctx.Err(); err != nil {
		return PersistedState{}, err
	}

	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return Empty(), nil
	}
	if err != nil {
		return PersistedState{}, fmt.Errorf("read state file %s: %w", s.path, err)
	}

	var st PersistedState
	if err := json.Unmarshal(data, &st); err != nil {
		return PersistedState{}, fmt.Errorf("state file %s: %w", s.path, err)
	}
	return st, nil
}

// Save implements Store.
func (s *FileStore) Save(ctx context.Context, st PersistedState) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	return fsutil.WriteFileAtomic(s.path, data)
}

// MemoryStore keeps the state in memory.
type MemoryStore struct {
	mu    sync.Mutex
	state PersistedState
	saves int
}

// NewMemoryStore creates a store seeded with initial.
func NewMemoryStore(initial PersistedState) *MemoryStore {
	return &MemoryStore{state: Merge(initial, "", nil, nil)}
}

// Load implements Store.
func (s *MemoryStore) Load(ctx context.Context) (PersistedState, error) {
	if err := ctx.Err(); err != nil {
		return PersistedState{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return Merge(s.state, "", nil, nil), nil
}

// Save implements Store.
func (s *MemoryStore) Save(ctx context.Context, st PersistedState) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = Merge(st, "", nil, nil)
	s.saves++
	return nil
}

// Saves returns how often Save succeeded.
func (s *MemoryStore) Saves() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves
}
