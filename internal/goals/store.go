package goals

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/chittyos/chittydna/internal/storage"
)

// StorePath is the goal list location inside the data directory.
const StorePath = "goals/goals.json"

// Store persists the goal list. Goals carry derived concept keywords
// and insights, not raw tool arguments, so they live outside the vault.
type Store struct {
	backend storage.Backend
	mu      sync.Mutex
}

// NewStore creates a goal store on the given backend.
func NewStore(backend storage.Backend) (*Store, error) {
	if backend == nil {
		return nil, errors.New("goals: storage backend is required")
	}
	return &Store{backend: backend}, nil
}

// Load returns the persisted goals, or an empty list when none exist.
func (s *Store) Load(ctx context.Context) ([]Goal, error) {
	data, err := s.backend.ReadFile(StorePath)
	if errors.Is(err, storage.ErrNotFound) {
		return []Goal{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("goals: read store: %w", err)
	}
	var list []Goal
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("goals: parse store: %w", err)
	}
	return list, nil
}

// Save atomically replaces the persisted goal list.
func (s *Store) Save(ctx context.Context, list []Goal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(list)
	if err != nil {
		return fmt.Errorf("goals: marshal store: %w", err)
	}
	if err := s.backend.WriteFileAtomic(StorePath, data, 0600); err != nil {
		return fmt.Errorf("goals: write store: %w", err)
	}
	return nil
}
