package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/chittyos/chittydna/internal/storage"
)

// PendingPath holds chronicle entries that failed to send.
const PendingPath = "remote/pending.jsonl"

// PendingQueue buffers chronicle entries when the remote chronicle is
// unreachable. Entries are retried only when RetryPending is called,
// never on a background timer.
type PendingQueue struct {
	mu      sync.Mutex
	backend storage.Backend
	client  Client
	logger  *zap.Logger
}

// NewPendingQueue creates a pending queue over the given backend.
func NewPendingQueue(backend storage.Backend, client Client, logger *zap.Logger) (*PendingQueue, error) {
	if backend == nil {
		return nil, fmt.Errorf("remote: storage backend is required")
	}
	if client == nil {
		return nil, fmt.Errorf("remote: client is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PendingQueue{backend: backend, client: client, logger: logger}, nil
}

// Enqueue records an entry for a later retry.
func (q *PendingQueue) Enqueue(entry ChronicleEntry) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("remote: marshal pending entry: %w", err)
	}
	return q.backend.AppendLine(PendingPath, data)
}

// Len reports the number of pending entries.
func (q *PendingQueue) Len() (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	lines, err := q.backend.ReadLines(PendingPath)
	if errors.Is(err, storage.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return len(lines), nil
}

// RetryPending attempts to flush every pending entry. Entries that
// still fail stay queued. Returns the number sent.
func (q *PendingQueue) RetryPending(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	lines, err := q.backend.ReadLines(PendingPath)
	if errors.Is(err, storage.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if len(lines) == 0 {
		return 0, nil
	}

	sent := 0
	var remaining []ChronicleEntry
	for _, line := range lines {
		var entry ChronicleEntry
		if err := json.Unmarshal(line, &entry); err != nil {
			q.logger.Warn("dropping malformed pending entry", zap.Error(err))
			continue
		}
		if err := q.client.LogEvent(ctx, entry); err != nil {
			remaining = append(remaining, entry)
			continue
		}
		sent++
	}

	if len(remaining) == 0 {
		if err := q.backend.Remove(PendingPath); err != nil {
			return sent, err
		}
		return sent, nil
	}

	buf := make([]byte, 0, len(remaining)*64)
	for _, entry := range remaining {
		data, err := json.Marshal(entry)
		if err != nil {
			continue
		}
		buf = append(buf, data...)
		buf = append(buf, '\n')
	}
	if err := q.backend.WriteFileAtomic(PendingPath, buf, 0o600); err != nil {
		return sent, fmt.Errorf("remote: rewrite pending queue: %w", err)
	}
	return sent, nil
}

// StubClient is an in-memory Client for tests and disabled deployments.
type StubClient struct {
	mu sync.Mutex

	Healthy    bool
	Token      string
	Patterns   []CommunityPattern
	Tools      []Tool
	FailLog    bool
	FailReg    bool
	Logged     []ChronicleEntry
	Registered [][]LearnedItem
}

// NewStubClient returns a healthy stub.
func NewStubClient() *StubClient {
	return &StubClient{Healthy: true, Token: "stub-token"}
}

var errStubUnavailable = errors.New("remote: stub unavailable")

func (s *StubClient) Authenticate(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.Healthy {
		return "", errStubUnavailable
	}
	return s.Token, nil
}

func (s *StubClient) RegisterLearnedItems(ctx context.Context, items []LearnedItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.Healthy || s.FailReg {
		return errStubUnavailable
	}
	s.Registered = append(s.Registered, items)
	return nil
}

func (s *StubClient) FetchCommunityPatterns(ctx context.Context) ([]CommunityPattern, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.Healthy {
		return nil, errStubUnavailable
	}
	return s.Patterns, nil
}

func (s *StubClient) LogEvent(ctx context.Context, entry ChronicleEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.Healthy || s.FailLog {
		return errStubUnavailable
	}
	s.Logged = append(s.Logged, entry)
	return nil
}

func (s *StubClient) DiscoverTools(ctx context.Context) ([]Tool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.Healthy {
		return nil, errStubUnavailable
	}
	return s.Tools, nil
}

func (s *StubClient) HealthCheck(ctx context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Healthy
}

var _ Client = (*StubClient)(nil)
