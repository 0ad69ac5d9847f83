// Package audit provides the append-only, privacy-preserving audit log.
//
// Every vault write, export, and learned pattern leaves a trail here.
// Entries carry pattern hashes, never pattern content: the log is meant
// to be safe to ship to a support bundle without leaking what the user
// actually typed.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/chittyos/chittydna/internal/storage"
)

// LogPath is the audit log location inside the data directory.
const LogPath = "audit/audit.jsonl"

// Event kinds recorded in the audit log.
const (
	EventVaultSaved      = "vault_saved"
	EventVaultRestored   = "vault_restored"
	EventPatternLearned  = "pattern_learned"
	EventGoalMerged      = "goal_merged"
	EventDNAExported     = "dna_exported"
	EventDNAImported     = "dna_imported"
	EventToolInvocation  = "tool_invocation"
	EventRemoteSync      = "remote_sync"
	EventExternalRewrite = "vault_external_rewrite"
)

// ErrEmptyEvent is returned when an entry has no event kind.
var ErrEmptyEvent = errors.New("audit: entry event cannot be empty")

// Entry is one audit record. PatternHash is the only form in which
// pattern content may appear.
type Entry struct {
	Timestamp   time.Time `json:"timestamp"`
	Event       string    `json:"event"`
	PatternHash string    `json:"pattern_hash,omitempty"`
	Confidence  float64   `json:"confidence,omitempty"`
	Outcome     string    `json:"outcome,omitempty"`
	DurationMS  int64     `json:"duration_ms,omitempty"`
	Details     string    `json:"details,omitempty"`
}

// HashPattern returns the hex SHA-256 of pattern content. This is the
// only path by which pattern material enters an Entry.
func HashPattern(pattern string) string {
	sum := sha256.Sum256([]byte(pattern))
	return hex.EncodeToString(sum[:])
}

// Log is the append-only audit log.
type Log struct {
	backend storage.Backend
	logger  *zap.Logger

	// mu serializes appends so two phases can't interleave a line.
	mu sync.Mutex
}

// NewLog creates an audit log on the given backend.
func NewLog(backend storage.Backend, logger *zap.Logger) (*Log, error) {
	if backend == nil {
		return nil, errors.New("audit: storage backend is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Log{backend: backend, logger: logger}, nil
}

// Append writes one entry to the log. A zero timestamp is filled with
// the current time.
func (l *Log) Append(ctx context.Context, entry Entry) error {
	if entry.Event == "" {
		return ErrEmptyEvent
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("audit: marshal entry: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.backend.AppendLine(LogPath, line); err != nil {
		return fmt.Errorf("audit: append: %w", err)
	}
	return nil
}

// All returns every parseable entry in order. Unparseable lines are
// skipped here; VerifyIntegrity reports them.
func (l *Log) All(ctx context.Context) ([]Entry, error) {
	lines, err := l.backend.ReadLines(LogPath)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("audit: read log: %w", err)
	}

	entries := make([]Entry, 0, len(lines))
	for _, line := range lines {
		if len(line) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// Recent returns the most recent n entries, oldest first.
func (l *Log) Recent(ctx context.Context, n int) ([]Entry, error) {
	entries, err := l.All(ctx)
	if err != nil {
		return nil, err
	}
	if n > 0 && len(entries) > n {
		entries = entries[len(entries)-n:]
	}
	return entries, nil
}

// LastEvent returns the most recent entry of the given kind, or nil if
// none exists. Used for export rate limiting.
func (l *Log) LastEvent(ctx context.Context, kind string) (*Entry, error) {
	entries, err := l.All(ctx)
	if err != nil {
		return nil, err
	}
	for i := len(entries) - 1; i >= 0; i-- {
		if entries[i].Event == kind {
			e := entries[i]
			return &e, nil
		}
	}
	return nil, nil
}
