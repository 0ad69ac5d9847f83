package vault

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/chittyos/chittydna/internal/audit"
	"github.com/chittyos/chittydna/internal/storage"
)

// SnapshotInfo describes one entry in the snapshot ring.
type SnapshotInfo struct {
	Timestamp time.Time `json:"timestamp"`
	Path      string    `json:"path"`
	Size      int64     `json:"size"`
}

// manifest is the persisted snapshot index. It carries counts and
// timestamps only, never content.
type manifest struct {
	Snapshots []SnapshotInfo `json:"snapshots"`
}

func (s *service) readManifest() (*manifest, error) {
	data, err := s.backend.ReadFile(ManifestPath)
	if errors.Is(err, storage.ErrNotFound) {
		return &manifest{Snapshots: []SnapshotInfo{}}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("vault: read manifest: %w", err)
	}
	var m manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("vault: parse manifest: %w", err)
	}
	if m.Snapshots == nil {
		m.Snapshots = []SnapshotInfo{}
	}
	return &m, nil
}

func (s *service) writeManifest(m *manifest) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("vault: marshal manifest: %w", err)
	}
	if err := s.backend.WriteFileAtomic(ManifestPath, data, 0600); err != nil {
		return fmt.Errorf("vault: write manifest: %w", err)
	}
	return nil
}

// snapshotPath names a snapshot blob by its capture time.
func snapshotPath(ts time.Time) string {
	return fmt.Sprintf("%s/%d.blob", SnapshotDir, ts.UnixNano())
}

// appendSnapshotLocked adds frame to the ring and evicts past the cap.
// Caller holds s.mu.
func (s *service) appendSnapshotLocked(ctx context.Context, frame []byte) error {
	m, err := s.readManifest()
	if err != nil {
		return err
	}

	ts := time.Now().UTC()
	path := snapshotPath(ts)
	if err := s.backend.WriteFile(path, frame, 0600); err != nil {
		return fmt.Errorf("vault: write snapshot: %w", err)
	}

	m.Snapshots = append(m.Snapshots, SnapshotInfo{
		Timestamp: ts,
		Path:      path,
		Size:      int64(len(frame)),
	})

	// FIFO eviction keeps the ring bounded at the cap.
	for len(m.Snapshots) > s.config.SnapshotCap {
		oldest := m.Snapshots[0]
		m.Snapshots = m.Snapshots[1:]
		if err := s.backend.Remove(oldest.Path); err != nil {
			s.logger.Warn("failed to remove evicted snapshot",
				zap.String("path", oldest.Path), zap.Error(err))
		}
		if s.evictionCounter != nil {
			s.evictionCounter.Add(ctx, 1)
		}
	}

	return s.writeManifest(m)
}

// Snapshots lists the ring, oldest first.
func (s *service) Snapshots(ctx context.Context) ([]SnapshotInfo, error) {
	m, err := s.readManifest()
	if err != nil {
		return nil, err
	}
	return m.Snapshots, nil
}

// RestoreSnapshot overwrites the primary blob with the snapshot taken
// at the given timestamp. No re-validation happens here beyond the
// normal authentication on the next Load.
func (s *service) RestoreSnapshot(ctx context.Context, timestamp time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, err := s.readManifest()
	if err != nil {
		return err
	}

	for _, info := range m.Snapshots {
		if !info.Timestamp.Equal(timestamp) {
			continue
		}
		frame, err := s.backend.ReadFile(info.Path)
		if err != nil {
			return fmt.Errorf("vault: read snapshot %s: %w", info.Path, err)
		}
		if err := s.backend.WriteFileAtomic(PrimaryPath, frame, 0600); err != nil {
			return fmt.Errorf("vault: restore snapshot: %w", err)
		}
		s.lastWrittenSum = sha256.Sum256(frame)
		s.wroteOnce = true

		if err := s.auditLog.Append(ctx, audit.Entry{
			Event:   audit.EventVaultRestored,
			Details: timestamp.Format(time.RFC3339Nano),
		}); err != nil {
			s.logger.Warn("audit append failed after restore", zap.Error(err))
		}
		return nil
	}
	return fmt.Errorf("%w: %s", ErrSnapshotNotFound, timestamp.Format(time.RFC3339Nano))
}
