package vault

import (
	"context"
	"crypto/sha256"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/chittyos/chittydna/internal/audit"
	"github.com/chittyos/chittydna/internal/storage"
)

// Watch observes the primary blob for writes this process did not
// perform. The vault file carries an implicit single-writer assumption;
// a second writer is not prevented, only detected and surfaced.
//
// Watch blocks until ctx is cancelled. It returns ErrWatchUnsupported
// for non-filesystem backends.
func (s *service) Watch(ctx context.Context) error {
	fs, ok := s.backend.(*storage.FS)
	if !ok {
		return ErrWatchUnsupported
	}

	primary, err := fs.Resolve(PrimaryPath)
	if err != nil {
		return err
	}

	// Watch the directory: atomic saves rename over the blob, which
	// would silently detach a watch on the file itself.
	dir := filepath.Dir(primary)
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("vault: create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("vault: watch %s: %w", dir, err)
	}
	s.logger.Debug("vault watcher started", zap.String("dir", dir))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Name != primary {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			s.checkForeignWrite(ctx)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Warn("vault watcher error", zap.Error(err))
		}
	}
}

// checkForeignWrite compares the on-disk blob against the last frame
// this process wrote.
func (s *service) checkForeignWrite(ctx context.Context) {
	frame, err := s.backend.ReadFile(PrimaryPath)
	if err != nil {
		return
	}
	sum := sha256.Sum256(frame)

	s.mu.Lock()
	foreign := s.wroteOnce && sum != s.lastWrittenSum
	s.mu.Unlock()
	if !foreign {
		return
	}

	s.logger.Warn("vault primary blob modified by another writer",
		zap.String("path", PrimaryPath))
	if s.externalCounter != nil {
		s.externalCounter.Add(ctx, 1)
	}
	if err := s.auditLog.Append(ctx, audit.Entry{
		Event: audit.EventExternalRewrite,
	}); err != nil {
		s.logger.Warn("audit append failed for external rewrite", zap.Error(err))
	}
}
