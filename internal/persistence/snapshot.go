package persistence

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/eternalApril/ironcache/internal/storage"
	"github.com/spf13/afero"
	"go.uber.org/zap"
)

// ErrIO marks failures to read or write the snapshot file
var ErrIO = errors.New("snapshot io error")

// Observer receives the outcome of every snapshot attempt that touched the disk
type Observer interface {
	SnapshotSaved(d time.Duration, records int)
	SnapshotFailed()
}

type nopObserver struct{}

func (nopObserver) SnapshotSaved(time.Duration, int) {}
func (nopObserver) SnapshotFailed()                  {}

// Snapshotter writes and restores point-in-time images of a keyspace.
// Attempts are serialized, so the periodic timer, SAVE and BGSAVE never share the temp file
type Snapshotter struct {
	fs       afero.Fs
	filename string
	observer Observer
	logger   *zap.Logger
	mu       sync.Mutex
}

// Option configures a Snapshotter
type Option func(*Snapshotter)

// WithFs replaces the filesystem the snapshot is written to
func WithFs(fs afero.Fs) Option {
	return func(s *Snapshotter) {
		s.fs = fs
	}
}

// WithObserver reports snapshot outcomes to o
func WithObserver(o Observer) Option {
	return func(s *Snapshotter) {
		s.observer = o
	}
}

// NewSnapshotter creates a Snapshotter for the canonical file filename
func NewSnapshotter(filename string, logger *zap.Logger, opts ...Option) *Snapshotter {
	s := &Snapshotter{
		fs:       afero.NewOsFs(),
		filename: filename,
		observer: nopObserver{},
		logger:   logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Filename returns the canonical snapshot path
func (s *Snapshotter) Filename() string {
	return s.filename
}

func (s *Snapshotter) tmpFilename() string {
	return s.filename + ".tmp"
}

// Save writes a snapshot of ks. Unless force is set, a clean keyspace is skipped without I/O.
// The keyspace lock is held only while copying entries. On success the dirty flag is
// cleared up to the copied version; on failure both the canonical file and the flag stay as they were.
// Returns whether a snapshot was written
func (s *Snapshotter) Save(ks *storage.Keyspace, force bool) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !force && !ks.Dirty() {
		return false, nil
	}

	start := time.Now()
	records, version := ks.Snapshot()

	if err := s.write(records); err != nil {
		s.observer.SnapshotFailed()
		return false, fmt.Errorf("%w: %w", ErrIO, err)
	}

	ks.MarkSaved(version)

	elapsed := time.Since(start)
	s.observer.SnapshotSaved(elapsed, len(records))
	s.logger.Info("snapshot saved",
		zap.String("file", s.filename),
		zap.Int("keys", len(records)),
		zap.Duration("duration", elapsed),
	)

	return true, nil
}

// write performs an atomic replace: encode into the temp file, fsync, rename over the canonical file
func (s *Snapshotter) write(records []storage.Record) (err error) {
	tmp := s.tmpFilename()

	f, err := s.fs.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}

	closed := false
	defer func() {
		if err != nil {
			if !closed {
				f.Close() //nolint:errcheck
			}
			s.fs.Remove(tmp) //nolint:errcheck
		}
	}()

	writer := bufio.NewWriterSize(f, 4*1024*1024)

	if err = Encode(writer, records); err != nil {
		return fmt.Errorf("encode: %w", err)
	}
	if err = writer.Flush(); err != nil {
		return fmt.Errorf("flush: %w", err)
	}
	if err = f.Sync(); err != nil {
		return fmt.Errorf("sync: %w", err)
	}

	closed = true
	if err = f.Close(); err != nil {
		return fmt.Errorf("close: %w", err)
	}

	if err = s.fs.Rename(tmp, s.filename); err != nil {
		return fmt.Errorf("rename: %w", err)
	}

	s.syncDir()
	return nil
}

// syncDir makes the rename durable. Failure here is logged only: the new file is already in place
func (s *Snapshotter) syncDir() {
	dir, err := s.fs.Open(filepath.Dir(s.filename))
	if err != nil {
		s.logger.Warn("open snapshot dir for sync", zap.Error(err))
		return
	}
	defer dir.Close() //nolint:errcheck

	if err := dir.Sync(); err != nil {
		s.logger.Warn("sync snapshot dir", zap.Error(err))
	}
}

// Load restores the canonical snapshot into ks. A missing file leaves ks empty and is not an error.
// A truncated or malformed file returns an error wrapping ErrCorrupt.
// Returns the number of keys loaded; already-expired records are dropped
func (s *Snapshotter) Load(ks *storage.Keyspace) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// leftover of a save interrupted before its rename
	if err := s.fs.Remove(s.tmpFilename()); err == nil {
		s.logger.Warn("removed stale temp snapshot", zap.String("file", s.tmpFilename()))
	}

	f, err := s.fs.Open(s.filename)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			s.logger.Info("no snapshot found, starting empty", zap.String("file", s.filename))
			return 0, nil
		}
		return 0, fmt.Errorf("%w: open %s: %w", ErrIO, s.filename, err)
	}
	defer f.Close() //nolint:errcheck

	start := time.Now()
	records, err := Decode(f)
	if err != nil {
		if errors.Is(err, ErrCorrupt) {
			return 0, fmt.Errorf("load %s: %w", s.filename, err)
		}
		return 0, fmt.Errorf("%w: read %s: %w", ErrIO, s.filename, err)
	}

	loaded := ks.Load(records)

	s.logger.Info("snapshot loaded",
		zap.String("file", s.filename),
		zap.Int("keys", loaded),
		zap.Int("expired_dropped", len(records)-loaded),
		zap.Duration("duration", time.Since(start)),
	)

	return loaded, nil
}

// Run saves ks every interval while it is dirty, until ctx is cancelled.
// Failures are logged and retried on the next tick
func (s *Snapshotter) Run(ctx context.Context, ks *storage.Keyspace, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := s.Save(ks, false); err != nil {
				s.logger.Error("periodic snapshot failed", zap.Error(err))
			}
		case <-ctx.Done():
			return
		}
	}
}
