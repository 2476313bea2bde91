// Package fs implements a content-addressed, reference-counted asset store
// on the local filesystem.
package fs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/exp/maps"

	"github.com/clinicore/imagestore/pkg/imagestore"
	"github.com/clinicore/imagestore/pkg/imagestore/identity"
)

// Store is a filesystem implementation of the imagestore.AssetStore interface.
//
// Assets live at <baseDir>/<aa>/<bb>/<rest-of-hash>; uploads are written to
// <baseDir>/tmp/<uuid> and renamed into place, so a concurrent reader never
// observes a partially written asset and a crash mid-write leaves only an
// orphaned temp file.
type Store struct {
	baseDir string
	tmpDir  string
	logger  *slog.Logger

	// mu guards refs and locks. Per-identity mutexes serialize writers of
	// the same content while leaving unrelated uploads uncontended. Lock
	// entries are never removed; the table is bounded by the set of
	// distinct identities seen by this process.
	mu    sync.Mutex
	refs  map[identity.Identity]int64
	locks map[identity.Identity]*sync.Mutex
}

// Config options for the filesystem store
type Config struct {
	BaseDir string       // Base directory for stored assets
	Logger  *slog.Logger // Optional; defaults to slog.Default()
}

// New creates a new filesystem asset store
func New(config Config) (*Store, error) {
	if config.BaseDir == "" {
		return nil, errors.New("base directory is required")
	}

	tmpDir := filepath.Join(config.BaseDir, "tmp")
	if err := os.MkdirAll(tmpDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Store{
		baseDir: config.BaseDir,
		tmpDir:  tmpDir,
		logger:  logger,
		refs:    make(map[identity.Identity]int64),
		locks:   make(map[identity.Identity]*sync.Mutex),
	}, nil
}

// lockIdentity acquires the per-identity mutex and returns its unlock func.
func (s *Store) lockIdentity(id identity.Identity) func() {
	s.mu.Lock()
	l, ok := s.locks[id]
	if !ok {
		l = &sync.Mutex{}
		s.locks[id] = l
	}
	s.mu.Unlock()

	l.Lock()
	return l.Unlock
}

func (s *Store) assetPath(id identity.Identity) string {
	return filepath.Join(s.baseDir, filepath.FromSlash(id.StoragePath()))
}

// Put hashes the stream while writing it to a temporary file, then either
// renames it into its content-addressed location or, when the identity is
// already stored, discards the temp file and increments the reference count.
func (s *Store) Put(ctx context.Context, r io.Reader, declaredSize int64) (*imagestore.PutResult, error) {
	tmpPath := filepath.Join(s.tmpDir, uuid.NewString())
	f, err := os.Create(tmpPath)
	if err != nil {
		return nil, fmt.Errorf("failed to create temp file: %w", err)
	}

	digest := identity.NewDigest()
	if _, err := io.Copy(io.MultiWriter(f, digest), r); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return nil, fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return nil, fmt.Errorf("failed to close temp file: %w", err)
	}

	id := digest.Identity()
	size := digest.Size()
	if declaredSize >= 0 && declaredSize != size {
		s.logger.Warn("declared size does not match stored bytes",
			"identity", id.String(), "declared", declaredSize, "actual", size)
	}

	unlock := s.lockIdentity(id)
	defer unlock()

	finalPath := s.assetPath(id)
	if _, err := os.Stat(finalPath); err == nil {
		// Identity already stored; the new copy is redundant.
		os.Remove(tmpPath)
		s.addRef(id, 1)
		return &imagestore.PutResult{Identity: id, Size: size, Deduplicated: true}, nil
	} else if !os.IsNotExist(err) {
		os.Remove(tmpPath)
		return nil, fmt.Errorf("failed to stat asset: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(finalPath), 0o755); err != nil {
		os.Remove(tmpPath)
		return nil, fmt.Errorf("failed to create shard directory: %w", err)
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		os.Remove(tmpPath)
		return nil, fmt.Errorf("failed to move asset into place: %w", err)
	}

	s.setRef(id, 1)
	return &imagestore.PutResult{Identity: id, Size: size, Deduplicated: false}, nil
}

// Open returns the stored bytes for an identity
func (s *Store) Open(ctx context.Context, id identity.Identity) (io.ReadCloser, error) {
	f, err := os.Open(s.assetPath(id))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %s", imagestore.ErrAssetNotFound, id)
	} else if err != nil {
		return nil, fmt.Errorf("failed to open asset: %w", err)
	}
	return f, nil
}

// Stat reports size and reference count for an identity
func (s *Store) Stat(ctx context.Context, id identity.Identity) (*imagestore.StoredAsset, error) {
	unlock := s.lockIdentity(id)
	defer unlock()

	info, err := os.Stat(s.assetPath(id))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %s", imagestore.ErrAssetNotFound, id)
	} else if err != nil {
		return nil, fmt.Errorf("failed to stat asset: %w", err)
	}

	return &imagestore.StoredAsset{
		Identity: id,
		Size:     info.Size(),
		RefCount: s.getRef(id),
	}, nil
}

// Release decrements the reference count and deletes the file when it
// reaches zero. An already-missing file is logged, not surfaced: the
// caller's intent ("this reference is gone") wins over file-system state.
func (s *Store) Release(ctx context.Context, id identity.Identity) error {
	unlock := s.lockIdentity(id)
	defer unlock()

	if n := s.getRef(id); n > 1 {
		s.setRef(id, n-1)
		return nil
	}

	s.dropRef(id)
	if err := os.Remove(s.assetPath(id)); err != nil {
		if os.IsNotExist(err) {
			s.logger.Warn("asset already removed externally", "identity", id.String())
			return nil
		}
		return fmt.Errorf("failed to delete asset: %w", err)
	}
	s.cleanupEmptyDirectories(filepath.Dir(s.assetPath(id)))
	return nil
}

// Reconcile resets reference counts from the authoritative catalog counts.
// Assets nothing references anymore are deleted; referenced assets that are
// missing on disk are reported in the log. Stale temp files are swept.
func (s *Store) Reconcile(ctx context.Context, refs map[identity.Identity]int64) error {
	s.mu.Lock()
	known := maps.Keys(s.refs)
	s.mu.Unlock()

	seen := make(map[identity.Identity]bool, len(refs)+len(known))
	for id := range refs {
		seen[id] = true
	}
	for _, id := range known {
		seen[id] = true
	}

	for id := range seen {
		if err := ctx.Err(); err != nil {
			return err
		}
		s.reconcileOne(id, refs[id])
	}

	s.sweepTempFiles()
	return nil
}

func (s *Store) reconcileOne(id identity.Identity, want int64) {
	unlock := s.lockIdentity(id)
	defer unlock()

	path := s.assetPath(id)
	_, err := os.Stat(path)
	exists := err == nil

	switch {
	case want <= 0:
		s.dropRef(id)
		if exists {
			if rerr := os.Remove(path); rerr != nil {
				s.logger.Error("failed to remove unreferenced asset",
					"identity", id.String(), "error", rerr)
				return
			}
			s.cleanupEmptyDirectories(filepath.Dir(path))
			s.logger.Info("removed unreferenced asset", "identity", id.String())
		}
	case !exists:
		s.dropRef(id)
		s.logger.Error("catalog references missing asset",
			"identity", id.String(), "references", want)
	default:
		s.setRef(id, want)
	}
}

// sweepTempFiles removes orphaned temp files left by crashed uploads. Files
// younger than an hour are skipped; they may belong to an in-flight Put.
func (s *Store) sweepTempFiles() {
	entries, err := os.ReadDir(s.tmpDir)
	if err != nil {
		s.logger.Warn("failed to read temp directory", "error", err)
		return
	}
	cutoff := time.Now().Add(-time.Hour)
	for _, entry := range entries {
		info, err := entry.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(s.tmpDir, entry.Name())); err == nil {
			s.logger.Info("removed orphaned temp file", "name", entry.Name())
		}
	}
}

// cleanupEmptyDirectories removes empty shard directories up to baseDir
func (s *Store) cleanupEmptyDirectories(dir string) {
	if dir == s.baseDir {
		return
	}
	if entries, err := os.ReadDir(dir); err == nil && len(entries) == 0 {
		if os.Remove(dir) == nil {
			s.cleanupEmptyDirectories(filepath.Dir(dir))
		}
	}
}

// Reference count helpers, guarded by mu.

func (s *Store) getRef(id identity.Identity) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refs[id]
}

func (s *Store) setRef(id identity.Identity, n int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refs[id] = n
}

func (s *Store) addRef(id identity.Identity, delta int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refs[id] += delta
}

func (s *Store) dropRef(id identity.Identity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.refs, id)
}
