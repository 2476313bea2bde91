// Package memory implements an in-memory asset store for testing and
// development.
package memory

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/clinicore/imagestore/pkg/imagestore"
	"github.com/clinicore/imagestore/pkg/imagestore/identity"
)

// Store is an in-memory implementation of the imagestore.AssetStore interface
type Store struct {
	mu     sync.RWMutex
	assets map[identity.Identity][]byte
	refs   map[identity.Identity]int64
}

// New creates a new in-memory asset store
func New() *Store {
	return &Store{
		assets: make(map[identity.Identity][]byte),
		refs:   make(map[identity.Identity]int64),
	}
}

// Put stores the stream under its content identity
func (s *Store) Put(ctx context.Context, r io.Reader, declaredSize int64) (*imagestore.PutResult, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read stream: %w", err)
	}
	id := identity.FromBytes(data)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.assets[id]; exists {
		s.refs[id]++
		return &imagestore.PutResult{Identity: id, Size: int64(len(data)), Deduplicated: true}, nil
	}

	s.assets[id] = data
	s.refs[id] = 1
	return &imagestore.PutResult{Identity: id, Size: int64(len(data)), Deduplicated: false}, nil
}

// Open returns the stored bytes for an identity
func (s *Store) Open(ctx context.Context, id identity.Identity) (io.ReadCloser, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, exists := s.assets[id]
	if !exists {
		return nil, fmt.Errorf("%w: %s", imagestore.ErrAssetNotFound, id)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// Stat reports size and reference count for an identity
func (s *Store) Stat(ctx context.Context, id identity.Identity) (*imagestore.StoredAsset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, exists := s.assets[id]
	if !exists {
		return nil, fmt.Errorf("%w: %s", imagestore.ErrAssetNotFound, id)
	}
	return &imagestore.StoredAsset{
		Identity: id,
		Size:     int64(len(data)),
		RefCount: s.refs[id],
	}, nil
}

// Release decrements the reference count, deleting the asset at zero
func (s *Store) Release(ctx context.Context, id identity.Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.refs[id] > 1 {
		s.refs[id]--
		return nil
	}
	delete(s.refs, id)
	delete(s.assets, id)
	return nil
}

// Reconcile resets reference counts from authoritative catalog counts
func (s *Store) Reconcile(ctx context.Context, refs map[identity.Identity]int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id := range s.assets {
		if refs[id] <= 0 {
			delete(s.assets, id)
			delete(s.refs, id)
		}
	}
	for id, want := range refs {
		if _, exists := s.assets[id]; exists {
			s.refs[id] = want
		}
	}
	return nil
}
