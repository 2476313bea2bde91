// Package memory provides an in-memory catalog for testing and development.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/clinicore/imagestore/pkg/imagestore"
	"github.com/clinicore/imagestore/pkg/imagestore/identity"
)

// Repository implements imagestore.Catalog using in-memory storage
type Repository struct {
	mu         sync.RWMutex
	records    map[int64]*imagestore.CatalogRecord
	shares     map[int64]*imagestore.ShareRecord
	nextRecord int64
	nextShare  int64
}

// New creates a new in-memory catalog
func New() *Repository {
	return &Repository{
		records: make(map[int64]*imagestore.CatalogRecord),
		shares:  make(map[int64]*imagestore.ShareRecord),
	}
}

func copyRecord(r *imagestore.CatalogRecord) *imagestore.CatalogRecord {
	c := *r
	c.Metadata = r.Metadata.Clone()
	return &c
}

func copyShare(s *imagestore.ShareRecord) *imagestore.ShareRecord {
	c := *s
	if s.ExpiresAt != nil {
		t := *s.ExpiresAt
		c.ExpiresAt = &t
	}
	return &c
}

// Record operations

func (r *Repository) CreateRecord(ctx context.Context, record *imagestore.CatalogRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextRecord++
	record.ID = r.nextRecord
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now()
	}

	r.records[record.ID] = copyRecord(record)
	return nil
}

func (r *Repository) GetRecord(ctx context.Context, id int64) (*imagestore.CatalogRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	record, exists := r.records[id]
	if !exists {
		return nil, imagestore.ErrRecordNotFound
	}
	return copyRecord(record), nil
}

func (r *Repository) ListByClinic(ctx context.Context, clinicID int64, offset, limit int) ([]*imagestore.CatalogRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*imagestore.CatalogRecord, 0)
	for _, record := range r.records {
		if record.ClinicID == clinicID {
			result = append(result, copyRecord(record))
		}
	}

	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})

	if offset < 0 {
		offset = 0
	}
	if offset >= len(result) {
		return []*imagestore.CatalogRecord{}, nil
	}
	result = result[offset:]
	if limit > 0 && limit < len(result) {
		result = result[:limit]
	}
	return result, nil
}

func (r *Repository) UpdateRecordMetadata(ctx context.Context, id int64, md *imagestore.AssetMetadata) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	record, exists := r.records[id]
	if !exists {
		return imagestore.ErrRecordNotFound
	}
	record.Metadata = md.Clone()
	return nil
}

func (r *Repository) UpdateRecordClinic(ctx context.Context, id, clinicID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	record, exists := r.records[id]
	if !exists {
		return imagestore.ErrRecordNotFound
	}
	record.ClinicID = clinicID
	return nil
}

func (r *Repository) DeleteRecord(ctx context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.records[id]; !exists {
		return imagestore.ErrRecordNotFound
	}
	delete(r.records, id)
	return nil
}

func (r *Repository) CountByIdentity(ctx context.Context) (map[identity.Identity]int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	counts := make(map[identity.Identity]int64)
	for _, record := range r.records {
		counts[record.Identity]++
	}
	return counts, nil
}

// Share operations

func (r *Repository) CreateShare(ctx context.Context, share *imagestore.ShareRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextShare++
	share.ID = r.nextShare
	now := time.Now()
	if share.CreatedAt.IsZero() {
		share.CreatedAt = now
	}
	share.UpdatedAt = now

	r.shares[share.ID] = copyShare(share)
	return nil
}

func (r *Repository) GetShare(ctx context.Context, id int64) (*imagestore.ShareRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	share, exists := r.shares[id]
	if !exists {
		return nil, imagestore.ErrShareNotFound
	}
	return copyShare(share), nil
}

func (r *Repository) UpdateShare(ctx context.Context, share *imagestore.ShareRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.shares[share.ID]; !exists {
		return imagestore.ErrShareNotFound
	}
	share.UpdatedAt = time.Now()
	r.shares[share.ID] = copyShare(share)
	return nil
}

func (r *Repository) ListSharesByClinic(ctx context.Context, clinicID int64) ([]*imagestore.ShareRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*imagestore.ShareRecord, 0)
	for _, share := range r.shares {
		if share.FromClinicID == clinicID || share.ToClinicID == clinicID {
			result = append(result, copyShare(share))
		}
	}
	sortShares(result)
	return result, nil
}

func (r *Repository) ListSharesByType(ctx context.Context, clinicID int64, shareType imagestore.ShareType) ([]*imagestore.ShareRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*imagestore.ShareRecord, 0)
	for _, share := range r.shares {
		if share.Type == shareType && (share.FromClinicID == clinicID || share.ToClinicID == clinicID) {
			result = append(result, copyShare(share))
		}
	}
	sortShares(result)
	return result, nil
}

func sortShares(shares []*imagestore.ShareRecord) {
	sort.Slice(shares, func(i, j int) bool {
		if shares[i].CreatedAt.Equal(shares[j].CreatedAt) {
			return shares[i].ID < shares[j].ID
		}
		return shares[i].CreatedAt.Before(shares[j].CreatedAt)
	})
}
