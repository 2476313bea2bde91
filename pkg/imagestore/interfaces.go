package imagestore

import (
	"context"
	"io"

	"github.com/clinicore/imagestore/pkg/imagestore/identity"
)

// AssetStore is the single source of truth for whether content already
// exists, and where. Implementations guarantee at most one physical copy per
// identity and must never expose a partially written asset: a Put that
// crashes mid-write leaves at worst an orphaned temporary object, never a
// corrupt final one.
type AssetStore interface {
	// Put stores the stream under its content identity. Uploading bytes that
	// are already stored increments the reference count instead of writing a
	// second copy. declaredSize is advisory; the store records the actual
	// byte count.
	Put(ctx context.Context, r io.Reader, declaredSize int64) (*PutResult, error)

	// Open returns the stored bytes for an identity. Fails with
	// ErrAssetNotFound for unknown identities.
	Open(ctx context.Context, id identity.Identity) (io.ReadCloser, error)

	// Stat reports size and reference count for an identity.
	Stat(ctx context.Context, id identity.Identity) (*StoredAsset, error)

	// Release decrements the reference count and physically deletes the
	// content when it reaches zero. A file that was already externally
	// removed is logged and swallowed: the catalog's intent wins over
	// file-system state.
	Release(ctx context.Context, id identity.Identity) error

	// Reconcile resets reference counts from the authoritative per-identity
	// record counts, removing assets nothing references anymore. It recovers
	// counts leaked by crashes between a release and a record deletion.
	Reconcile(ctx context.Context, refs map[identity.Identity]int64) error
}

// Catalog persists catalog and share records. Implementations hold asset
// identities only, never storage paths.
type Catalog interface {
	// CreateRecord persists a new record and assigns its ID.
	CreateRecord(ctx context.Context, record *CatalogRecord) error
	GetRecord(ctx context.Context, id int64) (*CatalogRecord, error)
	// ListByClinic returns records for a clinic ordered by creation time
	// ascending, then ID. A clinic without records yields an empty slice.
	// limit <= 0 means no limit.
	ListByClinic(ctx context.Context, clinicID int64, offset, limit int) ([]*CatalogRecord, error)
	// UpdateRecordMetadata replaces the cached metadata of a record.
	UpdateRecordMetadata(ctx context.Context, id int64, md *AssetMetadata) error
	// UpdateRecordClinic re-homes a record to another clinic (transfer shares).
	UpdateRecordClinic(ctx context.Context, id, clinicID int64) error
	DeleteRecord(ctx context.Context, id int64) error
	// CountByIdentity returns how many records reference each identity.
	CountByIdentity(ctx context.Context) (map[identity.Identity]int64, error)

	// Share operations
	CreateShare(ctx context.Context, share *ShareRecord) error
	GetShare(ctx context.Context, id int64) (*ShareRecord, error)
	UpdateShare(ctx context.Context, share *ShareRecord) error
	ListSharesByClinic(ctx context.Context, clinicID int64) ([]*ShareRecord, error)
	ListSharesByType(ctx context.Context, clinicID int64, shareType ShareType) ([]*ShareRecord, error)
}

// ClinicDirectory is the collaborator interface to the surrounding
// application's clinic and role registry.
type ClinicDirectory interface {
	ClinicExists(ctx context.Context, clinicID int64) (bool, error)
	IsClinicAdmin(ctx context.Context, userID, clinicID int64) (bool, error)
}

// Extractor derives descriptive metadata from asset bytes. Extraction is
// best-effort: implementations return nil for anything they cannot parse and
// never abort the surrounding upload.
type Extractor interface {
	Extract(r io.Reader, declaredMime string) *AssetMetadata
}
