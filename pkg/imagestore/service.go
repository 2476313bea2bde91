package imagestore

import (
	"context"
	"io"
)

// Service is the main interface for clinic-scoped image management.
type Service interface {
	// Upload stores the byte stream content-addressed, extracts metadata
	// best-effort and creates the catalog record linking clinic, user and
	// filename to the stored asset.
	Upload(ctx context.Context, req UploadRequest) (*CatalogRecord, error)

	// Get returns a catalog record by ID.
	Get(ctx context.Context, id int64) (*CatalogRecord, error)

	// Download returns the stored bytes for a record along with the record
	// itself (for mime type and suggested filename).
	Download(ctx context.Context, id int64) (io.ReadCloser, *CatalogRecord, error)

	// ListByClinic returns a clinic's records ordered by creation time
	// ascending, paginated by offset/limit.
	ListByClinic(ctx context.Context, clinicID int64, offset, limit int) ([]*CatalogRecord, error)

	// Delete removes a record and releases its asset reference. Only the
	// uploader or a clinic admin may delete.
	Delete(ctx context.Context, id, requestingUserID int64) error

	// RefreshMetadata re-runs metadata extraction for a record. Metadata is
	// recomputed only through this explicit call; stored assets are
	// immutable, so it is never invalidated automatically.
	RefreshMetadata(ctx context.Context, id int64) (*CatalogRecord, error)

	// ReconcileReferences rebuilds asset store reference counts from the
	// catalog, cleaning up counts leaked by crashes mid-delete.
	ReconcileReferences(ctx context.Context) error

	// Share operations
	ShareImage(ctx context.Context, req ShareImageRequest) (*ShareRecord, error)
	RespondToShare(ctx context.Context, req ShareResponseRequest) (*ShareRecord, error)
	ListSharesByClinic(ctx context.Context, clinicID int64) ([]*ShareRecord, error)
	ListSharesByType(ctx context.Context, clinicID int64, shareType ShareType) ([]*ShareRecord, error)
}
