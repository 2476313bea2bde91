package imagestore

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/clinicore/imagestore/pkg/imagestore/identity"
)

// service implements the Service interface
type service struct {
	catalog   Catalog
	store     AssetStore
	extractor Extractor
	clinics   ClinicDirectory
	logger    *slog.Logger
}

// Option represents a functional option for configuring the service
type Option func(*service)

// WithCatalog sets the catalog for the service
func WithCatalog(catalog Catalog) Option {
	return func(s *service) {
		s.catalog = catalog
	}
}

// WithAssetStore sets the asset store for the service
func WithAssetStore(store AssetStore) Option {
	return func(s *service) {
		s.store = store
	}
}

// WithExtractor sets the metadata extractor. Without one, records are
// created with no metadata.
func WithExtractor(extractor Extractor) Option {
	return func(s *service) {
		s.extractor = extractor
	}
}

// WithClinicDirectory sets the collaborator clinic registry
func WithClinicDirectory(clinics ClinicDirectory) Option {
	return func(s *service) {
		s.clinics = clinics
	}
}

// WithLogger sets the logger for the service
func WithLogger(logger *slog.Logger) Option {
	return func(s *service) {
		s.logger = logger
	}
}

// New creates a new service instance with the given options
func New(options ...Option) (Service, error) {
	s := &service{}

	for _, option := range options {
		option(s)
	}

	if s.catalog == nil {
		return nil, fmt.Errorf("catalog is required")
	}
	if s.store == nil {
		return nil, fmt.Errorf("asset store is required")
	}
	if s.clinics == nil {
		return nil, fmt.Errorf("clinic directory is required")
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}

	return s, nil
}

// Upload operations

func (s *service) Upload(ctx context.Context, req UploadRequest) (*CatalogRecord, error) {
	exists, err := s.clinics.ClinicExists(ctx, req.ClinicID)
	if err != nil {
		return nil, fmt.Errorf("clinic lookup failed for clinic %d: %w", req.ClinicID, err)
	}
	if !exists {
		return nil, fmt.Errorf("%w: %d", ErrClinicNotFound, req.ClinicID)
	}

	result, err := s.store.Put(ctx, req.Data, req.DeclaredSize)
	if err != nil {
		return nil, &StoreError{Op: "put", Err: err}
	}

	metadata := s.extract(ctx, result.Identity, req.MimeType)

	record := &CatalogRecord{
		ClinicID:   req.ClinicID,
		UploadedBy: req.UserID,
		FileName:   req.FileName,
		MimeType:   req.MimeType,
		Identity:   result.Identity,
		Size:       result.Size,
		Metadata:   metadata,
		CreatedAt:  time.Now().UTC(),
	}

	if err := s.catalog.CreateRecord(ctx, record); err != nil {
		// Roll back the reference taken by Put so a failed upload does not
		// pin the asset forever.
		if rerr := s.store.Release(ctx, result.Identity); rerr != nil {
			s.logger.Error("failed to release asset after record create failure",
				"identity", result.Identity.String(), "error", rerr)
		}
		return nil, &RecordError{Op: "create", Err: err}
	}

	s.logger.Info("image uploaded",
		"record_id", record.ID,
		"clinic_id", record.ClinicID,
		"identity", result.Identity.String(),
		"deduplicated", result.Deduplicated)

	return record, nil
}

// extract derives metadata from the stored copy. Extraction failures degrade
// to nil metadata and never fail the surrounding operation.
func (s *service) extract(ctx context.Context, id identity.Identity, mimeType string) *AssetMetadata {
	if s.extractor == nil {
		return nil
	}
	rc, err := s.store.Open(ctx, id)
	if err != nil {
		s.logger.Warn("skipping metadata extraction, cannot open asset",
			"identity", id.String(), "error", err)
		return nil
	}
	defer rc.Close()

	md := s.extractor.Extract(rc, mimeType)
	if md == nil {
		s.logger.Debug("no metadata extracted", "identity", id.String(), "mime_type", mimeType)
	}
	return md
}

func (s *service) Get(ctx context.Context, id int64) (*CatalogRecord, error) {
	record, err := s.catalog.GetRecord(ctx, id)
	if err != nil {
		return nil, &RecordError{RecordID: id, Op: "get", Err: err}
	}
	return record, nil
}

func (s *service) Download(ctx context.Context, id int64) (io.ReadCloser, *CatalogRecord, error) {
	record, err := s.catalog.GetRecord(ctx, id)
	if err != nil {
		return nil, nil, &RecordError{RecordID: id, Op: "download", Err: err}
	}

	rc, err := s.store.Open(ctx, record.Identity)
	if err != nil {
		return nil, nil, &StoreError{Identity: record.Identity, Op: "open", Err: err}
	}

	return rc, record, nil
}

func (s *service) ListByClinic(ctx context.Context, clinicID int64, offset, limit int) ([]*CatalogRecord, error) {
	return s.catalog.ListByClinic(ctx, clinicID, offset, limit)
}

func (s *service) Delete(ctx context.Context, id, requestingUserID int64) error {
	record, err := s.catalog.GetRecord(ctx, id)
	if err != nil {
		return &RecordError{RecordID: id, Op: "delete", Err: err}
	}

	if record.UploadedBy != requestingUserID {
		admin, err := s.clinics.IsClinicAdmin(ctx, requestingUserID, record.ClinicID)
		if err != nil {
			return fmt.Errorf("admin lookup failed for user %d clinic %d: %w",
				requestingUserID, record.ClinicID, err)
		}
		if !admin {
			return fmt.Errorf("%w: user %d may not delete record %d", ErrForbidden, requestingUserID, id)
		}
	}

	// Release before removing the record; a crash in between leaks at most a
	// reference count, recoverable via ReconcileReferences.
	if err := s.store.Release(ctx, record.Identity); err != nil {
		return &StoreError{Identity: record.Identity, Op: "release", Err: err}
	}

	if err := s.catalog.DeleteRecord(ctx, id); err != nil {
		return &RecordError{RecordID: id, Op: "delete", Err: err}
	}

	s.logger.Info("image deleted", "record_id", id, "requested_by", requestingUserID)
	return nil
}

func (s *service) RefreshMetadata(ctx context.Context, id int64) (*CatalogRecord, error) {
	record, err := s.catalog.GetRecord(ctx, id)
	if err != nil {
		return nil, &RecordError{RecordID: id, Op: "refresh_metadata", Err: err}
	}

	metadata := s.extract(ctx, record.Identity, record.MimeType)
	if err := s.catalog.UpdateRecordMetadata(ctx, id, metadata); err != nil {
		return nil, &RecordError{RecordID: id, Op: "refresh_metadata", Err: err}
	}

	record.Metadata = metadata
	return record, nil
}

func (s *service) ReconcileReferences(ctx context.Context) error {
	refs, err := s.catalog.CountByIdentity(ctx)
	if err != nil {
		return fmt.Errorf("counting catalog references: %w", err)
	}
	if err := s.store.Reconcile(ctx, refs); err != nil {
		return &StoreError{Op: "reconcile", Err: err}
	}
	s.logger.Info("reference reconciliation complete", "identities", len(refs))
	return nil
}

// Share operations

func (s *service) ShareImage(ctx context.Context, req ShareImageRequest) (*ShareRecord, error) {
	record, err := s.catalog.GetRecord(ctx, req.ImageID)
	if err != nil {
		return nil, &RecordError{RecordID: req.ImageID, Op: "share", Err: err}
	}

	exists, err := s.clinics.ClinicExists(ctx, req.ToClinicID)
	if err != nil {
		return nil, fmt.Errorf("clinic lookup failed for clinic %d: %w", req.ToClinicID, err)
	}
	if !exists {
		return nil, fmt.Errorf("%w: %d", ErrClinicNotFound, req.ToClinicID)
	}

	if record.UploadedBy != req.UserID {
		admin, err := s.clinics.IsClinicAdmin(ctx, req.UserID, record.ClinicID)
		if err != nil {
			return nil, fmt.Errorf("admin lookup failed for user %d clinic %d: %w",
				req.UserID, record.ClinicID, err)
		}
		if !admin {
			return nil, fmt.Errorf("%w: user %d may not share record %d", ErrForbidden, req.UserID, req.ImageID)
		}
	}

	shareType := req.Type
	if shareType == "" {
		shareType = ShareTypeView
	}

	now := time.Now().UTC()
	share := &ShareRecord{
		ImageID:        req.ImageID,
		FromClinicID:   record.ClinicID,
		ToClinicID:     req.ToClinicID,
		SharedBy:       req.UserID,
		Type:           shareType,
		Status:         ShareStatusPending,
		RequestMessage: req.Message,
		ExpiresAt:      req.ExpiresAt,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if err := s.catalog.CreateShare(ctx, share); err != nil {
		return nil, fmt.Errorf("creating share for record %d: %w", req.ImageID, err)
	}

	s.logger.Info("image shared",
		"share_id", share.ID,
		"image_id", share.ImageID,
		"from_clinic", share.FromClinicID,
		"to_clinic", share.ToClinicID,
		"type", share.Type)

	return share, nil
}

func (s *service) RespondToShare(ctx context.Context, req ShareResponseRequest) (*ShareRecord, error) {
	share, err := s.catalog.GetShare(ctx, req.ShareID)
	if err != nil {
		return nil, fmt.Errorf("getting share %d: %w", req.ShareID, err)
	}

	if share.Status != ShareStatusPending {
		return nil, fmt.Errorf("%w: share %d is %s", ErrShareNotPending, share.ID, share.Status)
	}

	now := time.Now().UTC()
	if share.ExpiresAt != nil && share.ExpiresAt.Before(now) {
		share.Status = ShareStatusExpired
		share.UpdatedAt = now
		if uerr := s.catalog.UpdateShare(ctx, share); uerr != nil {
			s.logger.Error("failed to persist share expiry", "share_id", share.ID, "error", uerr)
		}
		return nil, fmt.Errorf("%w: share %d", ErrShareExpired, share.ID)
	}

	admin, err := s.clinics.IsClinicAdmin(ctx, req.UserID, share.ToClinicID)
	if err != nil {
		return nil, fmt.Errorf("admin lookup failed for user %d clinic %d: %w",
			req.UserID, share.ToClinicID, err)
	}
	if !admin {
		return nil, fmt.Errorf("%w: user %d may not respond to share %d", ErrForbidden, req.UserID, share.ID)
	}

	if req.Approve {
		share.Status = ShareStatusApproved
	} else {
		share.Status = ShareStatusRejected
	}
	share.ResponseMessage = req.Message
	share.UpdatedAt = now

	if err := s.catalog.UpdateShare(ctx, share); err != nil {
		return nil, fmt.Errorf("updating share %d: %w", share.ID, err)
	}

	// An approved transfer re-homes the record to the receiving clinic.
	if req.Approve && share.Type == ShareTypeTransfer {
		if err := s.catalog.UpdateRecordClinic(ctx, share.ImageID, share.ToClinicID); err != nil {
			return nil, &RecordError{RecordID: share.ImageID, Op: "transfer", Err: err}
		}
	}

	s.logger.Info("share resolved", "share_id", share.ID, "status", share.Status)
	return share, nil
}

func (s *service) ListSharesByClinic(ctx context.Context, clinicID int64) ([]*ShareRecord, error) {
	shares, err := s.catalog.ListSharesByClinic(ctx, clinicID)
	if err != nil {
		return nil, err
	}
	s.markExpired(shares)
	return shares, nil
}

func (s *service) ListSharesByType(ctx context.Context, clinicID int64, shareType ShareType) ([]*ShareRecord, error) {
	shares, err := s.catalog.ListSharesByType(ctx, clinicID, shareType)
	if err != nil {
		return nil, err
	}
	s.markExpired(shares)
	return shares, nil
}

// markExpired surfaces expiry on read without waiting for a write.
func (s *service) markExpired(shares []*ShareRecord) {
	now := time.Now().UTC()
	for _, share := range shares {
		if share.Status == ShareStatusPending && share.ExpiresAt != nil && share.ExpiresAt.Before(now) {
			share.Status = ShareStatusExpired
		}
	}
}
