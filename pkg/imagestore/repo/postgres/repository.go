// Package postgres provides a PostgreSQL-backed catalog.
//
// Expected schema:
//
//	CREATE TABLE images (
//	    id          BIGSERIAL PRIMARY KEY,
//	    clinic_id   BIGINT NOT NULL,
//	    uploaded_by BIGINT NOT NULL,
//	    file_name   TEXT NOT NULL,
//	    mime_type   TEXT NOT NULL,
//	    identity    TEXT NOT NULL,
//	    size        BIGINT NOT NULL,
//	    metadata    JSONB,
//	    created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
//	);
//	CREATE INDEX images_clinic_idx ON images (clinic_id, created_at, id);
//	CREATE INDEX images_identity_idx ON images (identity);
//
//	CREATE TABLE image_shares (
//	    id               BIGSERIAL PRIMARY KEY,
//	    image_id         BIGINT NOT NULL REFERENCES images (id),
//	    from_clinic_id   BIGINT NOT NULL,
//	    to_clinic_id     BIGINT NOT NULL,
//	    shared_by        BIGINT NOT NULL,
//	    share_type       TEXT NOT NULL,
//	    status           TEXT NOT NULL,
//	    request_message  TEXT NOT NULL DEFAULT '',
//	    response_message TEXT NOT NULL DEFAULT '',
//	    expires_at       TIMESTAMPTZ,
//	    created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
//	    updated_at       TIMESTAMPTZ NOT NULL DEFAULT NOW()
//	);
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/clinicore/imagestore/pkg/imagestore"
	"github.com/clinicore/imagestore/pkg/imagestore/identity"
)

// DBTX is an interface that allows us to use either a database connection or a transaction
type DBTX interface {
	Exec(context.Context, string, ...interface{}) (pgconn.CommandTag, error)
	Query(context.Context, string, ...interface{}) (pgx.Rows, error)
	QueryRow(context.Context, string, ...interface{}) pgx.Row
}

// Repository implements imagestore.Catalog using PostgreSQL
type Repository struct {
	db DBTX
}

// New creates a new PostgreSQL catalog
func New(db DBTX) *Repository {
	return &Repository{db: db}
}

// NewWithPool creates a new PostgreSQL catalog with connection pool
func NewWithPool(pool *pgxpool.Pool) *Repository {
	return &Repository{db: pool}
}

// Error handling helper
func (r *Repository) handlePostgresError(operation string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505": // unique_violation
			return fmt.Errorf("duplicate entry")
		case "23503": // foreign_key_violation
			return fmt.Errorf("referenced record not found")
		case "23502": // not_null_violation
			return fmt.Errorf("required field %s is missing", pgErr.ColumnName)
		case "42P01": // undefined_table
			return fmt.Errorf("table does not exist - database migration required")
		default:
			return fmt.Errorf("database error in %s: %s (code: %s)", operation, pgErr.Message, pgErr.Code)
		}
	}
	return fmt.Errorf("database error in %s: %w", operation, err)
}

func isNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows) || errors.Is(err, sql.ErrNoRows)
}

// marshalMetadata encodes metadata for the JSONB column; nil stays NULL.
func marshalMetadata(md *imagestore.AssetMetadata) (any, error) {
	if md == nil {
		return nil, nil
	}
	return json.Marshal(md)
}

func unmarshalMetadata(raw []byte) (*imagestore.AssetMetadata, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var md imagestore.AssetMetadata
	if err := json.Unmarshal(raw, &md); err != nil {
		return nil, err
	}
	return &md, nil
}

// Record operations

func (r *Repository) CreateRecord(ctx context.Context, record *imagestore.CatalogRecord) error {
	md, err := marshalMetadata(record.Metadata)
	if err != nil {
		return fmt.Errorf("failed to encode metadata: %w", err)
	}

	query := `
		INSERT INTO images (
			clinic_id, uploaded_by, file_name, mime_type, identity, size, metadata
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at`

	err = r.db.QueryRow(ctx, query,
		record.ClinicID, record.UploadedBy, record.FileName, record.MimeType,
		record.Identity.String(), record.Size, md).
		Scan(&record.ID, &record.CreatedAt)
	if err != nil {
		return r.handlePostgresError("create record", err)
	}
	return nil
}

func (r *Repository) GetRecord(ctx context.Context, id int64) (*imagestore.CatalogRecord, error) {
	query := `
		SELECT id, clinic_id, uploaded_by, file_name, mime_type, identity, size, metadata, created_at
		FROM images WHERE id = $1`

	record, err := scanRecord(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if isNoRows(err) {
			return nil, imagestore.ErrRecordNotFound
		}
		return nil, r.handlePostgresError("get record", err)
	}
	return record, nil
}

func (r *Repository) ListByClinic(ctx context.Context, clinicID int64, offset, limit int) ([]*imagestore.CatalogRecord, error) {
	if offset < 0 {
		offset = 0
	}
	query := `
		SELECT id, clinic_id, uploaded_by, file_name, mime_type, identity, size, metadata, created_at
		FROM images WHERE clinic_id = $1
		ORDER BY created_at ASC, id ASC
		OFFSET $2`
	args := []interface{}{clinicID, offset}
	if limit > 0 {
		query += ` LIMIT $3`
		args = append(args, limit)
	}

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, r.handlePostgresError("list records", err)
	}
	defer rows.Close()

	records := make([]*imagestore.CatalogRecord, 0)
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, r.handlePostgresError("list records", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, r.handlePostgresError("list records", err)
	}
	return records, nil
}

func scanRecord(row pgx.Row) (*imagestore.CatalogRecord, error) {
	var record imagestore.CatalogRecord
	var idHex string
	var rawMeta []byte
	if err := row.Scan(
		&record.ID, &record.ClinicID, &record.UploadedBy, &record.FileName,
		&record.MimeType, &idHex, &record.Size, &rawMeta, &record.CreatedAt); err != nil {
		return nil, err
	}

	id, err := identity.Parse(idHex)
	if err != nil {
		return nil, fmt.Errorf("stored identity is malformed: %w", err)
	}
	record.Identity = id

	record.Metadata, err = unmarshalMetadata(rawMeta)
	if err != nil {
		return nil, fmt.Errorf("stored metadata is malformed: %w", err)
	}
	return &record, nil
}

func (r *Repository) UpdateRecordMetadata(ctx context.Context, id int64, md *imagestore.AssetMetadata) error {
	raw, err := marshalMetadata(md)
	if err != nil {
		return fmt.Errorf("failed to encode metadata: %w", err)
	}

	tag, err := r.db.Exec(ctx, `UPDATE images SET metadata = $2 WHERE id = $1`, id, raw)
	if err != nil {
		return r.handlePostgresError("update record metadata", err)
	}
	if tag.RowsAffected() == 0 {
		return imagestore.ErrRecordNotFound
	}
	return nil
}

func (r *Repository) UpdateRecordClinic(ctx context.Context, id, clinicID int64) error {
	tag, err := r.db.Exec(ctx, `UPDATE images SET clinic_id = $2 WHERE id = $1`, id, clinicID)
	if err != nil {
		return r.handlePostgresError("update record clinic", err)
	}
	if tag.RowsAffected() == 0 {
		return imagestore.ErrRecordNotFound
	}
	return nil
}

func (r *Repository) DeleteRecord(ctx context.Context, id int64) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM images WHERE id = $1`, id)
	if err != nil {
		return r.handlePostgresError("delete record", err)
	}
	if tag.RowsAffected() == 0 {
		return imagestore.ErrRecordNotFound
	}
	return nil
}

func (r *Repository) CountByIdentity(ctx context.Context) (map[identity.Identity]int64, error) {
	rows, err := r.db.Query(ctx, `SELECT identity, COUNT(*) FROM images GROUP BY identity`)
	if err != nil {
		return nil, r.handlePostgresError("count by identity", err)
	}
	defer rows.Close()

	counts := make(map[identity.Identity]int64)
	for rows.Next() {
		var idHex string
		var n int64
		if err := rows.Scan(&idHex, &n); err != nil {
			return nil, r.handlePostgresError("count by identity", err)
		}
		id, err := identity.Parse(idHex)
		if err != nil {
			return nil, fmt.Errorf("stored identity is malformed: %w", err)
		}
		counts[id] = n
	}
	if err := rows.Err(); err != nil {
		return nil, r.handlePostgresError("count by identity", err)
	}
	return counts, nil
}

// Share operations

func (r *Repository) CreateShare(ctx context.Context, share *imagestore.ShareRecord) error {
	query := `
		INSERT INTO image_shares (
			image_id, from_clinic_id, to_clinic_id, shared_by,
			share_type, status, request_message, response_message, expires_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id, created_at, updated_at`

	err := r.db.QueryRow(ctx, query,
		share.ImageID, share.FromClinicID, share.ToClinicID, share.SharedBy,
		string(share.Type), string(share.Status),
		share.RequestMessage, share.ResponseMessage, share.ExpiresAt).
		Scan(&share.ID, &share.CreatedAt, &share.UpdatedAt)
	if err != nil {
		return r.handlePostgresError("create share", err)
	}
	return nil
}

func (r *Repository) GetShare(ctx context.Context, id int64) (*imagestore.ShareRecord, error) {
	query := shareSelect + ` WHERE id = $1`

	share, err := scanShare(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if isNoRows(err) {
			return nil, imagestore.ErrShareNotFound
		}
		return nil, r.handlePostgresError("get share", err)
	}
	return share, nil
}

func (r *Repository) UpdateShare(ctx context.Context, share *imagestore.ShareRecord) error {
	query := `
		UPDATE image_shares SET
			status = $2, response_message = $3, expires_at = $4, updated_at = NOW()
		WHERE id = $1
		RETURNING updated_at`

	err := r.db.QueryRow(ctx, query,
		share.ID, string(share.Status), share.ResponseMessage, share.ExpiresAt).
		Scan(&share.UpdatedAt)
	if err != nil {
		if isNoRows(err) {
			return imagestore.ErrShareNotFound
		}
		return r.handlePostgresError("update share", err)
	}
	return nil
}

const shareSelect = `
	SELECT id, image_id, from_clinic_id, to_clinic_id, shared_by,
	       share_type, status, request_message, response_message,
	       expires_at, created_at, updated_at
	FROM image_shares`

func (r *Repository) ListSharesByClinic(ctx context.Context, clinicID int64) ([]*imagestore.ShareRecord, error) {
	query := shareSelect + `
		WHERE from_clinic_id = $1 OR to_clinic_id = $1
		ORDER BY created_at ASC, id ASC`
	return r.listShares(ctx, query, clinicID)
}

func (r *Repository) ListSharesByType(ctx context.Context, clinicID int64, shareType imagestore.ShareType) ([]*imagestore.ShareRecord, error) {
	query := shareSelect + `
		WHERE (from_clinic_id = $1 OR to_clinic_id = $1) AND share_type = $2
		ORDER BY created_at ASC, id ASC`
	return r.listShares(ctx, query, clinicID, string(shareType))
}

func (r *Repository) listShares(ctx context.Context, query string, args ...interface{}) ([]*imagestore.ShareRecord, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, r.handlePostgresError("list shares", err)
	}
	defer rows.Close()

	shares := make([]*imagestore.ShareRecord, 0)
	for rows.Next() {
		share, err := scanShare(rows)
		if err != nil {
			return nil, r.handlePostgresError("list shares", err)
		}
		shares = append(shares, share)
	}
	if err := rows.Err(); err != nil {
		return nil, r.handlePostgresError("list shares", err)
	}
	return shares, nil
}

func scanShare(row pgx.Row) (*imagestore.ShareRecord, error) {
	var share imagestore.ShareRecord
	var shareType, status string
	if err := row.Scan(
		&share.ID, &share.ImageID, &share.FromClinicID, &share.ToClinicID,
		&share.SharedBy, &shareType, &status,
		&share.RequestMessage, &share.ResponseMessage,
		&share.ExpiresAt, &share.CreatedAt, &share.UpdatedAt); err != nil {
		return nil, err
	}
	share.Type = imagestore.ShareType(shareType)
	share.Status = imagestore.ShareStatus(status)
	return &share, nil
}
