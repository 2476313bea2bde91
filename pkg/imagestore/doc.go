// Package imagestore provides a reusable library for clinic-scoped medical
// image management backed by content-addressed asset storage.
//
// It exposes a single Service interface that orchestrates uploads (content
// hashing, deduplicated storage, best-effort metadata extraction, catalog
// record creation), retrieval, clinic-scoped listing, authorized deletion and
// inter-clinic image sharing. Implementations of catalogs (memory, Postgres)
// and asset stores (memory, filesystem, S3) are provided under subpackages.
//
// Storage Strategy
//
// Assets are stored exactly once per content identity (a SHA-256 digest of
// the bytes); catalog records reference assets by identity only, never by
// path, so the physical layout can change without touching the catalog.
// Reference counts track how many records point at each asset, and the
// physical copy is removed when the last reference is released.
package imagestore
