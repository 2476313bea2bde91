package imagestore

import (
	"errors"
	"fmt"

	"github.com/clinicore/imagestore/pkg/imagestore/identity"
)

// Error types
var (
	// ErrAssetNotFound indicates an identity unknown to the asset store
	ErrAssetNotFound = errors.New("asset not found")

	// ErrRecordNotFound indicates a catalog record was not found
	ErrRecordNotFound = errors.New("image record not found")

	// ErrShareNotFound indicates a share record was not found
	ErrShareNotFound = errors.New("share not found")

	// ErrClinicNotFound indicates a reference to a clinic that does not exist
	ErrClinicNotFound = errors.New("clinic not found")

	// ErrForbidden indicates the requesting user may not perform the operation
	ErrForbidden = errors.New("not enough permissions")

	// ErrShareNotPending indicates a response to a share that was already resolved
	ErrShareNotPending = errors.New("share is not pending")

	// ErrShareExpired indicates a share whose expiry has passed
	ErrShareExpired = errors.New("share has expired")
)

// RecordError represents an error related to catalog record operations
type RecordError struct {
	RecordID int64
	Op       string
	Err      error
}

func (e *RecordError) Error() string {
	return fmt.Sprintf("image operation %s failed for record %d: %v", e.Op, e.RecordID, e.Err)
}

func (e *RecordError) Unwrap() error {
	return e.Err
}

// StoreError represents an error related to asset store operations
type StoreError struct {
	Identity identity.Identity
	Op       string
	Err      error
}

func (e *StoreError) Error() string {
	if e.Identity.IsZero() {
		return fmt.Sprintf("asset store operation %s failed: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("asset store operation %s failed for %s: %v", e.Op, e.Identity, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}
