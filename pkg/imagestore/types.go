package imagestore

import (
	"time"

	"github.com/clinicore/imagestore/pkg/imagestore/identity"
)

// ShareType classifies why an image is shared with another clinic.
type ShareType string

// Share type constants (typed).
const (
	ShareTypeView         ShareType = "view"
	ShareTypeConsultation ShareType = "consultation"
	ShareTypeTransfer     ShareType = "transfer"
)

// ShareStatus is the domain type for share lifecycle states.
type ShareStatus string

// Share status constants (typed).
const (
	ShareStatusPending  ShareStatus = "pending"
	ShareStatusApproved ShareStatus = "approved"
	ShareStatusRejected ShareStatus = "rejected"
	ShareStatusExpired  ShareStatus = "expired"
)

// CatalogRecord is the user-facing image entity. It links a clinic, an
// uploading user and a client-supplied filename to a stored asset by
// identity. It never holds a file-system path; the asset store owns the
// physical layout.
//
// ClinicID and UploadedBy are immutable after creation, except when an
// approved transfer share re-homes the record to the receiving clinic.
type CatalogRecord struct {
	ID         int64             `json:"id"`
	ClinicID   int64             `json:"clinic_id"`
	UploadedBy int64             `json:"uploaded_by"`
	FileName   string            `json:"filename"`
	MimeType   string            `json:"mime_type"`
	Identity   identity.Identity `json:"-"`
	Size       int64             `json:"size"`
	Metadata   *AssetMetadata    `json:"metadata,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
}

// AssetMetadata holds descriptive, extractor-produced fields. Every field is
// optional: a nil AssetMetadata (extraction failed or unsupported type) is a
// valid state of a record, distinct from a missing asset.
type AssetMetadata struct {
	Width  *int `json:"width,omitempty"`
	Height *int `json:"height,omitempty"`

	// DICOM header fields.
	Modality       *string    `json:"modality,omitempty"`
	PatientID      *string    `json:"patient_id,omitempty"`
	StudyDate      *time.Time `json:"study_date,omitempty"`
	SeriesNumber   *int       `json:"series_number,omitempty"`
	InstanceNumber *int       `json:"instance_number,omitempty"`

	// Volumetric (.vol) fields.
	SliceCount *int `json:"slice_count,omitempty"`
}

// Clone returns a deep copy of the metadata, or nil for nil input.
func (m *AssetMetadata) Clone() *AssetMetadata {
	if m == nil {
		return nil
	}
	out := &AssetMetadata{}
	copyInt := func(p *int) *int {
		if p == nil {
			return nil
		}
		v := *p
		return &v
	}
	out.Width = copyInt(m.Width)
	out.Height = copyInt(m.Height)
	out.SeriesNumber = copyInt(m.SeriesNumber)
	out.InstanceNumber = copyInt(m.InstanceNumber)
	out.SliceCount = copyInt(m.SliceCount)
	if m.Modality != nil {
		v := *m.Modality
		out.Modality = &v
	}
	if m.PatientID != nil {
		v := *m.PatientID
		out.PatientID = &v
	}
	if m.StudyDate != nil {
		v := *m.StudyDate
		out.StudyDate = &v
	}
	return out
}

// StoredAsset describes one physical copy of content held by an asset store.
type StoredAsset struct {
	Identity identity.Identity `json:"identity"`
	Size     int64             `json:"size"`
	RefCount int64             `json:"ref_count"`
}

// PutResult is returned by AssetStore.Put.
type PutResult struct {
	Identity     identity.Identity
	Size         int64
	Deduplicated bool
}

// ShareRecord represents one clinic offering an image to another clinic.
type ShareRecord struct {
	ID              int64       `json:"id"`
	ImageID         int64       `json:"image_id"`
	FromClinicID    int64       `json:"from_clinic_id"`
	ToClinicID      int64       `json:"to_clinic_id"`
	SharedBy        int64       `json:"shared_by"`
	Type            ShareType   `json:"share_type"`
	Status          ShareStatus `json:"status"`
	RequestMessage  string      `json:"request_message,omitempty"`
	ResponseMessage string      `json:"response_message,omitempty"`
	ExpiresAt       *time.Time  `json:"expires_at,omitempty"`
	CreatedAt       time.Time   `json:"created_at"`
	UpdatedAt       time.Time   `json:"updated_at"`
}
