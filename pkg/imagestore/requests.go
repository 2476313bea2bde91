package imagestore

import (
	"io"
	"time"
)

// UploadRequest contains parameters for uploading an image
type UploadRequest struct {
	ClinicID     int64
	UserID       int64
	FileName     string
	MimeType     string
	Data         io.Reader
	DeclaredSize int64 // advisory; -1 when unknown
}

// ShareImageRequest contains parameters for offering an image to another clinic
type ShareImageRequest struct {
	ImageID    int64
	UserID     int64 // sharing user
	ToClinicID int64
	Type       ShareType
	Message    string
	ExpiresAt  *time.Time
}

// ShareResponseRequest contains parameters for resolving a pending share
type ShareResponseRequest struct {
	ShareID int64
	UserID  int64 // responding user, must administer the receiving clinic
	Approve bool
	Message string
}
