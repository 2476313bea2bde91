// Package extract derives descriptive metadata from stored image bytes.
//
// Extraction is best-effort: any malformed, truncated or unrecognized input
// yields nil metadata rather than an error, so a failed extraction never
// blocks an upload.
package extract

import (
	"io"
	"strings"

	"github.com/clinicore/imagestore/pkg/imagestore"
)

// maxHeaderBytes bounds how much of the stream header parsers may read.
const maxHeaderBytes = 64 * 1024

// MIME types with dedicated parsers.
const (
	MimeDICOM  = "application/dicom"
	MimeVolume = "application/x-onevolume"
)

// Extractor dispatches on the declared MIME type of an asset. The content is
// never sniffed; a mismatch between declaration and bytes simply produces nil
// metadata.
type Extractor struct{}

// New creates a metadata extractor
func New() *Extractor {
	return &Extractor{}
}

// Extract parses the stream according to declaredMime and returns whatever
// metadata could be derived, or nil.
func (e *Extractor) Extract(r io.Reader, declaredMime string) *imagestore.AssetMetadata {
	switch {
	case declaredMime == MimeDICOM:
		return extractDICOM(io.LimitReader(r, maxHeaderBytes))
	case declaredMime == MimeVolume:
		return extractVolume(r)
	case strings.HasPrefix(declaredMime, "image/"):
		return extractRaster(r)
	default:
		return nil
	}
}
