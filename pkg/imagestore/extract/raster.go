package extract

import (
	"image"
	"io"

	// Register decoders for the raster formats clinics upload.
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/clinicore/imagestore/pkg/imagestore"
)

// extractRaster reads pixel dimensions from a raster image header. Only the
// header is decoded, never the pixel data.
func extractRaster(r io.Reader) *imagestore.AssetMetadata {
	cfg, _, err := image.DecodeConfig(r)
	if err != nil {
		return nil
	}
	width, height := cfg.Width, cfg.Height
	return &imagestore.AssetMetadata{
		Width:  &width,
		Height: &height,
	}
}
