package extract

import (
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"io"

	"github.com/clinicore/imagestore/pkg/imagestore"
)

// Volumetric scan format: a fixed-size header followed by consecutive
// 512x512 axial slices of little-endian uint16 voxels.
const (
	volumeHeaderSize = 512
	volumeDim        = 512
	volumeSliceBytes = volumeDim * volumeDim * 2
)

// extractVolume derives slice geometry from the stream length. The header
// content is opaque here; only its size matters for slice accounting.
func extractVolume(r io.Reader) *imagestore.AssetMetadata {
	total, err := io.Copy(io.Discard, r)
	if err != nil || total < volumeHeaderSize+volumeSliceBytes {
		return nil
	}

	slices := int((total - volumeHeaderSize) / volumeSliceBytes)
	width, height := volumeDim, volumeDim
	return &imagestore.AssetMetadata{
		Width:      &width,
		Height:     &height,
		SliceCount: &slices,
	}
}

// ReadSlice extracts slice n (zero-based) from a volumetric stream and
// renders it as an 8-bit grayscale image, normalizing the slice's voxel
// range to the full gray scale.
func ReadSlice(r io.Reader, n int) (*image.Gray, error) {
	if n < 0 {
		return nil, errors.New("slice index must not be negative")
	}

	skip := int64(volumeHeaderSize) + int64(n)*int64(volumeSliceBytes)
	if _, err := io.CopyN(io.Discard, r, skip); err != nil {
		if err == io.EOF {
			return nil, fmt.Errorf("volume has no slice %d", n)
		}
		return nil, fmt.Errorf("failed to seek to slice: %w", err)
	}

	raw := make([]byte, volumeSliceBytes)
	if _, err := io.ReadFull(r, raw); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, fmt.Errorf("volume has no slice %d", n)
		}
		return nil, fmt.Errorf("failed to read slice: %w", err)
	}

	voxels := make([]uint16, volumeDim*volumeDim)
	minV, maxV := uint16(0xFFFF), uint16(0)
	for i := range voxels {
		v := binary.LittleEndian.Uint16(raw[i*2:])
		voxels[i] = v
		if v < minV {
			minV = v
		}
		if v > maxV {
			maxV = v
		}
	}

	img := image.NewGray(image.Rect(0, 0, volumeDim, volumeDim))
	span := int(maxV) - int(minV)
	for i, v := range voxels {
		if span == 0 {
			img.Pix[i] = 0
			continue
		}
		img.Pix[i] = uint8((int(v) - int(minV)) * 255 / span)
	}
	return img, nil
}
