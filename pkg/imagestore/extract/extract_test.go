package extract

import (
	"bytes"
	"encoding/binary"
	"image"
	"image/color"
	"image/png"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// dicomElement appends one explicit-VR short-form data element.
func dicomElement(buf *bytes.Buffer, group, element uint16, vr string, value string) {
	if len(value)%2 != 0 {
		value += " " // DICOM values are even-length padded
	}
	binary.Write(buf, binary.LittleEndian, group)
	binary.Write(buf, binary.LittleEndian, element)
	buf.WriteString(vr)
	binary.Write(buf, binary.LittleEndian, uint16(len(value)))
	buf.WriteString(value)
}

func buildDICOM(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	buf.Write(make([]byte, 128))
	buf.WriteString("DICM")
	dicomElement(&buf, 0x0008, 0x0020, "DA", "20240115")
	dicomElement(&buf, 0x0008, 0x0060, "CS", "CT")
	dicomElement(&buf, 0x0010, 0x0020, "LO", "PAT-001")
	dicomElement(&buf, 0x0020, 0x0011, "IS", "3")
	dicomElement(&buf, 0x0020, 0x0013, "IS", "42")
	return buf.Bytes()
}

func buildPNG(t *testing.T, width, height int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.Set(x, y, color.RGBA{R: 255, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func buildVolume(t *testing.T, slices int) []byte {
	t.Helper()
	data := make([]byte, volumeHeaderSize+slices*volumeSliceBytes)
	// Fill the first slice with a gradient so normalization has a range.
	for i := 0; i < volumeDim*volumeDim; i++ {
		binary.LittleEndian.PutUint16(data[volumeHeaderSize+i*2:], uint16(i%4096))
	}
	return data
}

func TestExtractDICOM(t *testing.T) {
	e := New()
	md := e.Extract(bytes.NewReader(buildDICOM(t)), MimeDICOM)
	require.NotNil(t, md)

	require.NotNil(t, md.Modality)
	assert.Equal(t, "CT", *md.Modality)
	require.NotNil(t, md.PatientID)
	assert.Equal(t, "PAT-001", *md.PatientID)
	require.NotNil(t, md.StudyDate)
	assert.Equal(t, time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC), *md.StudyDate)
	require.NotNil(t, md.SeriesNumber)
	assert.Equal(t, 3, *md.SeriesNumber)
	require.NotNil(t, md.InstanceNumber)
	assert.Equal(t, 42, *md.InstanceNumber)
}

func TestExtractDICOMWithoutMagic(t *testing.T) {
	e := New()
	data := append(make([]byte, 128), []byte("NOPE    ")...)
	assert.Nil(t, e.Extract(bytes.NewReader(data), MimeDICOM))
}

func TestExtractDICOMTruncatedNeverPanics(t *testing.T) {
	e := New()
	full := buildDICOM(t)
	for n := 0; n <= len(full); n++ {
		e.Extract(bytes.NewReader(full[:n]), MimeDICOM)
	}
}

func TestExtractDICOMBadValuesDropped(t *testing.T) {
	var buf bytes.Buffer
	buf.Write(make([]byte, 128))
	buf.WriteString("DICM")
	dicomElement(&buf, 0x0008, 0x0020, "DA", "not-a-date")
	dicomElement(&buf, 0x0020, 0x0011, "IS", "NaN-ish")
	dicomElement(&buf, 0x0008, 0x0060, "CS", "MR")

	e := New()
	md := e.Extract(bytes.NewReader(buf.Bytes()), MimeDICOM)
	require.NotNil(t, md)
	assert.Nil(t, md.StudyDate)
	assert.Nil(t, md.SeriesNumber)
	require.NotNil(t, md.Modality)
	assert.Equal(t, "MR", *md.Modality)
}

func TestExtractRaster(t *testing.T) {
	e := New()
	md := e.Extract(bytes.NewReader(buildPNG(t, 100, 60)), "image/png")
	require.NotNil(t, md)
	require.NotNil(t, md.Width)
	require.NotNil(t, md.Height)
	assert.Equal(t, 100, *md.Width)
	assert.Equal(t, 60, *md.Height)
}

func TestExtractRasterGarbage(t *testing.T) {
	e := New()
	assert.Nil(t, e.Extract(bytes.NewReader([]byte("not an image at all")), "image/png"))
}

func TestExtractVolume(t *testing.T) {
	e := New()
	md := e.Extract(bytes.NewReader(buildVolume(t, 3)), MimeVolume)
	require.NotNil(t, md)
	require.NotNil(t, md.SliceCount)
	assert.Equal(t, 3, *md.SliceCount)
	assert.Equal(t, volumeDim, *md.Width)
	assert.Equal(t, volumeDim, *md.Height)
}

func TestExtractVolumeTooShort(t *testing.T) {
	e := New()
	assert.Nil(t, e.Extract(bytes.NewReader(make([]byte, volumeHeaderSize)), MimeVolume))
}

func TestExtractMimeMismatch(t *testing.T) {
	e := New()
	// DICOM bytes declared as PNG: the raster decoder fails, metadata is nil.
	assert.Nil(t, e.Extract(bytes.NewReader(buildDICOM(t)), "image/png"))
}

func TestExtractUnknownMime(t *testing.T) {
	e := New()
	assert.Nil(t, e.Extract(bytes.NewReader([]byte("whatever")), "application/pdf"))
}

func TestReadSlice(t *testing.T) {
	data := buildVolume(t, 2)

	img, err := ReadSlice(bytes.NewReader(data), 0)
	require.NoError(t, err)
	assert.Equal(t, volumeDim, img.Bounds().Dx())
	assert.Equal(t, volumeDim, img.Bounds().Dy())

	// The gradient slice must span the full gray range after normalization.
	minPix, maxPix := uint8(255), uint8(0)
	for _, p := range img.Pix {
		if p < minPix {
			minPix = p
		}
		if p > maxPix {
			maxPix = p
		}
	}
	assert.Equal(t, uint8(0), minPix)
	assert.Equal(t, uint8(255), maxPix)
}

func TestReadSliceUniformVolume(t *testing.T) {
	data := buildVolume(t, 2)

	// Slice 1 is all zeros; a flat slice renders black rather than dividing
	// by a zero range.
	img, err := ReadSlice(bytes.NewReader(data), 1)
	require.NoError(t, err)
	for i, p := range img.Pix {
		if p != 0 {
			t.Fatalf("pixel %d = %d, want 0", i, p)
		}
	}
}

func TestReadSliceOutOfRange(t *testing.T) {
	data := buildVolume(t, 2)

	_, err := ReadSlice(bytes.NewReader(data), 2)
	assert.Error(t, err)

	_, err = ReadSlice(bytes.NewReader(data), -1)
	assert.Error(t, err)
}
