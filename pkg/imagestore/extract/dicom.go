package extract

import (
	"encoding/binary"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/clinicore/imagestore/pkg/imagestore"
)

// DICOM tags of interest, (group, element).
var dicomTags = map[[2]uint16]string{
	{0x0008, 0x0020}: "StudyDate",
	{0x0008, 0x0060}: "Modality",
	{0x0010, 0x0020}: "PatientID",
	{0x0020, 0x0011}: "SeriesNumber",
	{0x0020, 0x0013}: "InstanceNumber",
}

// extractDICOM does minimal DICOM binary header parsing: verify the DICM
// magic at offset 128, then walk data elements collecting the tags above.
// The walk handles explicit VR (short and long forms) and implicit VR and
// stops at the first element it cannot make sense of.
func extractDICOM(r io.Reader) *imagestore.AssetMetadata {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil
	}
	if len(data) < 136 || string(data[128:132]) != "DICM" {
		return nil
	}

	values := make(map[string]string)
	offset := 132
	for offset+8 <= len(data) {
		group := binary.LittleEndian.Uint16(data[offset:])
		element := binary.LittleEndian.Uint16(data[offset+2:])
		key := [2]uint16{group, element}

		vr := string(data[offset+4 : offset+6])
		var length uint32
		switch {
		case vr == "OB" || vr == "OW" || vr == "OF" || vr == "SQ" || vr == "UC" || vr == "UN" || vr == "UR" || vr == "UT":
			// Explicit VR, long form: 2 reserved bytes then 32-bit length.
			if offset+12 > len(data) {
				return asMetadata(values)
			}
			length = binary.LittleEndian.Uint32(data[offset+8:])
			offset += 12
		case vr[0] >= 'A' && vr[0] <= 'Z' && vr[1] >= 'A' && vr[1] <= 'Z':
			// Explicit VR, short form: 16-bit length.
			length = uint32(binary.LittleEndian.Uint16(data[offset+6:]))
			offset += 8
		default:
			// Implicit VR: 32-bit length in place of the VR bytes.
			length = binary.LittleEndian.Uint32(data[offset+4:])
			offset += 8
		}

		// Undefined-length and implausibly long elements end the walk; pixel
		// data and sequences live past everything we care about anyway.
		if length == 0xFFFFFFFF || int(length) > len(data)-offset {
			break
		}

		if name, ok := dicomTags[key]; ok {
			value := strings.TrimRight(string(data[offset:offset+int(length)]), "\x00 ")
			if value != "" {
				values[name] = value
			}
		}
		offset += int(length)

		if len(values) == len(dicomTags) {
			break
		}
	}

	return asMetadata(values)
}

// asMetadata converts raw tag values into typed metadata, dropping values
// that fail to parse. All-empty input yields nil.
func asMetadata(values map[string]string) *imagestore.AssetMetadata {
	if len(values) == 0 {
		return nil
	}

	meta := &imagestore.AssetMetadata{}
	if v, ok := values["Modality"]; ok {
		meta.Modality = &v
	}
	if v, ok := values["PatientID"]; ok {
		meta.PatientID = &v
	}
	if v, ok := values["StudyDate"]; ok {
		// DICOM DA value representation, YYYYMMDD.
		if t, err := time.Parse("20060102", v); err == nil {
			meta.StudyDate = &t
		}
	}
	if v, ok := values["SeriesNumber"]; ok {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			meta.SeriesNumber = &n
		}
	}
	if v, ok := values["InstanceNumber"]; ok {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			meta.InstanceNumber = &n
		}
	}
	return meta
}
