package mcumgr

import (
	"crypto/sha256"
	"encoding/binary"
)

// Image format constants, grounded on the field layout
// apache-mynewt-newtmgr/newt's image tooling operates on, expressed here
// as a direct MCUboot header+TLV decoder rather than the JSON-wrapper
// style newt uses over its wire protocol.
const (
	imageMagic = 0x96F3B83D

	tlvMagicUnprotected = 0x6907
	tlvMagicProtected   = 0x6908

	tlvTypeSHA256 = 0x10

	imageHeaderSize    = 32
	tlvAreaHeaderSize  = 4
	tlvEntryHeaderSize = 4
)

// ImageVersion is the four-field MCUboot version embedded in the header.
type ImageVersion struct {
	Major    uint8
	Minor    uint8
	Revision uint16
	Build    uint32
}

// ImageHeader is the 32-byte little-endian MCUboot image header.
type ImageHeader struct {
	LoadAddr   uint32
	HeaderSize uint16
	ImageSize  uint32
	Flags      uint32
	Version    ImageVersion
}

// TLVEntry is one type-length-value trailer entry.
type TLVEntry struct {
	Type  uint8
	Value []byte
	// Protected records whether this entry came from the protected
	// (0x6908) or unprotected (0x6907) TLV area.
	Protected bool
}

// Image is a decoded local MCU image file: header, TLV trailer, and raw
// content.
type Image struct {
	Header  ImageHeader
	TLV     []TLVEntry
	Content []byte
	// Hash is the 32-byte SHA-256 found in the unprotected TLV entry of
	// type 0x10.
	Hash []byte
	// SHA is the SHA-256 of the entire binary file, populated by
	// DecodeZIPPackage for each member image; zero-length when an image
	// is decoded standalone via DecodeImage.
	SHA []byte
}

// ImageHashHex returns the decoded image hash as a lowercase hex string,
// for callers that want to log or compare hashes without importing
// encoding/hex themselves (mirrors apache-mynewt-newt's hex-keyed image
// list convention).
func (img Image) ImageHashHex() string {
	const hextable = "0123456789abcdef"
	out := make([]byte, len(img.Hash)*2)
	for i, b := range img.Hash {
		out[i*2] = hextable[b>>4]
		out[i*2+1] = hextable[b&0x0f]
	}
	return string(out)
}

// DecodeImage parses an MCUboot image header and TLV trailer. Multiple TLV
// areas may be concatenated; decoding fails if no unprotected
// area carries a 32-byte hash of type 0x10.
func DecodeImage(data []byte) (Image, error) {
	if len(data) < imageHeaderSize {
		return Image{}, newFormatError("image shorter than header size")
	}

	magic := binary.LittleEndian.Uint32(data[0:4])
	if magic != imageMagic {
		return Image{}, newFormatError("bad image magic")
	}

	h := ImageHeader{
		LoadAddr:   binary.LittleEndian.Uint32(data[4:8]),
		HeaderSize: binary.LittleEndian.Uint16(data[8:10]),
		// data[10:12] is reserved.
		ImageSize: binary.LittleEndian.Uint32(data[12:16]),
		Flags:     binary.LittleEndian.Uint32(data[16:20]),
		Version: ImageVersion{
			Major:    data[20],
			Minor:    data[21],
			Revision: binary.LittleEndian.Uint16(data[22:24]),
			Build:    binary.LittleEndian.Uint32(data[24:28]),
		},
		// data[28:32] is trailing reserved.
	}

	tlvStart := uint32(h.HeaderSize) + h.ImageSize
	if uint64(tlvStart) > uint64(len(data)) {
		return Image{}, newFormatError("tlv offset beyond end of image")
	}

	tlv, hash, err := decodeTLVAreas(data[tlvStart:])
	if err != nil {
		return Image{}, err
	}
	if hash == nil {
		return Image{}, newFormatError("no unprotected sha256 tlv entry found")
	}

	content := data[:tlvStart]
	if uint64(h.HeaderSize) <= uint64(len(data)) {
		content = data[h.HeaderSize:tlvStart]
	}

	return Image{
		Header:  h,
		TLV:     tlv,
		Content: content,
		Hash:    hash,
	}, nil
}

// decodeTLVAreas walks one or more concatenated TLV areas starting at buf,
// returning every entry decoded plus the unprotected SHA-256 hash entry's
// value, if present.
func decodeTLVAreas(buf []byte) ([]TLVEntry, []byte, error) {
	var entries []TLVEntry
	var hash []byte

	for len(buf) > 0 {
		if len(buf) < tlvAreaHeaderSize {
			return nil, nil, newFormatError("truncated tlv area header")
		}

		areaMagic := binary.LittleEndian.Uint16(buf[0:2])
		areaLen := binary.LittleEndian.Uint16(buf[2:4])

		protected := areaMagic == tlvMagicProtected
		if !protected && areaMagic != tlvMagicUnprotected {
			return nil, nil, newFormatError("bad tlv area magic")
		}

		if int(areaLen) > len(buf) {
			return nil, nil, newFormatError("tlv area length exceeds buffer")
		}
		if areaLen < tlvAreaHeaderSize {
			return nil, nil, newFormatError("tlv area length too small for its own header")
		}

		area := buf[tlvAreaHeaderSize:areaLen]
		pos := 0
		for pos < len(area) {
			if pos+tlvEntryHeaderSize > len(area) {
				return nil, nil, newFormatError("truncated tlv entry header")
			}

			entryType := area[pos]
			entryLen := binary.LittleEndian.Uint16(area[pos+2 : pos+4])

			valueStart := pos + tlvEntryHeaderSize
			valueEnd := valueStart + int(entryLen)
			if valueEnd > len(area) {
				return nil, nil, newFormatError("truncated tlv entry value")
			}

			value := area[valueStart:valueEnd]
			entries = append(entries, TLVEntry{Type: entryType, Value: value, Protected: protected})

			if !protected && entryType == tlvTypeSHA256 && len(value) == sha256.Size {
				hash = value
			}

			pos = valueEnd
		}

		buf = buf[areaLen:]
	}

	return entries, hash, nil
}
