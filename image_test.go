package mcumgr

import (
	"bytes"
	"encoding/binary"
	"testing"
)

// buildImage assembles a synthetic MCUboot image: header, content, and a
// single unprotected TLV area carrying one SHA-256 entry.
func buildImage(t *testing.T, content []byte, hash []byte, version ImageVersion) []byte {
	t.Helper()

	var buf bytes.Buffer

	header := make([]byte, imageHeaderSize)
	binary.LittleEndian.PutUint32(header[0:4], imageMagic)
	binary.LittleEndian.PutUint32(header[4:8], 0x08000000) // load addr
	binary.LittleEndian.PutUint16(header[8:10], imageHeaderSize)
	// header[10:12] reserved, left zero.
	binary.LittleEndian.PutUint32(header[12:16], uint32(len(content)))
	binary.LittleEndian.PutUint32(header[16:20], 0) // flags
	header[20] = version.Major
	header[21] = version.Minor
	binary.LittleEndian.PutUint16(header[22:24], version.Revision)
	binary.LittleEndian.PutUint32(header[24:28], version.Build)
	buf.Write(header)
	buf.Write(content)

	entry := make([]byte, tlvEntryHeaderSize+len(hash))
	entry[0] = tlvTypeSHA256
	entry[1] = 0 // reserved
	binary.LittleEndian.PutUint16(entry[2:4], uint16(len(hash)))
	copy(entry[tlvEntryHeaderSize:], hash)

	areaLen := tlvAreaHeaderSize + len(entry)
	area := make([]byte, tlvAreaHeaderSize)
	binary.LittleEndian.PutUint16(area[0:2], tlvMagicUnprotected)
	binary.LittleEndian.PutUint16(area[2:4], uint16(areaLen))
	buf.Write(area)
	buf.Write(entry)

	return buf.Bytes()
}

// TestDecodeImageExtractsHash decodes a synthetic image whose SHA-256 TLV
// entry is 32 bytes of 0xAA and checks that exact hash comes back out.
func TestDecodeImageExtractsHash(t *testing.T) {
	t.Parallel()

	hash := bytes.Repeat([]byte{0xAA}, 32)
	content := bytes.Repeat([]byte{0x01, 0x02, 0x03, 0x04}, 16)

	raw := buildImage(t, content, hash, ImageVersion{Major: 1, Minor: 2, Revision: 3, Build: 4})

	img, err := DecodeImage(raw)
	if err != nil {
		t.Fatalf("decode: %s", err)
	}

	if !bytes.Equal(img.Hash, hash) {
		t.Fatalf("hash = %x, want %x", img.Hash, hash)
	}

	if !bytes.Equal(img.Content, content) {
		t.Fatal("content mismatch")
	}

	if img.Header.Version != (ImageVersion{Major: 1, Minor: 2, Revision: 3, Build: 4}) {
		t.Fatalf("version = %+v, unexpected", img.Header.Version)
	}

	wantHex := "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	if got := img.ImageHashHex(); got != wantHex {
		t.Fatalf("hex = %q, want %q", got, wantHex)
	}
}

// TestDecodeImageRejectsBadMagic checks that a corrupted magic number is
// rejected instead of decoded.
func TestDecodeImageRejectsBadMagic(t *testing.T) {
	t.Parallel()

	raw := buildImage(t, []byte("content"), bytes.Repeat([]byte{0x01}, 32), ImageVersion{})
	raw[0] = 0x00 // corrupt the magic

	if _, err := DecodeImage(raw); !isKind(err, KindFormat) {
		t.Fatalf("expected FormatError, got %v", err)
	}
}

// TestDecodeImageRejectsShortTLVAreaLength checks that a TLV area whose
// declared length is smaller than its own 4-byte header is rejected as a
// FormatError rather than panicking on the resulting negative-length
// slice.
func TestDecodeImageRejectsShortTLVAreaLength(t *testing.T) {
	t.Parallel()

	content := []byte("firmware bytes")

	header := make([]byte, imageHeaderSize)
	binary.LittleEndian.PutUint32(header[0:4], imageMagic)
	binary.LittleEndian.PutUint16(header[8:10], imageHeaderSize)
	binary.LittleEndian.PutUint32(header[12:16], uint32(len(content)))

	area := make([]byte, tlvAreaHeaderSize)
	binary.LittleEndian.PutUint16(area[0:2], tlvMagicUnprotected)
	binary.LittleEndian.PutUint16(area[2:4], 2) // shorter than tlvAreaHeaderSize itself

	var buf bytes.Buffer
	buf.Write(header)
	buf.Write(content)
	buf.Write(area)

	if _, err := DecodeImage(buf.Bytes()); !isKind(err, KindFormat) {
		t.Fatalf("expected FormatError for short tlv area length, got %v", err)
	}
}

// TestDecodeImageRejectsMissingHash covers the case where the TLV area
// has no SHA-256 entry at all.
func TestDecodeImageRejectsMissingHash(t *testing.T) {
	t.Parallel()

	content := []byte("firmware bytes")

	header := make([]byte, imageHeaderSize)
	binary.LittleEndian.PutUint32(header[0:4], imageMagic)
	binary.LittleEndian.PutUint16(header[8:10], imageHeaderSize)
	binary.LittleEndian.PutUint32(header[12:16], uint32(len(content)))

	area := make([]byte, tlvAreaHeaderSize)
	binary.LittleEndian.PutUint16(area[0:2], tlvMagicUnprotected)
	binary.LittleEndian.PutUint16(area[2:4], tlvAreaHeaderSize) // empty area, no entries

	var buf bytes.Buffer
	buf.Write(header)
	buf.Write(content)
	buf.Write(area)

	if _, err := DecodeImage(buf.Bytes()); !isKind(err, KindFormat) {
		t.Fatalf("expected FormatError for missing hash, got %v", err)
	}
}

// TestDecodeImageRejectsTruncated covers a header truncated before it
// reaches the minimum 32-byte size.
func TestDecodeImageRejectsTruncated(t *testing.T) {
	t.Parallel()

	if _, err := DecodeImage(make([]byte, 10)); !isKind(err, KindFormat) {
		t.Fatalf("expected FormatError for truncated header, got %v", err)
	}
}
