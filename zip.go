package mcumgr

import (
	"archive/zip"
	"bytes"
	"crypto/sha256"
	"encoding/json"
	"io"
	"strconv"
)

// manifestFirmware is the nested zephyr/nrf revision block in a DFU
// package manifest.
type manifestFirmware struct {
	Zephyr struct {
		Revision string `json:"revision"`
	} `json:"zephyr"`
	Nrf struct {
		Revision string `json:"revision"`
	} `json:"nrf"`
}

// manifestFile is one entry in manifest.json's files[] array, grounded on
// the plain-JSON-tag style used throughout the corpus for
// firmware manifests (e.g. mrhapile-fluid-diagnose-bundler's
// BundleManifest/FileEntry, HuboBG-firmware-registry's FirmwareDTO).
type manifestFile struct {
	Type               string `json:"type"`
	Board              string `json:"board"`
	Soc                string `json:"soc"`
	LoadAddress        uint32 `json:"load_address"`
	ImageIndex         string `json:"image_index"`
	SlotIndexPrimary   int    `json:"slot_index_primary"`
	SlotIndexSecondary int    `json:"slot_index_secondary"`
	VersionMCUboot     string `json:"version_MCUBOOT"`
	Size               int64  `json:"size"`
	File               string `json:"file"`
	Modtime            string `json:"modtime"`
	Version            string `json:"version"`
}

// manifest is the top-level manifest.json schema.
type manifest struct {
	FormatVersion int              `json:"format-version"`
	Time          int64            `json:"time"`
	Name          string           `json:"name"`
	Firmware      manifestFirmware `json:"firmware"`
	Files         []manifestFile   `json:"files"`
}

// PackageImage is one decoded image from a ZIP DFU package, combining the
// image decode with package-level metadata.
type PackageImage struct {
	Image
	// Name is the manifest's top-level package name.
	Name string
	// Index is the file entry's image_index, parsed from its string form.
	Index int
}

// DecodeZIPPackage parses a ZIP DFU package: a manifest.json plus one
// binary per manifest files[] entry. Each binary is decoded as an MCU
// image and its own SHA-256 (of the whole binary file, used as the
// upload `sha` field) is computed.
func DecodeZIPPackage(data []byte) ([]PackageImage, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, newFormatError("not a valid zip archive")
	}

	members := make(map[string]*zip.File, len(zr.File))
	for _, f := range zr.File {
		members[f.Name] = f
	}

	manifestMember, ok := members["manifest.json"]
	if !ok {
		return nil, newFormatError("zip package missing manifest.json")
	}

	manifestBytes, err := readZipMember(manifestMember)
	if err != nil {
		return nil, newFormatError("unreadable manifest.json")
	}

	var man manifest
	if err := json.Unmarshal(manifestBytes, &man); err != nil {
		return nil, newFormatError("malformed manifest.json")
	}

	out := make([]PackageImage, 0, len(man.Files))
	for _, entry := range man.Files {
		member, ok := members[entry.File]
		if !ok {
			return nil, newFormatError("manifest references missing archive member: " + entry.File)
		}

		binary, err := readZipMember(member)
		if err != nil {
			return nil, newFormatError("unreadable archive member: " + entry.File)
		}

		img, err := DecodeImage(binary)
		if err != nil {
			return nil, err
		}

		sum := sha256.Sum256(binary)
		img.SHA = sum[:]

		index, err := strconv.Atoi(entry.ImageIndex)
		if err != nil {
			return nil, newFormatError("manifest image_index is not an integer: " + entry.ImageIndex)
		}

		out = append(out, PackageImage{
			Image: img,
			Name:  man.Name,
			Index: index,
		})
	}

	return out, nil
}

func readZipMember(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	return io.ReadAll(rc)
}
