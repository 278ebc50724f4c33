// Package firmware implements the binary firmware image format an OTA
// flash exchanges over UDS block transfer: a fixed header/footer wrapping
// a variable-length payload, checksummed with SHA-256 and stamped with
// the target ECU it is meant for.
package firmware

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"unicode/utf8"
)

// Wire layout constants. The header carries a 10-byte magic, a 32-byte
// null-padded version string, and a 32-byte null-padded target ECU id;
// the footer carries the SHA-256 of everything before it plus a 10-byte
// magic.
const (
	headerMagic = "EXAMPLE_FW"
	footerMagic = "EXFW_END!\x00"

	versionOffset = len(headerMagic) // 10
	versionLength = 32

	targetECUOffset = versionOffset + versionLength // 42
	targetECULength = 32

	dataOffset = targetECUOffset + targetECULength // 74

	footerSize = sha256.Size + len(footerMagic) // 42
	minSize    = dataOffset + footerSize         // 116
)

// Image is a parsed or constructed firmware package.
type Image struct {
	TargetECU string
	Version   string
	Data      []byte
}

// Build constructs an Image from its parts, ready for ToBytes.
func Build(targetECU, version string, data []byte) Image {
	return Image{TargetECU: targetECU, Version: version, Data: append([]byte(nil), data...)}
}

// ToBytes serializes the image to its binary wire format.
func (img Image) ToBytes() []byte {
	total := dataOffset + len(img.Data) + footerSize
	buf := make([]byte, 0, total)
	buf = append(buf, headerMagic...)
	buf = append(buf, pad([]byte(img.Version), versionLength)...)
	buf = append(buf, pad([]byte(img.TargetECU), targetECULength)...)
	buf = append(buf, img.Data...)

	sum := sha256.Sum256(buf)
	buf = append(buf, sum[:]...)
	buf = append(buf, footerMagic...)
	return buf
}

// FromBytes parses the binary wire format without verifying the
// checksum — call Verify or VerifyBytes for that.
func FromBytes(data []byte) (Image, error) {
	if len(data) < minSize {
		return Image{}, fmt.Errorf("firmware: image too small: %d bytes (minimum %d)", len(data), minSize)
	}
	if string(data[:len(headerMagic)]) != headerMagic {
		return Image{}, fmt.Errorf("firmware: invalid header magic")
	}
	footerStart := len(data) - len(footerMagic)
	if string(data[footerStart:]) != footerMagic {
		return Image{}, fmt.Errorf("firmware: invalid footer magic")
	}

	version, err := readPaddedString(data[versionOffset:versionOffset+versionLength], "version")
	if err != nil {
		return Image{}, err
	}
	targetECU, err := readPaddedString(data[targetECUOffset:targetECUOffset+targetECULength], "target_ecu")
	if err != nil {
		return Image{}, err
	}

	dataEnd := len(data) - footerSize
	fwData := append([]byte(nil), data[dataOffset:dataEnd]...)

	return Image{TargetECU: targetECU, Version: version, Data: fwData}, nil
}

// Verify checks magic bytes and the embedded checksum for a parsed
// image by re-serializing and comparing bytes.
func (img Image) Verify() error {
	_, err := VerifyBytes(img.ToBytes())
	return err
}

// VerifyBytes checks magic bytes and the SHA-256 checksum of a raw
// image buffer as received over the wire (used by the managed-ECU
// backend's VerifyPackage), returning the embedded version string on
// success.
func VerifyBytes(data []byte) (string, error) {
	if len(data) < minSize {
		return "", fmt.Errorf("firmware: image too small: %d bytes (minimum %d)", len(data), minSize)
	}
	if string(data[:len(headerMagic)]) != headerMagic {
		return "", fmt.Errorf("firmware: invalid header magic")
	}
	footerStart := len(data) - len(footerMagic)
	if string(data[footerStart:]) != footerMagic {
		return "", fmt.Errorf("firmware: invalid footer magic")
	}

	checksumOffset := len(data) - footerSize
	expected := data[checksumOffset : checksumOffset+sha256.Size]
	actual := sha256.Sum256(data[:checksumOffset])
	if !bytes.Equal(actual[:], expected) {
		return "", fmt.Errorf("firmware: checksum mismatch: expected %x, got %x", expected, actual)
	}

	version, err := readPaddedString(data[versionOffset:versionOffset+versionLength], "version")
	if err != nil {
		return "", err
	}
	if version == "" {
		return "", fmt.Errorf("firmware: empty version string")
	}
	return version, nil
}

// VerifyTarget checks that this image targets the given ECU. An empty
// target in the image matches any ECU.
func (img Image) VerifyTarget(expected string) error {
	if img.TargetECU != "" && img.TargetECU != expected {
		return fmt.Errorf("firmware: target mismatch: image targets %q, expected %q", img.TargetECU, expected)
	}
	return nil
}

// pad null-pads (or truncates) src to exactly length bytes.
func pad(src []byte, length int) []byte {
	out := make([]byte, length)
	n := len(src)
	if n > length {
		n = length
	}
	copy(out, src[:n])
	return out
}

// readPaddedString reads a null-padded fixed-width field back out as a
// string, stopping at the first null byte.
func readPaddedString(field []byte, name string) (string, error) {
	idx := bytes.IndexByte(field, 0)
	if idx < 0 {
		idx = len(field)
	}
	if !utf8.Valid(field[:idx]) {
		return "", fmt.Errorf("firmware: invalid UTF-8 in %s", name)
	}
	return string(field[:idx]), nil
}
