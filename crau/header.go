// Package crau parses the CrAU ("Chrome-OS Auto Update") binary payload
// format: a fixed 20-byte header, a protobuf-encoded manifest, data blobs,
// and a trailing signatures blob. All offsets inside the manifest are
// relative to the end of the header+manifest region; Header.Translate
// encapsulates that arithmetic so callers never do it by hand.
package crau

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Magic is the 4-byte CrAU file signature.
const Magic = "CrAU"

// Version is the only supported file-format version.
const Version uint64 = 1

// HeaderSize is the fixed size, in bytes, of the CrAU header.
const HeaderSize = 4 + 8 + 8

var (
	ErrBadMagic                = errors.New("crau: bad header magic")
	ErrUnsupportedVersion      = errors.New("crau: unsupported file format version")
	ErrMissingSignaturesOffset = errors.New("crau: manifest missing signatures_offset")
	ErrMissingSignaturesSize   = errors.New("crau: manifest missing signatures_size")
)

// Header is the fixed-size CrAU prefix.
type Header struct {
	Magic             [4]byte
	FileFormatVersion uint64
	ManifestSize      uint64
}

// ReadHeader reads and validates the 20-byte CrAU header from r.
func ReadHeader(r io.Reader) (*Header, error) {
	var raw [HeaderSize]byte
	if _, err := io.ReadFull(r, raw[:]); err != nil {
		return nil, fmt.Errorf("crau: read header: %w", err)
	}

	h := &Header{}
	copy(h.Magic[:], raw[0:4])
	h.FileFormatVersion = binary.BigEndian.Uint64(raw[4:12])
	h.ManifestSize = binary.BigEndian.Uint64(raw[12:20])

	if string(h.Magic[:]) != Magic {
		return nil, fmt.Errorf("%w: got %q", ErrBadMagic, h.Magic[:])
	}
	if h.FileFormatVersion != Version {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, h.FileFormatVersion)
	}

	return h, nil
}

// Translate converts a manifest-relative offset o into an absolute file
// offset: 20 + M + o, where M is the manifest size. This is the single
// place offset arithmetic happens; every other component calls this
// instead of recomputing it.
func (h *Header) Translate(o uint64) int64 {
	return int64(HeaderSize) + int64(h.ManifestSize) + int64(o)
}

// SignaturesRegion returns the absolute offset and length of the
// signatures blob declared by m, or an error if either field is absent
// (each is a distinct error per the wire format's documented invariant).
func (h *Header) SignaturesRegion(m *Manifest) (offset int64, size int64, err error) {
	if !m.HasSignaturesOffset {
		return 0, 0, ErrMissingSignaturesOffset
	}
	if !m.HasSignaturesSize {
		return 0, 0, ErrMissingSignaturesSize
	}
	return h.Translate(m.SignaturesOffset), int64(m.SignaturesSize), nil
}

// HeaderDataLength returns the number of leading bytes of the file that
// form the signature pre-image: translate(signatures_offset).
func (h *Header) HeaderDataLength(m *Manifest) (int64, error) {
	if !m.HasSignaturesOffset {
		return 0, ErrMissingSignaturesOffset
	}
	return h.Translate(m.SignaturesOffset), nil
}
