package crau

import (
	"fmt"
	"io"
	"os"

	"github.com/flatcar/ue-go/digest"
)

// Payload is an opened CrAU file together with its decoded header and
// manifest. All reads of payload contents happen through positional
// (ReadAt) access so the file's single cursor is never relied upon.
type Payload struct {
	f        *os.File
	Header   *Header
	Manifest *Manifest
}

// Open parses the header and manifest of the CrAU file at path, leaving
// the file open for subsequent positional reads of the data and
// signatures regions.
func Open(path string) (*Payload, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("crau: open %s: %w", path, err)
	}

	h, err := ReadHeader(io.NewSectionReader(f, 0, HeaderSize))
	if err != nil {
		f.Close()
		return nil, err
	}

	manifestBuf := make([]byte, h.ManifestSize)
	if _, err := f.ReadAt(manifestBuf, int64(HeaderSize)); err != nil {
		f.Close()
		return nil, fmt.Errorf("crau: read manifest: %w", err)
	}

	m, err := DecodeManifest(manifestBuf)
	if err != nil {
		f.Close()
		return nil, err
	}

	return &Payload{f: f, Header: h, Manifest: m}, nil
}

// Close releases the underlying file handle.
func (p *Payload) Close() error {
	return p.f.Close()
}

// Signatures reads and decodes the trailing Signatures blob.
func (p *Payload) Signatures() (*Signatures, error) {
	offset, size, err := p.Header.SignaturesRegion(p.Manifest)
	if err != nil {
		return nil, err
	}

	buf := make([]byte, size)
	if _, err := p.f.ReadAt(buf, offset); err != nil {
		return nil, fmt.Errorf("crau: read signatures: %w", err)
	}

	return DecodeSignatures(buf)
}

// HeaderDataDigest computes the SHA-256 of the signature pre-image region
// [0, translate(signatures_offset)) in bounded-memory 10 MiB chunks by
// calling digest.HashOnDisk on the payload's path (which opens the file
// again for reading).
func (p *Payload) HeaderDataDigest() (digest.Digest, error) {
	n, err := p.Header.HeaderDataLength(p.Manifest)
	if err != nil {
		return digest.Digest{}, err
	}
	return digest.HashOnDisk(p.f.Name(), digest.SHA256, n)
}
