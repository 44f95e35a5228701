package crau

import (
	"bytes"
	"compress/bzip2"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/coreos/pkg/capnslog"

	"github.com/flatcar/ue-go/digest"
)

var plog = capnslog.NewPackageLogger("github.com/flatcar/ue-go", "crau")

// ErrIncorrectNumExtents is returned when an install operation does not
// carry exactly one destination extent. Full-replace payloads always
// write one contiguous extent per operation, so anything else is
// malformed here.
var ErrIncorrectNumExtents = errors.New("crau: operation does not have exactly one destination extent")

// Assemble extracts every partition operation's data blob from the
// payload and writes it at its destination block offset in destPath,
// creating destPath if needed. Every read from the payload and every
// write to the destination uses positional I/O (ReadAt/WriteAt): the
// destination offsets declared by the manifest are not monotonic, so a
// shared sequential cursor cannot be used for either side.
func Assemble(p *Payload, destPath string) error {
	dst, err := os.OpenFile(destPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("crau: create %s: %w", destPath, err)
	}
	defer dst.Close()

	blockSize := p.Manifest.BlockSize
	if blockSize == 0 {
		blockSize = 4096
	}

	for i, op := range p.Manifest.InstallOperations {
		if len(op.DstExtents) != 1 {
			return fmt.Errorf("operation %d: %w (got %d)", i, ErrIncorrectNumExtents, len(op.DstExtents))
		}
		target := int64(blockSize) * int64(op.DstExtents[0].StartBlock)

		srcOffset := p.Header.Translate(op.DataOffset)
		raw := make([]byte, op.DataLength)
		if _, err := p.f.ReadAt(raw, srcOffset); err != nil {
			return fmt.Errorf("operation %d: read data blob: %w", i, err)
		}

		var payload []byte
		switch op.Type {
		case OpReplace:
			payload = raw
		case OpReplaceBZ:
			decompressed, err := io.ReadAll(bzip2.NewReader(bytes.NewReader(raw)))
			if err != nil {
				return fmt.Errorf("operation %d: bunzip2: %w", i, err)
			}
			payload = decompressed
		default:
			return fmt.Errorf("operation %d: unsupported operation type %d", i, op.Type)
		}

		if _, err := dst.WriteAt(payload, target); err != nil {
			return fmt.Errorf("operation %d: write destination: %w", i, err)
		}
		if err := dst.Sync(); err != nil {
			return fmt.Errorf("operation %d: flush destination: %w", i, err)
		}

		plog.Debugf("operation %d: wrote %d bytes at block offset %d", i, len(payload), target)
	}

	return nil
}

// VerifyAssembled re-hashes destPath and compares it against the
// manifest's declared new_partition_info.hash.
func VerifyAssembled(destPath string, m *Manifest) error {
	if m.NewPartitionInfo == nil {
		return fmt.Errorf("crau: manifest missing new_partition_info")
	}

	want, err := digest.New(digest.SHA256, m.NewPartitionInfo.Hash)
	if err != nil {
		return fmt.Errorf("crau: new_partition_info.hash: %w", err)
	}

	got, err := digest.HashOnDisk(destPath, digest.SHA256, -1)
	if err != nil {
		return err
	}

	if !got.Equal(want) {
		return fmt.Errorf("crau: assembled partition hash mismatch: got %s, want %s", got.Hex(), want.Hex())
	}
	return nil
}
