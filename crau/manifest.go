package crau

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// OperationType identifies how a partition operation's data blob relates to
// its destination extents.
type OperationType int32

const (
	OpReplace   OperationType = 0
	OpReplaceBZ OperationType = 1
)

// Extent is a contiguous run of destination blocks.
type Extent struct {
	StartBlock uint64
	NumBlocks  uint64
}

// PartitionInfo carries the expected digest and size of an assembled
// partition image.
type PartitionInfo struct {
	Hash []byte
	Size uint64
}

// InstallOperation describes one data blob: where to read it from within
// the payload (relative to the end of the manifest, see Header.Translate)
// and where to write it within the destination image.
type InstallOperation struct {
	Type       OperationType
	DataOffset uint64
	DataLength uint64
	DstExtents []Extent
}

// Manifest is the decoded DeltaArchiveManifest. The wire layout is
// decoded field by field against the numbers below; unknown fields are
// skipped so newer manifests still parse.
type Manifest struct {
	InstallOperations   []InstallOperation
	BlockSize           uint64
	SignaturesOffset    uint64
	HasSignaturesOffset bool
	SignaturesSize      uint64
	HasSignaturesSize   bool
	OldPartitionInfo    *PartitionInfo
	NewPartitionInfo    *PartitionInfo
	MinorVersion        uint32
}

const (
	fieldManifestInstallOps       = 1
	fieldManifestBlockSize        = 2
	fieldManifestSignaturesOffset = 3
	fieldManifestSignaturesSize   = 4
	fieldManifestOldPartitionInfo = 5
	fieldManifestNewPartitionInfo = 6
	fieldManifestMinorVersion     = 7

	fieldOpType       = 1
	fieldOpDataOffset = 2
	fieldOpDataLength = 3
	fieldOpDstExtents = 4

	fieldExtentStartBlock = 1
	fieldExtentNumBlocks  = 2

	fieldPartitionInfoHash = 1
	fieldPartitionInfoSize = 2

	fieldSignaturesList   = 1
	fieldSignatureVersion = 1
	fieldSignatureData    = 2
)

// DecodeManifest parses a DeltaArchiveManifest from raw protobuf bytes.
func DecodeManifest(b []byte) (*Manifest, error) {
	m := &Manifest{}

	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("crau: manifest: %w", protowire.ParseError(n))
		}
		b = b[n:]

		switch num {
		case fieldManifestInstallOps:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, fmt.Errorf("crau: manifest: install_operations: %w", protowire.ParseError(n))
			}
			b = b[n:]
			op, err := decodeInstallOperation(v)
			if err != nil {
				return nil, err
			}
			m.InstallOperations = append(m.InstallOperations, *op)

		case fieldManifestBlockSize:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("crau: manifest: block_size: %w", protowire.ParseError(n))
			}
			b = b[n:]
			m.BlockSize = v

		case fieldManifestSignaturesOffset:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("crau: manifest: signatures_offset: %w", protowire.ParseError(n))
			}
			b = b[n:]
			m.SignaturesOffset = v
			m.HasSignaturesOffset = true

		case fieldManifestSignaturesSize:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("crau: manifest: signatures_size: %w", protowire.ParseError(n))
			}
			b = b[n:]
			m.SignaturesSize = v
			m.HasSignaturesSize = true

		case fieldManifestOldPartitionInfo:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, fmt.Errorf("crau: manifest: old_partition_info: %w", protowire.ParseError(n))
			}
			b = b[n:]
			pi, err := decodePartitionInfo(v)
			if err != nil {
				return nil, err
			}
			m.OldPartitionInfo = pi

		case fieldManifestNewPartitionInfo:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, fmt.Errorf("crau: manifest: new_partition_info: %w", protowire.ParseError(n))
			}
			b = b[n:]
			pi, err := decodePartitionInfo(v)
			if err != nil {
				return nil, err
			}
			m.NewPartitionInfo = pi

		case fieldManifestMinorVersion:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("crau: manifest: minor_version: %w", protowire.ParseError(n))
			}
			b = b[n:]
			m.MinorVersion = uint32(v)

		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, fmt.Errorf("crau: manifest: unknown field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}

	return m, nil
}

func decodeInstallOperation(b []byte) (*InstallOperation, error) {
	op := &InstallOperation{}

	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("crau: install_operation: %w", protowire.ParseError(n))
		}
		b = b[n:]

		switch num {
		case fieldOpType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("crau: install_operation: type: %w", protowire.ParseError(n))
			}
			b = b[n:]
			op.Type = OperationType(v)

		case fieldOpDataOffset:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("crau: install_operation: data_offset: %w", protowire.ParseError(n))
			}
			b = b[n:]
			op.DataOffset = v

		case fieldOpDataLength:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("crau: install_operation: data_length: %w", protowire.ParseError(n))
			}
			b = b[n:]
			op.DataLength = v

		case fieldOpDstExtents:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, fmt.Errorf("crau: install_operation: dst_extents: %w", protowire.ParseError(n))
			}
			b = b[n:]
			ext, err := decodeExtent(v)
			if err != nil {
				return nil, err
			}
			op.DstExtents = append(op.DstExtents, *ext)

		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, fmt.Errorf("crau: install_operation: unknown field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}

	return op, nil
}

func decodeExtent(b []byte) (*Extent, error) {
	e := &Extent{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("crau: extent: %w", protowire.ParseError(n))
		}
		b = b[n:]

		switch num {
		case fieldExtentStartBlock:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("crau: extent: start_block: %w", protowire.ParseError(n))
			}
			b = b[n:]
			e.StartBlock = v
		case fieldExtentNumBlocks:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("crau: extent: num_blocks: %w", protowire.ParseError(n))
			}
			b = b[n:]
			e.NumBlocks = v
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, fmt.Errorf("crau: extent: unknown field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return e, nil
}

func decodePartitionInfo(b []byte) (*PartitionInfo, error) {
	pi := &PartitionInfo{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("crau: partition_info: %w", protowire.ParseError(n))
		}
		b = b[n:]

		switch num {
		case fieldPartitionInfoHash:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, fmt.Errorf("crau: partition_info: hash: %w", protowire.ParseError(n))
			}
			b = b[n:]
			pi.Hash = append([]byte(nil), v...)
		case fieldPartitionInfoSize:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("crau: partition_info: size: %w", protowire.ParseError(n))
			}
			b = b[n:]
			pi.Size = v
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, fmt.Errorf("crau: partition_info: unknown field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return pi, nil
}

// Signature is a single candidate signature entry.
type Signature struct {
	Version uint32
	Data    []byte
}

// Signatures is the decoded Signatures protobuf, a try-list of candidates.
type Signatures struct {
	Entries []Signature
}

// DecodeSignatures parses a Signatures protobuf from raw bytes.
func DecodeSignatures(b []byte) (*Signatures, error) {
	s := &Signatures{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("crau: signatures: %w", protowire.ParseError(n))
		}
		b = b[n:]

		switch num {
		case fieldSignaturesList:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, fmt.Errorf("crau: signatures: entry: %w", protowire.ParseError(n))
			}
			b = b[n:]
			sig, err := decodeSignature(v)
			if err != nil {
				return nil, err
			}
			s.Entries = append(s.Entries, *sig)
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, fmt.Errorf("crau: signatures: unknown field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return s, nil
}

func decodeSignature(b []byte) (*Signature, error) {
	sig := &Signature{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("crau: signature: %w", protowire.ParseError(n))
		}
		b = b[n:]

		switch num {
		case fieldSignatureVersion:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("crau: signature: version: %w", protowire.ParseError(n))
			}
			b = b[n:]
			sig.Version = uint32(v)
		case fieldSignatureData:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, fmt.Errorf("crau: signature: data: %w", protowire.ParseError(n))
			}
			b = b[n:]
			sig.Data = append([]byte(nil), v...)
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, fmt.Errorf("crau: signature: unknown field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return sig, nil
}
