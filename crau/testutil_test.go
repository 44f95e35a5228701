package crau

import (
	"bytes"
	"encoding/binary"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"google.golang.org/protobuf/encoding/protowire"
)

func appendTag(b []byte, num protowire.Number, typ protowire.Type) []byte {
	return protowire.AppendTag(b, num, typ)
}

func encodeExtent(e Extent) []byte {
	var b []byte
	b = appendTag(b, fieldExtentStartBlock, protowire.VarintType)
	b = protowire.AppendVarint(b, e.StartBlock)
	b = appendTag(b, fieldExtentNumBlocks, protowire.VarintType)
	b = protowire.AppendVarint(b, e.NumBlocks)
	return b
}

func encodeOperation(op InstallOperation) []byte {
	var b []byte
	b = appendTag(b, fieldOpType, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(op.Type))
	b = appendTag(b, fieldOpDataOffset, protowire.VarintType)
	b = protowire.AppendVarint(b, op.DataOffset)
	b = appendTag(b, fieldOpDataLength, protowire.VarintType)
	b = protowire.AppendVarint(b, op.DataLength)
	for _, e := range op.DstExtents {
		b = appendTag(b, fieldOpDstExtents, protowire.BytesType)
		b = protowire.AppendBytes(b, encodeExtent(e))
	}
	return b
}

func encodePartitionInfo(pi PartitionInfo) []byte {
	var b []byte
	b = appendTag(b, fieldPartitionInfoHash, protowire.BytesType)
	b = protowire.AppendBytes(b, pi.Hash)
	b = appendTag(b, fieldPartitionInfoSize, protowire.VarintType)
	b = protowire.AppendVarint(b, pi.Size)
	return b
}

func encodeManifest(m *Manifest) []byte {
	var b []byte
	for _, op := range m.InstallOperations {
		b = appendTag(b, fieldManifestInstallOps, protowire.BytesType)
		b = protowire.AppendBytes(b, encodeOperation(op))
	}
	b = appendTag(b, fieldManifestBlockSize, protowire.VarintType)
	b = protowire.AppendVarint(b, m.BlockSize)
	if m.HasSignaturesOffset {
		b = appendTag(b, fieldManifestSignaturesOffset, protowire.VarintType)
		b = protowire.AppendVarint(b, m.SignaturesOffset)
	}
	if m.HasSignaturesSize {
		b = appendTag(b, fieldManifestSignaturesSize, protowire.VarintType)
		b = protowire.AppendVarint(b, m.SignaturesSize)
	}
	if m.NewPartitionInfo != nil {
		b = appendTag(b, fieldManifestNewPartitionInfo, protowire.BytesType)
		b = protowire.AppendBytes(b, encodePartitionInfo(*m.NewPartitionInfo))
	}
	return b
}

func encodeSignatures(s *Signatures) []byte {
	var b []byte
	for _, sig := range s.Entries {
		var sb []byte
		sb = appendTag(sb, fieldSignatureVersion, protowire.VarintType)
		sb = protowire.AppendVarint(sb, uint64(sig.Version))
		sb = appendTag(sb, fieldSignatureData, protowire.BytesType)
		sb = protowire.AppendBytes(sb, sig.Data)

		b = appendTag(b, fieldSignaturesList, protowire.BytesType)
		b = protowire.AppendBytes(b, sb)
	}
	return b
}

// writeCrAUFile builds a minimal, well-formed CrAU file on disk for tests.
func writeCrAUFile(t *testing.T, manifest *Manifest, data []byte, sigs *Signatures) string {
	t.Helper()

	manifestBytes := encodeManifest(manifest)
	sigBytes := encodeSignatures(sigs)

	var header [HeaderSize]byte
	copy(header[0:4], Magic)
	binary.BigEndian.PutUint64(header[4:12], Version)
	binary.BigEndian.PutUint64(header[12:20], uint64(len(manifestBytes)))

	var buf bytes.Buffer
	buf.Write(header[:])
	buf.Write(manifestBytes)
	buf.Write(data)
	buf.Write(sigBytes)

	dir := t.TempDir()
	path := filepath.Join(dir, "payload.crau")
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("write crau fixture: %v", err)
	}
	return path
}

// bzip2Compress shells out to bzip2(1) to build compressed test fixtures,
// since compress/bzip2 only implements a reader.
func bzip2Compress(t *testing.T, raw []byte) []byte {
	t.Helper()
	cmd := exec.Command("bzip2", "-c")
	cmd.Stdin = bytes.NewReader(raw)
	out, err := cmd.Output()
	if err != nil {
		t.Skipf("bzip2 binary unavailable, skipping: %v", err)
	}
	return out
}
