package update

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/binary"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/flatcar/ue-go/crau"
)

// Field numbers mirror crau.Manifest's own (unexported) wire layout; kept
// duplicated here rather than exported from crau since only this
// end-to-end fixture needs to hand-encode a manifest from outside the
// package.
const (
	fManifestBlockSize        = 2
	fManifestSignaturesOffset = 3
	fManifestSignaturesSize   = 4
	fManifestNewPartitionInfo = 6

	fPartitionInfoHash = 1

	fSignaturesList   = 1
	fSignatureVersion = 1
	fSignatureData    = 2
)

func encodeTestManifest(blockSize uint64, sigOffset, sigSize uint64, newHash []byte) []byte {
	var pi []byte
	pi = protowire.AppendTag(pi, fPartitionInfoHash, protowire.BytesType)
	pi = protowire.AppendBytes(pi, newHash)

	var b []byte
	b = protowire.AppendTag(b, fManifestBlockSize, protowire.VarintType)
	b = protowire.AppendVarint(b, blockSize)
	b = protowire.AppendTag(b, fManifestSignaturesOffset, protowire.VarintType)
	b = protowire.AppendVarint(b, sigOffset)
	b = protowire.AppendTag(b, fManifestSignaturesSize, protowire.VarintType)
	b = protowire.AppendVarint(b, sigSize)
	b = protowire.AppendTag(b, fManifestNewPartitionInfo, protowire.BytesType)
	b = protowire.AppendBytes(b, pi)
	return b
}

func encodeTestSignatures(version uint32, data []byte) []byte {
	var sig []byte
	sig = protowire.AppendTag(sig, fSignatureVersion, protowire.VarintType)
	sig = protowire.AppendVarint(sig, uint64(version))
	sig = protowire.AppendTag(sig, fSignatureData, protowire.BytesType)
	sig = protowire.AppendBytes(sig, data)

	var b []byte
	b = protowire.AppendTag(b, fSignaturesList, protowire.BytesType)
	b = protowire.AppendBytes(b, sig)
	return b
}

// TestRunURLModeEndToEnd exercises the full pipeline end to end: a
// well-formed CrAU payload is served over HTTP, downloaded, its partition
// data (a single REPLACE operation) reassembled, its new_partition_info
// hash checked, and its embedded signature verified against a PEM public
// key file.
func TestRunURLModeEndToEnd(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	partitionData := []byte("partition contents go here, block aligned padding!!")
	partitionHash := sha256.Sum256(partitionData)

	// RSA-2048 signatures are always 256 bytes regardless of content, so
	// the Signatures blob's encoded length (and hence signatures_size) can
	// be pinned down with a placeholder before the real pre-image hash,
	// which the manifest itself is part of, is known.
	sigSize := uint64(len(encodeTestSignatures(1, make([]byte, 256))))

	manifestBytes := encodeTestManifest(uint64(len(partitionData)), uint64(len(partitionData)), sigSize, partitionHash[:])

	// One REPLACE operation writing all of partitionData at block 0.
	var opBytes []byte
	opBytes = protowire.AppendTag(opBytes, 1, protowire.VarintType) // type = REPLACE
	opBytes = protowire.AppendVarint(opBytes, 0)
	opBytes = protowire.AppendTag(opBytes, 2, protowire.VarintType) // data_offset
	opBytes = protowire.AppendVarint(opBytes, 0)
	opBytes = protowire.AppendTag(opBytes, 3, protowire.VarintType) // data_length
	opBytes = protowire.AppendVarint(opBytes, uint64(len(partitionData)))
	var extBytes []byte
	extBytes = protowire.AppendTag(extBytes, 1, protowire.VarintType) // start_block
	extBytes = protowire.AppendVarint(extBytes, 0)
	opBytes = protowire.AppendTag(opBytes, 4, protowire.BytesType) // dst_extents
	opBytes = protowire.AppendBytes(opBytes, extBytes)

	var fullManifest []byte
	fullManifest = protowire.AppendTag(fullManifest, 1, protowire.BytesType) // install_operations
	fullManifest = protowire.AppendBytes(fullManifest, opBytes)
	fullManifest = append(fullManifest, manifestBytes...)

	var header [crau.HeaderSize]byte
	copy(header[0:4], crau.Magic)
	binary.BigEndian.PutUint64(header[4:12], crau.Version)
	binary.BigEndian.PutUint64(header[12:20], uint64(len(fullManifest)))

	// Pre-image is header+manifest+partitionData (signatures_offset points
	// just past the data region).
	preImage := append(append([]byte{}, header[:]...), fullManifest...)
	preImage = append(preImage, partitionData...)
	preImageHash := sha256.Sum256(preImage)

	sig, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, preImageHash[:])
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if len(sig) != 256 {
		t.Fatalf("expected a 256-byte RSA-2048 signature, got %d bytes", len(sig))
	}
	sigBytes := encodeTestSignatures(1, sig)
	if uint64(len(sigBytes)) != sigSize {
		t.Fatalf("signature blob length %d does not match manifest's declared signatures_size %d", len(sigBytes), sigSize)
	}

	payload := append(append([]byte{}, preImage...), sigBytes...)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(payload)
	}))
	defer srv.Close()

	pubDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		t.Fatalf("marshal pubkey: %v", err)
	}
	pubPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER})

	outDir := t.TempDir()
	pubKeyPath := filepath.Join(outDir, "key.pub.pem")
	if err := os.WriteFile(pubKeyPath, pubPEM, 0o644); err != nil {
		t.Fatalf("write pubkey: %v", err)
	}

	cfg := &Config{
		OutputDir:     outDir,
		PayloadURL:    srv.URL + "/update.gz",
		PublicKeyPath: pubKeyPath,
		Client:        srv.Client(),
	}

	outputs, err := Run(cfg)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(outputs) != 1 {
		t.Fatalf("expected 1 output, got %d", len(outputs))
	}

	got, err := os.ReadFile(outputs[0])
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	if string(got) != string(partitionData) {
		t.Fatalf("assembled output = %q, want %q", got, partitionData)
	}

	if _, err := os.Stat(filepath.Join(outDir, ".tmp")); !os.IsNotExist(err) {
		t.Fatalf(".tmp directory should be removed on success")
	}
}
