// Package signature verifies RSA PKCS#1 v1.5 signatures over pre-hashed
// digests, trying each candidate signature in turn and accepting the first
// that verifies.
package signature

import (
	"crypto"
	"crypto/rsa"
	_ "crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"

	"github.com/coreos/pkg/capnslog"

	"github.com/flatcar/ue-go/digest"
)

var plog = capnslog.NewPackageLogger("github.com/flatcar/ue-go", "signature")

// KeyType identifies the PEM/DER encoding of a public key file.
type KeyType int

const (
	KeyTypePKCS1 KeyType = iota
	KeyTypePKCS8
)

var ErrNoValidSignature = errors.New("signature: no valid signature found")

// LoadPublicKey reads and parses an RSA public key from a PEM file.
func LoadPublicKey(path string, kind KeyType) (*rsa.PublicKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("signature: read public key %s: %w", path, err)
	}

	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("signature: %s: no PEM block found", path)
	}

	var pub interface{}
	switch kind {
	case KeyTypePKCS1:
		pub, err = x509.ParsePKCS1PublicKey(block.Bytes)
	case KeyTypePKCS8:
		pub, err = x509.ParsePKIXPublicKey(block.Bytes)
	default:
		return nil, fmt.Errorf("signature: unknown key type %d", kind)
	}
	if err != nil {
		return nil, fmt.Errorf("signature: parse public key %s: %w", path, err)
	}

	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("signature: %s: unexpected key type %T", path, pub)
	}
	return rsaPub, nil
}

// Candidate is one signature entry from a CrAU Signatures blob.
type Candidate struct {
	Version uint32
	Data    []byte
}

// VerifyPrehashed checks d against sig using pub, where d is the SHA-256
// digest of the original (unhashed) message. The standard library's
// VerifyPKCS1v15 already accepts a pre-hashed digest, so no large buffer
// is ever held in memory here.
func VerifyPrehashed(d digest.Digest, sig []byte, pub *rsa.PublicKey) error {
	if d.Algo() != digest.SHA256 {
		return fmt.Errorf("signature: prehash verification requires a SHA-256 digest, got %s", d.Algo())
	}
	return rsa.VerifyPKCS1v15(pub, crypto.SHA256, d.Bytes(), sig)
}

// VerifyAny tries each candidate signature in order against d and pub,
// returning nil on the first success. If none verify, ErrNoValidSignature
// is returned; an empty candidate list returns an error that wraps
// ErrNoValidSignature (match it with errors.Is).
func VerifyAny(d digest.Digest, candidates []Candidate, pub *rsa.PublicKey) error {
	if len(candidates) == 0 {
		return fmt.Errorf("signature: %w: empty signature list", ErrNoValidSignature)
	}

	for _, c := range candidates {
		if err := VerifyPrehashed(d, c.Data, pub); err != nil {
			plog.Debugf("cannot verify v%d signature: %v", c.Version, err)
			continue
		}
		plog.Infof("verified v%d signature", c.Version)
		return nil
	}

	return ErrNoValidSignature
}
