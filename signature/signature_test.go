package signature

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"testing"

	"github.com/flatcar/ue-go/digest"
)

func genKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return key
}

func sumOf(msg []byte) digest.Digest {
	h := sha256.Sum256(msg)
	d, _ := digest.New(digest.SHA256, h[:])
	return d
}

func TestVerifyAnyAcceptsFirstValidRegardlessOfPosition(t *testing.T) {
	key := genKey(t)
	d := sumOf([]byte("payload prehash"))

	goodSig, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, d.Bytes())
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	badSig := append([]byte(nil), goodSig...)
	badSig[0] ^= 0xFF

	candidates := []Candidate{
		{Version: 1, Data: badSig},
		{Version: 2, Data: goodSig},
		{Version: 3, Data: badSig},
	}

	if err := VerifyAny(d, candidates, &key.PublicKey); err != nil {
		t.Fatalf("expected a valid signature to verify, got: %v", err)
	}
}

func TestVerifyAnyRejectsAllInvalid(t *testing.T) {
	key := genKey(t)
	d := sumOf([]byte("payload prehash"))

	badSig := make([]byte, 256)
	candidates := []Candidate{
		{Version: 1, Data: badSig},
		{Version: 2, Data: badSig},
	}

	err := VerifyAny(d, candidates, &key.PublicKey)
	if err != ErrNoValidSignature {
		t.Fatalf("expected ErrNoValidSignature, got %v", err)
	}
}

func TestVerifyAnyEmptyList(t *testing.T) {
	key := genKey(t)
	d := sumOf([]byte("x"))
	if err := VerifyAny(d, nil, &key.PublicKey); err == nil {
		t.Fatal("expected error for empty signature list")
	}
}
