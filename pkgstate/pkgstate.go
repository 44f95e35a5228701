// Package pkgstate implements the per-package download/verify lifecycle:
// ToDownload -> DownloadIncomplete/Unverified -> Verified, with
// BadChecksum/BadSignature/DownloadFailed terminal failure states.
package pkgstate

import (
	"crypto/rsa"
	"fmt"
	"net/http"
	"os"
	"path/filepath"

	"github.com/coreos/pkg/capnslog"

	"github.com/flatcar/ue-go/crau"
	"github.com/flatcar/ue-go/digest"
	"github.com/flatcar/ue-go/fetch"
	"github.com/flatcar/ue-go/signature"
)

var plog = capnslog.NewPackageLogger("github.com/flatcar/ue-go", "pkgstate")

// Status is one of a Package's lifecycle states.
type Status int

const (
	ToDownload Status = iota
	DownloadIncomplete
	DownloadFailed
	BadChecksum
	Unverified
	BadSignature
	Verified
)

func (s Status) String() string {
	switch s {
	case ToDownload:
		return "ToDownload"
	case DownloadIncomplete:
		return "DownloadIncomplete"
	case DownloadFailed:
		return "DownloadFailed"
	case BadChecksum:
		return "BadChecksum"
	case Unverified:
		return "Unverified"
	case BadSignature:
		return "BadSignature"
	case Verified:
		return "Verified"
	default:
		return "Unknown"
	}
}

// Package is a single download/verify unit: a URL to fetch, the path it
// lands at, and the expected digests/size used to validate it.
type Package struct {
	URL            string
	Path           string
	ExpectedSize   uint64
	ExpectedSHA256 *digest.Digest
	ExpectedSHA1   *digest.Digest

	Status      Status
	BytesOnDisk uint64
}

// CheckDownload inspects Path's on-disk state without mutating the
// filesystem: it only stats and (if size matches) re-hashes the file,
// updating p.Status to reflect what it finds. Safe to call repeatedly.
func (p *Package) CheckDownload() error {
	info, err := os.Stat(p.Path)
	if os.IsNotExist(err) {
		p.Status = ToDownload
		return nil
	}
	if err != nil {
		return fmt.Errorf("pkgstate: stat %s: %w", p.Path, err)
	}

	size := uint64(info.Size())
	p.BytesOnDisk = size

	switch {
	case size < p.ExpectedSize:
		p.Status = DownloadIncomplete
		return nil
	case size > p.ExpectedSize:
		p.Status = ToDownload
		return nil
	}

	ok, err := p.verifyChecksum()
	if err != nil {
		return err
	}
	if ok {
		p.Status = Unverified
	} else {
		p.Status = ToDownload
	}
	return nil
}

// Download fetches the package when its state calls for it and is a
// no-op on Unverified, Verified, and the terminal failure states. A
// DownloadIncomplete package is re-fetched from scratch; range
// resumption is reserved for when the fetcher learns range requests.
func (p *Package) Download(client *http.Client) error {
	switch p.Status {
	case ToDownload, DownloadIncomplete:
	default:
		return nil
	}

	plog.Infof("downloading %s...", p.URL)

	if _, err := fetch.DownloadAndHashWithRetry(client, p.URL, p.Path, p.ExpectedSHA256, p.ExpectedSHA1); err != nil {
		p.Status = DownloadFailed
		return err
	}
	p.Status = Unverified
	return nil
}

func (p *Package) verifyChecksum() (bool, error) {
	if p.ExpectedSHA256 != nil {
		got, err := digest.HashOnDisk(p.Path, digest.SHA256, -1)
		if err != nil {
			return false, err
		}
		if !got.Equal(*p.ExpectedSHA256) {
			return false, nil
		}
	}
	if p.ExpectedSHA1 != nil {
		got, err := digest.HashOnDisk(p.Path, digest.SHA1, -1)
		if err != nil {
			return false, err
		}
		if !got.Equal(*p.ExpectedSHA1) {
			return false, nil
		}
	}
	return true, nil
}

// VerifySignatureOnDisk drives the CrAU parser and signature verifier over
// the on-disk artifact at p.Path: it parses the header/manifest, extracts
// data blobs into tmpDir, checks the assembled image against the
// manifest's declared hash, and verifies the embedded signature against
// pub. On success it returns the path of the assembled blob for the
// caller to rename into place and sets p.Status to Verified.
func (p *Package) VerifySignatureOnDisk(tmpDir string, pub *rsa.PublicKey) (string, error) {
	payload, err := crau.Open(p.Path)
	if err != nil {
		return "", err
	}
	defer payload.Close()

	hdHash, err := payload.HeaderDataDigest()
	if err != nil {
		return "", err
	}

	if err := os.MkdirAll(tmpDir, 0o755); err != nil {
		return "", fmt.Errorf("pkgstate: mkdir %s: %w", tmpDir, err)
	}
	blobPath := filepath.Join(tmpDir, "ue_data_blobs")

	if err := crau.Assemble(payload, blobPath); err != nil {
		return "", err
	}

	if err := crau.VerifyAssembled(blobPath, payload.Manifest); err != nil {
		p.Status = BadChecksum
		return "", err
	}

	sigs, err := payload.Signatures()
	if err != nil {
		return "", err
	}

	candidates := make([]signature.Candidate, len(sigs.Entries))
	for i, s := range sigs.Entries {
		candidates[i] = signature.Candidate{Version: s.Version, Data: s.Data}
	}

	if err := signature.VerifyAny(hdHash, candidates, pub); err != nil {
		p.Status = BadSignature
		return "", err
	}

	p.Status = Verified
	plog.Infof("package at %s verified", p.Path)
	return blobPath, nil
}
