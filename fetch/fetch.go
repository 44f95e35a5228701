// Package fetch implements the HTTP download side of the pipeline:
// streaming a GET response to disk, re-hashing the result, and comparing
// it against caller-supplied expected digests, all wrapped in a bounded
// retry per retry.Do.
package fetch

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/cheggaaa/pb"
	"github.com/coreos/pkg/capnslog"

	"github.com/flatcar/ue-go/digest"
	"github.com/flatcar/ue-go/retry"
)

var plog = capnslog.NewPackageLogger("github.com/flatcar/ue-go", "fetch")

const (
	// MaxDownloadRetry bounds the whole-operation retry loop (GET + write
	// + re-hash + compare).
	MaxDownloadRetry = 20
	retryInterval    = 1 * time.Second

	connTimeout     = 20 * time.Second
	downloadTimeout = 3600 * time.Second
)

var (
	ErrSHA256Mismatch = errors.New("fetch: sha256 checksum mismatch")
	ErrSHA1Mismatch   = errors.New("fetch: sha1 checksum mismatch")
)

// NewClient builds an *http.Client with connection keepalive and an
// overall request timeout sized for multi-gigabyte payloads, logging the
// final URL whenever a redirect changed it.
func NewClient() *http.Client {
	return &http.Client{
		Timeout: downloadTimeout,
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   connTimeout,
				KeepAlive: connTimeout,
			}).DialContext,
		},
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 10 {
				return fmt.Errorf("fetch: stopped after 10 redirects")
			}
			if len(via) > 0 && req.URL.String() != via[0].URL.String() {
				plog.Infof("redirected to URL %s", req.URL)
			}
			return nil
		},
	}
}

// Result carries the digests computed from the downloaded file.
type Result struct {
	SHA256 digest.Digest
	SHA1   digest.Digest
}

// DownloadAndHash performs a single GET of url into dstPath (streamed,
// showing a progress bar), then re-hashes the file and compares it
// against any supplied expected digest. Non-2xx responses fail without
// retry; 403/404 get a distinguishing message. The whole operation is not
// itself retried here; callers wrap it with retry.Do per the fetcher's
// bounded retry policy.
func DownloadAndHash(client *http.Client, url, dstPath string, expectedSHA256, expectedSHA1 *digest.Digest) (*Result, error) {
	resp, err := client.Get(url)
	if err != nil {
		return nil, fmt.Errorf("fetch: get %s: %w", url, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusForbidden:
		return nil, fmt.Errorf("fetch: %s: forbidden (403)", url)
	case http.StatusNotFound:
		return nil, fmt.Errorf("fetch: %s: not found (404)", url)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("fetch: %s: unexpected status %s", url, resp.Status)
	}

	out, err := os.Create(dstPath)
	if err != nil {
		return nil, fmt.Errorf("fetch: create %s: %w", dstPath, err)
	}
	defer out.Close()

	var body io.Reader = resp.Body
	if resp.ContentLength > 0 {
		bar := pb.New64(resp.ContentLength)
		bar.ShowTimeLeft = true
		bar.Start()
		defer bar.Finish()
		body = bar.NewProxyReader(resp.Body)
	}

	if _, err := io.Copy(out, body); err != nil {
		return nil, fmt.Errorf("fetch: write %s: %w", dstPath, err)
	}
	if err := out.Close(); err != nil {
		return nil, fmt.Errorf("fetch: close %s: %w", dstPath, err)
	}

	sha256Digest, err := digest.HashOnDisk(dstPath, digest.SHA256, -1)
	if err != nil {
		return nil, err
	}
	sha1Digest, err := digest.HashOnDisk(dstPath, digest.SHA1, -1)
	if err != nil {
		return nil, err
	}

	if expectedSHA256 != nil && !sha256Digest.Equal(*expectedSHA256) {
		return nil, fmt.Errorf("%w: got %s, want %s", ErrSHA256Mismatch, sha256Digest.Hex(), expectedSHA256.Hex())
	}
	if expectedSHA1 != nil && !sha1Digest.Equal(*expectedSHA1) {
		return nil, fmt.Errorf("%w: got %s, want %s", ErrSHA1Mismatch, sha1Digest.Hex(), expectedSHA1.Hex())
	}

	return &Result{SHA256: sha256Digest, SHA1: sha1Digest}, nil
}

// DownloadAndHashWithRetry wraps DownloadAndHash in the fixed-interval
// bounded retry (20 attempts, 1s apart) the fetcher's contract requires.
// Each attempt overwrites any partial file left by a prior attempt.
func DownloadAndHashWithRetry(client *http.Client, url, dstPath string, expectedSHA256, expectedSHA1 *digest.Digest) (*Result, error) {
	var result *Result
	err := retry.Do(MaxDownloadRetry, retryInterval, func() error {
		r, err := DownloadAndHash(client, url, dstPath, expectedSHA256, expectedSHA1)
		if err != nil {
			return err
		}
		result = r
		return nil
	})
	return result, err
}
