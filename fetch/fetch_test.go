package fetch

import (
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/flatcar/ue-go/digest"
)

func TestDownloadAndHashSuccess(t *testing.T) {
	const body = "update payload bytes"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(body))
	}))
	defer srv.Close()

	dst := filepath.Join(t.TempDir(), "out")
	result, err := DownloadAndHash(srv.Client(), srv.URL, dst, nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want, _ := digest.HashOnDisk(dst, digest.SHA256, -1)
	if !result.SHA256.Equal(want) {
		t.Fatalf("sha256 mismatch")
	}
}

func TestDownloadAndHashChecksumMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("actual bytes"))
	}))
	defer srv.Close()

	wrong, _ := digest.FromHex(digest.SHA256, "0000000000000000000000000000000000000000000000000000000000000000")
	dst := filepath.Join(t.TempDir(), "out")
	_, err := DownloadAndHash(srv.Client(), srv.URL, dst, &wrong, nil)
	if err == nil {
		t.Fatal("expected checksum mismatch error")
	}
}

func TestDownloadAndHash404NotRetried(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	dst := filepath.Join(t.TempDir(), "out")
	_, err := DownloadAndHash(srv.Client(), srv.URL, dst, nil, nil)
	if err == nil {
		t.Fatal("expected not-found error")
	}
	if attempts != 1 {
		t.Fatalf("expected exactly 1 attempt at this layer, got %d", attempts)
	}
}
