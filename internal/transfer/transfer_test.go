package transfer

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
)

func TestHashFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "track.mp3")
	if err := os.WriteFile(path, []byte("hello world"), 0o644); err != nil {
		t.Fatal(err)
	}

	hash, err := HashFile(path)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	// sha1("hello world")
	want := "2aae6c35c94fcfb415dbe95f408b9ce91ee846ed"
	if hash != want {
		t.Fatalf("expected %s, got %s", want, hash)
	}
}

func TestDownloadVerifiesHashAndWritesFile(t *testing.T) {
	content := []byte("track bytes")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(content)
	}))
	defer srv.Close()

	hash, err := hashBytes(content)
	if err != nil {
		t.Fatal(err)
	}

	destDir := t.TempDir()
	result := Download(context.Background(), srv.URL, destDir, "track.mp3", hash)
	if result.Err != nil {
		t.Fatalf("download failed: %v", result.Err)
	}
	got, err := os.ReadFile(result.LocalPath)
	if err != nil {
		t.Fatalf("read downloaded file: %v", err)
	}
	if string(got) != string(content) {
		t.Fatalf("expected downloaded content to match, got %q", got)
	}
}

func TestDownloadRejectsHashMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("track bytes"))
	}))
	defer srv.Close()

	destDir := t.TempDir()
	result := Download(context.Background(), srv.URL, destDir, "track.mp3", "0000000000000000000000000000000000000000")
	if result.Err == nil {
		t.Fatal("expected hash mismatch error")
	}
	if result.ErrorCode != "hash_mismatch" {
		t.Fatalf("expected hash_mismatch error code, got %q", result.ErrorCode)
	}
}

func TestDownloadReportsHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	destDir := t.TempDir()
	result := Download(context.Background(), srv.URL, destDir, "track.mp3", "deadbeef")
	if result.ErrorCode != "http_4xx" {
		t.Fatalf("expected http_4xx error code, got %q", result.ErrorCode)
	}
}

func hashBytes(b []byte) (string, error) {
	dir, err := os.MkdirTemp("", "transfer-test")
	if err != nil {
		return "", err
	}
	defer os.RemoveAll(dir)
	path := filepath.Join(dir, "tmp")
	if err := os.WriteFile(path, b, 0o644); err != nil {
		return "", err
	}
	return HashFile(path)
}
