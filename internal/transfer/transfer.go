// Package transfer moves track files between Host and Clients over plain
// HTTP and reports client_ready / client_ready_error outcomes. Hashing
// and network I/O run off the core loop per spec §5 ("any operation that
// may block for longer than 10ms must execute off the core loop").
package transfer

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/roomsync-labs/roomsync/internal/wire"
)

// Server serves track files for Clients to download.
type Server struct {
	dir    string
	server *http.Server
}

// NewServer creates a file server rooted at dir, listening on addr.
func NewServer(addr, dir string) *Server {
	mux := http.NewServeMux()
	s := &Server{dir: dir}
	mux.HandleFunc("/tracks/", s.handleTrack)
	s.server = &http.Server{Addr: addr, Handler: mux}
	return s
}

func (s *Server) handleTrack(w http.ResponseWriter, r *http.Request) {
	name := filepath.Base(r.URL.Path)
	path := filepath.Join(s.dir, name)
	f, err := os.Open(path)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	defer f.Close()
	http.ServeContent(w, r, name, time.Time{}, f)
}

// Start begins serving in the background.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return err
	}
	go s.server.Serve(ln)
	go func() {
		<-ctx.Done()
		s.server.Close()
	}()
	return nil
}

// Addr returns the listening address.
func (s *Server) Addr() string { return s.server.Addr }

// HashFile computes the sha1 hex digest of path, for the fileHash field
// of track_announce.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha1.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// DownloadResult is reported back to the Host as client_ready or
// client_ready_error.
type DownloadResult struct {
	LocalPath string
	PrepareMs int64
	ErrorCode string
	Err       error
}

// Download fetches url to destDir/fileName, verifying the sha1 digest
// against expectedHash. If destDir already contains a file matching the
// hash, the download is skipped and Cached is reported via the caller
// (transfer itself only reports the final local path).
func Download(ctx context.Context, url, destDir, fileName, expectedHash string) DownloadResult {
	start := time.Now()
	destPath := filepath.Join(destDir, fileName)

	if existingHash, err := HashFile(destPath); err == nil && existingHash == expectedHash {
		return DownloadResult{LocalPath: destPath, PrepareMs: time.Since(start).Milliseconds()}
	}

	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return DownloadResult{ErrorCode: wire.ErrCodeDownloadFailed, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return DownloadResult{ErrorCode: wire.ErrCodeDownloadFailed, Err: err}
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return DownloadResult{ErrorCode: wire.ErrCodeTimeout, Err: err}
		}
		return DownloadResult{ErrorCode: wire.ErrCodeDownloadFailed, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return DownloadResult{ErrorCode: wire.ErrCodeHTTP4xx, Err: fmt.Errorf("http status %d", resp.StatusCode)}
	}

	tmpPath := destPath + ".part"
	out, err := os.Create(tmpPath)
	if err != nil {
		return DownloadResult{ErrorCode: wire.ErrCodeDownloadFailed, Err: err}
	}

	h := sha1.New()
	if _, err := io.Copy(io.MultiWriter(out, h), resp.Body); err != nil {
		out.Close()
		os.Remove(tmpPath)
		return DownloadResult{ErrorCode: wire.ErrCodeDownloadFailed, Err: err}
	}
	out.Close()

	gotHash := hex.EncodeToString(h.Sum(nil))
	if gotHash != expectedHash {
		os.Remove(tmpPath)
		return DownloadResult{ErrorCode: wire.ErrCodeHashMismatch, Err: fmt.Errorf("hash mismatch: want %s got %s", expectedHash, gotHash)}
	}

	if err := os.Rename(tmpPath, destPath); err != nil {
		return DownloadResult{ErrorCode: wire.ErrCodeDownloadFailed, Err: err}
	}

	return DownloadResult{LocalPath: destPath, PrepareMs: time.Since(start).Milliseconds()}
}
