package web

import (
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/ehrlich-b/clichat/internal/convert"
	"github.com/ehrlich-b/clichat/internal/metrics"
)

// safeName reduces a client-supplied file name to a plain base name.
func safeName(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	name = strings.Map(func(r rune) rune {
		switch {
		case r == '/' || r == 0 || r < ' ':
			return -1
		case r == ' ':
			return '_'
		}
		return r
	}, name)
	if name == "" || name == "." || name == ".." {
		return "upload"
	}
	return name
}

// saveUpload stores fh under the uploads dir and returns the path the agent
// should read, after conversion or compression.
func (s *Server) saveUpload(ctx context.Context, fh *multipart.FileHeader) (string, error) {
	src, err := fh.Open()
	if err != nil {
		return "", fmt.Errorf("open upload: %w", err)
	}
	defer src.Close()

	if err := os.MkdirAll(s.opts.UploadsDir, 0o700); err != nil {
		return "", fmt.Errorf("create uploads dir: %w", err)
	}
	dst := filepath.Join(s.opts.UploadsDir, uuid.NewString()[:8]+"_"+safeName(fh.Filename))
	f, err := os.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return "", fmt.Errorf("create upload: %w", err)
	}
	if _, err := io.Copy(f, src); err != nil {
		f.Close()
		os.Remove(dst)
		return "", fmt.Errorf("write upload: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("write upload: %w", err)
	}
	return s.prepareFile(ctx, dst), nil
}

// prepareFile converts documents to markdown and recompresses PDFs. Failures
// fall back to the original file.
func (s *Server) prepareFile(ctx context.Context, path string) string {
	ext := strings.ToLower(filepath.Ext(path))
	switch {
	case ext == ".pdf":
		out := convert.CompressPDF(ctx, path, strings.TrimSuffix(path, filepath.Ext(path))+"_compressed.pdf")
		if out != path {
			metrics.Upload("compressed")
			return out
		}
	case convert.NeedsConversion(path):
		md, err := convert.ToMarkdown(ctx, path)
		if err == nil {
			metrics.Upload("converted")
			return md
		}
		s.log.Warn("upload conversion failed", "file", filepath.Base(path), "err", err)
		metrics.Upload("conversion_failed")
		return path
	}
	metrics.Upload("stored")
	return path
}

// uploadPath resolves a stored upload name, refusing anything outside the
// uploads dir.
func (s *Server) uploadPath(name string) (string, bool) {
	if name == "" || name != filepath.Base(name) || strings.HasPrefix(name, ".") {
		return "", false
	}
	p := filepath.Join(s.opts.UploadsDir, name)
	info, err := os.Stat(p)
	if err != nil || info.IsDir() {
		return "", false
	}
	return p, true
}

type uploaded struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

// handleUpload stores files ahead of a websocket turn, which then refers to
// them by name.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.opts.MaxUploadBytes)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart body")
		return
	}
	defer r.MultipartForm.RemoveAll()

	out := []uploaded{}
	for _, fh := range r.MultipartForm.File["files"] {
		p, err := s.saveUpload(r.Context(), fh)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		name := filepath.Base(p)
		out = append(out, uploaded{Name: name, URL: "/uploads/" + name})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleServeUpload(w http.ResponseWriter, r *http.Request) {
	p, ok := s.uploadPath(chi.URLParam(r, "name"))
	if !ok {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	w.Header().Set("X-Content-Type-Options", "nosniff")
	http.ServeFile(w, r, p)
}
