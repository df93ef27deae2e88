package web

import (
	"fmt"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

const copyChunkSize = 8192

// serveAdminIndex serves the admin UI entry point.
func (s *Server) serveAdminIndex(w http.ResponseWriter, r *http.Request) {
	s.serveStaticFile(w, "index.html")
}

// serveAdminStatic maps admin and obs-web URLs into the static bundle.
// /admin/foo.js strips the prefix; /obs-web/... keeps the full path so the
// iframe bundle resolves its own relative URLs.
func (s *Server) serveAdminStatic(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path
	switch {
	case path == "/obs-web" || path == "/obs-web/":
		path = "obs-web/index.html"
	case strings.HasPrefix(path, "/obs-web/"):
		path = strings.TrimPrefix(path, "/")
	case path == "/admin" || path == "/admin/":
		path = "index.html"
	case strings.HasPrefix(path, "/admin/"):
		path = strings.TrimPrefix(path, "/admin/")
	default:
		path = strings.TrimPrefix(path, "/")
	}
	s.serveStaticFile(w, path)
}

func (s *Server) serveStaticFile(w http.ResponseWriter, relPath string) {
	if s.staticDir == "" {
		http.Error(w, "File not found", http.StatusNotFound)
		return
	}
	root, err := filepath.Abs(s.staticDir)
	if err != nil {
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	full := filepath.Join(root, filepath.FromSlash(relPath))
	if !strings.HasPrefix(full, root+string(filepath.Separator)) {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}
	info, err := os.Stat(full)
	if err != nil || info.IsDir() {
		http.Error(w, "File not found", http.StatusNotFound)
		return
	}
	data, err := os.ReadFile(full)
	if err != nil {
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", contentTypeFor(full))
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Write(data)
}

// serveClipPath serves files from the clips directory. The root path serves
// the generated index.html.
func (s *Server) serveClipPath(w http.ResponseWriter, r *http.Request) {
	root, err := s.ctrl.Config().ClipsDir()
	if err != nil {
		http.Error(w, "File not found", http.StatusNotFound)
		return
	}

	rel := strings.TrimPrefix(r.URL.Path, "/")
	if rel == "" {
		rel = "index.html"
	}
	full := filepath.Join(root, filepath.FromSlash(rel))
	cleanRoot := filepath.Clean(root)
	if full != cleanRoot && !strings.HasPrefix(full, cleanRoot+string(filepath.Separator)) {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	info, statErr := os.Stat(full)
	if statErr != nil || info.IsDir() {
		http.Error(w, "File not found", http.StatusNotFound)
		return
	}
	s.serveFileWithRanges(w, r, full, info.Size())
}

// serveFileWithRanges honors single-part Range headers the way media
// players issue them. An unparseable Range falls back to the full file.
func (s *Server) serveFileWithRanges(w http.ResponseWriter, r *http.Request, path string, size int64) {
	contentType := contentTypeFor(path)
	rangeHeader := r.Header.Get("Range")

	if rangeHeader != "" {
		start, end, err := parseRange(rangeHeader, size)
		if err == nil {
			if start >= size || end >= size || start > end {
				w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", size))
				http.Error(w, "Requested Range Not Satisfiable", http.StatusRequestedRangeNotSatisfiable)
				return
			}
			w.Header().Set("Content-Type", contentType)
			w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, size))
			w.Header().Set("Content-Length", strconv.FormatInt(end-start+1, 10))
			w.Header().Set("Accept-Ranges", "bytes")
			w.WriteHeader(http.StatusPartialContent)
			s.copyFileRange(w, path, start, end-start+1)
			return
		}
	}

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	w.Header().Set("Accept-Ranges", "bytes")
	s.copyFileRange(w, path, 0, size)
}

func (s *Server) copyFileRange(w http.ResponseWriter, path string, offset, length int64) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()
	if offset > 0 {
		if _, err := f.Seek(offset, 0); err != nil {
			return
		}
	}
	buf := make([]byte, copyChunkSize)
	remaining := length
	for remaining > 0 {
		chunk := int64(len(buf))
		if remaining < chunk {
			chunk = remaining
		}
		n, err := f.Read(buf[:chunk])
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return
			}
			remaining -= int64(n)
		}
		if err != nil {
			return
		}
	}
}

// parseRange handles the "bytes=start-end" form. A missing start means 0, a
// missing end means the last byte.
func parseRange(header string, size int64) (start, end int64, err error) {
	spec := strings.TrimPrefix(header, "bytes=")
	if spec == header {
		return 0, 0, fmt.Errorf("unsupported range unit: %q", header)
	}
	parts := strings.SplitN(spec, "-", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("malformed range: %q", header)
	}
	start = 0
	if parts[0] != "" {
		start, err = strconv.ParseInt(parts[0], 10, 64)
		if err != nil {
			return 0, 0, fmt.Errorf("malformed range start: %q", header)
		}
	}
	end = size - 1
	if parts[1] != "" {
		end, err = strconv.ParseInt(parts[1], 10, 64)
		if err != nil {
			return 0, 0, fmt.Errorf("malformed range end: %q", header)
		}
	}
	return start, end, nil
}

func contentTypeFor(path string) string {
	if t := mime.TypeByExtension(filepath.Ext(path)); t != "" {
		return t
	}
	return "application/octet-stream"
}
