package httpserver

import (
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"securechat/internal/domain"
)

// UploadRoutes returns a sub-router mounted at /api/uploads. A stored file is
// described by the domain.Attachment that messages reference.
func UploadRoutes(dir string, maxBytes int64, log *zap.Logger) chi.Router {
	r := chi.NewRouter()

	r.Post("/", func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxBytes+(1<<20))
		if err := r.ParseMultipartForm(maxBytes); err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "failed to parse multipart form", Code: "invalid_input"})
			return
		}
		file, header, err := r.FormFile("file")
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "missing file", Code: "invalid_input"})
			return
		}
		defer file.Close()

		if header.Size > maxBytes {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "file too large", Code: "invalid_input"})
			return
		}
		ext := filepath.Ext(header.Filename)
		if ext == "" {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "file must have an extension", Code: "invalid_input"})
			return
		}

		if err := os.MkdirAll(dir, 0o755); err != nil {
			writeError(w, log, err)
			return
		}
		stored := uuid.NewString() + ext
		out, err := os.Create(filepath.Join(dir, stored))
		if err != nil {
			writeError(w, log, err)
			return
		}
		defer out.Close()

		n, err := io.Copy(out, file)
		if err != nil {
			writeError(w, log, err)
			return
		}

		contentType := header.Header.Get("Content-Type")
		if contentType == "" {
			contentType = mime.TypeByExtension(ext)
		}
		writeJSON(w, http.StatusCreated, domain.Attachment{
			Name: header.Filename,
			URL:  "/api/uploads/" + stored,
			Type: contentType,
			Size: n,
		})
	})

	r.Get("/{filename}", func(w http.ResponseWriter, r *http.Request) {
		filename := chi.URLParam(r, "filename")
		// Prevent path traversal by not allowing separators.
		if filename == "" || filepath.Base(filename) != filename {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid filename", Code: "invalid_input"})
			return
		}
		http.ServeFile(w, r, filepath.Join(dir, filename))
	})

	return r
}
