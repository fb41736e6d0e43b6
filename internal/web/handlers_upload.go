package web

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"

	"github.com/go-chi/render"

	"github.com/JonMunkholm/uploadfield/internal/logging"
)

// UploadResponse is the body returned for a stored file. Upload field
// transports read the file's URL from "url".
type UploadResponse struct {
	URL  string `json:"url"`
	Key  string `json:"key"`
	Name string `json:"name"`
	Size int64  `json:"size"`
}

// handleUpload receives one file as multipart form data and stores it.
// The body is streamed part by part so memory stays constant regardless of
// file size. The optional "account" query parameter namespaces the key.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.Storage.MaxFileSize)

	if ct, _, err := mime.ParseMediaType(r.Header.Get("Content-Type")); err != nil || ct != "multipart/form-data" {
		respondError(w, r, fmt.Errorf("%w: expected multipart/form-data", ErrNoFile), http.StatusBadRequest)
		return
	}

	mr, err := r.MultipartReader()
	if err != nil {
		respondError(w, r, fmt.Errorf("%w: %v", ErrNoFile, err), http.StatusBadRequest)
		return
	}

	account := r.URL.Query().Get("account")
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			respondError(w, r, fmt.Errorf("read multipart: %w", err), statusFor(err))
			return
		}
		if part.FormName() != s.cfg.Upload.FieldName || part.FileName() == "" {
			part.Close()
			continue
		}

		stored, err := s.storage.Save(account, part.FileName(), part)
		part.Close()
		if err != nil {
			respondError(w, r, err, statusFor(err))
			return
		}

		logging.FromContext(r.Context()).Info("file stored",
			"key", stored.Key,
			"size", stored.Size,
			"account", account,
		)

		w.Header().Set("Location", stored.URL)
		render.Status(r, http.StatusCreated)
		render.JSON(w, r, UploadResponse{URL: stored.URL, Key: stored.Key, Name: stored.Name, Size: stored.Size})
		return
	}

	respondError(w, r, ErrNoFile, http.StatusBadRequest)
}
