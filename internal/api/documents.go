package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/univy/docpipe/internal/ingest"
	"github.com/univy/docpipe/internal/task"
)

// multipartOverhead is headroom on top of the document size cap for
// multipart boundaries and part headers.
const multipartOverhead = 10 << 10

// documentsHandler accepts uploads through the ingestion gateway.
type documentsHandler struct {
	gateway  Gateway
	maxBytes int64
	logger   *slog.Logger
}

// uploadResponse mirrors the gateway's upload result on the wire. Task
// may be null for a duplicate whose original task was already purged;
// the content hash still identifies the ingested content.
type uploadResponse struct {
	Task        *task.Task `json:"task"`
	Duplicate   bool       `json:"duplicate"`
	ContentHash string     `json:"content_hash"`
}

// upload handles POST /api/v1/documents. A fresh document answers 202
// with its pending parse task; already-ingested content answers 200
// with the prior task and the duplicate flag set.
func (h *documentsHandler) upload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBytes+multipartOverhead)

	file, header, err := r.FormFile("file")
	if err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			writeError(w, http.StatusRequestEntityTooLarge, "too_large", "upload exceeds the size limit")
			return
		}
		writeError(w, http.StatusBadRequest, "bad_multipart", `multipart form with a "file" field required`)
		return
	}
	defer func() { _ = file.Close() }()

	res, err := h.gateway.Upload(r.Context(), header.Filename, file)
	if err != nil {
		h.writeUploadError(w, err)
		return
	}

	status := http.StatusAccepted
	if res.Duplicate {
		status = http.StatusOK
	}
	writeJSON(w, status, uploadResponse{
		Task:        res.Task,
		Duplicate:   res.Duplicate,
		ContentHash: res.ContentHash,
	})
}

func (h *documentsHandler) writeUploadError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ingest.ErrBadFilename):
		writeError(w, http.StatusBadRequest, "bad_filename", err.Error())
	case errors.Is(err, ingest.ErrUnsupportedFormat):
		writeError(w, http.StatusUnsupportedMediaType, "unsupported_format", err.Error())
	case errors.Is(err, ingest.ErrTooLarge):
		writeError(w, http.StatusRequestEntityTooLarge, "too_large", err.Error())
	case errors.Is(err, ingest.ErrEmptyUpload):
		writeError(w, http.StatusBadRequest, "empty_upload", err.Error())
	default:
		h.logger.Error("upload failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "storing the upload failed")
	}
}
