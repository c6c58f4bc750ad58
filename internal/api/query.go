package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/univy/docpipe/internal/rag"
)

// QueryEngine is the slice of the engine client the query proxy needs.
type QueryEngine interface {
	Query(ctx context.Context, req rag.QueryRequest) (*rag.QueryResponse, error)
	QueryStream(ctx context.Context, req rag.QueryRequest) (io.ReadCloser, error)
}

// queryHandler proxies retrieval queries to the engine.
type queryHandler struct {
	engine QueryEngine // nil when no engine is configured
	logger *slog.Logger
}

// query handles POST /api/v1/query.
func (h *queryHandler) query(w http.ResponseWriter, r *http.Request) {
	if h.engine == nil {
		writeError(w, http.StatusServiceUnavailable, "engine_unconfigured", "no query engine is configured")
		return
	}

	var req rag.QueryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "request body must be valid JSON")
		return
	}
	// Validate here so bad requests come back 400; past this point any
	// failure is the engine's.
	if req.Mode == "" {
		req.Mode = rag.ModeHybrid
	}
	if err := req.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_query", err.Error())
		return
	}

	res, err := h.engine.Query(r.Context(), req)
	if err != nil {
		var engineErr *rag.StatusError
		if errors.As(err, &engineErr) {
			h.logger.Warn("engine rejected query", "status", engineErr.Code)
			writeError(w, http.StatusBadGateway, "engine_error",
				fmt.Sprintf("engine returned status %d", engineErr.Code))
			return
		}
		h.logger.Error("querying engine", "error", err)
		writeError(w, http.StatusBadGateway, "engine_unreachable", "the query engine did not answer")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// stream handles POST /api/v1/query/stream: the engine's incremental
// answer is relayed line by line as newline-delimited JSON.
func (h *queryHandler) stream(w http.ResponseWriter, r *http.Request) {
	if h.engine == nil {
		writeError(w, http.StatusServiceUnavailable, "engine_unconfigured", "no query engine is configured")
		return
	}

	var req rag.QueryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "request body must be valid JSON")
		return
	}
	if req.Mode == "" {
		req.Mode = rag.ModeHybrid
	}
	if err := req.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_query", err.Error())
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming_unsupported", "streaming not supported")
		return
	}

	body, err := h.engine.QueryStream(r.Context(), req)
	if err != nil {
		var engineErr *rag.StatusError
		if errors.As(err, &engineErr) {
			h.logger.Warn("engine rejected stream query", "status", engineErr.Code)
			writeError(w, http.StatusBadGateway, "engine_error",
				fmt.Sprintf("engine returned status %d", engineErr.Code))
			return
		}
		h.logger.Error("opening engine stream", "error", err)
		writeError(w, http.StatusBadGateway, "engine_unreachable", "the query engine did not answer")
		return
	}
	defer body.Close()

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// Once relaying starts the status is already on the wire; a broken
	// engine stream can only be reported by cutting the response short.
	if _, err := io.Copy(&flushWriter{w: w, f: flusher}, body); err != nil {
		h.logger.Warn("engine stream ended early", "error", err)
	}
}

// flushWriter flushes after every write so chunks reach the client as
// the engine produces them.
type flushWriter struct {
	w io.Writer
	f http.Flusher
}

func (fw *flushWriter) Write(p []byte) (int, error) {
	n, err := fw.w.Write(p)
	fw.f.Flush()
	return n, err
}
