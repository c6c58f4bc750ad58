package api

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/univy/docpipe/internal/ingest"
	"github.com/univy/docpipe/internal/task"
)

// Gateway is the slice of the ingestion service the API serves.
type Gateway interface {
	Upload(ctx context.Context, filename string, r io.Reader) (*ingest.UploadResult, error)
	Status(ctx context.Context, id uuid.UUID) (*task.Task, error)
	Tasks(ctx context.Context, f task.Filter) ([]*task.Task, error)
	TriggerScan(ctx context.Context) (*task.Task, bool, error)
	TriggerCleanup(ctx context.Context, maxAge time.Duration) (*task.Task, bool, error)
}

// ServerConfig carries everything NewServer needs. Only Gateway is
// required.
type ServerConfig struct {
	Logger         *slog.Logger
	Gateway        Gateway       // Required
	Engine         QueryEngine   // Optional: nil makes /api/v1/query answer 503
	Pool           *pgxpool.Pool // Optional: nil skips the DB ping in /ready
	CORSOrigins    []string      // Allowed origins for CORS ("*" opens it up)
	MaxUploadBytes int64         // Upload size cap (0 = ingest.DefaultMaxUploadBytes)
	IsDev          bool          // Disables HSTS (plain HTTP during development)
	TrustProxy     bool          // Trust X-Real-IP/X-Forwarded-For headers (behind reverse proxy)
	RateBurst      int           // Rate limiter burst size per IP (0 = default 60)
}

// Server is the ingestion API's HTTP front.
type Server struct {
	mux *http.ServeMux
}

// NewServer wires the route handlers and middleware into a servable
// handler.
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Gateway == nil {
		return nil, errors.New("gateway is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxBytes := cfg.MaxUploadBytes
	if maxBytes <= 0 {
		maxBytes = ingest.DefaultMaxUploadBytes
	}

	dh := &documentsHandler{gateway: cfg.Gateway, maxBytes: maxBytes, logger: logger}
	th := &tasksHandler{gateway: cfg.Gateway, logger: logger}
	ah := &adminHandler{gateway: cfg.Gateway, logger: logger}
	qh := &queryHandler{engine: cfg.Engine, logger: logger}

	mux := http.NewServeMux()

	// Documents and task status
	mux.HandleFunc("POST /api/v1/documents", dh.upload)
	mux.HandleFunc("GET /api/v1/tasks", th.list)
	mux.HandleFunc("GET /api/v1/tasks/{id}", th.get)

	// Maintenance triggers
	mux.HandleFunc("POST /api/v1/admin/scan", ah.scan)
	mux.HandleFunc("POST /api/v1/admin/cleanup", ah.cleanup)

	// Query proxy
	mux.HandleFunc("POST /api/v1/query", qh.query)
	mux.HandleFunc("POST /api/v1/query/stream", qh.stream)

	// Per-IP token bucket, refilled at one request per second.
	burst := cfg.RateBurst
	if burst <= 0 {
		burst = 60
	}
	rl := newRateLimiter(1.0, burst)

	// The stack wraps inside-out: the limiter sits closest to the routes
	// and recovery outermost. CORS runs ahead of the limiter so a
	// preflight OPTIONS gets its headers without spending a token.
	var handler http.Handler = mux
	handler = rateLimitMiddleware(rl, cfg.TrustProxy, logger)(handler)
	handler = corsMiddleware(cfg.CORSOrigins)(handler)
	handler = loggingMiddleware(logger)(handler)
	handler = tracingMiddleware()(handler)
	handler = recoveryMiddleware(logger)(handler)

	// Security headers go on before the stack runs, so panics and error
	// responses carry them too.
	isDev := cfg.IsDev
	final := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		setSecurityHeaders(w, isDev)
		handler.ServeHTTP(w, r)
	})

	// Health probes stay off the stack; orchestrators poll them too often
	// to log or rate-limit.
	topMux := http.NewServeMux()
	topMux.HandleFunc("GET /health", health)
	topMux.Handle("GET /ready", readiness(cfg.Pool, logger))
	topMux.Handle("/", final)

	return &Server{mux: topMux}, nil
}

// Handler exposes the composed routes for http.Server.
func (s *Server) Handler() http.Handler {
	return s.mux
}
