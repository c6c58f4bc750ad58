// Package api provides the JSON REST API server for the ingestion
// pipeline.
//
// # Architecture
//
// Routing is plain net/http with Go 1.22 method patterns; a layered
// middleware stack wraps the routes:
//
//	Recovery → Tracing → Logging → CORS → RateLimit → Routes
//
// Health probes (/health, /ready) hang off a top-level mux ahead of the
// stack, so they stay cheap, unlogged and unthrottled.
//
// # Endpoints
//
// Probes (no middleware):
//   - GET /health — liveness, always {"status":"ok"}
//   - GET /ready  — pings the database, 503 when it is unreachable
//
// Documents:
//   - POST /api/v1/documents — multipart upload; 202 with the parse
//     task, or 200 with the prior task and "duplicate": true when the
//     content is already ingested
//
// Tasks:
//   - GET /api/v1/tasks/{id} — task status; terminal tasks carry their
//     result or error payload; 404 on unknown id
//   - GET /api/v1/tasks?status=&kind=&limit= — listing, newest first
//
// Maintenance triggers:
//   - POST /api/v1/admin/scan    — enqueue a directory scan
//   - POST /api/v1/admin/cleanup — enqueue an artifact sweep; accepts
//     ?max_age= to override the configured retention for this run
//
// Both return 202 with the created task, or 200 with the already-active
// task when the trigger coalesces.
//
// Query:
//   - POST /api/v1/query — proxies to the RAG engine; 503 when no
//     engine is configured
//   - POST /api/v1/query/stream — same contract, answered as
//     newline-delimited JSON chunks while the engine generates
//
// # Error Handling
//
// Errors use a flat envelope: {"error": "...", "message": "..."}.
// The error field is a stable machine-readable code; message is for
// humans. Gateway rejections map to client errors (400/413/415),
// engine faults to 502.
//
// # Security
//
// The middleware stack enforces:
//   - Per-IP rate limiting on mutating routes (token bucket)
//   - CORS with explicit origin allowlist
//   - Security headers (CSP, HSTS, X-Frame-Options, etc.)
//
// Uploads are size-capped before any byte is spooled to disk.
package api
