package api

import (
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// statusWriter wraps http.ResponseWriter to record the status code and
// body size for logging and tracing. It forwards Flush so streaming
// handlers keep working behind the middleware stack, and exposes Unwrap
// for http.ResponseController.
type statusWriter struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func (sw *statusWriter) WriteHeader(code int) {
	sw.status = code
	sw.ResponseWriter.WriteHeader(code)
}

func (sw *statusWriter) Write(b []byte) (int, error) {
	if sw.status == 0 {
		sw.status = http.StatusOK
	}
	n, err := sw.ResponseWriter.Write(b)
	sw.bytes += int64(n)
	return n, err
}

func (sw *statusWriter) Flush() {
	if f, ok := sw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (sw *statusWriter) Unwrap() http.ResponseWriter {
	return sw.ResponseWriter
}

// statusOf reports the effective status: handlers that never call
// WriteHeader implicitly answered 200.
func (sw *statusWriter) statusOf() int {
	if sw.status == 0 {
		return http.StatusOK
	}
	return sw.status
}

// recoveryMiddleware turns handler panics into 500s instead of torn
// connections. Once headers are out there is nothing left to send and
// the panic is only logged.
func recoveryMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sw := &statusWriter{ResponseWriter: w}
			defer func() {
				v := recover()
				if v == nil {
					return
				}
				logger.Error("panic recovered",
					"error", v,
					"path", r.URL.Path,
					"headers_sent", sw.status != 0,
				)
				if sw.status == 0 {
					writeError(w, http.StatusInternalServerError, "internal_error", "internal server error")
				}
			}()
			next.ServeHTTP(sw, r)
		})
	}
}

// tracingMiddleware opens a server span per request. Without a tracer
// provider configured, otel hands out a noop tracer and this costs
// next to nothing.
func tracingMiddleware() func(http.Handler) http.Handler {
	tracer := otel.Tracer("docpipe/api")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, span := tracer.Start(r.Context(), r.Method+" "+r.URL.Path,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					attribute.String("http.request.method", r.Method),
					attribute.String("url.path", r.URL.Path),
				),
			)
			defer span.End()

			sw, ok := w.(*statusWriter)
			if !ok {
				sw = &statusWriter{ResponseWriter: w}
			}
			next.ServeHTTP(sw, r.WithContext(ctx))

			status := sw.statusOf()
			span.SetAttributes(attribute.Int("http.response.status_code", status))
			if status >= http.StatusInternalServerError {
				span.SetStatus(codes.Error, http.StatusText(status))
			}
		})
	}
}

// loggingMiddleware logs one line per request at debug level. It reuses
// the outer middleware's statusWriter rather than wrapping twice.
func loggingMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sw, ok := w.(*statusWriter)
			if !ok {
				sw = &statusWriter{ResponseWriter: w}
			}

			next.ServeHTTP(sw, r)

			logger.Debug("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", sw.statusOf(),
				"bytes", sw.bytes,
				"duration", time.Since(start),
				"ip", r.RemoteAddr,
			)
		})
	}
}

// corsMiddleware answers preflight requests and stamps allowed origins
// onto responses. A "*" entry opens the API to any origin.
// allowedOrigins lists the origins permitted to call the API; the
// single entry "*" opens it to any origin.
func corsMiddleware(allowedOrigins []string) func(http.Handler) http.Handler {
	allowAny := false
	originSet := make(map[string]struct{}, len(allowedOrigins))
	for _, o := range allowedOrigins {
		if o == "*" {
			allowAny = true
			continue
		}
		originSet[o] = struct{}{}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")

			allow := ""
			switch {
			case allowAny:
				allow = "*"
			case origin != "":
				if _, ok := originSet[origin]; ok {
					allow = origin
				}
			}
			if allow != "" {
				w.Header().Set("Access-Control-Allow-Origin", allow)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
				w.Header().Set("Access-Control-Max-Age", "3600")
			}

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// setSecurityHeaders applies baseline hardening headers. HSTS needs
// HTTPS, so dev mode skips it.
func setSecurityHeaders(w http.ResponseWriter, isDev bool) {
	h := w.Header()
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("X-Frame-Options", "DENY")
	h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
	h.Set("Content-Security-Policy", "default-src 'none'")
	if !isDev {
		h.Set("Strict-Transport-Security", "max-age=63072000; includeSubDomains")
	}
}
