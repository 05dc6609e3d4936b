package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/adops/site-auditor/internal/audit"
	"github.com/adops/site-auditor/internal/logging"
	"github.com/adops/site-auditor/internal/metrics"
	"github.com/adops/site-auditor/internal/poller"
)

const defaultReadTimeout = 15 * time.Second

// Coordinator runs trigger calls and applies worker callbacks.
type Coordinator interface {
	TriggerBatch(ctx context.Context, scope audit.Scope) (audit.BatchSummary, error)
	RecordJobResult(ctx context.Context, jobID string, status audit.JobStatus, result audit.JobResult) (audit.Batch, error)
}

// BatchReader is the read side of the batch store served by the API.
type BatchReader interface {
	audit.BatchReader
	ListBatches(ctx context.Context, limit, offset int) ([]audit.Batch, error)
}

// Watcher streams poller snapshots for one batch.
type Watcher interface {
	Watch(ctx context.Context, batchID string, opts poller.Options) <-chan poller.Snapshot
}

// Options tune the HTTP surface.
type Options struct {
	// BearerTokens guard the mutating routes. Empty disables auth.
	BearerTokens []string
	ReadTimeout  time.Duration
	Poll         poller.Options
	// Ready reports downstream readiness for /readyz. Nil means always ready.
	Ready func(ctx context.Context) error
}

// Server wires HTTP handlers to the coordinator, the batch store and the
// progress poller.
type Server struct {
	router  chi.Router
	coord   Coordinator
	batches BatchReader
	watcher Watcher
	opts    Options
	logger  *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(coord Coordinator, batches BatchReader, watcher Watcher, opts Options, logger *zap.Logger) *Server {
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = defaultReadTimeout
	}
	s := &Server{
		coord:   coord,
		batches: batches,
		watcher: watcher,
		opts:    opts,
		logger:  logging.OrNop(logger).Named("api"),
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(metrics.Middleware)
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})
	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "route not found")
	})

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Group(func(r chi.Router) {
		r.Use(bearerAuthMiddleware(opts.BearerTokens))
		r.Post("/trigger-all-publisher-audits", s.triggerAll)
		r.Post("/v1/batches", s.triggerExplicit)
		r.Post("/v1/jobs/{job_id}/status", s.recordJobStatus)
	})

	r.Group(func(r chi.Router) {
		r.Use(timeoutMiddleware(opts.ReadTimeout))
		r.Get("/v1/batches", s.listBatches)
		r.Get("/v1/batches/{batch_id}", s.getBatch)
		r.Get("/v1/batches/{batch_id}/jobs", s.listBatchJobs)
	})
	// Streams are bounded by the poll budget, not the read timeout.
	r.Get("/v1/batches/{batch_id}/watch", s.watchBatch)

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.opts.Ready != nil {
		if err := s.opts.Ready(r.Context()); err != nil {
			s.logger.Warn("readiness check failed", zap.Error(err))
			writeError(w, http.StatusServiceUnavailable, "not ready")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type requestIDKey struct{}

// RequestID returns the request ID assigned by the middleware, if any.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := strings.TrimSpace(r.Header.Get("X-Request-ID"))
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		s.logger.Info("request completed",
			zap.String("request_id", RequestID(r.Context())),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered",
					zap.String("request_id", RequestID(r.Context())),
					zap.Any("error", rec),
					zap.Stack("stack"),
				)
				writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

// bearerAuthMiddleware accepts any of the configured tokens.
func bearerAuthMiddleware(tokens []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if len(tokens) == 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !validBearer(r.Header.Get("Authorization"), tokens) {
				w.Header().Set("WWW-Authenticate", `Bearer realm="site-auditor"`)
				writeError(w, http.StatusUnauthorized, audit.ErrUnauthorized.Error())
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func validBearer(header string, tokens []string) bool {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return false
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return false
	}
	matched := 0
	for _, want := range tokens {
		matched |= subtle.ConstantTimeCompare([]byte(token), []byte(want))
	}
	return matched == 1
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
