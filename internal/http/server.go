// Package http serves the local export page and its JSON endpoints.
package http

import (
	"context"
	"html/template"
	"io/fs"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"creatorbills/internal/log"
	"creatorbills/internal/services"
	"creatorbills/internal/sink"
	appweb "creatorbills/web"
)

const requestIDHeader = "X-Request-ID"

// Exporter is the part of the export service the web UI drives.
type Exporter interface {
	Start(ctx context.Context, req services.Request) (*services.Session, error)
	Current() (*services.Session, bool)
	AvailableYears(ctx context.Context) ([]int, error)
}

type Server struct {
	http.Server
	templates   *template.Template
	exporter    Exporter
	archive     sink.ExportReader
	logger      *log.Logger
	rateLimiter *rateLimiter
	metrics     *securityMetrics

	shutdownOnce sync.Once
}

// NewServer wires routes and templates. archive, when not nil, serves the
// last archived export if no session in this process has completed yet.
func NewServer(addr string, exporter Exporter, archive sink.ExportReader, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.Discard()
	}
	mux := http.NewServeMux()

	s := &Server{
		Server: http.Server{
			Addr:              addr,
			ReadHeaderTimeout: 10 * time.Second,
		},
		exporter:    exporter,
		archive:     archive,
		logger:      logger.WithComponent(log.ComponentHTTP),
		rateLimiter: newRateLimiter(10, time.Minute),
		metrics:     &securityMetrics{},
	}

	t, err := template.ParseFS(appweb.TemplatesFS, "templates/*.html")
	if err != nil {
		s.logger.Warn("Failed parsing templates", log.FieldError, err)
	}
	s.templates = t

	if sub, err := fs.Sub(appweb.StaticFS, "static"); err == nil {
		static := http.StripPrefix("/static/", http.FileServer(http.FS(sub)))
		mux.Handle("GET /static/", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Cache-Control", "public, max-age=3600")
			static.ServeHTTP(w, r)
		}))
	} else {
		s.logger.Warn("Failed to mount embedded static FS", log.FieldError, err)
	}

	mux.HandleFunc("GET /{$}", s.handleIndex)
	mux.HandleFunc("GET /healthz", handleHealth)
	mux.HandleFunc("GET /years", s.handleYears)
	mux.HandleFunc("GET /exports", s.handleListExports)
	mux.HandleFunc("POST /exports", s.handleStartExport)
	mux.HandleFunc("GET /exports/current", s.handleProgress)
	mux.HandleFunc("GET /exports/current/download", s.handleDownload)
	mux.HandleFunc("GET /exports/{id}/download", s.handleDownloadByID)

	logged := log.Middleware(logger, func(r *http.Request) string { return r.Header.Get(requestIDHeader) })
	s.Handler = s.withRequestID(logged(s.withSecurityHeaders(mux)))
	return s
}

// withRequestID assigns a request id. An id sent by a trusted proxy is kept
// when it is well formed; any other caller's id is replaced.
func (s *Server) withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if !peerIsTrusted(r) || !validRequestID(id) {
			id = generateRequestID()
			r.Header.Set(requestIDHeader, id)
		}
		w.Header().Set(requestIDHeader, id)
		next.ServeHTTP(w, r)
	})
}

// withSecurityHeaders adds security headers and rate limits export starts.
func (s *Server) withSecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		clientIP := extractClientIP(r)
		logger := log.FromContext(r.Context())

		if isSuspiciousRequest(r, s.metrics) {
			logger.WarnContext(r.Context(), "Suspicious request", "client_ip", clientIP, log.FieldPath, r.URL.Path)
		}

		if r.Method == http.MethodPost && !s.rateLimiter.allow(clientIP, s.metrics) {
			logger.WarnContext(r.Context(), "Rate limit exceeded", "client_ip", clientIP, log.FieldPath, r.URL.Path)
			w.Header().Set("Retry-After", "60")
			writeError(w, r, http.StatusTooManyRequests, "rate limit exceeded, try again later")
			return
		}

		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Content-Security-Policy", "default-src 'self'; style-src 'self'; script-src 'self'; img-src 'self' data:; connect-src 'self'")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		next.ServeHTTP(w, r)
	})
}

// Shutdown stops background routines and the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	s.shutdownOnce.Do(func() {
		s.rateLimiter.stop()
		s.logger.InfoContext(ctx, "HTTP server stopping",
			log.FieldOperation, log.OpShutdown,
			"rate_limit_hits", atomic.LoadInt64(&s.metrics.rateLimitHits),
			"suspicious_requests", atomic.LoadInt64(&s.metrics.suspiciousRequests))
		err = s.Server.Shutdown(ctx)
	})
	return err
}
