// Package api exposes analysis, persistence and history over HTTP.
package api

import (
	"context"
	"net/http"

	"golang.org/x/time/rate"

	"github.com/securecodehub/semgrep-hub/internal/data/db"
	"github.com/securecodehub/semgrep-hub/internal/metrics"
	"github.com/securecodehub/semgrep-hub/pkg/scan"
	"github.com/securecodehub/semgrep-hub/pkg/types"
)

const (
	defaultTimeoutSeconds = 180
	defaultMaxUploadBytes = int64(64 << 20)
	// multipartMemory is how much of a multipart body is held in memory before spilling to disk.
	multipartMemory = 8 << 20
)

// Analyzer runs the static analyzer against a staged target.
type Analyzer interface {
	Run(ctx context.Context, target string, timeoutSeconds int) ([]types.Finding, *scan.RawResult, error)
}

// Archiver stores raw analyzer output.
type Archiver interface {
	Store(ctx context.Context, user string, raw []byte) (string, error)
}

// Options wires a Server. Archiver and Collector are optional.
type Options struct {
	Analyzer       Analyzer
	Manager        db.ScanManager
	Archiver       Archiver
	Collector      metrics.Collector
	Logger         types.Logger
	Limiter        *rate.Limiter
	Stage          scan.StageOptions
	TimeoutSeconds int
	MaxUploadBytes int64
}

// Server holds the API dependencies.
type Server struct {
	analyzer       Analyzer
	manager        db.ScanManager
	archiver       Archiver
	collector      metrics.Collector
	logger         types.Logger
	limiter        *rate.Limiter
	stage          scan.StageOptions
	timeoutSeconds int
	maxUploadBytes int64
}

// New creates a Server.
func New(opts Options) *Server {
	s := &Server{
		analyzer:       opts.Analyzer,
		manager:        opts.Manager,
		archiver:       opts.Archiver,
		collector:      opts.Collector,
		logger:         opts.Logger,
		limiter:        opts.Limiter,
		stage:          opts.Stage,
		timeoutSeconds: opts.TimeoutSeconds,
		maxUploadBytes: opts.MaxUploadBytes,
	}
	if s.logger == nil {
		s.logger = types.NopLogger{}
	}
	if s.collector == nil {
		s.collector = metrics.New(metrics.Namespace)
	}
	if s.limiter == nil {
		s.limiter = rate.NewLimiter(rate.Inf, 1)
	}
	if s.timeoutSeconds <= 0 {
		s.timeoutSeconds = defaultTimeoutSeconds
	}
	if s.maxUploadBytes <= 0 {
		s.maxUploadBytes = defaultMaxUploadBytes
	}
	metrics.EnsureGauge(context.Background(), s.collector, "last_scan_score", "project")
	return s
}

// Handler returns the routed API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("POST /v1/analyze", RateLimit(s.limiter, http.HandlerFunc(s.handleAnalyze)))
	mux.HandleFunc("POST /v1/scans", s.handleSaveScan)
	mux.HandleFunc("GET /v1/scans/{id}", s.handleGetScan)
	mux.HandleFunc("GET /v1/history", s.handleHistory)
	mux.HandleFunc("GET /v1/projects", s.handleProjects)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	mux.Handle("GET /metrics", s.collector.MetricsHandler())
	return RequestLog(s.logger, SecurityHeaders(s.withContext(mux)))
}
