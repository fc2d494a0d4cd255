package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/securecodehub/semgrep-hub/internal/data/db"
	"github.com/securecodehub/semgrep-hub/internal/external"
	"github.com/securecodehub/semgrep-hub/internal/log"
	"github.com/securecodehub/semgrep-hub/internal/metrics"
	"github.com/securecodehub/semgrep-hub/pkg/report"
	"github.com/securecodehub/semgrep-hub/pkg/scan"
	"github.com/securecodehub/semgrep-hub/pkg/scoring"
	"github.com/securecodehub/semgrep-hub/pkg/taxonomy"
	"github.com/securecodehub/semgrep-hub/pkg/types"
)

const maxJSONBodyBytes = 8 << 20

type errorResponse struct {
	Error string `json:"error"`
}

// AnalyzeResponse is returned by POST /v1/analyze.
type AnalyzeResponse struct {
	Target     string          `json:"target"`
	Version    string          `json:"version,omitempty"`
	Findings   []types.Finding `json:"findings"`
	Summary    report.Summary  `json:"summary"`
	Score      float64         `json:"score"`
	ToolErrors int             `json:"tool_errors"`
	ArchiveKey string          `json:"archive_key,omitempty"`
	Saved      *db.SaveResult  `json:"saved,omitempty"`
}

// SaveScanRequest is the body of POST /v1/scans.
type SaveScanRequest struct {
	StartedAt      *time.Time      `json:"started_at"`
	Recommendation *string         `json:"recommendation"`
	Project        string          `json:"project"`
	Target         string          `json:"target"`
	Findings       []types.Finding `json:"findings"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// withContext makes the server's logger and collector visible to the components a handler calls.
func (s *Server) withContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := log.WithLogger(r.Context(), s.logger)
		ctx = metrics.WithCollector(ctx, s.collector)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// writeAnalyzeError maps analyzer and staging failures to status codes.
func (s *Server) writeAnalyzeError(w http.ResponseWriter, err error) {
	var execErr *scan.ToolExecutionError
	var parseErr *scan.OutputParseError
	switch {
	case errors.Is(err, scan.ErrUploadTooLarge):
		writeError(w, http.StatusRequestEntityTooLarge, err.Error())
	case errors.Is(err, scan.ErrUnsafePath), errors.Is(err, scan.ErrInvalidUpload):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, scan.ErrToolUnavailable):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.As(err, &execErr) && execErr.Timeout:
		writeError(w, http.StatusGatewayTimeout, err.Error())
	case errors.As(err, &execErr), errors.As(err, &parseErr):
		s.logger.Warn("analysis failed", zap.Error(err))
		writeError(w, http.StatusBadGateway, err.Error())
	default:
		s.logger.Error("analysis failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "analysis failed")
	}
}

// writeStoreError maps persistence failures to status codes. Storage details are only logged.
func (s *Server) writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, db.ErrInvalidScan):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, db.ErrScanNotFound):
		writeError(w, http.StatusNotFound, "scan not found")
	default:
		s.logger.Error("store failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "storage failure")
	}
}

func parseBoolParam(r *http.Request, name string) (bool, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return false, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("%s must be a boolean", name)
	}
	return v, nil
}

func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	user := strings.TrimSpace(r.Header.Get(HeaderUser))
	project := strings.TrimSpace(r.URL.Query().Get("project"))

	persist, err := parseBoolParam(r, "persist")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	archive, err := parseBoolParam(r, "archive")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if persist && (user == "" || project == "") {
		writeError(w, http.StatusBadRequest, "persist requires the "+HeaderUser+" header and a project")
		return
	}
	if archive && s.archiver == nil {
		writeError(w, http.StatusBadRequest, "archive is not configured")
		return
	}
	timeout := s.timeoutSeconds
	if raw := r.URL.Query().Get("timeout"); raw != "" {
		timeout, err = strconv.Atoi(raw)
		if err != nil || timeout <= 0 {
			writeError(w, http.StatusBadRequest, "timeout must be a positive number of seconds")
			return
		}
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) || r.ContentLength > s.maxUploadBytes {
			writeError(w, http.StatusRequestEntityTooLarge, "upload exceeds the size limit")
			return
		}
		writeError(w, http.StatusBadRequest, "expected a multipart upload")
		return
	}
	defer r.MultipartForm.RemoveAll() //nolint:errcheck
	// Form field or query parameter; stored with every finding of a persisted scan.
	recommendation := strings.TrimSpace(r.FormValue("recommendation"))

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "missing form file \"file\"")
		return
	}
	defer file.Close()

	staged, err := scan.StageUpload(header.Filename, file, s.stage)
	if err != nil {
		s.writeAnalyzeError(w, err)
		return
	}
	defer func() {
		if err := staged.Cleanup(); err != nil {
			s.logger.Warn("failed to clean up upload", zap.Error(err))
		}
	}()

	startedAt := time.Now().UTC()
	findings, raw, err := s.analyzer.Run(ctx, staged.Target, timeout)
	if err != nil {
		s.writeAnalyzeError(w, err)
		return
	}
	taxonomy.Annotate(findings)

	resp := AnalyzeResponse{
		Target:   staged.Label,
		Findings: findings,
		Summary:  report.Summarize(findings),
		Score:    scoring.ComputeScore(findings),
	}
	if raw != nil {
		resp.Version = raw.Version
		resp.ToolErrors = len(raw.Errors)
	}

	if archive && raw != nil {
		key, err := s.archiver.Store(ctx, user, []byte(raw.Stdout))
		if err != nil {
			s.logger.Error("archive failed", zap.Error(err))
			writeError(w, http.StatusBadGateway, "failed to archive analyzer output")
			return
		}
		resp.ArchiveKey = key
	}

	if persist {
		dto := &external.ScanDTO{
			StartedAt:   startedAt,
			User:        user,
			ProjectName: project,
			Target:      staged.Label,
			Findings:    findings,
		}
		if recommendation != "" {
			dto.Recommendation = &recommendation
		}
		saved, err := s.manager.SaveScan(ctx, dto)
		if err != nil {
			s.writeStoreError(w, err)
			return
		}
		resp.Saved = saved
		_ = s.collector.SetGauge(ctx, "last_scan_score", saved.Score, project) //nolint:errcheck
	}

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSaveScan(w http.ResponseWriter, r *http.Request) {
	user := strings.TrimSpace(r.Header.Get(HeaderUser))
	if user == "" {
		writeError(w, http.StatusBadRequest, HeaderUser+" header is required")
		return
	}

	var req SaveScanRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}

	dto := &external.ScanDTO{
		User:           user,
		ProjectName:    req.Project,
		Target:         req.Target,
		Recommendation: req.Recommendation,
		Findings:       req.Findings,
	}
	if req.StartedAt != nil {
		dto.StartedAt = *req.StartedAt
	}

	saved, err := s.manager.SaveScan(r.Context(), dto)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	_ = s.collector.SetGauge(r.Context(), "last_scan_score", saved.Score, req.Project) //nolint:errcheck
	writeJSON(w, http.StatusCreated, saved)
}

func (s *Server) handleGetScan(w http.ResponseWriter, r *http.Request) {
	user := strings.TrimSpace(r.Header.Get(HeaderUser))
	if user == "" {
		writeError(w, http.StatusBadRequest, HeaderUser+" header is required")
		return
	}
	id, err := strconv.ParseUint(r.PathValue("id"), 10, 64)
	if err != nil || id == 0 {
		writeError(w, http.StatusBadRequest, "scan id must be a positive integer")
		return
	}

	stored, err := s.manager.GetScan(r.Context(), uint(id))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	// Scans of other users are reported as missing.
	if stored.UserID != user {
		writeError(w, http.StatusNotFound, "scan not found")
		return
	}
	writeJSON(w, http.StatusOK, external.MapScanToDTO(stored))
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	user := strings.TrimSpace(r.Header.Get(HeaderUser))
	if user == "" {
		writeError(w, http.StatusBadRequest, HeaderUser+" header is required")
		return
	}
	q := r.URL.Query()
	start, err := db.ParseDate(q.Get("start"), false)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	end, err := db.ParseDate(q.Get("end"), true)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if start != nil && end != nil && start.After(*end) {
		writeError(w, http.StatusBadRequest, "start must not be after end")
		return
	}

	rows, err := s.manager.QueryHistory(r.Context(), db.HistoryFilter{
		User:     user,
		Project:  q.Get("project"),
		Severity: q.Get("severity"),
		Start:    start,
		End:      end,
	})
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	if rows == nil {
		rows = []db.HistoryRow{}
	}
	writeJSON(w, http.StatusOK, rows)
}

func (s *Server) handleProjects(w http.ResponseWriter, r *http.Request) {
	user := strings.TrimSpace(r.Header.Get(HeaderUser))
	if user == "" {
		writeError(w, http.StatusBadRequest, HeaderUser+" header is required")
		return
	}
	names, err := s.manager.ListProjects(r.Context(), user)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, names)
}
