package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/securecodehub/semgrep-hub/internal/data/db"
	"github.com/securecodehub/semgrep-hub/internal/external"
	"github.com/securecodehub/semgrep-hub/pkg/scan"
	"github.com/securecodehub/semgrep-hub/pkg/types"
)

type MockAnalyzer struct {
	mock.Mock
}

func (m *MockAnalyzer) Run(ctx context.Context, target string, timeoutSeconds int) ([]types.Finding, *scan.RawResult, error) {
	called := m.Called(ctx, target, timeoutSeconds)
	findings, _ := called.Get(0).([]types.Finding) //nolint:errcheck
	raw, _ := called.Get(1).(*scan.RawResult)      //nolint:errcheck
	return findings, raw, called.Error(2)
}

type fakeArchiver struct {
	stored map[string][]byte
	err    error
}

func (f *fakeArchiver) Store(_ context.Context, user string, raw []byte) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	key := fmt.Sprintf("raw/%s/%d.json", user, len(f.stored))
	if f.stored == nil {
		f.stored = map[string][]byte{}
	}
	f.stored[key] = raw
	return key, nil
}

func setupManager(t *testing.T) *db.GormScanManager {
	t.Helper()
	conn, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:apidb%d?mode=memory&cache=shared", time.Now().UnixNano())),
		&gorm.Config{TranslateError: true})
	require.NoError(t, err)
	require.NoError(t, db.Migrate(conn))
	manager, err := db.NewGormScanManager(conn)
	require.NoError(t, err)
	return manager
}

func strPtr(s string) *string { return &s }

func intPtr(i int) *int { return &i }

const rawOutput = `{"version":"1.85.0","results":[{"path":"app.py","start":{"line":3},"check_id":"python.sqli","extra":{"message":"SQL injection","severity":"error"}}],"errors":[]}`

func sqliFinding() []types.Finding {
	return []types.Finding{{File: strPtr("app.py"), Line: intPtr(3), Rule: "python.sqli", Message: "SQL injection", Severity: "ERROR"}}
}

func uploadRequest(t *testing.T, url, filename, content string) *http.Request {
	t.Helper()
	return uploadRequestWithFields(t, url, filename, content, nil)
}

func uploadRequestWithFields(t *testing.T, url, filename, content string, fields map[string]string) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	part, err := mw.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = io.WriteString(part, content)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, url, &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func serve(h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func stagedFile(target string) bool {
	_, err := os.Stat(target)
	return err == nil
}

func TestAnalyze_PersistAndArchive(t *testing.T) {
	analyzer := &MockAnalyzer{}
	analyzer.On("Run", mock.Anything, mock.MatchedBy(stagedFile), 60).
		Return(sqliFinding(), &scan.RawResult{Stdout: rawOutput, Version: "1.85.0", ExitCode: 1}, nil).Once()
	archiver := &fakeArchiver{}
	manager := setupManager(t)

	h := New(Options{Analyzer: analyzer, Manager: manager, Archiver: archiver, TimeoutSeconds: 60,
		Stage: scan.StageOptions{BaseDir: t.TempDir()}}).Handler()

	req := uploadRequest(t, "/v1/analyze?persist=true&archive=true&project=api", "app.py", "query = 'SELECT ' + x")
	req.Header.Set(HeaderUser, "alice")
	rec := serve(h, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	analyzer.AssertExpectations(t)
	assert.NotEmpty(t, rec.Header().Get(HeaderRequestID))

	var resp AnalyzeResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "app.py", resp.Target)
	assert.Equal(t, "1.85.0", resp.Version)
	assert.InDelta(t, 95.0, resp.Score, 0.001)
	require.Len(t, resp.Findings, 1)
	assert.Equal(t, "Injection", resp.Findings[0].OWASP)
	assert.Equal(t, 1, resp.Summary.Total)
	require.NotNil(t, resp.Saved)
	assert.Equal(t, 1, resp.Saved.FindingsCount)
	assert.InDelta(t, 95.0, resp.Saved.Score, 0.001)
	assert.Equal(t, rawOutput, string(archiver.stored[resp.ArchiveKey]))

	// The stored scan is visible to its owner only.
	get := httptest.NewRequest(http.MethodGet, fmt.Sprintf("/v1/scans/%d", resp.Saved.ScanID), nil)
	get.Header.Set(HeaderUser, "alice")
	rec = serve(h, get)
	require.Equal(t, http.StatusOK, rec.Code)
	var detail external.ScanDetailDTO
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &detail))
	assert.Equal(t, "api", detail.Project)
	assert.Equal(t, "app.py", detail.Target)
	require.Len(t, detail.Findings, 1)
	assert.Equal(t, "ERROR", detail.Findings[0].Severity)

	get.Header.Set(HeaderUser, "mallory")
	assert.Equal(t, http.StatusNotFound, serve(h, get).Code)

	hist := httptest.NewRequest(http.MethodGet, "/v1/history?project=api&severity=error", nil)
	hist.Header.Set(HeaderUser, "alice")
	rec = serve(h, hist)
	require.Equal(t, http.StatusOK, rec.Code)
	var rows []db.HistoryRow
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rows))
	require.Len(t, rows, 1)
	assert.Equal(t, "python.sqli", *rows[0].Rule)

	projects := httptest.NewRequest(http.MethodGet, "/v1/projects", nil)
	projects.Header.Set(HeaderUser, "alice")
	rec = serve(h, projects)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `["api"]`, rec.Body.String())

	metricsRec := serve(h, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Contains(t, metricsRec.Body.String(), `semgrep_hub_last_scan_score{project="api"} 95`)
	assert.Contains(t, metricsRec.Body.String(), `semgrep_hub_scans_saved_total{outcome="ok"} 1`)
}

func TestAnalyze_PersistRecommendation(t *testing.T) {
	tests := []struct {
		name   string
		url    string
		fields map[string]string
	}{
		{
			name:   "form field",
			url:    "/v1/analyze?persist=true&project=api",
			fields: map[string]string{"recommendation": "use bound parameters"},
		},
		{
			name: "query parameter",
			url:  "/v1/analyze?persist=true&project=api&recommendation=use+bound+parameters",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			analyzer := &MockAnalyzer{}
			analyzer.On("Run", mock.Anything, mock.Anything, mock.Anything).
				Return(sqliFinding(), &scan.RawResult{Stdout: rawOutput}, nil).Once()
			h := New(Options{Analyzer: analyzer, Manager: setupManager(t),
				Stage: scan.StageOptions{BaseDir: t.TempDir()}}).Handler()

			req := uploadRequestWithFields(t, tt.url, "app.py", "x", tt.fields)
			req.Header.Set(HeaderUser, "alice")
			rec := serve(h, req)
			require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
			var resp AnalyzeResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			require.NotNil(t, resp.Saved)

			get := httptest.NewRequest(http.MethodGet, fmt.Sprintf("/v1/scans/%d", resp.Saved.ScanID), nil)
			get.Header.Set(HeaderUser, "alice")
			rec = serve(h, get)
			require.Equal(t, http.StatusOK, rec.Code)
			var detail external.ScanDetailDTO
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &detail))
			require.Len(t, detail.Findings, 1)
			require.NotNil(t, detail.Findings[0].Recommendation)
			assert.Equal(t, "use bound parameters", *detail.Findings[0].Recommendation)
		})
	}
}

func TestAnalyze_BadRequests(t *testing.T) {
	h := New(Options{Analyzer: &MockAnalyzer{}, Manager: setupManager(t)}).Handler()

	tests := []struct {
		name   string
		req    func() *http.Request
		status int
	}{
		{
			name: "persist without user",
			req: func() *http.Request {
				return uploadRequest(t, "/v1/analyze?persist=true&project=api", "a.py", "x")
			},
			status: http.StatusBadRequest,
		},
		{
			name: "archive not configured",
			req: func() *http.Request {
				return uploadRequest(t, "/v1/analyze?archive=true", "a.py", "x")
			},
			status: http.StatusBadRequest,
		},
		{
			name: "bad timeout",
			req: func() *http.Request {
				return uploadRequest(t, "/v1/analyze?timeout=-3", "a.py", "x")
			},
			status: http.StatusBadRequest,
		},
		{
			name: "not multipart",
			req: func() *http.Request {
				return httptest.NewRequest(http.MethodPost, "/v1/analyze", strings.NewReader("{}"))
			},
			status: http.StatusBadRequest,
		},
		{
			name: "wrong method",
			req: func() *http.Request {
				return httptest.NewRequest(http.MethodGet, "/v1/analyze", nil)
			},
			status: http.StatusMethodNotAllowed,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.status, serve(h, tt.req()).Code)
		})
	}
}

func TestAnalyze_ErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
	}{
		{"tool unavailable", fmt.Errorf("%w: semgrep", scan.ErrToolUnavailable), http.StatusServiceUnavailable},
		{"timeout", &scan.ToolExecutionError{Err: context.DeadlineExceeded, Timeout: true}, http.StatusGatewayTimeout},
		{"crash", &scan.ToolExecutionError{ExitCode: 2, Stderr: "boom"}, http.StatusBadGateway},
		{"bad output", &scan.OutputParseError{Err: errors.New("eof"), Excerpt: "<html>"}, http.StatusBadGateway},
		{"unexpected", errors.New("disk full"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			analyzer := &MockAnalyzer{}
			analyzer.On("Run", mock.Anything, mock.Anything, mock.Anything).Return(nil, nil, tt.err).Once()
			h := New(Options{Analyzer: analyzer, Manager: setupManager(t), Stage: scan.StageOptions{BaseDir: t.TempDir()}}).Handler()

			rec := serve(h, uploadRequest(t, "/v1/analyze", "a.py", "x"))
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
		})
	}
}

func TestAnalyze_UploadTooLarge(t *testing.T) {
	h := New(Options{Analyzer: &MockAnalyzer{}, Manager: setupManager(t), MaxUploadBytes: 64}).Handler()
	rec := serve(h, uploadRequest(t, "/v1/analyze", "a.py", strings.Repeat("x", 4096)))
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestAnalyze_RateLimited(t *testing.T) {
	h := New(Options{Analyzer: &MockAnalyzer{}, Manager: setupManager(t), Limiter: rate.NewLimiter(0, 1)}).Handler()

	first := serve(h, httptest.NewRequest(http.MethodPost, "/v1/analyze", nil))
	assert.Equal(t, http.StatusBadRequest, first.Code)

	second := serve(h, httptest.NewRequest(http.MethodPost, "/v1/analyze", nil))
	assert.Equal(t, http.StatusTooManyRequests, second.Code)
	assert.Equal(t, "1", second.Header().Get("Retry-After"))
}

func TestSaveScan(t *testing.T) {
	h := New(Options{Analyzer: &MockAnalyzer{}, Manager: setupManager(t)}).Handler()

	post := func(user, body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/v1/scans", strings.NewReader(body))
		if user != "" {
			req.Header.Set(HeaderUser, user)
		}
		return serve(h, req)
	}

	rec := post("alice", `{"project":"web","target":"web.zip","recommendation":"fix it","findings":[
		{"rule":"js.xss","message":"reflected","severity":"high"},
		{"rule":"generic","message":"thing","severity":"mystery"}]}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var saved db.SaveResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &saved))
	assert.Equal(t, 2, saved.FindingsCount)
	assert.InDelta(t, 75.0, saved.Score, 0.001)

	assert.Equal(t, http.StatusBadRequest, post("", `{"project":"web"}`).Code)
	assert.Equal(t, http.StatusBadRequest, post("alice", `{"project":""}`).Code)
	assert.Equal(t, http.StatusBadRequest, post("alice", `{"project":"web","unknown":1}`).Code)
	assert.Equal(t, http.StatusBadRequest, post("alice", `not json`).Code)
}

func TestGetScan_Errors(t *testing.T) {
	h := New(Options{Analyzer: &MockAnalyzer{}, Manager: setupManager(t)}).Handler()

	tests := []struct {
		path   string
		user   string
		status int
	}{
		{"/v1/scans/abc", "alice", http.StatusBadRequest},
		{"/v1/scans/0", "alice", http.StatusBadRequest},
		{"/v1/scans/999", "alice", http.StatusNotFound},
		{"/v1/scans/1", "", http.StatusBadRequest},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, tt.path, nil)
		if tt.user != "" {
			req.Header.Set(HeaderUser, tt.user)
		}
		assert.Equal(t, tt.status, serve(h, req).Code, tt.path)
	}
}

func TestHistory_Validation(t *testing.T) {
	h := New(Options{Analyzer: &MockAnalyzer{}, Manager: setupManager(t)}).Handler()

	tests := []struct {
		query  string
		user   string
		status int
	}{
		{"", "", http.StatusBadRequest},
		{"?start=yesterday", "alice", http.StatusBadRequest},
		{"?end=2025-13-01", "alice", http.StatusBadRequest},
		{"?start=2025-03-02&end=2025-03-01", "alice", http.StatusBadRequest},
		{"?start=2025-03-01&end=2025-03-01", "alice", http.StatusOK},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, "/v1/history"+tt.query, nil)
		if tt.user != "" {
			req.Header.Set(HeaderUser, tt.user)
		}
		rec := serve(h, req)
		assert.Equal(t, tt.status, rec.Code, tt.query)
		if rec.Code == http.StatusOK {
			assert.JSONEq(t, `[]`, rec.Body.String())
		}
	}
}

func TestHealthzAndHeaders(t *testing.T) {
	h := New(Options{Analyzer: &MockAnalyzer{}, Manager: setupManager(t)}).Handler()

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set(HeaderRequestID, "req-42")
	rec := serve(h, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "req-42", rec.Header().Get(HeaderRequestID))
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
}
