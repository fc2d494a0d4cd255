package db

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/securecodehub/semgrep-hub/internal/data/model"
	"github.com/securecodehub/semgrep-hub/internal/external"
	"github.com/securecodehub/semgrep-hub/internal/sql"
	"github.com/securecodehub/semgrep-hub/pkg/types"
)

func setupSQLiteDB(t *testing.T) *gorm.DB {
	t.Helper() // Mark this function as a test helper
	// Using a unique identifier for each database instance to ensure it's unique
	uniqueDBIdentifier := fmt.Sprintf("file:memdb%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(uniqueDBIdentifier), &gorm.Config{TranslateError: true})
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	if err := Migrate(db); err != nil {
		t.Fatalf("Failed to migrate database: %v", err)
	}
	return db
}

func setupManager(t *testing.T) (*GormScanManager, *gorm.DB) {
	t.Helper()
	db := setupSQLiteDB(t)
	manager, err := NewGormScanManager(db)
	if err != nil {
		t.Fatalf("failed to create scan manager: %v", err)
	}
	return manager, db
}

func strPtr(s string) *string { return &s }
func intPtr(i int) *int       { return &i }

func ptrTime(t time.Time) *time.Time { return &t }

func finding(rule, message string, severity types.Severity) types.Finding {
	return types.Finding{File: strPtr("app.py"), Line: intPtr(1), Rule: rule, Message: message, Severity: severity}
}

func TestNewGormScanManager_NilDB(t *testing.T) {
	_, err := NewGormScanManager(nil)
	assert.Error(t, err)
}

func TestSaveScan(t *testing.T) {
	startedAt := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	tests := []struct {
		name      string
		dto       *external.ScanDTO
		wantScore float64
		wantCount int
		wantErr   error
	}{
		{
			name: "end to end example",
			dto: &external.ScanDTO{
				User: "alice", ProjectName: "api", Target: "a.zip", StartedAt: startedAt,
				Findings: []types.Finding{{File: strPtr("a.py"), Line: intPtr(10), Rule: "python.sqli", Message: "SQL injection", Severity: "ERROR"}},
			},
			wantScore: 95,
			wantCount: 1,
		},
		{
			name:      "no findings",
			dto:       &external.ScanDTO{User: "alice", ProjectName: "api", Target: "clean.zip", StartedAt: startedAt},
			wantScore: 100,
			wantCount: 0,
		},
		{
			name: "saturates at zero",
			dto: &external.ScanDTO{
				User: "alice", ProjectName: "api", Target: "bad.zip", StartedAt: startedAt,
				Findings: []types.Finding{
					finding("r1", "m", "CRITICAL"), finding("r2", "m", "CRITICAL"),
					finding("r3", "m", "CRITICAL"), finding("r4", "m", "CRITICAL"),
				},
			},
			wantScore: 0,
			wantCount: 4,
		},
		{
			name:    "nil dto",
			dto:     nil,
			wantErr: ErrInvalidScan,
		},
		{
			name:    "missing user",
			dto:     &external.ScanDTO{ProjectName: "api"},
			wantErr: ErrInvalidScan,
		},
		{
			name:    "missing project",
			dto:     &external.ScanDTO{User: "alice", ProjectName: "  "},
			wantErr: ErrInvalidScan,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			manager, _ := setupManager(t)
			got, err := manager.SaveScan(context.Background(), tt.dto)
			if tt.wantErr != nil {
				var perr *PersistenceError
				require.ErrorAs(t, err, &perr)
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantScore, got.Score)
			assert.Equal(t, tt.wantCount, got.FindingsCount)

			stored, err := manager.GetScan(context.Background(), got.ScanID)
			require.NoError(t, err)
			assert.Equal(t, got.Score, stored.Score)
			assert.Equal(t, got.FindingsCount, stored.FindingsCount)
			assert.Len(t, stored.Findings, stored.FindingsCount)
		})
	}
}

// TestSaveScan_RoundTrip saves findings and reads them back through the history query.
func TestSaveScan_RoundTrip(t *testing.T) {
	manager, _ := setupManager(t)
	ctx := context.Background()
	rec := "review input handling"

	input := []types.Finding{
		{File: strPtr("db.py"), Line: intPtr(4), Rule: "python.sqli", Message: "SQL injection", Severity: "high"},
		{File: nil, Line: nil, Rule: "generic.secret", Message: "hardcoded secret", Severity: ""},
		{File: strPtr("view.js"), Line: intPtr(9), Rule: "js.xss", Message: "reflected input", Severity: "Low"},
	}
	res, err := manager.SaveScan(ctx, &external.ScanDTO{
		User: "alice", ProjectName: "web", Target: "web.zip", StartedAt: time.Now(),
		Recommendation: &rec, Findings: input,
	})
	require.NoError(t, err)
	assert.Equal(t, 3, res.FindingsCount)
	assert.Equal(t, 100.0-20-5-5, res.Score)

	rows, err := manager.QueryHistory(ctx, HistoryFilter{User: "alice", Project: "web"})
	require.NoError(t, err)
	require.Len(t, rows, 3)

	type got struct {
		File, Rule, Severity, OWASP string
		Line                        *int
	}
	want := []got{
		{File: "db.py", Line: intPtr(4), Rule: "python.sqli", Severity: "HIGH", OWASP: "Injection"},
		{File: "", Line: nil, Rule: "generic.secret", Severity: "", OWASP: "Unmapped"},
		{File: "view.js", Line: intPtr(9), Rule: "js.xss", Severity: "LOW", OWASP: "Injection (XSS)"},
	}
	actual := make([]got, 0, len(rows))
	for _, r := range rows {
		assert.Equal(t, res.ScanID, r.ScanID)
		assert.Equal(t, 3, r.FindingsCount)
		require.NotNil(t, r.Recommendation)
		assert.Equal(t, rec, *r.Recommendation)
		file := ""
		if r.File != nil {
			file = *r.File
		}
		actual = append(actual, got{File: file, Line: r.Line, Rule: *r.Rule, Severity: *r.Severity, OWASP: *r.OWASP})
	}
	if diff := cmp.Diff(want, actual); diff != "" {
		t.Errorf("history mismatch (-want +got):\n%s", diff)
	}
}

func TestSaveScan_FindingRecommendationWins(t *testing.T) {
	manager, _ := setupManager(t)
	shared := "shared"
	own := "own"
	f := finding("r", "m", "INFO")
	f.Recommendation = &own

	res, err := manager.SaveScan(context.Background(), &external.ScanDTO{
		User: "alice", ProjectName: "api", Recommendation: &shared,
		Findings: []types.Finding{f, finding("r2", "m", "INFO")},
	})
	require.NoError(t, err)

	scan, err := manager.GetScan(context.Background(), res.ScanID)
	require.NoError(t, err)
	require.Len(t, scan.Findings, 2)
	assert.Equal(t, own, *scan.Findings[0].Recommendation)
	assert.Equal(t, shared, *scan.Findings[1].Recommendation)
}

// TestSaveScan_FailureLeavesNothing forces the findings insert to fail and checks that the
// whole save was rolled back.
func TestSaveScan_FailureLeavesNothing(t *testing.T) {
	manager, db := setupManager(t)
	boom := errors.New("disk full")
	err := db.Callback().Create().Before("gorm:create").Register("test:fail_findings", func(tx *gorm.DB) {
		if tx.Statement.Table == "findings" {
			_ = tx.AddError(boom) //nolint:errcheck
		}
	})
	require.NoError(t, err)

	_, err = manager.SaveScan(context.Background(), &external.ScanDTO{
		User: "alice", ProjectName: "api", Target: "a.zip",
		Findings: []types.Finding{finding("python.sqli", "SQL injection", "HIGH")},
	})
	var perr *PersistenceError
	require.ErrorAs(t, err, &perr)
	assert.ErrorIs(t, err, boom)

	var scans, projects, findings int64
	require.NoError(t, db.Model(&model.Scan{}).Count(&scans).Error)
	require.NoError(t, db.Model(&model.Project{}).Count(&projects).Error)
	require.NoError(t, db.Model(&model.Finding{}).Count(&findings).Error)
	assert.Zero(t, scans)
	assert.Zero(t, projects)
	assert.Zero(t, findings)
}

func TestListProjects(t *testing.T) {
	manager, _ := setupManager(t)
	ctx := context.Background()

	for _, p := range []string{"api", "web", "api"} {
		_, err := manager.SaveScan(ctx, &external.ScanDTO{User: "alice", ProjectName: p})
		require.NoError(t, err)
	}
	_, err := manager.SaveScan(ctx, &external.ScanDTO{User: "bob", ProjectName: "other"})
	require.NoError(t, err)

	names, err := manager.ListProjects(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, []string{"web", "api"}, names)

	names, err = manager.ListProjects(ctx, "nobody")
	require.NoError(t, err)
	assert.Empty(t, names)
	assert.NotNil(t, names)
}

func TestGetOrCreateProject_Reuses(t *testing.T) {
	_, db := setupManager(t)

	first, err := getOrCreateProject(db, "alice", "api")
	require.NoError(t, err)
	second, err := getOrCreateProject(db, "alice", "api")
	require.NoError(t, err)
	other, err := getOrCreateProject(db, "bob", "api")
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.NotEqual(t, first.ID, other.ID)
}

func TestSaveScan_ConcurrentFirstSaves(t *testing.T) {
	connector, err := sql.CreateDBConnector(sql.Config{Type: sql.TypeSQLite, Path: filepath.Join(t.TempDir(), "hub.db")})
	require.NoError(t, err)
	defer connector.Close() //nolint:errcheck
	db, err := connector.Connect(context.Background())
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	defer sqlDB.Close() //nolint:errcheck
	require.NoError(t, Migrate(db))
	manager, err := NewGormScanManager(db)
	require.NoError(t, err)

	const savers = 20
	var wg sync.WaitGroup
	errs := make(chan error, savers)
	for i := 0; i < savers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := manager.SaveScan(context.Background(), &external.ScanDTO{
				User: "alice", ProjectName: "shared", Target: fmt.Sprintf("t%d.zip", i),
				Findings: []types.Finding{finding("python.sqli", "SQL injection", "HIGH")},
			})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}

	var projects, scans int64
	require.NoError(t, db.Model(&model.Project{}).Count(&projects).Error)
	require.NoError(t, db.Model(&model.Scan{}).Count(&scans).Error)
	assert.Equal(t, int64(1), projects)
	assert.Equal(t, int64(savers), scans)

	names, err := manager.ListProjects(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, []string{"shared"}, names)
}

func TestQueryHistory_Filters(t *testing.T) {
	manager, _ := setupManager(t)
	ctx := context.Background()
	day := func(d int) time.Time { return time.Date(2025, 5, d, 12, 0, 0, 0, time.UTC) }

	saves := []*external.ScanDTO{
		{User: "alice", ProjectName: "api", Target: "1", StartedAt: day(1),
			Findings: []types.Finding{finding("a", "m", "HIGH"), finding("b", "m", "low")}},
		{User: "alice", ProjectName: "web", Target: "2", StartedAt: day(2),
			Findings: []types.Finding{finding("c", "m", "MEDIUM")}},
		{User: "alice", ProjectName: "api", Target: "3", StartedAt: day(3)},
		{User: "bob", ProjectName: "api", Target: "4", StartedAt: day(2),
			Findings: []types.Finding{finding("d", "m", "HIGH")}},
	}
	for _, dto := range saves {
		_, err := manager.SaveScan(ctx, dto)
		require.NoError(t, err)
	}

	start, end := day(1), day(2)
	tests := []struct {
		name        string
		filter      HistoryFilter
		wantTargets []string
	}{
		{name: "all of alice", filter: HistoryFilter{User: "alice"}, wantTargets: []string{"3", "2", "1", "1"}},
		{name: "project", filter: HistoryFilter{User: "alice", Project: "api"}, wantTargets: []string{"3", "1", "1"}},
		{name: "severity is case-insensitive", filter: HistoryFilter{User: "alice", Severity: "high"}, wantTargets: []string{"1"}},
		{name: "severity stored lower-case input", filter: HistoryFilter{User: "alice", Severity: "LOW"}, wantTargets: []string{"1"}},
		{name: "no matching severity", filter: HistoryFilter{User: "alice", Severity: "CRITICAL"}, wantTargets: []string{}},
		{name: "inclusive date range", filter: HistoryFilter{User: "alice", Start: &start, End: &end}, wantTargets: []string{"2", "1", "1"}},
		{name: "start only", filter: HistoryFilter{User: "alice", Start: &end}, wantTargets: []string{"3", "2"}},
		{name: "other user", filter: HistoryFilter{User: "bob"}, wantTargets: []string{"4"}},
		{name: "unknown project", filter: HistoryFilter{User: "alice", Project: "nope"}, wantTargets: []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rows, err := manager.QueryHistory(ctx, tt.filter)
			require.NoError(t, err)
			targets := make([]string, 0, len(rows))
			for _, r := range rows {
				targets = append(targets, r.Target)
				assert.Equal(t, tt.filter.User, r.User)
			}
			assert.Equal(t, tt.wantTargets, targets)
		})
	}
}

func TestQueryHistory_ScanWithoutFindings(t *testing.T) {
	manager, _ := setupManager(t)
	ctx := context.Background()

	res, err := manager.SaveScan(ctx, &external.ScanDTO{User: "alice", ProjectName: "api", Target: "clean"})
	require.NoError(t, err)

	rows, err := manager.QueryHistory(ctx, HistoryFilter{User: "alice"})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	row := rows[0]
	assert.Equal(t, res.ScanID, row.ScanID)
	assert.Equal(t, "api", row.Project)
	assert.Equal(t, 100.0, row.Score)
	assert.Zero(t, row.FindingsCount)
	assert.False(t, row.HasFinding())
	assert.Nil(t, row.Rule)
	assert.Nil(t, row.Severity)
	assert.Nil(t, row.OWASP)
}

func TestQueryHistory_TieBreakOnScanID(t *testing.T) {
	manager, _ := setupManager(t)
	ctx := context.Background()
	same := time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)

	var ids []uint
	for _, target := range []string{"first", "second", "third"} {
		res, err := manager.SaveScan(ctx, &external.ScanDTO{
			User: "alice", ProjectName: "api", Target: target, StartedAt: same,
			Findings: []types.Finding{finding("r1", "m", "LOW"), finding("r2", "m", "LOW")},
		})
		require.NoError(t, err)
		ids = append(ids, res.ScanID)
	}

	rows, err := manager.QueryHistory(ctx, HistoryFilter{User: "alice"})
	require.NoError(t, err)
	require.Len(t, rows, 6)

	wantScans := []uint{ids[2], ids[2], ids[1], ids[1], ids[0], ids[0]}
	wantRules := []string{"r1", "r2", "r1", "r2", "r1", "r2"}
	for i, r := range rows {
		assert.Equal(t, wantScans[i], r.ScanID, "row %d", i)
		assert.Equal(t, wantRules[i], *r.Rule, "row %d", i)
		assert.True(t, r.StartedAt.Equal(same), "row %d started_at %v", i, r.StartedAt)
	}
}

func TestQueryHistory_RequiresUser(t *testing.T) {
	manager, _ := setupManager(t)
	_, err := manager.QueryHistory(context.Background(), HistoryFilter{})
	var perr *PersistenceError
	assert.ErrorAs(t, err, &perr)
}

func TestGetScan_NotFound(t *testing.T) {
	manager, _ := setupManager(t)
	_, err := manager.GetScan(context.Background(), 42)
	assert.ErrorIs(t, err, ErrScanNotFound)
}

func TestGetScan_FindingsInInsertionOrder(t *testing.T) {
	manager, _ := setupManager(t)
	ctx := context.Background()
	input := []types.Finding{finding("z", "m", "INFO"), finding("a", "m", "INFO"), finding("m", "m", "INFO")}

	res, err := manager.SaveScan(ctx, &external.ScanDTO{User: "alice", ProjectName: "api", Findings: input})
	require.NoError(t, err)

	scan, err := manager.GetScan(ctx, res.ScanID)
	require.NoError(t, err)
	require.NotNil(t, scan.Project)
	assert.Equal(t, "api", scan.Project.Name)
	rules := []string{}
	for _, f := range scan.Findings {
		rules = append(rules, f.Rule)
	}
	assert.Equal(t, []string{"z", "a", "m"}, rules)
}

func TestPersistenceError(t *testing.T) {
	err := &PersistenceError{Op: "save scan", Err: ErrCountMismatch}
	assert.Equal(t, "persistence: save scan: stored findings do not match findings count", err.Error())
	assert.ErrorIs(t, err, ErrCountMismatch)
}

func TestParseDate(t *testing.T) {
	tests := []struct {
		name    string
		value   string
		end     bool
		want    *time.Time
		wantErr bool
	}{
		{name: "empty", value: "", want: nil},
		{name: "date start", value: "2025-03-01", want: ptrTime(time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC))},
		{name: "date end covers the day", value: "2025-03-01", end: true,
			want: ptrTime(time.Date(2025, 3, 1, 23, 59, 59, 999999999, time.UTC))},
		{name: "rfc3339 converted to utc", value: "2025-03-01T12:00:00+02:00", end: true,
			want: ptrTime(time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC))},
		{name: "garbage", value: "03/01/2025", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseDate(tt.value, tt.end)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("ParseDate() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}
