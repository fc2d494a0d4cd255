package db

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/securecodehub/semgrep-hub/internal/data/model"
	"github.com/securecodehub/semgrep-hub/internal/external"
	"github.com/securecodehub/semgrep-hub/internal/log"
	"github.com/securecodehub/semgrep-hub/internal/metrics"
	"github.com/securecodehub/semgrep-hub/pkg/scoring"
	"github.com/securecodehub/semgrep-hub/pkg/taxonomy"
	"github.com/securecodehub/semgrep-hub/pkg/types"
)

const (
	// maxProjectAttempts bounds the get-or-create loop when concurrent saves race on a new project.
	maxProjectAttempts = 3
	findingsBatchSize  = 200
	// pgUniqueViolation is the SQLSTATE for unique_violation.
	pgUniqueViolation = "23505"
)

var (
	ErrInvalidScan     = errors.New("invalid scan")
	ErrScanNotFound    = errors.New("scan not found")
	ErrProjectConflict = errors.New("project could not be resolved after concurrent creation")
	ErrCountMismatch   = errors.New("stored findings do not match findings count")
)

// PersistenceError reports a storage failure. Nothing from the failed call is visible to readers.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence: %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// ScanManager defines the interface for managing scans in the database.
type ScanManager interface {
	// SaveScan stores a completed scan, its project and its classified findings in one transaction.
	SaveScan(ctx context.Context, dto *external.ScanDTO) (*SaveResult, error)
	// QueryHistory returns scan rows joined with their findings, newest scan first.
	QueryHistory(ctx context.Context, filter HistoryFilter) ([]HistoryRow, error)
	// ListProjects returns the user's project names, newest first.
	ListProjects(ctx context.Context, user string) ([]string, error)
	// GetScan retrieves a Scan with its project and findings.
	GetScan(ctx context.Context, id uint) (*model.Scan, error)
}

// SaveResult is what SaveScan stored.
type SaveResult struct {
	ScanID        uint    `json:"scan_id" yaml:"scan_id"`
	ProjectID     uint    `json:"project_id" yaml:"project_id"`
	Score         float64 `json:"score" yaml:"score"`
	FindingsCount int     `json:"findings_count" yaml:"findings_count"`
}

// HistoryFilter selects history rows. User is required; the rest are optional.
// Start and End are inclusive.
type HistoryFilter struct {
	Start    *time.Time
	End      *time.Time
	User     string
	Project  string
	Severity string
}

// HistoryRow is a scan left-joined with one of its findings.
// A scan without findings yields a single row whose finding fields are nil.
type HistoryRow struct {
	StartedAt      time.Time `json:"started_at" yaml:"started_at" gorm:"column:started_at"`
	FindingID      *uint     `json:"finding_id" yaml:"finding_id" gorm:"column:finding_id"`
	File           *string   `json:"file" yaml:"file" gorm:"column:file"`
	Line           *int      `json:"line" yaml:"line" gorm:"column:line"`
	Rule           *string   `json:"rule" yaml:"rule" gorm:"column:rule"`
	Message        *string   `json:"message" yaml:"message" gorm:"column:message"`
	Severity       *string   `json:"severity" yaml:"severity" gorm:"column:severity"`
	OWASP          *string   `json:"owasp" yaml:"owasp" gorm:"column:owasp"`
	Recommendation *string   `json:"recommendation,omitempty" yaml:"recommendation,omitempty" gorm:"column:recommendation"`
	User           string    `json:"user" yaml:"user" gorm:"column:user_id"`
	Project        string    `json:"project" yaml:"project" gorm:"column:project"`
	Target         string    `json:"target" yaml:"target" gorm:"column:target"`
	ScanID         uint      `json:"scan_id" yaml:"scan_id" gorm:"column:scan_id"`
	Score          float64   `json:"score" yaml:"score" gorm:"column:score"`
	FindingsCount  int       `json:"findings_count" yaml:"findings_count" gorm:"column:findings_count"`
}

// HasFinding reports whether the row carries a finding.
func (r *HistoryRow) HasFinding() bool {
	return r.FindingID != nil
}

// GormScanManager implements the ScanManager interface using a GORM DB connection.
type GormScanManager struct {
	db *gorm.DB
}

// NewGormScanManager creates a new GormScanManager.
func NewGormScanManager(db *gorm.DB) (*GormScanManager, error) {
	if db == nil {
		return nil, fmt.Errorf("db cannot be nil")
	}
	return &GormScanManager{db: db}, nil
}

// Migrate creates or updates the projects, scans and findings tables. It is additive only.
func Migrate(db *gorm.DB) error {
	if db == nil {
		return fmt.Errorf("db cannot be nil")
	}
	if err := db.AutoMigrate(model.All()...); err != nil {
		return fmt.Errorf("failed to migrate: %w", err)
	}
	return nil
}

// SaveScan computes the score, classifies every finding and stores the scan.
// The project for (User, ProjectName) is created on first use.
func (manager *GormScanManager) SaveScan(ctx context.Context, dto *external.ScanDTO) (*SaveResult, error) {
	if ctx == nil {
		return nil, fmt.Errorf("ctx cannot be nil")
	}
	if err := validateScanDTO(dto); err != nil {
		return nil, &PersistenceError{Op: "save scan", Err: err}
	}

	logger := log.NewLogger(ctx)
	collector := metrics.FromContext(ctx, metrics.Namespace)
	metrics.EnsureCounter(ctx, collector, "scans_saved_total", "outcome")
	if stop, err := collector.MeasureFunctionExecutionTime(ctx, "save_scan"); err == nil {
		defer stop()
	}

	startedAt := dto.StartedAt
	if startedAt.IsZero() {
		startedAt = time.Now()
	}
	rows := buildFindings(dto)
	score := scoring.ComputeScore(dto.Findings)

	var result SaveResult
	err := manager.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		project, err := getOrCreateProject(tx, dto.User, dto.ProjectName)
		if err != nil {
			return err
		}

		scan := model.Scan{
			UserID:        dto.User,
			ProjectID:     project.ID,
			Target:        dto.Target,
			StartedAt:     startedAt.UTC(),
			Score:         score,
			FindingsCount: len(rows),
		}
		if err := tx.Omit(clause.Associations).Create(&scan).Error; err != nil {
			return fmt.Errorf("error creating scan: %w", err)
		}

		if len(rows) > 0 {
			for i := range rows {
				rows[i].ScanID = scan.ID
			}
			if err := tx.CreateInBatches(&rows, findingsBatchSize).Error; err != nil {
				return fmt.Errorf("error inserting findings: %w", err)
			}
		}

		var stored int64
		if err := tx.Model(&model.Finding{}).Where("scan_id = ?", scan.ID).Count(&stored).Error; err != nil {
			return fmt.Errorf("error counting findings: %w", err)
		}
		if int(stored) != scan.FindingsCount {
			return fmt.Errorf("%w: stored %d, expected %d", ErrCountMismatch, stored, scan.FindingsCount)
		}

		result = SaveResult{
			ScanID:        scan.ID,
			ProjectID:     project.ID,
			Score:         scan.Score,
			FindingsCount: scan.FindingsCount,
		}
		return nil
	})
	if err != nil {
		_ = collector.AddCounter(ctx, "scans_saved_total", 1, "error") //nolint:errcheck
		return nil, &PersistenceError{Op: "save scan", Err: err}
	}

	_ = collector.AddCounter(ctx, "scans_saved_total", 1, "ok") //nolint:errcheck
	logger.Debug("SaveScan",
		zap.Uint("scan_id", result.ScanID),
		zap.Uint("project_id", result.ProjectID),
		zap.Float64("score", result.Score),
		zap.Int("findings_count", result.FindingsCount))
	return &result, nil
}

func validateScanDTO(dto *external.ScanDTO) error {
	switch {
	case dto == nil:
		return fmt.Errorf("%w: dto cannot be nil", ErrInvalidScan)
	case strings.TrimSpace(dto.User) == "":
		return fmt.Errorf("%w: user is required", ErrInvalidScan)
	case strings.TrimSpace(dto.ProjectName) == "":
		return fmt.Errorf("%w: project name is required", ErrInvalidScan)
	}
	return nil
}

// buildFindings classifies the findings in input order. A finding without its own
// recommendation receives the scan wide one.
func buildFindings(dto *external.ScanDTO) []model.Finding {
	rows := make([]model.Finding, 0, len(dto.Findings))
	for i := range dto.Findings {
		f := &dto.Findings[i]
		recommendation := f.Recommendation
		if recommendation == nil {
			recommendation = dto.Recommendation
		}
		rows = append(rows, model.Finding{
			File:           f.File,
			Line:           f.Line,
			Rule:           f.Rule,
			Message:        f.Message,
			Severity:       string(types.NormalizeSeverity(string(f.Severity))),
			OWASP:          taxonomy.Classify(f.Rule, f.Message).String(),
			Recommendation: recommendation,
		})
	}
	return rows
}

// getOrCreateProject resolves (user, name) to a project. The insert ignores conflicts so a
// concurrent creator wins cleanly and the loop picks its row up on the next select.
func getOrCreateProject(tx *gorm.DB, user, name string) (*model.Project, error) {
	for attempt := 0; attempt < maxProjectAttempts; attempt++ {
		var existing model.Project
		found := tx.Where("user_id = ? AND name = ?", user, name).Limit(1).Find(&existing)
		if found.Error != nil {
			return nil, fmt.Errorf("error finding project: %w", found.Error)
		}
		if found.RowsAffected == 1 {
			return &existing, nil
		}

		project := model.Project{UserID: user, Name: name, CreatedAt: time.Now().UTC()}
		res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&project)
		if res.Error != nil && !isUniqueViolation(res.Error) {
			return nil, fmt.Errorf("error creating project: %w", res.Error)
		}
		if res.Error == nil && res.RowsAffected == 1 && project.ID != 0 {
			return &project, nil
		}
	}
	return nil, ErrProjectConflict
}

func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

// QueryHistory returns one row per finding of every matching scan, ordered by start time and
// scan id descending, findings in insertion order.
func (manager *GormScanManager) QueryHistory(ctx context.Context, filter HistoryFilter) ([]HistoryRow, error) {
	if ctx == nil {
		return nil, fmt.Errorf("ctx cannot be nil")
	}
	if strings.TrimSpace(filter.User) == "" {
		return nil, &PersistenceError{Op: "query history", Err: fmt.Errorf("%w: user is required", ErrInvalidScan)}
	}

	logger := log.NewLogger(ctx)
	logger.Debug("QueryHistory",
		zap.String("user", filter.User),
		zap.String("project", filter.Project),
		zap.String("severity", filter.Severity))

	query := manager.db.WithContext(ctx).
		Table("scans AS s").
		Select(`s.id AS scan_id, s.user_id AS user_id, p.name AS project, s.target AS target,
			s.started_at AS started_at, s.score AS score, s.findings_count AS findings_count,
			f.id AS finding_id, f.file AS file, f.line AS line, f.rule AS rule, f.message AS message,
			f.severity AS severity, f.owasp AS owasp, f.recommendation AS recommendation`).
		Joins("JOIN projects AS p ON p.id = s.project_id").
		Joins("LEFT JOIN findings AS f ON f.scan_id = s.id").
		Where("s.user_id = ?", filter.User)

	if filter.Project != "" {
		query = query.Where("p.name = ?", filter.Project)
	}
	if filter.Severity != "" {
		query = query.Where("UPPER(f.severity) = ?", strings.ToUpper(filter.Severity))
	}
	if filter.Start != nil {
		query = query.Where("s.started_at >= ?", filter.Start.UTC())
	}
	if filter.End != nil {
		query = query.Where("s.started_at <= ?", filter.End.UTC())
	}

	rows := []HistoryRow{}
	if err := query.Order("s.started_at DESC, s.id DESC, f.id ASC").Scan(&rows).Error; err != nil {
		return nil, &PersistenceError{Op: "query history", Err: err}
	}
	return rows, nil
}

// ListProjects returns the distinct project names of user, most recently created first.
func (manager *GormScanManager) ListProjects(ctx context.Context, user string) ([]string, error) {
	if ctx == nil {
		return nil, fmt.Errorf("ctx cannot be nil")
	}
	log.NewLogger(ctx).Debug("ListProjects", zap.String("user", user))

	names := []string{}
	err := manager.db.WithContext(ctx).
		Model(&model.Project{}).
		Where("user_id = ?", user).
		Order("created_at DESC, id DESC").
		Pluck("name", &names).Error
	if err != nil {
		return nil, &PersistenceError{Op: "list projects", Err: err}
	}
	return names, nil
}

// GetScan retrieves a Scan with its project and its findings in insertion order.
func (manager *GormScanManager) GetScan(ctx context.Context, id uint) (*model.Scan, error) {
	if ctx == nil {
		return nil, fmt.Errorf("ctx cannot be nil")
	}
	log.NewLogger(ctx).Debug("GetScan", zap.Uint("id", id))

	var scan model.Scan
	err := manager.db.WithContext(ctx).
		Preload("Project").
		Preload("Findings", func(tx *gorm.DB) *gorm.DB { return tx.Order("id ASC") }).
		First(&scan, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, &PersistenceError{Op: "get scan", Err: fmt.Errorf("%w: %d", ErrScanNotFound, id)}
	}
	if err != nil {
		return nil, &PersistenceError{Op: "get scan", Err: err}
	}
	return &scan, nil
}

// ParseDate reads a history bound given as YYYY-MM-DD or RFC 3339. A date-only end bound
// covers the whole day. Empty input returns nil.
func ParseDate(value string, end bool) (*time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		t = t.UTC()
		return &t, nil
	}
	t, err := time.ParseInLocation(time.DateOnly, value, time.UTC)
	if err != nil {
		return nil, fmt.Errorf("invalid date %q: expected YYYY-MM-DD or RFC 3339", value)
	}
	if end {
		t = t.Add(24*time.Hour - time.Nanosecond)
	}
	return &t, nil
}
