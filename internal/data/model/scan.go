package model

import "time"

// Scan is one completed analyzer run. Rows are written once and never updated.
// FindingsCount always equals the number of Finding rows referencing the scan.
type Scan struct {
	StartedAt     time.Time `json:"started_at" gorm:"not null;index:idx_scans_user_started,priority:2"`
	Project       *Project  `json:"project,omitempty" gorm:"foreignKey:ProjectID"`
	UserID        string    `json:"user" gorm:"not null;index:idx_scans_user_started,priority:1"`
	Target        string    `json:"target" gorm:"not null"`
	Findings      []Finding `json:"findings,omitempty" gorm:"foreignKey:ScanID"`
	ID            uint      `json:"id" gorm:"primaryKey;autoIncrement"`
	ProjectID     uint      `json:"project_id" gorm:"not null;index"`
	Score         float64   `json:"score" gorm:"not null"`
	FindingsCount int       `json:"findings_count" gorm:"not null"`
}
