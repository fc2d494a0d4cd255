package model

// Finding is one classified analyzer finding belonging to exactly one Scan.
type Finding struct {
	File           *string `json:"file"`
	Line           *int    `json:"line"`
	Recommendation *string `json:"recommendation,omitempty"`
	Rule           string  `json:"rule"`
	Message        string  `json:"message"`
	Severity       string  `json:"severity" gorm:"index"`
	OWASP          string  `json:"owasp" gorm:"column:owasp;not null"`
	ID             uint    `json:"id" gorm:"primaryKey;autoIncrement"`
	ScanID         uint    `json:"scan_id" gorm:"not null;index"`
}

// All returns the models managed by the schema migration, parents first.
func All() []interface{} {
	return []interface{}{&Project{}, &Scan{}, &Finding{}}
}
