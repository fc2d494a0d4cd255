package model

import "time"

// Project groups the scans of one user under a name. (UserID, Name) is unique.
type Project struct {
	CreatedAt time.Time `json:"created_at" gorm:"autoCreateTime;index"`
	UserID    string    `json:"user" gorm:"not null;uniqueIndex:idx_projects_user_name"`
	Name      string    `json:"name" gorm:"not null;uniqueIndex:idx_projects_user_name"`
	Scans     []Scan    `json:"-" gorm:"foreignKey:ProjectID"`
	ID        uint      `json:"id" gorm:"primaryKey;autoIncrement"`
}
