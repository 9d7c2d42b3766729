package postgres

import (
	"time"
)

// StepModel maps to the "step_checkpoints" table.
// StepKey is the full step key ("run/<id>/<name>"); its uniqueness makes
// the first writer win.
type StepModel struct {
	StepKey   string    `gorm:"primaryKey"`
	RunID     string    `gorm:"not null;index"`
	Output    string    `gorm:"type:text;not null"`
	CreatedAt time.Time `gorm:"index"`
}

func (StepModel) TableName() string { return "step_checkpoints" }

// RunModel maps to the "runs" table.
type RunModel struct {
	ID         string     `gorm:"primaryKey"`
	Input      string     `gorm:"type:text;not null"`
	Framework  string     `gorm:"not null"`
	Status     string     `gorm:"not null;index"`
	Result     string     `gorm:"type:text"` // JSON-encoded run.Result
	Error      string     `gorm:"type:text"`
	Attempts   int        `gorm:"not null;default:0"`
	CreatedAt  time.Time  `gorm:"index"`
	UpdatedAt  time.Time
	StartedAt  *time.Time
	FinishedAt *time.Time `gorm:"index"`
}

func (RunModel) TableName() string { return "runs" }
