package jobs

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// TerminalStatuses never transition again.
var TerminalStatuses = []string{StatusCompleted, StatusFailed, StatusCancelled}

func IsTerminal(status string) bool {
	switch status {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

type IngestionJob struct {
	ID                uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	SchemaID          uuid.UUID      `gorm:"type:uuid;column:schema_id;index" json:"schema_id"`
	JobType           string         `gorm:"column:job_type;not null;index" json:"job_type"`
	Status            string         `gorm:"column:status;not null;index" json:"status"`
	Stage             string         `gorm:"column:stage;not null;default:''" json:"stage"`
	StageProgress     int            `gorm:"column:stage_progress;not null;default:0" json:"stage_progress"`
	Progress          int            `gorm:"column:progress;not null;default:0" json:"progress"`
	Message           string         `gorm:"column:message" json:"message,omitempty"`
	NodeCount         int            `gorm:"column:node_count;not null;default:0" json:"node_count"`
	RelationshipCount int            `gorm:"column:relationship_count;not null;default:0" json:"relationship_count"`
	Errors            datatypes.JSON `gorm:"column:errors" json:"errors,omitempty"`
	Warnings          datatypes.JSON `gorm:"column:warnings" json:"warnings,omitempty"`
	Payload           datatypes.JSON `gorm:"column:payload" json:"payload"`
	Result            datatypes.JSON `gorm:"column:result" json:"result,omitempty"`
	Error             string         `gorm:"column:error" json:"error,omitempty"`
	Attempts          int            `gorm:"column:attempts;not null;default:0" json:"attempts"`
	LockedAt          *time.Time     `gorm:"column:locked_at;index" json:"locked_at,omitempty"`
	HeartbeatAt       *time.Time     `gorm:"column:heartbeat_at;index" json:"heartbeat_at,omitempty"`
	StartedAt         *time.Time     `gorm:"column:started_at" json:"started_at,omitempty"`
	FinishedAt        *time.Time     `gorm:"column:finished_at" json:"finished_at,omitempty"`
	CreatedAt         time.Time      `gorm:"not null;index" json:"created_at"`
	UpdatedAt         time.Time      `gorm:"not null;index" json:"updated_at"`
	DeletedAt         gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

func (IngestionJob) TableName() string { return "ingestion_job" }

func (j *IngestionJob) BeforeCreate(*gorm.DB) error {
	if j.ID == uuid.Nil {
		j.ID = uuid.New()
	}
	if j.Status == "" {
		j.Status = StatusPending
	}
	return nil
}

func (j *IngestionJob) IsTerminal() bool { return j != nil && IsTerminal(j.Status) }
