package progress

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	types "github.com/yungbote/graphingest/internal/domain"
	"github.com/yungbote/graphingest/internal/ingest/ingesterr"
)

const (
	StagePending = "pending"
	StageRunning = "running"
	StageDone    = "done"
)

type StageStatus struct {
	ID       string `json:"id"`
	Weight   int    `json:"weight"`
	State    string `json:"state"`
	Progress int    `json:"progress"`
}

// Snapshot is the externally visible status of an ingestion job. Progress is a
// fraction in [0, 1].
type Snapshot struct {
	ID                uuid.UUID         `json:"id"`
	SchemaID          uuid.UUID         `json:"schema_id"`
	JobType           string            `json:"job_type"`
	Status            string            `json:"status"`
	Progress          float64           `json:"progress"`
	Message           string            `json:"message,omitempty"`
	CurrentStage      string            `json:"current_stage"`
	StageProgress     int               `json:"stage_progress"`
	Stages            []StageStatus     `json:"stages"`
	Result            json.RawMessage   `json:"result,omitempty"`
	Error             string            `json:"error,omitempty"`
	NodeCount         int               `json:"node_count"`
	RelationshipCount int               `json:"relationship_count"`
	Errors            []ingesterr.Issue `json:"errors"`
	Warnings          []ingesterr.Issue `json:"warnings"`
	Attempts          int               `json:"attempts"`
	CreatedAt         time.Time         `json:"created_at"`
	StartedAt         *time.Time        `json:"started_at,omitempty"`
	FinishedAt        *time.Time        `json:"finished_at,omitempty"`
}

// SnapshotOf renders a job row against its stage plan.
func SnapshotOf(job *types.IngestionJob, stages []Stage) Snapshot {
	if job == nil {
		return Snapshot{}
	}
	s := Snapshot{
		ID:                job.ID,
		SchemaID:          job.SchemaID,
		JobType:           job.JobType,
		Status:            job.Status,
		Progress:          float64(clampPct(job.Progress)) / 100,
		Message:           job.Message,
		CurrentStage:      job.Stage,
		StageProgress:     job.StageProgress,
		Error:             job.Error,
		NodeCount:         job.NodeCount,
		RelationshipCount: job.RelationshipCount,
		Errors:            decodeIssues(job.Errors),
		Warnings:          decodeIssues(job.Warnings),
		Attempts:          job.Attempts,
		CreatedAt:         job.CreatedAt,
		StartedAt:         job.StartedAt,
		FinishedAt:        job.FinishedAt,
	}
	if len(job.Result) > 0 && json.Valid(job.Result) {
		s.Result = json.RawMessage(job.Result)
	}

	current := -1
	for i, st := range stages {
		if st.ID == job.Stage {
			current = i
			break
		}
	}
	s.Stages = make([]StageStatus, 0, len(stages))
	for i, st := range stages {
		ss := StageStatus{ID: st.ID, Weight: st.Weight, State: StagePending}
		switch {
		case job.Status == types.JobStatusCompleted:
			ss.State, ss.Progress = StageDone, 100
		case current < 0 || i > current:
		case i < current:
			ss.State, ss.Progress = StageDone, 100
		default:
			ss.Progress = clampPct(job.StageProgress)
			ss.State = StageRunning
			if ss.Progress == 100 {
				ss.State = StageDone
			}
		}
		s.Stages = append(s.Stages, ss)
	}
	return s
}

func decodeIssues(raw []byte) []ingesterr.Issue {
	out := []ingesterr.Issue{}
	if len(raw) == 0 {
		return out
	}
	if err := json.Unmarshal(raw, &out); err != nil || out == nil {
		return []ingesterr.Issue{}
	}
	return out
}
