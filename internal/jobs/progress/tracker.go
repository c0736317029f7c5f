// Package progress tracks a weighted multi-stage job and persists each transition
// onto the ingestion_job row.
package progress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	types "github.com/yungbote/graphingest/internal/domain"
	"github.com/yungbote/graphingest/internal/ingest/ingesterr"
	"github.com/yungbote/graphingest/internal/platform/dbctx"
	"github.com/yungbote/graphingest/internal/platform/logger"
)

type Stage struct {
	ID     string `json:"id"`
	Weight int    `json:"weight"`
}

// Store is the slice of the job repository the tracker writes through.
type Store interface {
	Status(dbc dbctx.Context, id uuid.UUID) (string, error)
	UpdateFieldsUnlessStatus(dbc dbctx.Context, id uuid.UUID, disallowedStatuses []string, updates map[string]interface{}) (bool, error)
}

type Notifier interface {
	JobProgress(job *types.IngestionJob)
	JobDone(job *types.IngestionJob)
	JobFailed(job *types.IngestionJob, message string)
	JobCancelled(job *types.IngestionJob, reason string)
}

// Result is the payload stored on a completed job.
type Result struct {
	NodeCount         int `json:"node_count"`
	RelationshipCount int `json:"relationship_count"`
	WarningsCount     int `json:"warnings_count"`
	Output            any `json:"output,omitempty"`
}

var ErrInvalidStages = errors.New("invalid stage weights")

type Tracker struct {
	mu     sync.Mutex
	job    types.IngestionJob
	stages []Stage
	prior  []int
	index  map[string]int
	store  Store
	notify Notifier
	issues *ingesterr.Issues
	log    *logger.Logger
}

// ValidateStages checks ids are unique and non-empty and weights sum to 100.
func ValidateStages(stages []Stage) error {
	if len(stages) == 0 {
		return fmt.Errorf("%w: no stages", ErrInvalidStages)
	}
	seen := make(map[string]bool, len(stages))
	total := 0
	for _, s := range stages {
		id := strings.TrimSpace(s.ID)
		if id == "" {
			return fmt.Errorf("%w: empty stage id", ErrInvalidStages)
		}
		if seen[id] {
			return fmt.Errorf("%w: duplicate stage %q", ErrInvalidStages, id)
		}
		if s.Weight < 0 {
			return fmt.Errorf("%w: stage %q has negative weight", ErrInvalidStages, id)
		}
		seen[id] = true
		total += s.Weight
	}
	if total != 100 {
		return fmt.Errorf("%w: weights sum to %d", ErrInvalidStages, total)
	}
	return nil
}

// Overall maps a stage-local percentage onto the job-wide scale: the weights of
// every earlier stage plus this stage's share, floored.
func Overall(stages []Stage, stageID string, local int) (int, bool) {
	before := 0
	for _, s := range stages {
		if s.ID == stageID {
			return before + s.Weight*clampPct(local)/100, true
		}
		before += s.Weight
	}
	return 0, false
}

func NewTracker(job *types.IngestionJob, stages []Stage, store Store, notify Notifier, baseLog *logger.Logger) (*Tracker, error) {
	if job == nil || job.ID == uuid.Nil {
		return nil, errors.New("tracker requires a job with an id")
	}
	if err := ValidateStages(stages); err != nil {
		return nil, err
	}
	if baseLog == nil {
		baseLog = logger.Nop()
	}
	t := &Tracker{
		job:    *job,
		stages: append([]Stage(nil), stages...),
		prior:  make([]int, len(stages)),
		index:  make(map[string]int, len(stages)),
		store:  store,
		notify: notify,
		log:    baseLog.With("component", "ProgressTracker", "job_id", job.ID),
	}
	sum := 0
	for i, s := range t.stages {
		t.prior[i] = sum
		t.index[s.ID] = i
		sum += s.Weight
	}
	return t, nil
}

// AttachIssues makes every persisted transition carry the current warning and error lists.
func (t *Tracker) AttachIssues(is *ingesterr.Issues) {
	t.mu.Lock()
	t.issues = is
	t.mu.Unlock()
}

func (t *Tracker) Stages() []Stage { return append([]Stage(nil), t.stages...) }

func (t *Tracker) JobID() uuid.UUID { return t.job.ID }

func (t *Tracker) Status() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.job.Status
}

func (t *Tracker) IsTerminal() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return types.IsTerminalStatus(t.job.Status)
}

// Job returns a copy of the tracker's view of the row.
func (t *Tracker) Job() *types.IngestionJob {
	t.mu.Lock()
	defer t.mu.Unlock()
	cp := t.job
	return &cp
}

func (t *Tracker) Snapshot() Snapshot {
	return SnapshotOf(t.Job(), t.stages)
}

// Start moves the job to running. A job reclaimed after a stale heartbeat is
// already running and simply gets a fresh lock.
func (t *Tracker) Start(ctx context.Context) error {
	t.mu.Lock()
	if types.IsTerminalStatus(t.job.Status) {
		t.mu.Unlock()
		return nil
	}
	now := time.Now()
	updates := map[string]interface{}{
		"status":       types.JobStatusRunning,
		"stage":        t.stages[0].ID,
		"message":      "started",
		"locked_at":    now,
		"heartbeat_at": now,
		"updated_at":   now,
	}
	if t.job.StartedAt == nil {
		updates["started_at"] = now
	}
	applied, err := t.persist(ctx, updates)
	if err != nil || !applied {
		t.mu.Unlock()
		return err
	}
	if t.job.Status == types.JobStatusPending || t.job.Status == "" {
		t.job.Stage = t.stages[0].ID
		t.job.StageProgress = 0
	}
	t.job.Status = types.JobStatusRunning
	t.job.Message = "started"
	t.job.LockedAt = &now
	t.job.HeartbeatAt = &now
	if t.job.StartedAt == nil {
		t.job.StartedAt = &now
	}
	t.job.UpdatedAt = now
	cp := t.job
	t.mu.Unlock()

	t.log.Info("Job started")
	if t.notify != nil {
		t.notify.JobProgress(&cp)
	}
	return nil
}

// UpdateStage records local progress (0..100) inside stageID. The overall value
// never decreases; unknown stages and terminal jobs are ignored.
func (t *Tracker) UpdateStage(ctx context.Context, stageID string, local int, message string) error {
	t.mu.Lock()
	if types.IsTerminalStatus(t.job.Status) {
		t.mu.Unlock()
		return nil
	}
	idx, ok := t.index[stageID]
	if !ok {
		t.mu.Unlock()
		t.log.Warn("Progress for unknown stage ignored", "stage", stageID)
		return nil
	}
	local = clampPct(local)
	overall := t.prior[idx] + t.stages[idx].Weight*local/100
	if overall < t.job.Progress {
		overall = t.job.Progress
	}
	now := time.Now()
	updates := map[string]interface{}{
		"stage":          stageID,
		"stage_progress": local,
		"progress":       overall,
		"message":        message,
		"heartbeat_at":   now,
		"updated_at":     now,
	}
	applied, err := t.persist(ctx, updates)
	if err != nil || !applied {
		t.mu.Unlock()
		return err
	}
	t.job.Stage = stageID
	t.job.StageProgress = local
	t.job.Progress = overall
	t.job.Message = message
	t.job.HeartbeatAt = &now
	t.job.UpdatedAt = now
	cp := t.job
	t.mu.Unlock()

	if t.notify != nil {
		t.notify.JobProgress(&cp)
	}
	return nil
}

func (t *Tracker) CompleteJob(ctx context.Context, result Result) error {
	raw, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	last := t.stages[len(t.stages)-1].ID

	t.mu.Lock()
	if types.IsTerminalStatus(t.job.Status) {
		t.mu.Unlock()
		return nil
	}
	now := time.Now()
	updates := map[string]interface{}{
		"status":             types.JobStatusCompleted,
		"stage":              last,
		"stage_progress":     100,
		"progress":           100,
		"message":            "completed",
		"error":              "",
		"node_count":         result.NodeCount,
		"relationship_count": result.RelationshipCount,
		"result":             datatypes.JSON(raw),
		"locked_at":          nil,
		"heartbeat_at":       now,
		"finished_at":        now,
		"updated_at":         now,
	}
	applied, err := t.persist(ctx, updates)
	if err != nil || !applied {
		t.mu.Unlock()
		return err
	}
	t.job.Status = types.JobStatusCompleted
	t.job.Stage = last
	t.job.StageProgress = 100
	t.job.Progress = 100
	t.job.Message = "completed"
	t.job.Error = ""
	t.job.NodeCount = result.NodeCount
	t.job.RelationshipCount = result.RelationshipCount
	t.job.Result = datatypes.JSON(raw)
	t.job.LockedAt = nil
	t.job.HeartbeatAt = &now
	t.job.FinishedAt = &now
	t.job.UpdatedAt = now
	cp := t.job
	t.mu.Unlock()

	t.log.Info("Job completed",
		"nodes", result.NodeCount,
		"relationships", result.RelationshipCount,
		"warnings", result.WarningsCount,
	)
	if t.notify != nil {
		t.notify.JobDone(&cp)
	}
	return nil
}

// FailJob freezes progress where it is and records message as the job error.
func (t *Tracker) FailJob(ctx context.Context, message string) error {
	t.mu.Lock()
	if types.IsTerminalStatus(t.job.Status) {
		t.mu.Unlock()
		return nil
	}
	now := time.Now()
	updates := map[string]interface{}{
		"status":      types.JobStatusFailed,
		"message":     "",
		"error":       message,
		"locked_at":   nil,
		"finished_at": now,
		"updated_at":  now,
	}
	applied, err := t.persist(ctx, updates)
	if err != nil || !applied {
		t.mu.Unlock()
		return err
	}
	t.job.Status = types.JobStatusFailed
	t.job.Message = ""
	t.job.Error = message
	t.job.LockedAt = nil
	t.job.FinishedAt = &now
	t.job.UpdatedAt = now
	cp := t.job
	t.mu.Unlock()

	t.log.Warn("Job failed", "stage", cp.Stage, "error", message)
	if t.notify != nil {
		t.notify.JobFailed(&cp, message)
	}
	return nil
}

func (t *Tracker) Cancel(ctx context.Context, reason string) error {
	if reason == "" {
		reason = "cancelled"
	}
	t.mu.Lock()
	if types.IsTerminalStatus(t.job.Status) {
		t.mu.Unlock()
		return nil
	}
	now := time.Now()
	updates := map[string]interface{}{
		"status":      types.JobStatusCancelled,
		"message":     reason,
		"locked_at":   nil,
		"finished_at": now,
		"updated_at":  now,
	}
	applied, err := t.persist(ctx, updates)
	if err != nil || !applied {
		t.mu.Unlock()
		return err
	}
	t.job.Status = types.JobStatusCancelled
	t.job.Message = reason
	t.job.LockedAt = nil
	t.job.FinishedAt = &now
	t.job.UpdatedAt = now
	cp := t.job
	t.mu.Unlock()

	t.log.Info("Job cancelled", "reason", reason)
	if t.notify != nil {
		t.notify.JobCancelled(&cp, reason)
	}
	return nil
}

// persist writes updates unless the row already reached a terminal state. When
// the guard rejects the write, the tracker adopts the stored status so callers
// see IsTerminal. Must be called with t.mu held.
func (t *Tracker) persist(ctx context.Context, updates map[string]interface{}) (bool, error) {
	if t.issues != nil {
		if raw, err := json.Marshal(t.issues.Errors()); err == nil {
			updates["errors"] = datatypes.JSON(raw)
			t.job.Errors = datatypes.JSON(raw)
		}
		if raw, err := json.Marshal(t.issues.Warnings()); err == nil {
			updates["warnings"] = datatypes.JSON(raw)
			t.job.Warnings = datatypes.JSON(raw)
		}
	}
	if t.store == nil {
		return true, nil
	}
	dbc := dbctx.Context{Ctx: ctx}
	ok, err := t.store.UpdateFieldsUnlessStatus(dbc, t.job.ID, types.TerminalStatuses(), updates)
	if err != nil {
		t.log.Error("Persist job update failed", "error", err)
		return false, fmt.Errorf("persist job %s: %w", t.job.ID, err)
	}
	if ok {
		return true, nil
	}
	status, err := t.store.Status(dbc, t.job.ID)
	if err != nil {
		return false, fmt.Errorf("read job status %s: %w", t.job.ID, err)
	}
	if types.IsTerminalStatus(status) {
		t.log.Info("Job reached a terminal state elsewhere", "status", status)
		t.job.Status = status
	}
	return false, nil
}

func clampPct(v int) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
