package services

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/yungbote/graphingest/internal/data/repos"
	types "github.com/yungbote/graphingest/internal/domain"
	"github.com/yungbote/graphingest/internal/ingest/pipeline"
	"github.com/yungbote/graphingest/internal/ingest/sink"
	"github.com/yungbote/graphingest/internal/jobs/progress"
	"github.com/yungbote/graphingest/internal/jobs/runtime"
	"github.com/yungbote/graphingest/internal/platform/apierr"
	"github.com/yungbote/graphingest/internal/platform/ctxutil"
	"github.com/yungbote/graphingest/internal/platform/dbctx"
	"github.com/yungbote/graphingest/internal/platform/logger"
)

type IngestionService interface {
	// Enqueue creates a pending graph_ingest job and returns without running it.
	Enqueue(dbc dbctx.Context, schemaID uuid.UUID, payload map[string]any) (*progress.Snapshot, error)
	Get(dbc dbctx.Context, id uuid.UUID) (*progress.Snapshot, error)
	List(dbc dbctx.Context, status string, limit int) ([]progress.Snapshot, error)
	// Cancel marks a non-terminal job cancelled and stops it if it runs in
	// this process. Terminal jobs are returned unchanged.
	Cancel(dbc dbctx.Context, id uuid.UUID, reason string) (*progress.Snapshot, error)
}

type IngestionConfig struct {
	DataDir   string
	OutputDir string
	// Neo4jEnabled allows the neo4j sink to be requested.
	Neo4jEnabled bool
}

type ingestionService struct {
	log     *logger.Logger
	jobs    repos.IngestionJobRepo
	schemas repos.SchemaDocumentRepo
	tasks   *runtime.Tasks
	notify  progress.Notifier
	cfg     IngestionConfig
}

func NewIngestionService(
	baseLog *logger.Logger,
	jobs repos.IngestionJobRepo,
	schemas repos.SchemaDocumentRepo,
	tasks *runtime.Tasks,
	notify progress.Notifier,
	cfg IngestionConfig,
) IngestionService {
	if baseLog == nil {
		baseLog = logger.Nop()
	}
	return &ingestionService{
		log:     baseLog.With("service", "IngestionService"),
		jobs:    jobs,
		schemas: schemas,
		tasks:   tasks,
		notify:  notify,
		cfg:     cfg,
	}
}

func (s *ingestionService) Enqueue(dbc dbctx.Context, schemaID uuid.UUID, payload map[string]any) (*progress.Snapshot, error) {
	if schemaID == uuid.Nil {
		return nil, apierr.BadRequest("missing_schema_id", errors.New("schema_id required"))
	}
	doc, err := s.schemas.GetByID(dbc, schemaID)
	if err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, apierr.NotFound("schema_not_found", fmt.Errorf("schema %s not found", schemaID))
	}

	clean := map[string]any{}
	for k, v := range ctxutil.PayloadFields(dbc.Context()) {
		clean[k] = v
	}
	for k, v := range payload {
		clean[k] = v
	}
	delete(clean, "schema_id")
	if err := s.validatePayload(clean); err != nil {
		return nil, err
	}
	raw, err := json.Marshal(clean)
	if err != nil {
		return nil, apierr.BadRequest("invalid_payload", err)
	}

	job, err := s.jobs.Create(dbc, &types.IngestionJob{
		SchemaID: schemaID,
		JobType:  pipeline.JobType,
		Status:   types.JobStatusPending,
		Message:  "queued",
		Payload:  datatypes.JSON(raw),
	})
	if err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}
	s.log.Info("Ingestion enqueued",
		"job_id", job.ID,
		"schema_id", schemaID,
		"data_path", clean["data_path"],
		"request_id", ctxutil.RequestID(dbc.Context()),
	)
	snap := progress.SnapshotOf(job, pipeline.Stages)
	return &snap, nil
}

// validatePayload rejects payloads the worker would fail on anyway.
func (s *ingestionService) validatePayload(p map[string]any) error {
	dataPath, _ := p["data_path"].(string)
	if strings.TrimSpace(dataPath) == "" {
		return apierr.BadRequest("missing_data_path", errors.New("data_path required"))
	}
	if _, err := pipeline.ResolveUnder(s.cfg.DataDir, dataPath); err != nil {
		return apierr.BadRequest("invalid_data_path", err)
	}
	if out, ok := p["output_dir"].(string); ok && out != "" {
		if _, err := pipeline.ResolveUnder(s.cfg.OutputDir, out); err != nil {
			return apierr.BadRequest("invalid_output_dir", err)
		}
	}
	if v, ok := p["sink"]; ok {
		kind, _ := v.(string)
		switch kind {
		case sink.KindFile:
		case sink.KindNeo4j:
			if !s.cfg.Neo4jEnabled {
				return apierr.BadRequest("sink_unavailable", errors.New("neo4j sink is not configured"))
			}
		default:
			return apierr.BadRequest("invalid_sink", fmt.Errorf("unknown sink %v", v))
		}
	}
	if v, ok := p["batch_size"]; ok {
		n, isNum := v.(float64)
		if !isNum {
			if i, isInt := v.(int); isInt {
				n, isNum = float64(i), true
			}
		}
		if !isNum || n < 1 || n > pipeline.MaxBatchSize || n != float64(int(n)) {
			return apierr.BadRequest("invalid_batch_size", fmt.Errorf("batch_size must be an integer in [1, %d]", pipeline.MaxBatchSize))
		}
	}
	return nil
}

func (s *ingestionService) Get(dbc dbctx.Context, id uuid.UUID) (*progress.Snapshot, error) {
	job, err := s.load(dbc, id)
	if err != nil {
		return nil, err
	}
	snap := progress.SnapshotOf(job, pipeline.Stages)
	return &snap, nil
}

func (s *ingestionService) List(dbc dbctx.Context, status string, limit int) ([]progress.Snapshot, error) {
	status = strings.TrimSpace(status)
	switch status {
	case "", types.JobStatusPending, types.JobStatusRunning, types.JobStatusCompleted, types.JobStatusFailed, types.JobStatusCancelled:
	default:
		return nil, apierr.BadRequest("invalid_status", fmt.Errorf("unknown status %q", status))
	}
	rows, err := s.jobs.List(dbc, status, limit)
	if err != nil {
		return nil, err
	}
	out := make([]progress.Snapshot, 0, len(rows))
	for _, job := range rows {
		out = append(out, progress.SnapshotOf(job, pipeline.Stages))
	}
	return out, nil
}

func (s *ingestionService) Cancel(dbc dbctx.Context, id uuid.UUID, reason string) (*progress.Snapshot, error) {
	job, err := s.load(dbc, id)
	if err != nil {
		return nil, err
	}
	if job.IsTerminal() {
		snap := progress.SnapshotOf(job, pipeline.Stages)
		return &snap, nil
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "cancelled by request"
	}
	now := time.Now().UTC()
	updated, err := s.jobs.UpdateFieldsUnlessStatus(dbc, id, types.TerminalStatuses(), map[string]interface{}{
		"status":      types.JobStatusCancelled,
		"message":     reason,
		"finished_at": now,
		"updated_at":  now,
	})
	if err != nil {
		return nil, fmt.Errorf("cancel job: %w", err)
	}
	if updated && s.tasks != nil {
		if s.tasks.Cancel(id, reason) {
			s.log.Info("Signalled running task", "job_id", id)
		}
	}
	job, err = s.load(dbc, id)
	if err != nil {
		return nil, err
	}
	if updated && s.notify != nil {
		s.notify.JobCancelled(job, reason)
	}
	snap := progress.SnapshotOf(job, pipeline.Stages)
	return &snap, nil
}

func (s *ingestionService) load(dbc dbctx.Context, id uuid.UUID) (*types.IngestionJob, error) {
	if id == uuid.Nil {
		return nil, apierr.BadRequest("invalid_job_id", errors.New("missing job id"))
	}
	job, err := s.jobs.GetByID(dbc, id)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, apierr.NotFound("job_not_found", fmt.Errorf("job %s not found", id))
	}
	return job, nil
}
