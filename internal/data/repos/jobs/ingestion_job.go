package jobs

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	types "github.com/yungbote/graphingest/internal/domain"
	"github.com/yungbote/graphingest/internal/platform/dbctx"
	"github.com/yungbote/graphingest/internal/platform/logger"
)

type IngestionJobRepo interface {
	Create(dbc dbctx.Context, job *types.IngestionJob) (*types.IngestionJob, error)
	GetByID(dbc dbctx.Context, id uuid.UUID) (*types.IngestionJob, error)
	List(dbc dbctx.Context, status string, limit int) ([]*types.IngestionJob, error)
	Status(dbc dbctx.Context, id uuid.UUID) (string, error)
	ClaimNextRunnable(dbc dbctx.Context, staleRunning time.Duration) (*types.IngestionJob, error)
	UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error
	UpdateFieldsUnlessStatus(dbc dbctx.Context, id uuid.UUID, disallowedStatuses []string, updates map[string]interface{}) (bool, error)
	Heartbeat(dbc dbctx.Context, id uuid.UUID) error
}

type ingestionJobRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewIngestionJobRepo(db *gorm.DB, baseLog *logger.Logger) IngestionJobRepo {
	return &ingestionJobRepo{
		db:  db,
		log: baseLog.With("repo", "IngestionJobRepo"),
	}
}

func (r *ingestionJobRepo) tx(dbc dbctx.Context) *gorm.DB {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	return transaction.WithContext(dbc.Context())
}

func (r *ingestionJobRepo) Create(dbc dbctx.Context, job *types.IngestionJob) (*types.IngestionJob, error) {
	if job == nil {
		return nil, errors.New("nil job")
	}
	if err := r.tx(dbc).Create(job).Error; err != nil {
		return nil, err
	}
	return job, nil
}

func (r *ingestionJobRepo) GetByID(dbc dbctx.Context, id uuid.UUID) (*types.IngestionJob, error) {
	if id == uuid.Nil {
		return nil, nil
	}
	var job types.IngestionJob
	err := r.tx(dbc).Where("id = ?", id).Limit(1).Find(&job).Error
	if err != nil {
		return nil, err
	}
	if job.ID == uuid.Nil {
		return nil, nil
	}
	return &job, nil
}

func (r *ingestionJobRepo) List(dbc dbctx.Context, status string, limit int) ([]*types.IngestionJob, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	q := r.tx(dbc).Order("created_at DESC").Limit(limit)
	if status != "" {
		q = q.Where("status = ?", status)
	}
	var out []*types.IngestionJob
	if err := q.Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// Status reads only the persisted status, for cheap cancellation polling.
func (r *ingestionJobRepo) Status(dbc dbctx.Context, id uuid.UUID) (string, error) {
	var statuses []string
	err := r.tx(dbc).
		Model(&types.IngestionJob{}).
		Where("id = ?", id).
		Limit(1).
		Pluck("status", &statuses).Error
	if err != nil || len(statuses) == 0 {
		return "", err
	}
	return statuses[0], nil
}

// ClaimNextRunnable takes the oldest pending job, or a running job whose
// heartbeat is older than staleRunning, and marks it running.
func (r *ingestionJobRepo) ClaimNextRunnable(dbc dbctx.Context, staleRunning time.Duration) (*types.IngestionJob, error) {
	now := time.Now()
	staleCutoff := now.Add(-staleRunning)
	var claimed *types.IngestionJob
	err := r.tx(dbc).Transaction(func(txx *gorm.DB) error {
		var job types.IngestionJob
		q := txx
		if txx.Dialector.Name() == "postgres" {
			q = q.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
		}
		qErr := q.Where(`
        (
          status = ?
          OR (
            status = ?
            AND heartbeat_at IS NOT NULL
            AND heartbeat_at < ?
          )
        )
      `, types.JobStatusPending, types.JobStatusRunning, staleCutoff).
			Order("created_at ASC").
			First(&job).Error
		if errors.Is(qErr, gorm.ErrRecordNotFound) {
			return nil
		}
		if qErr != nil {
			return qErr
		}
		updates := map[string]interface{}{
			"status":       types.JobStatusRunning,
			"attempts":     gorm.Expr("attempts + 1"),
			"locked_at":    now,
			"heartbeat_at": now,
			"updated_at":   now,
		}
		if job.StartedAt == nil {
			updates["started_at"] = now
			job.StartedAt = &now
		}
		res := txx.Model(&types.IngestionJob{}).
			Where("id = ? AND status = ?", job.ID, job.Status).
			Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		job.Status = types.JobStatusRunning
		job.Attempts++
		job.LockedAt = &now
		job.HeartbeatAt = &now
		claimed = &job
		return nil
	})
	if err != nil {
		return nil, err
	}
	if claimed != nil {
		r.log.Debug("job claimed", "job_id", claimed.ID, "attempts", claimed.Attempts)
	}
	return claimed, nil
}

func (r *ingestionJobRepo) UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error {
	if id == uuid.Nil {
		return nil
	}
	if updates == nil {
		updates = map[string]interface{}{}
	}
	if _, ok := updates["updated_at"]; !ok {
		updates["updated_at"] = time.Now()
	}
	return r.tx(dbc).
		Model(&types.IngestionJob{}).
		Where("id = ?", id).
		Updates(updates).Error
}

func (r *ingestionJobRepo) UpdateFieldsUnlessStatus(dbc dbctx.Context, id uuid.UUID, disallowedStatuses []string, updates map[string]interface{}) (bool, error) {
	if id == uuid.Nil {
		return false, nil
	}
	if updates == nil {
		updates = map[string]interface{}{}
	}
	if _, ok := updates["updated_at"]; !ok {
		updates["updated_at"] = time.Now()
	}

	q := r.tx(dbc).
		Model(&types.IngestionJob{}).
		Where("id = ?", id)
	if len(disallowedStatuses) == 1 {
		q = q.Where("status <> ?", disallowedStatuses[0])
	} else if len(disallowedStatuses) > 1 {
		q = q.Where("status NOT IN ?", disallowedStatuses)
	}

	res := q.Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *ingestionJobRepo) Heartbeat(dbc dbctx.Context, id uuid.UUID) error {
	if id == uuid.Nil {
		return nil
	}
	now := time.Now()
	return r.tx(dbc).
		Model(&types.IngestionJob{}).
		Where("id = ? AND status = ?", id, types.JobStatusRunning).
		Updates(map[string]interface{}{
			"heartbeat_at": now,
			"updated_at":   now,
		}).Error
}
