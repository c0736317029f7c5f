package progress

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	types "github.com/yungbote/graphingest/internal/domain"
	"github.com/yungbote/graphingest/internal/platform/dbctx"
)

// MemoryStore keeps job rows in process memory. The CLI runs the pipeline on
// it so no database is required.
type MemoryStore struct {
	mu   sync.Mutex
	jobs map[uuid.UUID]*types.IngestionJob
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: map[uuid.UUID]*types.IngestionJob{}}
}

func (m *MemoryStore) Put(job *types.IngestionJob) {
	if job == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *job
	m.jobs[job.ID] = &cp
}

func (m *MemoryStore) Get(id uuid.UUID) (*types.IngestionJob, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, false
	}
	cp := *j
	return &cp, true
}

func (m *MemoryStore) Status(_ dbctx.Context, id uuid.UUID) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if j, ok := m.jobs[id]; ok {
		return j.Status, nil
	}
	return "", nil
}

func (m *MemoryStore) UpdateFieldsUnlessStatus(_ dbctx.Context, id uuid.UUID, disallowedStatuses []string, updates map[string]interface{}) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return false, nil
	}
	for _, s := range disallowedStatuses {
		if j.Status == s {
			return false, nil
		}
	}
	for k, v := range updates {
		if err := applyField(j, k, v); err != nil {
			return false, err
		}
	}
	return true, nil
}

func applyField(j *types.IngestionJob, key string, v interface{}) error {
	switch key {
	case "status":
		j.Status, _ = v.(string)
	case "stage":
		j.Stage, _ = v.(string)
	case "message":
		j.Message, _ = v.(string)
	case "error":
		j.Error, _ = v.(string)
	case "stage_progress":
		j.StageProgress, _ = v.(int)
	case "progress":
		j.Progress, _ = v.(int)
	case "node_count":
		j.NodeCount, _ = v.(int)
	case "relationship_count":
		j.RelationshipCount, _ = v.(int)
	case "attempts":
		j.Attempts, _ = v.(int)
	case "errors":
		j.Errors, _ = v.(datatypes.JSON)
	case "warnings":
		j.Warnings, _ = v.(datatypes.JSON)
	case "result":
		j.Result, _ = v.(datatypes.JSON)
	case "locked_at":
		j.LockedAt = timePtr(v)
	case "heartbeat_at":
		j.HeartbeatAt = timePtr(v)
	case "started_at":
		j.StartedAt = timePtr(v)
	case "finished_at":
		j.FinishedAt = timePtr(v)
	case "updated_at":
		if t, ok := v.(time.Time); ok {
			j.UpdatedAt = t
		}
	default:
		return fmt.Errorf("memory store: unknown field %q", key)
	}
	return nil
}

func timePtr(v interface{}) *time.Time {
	switch t := v.(type) {
	case time.Time:
		return &t
	case *time.Time:
		return t
	}
	return nil
}
