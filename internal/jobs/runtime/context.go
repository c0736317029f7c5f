package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	types "github.com/yungbote/graphingest/internal/domain"
	"github.com/yungbote/graphingest/internal/jobs/progress"
	"github.com/yungbote/graphingest/internal/platform/ctxutil"
	"github.com/yungbote/graphingest/internal/platform/dbctx"
	"github.com/yungbote/graphingest/internal/platform/logger"
)

/*
Context is the execution handle for one claimed ingestion job.
It carries:
	- Ctx: the worker's context, enriched with trace data from the payload
	- Job: the ingestion_job row as claimed
	- Repo: the persistence the tracker and the cancellation check go through
	- Task: the cooperative cancellation flag for this run
	- Tracker: created by the handler through Track once it knows its stages
Handlers never write ingestion_job directly; lifecycle transitions go through the tracker.
*/
type Context struct {
	Ctx     context.Context
	Job     *types.IngestionJob
	Repo    progress.Store
	Notify  progress.Notifier
	Task    *Task
	Tracker *progress.Tracker
	Log     *logger.Logger

	payload map[string]any
}

func NewContext(ctx context.Context, job *types.IngestionJob, repo progress.Store, notify progress.Notifier, task *Task, baseLog *logger.Logger) *Context {
	if ctx == nil {
		ctx = context.Background()
	}
	if baseLog == nil {
		baseLog = logger.Nop()
	}
	c := &Context{
		Ctx:    ctx,
		Job:    job,
		Repo:   repo,
		Notify: notify,
		Task:   task,
		Log:    baseLog,
	}
	if job != nil {
		c.Log = baseLog.With("job_id", job.ID, "job_type", job.JobType)
	}
	if err := c.decodePayload(); err != nil {
		c.Log.Warn("Job payload is not a JSON object", "error", err)
	}
	c.applyTraceData()
	return c
}

// decodePayload never leaves payload nil; a malformed payload decodes as empty
// and handlers report the missing fields.
func (c *Context) decodePayload() error {
	c.payload = map[string]any{}
	if c.Job == nil || len(c.Job.Payload) == 0 {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(c.Job.Payload, &m); err != nil {
		return err
	}
	if m != nil {
		c.payload = m
	}
	return nil
}

func (c *Context) applyTraceData() {
	td := &ctxutil.TraceData{
		TraceID:   c.PayloadString("trace_id"),
		RequestID: c.PayloadString("request_id"),
	}
	if td.Empty() {
		return
	}
	c.Ctx = ctxutil.WithTraceData(c.Ctx, td)
	c.Log = c.Log.With("request_id", td.RequestID)
}

func (c *Context) Payload() map[string]any {
	if c.payload == nil {
		c.payload = map[string]any{}
	}
	return c.payload
}

func (c *Context) PayloadString(key string) string {
	v, ok := c.Payload()[key]
	if !ok || v == nil {
		return ""
	}
	return strings.TrimSpace(fmt.Sprint(v))
}

func (c *Context) PayloadUUID(key string) (uuid.UUID, bool) {
	s := c.PayloadString(key)
	if s == "" {
		return uuid.Nil, false
	}
	id, err := uuid.Parse(s)
	if err != nil || id == uuid.Nil {
		return uuid.Nil, false
	}
	return id, true
}

// PayloadInt accepts JSON numbers and numeric strings.
func (c *Context) PayloadInt(key string, def int) int {
	switch v := c.Payload()[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case string:
		if i, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return i
		}
	}
	return def
}

func (c *Context) PayloadBool(key string, def bool) bool {
	switch v := c.Payload()[key].(type) {
	case bool:
		return v
	case string:
		if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			return b
		}
	}
	return def
}

// Track creates the job's progress tracker for the given stage plan.
func (c *Context) Track(stages []progress.Stage) (*progress.Tracker, error) {
	if c.Tracker != nil {
		return c.Tracker, nil
	}
	tr, err := progress.NewTracker(c.Job, stages, c.Repo, c.Notify, c.Log)
	if err != nil {
		return nil, err
	}
	c.Tracker = tr
	return tr, nil
}

// CancelRequested reports whether the run should stop: the in-process flag was
// raised, the tracker went terminal, or the stored row was cancelled elsewhere.
func (c *Context) CancelRequested() bool {
	if c.Task != nil && c.Task.Cancelled() {
		return true
	}
	if c.Tracker != nil && c.Tracker.IsTerminal() {
		return true
	}
	if c.Repo == nil || c.Job == nil {
		return false
	}
	status, err := c.Repo.Status(dbctx.Context{Ctx: c.Ctx}, c.Job.ID)
	if err != nil {
		c.Log.Warn("Cancellation check failed", "error", err)
		return false
	}
	return status == types.JobStatusCancelled
}

// CancelReason describes why CancelRequested returned true.
func (c *Context) CancelReason() string {
	if c.Task != nil {
		if r := c.Task.Reason(); r != "" {
			return r
		}
	}
	return "cancelled"
}

// Fail marks the job failed. Handlers that created a tracker go through it;
// otherwise the row is updated directly under the same terminal guard.
func (c *Context) Fail(stage string, err error) {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	if c.Tracker != nil {
		if ferr := c.Tracker.FailJob(c.Ctx, msg); ferr != nil {
			c.Log.Error("Fail job", "stage", stage, "error", ferr)
		}
		return
	}
	if c.Job == nil || c.Repo == nil {
		return
	}
	now := time.Now()
	ok, uerr := c.Repo.UpdateFieldsUnlessStatus(dbctx.Context{Ctx: c.Ctx}, c.Job.ID, types.TerminalStatuses(), map[string]interface{}{
		"status":      types.JobStatusFailed,
		"stage":       stage,
		"message":     "",
		"error":       msg,
		"locked_at":   nil,
		"finished_at": now,
		"updated_at":  now,
	})
	if uerr != nil {
		c.Log.Error("Fail job", "stage", stage, "error", uerr)
		return
	}
	if !ok {
		return
	}
	c.Job.Status = types.JobStatusFailed
	c.Job.Stage = stage
	c.Job.Error = msg
	c.Job.LockedAt = nil
	c.Job.FinishedAt = &now
	if c.Notify != nil {
		c.Notify.JobFailed(c.Job, msg)
	}
}
