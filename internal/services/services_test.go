package services

import (
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	jobsrepo "github.com/yungbote/graphingest/internal/data/repos/jobs"
	schemasrepo "github.com/yungbote/graphingest/internal/data/repos/schemas"
	"github.com/yungbote/graphingest/internal/data/repos/testutil"
	types "github.com/yungbote/graphingest/internal/domain"
	"github.com/yungbote/graphingest/internal/ingest/pipeline"
	"github.com/yungbote/graphingest/internal/jobs/progress"
	"github.com/yungbote/graphingest/internal/jobs/runtime"
	"github.com/yungbote/graphingest/internal/platform/apierr"
	"github.com/yungbote/graphingest/internal/platform/ctxutil"
	"github.com/yungbote/graphingest/internal/platform/dbctx"
	"github.com/yungbote/graphingest/internal/realtime"
)

const telcoSchema = `{
  "nodes": [
    {"label": "Customer", "properties": {"customerID": "string"}, "id_rule": "customerID"},
    {"label": "Contract", "properties": {"Contract": "string"}, "id_rule": "Contract"}
  ],
  "relationships": [
    {"type": "HAS_CONTRACT", "source": "Customer", "target": "Contract"},
    {"type": "MADE_BY", "source": "Customer", "target": "Factory"}
  ]
}`

type cancelRecorder struct {
	mu      sync.Mutex
	reasons []string
}

func (r *cancelRecorder) JobProgress(*types.IngestionJob) {}

func (r *cancelRecorder) JobDone(*types.IngestionJob) {}

func (r *cancelRecorder) JobFailed(*types.IngestionJob, string) {}

func (r *cancelRecorder) JobCancelled(_ *types.IngestionJob, reason string) {
	r.mu.Lock()
	r.reasons = append(r.reasons, reason)
	r.mu.Unlock()
}

type fixture struct {
	schemas SchemaService
	ingest  IngestionService
	jobs    jobsrepo.IngestionJobRepo
	tasks   *runtime.Tasks
	notify  *cancelRecorder
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	db := testutil.DB(t)
	log := testutil.Logger(t)
	jobs := jobsrepo.NewIngestionJobRepo(db, log)
	schemas := schemasrepo.NewSchemaDocumentRepo(db, log)
	tasks := runtime.NewTasks()
	rec := &cancelRecorder{}
	return fixture{
		schemas: NewSchemaService(log, schemas),
		ingest:  NewIngestionService(log, jobs, schemas, tasks, rec, IngestionConfig{DataDir: "/data"}),
		jobs:    jobs,
		tasks:   tasks,
		notify:  rec,
	}
}

func apiStatus(err error) int {
	var ae *apierr.Error
	if errors.As(err, &ae) {
		return ae.Status
	}
	return 0
}

func TestSchemaServiceCreate(t *testing.T) {
	f := newFixture(t)
	dbc := dbctx.Background()

	doc, warnings, err := f.schemas.Create(dbc, "telco", []byte(telcoSchema))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if len(warnings) != 1 {
		t.Fatalf("expected one dangling-reference warning, got %v", warnings)
	}
	got, err := f.schemas.Get(dbc, doc.ID)
	if err != nil || got.Name != "telco" {
		t.Fatalf("Get: %+v err=%v", got, err)
	}

	cases := []struct {
		name string
		doc  string
		want int
	}{
		{"", telcoSchema, http.StatusBadRequest},
		{"broken", `{"nodes": [`, http.StatusBadRequest},
		{"empty", `{"nodes": []}`, http.StatusBadRequest},
	}
	for _, tc := range cases {
		if _, _, err := f.schemas.Create(dbc, tc.name, []byte(tc.doc)); apiStatus(err) != tc.want {
			t.Fatalf("Create(%q): err=%v", tc.name, err)
		}
	}
	if _, err := f.schemas.Get(dbc, uuid.New()); apiStatus(err) != http.StatusNotFound {
		t.Fatalf("Get missing: %v", err)
	}
}

func TestIngestionEnqueue(t *testing.T) {
	f := newFixture(t)
	ctx := ctxutil.WithTraceData(dbctx.Background().Ctx, &ctxutil.TraceData{TraceID: "t-1", RequestID: "r-1"})
	dbc := dbctx.Context{Ctx: ctx}
	doc, _, err := f.schemas.Create(dbc, "telco", []byte(telcoSchema))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	snap, err := f.ingest.Enqueue(dbc, doc.ID, map[string]any{"data_path": "telco.csv", "batch_size": float64(500)})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if snap.Status != types.JobStatusPending || snap.Progress != 0 || snap.JobType != pipeline.JobType {
		t.Fatalf("snapshot: %+v", snap)
	}
	if len(snap.Stages) != len(pipeline.Stages) || snap.Stages[0].State != progress.StagePending {
		t.Fatalf("stages: %+v", snap.Stages)
	}
	job, err := f.jobs.GetByID(dbc, snap.ID)
	if err != nil || job == nil {
		t.Fatalf("GetByID: %v", err)
	}
	jc := runtime.NewContext(ctx, job, nil, nil, nil, nil)
	if jc.PayloadString("data_path") != "telco.csv" || jc.PayloadString("request_id") != "r-1" || jc.PayloadInt("batch_size", 0) != 500 {
		t.Fatalf("payload: %s", job.Payload)
	}

	bad := []struct {
		name     string
		schemaID uuid.UUID
		payload  map[string]any
		want     int
	}{
		{"unknown schema", uuid.New(), map[string]any{"data_path": "a.csv"}, http.StatusNotFound},
		{"nil schema", uuid.Nil, map[string]any{"data_path": "a.csv"}, http.StatusBadRequest},
		{"no data path", doc.ID, map[string]any{}, http.StatusBadRequest},
		{"escaping path", doc.ID, map[string]any{"data_path": "../etc/passwd"}, http.StatusBadRequest},
		{"unknown sink", doc.ID, map[string]any{"data_path": "a.csv", "sink": "s3"}, http.StatusBadRequest},
		{"neo4j disabled", doc.ID, map[string]any{"data_path": "a.csv", "sink": "neo4j"}, http.StatusBadRequest},
		{"batch too big", doc.ID, map[string]any{"data_path": "a.csv", "batch_size": float64(pipeline.MaxBatchSize + 1)}, http.StatusBadRequest},
		{"fractional batch", doc.ID, map[string]any{"data_path": "a.csv", "batch_size": 2.5}, http.StatusBadRequest},
	}
	for _, tc := range bad {
		if _, err := f.ingest.Enqueue(dbc, tc.schemaID, tc.payload); apiStatus(err) != tc.want {
			t.Fatalf("%s: err=%v", tc.name, err)
		}
	}

	list, err := f.ingest.List(dbc, types.JobStatusPending, 10)
	if err != nil || len(list) != 1 {
		t.Fatalf("List: %d err=%v", len(list), err)
	}
	if _, err := f.ingest.List(dbc, "bogus", 10); apiStatus(err) != http.StatusBadRequest {
		t.Fatalf("List bogus status: %v", err)
	}
}

func TestIngestionCancel(t *testing.T) {
	f := newFixture(t)
	dbc := dbctx.Background()
	doc, _, err := f.schemas.Create(dbc, "telco", []byte(telcoSchema))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	snap, err := f.ingest.Enqueue(dbc, doc.ID, map[string]any{"data_path": "telco.csv"})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	task := f.tasks.Start(snap.ID)

	got, err := f.ingest.Cancel(dbc, snap.ID, "")
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if got.Status != types.JobStatusCancelled || got.FinishedAt == nil || got.Message != "cancelled by request" {
		t.Fatalf("after cancel: %+v", got)
	}
	if !task.Cancelled() || task.Reason() != "cancelled by request" {
		t.Fatalf("task not signalled: %v %q", task.Cancelled(), task.Reason())
	}

	// A second cancel is a no-op on a terminal job.
	again, err := f.ingest.Cancel(dbc, snap.ID, "again")
	if err != nil || again.Message != "cancelled by request" {
		t.Fatalf("second cancel: %+v err=%v", again, err)
	}
	if len(f.notify.reasons) != 1 {
		t.Fatalf("notifications: %v", f.notify.reasons)
	}

	if _, err := f.ingest.Get(dbc, uuid.New()); apiStatus(err) != http.StatusNotFound {
		t.Fatalf("Get missing: %v", err)
	}
}

func TestJobNotifierBroadcastsSnapshot(t *testing.T) {
	hub := realtime.NewHub(testutil.Logger(t))
	client := hub.NewClient()
	job := &types.IngestionJob{ID: uuid.New(), JobType: pipeline.JobType, Status: types.JobStatusRunning, Stage: pipeline.StageMaterialize, StageProgress: 50, Progress: 50}
	hub.Subscribe(client, job.ID.String())
	defer hub.CloseClient(client)

	n := NewJobNotifier(hub, nil, pipeline.Stages, testutil.Logger(t))
	n.JobProgress(job)

	select {
	case msg := <-client.Outbound:
		snap, ok := msg.Data.(progress.Snapshot)
		if msg.Event != realtime.EventJobProgress || !ok || snap.Progress != 0.5 || snap.CurrentStage != pipeline.StageMaterialize {
			t.Fatalf("message: %+v", msg)
		}
	case <-time.After(time.Second):
		t.Fatalf("no event delivered")
	}
}
