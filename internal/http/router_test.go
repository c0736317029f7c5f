package http

import (
	"bytes"
	"encoding/json"
	stdhttp "net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"

	jobsrepo "github.com/yungbote/graphingest/internal/data/repos/jobs"
	schemasrepo "github.com/yungbote/graphingest/internal/data/repos/schemas"
	"github.com/yungbote/graphingest/internal/data/repos/testutil"
	httpH "github.com/yungbote/graphingest/internal/http/handlers"
	"github.com/yungbote/graphingest/internal/ingest/pipeline"
	"github.com/yungbote/graphingest/internal/jobs/runtime"
	"github.com/yungbote/graphingest/internal/observability"
	"github.com/yungbote/graphingest/internal/realtime"
	"github.com/yungbote/graphingest/internal/services"
)

const schemaBody = `{
  "name": "telco",
  "document": {
    "nodes": [
      {"label": "Customer", "properties": {"customerID": "string"}, "id_rule": "customerID"},
      {"label": "Contract", "properties": {"Contract": "string"}, "id_rule": "Contract"}
    ],
    "relationships": [{"type": "HAS_CONTRACT", "source": "Customer", "target": "Contract"}]
  }
}`

func newTestRouter(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	db := testutil.DB(t)
	log := testutil.Logger(t)
	jobs := jobsrepo.NewIngestionJobRepo(db, log)
	schemas := schemasrepo.NewSchemaDocumentRepo(db, log)
	hub := realtime.NewHub(log)
	notify := services.NewJobNotifier(hub, nil, pipeline.Stages, log)
	ingest := services.NewIngestionService(log, jobs, schemas, runtime.NewTasks(), notify, services.IngestionConfig{})

	return NewRouter(RouterConfig{
		Log:              log,
		Metrics:          observability.NewMetrics(),
		HealthHandler:    httpH.NewHealthHandler(nil),
		SchemaHandler:    httpH.NewSchemaHandler(services.NewSchemaService(log, schemas)),
		IngestionHandler: httpH.NewIngestionHandler(log, ingest, hub),
	})
}

func do(t *testing.T, r *gin.Engine, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader([]byte(body)))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, into any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), into); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
}

type jobEnvelope struct {
	Job struct {
		ID       string  `json:"id"`
		Status   string  `json:"status"`
		Progress float64 `json:"progress"`
		Stages   []struct {
			ID string `json:"id"`
		} `json:"stages"`
	} `json:"job"`
}

type errEnvelope struct {
	Error struct {
		Message string `json:"message"`
		Code    string `json:"code"`
	} `json:"error"`
}

func TestIngestionRoutes(t *testing.T) {
	r := newTestRouter(t)

	if rec := do(t, r, stdhttp.MethodGet, "/healthz", ""); rec.Code != stdhttp.StatusOK || rec.Body.String() != "ok" {
		t.Fatalf("healthz: %d %q", rec.Code, rec.Body.String())
	}

	rec := do(t, r, stdhttp.MethodPost, "/api/schemas", schemaBody)
	if rec.Code != stdhttp.StatusCreated {
		t.Fatalf("create schema: %d %s", rec.Code, rec.Body.String())
	}
	var created struct {
		Schema struct {
			ID string `json:"id"`
		} `json:"schema"`
		Warnings []string `json:"warnings"`
	}
	decode(t, rec, &created)
	if created.Schema.ID == "" || created.Warnings == nil {
		t.Fatalf("create schema body: %s", rec.Body.String())
	}
	if rec := do(t, r, stdhttp.MethodGet, "/api/schemas/"+created.Schema.ID, ""); rec.Code != stdhttp.StatusOK {
		t.Fatalf("get schema: %d", rec.Code)
	}

	rec = do(t, r, stdhttp.MethodPost, "/api/ingestions", `{"schema_id": "`+created.Schema.ID+`", "data_path": "telco.csv"}`)
	if rec.Code != stdhttp.StatusAccepted {
		t.Fatalf("enqueue: %d %s", rec.Code, rec.Body.String())
	}
	var job jobEnvelope
	decode(t, rec, &job)
	if job.Job.Status != "pending" || len(job.Job.Stages) != 4 || job.Job.Stages[0].ID != pipeline.StageValidate {
		t.Fatalf("enqueue body: %s", rec.Body.String())
	}

	rec = do(t, r, stdhttp.MethodGet, "/api/ingestions/"+job.Job.ID, "")
	if rec.Code != stdhttp.StatusOK {
		t.Fatalf("get: %d", rec.Code)
	}
	rec = do(t, r, stdhttp.MethodGet, "/api/ingestions?status=pending", "")
	var list struct {
		Jobs []json.RawMessage `json:"jobs"`
	}
	decode(t, rec, &list)
	if len(list.Jobs) != 1 {
		t.Fatalf("list: %s", rec.Body.String())
	}

	rec = do(t, r, stdhttp.MethodPost, "/api/ingestions/"+job.Job.ID+"/cancel", `{"reason": "wrong file"}`)
	decode(t, rec, &job)
	if rec.Code != stdhttp.StatusOK || job.Job.Status != "cancelled" {
		t.Fatalf("cancel: %d %s", rec.Code, rec.Body.String())
	}

	// A finished job's stream carries one terminal event and ends.
	rec = do(t, r, stdhttp.MethodGet, "/api/ingestions/"+job.Job.ID+"/events", "")
	if !strings.Contains(rec.Body.String(), "event: JobCancelled") {
		t.Fatalf("events: %q", rec.Body.String())
	}

	if rec := do(t, r, stdhttp.MethodGet, "/metrics", ""); !strings.Contains(rec.Body.String(), `gi_api_requests_total{method="POST",route="/api/ingestions",status="202"} 1`) {
		t.Fatalf("metrics: %s", rec.Body.String())
	}
}

func TestIngestionRouteErrors(t *testing.T) {
	r := newTestRouter(t)
	cases := []struct {
		method, path, body string
		status             int
		code               string
	}{
		{stdhttp.MethodGet, "/api/ingestions/not-a-uuid", "", stdhttp.StatusBadRequest, "invalid_job_id"},
		{stdhttp.MethodGet, "/api/ingestions/2f1d7c4e-8b7a-4f0e-9a53-6d2b9c1e0a11", "", stdhttp.StatusNotFound, "job_not_found"},
		{stdhttp.MethodPost, "/api/ingestions", `{"data_path": "a.csv"}`, stdhttp.StatusBadRequest, "invalid_schema_id"},
		{stdhttp.MethodPost, "/api/ingestions", `{"schema_id": "2f1d7c4e-8b7a-4f0e-9a53-6d2b9c1e0a11", "data_path": "a.csv"}`, stdhttp.StatusNotFound, "schema_not_found"},
		{stdhttp.MethodPost, "/api/schemas", `{"name": "x", "document": {"nodes": []}}`, stdhttp.StatusBadRequest, "invalid_schema"},
		{stdhttp.MethodPost, "/api/schemas", `{"name": "x"}`, stdhttp.StatusBadRequest, "missing_document"},
		{stdhttp.MethodGet, "/api/ingestions?status=bogus", "", stdhttp.StatusBadRequest, "invalid_status"},
	}
	for _, tc := range cases {
		rec := do(t, r, tc.method, tc.path, tc.body)
		if rec.Code != tc.status {
			t.Fatalf("%s %s: status %d body %s", tc.method, tc.path, rec.Code, rec.Body.String())
		}
		var env errEnvelope
		decode(t, rec, &env)
		if env.Error.Code != tc.code || env.Error.Message == "" {
			t.Fatalf("%s %s: envelope %+v", tc.method, tc.path, env)
		}
	}
}
