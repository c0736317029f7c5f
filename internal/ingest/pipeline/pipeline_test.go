package pipeline

import (
	"context"
	"encoding/csv"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	types "github.com/yungbote/graphingest/internal/domain"
	"github.com/yungbote/graphingest/internal/ingest/ingesterr"
	"github.com/yungbote/graphingest/internal/ingest/sink"
	"github.com/yungbote/graphingest/internal/ingest/typeinfer"
	"github.com/yungbote/graphingest/internal/jobs/progress"
	"github.com/yungbote/graphingest/internal/jobs/runtime"
	"github.com/yungbote/graphingest/internal/platform/dbctx"
)

const customerSchema = `{
  "nodes": [
    {"label": "Customer", "properties": {"customerID": "string", "tenure": "integer", "Contract": "string", "PaymentMethod": "string"}, "id_rule": {"property": "customerID"}},
    {"label": "Contract", "properties": {"Contract": "string"}, "id_rule": "Contract"}
  ],
  "relationships": [
    {"type": "HAS_CONTRACT", "source": "Customer", "target": "Contract"}
  ]
}`

const customerCSV = `customerID,tenure,Contract,PaymentMethod
A,1,One year,Mailed check
B,2,One year,Bank transfer
C,3,Two year,Mailed check
`

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return p
}

func newDriver() *Driver {
	return NewDriver(Options{
		Engine:     typeinfer.NewEngine(typeinfer.Options{Seed: 11}),
		SampleSeed: 11,
	})
}

func newTracker(t *testing.T) (*progress.Tracker, *progress.MemoryStore) {
	t.Helper()
	store := progress.NewMemoryStore()
	job := &types.IngestionJob{ID: uuid.New(), JobType: JobType, Status: types.JobStatusPending}
	store.Put(job)
	tr, err := progress.NewTracker(job, Stages, store, nil, nil)
	if err != nil {
		t.Fatalf("NewTracker: %v", err)
	}
	return tr, store
}

func readCSV(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	defer f.Close()
	recs, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return recs
}

func TestStagesWeights(t *testing.T) {
	if err := progress.ValidateStages(Stages); err != nil {
		t.Fatalf("stage plan: %v", err)
	}
}

func TestRunFileSink(t *testing.T) {
	dir := t.TempDir()
	data := writeFile(t, dir, "customers.csv", customerCSV)
	out := filepath.Join(dir, "out")
	tr, store := newTracker(t)

	res, err := newDriver().Run(context.Background(), Config{
		SchemaID:  "telco",
		Schema:    []byte(customerSchema),
		DataPath:  data,
		Sink:      sink.KindFile,
		OutputDir: out,
		BatchSize: 2,
	}, tr, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Status != types.JobStatusCompleted || res.Rows != 3 {
		t.Fatalf("outcome: %+v", res)
	}
	if res.Result.NodeCount != 5 || res.Result.RelationshipCount != 3 {
		t.Fatalf("result: %+v", res.Result)
	}

	job, _ := store.Get(tr.JobID())
	if job.Status != types.JobStatusCompleted || job.Progress != 100 || job.NodeCount != 5 || job.RelationshipCount != 3 {
		t.Fatalf("job row: %+v", job)
	}
	snap := progress.SnapshotOf(job, Stages)
	if snap.Progress != 1 || len(snap.Result) == 0 {
		t.Fatalf("snapshot: %+v", snap)
	}

	customers := readCSV(t, filepath.Join(out, "Customer_nodes.csv"))
	if len(customers) != 4 || customers[0][0] != ":ID" || customers[0][len(customers[0])-1] != ":LABEL" {
		t.Fatalf("customer file: %v", customers)
	}
	contracts := readCSV(t, filepath.Join(out, "Contract_nodes.csv"))
	if len(contracts) != 3 {
		t.Fatalf("contract file: %v", contracts)
	}
	rels := readCSV(t, filepath.Join(out, sink.RelationshipsFile))
	if len(rels) != 4 || rels[0][0] != ":START_ID" || rels[1][2] != "HAS_CONTRACT" {
		t.Fatalf("relationships file: %v", rels)
	}
}

func TestRunSchemaErrorFailsJob(t *testing.T) {
	dir := t.TempDir()
	data := writeFile(t, dir, "customers.csv", customerCSV)
	tr, store := newTracker(t)

	res, err := newDriver().Run(context.Background(), Config{
		Schema:    []byte(`{"nodes": [{"properties": {}}]}`),
		DataPath:  data,
		OutputDir: filepath.Join(dir, "out"),
	}, tr, nil)
	if err == nil || ingesterr.KindOf(err) != ingesterr.KindSchema {
		t.Fatalf("expected schema error, got %v", err)
	}
	if res.Status != types.JobStatusFailed {
		t.Fatalf("status: %s", res.Status)
	}
	job, _ := store.Get(tr.JobID())
	if job.Status != types.JobStatusFailed || !strings.Contains(job.Error, string(ingesterr.KindSchema)) {
		t.Fatalf("job row: status=%s error=%q", job.Status, job.Error)
	}
	if snap := progress.SnapshotOf(job, Stages); len(snap.Errors) != 1 {
		t.Fatalf("persisted errors: %+v", snap.Errors)
	}
}

func TestRunMissingDatasetFailsJob(t *testing.T) {
	dir := t.TempDir()
	tr, store := newTracker(t)
	_, err := newDriver().Run(context.Background(), Config{
		Schema:    []byte(customerSchema),
		DataPath:  filepath.Join(dir, "nope.csv"),
		OutputDir: filepath.Join(dir, "out"),
	}, tr, nil)
	if ingesterr.KindOf(err) != ingesterr.KindValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
	if job, _ := store.Get(tr.JobID()); job.Status != types.JobStatusFailed {
		t.Fatalf("status: %s", job.Status)
	}
}

func TestRunCancelledMidway(t *testing.T) {
	dir := t.TempDir()
	data := writeFile(t, dir, "customers.csv", customerCSV)
	out := filepath.Join(dir, "out")
	tr, store := newTracker(t)

	// Request cancellation once the first batch has been reported.
	stop := func() bool {
		job, _ := store.Get(tr.JobID())
		return job.Stage == StageMaterialize && job.StageProgress > 0
	}
	res, err := newDriver().Run(context.Background(), Config{
		Schema:    []byte(customerSchema),
		DataPath:  data,
		Sink:      sink.KindFile,
		OutputDir: out,
		BatchSize: 1,
	}, tr, stop)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Status != types.JobStatusCancelled {
		t.Fatalf("status: %s", res.Status)
	}
	job, _ := store.Get(tr.JobID())
	if job.Status != types.JobStatusCancelled || job.Progress != 39 {
		t.Fatalf("job row: status=%s progress=%d", job.Status, job.Progress)
	}
	if _, err := os.Stat(filepath.Join(out, "Customer_nodes.csv")); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("cancelled job wrote output: %v", err)
	}
}

func TestRunInterruptedLeavesJobRunning(t *testing.T) {
	dir := t.TempDir()
	data := writeFile(t, dir, "customers.csv", customerCSV)
	tr, store := newTracker(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := newDriver().Run(ctx, Config{
		Schema:    []byte(customerSchema),
		DataPath:  data,
		OutputDir: filepath.Join(dir, "out"),
	}, tr, nil)
	if !errors.Is(err, ErrInterrupted) {
		t.Fatalf("expected ErrInterrupted, got %v", err)
	}
	if job, _ := store.Get(tr.JobID()); job.Status != types.JobStatusRunning {
		t.Fatalf("status: %s", job.Status)
	}
}

func TestResolveUnder(t *testing.T) {
	base := filepath.Join(string(filepath.Separator), "data")
	cases := []struct {
		base, p string
		want    string
		ok      bool
	}{
		{base, "telco.csv", filepath.Join(base, "telco.csv"), true},
		{base, filepath.Join(base, "x", "y.csv"), filepath.Join(base, "x", "y.csv"), true},
		{base, "../etc/passwd", "", false},
		{base, "", "", false},
		{"", "rel/a.csv", filepath.Join("rel", "a.csv"), true},
	}
	for _, tc := range cases {
		got, err := ResolveUnder(tc.base, tc.p)
		if (err == nil) != tc.ok || got != tc.want {
			t.Fatalf("ResolveUnder(%q, %q) = %q, %v", tc.base, tc.p, got, err)
		}
	}
}

type schemaMap map[uuid.UUID]*types.SchemaDocument

func (m schemaMap) GetByID(_ dbctx.Context, id uuid.UUID) (*types.SchemaDocument, error) {
	return m[id], nil
}

func TestHandlerRunsJob(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "customers.csv", customerCSV)
	doc := &types.SchemaDocument{ID: uuid.New(), Name: "telco", Document: datatypes.JSON([]byte(customerSchema))}
	h := NewHandler(newDriver(), schemaMap{doc.ID: doc}, HandlerConfig{DataDir: dir, OutputDir: filepath.Join(dir, "out")}, nil)

	store := progress.NewMemoryStore()
	job := &types.IngestionJob{
		ID:       uuid.New(),
		SchemaID: doc.ID,
		JobType:  JobType,
		Status:   types.JobStatusRunning,
		Payload:  datatypes.JSON([]byte(`{"data_path": "customers.csv", "batch_size": 2}`)),
	}
	store.Put(job)
	jc := runtime.NewContext(context.Background(), job, store, nil, runtime.NewTask(job.ID), nil)
	if err := h.Run(jc); err != nil {
		t.Fatalf("Run: %v", err)
	}
	got, _ := store.Get(job.ID)
	if got.Status != types.JobStatusCompleted || got.NodeCount != 5 {
		t.Fatalf("job: status=%s nodes=%d error=%q", got.Status, got.NodeCount, got.Error)
	}
	if _, err := os.Stat(filepath.Join(dir, "out", job.ID.String(), sink.RelationshipsFile)); err != nil {
		t.Fatalf("output missing: %v", err)
	}

	escaping := &types.IngestionJob{
		ID:       uuid.New(),
		SchemaID: doc.ID,
		JobType:  JobType,
		Status:   types.JobStatusRunning,
		Payload:  datatypes.JSON([]byte(`{"data_path": "../../etc/passwd"}`)),
	}
	store.Put(escaping)
	jc = runtime.NewContext(context.Background(), escaping, store, nil, nil, nil)
	if err := h.Run(jc); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got, _ := store.Get(escaping.ID); got.Status != types.JobStatusFailed || !strings.Contains(got.Error, "outside") {
		t.Fatalf("escaping path: status=%s error=%q", got.Status, got.Error)
	}
}
