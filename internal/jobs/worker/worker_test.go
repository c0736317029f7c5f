package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	jobsrepo "github.com/yungbote/graphingest/internal/data/repos/jobs"
	"github.com/yungbote/graphingest/internal/data/repos/testutil"
	types "github.com/yungbote/graphingest/internal/domain"
	"github.com/yungbote/graphingest/internal/jobs/progress"
	"github.com/yungbote/graphingest/internal/jobs/runtime"
	"github.com/yungbote/graphingest/internal/platform/dbctx"
)

type funcHandler struct {
	typ string
	run func(*runtime.Context) error
}

func (h funcHandler) Type() string { return h.typ }

func (h funcHandler) Run(jc *runtime.Context) error { return h.run(jc) }

var twoStages = []progress.Stage{{ID: "load", Weight: 40}, {ID: "write", Weight: 60}}

func newWorker(t *testing.T, handlers ...runtime.Handler) (*Worker, jobsrepo.IngestionJobRepo) {
	t.Helper()
	db := testutil.DB(t)
	repo := jobsrepo.NewIngestionJobRepo(db, testutil.Logger(t))
	reg := runtime.NewRegistry()
	for _, h := range handlers {
		if err := reg.Register(h); err != nil {
			t.Fatalf("Register: %v", err)
		}
	}
	w := NewWorker(Config{Concurrency: 1, PollInterval: 10 * time.Millisecond, StaleRunning: time.Hour}, testutil.Logger(t), repo, reg, runtime.NewTasks(), nil)
	return w, repo
}

func enqueue(t *testing.T, repo jobsrepo.IngestionJobRepo, jobType string) *types.IngestionJob {
	t.Helper()
	job, err := repo.Create(dbctx.Background(), &types.IngestionJob{SchemaID: uuid.New(), JobType: jobType})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return job
}

func reload(t *testing.T, repo jobsrepo.IngestionJobRepo, id uuid.UUID) *types.IngestionJob {
	t.Helper()
	job, err := repo.GetByID(dbctx.Background(), id)
	if err != nil || job == nil {
		t.Fatalf("GetByID: err=%v job=%v", err, job)
	}
	return job
}

func TestRunOnceCompletes(t *testing.T) {
	w, repo := newWorker(t, funcHandler{typ: "graph_ingest", run: func(jc *runtime.Context) error {
		tr, err := jc.Track(twoStages)
		if err != nil {
			return err
		}
		if err := tr.Start(jc.Ctx); err != nil {
			return err
		}
		if err := tr.UpdateStage(jc.Ctx, "write", 50, "half"); err != nil {
			return err
		}
		return tr.CompleteJob(jc.Ctx, progress.Result{NodeCount: 3})
	}})
	job := enqueue(t, repo, "graph_ingest")

	claimed, err := w.RunOnce(context.Background(), 1)
	if err != nil || !claimed {
		t.Fatalf("RunOnce: claimed=%v err=%v", claimed, err)
	}
	got := reload(t, repo, job.ID)
	if got.Status != types.JobStatusCompleted || got.Progress != 100 || got.NodeCount != 3 || got.Attempts != 1 {
		t.Fatalf("job: %+v", got)
	}
	if claimed, _ := w.RunOnce(context.Background(), 1); claimed {
		t.Fatalf("empty queue claimed a job")
	}
}

func TestRunOncePanicFailsJob(t *testing.T) {
	w, repo := newWorker(t, funcHandler{typ: "graph_ingest", run: func(*runtime.Context) error {
		panic("boom at row 12")
	}})
	job := enqueue(t, repo, "graph_ingest")
	if _, err := w.RunOnce(context.Background(), 1); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	got := reload(t, repo, job.ID)
	if got.Status != types.JobStatusFailed || got.Error != "boom at row 12" {
		t.Fatalf("job: status=%s error=%q", got.Status, got.Error)
	}
}

func TestRunOnceUnknownType(t *testing.T) {
	w, repo := newWorker(t)
	job := enqueue(t, repo, "mystery")
	if _, err := w.RunOnce(context.Background(), 1); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	got := reload(t, repo, job.ID)
	if got.Status != types.JobStatusFailed || got.Error != "no handler registered for job_type=mystery" {
		t.Fatalf("job: status=%s error=%q", got.Status, got.Error)
	}
}

func TestRunOnceHandlerErrorAfterProgress(t *testing.T) {
	w, repo := newWorker(t, funcHandler{typ: "graph_ingest", run: func(jc *runtime.Context) error {
		tr, err := jc.Track(twoStages)
		if err != nil {
			return err
		}
		_ = tr.Start(jc.Ctx)
		_ = tr.UpdateStage(jc.Ctx, "load", 100, "loaded")
		return errors.New("sink unreachable")
	}})
	job := enqueue(t, repo, "graph_ingest")
	if _, err := w.RunOnce(context.Background(), 1); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	got := reload(t, repo, job.ID)
	if got.Status != types.JobStatusFailed || got.Progress != 40 || got.Error != "sink unreachable" {
		t.Fatalf("job: %+v", got)
	}
}

func TestStartProcessesQueue(t *testing.T) {
	done := make(chan uuid.UUID, 2)
	w, repo := newWorker(t, funcHandler{typ: "graph_ingest", run: func(jc *runtime.Context) error {
		tr, err := jc.Track(twoStages)
		if err != nil {
			return err
		}
		_ = tr.Start(jc.Ctx)
		err = tr.CompleteJob(jc.Ctx, progress.Result{})
		done <- jc.Job.ID
		return err
	}})
	a := enqueue(t, repo, "graph_ingest")
	b := enqueue(t, repo, "graph_ingest")

	ctx, cancel := context.WithCancel(context.Background())
	w.Start(ctx)
	seen := map[uuid.UUID]bool{}
	for len(seen) < 2 {
		select {
		case id := <-done:
			seen[id] = true
		case <-time.After(5 * time.Second):
			cancel()
			w.Wait()
			t.Fatalf("worker processed %d of 2 jobs", len(seen))
		}
	}
	cancel()
	w.Wait()
	if !seen[a.ID] || !seen[b.ID] {
		t.Fatalf("unexpected jobs: %v", seen)
	}
}
