package progress

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"

	types "github.com/yungbote/graphingest/internal/domain"
	"github.com/yungbote/graphingest/internal/ingest/ingesterr"
	"github.com/yungbote/graphingest/internal/platform/logger"
)

var abc = []Stage{{ID: "A", Weight: 20}, {ID: "B", Weight: 30}, {ID: "C", Weight: 50}}

type recordingNotifier struct {
	mu     sync.Mutex
	events []string
}

func (n *recordingNotifier) add(e string) {
	n.mu.Lock()
	n.events = append(n.events, e)
	n.mu.Unlock()
}

func (n *recordingNotifier) JobProgress(*types.IngestionJob) { n.add("progress") }
func (n *recordingNotifier) JobDone(*types.IngestionJob) { n.add("done") }
func (n *recordingNotifier) JobFailed(_ *types.IngestionJob, _ string) { n.add("failed") }
func (n *recordingNotifier) JobCancelled(_ *types.IngestionJob, _ string) { n.add("cancelled") }

func newTracked(t *testing.T, stages []Stage) (*Tracker, *MemoryStore, *recordingNotifier) {
	t.Helper()
	store := NewMemoryStore()
	job := &types.IngestionJob{ID: uuid.New(), JobType: "graph_ingest", Status: types.JobStatusPending}
	store.Put(job)
	n := &recordingNotifier{}
	tr, err := NewTracker(job, stages, store, n, logger.Nop())
	if err != nil {
		t.Fatalf("NewTracker: %v", err)
	}
	return tr, store, n
}

func TestValidateStages(t *testing.T) {
	cases := []struct {
		name   string
		stages []Stage
		ok     bool
	}{
		{"valid", abc, true},
		{"short", []Stage{{ID: "A", Weight: 20}, {ID: "B", Weight: 30}}, false},
		{"duplicate", []Stage{{ID: "A", Weight: 50}, {ID: "A", Weight: 50}}, false},
		{"empty id", []Stage{{ID: "", Weight: 100}}, false},
		{"none", nil, false},
	}
	for _, tc := range cases {
		err := ValidateStages(tc.stages)
		if (err == nil) != tc.ok {
			t.Fatalf("%s: err=%v", tc.name, err)
		}
		if err != nil && !errors.Is(err, ErrInvalidStages) {
			t.Fatalf("%s: expected ErrInvalidStages, got %v", tc.name, err)
		}
	}
}

func TestOverall(t *testing.T) {
	cases := []struct {
		stage string
		local int
		want  int
	}{
		{"A", 0, 0},
		{"A", 50, 10},
		{"B", 50, 35},
		{"B", 33, 29},
		{"C", 100, 100},
		{"C", 150, 100},
	}
	for _, tc := range cases {
		got, ok := Overall(abc, tc.stage, tc.local)
		if !ok || got != tc.want {
			t.Fatalf("Overall(%s, %d): got %d ok=%v want %d", tc.stage, tc.local, got, ok, tc.want)
		}
	}
	if _, ok := Overall(abc, "Z", 10); ok {
		t.Fatalf("Overall: unknown stage accepted")
	}
}

func TestTrackerLifecycle(t *testing.T) {
	ctx := context.Background()
	tr, store, n := newTracked(t, abc)

	if err := tr.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := tr.UpdateStage(ctx, "B", 50, "halfway"); err != nil {
		t.Fatalf("UpdateStage: %v", err)
	}
	job, _ := store.Get(tr.JobID())
	if job.Progress != 35 || job.Stage != "B" || job.StageProgress != 50 || job.Status != types.JobStatusRunning {
		t.Fatalf("after B@50: %+v", job)
	}

	// Going back to an earlier stage never lowers overall progress.
	if err := tr.UpdateStage(ctx, "A", 100, "again"); err != nil {
		t.Fatalf("UpdateStage: %v", err)
	}
	if job, _ := store.Get(tr.JobID()); job.Progress != 35 {
		t.Fatalf("progress decreased to %d", job.Progress)
	}
	if err := tr.UpdateStage(ctx, "nope", 10, ""); err != nil {
		t.Fatalf("unknown stage: %v", err)
	}

	if err := tr.CompleteJob(ctx, Result{NodeCount: 4, RelationshipCount: 2, WarningsCount: 1}); err != nil {
		t.Fatalf("CompleteJob: %v", err)
	}
	job, _ = store.Get(tr.JobID())
	if job.Status != types.JobStatusCompleted || job.Progress != 100 || job.NodeCount != 4 || job.FinishedAt == nil {
		t.Fatalf("after complete: %+v", job)
	}
	var res Result
	if err := json.Unmarshal(job.Result, &res); err != nil || res.RelationshipCount != 2 {
		t.Fatalf("result: %s err=%v", job.Result, err)
	}

	// Terminal jobs ignore everything.
	if err := tr.UpdateStage(ctx, "C", 10, "late"); err != nil {
		t.Fatalf("late update: %v", err)
	}
	if err := tr.FailJob(ctx, "late failure"); err != nil {
		t.Fatalf("late fail: %v", err)
	}
	if job, _ := store.Get(tr.JobID()); job.Status != types.JobStatusCompleted || job.Error != "" {
		t.Fatalf("terminal overwritten: %+v", job)
	}

	want := []string{"progress", "progress", "progress", "done"}
	if len(n.events) != len(want) {
		t.Fatalf("events: %v", n.events)
	}
	for i := range want {
		if n.events[i] != want[i] {
			t.Fatalf("events: %v", n.events)
		}
	}
}

func TestTrackerFailFreezesProgress(t *testing.T) {
	ctx := context.Background()
	tr, store, _ := newTracked(t, abc)
	_ = tr.Start(ctx)
	_ = tr.UpdateStage(ctx, "C", 40, "writing")
	if err := tr.FailJob(ctx, "sink exploded"); err != nil {
		t.Fatalf("FailJob: %v", err)
	}
	job, _ := store.Get(tr.JobID())
	if job.Status != types.JobStatusFailed || job.Progress != 70 || job.Error != "sink exploded" {
		t.Fatalf("after fail: %+v", job)
	}
	if !tr.IsTerminal() || tr.Status() != types.JobStatusFailed {
		t.Fatalf("tracker not terminal: %s", tr.Status())
	}
}

func TestTrackerAdoptsExternalCancel(t *testing.T) {
	ctx := context.Background()
	tr, store, n := newTracked(t, abc)
	_ = tr.Start(ctx)

	job, _ := store.Get(tr.JobID())
	job.Status = types.JobStatusCancelled
	store.Put(job)

	if err := tr.UpdateStage(ctx, "B", 10, "still going"); err != nil {
		t.Fatalf("UpdateStage: %v", err)
	}
	if !tr.IsTerminal() || tr.Status() != types.JobStatusCancelled {
		t.Fatalf("tracker did not adopt cancel: %s", tr.Status())
	}
	if got, _ := store.Get(tr.JobID()); got.Stage == "B" {
		t.Fatalf("cancelled row was written: %+v", got)
	}
	if len(n.events) != 1 {
		t.Fatalf("events after cancel: %v", n.events)
	}
}

func TestTrackerPersistsIssues(t *testing.T) {
	ctx := context.Background()
	tr, store, _ := newTracked(t, abc)
	is := ingesterr.NewIssues(0)
	tr.AttachIssues(is)
	is.Warn(ingesterr.KindCast, "row %d: bad value", 3)
	_ = tr.Start(ctx)
	if err := tr.Cancel(ctx, "user request"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	job, _ := store.Get(tr.JobID())
	snap := SnapshotOf(job, abc)
	if snap.Status != types.JobStatusCancelled || snap.Message != "user request" {
		t.Fatalf("snapshot: %+v", snap)
	}
	if len(snap.Warnings) != 1 || snap.Warnings[0].Kind != ingesterr.KindCast {
		t.Fatalf("warnings: %+v", snap.Warnings)
	}
	if len(snap.Errors) != 0 {
		t.Fatalf("errors: %+v", snap.Errors)
	}
}

func TestSnapshotStages(t *testing.T) {
	job := &types.IngestionJob{
		ID:            uuid.New(),
		Status:        types.JobStatusRunning,
		Stage:         "B",
		StageProgress: 50,
		Progress:      35,
	}
	snap := SnapshotOf(job, abc)
	if snap.Progress != 0.35 || snap.CurrentStage != "B" {
		t.Fatalf("snapshot: %+v", snap)
	}
	wantStates := []string{StageDone, StageRunning, StagePending}
	for i, st := range snap.Stages {
		if st.State != wantStates[i] {
			t.Fatalf("stage %s: state %s want %s", st.ID, st.State, wantStates[i])
		}
	}
	if snap.Stages[1].Progress != 50 {
		t.Fatalf("stage B progress: %d", snap.Stages[1].Progress)
	}

	job.Status = types.JobStatusCompleted
	for _, st := range SnapshotOf(job, abc).Stages {
		if st.State != StageDone {
			t.Fatalf("completed job stage %s: %s", st.ID, st.State)
		}
	}
}
