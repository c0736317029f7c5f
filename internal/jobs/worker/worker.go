package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	types "github.com/yungbote/graphingest/internal/domain"
	"github.com/yungbote/graphingest/internal/ingest/ingesterr"
	"github.com/yungbote/graphingest/internal/jobs/progress"
	"github.com/yungbote/graphingest/internal/jobs/runtime"
	"github.com/yungbote/graphingest/internal/platform/dbctx"
	"github.com/yungbote/graphingest/internal/platform/envutil"
	"github.com/yungbote/graphingest/internal/platform/logger"
)

// JobStore is the part of the ingestion job repository the worker needs.
type JobStore interface {
	progress.Store
	ClaimNextRunnable(dbc dbctx.Context, staleRunning time.Duration) (*types.IngestionJob, error)
	Heartbeat(dbc dbctx.Context, id uuid.UUID) error
}

type Config struct {
	Concurrency  int
	PollInterval time.Duration
	StaleRunning time.Duration
}

func ConfigFromEnv() Config {
	return Config{
		Concurrency:  envutil.IntInRange("WORKER_CONCURRENCY", 4, 1, 64),
		PollInterval: envutil.Duration("WORKER_POLL_INTERVAL", time.Second),
		StaleRunning: envutil.Duration("WORKER_STALE_RUNNING", 10*time.Minute),
	}
}

func (c Config) withDefaults() Config {
	if c.Concurrency < 1 {
		c.Concurrency = 1
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.StaleRunning <= 0 {
		c.StaleRunning = 10 * time.Minute
	}
	return c
}

type Worker struct {
	cfg      Config
	log      *logger.Logger
	repo     JobStore
	registry *runtime.Registry
	tasks    *runtime.Tasks
	notify   progress.Notifier
	wg       sync.WaitGroup
}

func NewWorker(cfg Config, baseLog *logger.Logger, repo JobStore, registry *runtime.Registry, tasks *runtime.Tasks, notify progress.Notifier) *Worker {
	if tasks == nil {
		tasks = runtime.NewTasks()
	}
	return &Worker{
		cfg:      cfg.withDefaults(),
		log:      baseLog.With("component", "JobWorker"),
		repo:     repo,
		registry: registry,
		tasks:    tasks,
		notify:   notify,
	}
}

// Start launches the poll loops and returns; Wait blocks until ctx ends them.
func (w *Worker) Start(ctx context.Context) {
	w.log.Info("Starting job worker pool",
		"concurrency", w.cfg.Concurrency,
		"poll_interval", w.cfg.PollInterval,
		"job_types", w.registry.Types(),
	)
	for i := 0; i < w.cfg.Concurrency; i++ {
		workerID := i + 1
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			w.runLoop(ctx, workerID)
		}()
	}
}

func (w *Worker) Wait() { w.wg.Wait() }

func (w *Worker) runLoop(ctx context.Context, workerID int) {
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.log.Info("Worker loop stopped", "worker_id", workerID)
			return
		case <-ticker.C:
			// Drain the queue before waiting for the next tick.
			for ctx.Err() == nil {
				claimed, err := w.RunOnce(ctx, workerID)
				if err != nil {
					w.log.Warn("ClaimNextRunnable failed", "worker_id", workerID, "error", err)
				}
				if !claimed {
					break
				}
			}
		}
	}
}

// RunOnce claims at most one runnable job and executes it to the end.
func (w *Worker) RunOnce(ctx context.Context, workerID int) (bool, error) {
	job, err := w.repo.ClaimNextRunnable(dbctx.Context{Ctx: ctx}, w.cfg.StaleRunning)
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}

	task := w.tasks.Start(job.ID)
	jc := runtime.NewContext(ctx, job, w.repo, w.notify, task, w.log.With("worker_id", workerID))

	h, ok := w.registry.Get(job.JobType)
	if !ok {
		w.log.Warn("No handler registered for job_type",
			"worker_id", workerID,
			"job_type", job.JobType,
			"job_id", job.ID,
		)
		err := &missingHandlerError{JobType: job.JobType}
		jc.Fail("dispatch", err)
		w.tasks.Finish(task, err)
		return true, nil
	}

	stopBeat := w.heartbeat(ctx, job.ID)
	runErr := w.execute(jc, h, workerID)
	stopBeat()
	w.tasks.Finish(task, runErr)
	return true, nil
}

func (w *Worker) execute(jc *runtime.Context, h runtime.Handler, workerID int) (runErr error) {
	defer func() {
		if r := recover(); r != nil {
			w.log.Error("Job handler panic",
				"worker_id", workerID,
				"job_id", jc.Job.ID,
				"job_type", jc.Job.JobType,
				"kind", ingesterr.KindUnhandled,
				"panic", r,
			)
			runErr = &panicError{Val: r}
			jc.Fail("panic", runErr)
		}
	}()
	if runErr = h.Run(jc); runErr != nil {
		// Handlers normally fail the job themselves; terminal rows are left alone.
		jc.Fail("run", runErr)
	}
	return runErr
}

// heartbeat keeps a long job from looking stale to other workers.
func (w *Worker) heartbeat(ctx context.Context, id uuid.UUID) func() {
	every := w.cfg.StaleRunning / 3
	if every <= 0 {
		return func() {}
	}
	hbCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		t := time.NewTicker(every)
		defer t.Stop()
		for {
			select {
			case <-hbCtx.Done():
				return
			case <-t.C:
				if err := w.repo.Heartbeat(dbctx.Context{Ctx: hbCtx}, id); err != nil {
					w.log.Warn("Heartbeat failed", "job_id", id, "error", err)
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

type missingHandlerError struct{ JobType string }

func (e *missingHandlerError) Error() string {
	return "no handler registered for job_type=" + e.JobType
}

// panicError renders the recovered value verbatim.
type panicError struct{ Val any }

func (e *panicError) Error() string { return fmt.Sprint(e.Val) }
