package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	types "github.com/yungbote/graphingest/internal/domain"
	"github.com/yungbote/graphingest/internal/ingest/dataset"
	"github.com/yungbote/graphingest/internal/ingest/embedded"
	"github.com/yungbote/graphingest/internal/ingest/graph"
	"github.com/yungbote/graphingest/internal/ingest/ingesterr"
	"github.com/yungbote/graphingest/internal/ingest/schema"
	"github.com/yungbote/graphingest/internal/ingest/sink"
	"github.com/yungbote/graphingest/internal/ingest/typeinfer"
	"github.com/yungbote/graphingest/internal/jobs/progress"
	"github.com/yungbote/graphingest/internal/platform/logger"
)

// ErrInterrupted means the run stopped because its context ended. The job row
// stays running and is reclaimed once its heartbeat goes stale.
var ErrInterrupted = errors.New("pipeline interrupted")

var errCancelled = errors.New("cancelled")

// StopFunc reports whether cancellation was requested for the running job.
type StopFunc func() bool

type Outcome struct {
	Status      string               `json:"status"`
	Result      progress.Result      `json:"result"`
	Summary     sink.Summary         `json:"summary"`
	Corrections []typeinfer.Mismatch `json:"corrections,omitempty"`
	Rows        int                  `json:"rows"`
}

// run is the state of one job execution.
type run struct {
	d      *Driver
	cfg    Config
	tr     *progress.Tracker
	stop   StopFunc
	issues *ingesterr.Issues
	log    *logger.Logger
	out    *Outcome

	schema    *schema.Schema
	mat       *graph.Materializer
	sink      sink.GraphSink
	datasetID string
	total     int
}

// Run executes every stage for the job tracked by tr. Fatal errors fail the job
// and are returned; a cancelled job returns a cancelled Outcome and no error.
func (d *Driver) Run(ctx context.Context, cfg Config, tr *progress.Tracker, stop StopFunc) (*Outcome, error) {
	if tr == nil {
		return nil, errors.New("pipeline: tracker required")
	}
	if stop == nil {
		stop = func() bool { return false }
	}
	issues := ingesterr.NewIssues(0)
	tr.AttachIssues(issues)

	ctx, span := d.tracer.Start(ctx, "ingest.job", trace.WithAttributes(
		attribute.String("job.id", tr.JobID().String()),
		attribute.String("ingest.sink", cfg.Sink),
		attribute.Int("ingest.batch_size", cfg.batchSize()),
	))
	defer span.End()

	r := &run{
		d:      d,
		cfg:    cfg,
		tr:     tr,
		stop:   stop,
		issues: issues,
		log:    d.log.With("job_id", tr.JobID()),
		out:    &Outcome{},
	}
	if err := tr.Start(ctx); err != nil {
		return nil, err
	}
	if tr.IsTerminal() {
		r.out.Status = tr.Status()
		return r.out, nil
	}

	err := r.execute(ctx)
	switch {
	case err == nil:
		if cerr := tr.CompleteJob(ctx, r.out.Result); cerr != nil {
			return r.out, cerr
		}
	case errors.Is(err, errCancelled):
		if cerr := tr.Cancel(ctx, r.cancelReason()); cerr != nil {
			return r.out, cerr
		}
	case ctx.Err() != nil:
		r.log.Warn("Ingestion interrupted", "error", ctx.Err())
		span.SetStatus(codes.Error, "interrupted")
		r.out.Status = types.JobStatusRunning
		return r.out, fmt.Errorf("%w: %v", ErrInterrupted, ctx.Err())
	default:
		issues.Record(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if ferr := tr.FailJob(ctx, err.Error()); ferr != nil {
			r.log.Error("Recording job failure", "error", ferr)
		}
	}
	r.out.Status = tr.Status()
	d.metrics.JobFinished(r.out.Status)
	span.SetAttributes(
		attribute.String("job.status", r.out.Status),
		attribute.Int("ingest.warnings", issues.WarningCount()),
	)
	if err != nil && !errors.Is(err, errCancelled) {
		return r.out, err
	}
	return r.out, nil
}

func (r *run) stopped() bool {
	return r.tr.IsTerminal() || r.stop()
}

func (r *run) cancelReason() string {
	if r.tr.IsTerminal() {
		return r.tr.Status()
	}
	return "cancelled by request"
}

func (r *run) execute(ctx context.Context) error {
	steps := []struct {
		id string
		fn func(context.Context) error
	}{
		{StageValidate, r.validate},
		{StageProfile, r.profile},
		{StageMaterialize, r.materialize},
		{StageFinalize, r.finalize},
	}
	for _, st := range steps {
		if r.stopped() {
			return errCancelled
		}
		if err := r.stage(ctx, st.id, st.fn); err != nil {
			return err
		}
	}
	return nil
}

func (r *run) stage(ctx context.Context, id string, fn func(context.Context) error) error {
	ctx, span := r.d.tracer.Start(ctx, "ingest."+id)
	defer span.End()
	start := time.Now()
	if err := r.tr.UpdateStage(ctx, id, 0, id+" started"); err != nil {
		return err
	}
	err := fn(ctx)
	r.d.metrics.ObserveStage(id, time.Since(start), err != nil && !errors.Is(err, errCancelled))
	if err != nil {
		if !errors.Is(err, errCancelled) {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		return err
	}
	r.log.Debug("Stage finished", "stage", id, "elapsed", time.Since(start))
	return r.tr.UpdateStage(ctx, id, 100, id+" finished")
}

func (r *run) validate(ctx context.Context) error {
	s, err := schema.Parse(r.cfg.SchemaID, r.cfg.Schema)
	if err != nil {
		return err
	}
	for _, w := range s.Warnings {
		r.issues.Warn(ingesterr.KindSchemaReferences, "%s", w)
	}
	r.schema = s

	if r.cfg.DataPath == "" {
		return ingesterr.Newf(ingesterr.KindValidation, "validate", "dataset path required")
	}
	st, err := os.Stat(r.cfg.DataPath)
	if err != nil {
		return ingesterr.New(ingesterr.KindValidation, "validate", fmt.Errorf("dataset %s: %w", r.cfg.DataPath, err))
	}
	if st.IsDir() {
		return ingesterr.Newf(ingesterr.KindValidation, "validate", "dataset %s is a directory", r.cfg.DataPath)
	}
	rd, err := dataset.OpenCSV(r.cfg.DataPath, dataset.CSVOptions{LazyQuotes: true})
	if err != nil {
		return ingesterr.New(ingesterr.KindValidation, "validate", err)
	}
	columns := rd.Header().Len()
	_ = rd.Close()

	r.datasetID = r.cfg.DatasetID
	if r.datasetID == "" {
		if r.datasetID, err = dataset.Fingerprint(r.cfg.DataPath); err != nil {
			return ingesterr.New(ingesterr.KindValidation, "validate", err)
		}
	}

	out, err := sink.New(r.cfg.Sink, sink.Options{
		OutputDir: r.cfg.OutputDir,
		Runner:    r.d.runner,
		Issues:    r.issues,
		Log:       r.log,
	})
	if err != nil {
		return err
	}
	r.sink = out
	r.mat = graph.NewMaterializer(s, graph.Options{
		Engine:             r.d.engine,
		Extractor:          embedded.NewExtractor(s, r.d.parser, r.d.engine),
		Issues:             r.issues,
		Log:                r.log,
		AutoDetectEmbedded: r.cfg.AutoDetectEmbedded,
	})
	r.log.Info("Validated ingestion input",
		"schema_id", r.cfg.SchemaID,
		"node_types", len(s.Nodes),
		"relationship_types", len(s.Relationships),
		"columns", columns,
		"sink", r.cfg.Sink,
	)
	return nil
}

// profile streams the dataset once for a row count and per-column reservoir
// samples, then lets the materializer correct declared types.
func (r *run) profile(ctx context.Context) error {
	rd, err := dataset.OpenCSV(r.cfg.DataPath, dataset.CSVOptions{LazyQuotes: true})
	if err != nil {
		return ingesterr.New(ingesterr.KindValidation, "profile", err)
	}
	defer rd.Close()

	sampler := dataset.NewSampler(0, r.d.seed)
	for {
		if sampler.Rows()%10000 == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
			if r.stopped() {
				return errCancelled
			}
		}
		row, err := rd.Next()
		if err == io.EOF {
			break
		}
		var re *dataset.RecordError
		if errors.As(err, &re) {
			r.issues.Warn(ingesterr.KindValidation, "skipped malformed record: %v", err)
			continue
		}
		if err != nil {
			return ingesterr.New(ingesterr.KindValidation, "profile", err)
		}
		sampler.Observe(row)
	}
	r.total = sampler.Rows()
	r.out.Rows = r.total

	corrections := r.mat.Profile(r.datasetID, sampler.Columns())
	r.out.Corrections = corrections
	r.log.Info("Profiled dataset", "rows", r.total, "type_corrections", len(corrections))
	return nil
}

func (r *run) materialize(ctx context.Context) error {
	rd, err := dataset.OpenCSV(r.cfg.DataPath, dataset.CSVOptions{LazyQuotes: true})
	if err != nil {
		return ingesterr.New(ingesterr.KindValidation, "materialize", err)
	}
	defer rd.Close()

	size := r.cfg.batchSize()
	processed, index := 0, 0
	for {
		if r.stopped() {
			return errCancelled
		}
		rows, err := rd.ReadBatch(ctx, size, nil)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return ingesterr.New(ingesterr.KindValidation, "materialize", err)
		}
		index++
		if err := r.batch(ctx, index, rows); err != nil {
			return err
		}
		processed += len(rows)
		local := 100
		if r.total > 0 {
			local = processed * 100 / r.total
		}
		msg := fmt.Sprintf("processed %d of %d rows", processed, r.total)
		if err := r.tr.UpdateStage(ctx, StageMaterialize, local, msg); err != nil {
			return err
		}
	}
}

// batch materializes rows and pushes the delta into the sink.
func (r *run) batch(ctx context.Context, index int, rows []dataset.Row) error {
	ctx, span := r.d.tracer.Start(ctx, "ingest.batch", trace.WithAttributes(
		attribute.Int("batch.index", index),
		attribute.Int("batch.rows", len(rows)),
	))
	defer span.End()

	delta, err := r.mat.ProcessBatch(ctx, rows)
	if err != nil {
		return err
	}
	for _, n := range delta.Nodes {
		if err := r.sink.UpsertNode(ctx, n); err != nil {
			r.issues.Record(sinkErr(err))
		}
	}
	for _, rel := range delta.Relationships {
		if err := r.sink.UpsertRelationship(ctx, rel); err != nil {
			r.issues.Record(sinkErr(err))
		}
	}
	flushCtx, flushSpan := r.d.tracer.Start(ctx, "ingest.flush")
	err = r.sink.Flush(flushCtx)
	flushSpan.End()
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		r.issues.Record(sinkErr(err))
	}

	r.d.metrics.AddRows(len(rows))
	r.d.metrics.AddRecords(len(delta.Nodes), len(delta.Relationships))
	span.SetAttributes(
		attribute.Int("batch.nodes_created", delta.NodesCreated),
		attribute.Int("batch.nodes_updated", delta.NodesUpdated),
		attribute.Int("batch.relationships_created", delta.RelationshipsCreated),
	)
	return nil
}

func (r *run) finalize(ctx context.Context) error {
	summary, err := r.sink.Close(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return ingesterr.New(ingesterr.KindSinkWrite, "finalize", err)
	}
	store := r.mat.Store()
	r.out.Summary = summary
	r.out.Result = progress.Result{
		NodeCount:         store.NodeCount(),
		RelationshipCount: store.RelCount(),
		WarningsCount:     r.issues.WarningCount(),
		Output:            summary,
	}
	r.log.Info("Ingestion finalized",
		"nodes", store.NodeCount(),
		"relationships", store.RelCount(),
		"warnings", r.issues.WarningCount(),
		"errors", r.issues.ErrorCount(),
	)
	return nil
}

func sinkErr(err error) error {
	var ie *ingesterr.Error
	if errors.As(err, &ie) {
		return err
	}
	return ingesterr.New(ingesterr.KindSinkWrite, "sink", err)
}
