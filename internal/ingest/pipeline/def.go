// Package pipeline drives one graph ingestion job through its stages:
// validate, profile, materialize and finalize.
package pipeline

import (
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/yungbote/graphingest/internal/ingest/embedded"
	"github.com/yungbote/graphingest/internal/ingest/sink"
	"github.com/yungbote/graphingest/internal/ingest/typeinfer"
	"github.com/yungbote/graphingest/internal/jobs/progress"
	"github.com/yungbote/graphingest/internal/platform/logger"
)

const JobType = "graph_ingest"

const (
	StageValidate    = "validate"
	StageProfile     = "profile"
	StageMaterialize = "materialize"
	StageFinalize    = "finalize"
)

// Stages is the weighted plan every ingestion job reports against.
var Stages = []progress.Stage{
	{ID: StageValidate, Weight: 5},
	{ID: StageProfile, Weight: 15},
	{ID: StageMaterialize, Weight: 60},
	{ID: StageFinalize, Weight: 20},
}

const (
	DefaultBatchSize = 1000
	MaxBatchSize     = 50000
)

// Config describes one run.
type Config struct {
	// DatasetID keys the mismatch cache; empty derives it from the file fingerprint.
	DatasetID          string
	SchemaID           string
	Schema             []byte
	DataPath           string
	Sink               string
	OutputDir          string
	BatchSize          int
	AutoDetectEmbedded bool
}

func (c Config) batchSize() int {
	switch {
	case c.BatchSize <= 0:
		return DefaultBatchSize
	case c.BatchSize > MaxBatchSize:
		return MaxBatchSize
	}
	return c.BatchSize
}

// Metrics receives pipeline measurements. A nil Metrics records nothing.
type Metrics interface {
	ObserveStage(stage string, d time.Duration, failed bool)
	AddRows(n int)
	AddRecords(nodes, relationships int)
	JobFinished(status string)
}

type Options struct {
	// Engine and Parser are shared across jobs so their caches stay warm.
	Engine *typeinfer.Engine
	Parser *embedded.Parser
	// Runner backs the neo4j sink; nil leaves only the file sink usable.
	Runner  sink.Runner
	Metrics Metrics
	Tracer  trace.Tracer
	Log     *logger.Logger
	// SampleSeed makes profiling reproducible in tests; zero is random.
	SampleSeed uint64
}

// Driver runs ingestion jobs. It holds no per-job state and is safe for
// concurrent use.
type Driver struct {
	engine  *typeinfer.Engine
	parser  *embedded.Parser
	runner  sink.Runner
	metrics Metrics
	tracer  trace.Tracer
	log     *logger.Logger
	seed    uint64
}

func NewDriver(opts Options) *Driver {
	if opts.Engine == nil {
		opts.Engine = typeinfer.NewEngine(typeinfer.Options{})
	}
	if opts.Parser == nil {
		opts.Parser = embedded.NewParser(nil)
	}
	if opts.Metrics == nil {
		opts.Metrics = nopMetrics{}
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer("github.com/yungbote/graphingest/internal/ingest/pipeline")
	}
	if opts.Log == nil {
		opts.Log = logger.Nop()
	}
	return &Driver{
		engine:  opts.Engine,
		parser:  opts.Parser,
		runner:  opts.Runner,
		metrics: opts.Metrics,
		tracer:  opts.Tracer,
		log:     opts.Log.With("component", "IngestPipeline"),
		seed:    opts.SampleSeed,
	}
}

type nopMetrics struct{}

func (nopMetrics) ObserveStage(string, time.Duration, bool) {}
func (nopMetrics) AddRows(int) {}
func (nopMetrics) AddRecords(int, int) {}
func (nopMetrics) JobFinished(string) {}
