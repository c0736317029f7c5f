// Package sink writes materialized graph records either as bulk-import files or
// into a live Neo4j database.
package sink

import (
	"context"
	"fmt"
	"strings"

	"github.com/yungbote/graphingest/internal/ingest/graph"
	"github.com/yungbote/graphingest/internal/ingest/ingesterr"
	"github.com/yungbote/graphingest/internal/platform/logger"
)

const (
	KindFile  = "file"
	KindNeo4j = "neo4j"
)

// GraphSink receives records as they are produced. Flush marks the end of a
// batch and Close the end of the job.
type GraphSink interface {
	UpsertNode(ctx context.Context, n *graph.NodeRecord) error
	UpsertRelationship(ctx context.Context, r *graph.RelationshipRecord) error
	Flush(ctx context.Context) error
	Close(ctx context.Context) (Summary, error)
}

type Summary struct {
	Sink          string         `json:"sink"`
	Nodes         int            `json:"nodes"`
	Relationships int            `json:"relationships"`
	NodesByLabel  map[string]int `json:"nodes_by_label,omitempty"`
	OutputDir     string         `json:"output_dir,omitempty"`
	Files         []string       `json:"files,omitempty"`
	WriteErrors   int            `json:"write_errors,omitempty"`
}

type Options struct {
	OutputDir string
	Runner    Runner
	Issues    *ingesterr.Issues
	Log       *logger.Logger
	// Parallelism bounds concurrent file writes on Close.
	Parallelism int
}

func New(kind string, opts Options) (GraphSink, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "", KindFile:
		return NewFileSink(opts.OutputDir, opts)
	case KindNeo4j:
		if opts.Runner == nil {
			return nil, ingesterr.Newf(ingesterr.KindValidation, "sink.New", "neo4j sink requires a graph database connection")
		}
		return NewNeo4jSink(opts.Runner, opts), nil
	default:
		return nil, ingesterr.Newf(ingesterr.KindValidation, "sink.New", "unknown sink %q", kind)
	}
}

func (o Options) logger(component string) *logger.Logger {
	log := o.Log
	if log == nil {
		log = logger.Nop()
	}
	return log.With("component", component)
}

func (o Options) issues() *ingesterr.Issues {
	if o.Issues == nil {
		return ingesterr.NewIssues(0)
	}
	return o.Issues
}

func mergeProps(dst, src map[string]any) {
	for k, v := range src {
		if v != nil {
			dst[k] = v
		}
	}
}

func nodeKey(label, id string) string { return fmt.Sprintf("%s\x00%s", label, id) }
