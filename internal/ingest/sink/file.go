package sink

import (
	"bufio"
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/yungbote/graphingest/internal/ingest/graph"
	"github.com/yungbote/graphingest/internal/ingest/ingesterr"
	"github.com/yungbote/graphingest/internal/ingest/typeinfer"
	"github.com/yungbote/graphingest/internal/platform/logger"
)

const RelationshipsFile = "relationships.csv"

// FileSink accumulates the latest version of every record and writes
// neo4j-admin bulk-import files on Close.
type FileSink struct {
	dir         string
	parallelism int
	log         *logger.Logger

	mu       sync.Mutex
	labels   []string
	nodes    map[string][]*graph.NodeRecord
	nodeIdx  map[string]*graph.NodeRecord
	rels     []*graph.RelationshipRecord
	relIdx   map[graph.RelKey]*graph.RelationshipRecord
	closed   bool
	written  []string
	relCount int
}

func NewFileSink(dir string, opts Options) (*FileSink, error) {
	if dir == "" {
		return nil, ingesterr.Newf(ingesterr.KindValidation, "sink.NewFileSink", "output directory required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, ingesterr.New(ingesterr.KindValidation, "sink.NewFileSink", err)
	}
	p := opts.Parallelism
	if p <= 0 {
		p = 4
	}
	return &FileSink{
		dir:         dir,
		parallelism: p,
		log:         opts.logger("FileSink"),
		nodes:       map[string][]*graph.NodeRecord{},
		nodeIdx:     map[string]*graph.NodeRecord{},
		relIdx:      map[graph.RelKey]*graph.RelationshipRecord{},
	}, nil
}

func (s *FileSink) UpsertNode(_ context.Context, n *graph.NodeRecord) error {
	if n == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	k := nodeKey(n.Label, n.ID)
	if cur, ok := s.nodeIdx[k]; ok {
		mergeProps(cur.Properties, n.Properties)
		return nil
	}
	cp := &graph.NodeRecord{Label: n.Label, ID: n.ID, Properties: map[string]any{}}
	mergeProps(cp.Properties, n.Properties)
	if _, ok := s.nodes[n.Label]; !ok {
		s.labels = append(s.labels, n.Label)
	}
	s.nodes[n.Label] = append(s.nodes[n.Label], cp)
	s.nodeIdx[k] = cp
	return nil
}

func (s *FileSink) UpsertRelationship(_ context.Context, r *graph.RelationshipRecord) error {
	if r == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	k := r.Key()
	if _, ok := s.relIdx[k]; ok {
		return nil
	}
	cp := *r
	cp.Properties = map[string]any{}
	mergeProps(cp.Properties, r.Properties)
	s.rels = append(s.rels, &cp)
	s.relIdx[k] = &cp
	return nil
}

// Flush is a no-op; files are written once the whole graph is known.
func (s *FileSink) Flush(context.Context) error { return nil }

func (s *FileSink) Close(ctx context.Context) (Summary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		if err := s.writeAll(ctx); err != nil {
			return s.summary(), err
		}
		s.closed = true
	}
	return s.summary(), nil
}

func (s *FileSink) summary() Summary {
	sum := Summary{
		Sink:          KindFile,
		Relationships: len(s.rels),
		NodesByLabel:  map[string]int{},
		OutputDir:     s.dir,
		Files:         append([]string(nil), s.written...),
	}
	for label, ns := range s.nodes {
		sum.NodesByLabel[label] = len(ns)
		sum.Nodes += len(ns)
	}
	sort.Strings(sum.Files)
	return sum
}

func (s *FileSink) writeAll(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.parallelism)
	var (
		mu    sync.Mutex
		files []string
	)
	done := func(name string) {
		mu.Lock()
		files = append(files, name)
		mu.Unlock()
	}
	for _, label := range s.labels {
		label, nodes := label, s.nodes[label]
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			name := NodeFileName(label)
			if err := writeNodes(filepath.Join(s.dir, name), label, nodes); err != nil {
				return err
			}
			done(name)
			return nil
		})
	}
	g.Go(func() error {
		if err := gctx.Err(); err != nil {
			return err
		}
		if err := writeRelationships(filepath.Join(s.dir, RelationshipsFile), s.rels); err != nil {
			return err
		}
		done(RelationshipsFile)
		return nil
	})
	err := g.Wait()
	s.written = files
	if err != nil {
		return ingesterr.New(ingesterr.KindSinkWrite, "sink.FileSink.Close", err)
	}
	s.log.Info("bulk import files written", "dir", s.dir, "files", len(files), "relationships", len(s.rels))
	return nil
}

func NodeFileName(label string) string { return label + "_nodes.csv" }

type column struct {
	name string
	typ  typeinfer.Type
}

// columnsOf returns property columns in first-seen order with each column's
// type generalized over every value it holds.
func columnsOf(props []map[string]any) []column {
	var cols []column
	idx := map[string]int{}
	for _, p := range props {
		keys := make([]string, 0, len(p))
		for k := range p {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			v := p[k]
			if v == nil {
				continue
			}
			t := typeinfer.TypeOf(v)
			i, ok := idx[k]
			if !ok {
				idx[k] = len(cols)
				cols = append(cols, column{name: k, typ: t})
				continue
			}
			cols[i].typ = typeinfer.Generalize(cols[i].typ, t)
		}
	}
	return cols
}

func headerType(t typeinfer.Type) string {
	switch t {
	case typeinfer.TypeInteger:
		return "int"
	case typeinfer.TypeFloat:
		return "float"
	case typeinfer.TypeBoolean:
		return "boolean"
	case typeinfer.TypeDate:
		return "date"
	case typeinfer.TypeDateTime:
		return "datetime"
	default:
		return "string"
	}
}

func cell(v any, t typeinfer.Type) string {
	if v == nil {
		return ""
	}
	if t == typeinfer.TypeFloat {
		switch x := v.(type) {
		case int64:
			return strconv.FormatFloat(float64(x), 'f', -1, 64)
		case float64:
			return strconv.FormatFloat(x, 'f', -1, 64)
		}
	}
	if t == typeinfer.TypeDateTime {
		if d, ok := v.(typeinfer.Date); ok {
			return typeinfer.NewDateTime(d.Time).String()
		}
	}
	return typeinfer.Format(v)
}

func createCSV(path string, fn func(w *csv.Writer) error) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	bw := bufio.NewWriterSize(f, 1<<20)
	w := csv.NewWriter(bw)
	if err := fn(w); err != nil {
		_ = f.Close()
		return err
	}
	w.Flush()
	if err := w.Error(); err != nil {
		_ = f.Close()
		return err
	}
	if err := bw.Flush(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func writeNodes(path, label string, nodes []*graph.NodeRecord) error {
	props := make([]map[string]any, len(nodes))
	for i, n := range nodes {
		props[i] = n.Properties
	}
	cols := columnsOf(props)
	return createCSV(path, func(w *csv.Writer) error {
		header := make([]string, 0, len(cols)+2)
		header = append(header, ":ID")
		for _, c := range cols {
			header = append(header, c.name+":"+headerType(c.typ))
		}
		header = append(header, ":LABEL")
		if err := w.Write(header); err != nil {
			return err
		}
		rec := make([]string, len(header))
		for _, n := range nodes {
			rec[0] = n.ID
			for i, c := range cols {
				rec[i+1] = cell(n.Properties[c.name], c.typ)
			}
			rec[len(rec)-1] = label
			if err := w.Write(rec); err != nil {
				return fmt.Errorf("write %s node %s: %w", label, n.ID, err)
			}
		}
		return nil
	})
}

func writeRelationships(path string, rels []*graph.RelationshipRecord) error {
	props := make([]map[string]any, len(rels))
	for i, r := range rels {
		props[i] = r.Properties
	}
	cols := columnsOf(props)
	return createCSV(path, func(w *csv.Writer) error {
		header := []string{":START_ID", ":END_ID", ":TYPE"}
		for _, c := range cols {
			header = append(header, c.name+":"+headerType(c.typ))
		}
		if err := w.Write(header); err != nil {
			return err
		}
		rec := make([]string, len(header))
		for _, r := range rels {
			rec[0], rec[1], rec[2] = r.StartID, r.EndID, r.Type
			for i, c := range cols {
				rec[i+3] = cell(r.Properties[c.name], c.typ)
			}
			if err := w.Write(rec); err != nil {
				return fmt.Errorf("write relationship %s: %w", r, err)
			}
		}
		return nil
	})
}
