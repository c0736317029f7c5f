package sink

import (
	"context"
	"encoding/csv"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/yungbote/graphingest/internal/ingest/graph"
	"github.com/yungbote/graphingest/internal/ingest/ingesterr"
	"github.com/yungbote/graphingest/internal/ingest/typeinfer"
)

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

func TestFileSinkWritesBulkImportFiles(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileSink(dir, Options{})
	if err != nil {
		t.Fatalf("NewFileSink: %v", err)
	}
	ctx := context.Background()
	since := typeinfer.NewDate(time.Date(2020, 3, 1, 0, 0, 0, 0, time.UTC))
	nodes := []*graph.NodeRecord{
		{Label: "Customer", ID: "Customer-1", Properties: map[string]any{"tenure": int64(1), "charge": int64(5), "code": "A"}},
		{Label: "Customer", ID: "Customer-2", Properties: map[string]any{"tenure": int64(2), "charge": 5.5, "code": int64(7)}},
		{Label: "Contract", ID: "Contract-One year", Properties: map[string]any{"Contract": "One year"}},
		{Label: "Customer", ID: "Customer-1", Properties: map[string]any{"tenure": int64(3)}},
	}
	for _, n := range nodes {
		if err := s.UpsertNode(ctx, n); err != nil {
			t.Fatalf("UpsertNode: %v", err)
		}
	}
	rel := &graph.RelationshipRecord{StartID: "Customer-1", StartLabel: "Customer", EndID: "Contract-One year", EndLabel: "Contract", Type: "HAS_CONTRACT", Properties: map[string]any{"since": since}}
	for i := 0; i < 2; i++ {
		if err := s.UpsertRelationship(ctx, rel); err != nil {
			t.Fatalf("UpsertRelationship: %v", err)
		}
	}
	if err := s.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	sum, err := s.Close(ctx)
	if err != nil {
		t.Fatalf("Close: %v", err)
	}
	if sum.Nodes != 3 || sum.Relationships != 1 || sum.NodesByLabel["Customer"] != 2 {
		t.Fatalf("summary: %+v", sum)
	}
	wantFiles := []string{"Contract_nodes.csv", "Customer_nodes.csv", "relationships.csv"}
	if !reflect.DeepEqual(sum.Files, wantFiles) {
		t.Fatalf("files: %v", sum.Files)
	}

	got := readCSV(t, filepath.Join(dir, "Customer_nodes.csv"))
	want := [][]string{
		{":ID", "charge:float", "code:string", "tenure:int", ":LABEL"},
		{"Customer-1", "5", "A", "3", "Customer"},
		{"Customer-2", "5.5", "7", "2", "Customer"},
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("customer file:\n got %v\nwant %v", got, want)
	}

	got = readCSV(t, filepath.Join(dir, RelationshipsFile))
	want = [][]string{
		{":START_ID", ":END_ID", ":TYPE", "since:date"},
		{"Customer-1", "Contract-One year", "HAS_CONTRACT", "2020-03-01"},
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("relationships file:\n got %v\nwant %v", got, want)
	}
}

func TestFileSinkRequiresDir(t *testing.T) {
	if _, err := NewFileSink("", Options{}); ingesterr.KindOf(err) != ingesterr.KindValidation {
		t.Fatalf("err: %v", err)
	}
}

func TestNewSelectsStrategy(t *testing.T) {
	if s, err := New("file", Options{OutputDir: t.TempDir()}); err != nil {
		t.Fatalf("file: %v", err)
	} else if _, ok := s.(*FileSink); !ok {
		t.Fatalf("file sink: %T", s)
	}
	if _, err := New("neo4j", Options{}); err == nil {
		t.Fatalf("neo4j without runner should fail")
	}
	if s, err := New("neo4j", Options{Runner: &fakeRunner{}}); err != nil {
		t.Fatalf("neo4j: %v", err)
	} else if _, ok := s.(*Neo4jSink); !ok {
		t.Fatalf("neo4j sink: %T", s)
	}
	if _, err := New("parquet", Options{}); err == nil {
		t.Fatalf("unknown sink should fail")
	}
}

type fakeRunner struct {
	writes  []string
	reads   []string
	params  []map[string]any
	fail    func(q string) bool
	missing map[string]bool
}

func (f *fakeRunner) Write(_ context.Context, q string, p map[string]any) ([]map[string]any, error) {
	f.writes = append(f.writes, q)
	f.params = append(f.params, p)
	if f.fail != nil && f.fail(q) {
		return nil, errors.New("write rejected")
	}
	return nil, nil
}

func (f *fakeRunner) Read(_ context.Context, q string, p map[string]any) ([]map[string]any, error) {
	f.reads = append(f.reads, q)
	ids, _ := p["ids"].([]string)
	var out []map[string]any
	for _, id := range ids {
		if !f.missing[id] {
			out = append(out, map[string]any{"id": id})
		}
	}
	return out, nil
}

func (f *fakeRunner) count(substr string) int {
	n := 0
	for _, q := range f.writes {
		if strings.Contains(q, substr) {
			n++
		}
	}
	return n
}

func feed(t *testing.T, s GraphSink) {
	t.Helper()
	ctx := context.Background()
	for _, n := range []*graph.NodeRecord{
		{Label: "Team", ID: "Team-red", Properties: map[string]any{"team": "red"}},
		{Label: "Member", ID: "Member-O'Brien", Properties: map[string]any{"name": "O'Brien", "age": int64(31)}},
		{Label: "Member", ID: "Member-Bob", Properties: map[string]any{"name": "Bob"}},
	} {
		if err := s.UpsertNode(ctx, n); err != nil {
			t.Fatalf("UpsertNode: %v", err)
		}
	}
	for _, id := range []string{"Member-O'Brien", "Member-Bob", "Member-Bob"} {
		r := &graph.RelationshipRecord{StartID: "Team-red", StartLabel: "Team", EndID: id, EndLabel: "Member", Type: "HAS_MEMBER"}
		if err := s.UpsertRelationship(ctx, r); err != nil {
			t.Fatalf("UpsertRelationship: %v", err)
		}
	}
}

func TestNeo4jSinkBatchedWrites(t *testing.T) {
	run := &fakeRunner{}
	s := NewNeo4jSink(run, Options{})
	feed(t, s)
	if err := s.Flush(context.Background()); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if run.count("CREATE CONSTRAINT") != 2 {
		t.Fatalf("constraints: %v", run.writes)
	}
	if run.count("UNWIND $rows AS row\nMERGE (n:`Member` {id: row.id})") != 1 {
		t.Fatalf("member merge missing: %v", run.writes)
	}
	if run.count("MERGE (a)-[r:`HAS_MEMBER`]->(b)") != 1 {
		t.Fatalf("relationship merge missing: %v", run.writes)
	}
	if len(run.reads) != 2 {
		t.Fatalf("existence reads: %v", run.reads)
	}
	feed(t, s)
	sum, err := s.Close(context.Background())
	if err != nil {
		t.Fatalf("Close: %v", err)
	}
	if run.count("CREATE CONSTRAINT") != 2 {
		t.Fatalf("constraints should be created once per label")
	}
	if sum.Relationships != 2 || sum.Nodes != 6 || sum.WriteErrors != 0 {
		t.Fatalf("summary: %+v", sum)
	}
}

func TestNeo4jSinkFallsBackToLiteralWrites(t *testing.T) {
	run := &fakeRunner{fail: func(q string) bool { return strings.Contains(q, "UNWIND $rows") }}
	s := NewNeo4jSink(run, Options{})
	feed(t, s)
	sum, err := s.Close(context.Background())
	if err != nil {
		t.Fatalf("Close: %v", err)
	}
	if sum.Nodes != 3 || sum.Relationships != 2 || sum.WriteErrors != 0 {
		t.Fatalf("summary: %+v", sum)
	}
	want := "MERGE (n:`Member` {id: 'Member-O\\'Brien'}) SET n.`age` = 31, n.`name` = 'O\\'Brien'"
	if run.count(want) != 1 {
		t.Fatalf("literal node write missing; writes: %v", run.writes)
	}
	if run.count("MERGE (a:`Team` {id: 'Team-red'}) MERGE (b:`Member` {id: 'Member-Bob'}) MERGE (a)-[r:`HAS_MEMBER`]->(b)") != 1 {
		t.Fatalf("literal relationship write missing; writes: %v", run.writes)
	}
}

func TestNeo4jSinkRecordsDoubleFailure(t *testing.T) {
	issues := ingesterr.NewIssues(0)
	run := &fakeRunner{fail: func(q string) bool { return strings.Contains(q, "Member") }}
	s := NewNeo4jSink(run, Options{Issues: issues})
	feed(t, s)
	sum, err := s.Close(context.Background())
	if err != nil {
		t.Fatalf("Close: %v", err)
	}
	if sum.WriteErrors != 4 || issues.Count(ingesterr.KindSinkWrite) != 4 || issues.ErrorCount() != 4 {
		t.Fatalf("summary=%+v counts=%v", sum, issues.Counts())
	}
	if sum.NodesByLabel["Team"] != 1 {
		t.Fatalf("team write should succeed: %+v", sum)
	}
}

func TestNeo4jSinkSkipsMissingEndpoints(t *testing.T) {
	issues := ingesterr.NewIssues(0)
	run := &fakeRunner{missing: map[string]bool{"Member-Bob": true}}
	s := NewNeo4jSink(run, Options{Issues: issues})
	feed(t, s)
	sum, err := s.Close(context.Background())
	if err != nil {
		t.Fatalf("Close: %v", err)
	}
	if sum.Relationships != 1 || issues.Count(ingesterr.KindEndpointMissing) != 1 {
		t.Fatalf("summary=%+v counts=%v", sum, issues.Counts())
	}
}

func TestLiterals(t *testing.T) {
	cases := []struct {
		in   any
		want string
	}{
		{"it's", `'it\'s'`},
		{`back\slash`, `'back\\slash'`},
		{int64(-4), "-4"},
		{2.5, "2.5"},
		{float64(30), "30.0"},
		{-0.25, "-0.25"},
		{1e21, "1e21"},
		{2.5e-7, "2.5e-07"},
		{true, "true"},
		{typeinfer.NewDate(time.Date(2021, 1, 2, 0, 0, 0, 0, time.UTC)), "date('2021-01-02')"},
		{nil, "null"},
	}
	for _, tc := range cases {
		if got := Literal(tc.in); got != tc.want {
			t.Fatalf("Literal(%#v): got %s want %s", tc.in, got, tc.want)
		}
	}
	n := &graph.NodeRecord{Label: "Customer", ID: "Customer-1", Properties: map[string]any{"MonthlyCharges": float64(30)}}
	if got := NodeLiteral(n); got != "MERGE (n:`Customer` {id: 'Customer-1'}) SET n.`MonthlyCharges` = 30.0" {
		t.Fatalf("NodeLiteral: %s", got)
	}
	if QuoteIdent("we`ird") != "`we``ird`" {
		t.Fatalf("QuoteIdent: %s", QuoteIdent("we`ird"))
	}
}
