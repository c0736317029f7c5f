package sink

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j/dbtype"

	"github.com/yungbote/graphingest/internal/ingest/graph"
	"github.com/yungbote/graphingest/internal/ingest/ingesterr"
	"github.com/yungbote/graphingest/internal/ingest/typeinfer"
	"github.com/yungbote/graphingest/internal/platform/logger"
)

// Runner executes one cypher statement. *neo4jdb.Client satisfies it.
type Runner interface {
	Write(ctx context.Context, cypher string, params map[string]any) ([]map[string]any, error)
	Read(ctx context.Context, cypher string, params map[string]any) ([]map[string]any, error)
}

type relGroup struct {
	start, typ, end string
}

// Neo4jSink buffers one batch and writes it with idempotent MERGE statements.
type Neo4jSink struct {
	run    Runner
	issues *ingesterr.Issues
	log    *logger.Logger

	labels      []string
	nodes       map[string][]*graph.NodeRecord
	nodeIdx     map[string]*graph.NodeRecord
	groups      []relGroup
	rels        map[relGroup][]*graph.RelationshipRecord
	relSeen     map[graph.RelKey]bool
	constrained map[string]bool

	nodesWritten int
	relsWritten  int
	byLabel      map[string]int
	writeErrors  int
}

func NewNeo4jSink(run Runner, opts Options) *Neo4jSink {
	s := &Neo4jSink{
		run:         run,
		issues:      opts.issues(),
		log:         opts.logger("Neo4jSink"),
		relSeen:     map[graph.RelKey]bool{},
		constrained: map[string]bool{},
		byLabel:     map[string]int{},
	}
	s.reset()
	return s
}

func (s *Neo4jSink) reset() {
	s.labels = nil
	s.nodes = map[string][]*graph.NodeRecord{}
	s.nodeIdx = map[string]*graph.NodeRecord{}
	s.groups = nil
	s.rels = map[relGroup][]*graph.RelationshipRecord{}
}

func (s *Neo4jSink) UpsertNode(_ context.Context, n *graph.NodeRecord) error {
	if n == nil {
		return nil
	}
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

func (s *Neo4jSink) UpsertRelationship(_ context.Context, r *graph.RelationshipRecord) error {
	if r == nil || s.relSeen[r.Key()] {
		return nil
	}
	s.relSeen[r.Key()] = true
	g := relGroup{start: r.StartLabel, typ: r.Type, end: r.EndLabel}
	if _, ok := s.rels[g]; !ok {
		s.groups = append(s.groups, g)
	}
	cp := *r
	s.rels[g] = append(s.rels[g], &cp)
	return nil
}

// Flush writes the buffered batch: nodes per label, then relationships per
// (start label, type, end label) group. Write failures fall back to one
// literal statement per record; a record failing both ways is recorded and
// skipped.
func (s *Neo4jSink) Flush(ctx context.Context) error {
	defer s.reset()
	for _, label := range s.labels {
		if err := ctx.Err(); err != nil {
			return err
		}
		s.ensureConstraint(ctx, label)
		s.writeNodes(ctx, label, s.nodes[label])
	}
	for _, g := range s.groups {
		if err := ctx.Err(); err != nil {
			return err
		}
		s.writeRelationships(ctx, g, s.rels[g])
	}
	return nil
}

func (s *Neo4jSink) Close(ctx context.Context) (Summary, error) {
	err := s.Flush(ctx)
	byLabel := make(map[string]int, len(s.byLabel))
	for k, v := range s.byLabel {
		byLabel[k] = v
	}
	return Summary{
		Sink:          KindNeo4j,
		Nodes:         s.nodesWritten,
		Relationships: s.relsWritten,
		NodesByLabel:  byLabel,
		WriteErrors:   s.writeErrors,
	}, err
}

func (s *Neo4jSink) ensureConstraint(ctx context.Context, label string) {
	if s.constrained[label] {
		return
	}
	s.constrained[label] = true
	name := "graphingest_" + strings.ToLower(sanitizeName(label)) + "_id"
	q := fmt.Sprintf("CREATE CONSTRAINT %s IF NOT EXISTS FOR (n:%s) REQUIRE n.id IS UNIQUE", QuoteIdent(name), QuoteIdent(label))
	if _, err := s.run.Write(ctx, q, nil); err != nil {
		s.log.Warn("neo4j constraint init failed (continuing)", "label", label, "error", err)
	}
}

func (s *Neo4jSink) writeNodes(ctx context.Context, label string, nodes []*graph.NodeRecord) {
	if len(nodes) == 0 {
		return
	}
	rows := make([]map[string]any, 0, len(nodes))
	for _, n := range nodes {
		rows = append(rows, map[string]any{"id": n.ID, "props": params(n.Properties)})
	}
	q := fmt.Sprintf(`
UNWIND $rows AS row
MERGE (n:%s {id: row.id})
SET n += row.props
`, QuoteIdent(label))
	_, err := s.run.Write(ctx, q, map[string]any{"rows": rows})
	if err == nil {
		s.nodesWritten += len(nodes)
		s.byLabel[label] += len(nodes)
		return
	}
	s.log.Warn("batched node write failed, retrying per record", "label", label, "nodes", len(nodes), "error", err)
	for _, n := range nodes {
		if _, err := s.run.Write(ctx, NodeLiteral(n), nil); err != nil {
			s.writeFailed("node "+n.Label+" "+n.ID, err)
			continue
		}
		s.nodesWritten++
		s.byLabel[label]++
	}
}

func (s *Neo4jSink) writeRelationships(ctx context.Context, g relGroup, rels []*graph.RelationshipRecord) {
	if len(rels) == 0 {
		return
	}
	present, err := s.existing(ctx, g, rels)
	if err != nil {
		s.log.Warn("endpoint existence read failed", "type", g.typ, "error", err)
	}
	rows := make([]map[string]any, 0, len(rels))
	kept := make([]*graph.RelationshipRecord, 0, len(rels))
	for _, r := range rels {
		if present != nil && (!present[nodeKey(g.start, r.StartID)] || !present[nodeKey(g.end, r.EndID)]) {
			s.issues.Warn(ingesterr.KindEndpointMissing, "%s: endpoint not found in database", r)
			continue
		}
		kept = append(kept, r)
		rows = append(rows, map[string]any{"start": r.StartID, "end": r.EndID, "props": params(r.Properties)})
	}
	if len(rows) == 0 {
		return
	}
	q := fmt.Sprintf(`
UNWIND $rows AS row
MATCH (a:%s {id: row.start})
MATCH (b:%s {id: row.end})
MERGE (a)-[r:%s]->(b)
ON CREATE SET r += row.props
`, QuoteIdent(g.start), QuoteIdent(g.end), QuoteIdent(g.typ))
	if _, err = s.run.Write(ctx, q, map[string]any{"rows": rows}); err == nil {
		s.relsWritten += len(kept)
		return
	}
	s.log.Warn("batched relationship write failed, retrying per record", "type", g.typ, "relationships", len(kept), "error", err)
	for _, r := range kept {
		if _, err := s.run.Write(ctx, RelationshipLiteral(r), nil); err != nil {
			s.writeFailed("relationship "+r.String(), err)
			continue
		}
		s.relsWritten++
	}
}

// existing reads which endpoint ids of rels exist in the database. A nil map
// means the read failed and every relationship is attempted.
func (s *Neo4jSink) existing(ctx context.Context, g relGroup, rels []*graph.RelationshipRecord) (map[string]bool, error) {
	ids := map[string][]string{}
	seen := map[string]bool{}
	add := func(label, id string) {
		k := nodeKey(label, id)
		if seen[k] {
			return
		}
		seen[k] = true
		ids[label] = append(ids[label], id)
	}
	for _, r := range rels {
		add(g.start, r.StartID)
		add(g.end, r.EndID)
	}
	labels := make([]string, 0, len(ids))
	for l := range ids {
		labels = append(labels, l)
	}
	sort.Strings(labels)
	present := map[string]bool{}
	for _, label := range labels {
		q := fmt.Sprintf("UNWIND $ids AS id MATCH (n:%s {id: id}) RETURN n.id AS id", QuoteIdent(label))
		recs, err := s.run.Read(ctx, q, map[string]any{"ids": ids[label]})
		if err != nil {
			return nil, err
		}
		for _, rec := range recs {
			if id, ok := rec["id"].(string); ok {
				present[nodeKey(label, id)] = true
			}
		}
	}
	return present, nil
}

func (s *Neo4jSink) writeFailed(what string, err error) {
	s.writeErrors++
	s.issues.Record(ingesterr.New(ingesterr.KindSinkWrite, "sink.Neo4jSink", fmt.Errorf("%s: %w", what, err)))
	s.log.Error("neo4j write failed", "record", what, "error", err)
}

// params converts property values into driver parameter types.
func params(props map[string]any) map[string]any {
	out := make(map[string]any, len(props))
	for k, v := range props {
		switch x := v.(type) {
		case nil:
			continue
		case typeinfer.Date:
			out[k] = dbtype.Date(x.Time)
		case typeinfer.DateTime:
			out[k] = x.Time.UTC()
		default:
			out[k] = x
		}
	}
	return out
}

// QuoteIdent renders a label, type or property name as a backtick-quoted
// cypher identifier.
func QuoteIdent(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "``") + "`"
}

// QuoteString renders s as a single-quoted cypher string literal.
func QuoteString(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `'`, `\'`, "\n", `\n`, "\r", `\r`)
	return "'" + r.Replace(s) + "'"
}

// Literal renders a property value as a cypher literal.
func Literal(v any) string {
	switch x := v.(type) {
	case nil:
		return "null"
	case bool:
		return strconv.FormatBool(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case int:
		return strconv.Itoa(x)
	case float64:
		return floatLiteral(x)
	case typeinfer.Date:
		return "date(" + QuoteString(x.String()) + ")"
	case typeinfer.DateTime:
		return "datetime(" + QuoteString(x.String()) + ")"
	case time.Time:
		return "datetime(" + QuoteString(typeinfer.NewDateTime(x).String()) + ")"
	default:
		return QuoteString(typeinfer.Format(x))
	}
}

// floatLiteral always carries a fraction or an exponent; cypher reads a bare
// 30 as an integer.
func floatLiteral(x float64) string {
	switch {
	case math.IsNaN(x):
		return "0.0/0.0"
	case math.IsInf(x, 1):
		return "1.0/0.0"
	case math.IsInf(x, -1):
		return "-1.0/0.0"
	}
	s := strings.Replace(strconv.FormatFloat(x, 'g', -1, 64), "e+", "e", 1)
	if !strings.ContainsAny(s, ".e") {
		s += ".0"
	}
	return s
}

func setClause(variable string, props map[string]any) string {
	keys := make([]string, 0, len(props))
	for k, v := range props {
		if v != nil {
			keys = append(keys, k)
		}
	}
	if len(keys) == 0 {
		return ""
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = variable + "." + QuoteIdent(k) + " = " + Literal(props[k])
	}
	return strings.Join(parts, ", ")
}

// NodeLiteral is the parameterless MERGE used when the batched write fails.
func NodeLiteral(n *graph.NodeRecord) string {
	q := fmt.Sprintf("MERGE (n:%s {id: %s})", QuoteIdent(n.Label), QuoteString(n.ID))
	if set := setClause("n", n.Properties); set != "" {
		q += " SET " + set
	}
	return q
}

func RelationshipLiteral(r *graph.RelationshipRecord) string {
	q := fmt.Sprintf("MERGE (a:%s {id: %s}) MERGE (b:%s {id: %s}) MERGE (a)-[r:%s]->(b)",
		QuoteIdent(r.StartLabel), QuoteString(r.StartID),
		QuoteIdent(r.EndLabel), QuoteString(r.EndID),
		QuoteIdent(r.Type))
	if set := setClause("r", r.Properties); set != "" {
		q += " ON CREATE SET " + set
	}
	return q
}

func sanitizeName(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}
