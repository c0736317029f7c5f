package graph

import (
	"context"
	"errors"
	"strings"

	"github.com/yungbote/graphingest/internal/ingest/dataset"
	"github.com/yungbote/graphingest/internal/ingest/embedded"
	"github.com/yungbote/graphingest/internal/ingest/identity"
	"github.com/yungbote/graphingest/internal/ingest/ingesterr"
	"github.com/yungbote/graphingest/internal/ingest/schema"
	"github.com/yungbote/graphingest/internal/ingest/typeinfer"
	"github.com/yungbote/graphingest/internal/platform/logger"
)

type Options struct {
	Engine    *typeinfer.Engine
	Resolver  *identity.Resolver
	Extractor *embedded.Extractor
	Issues    *ingesterr.Issues
	Log       *logger.Logger
	// AutoDetectEmbedded expands JSON-looking columns no mapping covers.
	AutoDetectEmbedded bool
}

// Delta is what one batch changed.
type Delta struct {
	Nodes                []*NodeRecord
	Relationships        []*RelationshipRecord
	NodesCreated         int
	NodesUpdated         int
	RelationshipsCreated int

	touched map[NodeKey]bool
}

func newDelta() *Delta { return &Delta{touched: map[NodeKey]bool{}} }

func (d *Delta) node(n *NodeRecord, created bool) {
	if created {
		d.NodesCreated++
	} else {
		d.NodesUpdated++
	}
	if d.touched[n.Key()] {
		return
	}
	d.touched[n.Key()] = true
	d.Nodes = append(d.Nodes, n)
}

func (d *Delta) rel(r *RelationshipRecord) {
	d.RelationshipsCreated++
	d.Relationships = append(d.Relationships, r)
}

type Materializer struct {
	schema    *schema.Schema
	store     *Store
	plan      *TypePlan
	engine    *typeinfer.Engine
	resolver  *identity.Resolver
	extractor *embedded.Extractor
	issues    *ingesterr.Issues
	log       *logger.Logger
	auto      bool
	warned    map[string]bool

	// born is the job-wide row ordinal at which each node first existed;
	// rows counts rows of earlier batches.
	born map[NodeKey]int
	rows int
}

func NewMaterializer(s *schema.Schema, opts Options) *Materializer {
	if opts.Engine == nil {
		opts.Engine = typeinfer.NewEngine(typeinfer.Options{})
	}
	if opts.Resolver == nil {
		opts.Resolver = identity.New()
	}
	if opts.Extractor == nil {
		opts.Extractor = embedded.NewExtractor(s, nil, opts.Engine)
	}
	if opts.Issues == nil {
		opts.Issues = ingesterr.NewIssues(0)
	}
	if opts.Log == nil {
		opts.Log = logger.Nop()
	}
	return &Materializer{
		schema:    s,
		store:     NewStore(),
		plan:      NewTypePlan(s),
		engine:    opts.Engine,
		resolver:  opts.Resolver,
		extractor: opts.Extractor,
		issues:    opts.Issues,
		log:       opts.Log.With("component", "GraphMaterializer"),
		auto:      opts.AutoDetectEmbedded,
		warned:    map[string]bool{},
		born:      map[NodeKey]int{},
	}
}

func (m *Materializer) Store() *Store { return m.store }

func (m *Materializer) Plan() *TypePlan { return m.plan }

func (m *Materializer) Issues() *ingesterr.Issues { return m.issues }

// Profile checks every typed property against its sampled column and switches
// the job's plan to the majority type where they disagree.
func (m *Materializer) Profile(datasetID string, columns map[string][]any) []typeinfer.Mismatch {
	var out []typeinfer.Mismatch
	check := func(kind OwnerKind, owner string, props []schema.PropertySpec) {
		for _, p := range props {
			if p.Type == typeinfer.TypeString {
				continue
			}
			vals := columnFold(columns, p.SourceColumn)
			if len(vals) == 0 {
				continue
			}
			mm := m.engine.DetectTypeMismatch(datasetID, p.SourceColumn, vals, p.Type)
			if !mm.IsMismatch {
				continue
			}
			m.plan.Override(kind, owner, p.Name, mm.Recommended)
			m.issues.Warn(ingesterr.KindTypeCorrection, "%s.%s declared %s but sampled data is mostly %s; using %s",
				owner, p.Name, mm.Declared, mm.Majority, mm.Recommended)
			m.log.Info("type corrected", "owner", owner, "property", p.Name, "declared", mm.Declared, "applied", mm.Recommended)
			out = append(out, mm)
		}
	}
	for _, nt := range m.schema.Nodes {
		check(OwnerNode, nt.Label, nt.Properties)
	}
	for _, rt := range m.schema.Relationships {
		check(OwnerRelationship, rt.Type, rt.Properties)
	}
	return out
}

func columnFold(columns map[string][]any, name string) []any {
	if v, ok := columns[name]; ok {
		return v
	}
	for k, v := range columns {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return nil
}

// ProcessBatch materializes rows: one pass per node type, then declared
// relationships and embedded values row by row. A relationship only links to
// nodes that existed at or before its own row, so the result does not depend
// on how rows are split into batches. ctx is checked between passes; on
// cancellation the partial delta is returned with ctx's error.
func (m *Materializer) ProcessBatch(ctx context.Context, rows []dataset.Row) (*Delta, error) {
	d := newDelta()
	base := m.rows
	defer func() { m.rows = base + len(rows) }()
	rowNodes := make([]map[string]string, len(rows))
	for i := range rowNodes {
		rowNodes[i] = map[string]string{}
	}

	for _, nt := range m.schema.Nodes {
		if err := ctx.Err(); err != nil {
			return d, err
		}
		for i, row := range rows {
			id, ok := m.resolver.GenerateID(nt, row)
			if !ok {
				m.issues.Warn(ingesterr.KindIdentity, "row %d: no identity for %s, skipped", row.Line, nt.Label)
				continue
			}
			m.upsert(d, nt.Label, id, m.castRow(OwnerNode, nt.Label, nt.Properties, row), base+i)
			rowNodes[i][nt.Label] = id
		}
	}

	if err := ctx.Err(); err != nil {
		return d, err
	}
	for i, row := range rows {
		m.relationshipPass(row, base+i, rowNodes[i], d)
		m.embeddedPass(row, base+i, rowNodes[i], d)
	}

	m.log.Debug("batch materialized",
		"rows", len(rows),
		"nodes_created", d.NodesCreated,
		"nodes_updated", d.NodesUpdated,
		"relationships_created", d.RelationshipsCreated,
	)
	return d, nil
}

func (m *Materializer) upsert(d *Delta, label, id string, props map[string]any, at int) {
	n, created := m.store.UpsertNode(label, id, props)
	d.node(n, created)
	if b, ok := m.born[n.Key()]; !ok || at < b {
		m.born[n.Key()] = at
	}
}

// existedAt reports whether label/id was materialized at or before row at.
func (m *Materializer) existedAt(label, id string, at int) bool {
	b, ok := m.born[NodeKey{Label: label, ID: id}]
	return ok && b <= at
}

func (m *Materializer) castRow(kind OwnerKind, owner string, props []schema.PropertySpec, row dataset.Row) map[string]any {
	out := make(map[string]any, len(props))
	for _, p := range props {
		v, ok := row.Lookup(p.SourceColumn)
		if !ok || dataset.IsNull(v) {
			continue
		}
		typed, err := m.engine.Cast(v, m.plan.Type(kind, owner, p.Name))
		if err != nil {
			m.issues.Warn(ingesterr.KindCast, "row %d: %s.%s: %v", row.Line, owner, p.Name, err)
			continue
		}
		out[p.Name] = typed
	}
	return out
}

func (m *Materializer) warnOnce(key string, kind ingesterr.Kind, format string, args ...any) {
	if m.warned[key] {
		return
	}
	m.warned[key] = true
	m.issues.Warn(kind, format, args...)
}

func (m *Materializer) relationshipPass(row dataset.Row, at int, materialized map[string]string, d *Delta) {
	for _, nt := range m.schema.Nodes {
		startID, ok := materialized[nt.Label]
		if !ok {
			continue
		}
		for _, rt := range m.schema.RelationshipsFrom(nt.Label) {
			if rt.Match == schema.MatchEmbedded {
				continue
			}
			if !m.schema.HasLabel(rt.TargetLabel) {
				m.warnOnce("undeclared:"+rt.Type+":"+rt.TargetLabel, ingesterr.KindSchemaReferences,
					"relationship %s targets undeclared label %s; skipped", rt.Type, rt.TargetLabel)
				continue
			}
			endID, ok := m.resolveEndpoint(rt, row, materialized)
			if !ok {
				m.issues.Warn(ingesterr.KindEndpointMissing, "row %d: %s: no endpoint for %s", row.Line, rt.Type, rt.TargetLabel)
				continue
			}
			if !m.existedAt(rt.TargetLabel, endID, at) {
				m.issues.Warn(ingesterr.KindEndpointMissing, "row %d: %s: %s not materialized yet", row.Line, rt.Type, endID)
				continue
			}
			rec, created, err := m.store.AddRelationship(RelationshipRecord{
				StartID:    startID,
				StartLabel: nt.Label,
				EndID:      endID,
				EndLabel:   rt.TargetLabel,
				Type:       rt.Type,
				Properties: m.castRow(OwnerRelationship, rt.Type, rt.Properties, row),
			})
			if errors.Is(err, ErrEndpointMissing) {
				m.issues.Warn(ingesterr.KindEndpointMissing, "row %d: %s: %v", row.Line, rt.Type, err)
				continue
			}
			if created {
				d.rel(rec)
			}
		}
	}
}

// resolveEndpoint finds the target id by column correlation: a column named
// <target>_id, then one naming the target plus id or key, then any column
// naming the target. Only when no column correlates is the target node built
// from the same row used; a correlating column holding null resolves nothing.
func (m *Materializer) resolveEndpoint(rt *schema.RelationshipType, row dataset.Row, materialized map[string]string) (string, bool) {
	target := dataset.FoldKey(rt.TargetLabel)
	cols := row.Columns()
	folded := make([]string, len(cols))
	for i, c := range cols {
		folded[i] = dataset.FoldKey(c)
	}
	matchers := []func(string) bool{
		func(c string) bool { return c == target+"_id" },
		func(c string) bool {
			return strings.Contains(c, target) && (strings.Contains(c, "id") || strings.Contains(c, "key"))
		},
		func(c string) bool { return strings.Contains(c, target) },
	}
	correlated := false
	for _, match := range matchers {
		for i, c := range folded {
			if !match(c) {
				continue
			}
			correlated = true
			_, v := row.At(i)
			if id, ok := identity.ValueID(rt.TargetLabel, v); ok {
				return id, true
			}
		}
	}
	if correlated {
		return "", false
	}
	id, ok := materialized[rt.TargetLabel]
	return id, ok
}

func (m *Materializer) embeddedPass(row dataset.Row, at int, materialized map[string]string, d *Delta) {
	mappings := m.schema.Mappings
	if m.auto {
		if first := m.firstMaterialized(materialized); first != "" {
			mappings = append(append([]*schema.EmbeddedMapping(nil), mappings...), embedded.AutoMappings(row, m.schema, first)...)
		}
	}
	for _, mp := range mappings {
		raw, ok := row.Lookup(mp.SourceColumn)
		if !ok || dataset.IsNull(raw) {
			continue
		}
		srcLabel := mp.SourceLabel
		if srcLabel == "" {
			srcLabel = m.firstMaterialized(materialized)
		} else if !m.schema.HasLabel(srcLabel) {
			m.warnOnce("mapping:"+mp.SourceColumn, ingesterr.KindSchemaReferences,
				"json mapping on %s has undeclared source label %s; skipped", mp.SourceColumn, srcLabel)
			continue
		}
		srcID, ok := materialized[srcLabel]
		if !ok {
			continue
		}
		items, warns := m.extractor.Extract(embedded.SourceNode{Label: srcLabel, ID: srcID}, mp, raw)
		for _, w := range warns {
			m.issues.Warn(ingesterr.KindOf(w), "row %d: %s: %v", row.Line, mp.SourceColumn, w)
		}
		for _, it := range items {
			m.upsert(d, it.Label, it.NodeID, it.Properties, at)
			rec, created, err := m.store.AddRelationship(RelationshipRecord{
				StartID:    srcID,
				StartLabel: srcLabel,
				EndID:      it.NodeID,
				EndLabel:   it.Label,
				Type:       mp.RelationshipType,
				Properties: it.RelProperties,
			})
			if err != nil {
				m.issues.Warn(ingesterr.KindEndpointMissing, "row %d: %v", row.Line, err)
				continue
			}
			if created {
				d.rel(rec)
			}
		}
	}
}

func (m *Materializer) firstMaterialized(materialized map[string]string) string {
	for _, nt := range m.schema.Nodes {
		if _, ok := materialized[nt.Label]; ok {
			return nt.Label
		}
	}
	return ""
}
