// Package identity derives stable node ids from rows.
//
// Resolution runs an ordered list of strategies and the first one that
// produces a value wins. Declared schema rules come first, column heuristics
// next, and a content hash last, so any row with at least one non-null value
// gets an id. Two distinct rows with identical non-null content collapse into
// one node under the hash strategy.
package identity

import (
	"fmt"
	"strings"

	"github.com/zeebo/xxh3"

	"github.com/yungbote/graphingest/internal/ingest/dataset"
	"github.com/yungbote/graphingest/internal/ingest/schema"
	"github.com/yungbote/graphingest/internal/ingest/typeinfer"
)

type Strategy struct {
	Name    string
	Resolve func(nt *schema.NodeType, row dataset.Row) (string, bool)
}

var commonIDColumns = []string{"id", "ID", "Id", "name", "Name", "identifier", "Identifier", "key", "Key"}

func DefaultStrategies() []Strategy {
	return []Strategy{
		{Name: "composite_rule", Resolve: byCompositeRule},
		{Name: "single_rule", Resolve: bySingleRule},
		{Name: "primary_property", Resolve: byPrimaryProperty},
		{Name: "declared_property", Resolve: byDeclaredProperty},
		{Name: "common_column", Resolve: byCommonColumn},
		{Name: "id_like_column", Resolve: byIDLikeColumn},
		{Name: "content_hash", Resolve: byContentHash},
	}
}

type Resolver struct {
	strategies []Strategy
}

// New uses DefaultStrategies when none are given.
func New(strategies ...Strategy) *Resolver {
	if len(strategies) == 0 {
		strategies = DefaultStrategies()
	}
	return &Resolver{strategies: strategies}
}

var defaultResolver = New()

func GenerateID(nt *schema.NodeType, row dataset.Row) (string, bool) {
	return defaultResolver.GenerateID(nt, row)
}

func (r *Resolver) GenerateID(nt *schema.NodeType, row dataset.Row) (string, bool) {
	id, _, ok := r.Explain(nt, row)
	return id, ok
}

// Explain also reports which strategy produced the id.
func (r *Resolver) Explain(nt *schema.NodeType, row dataset.Row) (string, string, bool) {
	if nt == nil || row.IsEmpty() {
		return "", "", false
	}
	for _, s := range r.strategies {
		if id, ok := s.Resolve(nt, row); ok {
			return id, s.Name, true
		}
	}
	return "", "", false
}

// ValueID builds the id a single-value strategy would give label for v.
func ValueID(label string, v any) (string, bool) {
	s, ok := Canonical(v)
	if !ok {
		return "", false
	}
	return label + "-" + s, true
}

// Canonical renders v for use inside an id: trimmed strings, integral floats
// without a fraction.
func Canonical(v any) (string, bool) {
	if dataset.IsNull(v) {
		return "", false
	}
	s := strings.TrimSpace(typeinfer.Format(v))
	return s, s != ""
}

// propertyValue reads prop through its declared source column, then by name.
func propertyValue(nt *schema.NodeType, row dataset.Row, prop string) (string, bool) {
	for _, col := range []string{nt.ColumnFor(prop), prop} {
		if v, ok := row.Lookup(col); ok {
			if s, ok := Canonical(v); ok {
				return s, true
			}
		}
	}
	return "", false
}

func byCompositeRule(nt *schema.NodeType, row dataset.Row) (string, bool) {
	if nt.IDRule.Kind != schema.IDRuleComposite || len(nt.IDRule.Properties) == 0 {
		return "", false
	}
	parts := make([]string, 0, len(nt.IDRule.Properties))
	for _, p := range nt.IDRule.Properties {
		s, ok := propertyValue(nt, row, p)
		if !ok {
			return "", false
		}
		parts = append(parts, s)
	}
	return nt.Label + "-" + strings.Join(parts, "_"), true
}

func bySingleRule(nt *schema.NodeType, row dataset.Row) (string, bool) {
	if nt.IDRule.Kind != schema.IDRuleSingle || len(nt.IDRule.Properties) == 0 {
		return "", false
	}
	s, ok := propertyValue(nt, row, nt.IDRule.Properties[0])
	if !ok {
		return "", false
	}
	return nt.Label + "-" + s, true
}

func byPrimaryProperty(nt *schema.NodeType, row dataset.Row) (string, bool) {
	if nt.PrimaryProperty == "" {
		return "", false
	}
	s, ok := propertyValue(nt, row, nt.PrimaryProperty)
	if !ok {
		return "", false
	}
	return nt.Label + "-" + s, true
}

func byDeclaredProperty(nt *schema.NodeType, row dataset.Row) (string, bool) {
	for _, p := range nt.Properties {
		if v, ok := row.Lookup(p.Name); ok {
			if s, ok := Canonical(v); ok {
				return nt.Label + "-" + s, true
			}
		}
	}
	return "", false
}

func byCommonColumn(nt *schema.NodeType, row dataset.Row) (string, bool) {
	for _, col := range commonIDColumns {
		if v, ok := row.Get(col); ok {
			if s, ok := Canonical(v); ok {
				return nt.Label + "-" + s, true
			}
		}
	}
	return "", false
}

func byIDLikeColumn(nt *schema.NodeType, row dataset.Row) (string, bool) {
	for i := 0; i < row.Len(); i++ {
		col, v := row.At(i)
		if !strings.Contains(strings.ToLower(col), "id") {
			continue
		}
		if s, ok := Canonical(v); ok {
			return nt.Label + "-" + s, true
		}
	}
	return "", false
}

func byContentHash(nt *schema.NodeType, row dataset.Row) (string, bool) {
	h := xxh3.New()
	seen := false
	for i := 0; i < row.Len(); i++ {
		col, v := row.At(i)
		s, ok := Canonical(v)
		if !ok {
			continue
		}
		seen = true
		_, _ = h.WriteString(col)
		_, _ = h.WriteString("=")
		_, _ = h.WriteString(s)
		_, _ = h.WriteString("\x1f")
	}
	if !seen {
		return "", false
	}
	return fmt.Sprintf("%s-h%016x", nt.Label, h.Sum64()), true
}
