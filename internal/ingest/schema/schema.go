// Package schema holds the parsed, immutable form of an ingestion schema
// document: node types, relationship types and embedded JSON mappings.
package schema

import (
	"strings"

	"github.com/yungbote/graphingest/internal/ingest/typeinfer"
)

type PropertyKind int

const (
	// PropertySimple was declared as a bare type name; its source column is its name.
	PropertySimple PropertyKind = iota
	// PropertyDetailed was declared as {source_column, type, use_id}.
	PropertyDetailed
)

type PropertySpec struct {
	Name         string
	Kind         PropertyKind
	SourceColumn string
	Type         typeinfer.Type
	UseID        bool
}

type IDRuleKind string

const (
	IDRuleNone      IDRuleKind = "none"
	IDRuleSingle    IDRuleKind = "single"
	IDRuleComposite IDRuleKind = "composite"
)

// IDRule names the node properties whose values form the node identity.
type IDRule struct {
	Kind       IDRuleKind
	Properties []string
}

type NodeType struct {
	Label           string
	Properties      []PropertySpec
	IDRule          IDRule
	PrimaryProperty string
}

// Property returns the property declared under name.
func (nt *NodeType) Property(name string) (PropertySpec, bool) {
	if nt == nil {
		return PropertySpec{}, false
	}
	for _, p := range nt.Properties {
		if p.Name == name {
			return p, true
		}
	}
	return PropertySpec{}, false
}

// ColumnFor maps a property name to the row column it is read from. Names not
// declared as properties are taken to be column names.
func (nt *NodeType) ColumnFor(name string) string {
	if p, ok := nt.Property(name); ok && p.SourceColumn != "" {
		return p.SourceColumn
	}
	return name
}

type MatchStrategy string

const (
	MatchColumn   MatchStrategy = "column"
	MatchEmbedded MatchStrategy = "embedded"
)

type RelationshipType struct {
	Type        string
	SourceLabel string
	TargetLabel string
	Properties  []PropertySpec
	Match       MatchStrategy
}

// JSONProperty maps a key inside an embedded object to a target property.
type JSONProperty struct {
	Key      string
	Property string
	Type     typeinfer.Type
}

type EmbeddedMapping struct {
	SourceColumn     string
	SourceLabel      string
	TargetLabel      string
	RelationshipType string
	PropertySchema   []JSONProperty
	// Implicit marks mappings discovered from the data rather than declared.
	Implicit bool
}

// Schema is immutable once parsed.
type Schema struct {
	ID            string
	Nodes         []*NodeType
	Relationships []*RelationshipType
	Mappings      []*EmbeddedMapping
	Warnings      []string

	byLabel map[string]*NodeType
}

func (s *Schema) NodeType(label string) (*NodeType, bool) {
	if s == nil {
		return nil, false
	}
	nt, ok := s.byLabel[label]
	return nt, ok
}

func (s *Schema) HasLabel(label string) bool {
	_, ok := s.NodeType(label)
	return ok
}

func (s *Schema) Labels() []string {
	if s == nil {
		return nil
	}
	out := make([]string, 0, len(s.Nodes))
	for _, nt := range s.Nodes {
		out = append(out, nt.Label)
	}
	return out
}

// RelationshipsFrom lists relationship types whose source is label, in
// declaration order.
func (s *Schema) RelationshipsFrom(label string) []*RelationshipType {
	if s == nil {
		return nil
	}
	var out []*RelationshipType
	for _, rt := range s.Relationships {
		if rt.SourceLabel == label {
			out = append(out, rt)
		}
	}
	return out
}

func (s *Schema) RelationshipByType(typ string) (*RelationshipType, bool) {
	if s == nil {
		return nil, false
	}
	for _, rt := range s.Relationships {
		if rt.Type == typ {
			return rt, true
		}
	}
	return nil, false
}

// RelationshipFor finds the declared relationship matching all three parts.
func (s *Schema) RelationshipFor(typ, source, target string) (*RelationshipType, bool) {
	if s == nil {
		return nil, false
	}
	for _, rt := range s.Relationships {
		if rt.Type == typ && rt.SourceLabel == source && rt.TargetLabel == target {
			return rt, true
		}
	}
	return nil, false
}

// Resolvable reports whether both endpoint labels are declared node types.
func (s *Schema) Resolvable(rt *RelationshipType) bool {
	return rt != nil && s.HasLabel(rt.SourceLabel) && s.HasLabel(rt.TargetLabel)
}

// MappingsFor returns the mappings reading column, matched case-insensitively.
func (s *Schema) MappingsFor(column string) []*EmbeddedMapping {
	if s == nil {
		return nil
	}
	var out []*EmbeddedMapping
	for _, m := range s.Mappings {
		if strings.EqualFold(m.SourceColumn, column) {
			out = append(out, m)
		}
	}
	return out
}

// CoversColumn reports whether column is read by any node property or mapping.
func (s *Schema) CoversColumn(column string) bool {
	if s == nil {
		return false
	}
	if len(s.MappingsFor(column)) > 0 {
		return true
	}
	for _, nt := range s.Nodes {
		for _, p := range nt.Properties {
			if strings.EqualFold(p.SourceColumn, column) {
				return true
			}
		}
	}
	for _, rt := range s.Relationships {
		for _, p := range rt.Properties {
			if strings.EqualFold(p.SourceColumn, column) {
				return true
			}
		}
	}
	return false
}
