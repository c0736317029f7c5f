package graph

import (
	"sort"
	"sync"

	"github.com/yungbote/graphingest/internal/ingest/schema"
	"github.com/yungbote/graphingest/internal/ingest/typeinfer"
)

// OwnerKind tells node labels from relationship types, which may share names.
type OwnerKind string

const (
	OwnerNode         OwnerKind = "node"
	OwnerRelationship OwnerKind = "relationship"
)

type planKey struct {
	kind     OwnerKind
	owner    string
	property string
}

// Correction is a job-local replacement of a declared property type.
type Correction struct {
	Kind     OwnerKind      `json:"kind"`
	Owner    string         `json:"owner"`
	Property string         `json:"property"`
	Declared typeinfer.Type `json:"declared"`
	Applied  typeinfer.Type `json:"applied"`
}

// TypePlan is the effective property typing for one job. It starts from the
// schema and absorbs corrections found while profiling; the schema itself is
// never modified.
type TypePlan struct {
	mu        sync.RWMutex
	declared  map[planKey]typeinfer.Type
	overrides map[planKey]typeinfer.Type
}

func NewTypePlan(s *schema.Schema) *TypePlan {
	p := &TypePlan{
		declared:  map[planKey]typeinfer.Type{},
		overrides: map[planKey]typeinfer.Type{},
	}
	if s == nil {
		return p
	}
	for _, nt := range s.Nodes {
		for _, prop := range nt.Properties {
			p.declared[planKey{OwnerNode, nt.Label, prop.Name}] = prop.Type
		}
	}
	for _, rt := range s.Relationships {
		for _, prop := range rt.Properties {
			p.declared[planKey{OwnerRelationship, rt.Type, prop.Name}] = prop.Type
		}
	}
	return p
}

// Type returns the effective type of owner.property, where owner is a node
// label or a relationship type according to kind.
func (p *TypePlan) Type(kind OwnerKind, owner, property string) typeinfer.Type {
	p.mu.RLock()
	defer p.mu.RUnlock()
	k := planKey{kind, owner, property}
	if t, ok := p.overrides[k]; ok {
		return t
	}
	if t, ok := p.declared[k]; ok {
		return t
	}
	return typeinfer.TypeString
}

func (p *TypePlan) Override(kind OwnerKind, owner, property string, t typeinfer.Type) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.overrides[planKey{kind, owner, property}] = t
}

func (p *TypePlan) Corrections() []Correction {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Correction, 0, len(p.overrides))
	for k, t := range p.overrides {
		out = append(out, Correction{Kind: k.kind, Owner: k.owner, Property: k.property, Declared: p.declared[k], Applied: t})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Kind != out[j].Kind {
			return out[i].Kind < out[j].Kind
		}
		if out[i].Owner != out[j].Owner {
			return out[i].Owner < out[j].Owner
		}
		return out[i].Property < out[j].Property
	})
	return out
}
