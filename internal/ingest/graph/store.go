// Package graph turns rows into deduplicated node and relationship records.
package graph

import (
	"errors"
	"fmt"
)

var ErrEndpointMissing = errors.New("relationship endpoint not materialized")

type NodeRecord struct {
	Label      string
	ID         string
	Properties map[string]any
}

type NodeKey struct {
	Label string
	ID    string
}

func (n *NodeRecord) Key() NodeKey { return NodeKey{Label: n.Label, ID: n.ID} }

type RelationshipRecord struct {
	StartID    string
	StartLabel string
	EndID      string
	EndLabel   string
	Type       string
	Properties map[string]any
}

// RelKey is the per-job dedup key of a relationship.
type RelKey struct {
	StartID string
	EndID   string
	Type    string
}

func (r *RelationshipRecord) Key() RelKey {
	return RelKey{StartID: r.StartID, EndID: r.EndID, Type: r.Type}
}

func (r *RelationshipRecord) String() string {
	return fmt.Sprintf("(%s)-[:%s]->(%s)", r.StartID, r.Type, r.EndID)
}

// Store holds every record of one job in first-seen order. It is not safe for
// concurrent use; a job materializes sequentially.
type Store struct {
	nodes     map[NodeKey]*NodeRecord
	labels    map[string]string
	nodeOrder []*NodeRecord
	rels      map[RelKey]*RelationshipRecord
	relOrder  []*RelationshipRecord
}

func NewStore() *Store {
	return &Store{
		nodes:  map[NodeKey]*NodeRecord{},
		labels: map[string]string{},
		rels:   map[RelKey]*RelationshipRecord{},
	}
}

// UpsertNode creates the node on first sight and otherwise merges props into
// it, later non-null values replacing earlier ones.
func (s *Store) UpsertNode(label, id string, props map[string]any) (*NodeRecord, bool) {
	key := NodeKey{Label: label, ID: id}
	if n, ok := s.nodes[key]; ok {
		for k, v := range props {
			if v != nil {
				n.Properties[k] = v
			}
		}
		return n, false
	}
	n := &NodeRecord{Label: label, ID: id, Properties: make(map[string]any, len(props))}
	for k, v := range props {
		if v != nil {
			n.Properties[k] = v
		}
	}
	s.nodes[key] = n
	if _, ok := s.labels[id]; !ok {
		s.labels[id] = label
	}
	s.nodeOrder = append(s.nodeOrder, n)
	return n, true
}

func (s *Store) Node(label, id string) (*NodeRecord, bool) {
	n, ok := s.nodes[NodeKey{Label: label, ID: id}]
	return n, ok
}

func (s *Store) HasNode(label, id string) bool {
	_, ok := s.nodes[NodeKey{Label: label, ID: id}]
	return ok
}

// AddRelationship records rel once per (start, end, type). A repeat returns
// the first record unchanged; its properties never change after creation.
func (s *Store) AddRelationship(rel RelationshipRecord) (*RelationshipRecord, bool, error) {
	if !s.HasNode(rel.StartLabel, rel.StartID) || !s.HasNode(rel.EndLabel, rel.EndID) {
		return nil, false, fmt.Errorf("%w: %s", ErrEndpointMissing, rel.String())
	}
	key := rel.Key()
	if existing, ok := s.rels[key]; ok {
		return existing, false, nil
	}
	r := rel
	props := make(map[string]any, len(rel.Properties))
	for k, v := range rel.Properties {
		if v != nil {
			props[k] = v
		}
	}
	r.Properties = props
	s.rels[key] = &r
	s.relOrder = append(s.relOrder, &r)
	return &r, true, nil
}

// LabelOf returns the label of the first node stored under id.
func (s *Store) LabelOf(id string) (string, bool) {
	l, ok := s.labels[id]
	return l, ok
}

func (s *Store) Nodes() []*NodeRecord { return append([]*NodeRecord(nil), s.nodeOrder...) }

func (s *Store) Relationships() []*RelationshipRecord {
	return append([]*RelationshipRecord(nil), s.relOrder...)
}

func (s *Store) NodeCount() int { return len(s.nodeOrder) }

func (s *Store) RelCount() int { return len(s.relOrder) }

// NodesByLabel counts nodes per label.
func (s *Store) NodesByLabel() map[string]int {
	out := map[string]int{}
	for _, n := range s.nodeOrder {
		out[n.Label]++
	}
	return out
}
