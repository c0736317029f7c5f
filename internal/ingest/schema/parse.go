package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/yungbote/graphingest/internal/ingest/ingesterr"
	"github.com/yungbote/graphingest/internal/ingest/typeinfer"
)

type rawSchema struct {
	Nodes            []rawNode         `json:"nodes"`
	Relationships    []rawRelationship `json:"relationships"`
	JSONMappings     []rawMapping      `json:"json_mappings"`
	EmbeddedMappings []rawMapping      `json:"embedded_mappings"`
}

type rawNode struct {
	Label           string          `json:"label"`
	Properties      object          `json:"properties"`
	IDRule          json.RawMessage `json:"id_rule"`
	PrimaryProperty string          `json:"primary_property"`
	PrimaryCamel    string          `json:"primaryProperty"`
}

type rawRelationship struct {
	Type        string `json:"type"`
	StartNode   string `json:"startNode"`
	Source      string `json:"source"`
	SourceLabel string `json:"source_label"`
	SourceCamel string `json:"sourceLabel"`
	EndNode     string `json:"endNode"`
	Target      string `json:"target"`
	TargetLabel string `json:"target_label"`
	TargetCamel string `json:"targetLabel"`
	Properties  object `json:"properties"`
	Match       string `json:"match"`
}

type rawMapping struct {
	SourceColumn      string `json:"source_column"`
	SourceColumnCamel string `json:"sourceColumn"`
	SourceLabel       string `json:"source_label"`
	SourceLabelCamel  string `json:"sourceLabel"`
	TargetLabel       string `json:"target_label"`
	TargetLabelCamel  string `json:"targetLabel"`
	RelType           string `json:"relationship_type"`
	RelTypeCamel      string `json:"relationshipType"`
	PropertySchema    object `json:"property_schema"`
	PropertyCamel     object `json:"propertySchema"`
}

type rawProperty struct {
	SourceColumn string `json:"source_column"`
	Source       string `json:"source"`
	Column       string `json:"column"`
	Type         string `json:"type"`
	UseID        bool   `json:"use_id"`
	Property     string `json:"property"`
	Name         string `json:"name"`
	Target       string `json:"target"`
}

type field struct {
	Key   string
	Value json.RawMessage
}

// object is a JSON object decoded with its key order intact.
type object []field

func (o *object) UnmarshalJSON(b []byte) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if tok == nil {
		*o = nil
		return nil
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("expected object, got %v", tok)
	}
	var out object
	for dec.More() {
		kt, err := dec.Token()
		if err != nil {
			return err
		}
		key, _ := kt.(string)
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return err
		}
		out = append(out, field{Key: key, Value: raw})
	}
	*o = out
	return nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return ""
}

func schemaErr(format string, args ...any) error {
	return ingesterr.Newf(ingesterr.KindSchema, "schema.Parse", format, args...)
}

// Parse validates a schema document and normalizes it. Structural problems
// fail with a schema_error; dangling label references are kept as warnings.
func Parse(id string, raw []byte) (*Schema, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, schemaErr("empty schema document")
	}
	var doc rawSchema
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, schemaErr("malformed schema document: %v", err)
	}
	if len(doc.Nodes) == 0 {
		return nil, schemaErr("schema declares no node types")
	}

	s := &Schema{ID: id, byLabel: map[string]*NodeType{}}
	warn := func(format string, args ...any) {
		s.Warnings = append(s.Warnings, fmt.Sprintf(format, args...))
	}

	for i, rn := range doc.Nodes {
		label := strings.TrimSpace(rn.Label)
		if label == "" {
			return nil, schemaErr("node %d: missing label", i)
		}
		if _, dup := s.byLabel[label]; dup {
			return nil, schemaErr("node %q declared more than once", label)
		}
		props, err := parseProperties("node "+label, rn.Properties, warn)
		if err != nil {
			return nil, err
		}
		rule, explicit, err := parseIDRule(rn.IDRule)
		if err != nil {
			return nil, schemaErr("node %q: %v", label, err)
		}
		if rule.Kind == IDRuleNone && !explicit {
			rule = ruleFromUseID(props)
		}
		nt := &NodeType{
			Label:           label,
			Properties:      props,
			IDRule:          rule,
			PrimaryProperty: firstNonEmpty(rn.PrimaryProperty, rn.PrimaryCamel),
		}
		s.Nodes = append(s.Nodes, nt)
		s.byLabel[label] = nt
	}

	mappings := append(doc.JSONMappings, doc.EmbeddedMappings...)
	for i, rm := range mappings {
		m := &EmbeddedMapping{
			SourceColumn:     firstNonEmpty(rm.SourceColumn, rm.SourceColumnCamel),
			SourceLabel:      firstNonEmpty(rm.SourceLabel, rm.SourceLabelCamel),
			TargetLabel:      firstNonEmpty(rm.TargetLabel, rm.TargetLabelCamel),
			RelationshipType: firstNonEmpty(rm.RelType, rm.RelTypeCamel),
		}
		switch {
		case m.SourceColumn == "":
			return nil, schemaErr("json mapping %d: missing source_column", i)
		case m.TargetLabel == "":
			return nil, schemaErr("json mapping %d: missing target_label", i)
		case m.RelationshipType == "":
			return nil, schemaErr("json mapping %d: missing relationship_type", i)
		}
		ps := rm.PropertySchema
		if len(ps) == 0 {
			ps = rm.PropertyCamel
		}
		jp, err := parsePropertySchema(m, ps, warn)
		if err != nil {
			return nil, err
		}
		m.PropertySchema = jp
		if m.SourceLabel != "" && !s.HasLabel(m.SourceLabel) {
			warn("json mapping on %q: source label %q is not a declared node type; mapping skipped", m.SourceColumn, m.SourceLabel)
		}
		s.Mappings = append(s.Mappings, m)
	}

	for i, rr := range doc.Relationships {
		rt := &RelationshipType{
			Type:        strings.TrimSpace(rr.Type),
			SourceLabel: firstNonEmpty(rr.StartNode, rr.Source, rr.SourceLabel, rr.SourceCamel),
			TargetLabel: firstNonEmpty(rr.EndNode, rr.Target, rr.TargetLabel, rr.TargetCamel),
			Match:       MatchColumn,
		}
		if rt.Type == "" {
			return nil, schemaErr("relationship %d: missing type", i)
		}
		if rt.SourceLabel == "" {
			return nil, schemaErr("relationship %q: missing sourceLabel", rt.Type)
		}
		if rt.TargetLabel == "" {
			return nil, schemaErr("relationship %q: missing targetLabel", rt.Type)
		}
		switch strings.ToLower(strings.TrimSpace(rr.Match)) {
		case "", "column":
		case "embedded", "json":
			rt.Match = MatchEmbedded
		default:
			warn("relationship %q: unknown match strategy %q, using column", rt.Type, rr.Match)
		}
		if rt.Match == MatchColumn && s.mappingCovers(rt) {
			rt.Match = MatchEmbedded
		}
		props, err := parseProperties("relationship "+rt.Type, rr.Properties, warn)
		if err != nil {
			return nil, err
		}
		rt.Properties = props
		if !s.HasLabel(rt.SourceLabel) {
			warn("relationship %q references undeclared source label %q; it will be skipped", rt.Type, rt.SourceLabel)
		}
		if !s.HasLabel(rt.TargetLabel) && rt.Match == MatchColumn {
			warn("relationship %q references undeclared target label %q; it will be skipped", rt.Type, rt.TargetLabel)
		}
		s.Relationships = append(s.Relationships, rt)
	}
	return s, nil
}

func (s *Schema) mappingCovers(rt *RelationshipType) bool {
	for _, m := range s.Mappings {
		if m.RelationshipType == rt.Type && m.TargetLabel == rt.TargetLabel &&
			(m.SourceLabel == "" || m.SourceLabel == rt.SourceLabel) {
			return true
		}
	}
	return false
}

func parseProperties(owner string, obj object, warn func(string, ...any)) ([]PropertySpec, error) {
	out := make([]PropertySpec, 0, len(obj))
	for _, f := range obj {
		name := strings.TrimSpace(f.Key)
		if name == "" {
			return nil, schemaErr("%s: property with empty name", owner)
		}
		spec := PropertySpec{Name: name, Kind: PropertySimple, SourceColumn: name}
		var typeName string
		switch v := decodeLoose(f.Value).(type) {
		case nil:
		case string:
			typeName = v
		case map[string]any:
			var rp rawProperty
			if err := json.Unmarshal(f.Value, &rp); err != nil {
				return nil, schemaErr("%s: property %q: %v", owner, name, err)
			}
			spec.Kind = PropertyDetailed
			if col := firstNonEmpty(rp.SourceColumn, rp.Source, rp.Column); col != "" {
				spec.SourceColumn = col
			}
			spec.UseID = rp.UseID
			typeName = rp.Type
		default:
			return nil, schemaErr("%s: property %q must be a type name or an object", owner, name)
		}
		t, ok := typeinfer.ParseType(typeName)
		if !ok {
			warn("%s: property %q has unknown type %q, using string", owner, name, typeName)
		}
		spec.Type = t
		out = append(out, spec)
	}
	return out, nil
}

func parsePropertySchema(m *EmbeddedMapping, obj object, warn func(string, ...any)) ([]JSONProperty, error) {
	out := make([]JSONProperty, 0, len(obj))
	for _, f := range obj {
		key := strings.TrimSpace(f.Key)
		if key == "" {
			continue
		}
		jp := JSONProperty{Key: key, Property: key}
		var typeName string
		switch v := decodeLoose(f.Value).(type) {
		case nil:
		case string:
			typeName = v
		case map[string]any:
			var rp rawProperty
			if err := json.Unmarshal(f.Value, &rp); err != nil {
				return nil, schemaErr("json mapping %q: key %q: %v", m.SourceColumn, key, err)
			}
			if p := firstNonEmpty(rp.Property, rp.Target, rp.Name); p != "" {
				jp.Property = p
			}
			typeName = rp.Type
		default:
			return nil, schemaErr("json mapping %q: key %q must be a type name or an object", m.SourceColumn, key)
		}
		t, ok := typeinfer.ParseType(typeName)
		if !ok {
			warn("json mapping %q: key %q has unknown type %q, using string", m.SourceColumn, key, typeName)
		}
		jp.Type = t
		out = append(out, jp)
	}
	return out, nil
}

func decodeLoose(raw json.RawMessage) any {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return err
	}
	return v
}

// parseIDRule accepts {"property": p}, {"properties": [...]}, {"type": "composite"
// | "single" | "none", ...}, a bare property name or a list of names. explicit
// reports that the rule itself said "none" rather than naming nothing.
func parseIDRule(raw json.RawMessage) (rule IDRule, explicit bool, err error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return IDRule{Kind: IDRuleNone}, false, nil
	}
	switch v := decodeLoose(raw).(type) {
	case string:
		name := strings.TrimSpace(v)
		if name == "" {
			return IDRule{Kind: IDRuleNone}, false, nil
		}
		if strings.EqualFold(name, "none") {
			return IDRule{Kind: IDRuleNone}, true, nil
		}
		return IDRule{Kind: IDRuleSingle, Properties: []string{name}}, false, nil
	case []any:
		return ruleFromNames(stringList(v), ""), false, nil
	case map[string]any:
		kind := strings.ToLower(strings.TrimSpace(fmt.Sprint(orEmpty(v["type"]))))
		if kind == "none" {
			return IDRule{Kind: IDRuleNone}, true, nil
		}
		var names []string
		if p, ok := v["property"].(string); ok && strings.TrimSpace(p) != "" {
			names = append(names, strings.TrimSpace(p))
		}
		if ps, ok := v["properties"].([]any); ok {
			names = append(names, stringList(ps)...)
		}
		if kind != "" && kind != "single" && kind != "composite" && kind != "property" {
			return IDRule{}, false, fmt.Errorf("unknown id_rule type %q", kind)
		}
		if (kind == "single" || kind == "composite") && len(names) == 0 {
			return IDRule{}, false, fmt.Errorf("id_rule of type %q names no properties", kind)
		}
		return ruleFromNames(names, kind), false, nil
	case error:
		return IDRule{}, false, v
	default:
		return IDRule{}, false, fmt.Errorf("id_rule must be an object, a string or a list")
	}
}

func ruleFromNames(names []string, kind string) IDRule {
	switch {
	case len(names) == 0:
		return IDRule{Kind: IDRuleNone}
	case len(names) == 1 && kind != "composite":
		return IDRule{Kind: IDRuleSingle, Properties: names}
	default:
		return IDRule{Kind: IDRuleComposite, Properties: names}
	}
}

func ruleFromUseID(props []PropertySpec) IDRule {
	var names []string
	for _, p := range props {
		if p.UseID {
			names = append(names, p.Name)
		}
	}
	return ruleFromNames(names, "")
}

func stringList(vals []any) []string {
	out := make([]string, 0, len(vals))
	for _, v := range vals {
		if s, ok := v.(string); ok && strings.TrimSpace(s) != "" {
			out = append(out, strings.TrimSpace(s))
		}
	}
	return out
}

func orEmpty(v any) any {
	if v == nil {
		return ""
	}
	return v
}
