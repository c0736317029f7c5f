package embedded

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"unicode"

	"github.com/yungbote/graphingest/internal/ingest/dataset"
	"github.com/yungbote/graphingest/internal/ingest/identity"
	"github.com/yungbote/graphingest/internal/ingest/ingesterr"
	"github.com/yungbote/graphingest/internal/ingest/schema"
	"github.com/yungbote/graphingest/internal/ingest/typeinfer"
)

// SourceNode is the row node an embedded value hangs off.
type SourceNode struct {
	Label string
	ID    string
}

// Item is one extracted object: a target node candidate plus the properties of
// the relationship that links it to its source.
type Item struct {
	NodeID        string
	Label         string
	Properties    map[string]any
	RelProperties map[string]any
	Index         int
}

type Extractor struct {
	parser *Parser
	engine *typeinfer.Engine
	schema *schema.Schema
}

func NewExtractor(s *schema.Schema, parser *Parser, engine *typeinfer.Engine) *Extractor {
	if parser == nil {
		parser = NewParser(nil)
	}
	if engine == nil {
		engine = typeinfer.NewEngine(typeinfer.Options{})
	}
	return &Extractor{parser: parser, engine: engine, schema: s}
}

// Extract expands raw according to m. Every returned error is recoverable:
// unparseable input yields no items, failed casts leave the property null.
func (x *Extractor) Extract(src SourceNode, m *schema.EmbeddedMapping, raw any) ([]Item, []error) {
	if m == nil || dataset.IsNull(raw) {
		return nil, nil
	}
	objs, err := x.objects(raw)
	if err != nil {
		return nil, []error{ingesterr.New(ingesterr.KindCast, "embedded.Extract "+m.SourceColumn, err)}
	}
	var (
		items []Item
		warns []error
	)
	target, _ := x.schema.NodeType(m.TargetLabel)
	rel, _ := x.schema.RelationshipFor(m.RelationshipType, src.Label, m.TargetLabel)
	for i, obj := range objs {
		suffix, ok := identitySuffix(obj)
		if !ok {
			suffix = fmt.Sprintf("%s-%d", src.ID, i)
		}
		item := Item{
			NodeID: m.TargetLabel + "-" + suffix,
			Label:  m.TargetLabel,
			Index:  i,
		}
		item.Properties, warns = x.nodeProperties(m, target, obj, warns)
		if rel != nil && len(rel.Properties) > 0 {
			item.RelProperties = map[string]any{}
			for _, p := range rel.Properties {
				v, found := lookupFold(obj, p.SourceColumn)
				if !found {
					continue
				}
				warns = x.put(item.RelProperties, p.Name, v, p.Type, warns)
			}
		}
		items = append(items, item)
	}
	return items, warns
}

func (x *Extractor) objects(raw any) ([]map[string]any, error) {
	switch v := raw.(type) {
	case string:
		return x.parser.Parse(v)
	case []byte:
		return x.parser.Parse(string(v))
	case map[string]any, []any:
		return objects(normalize(v))
	default:
		return nil, ErrNotStructured
	}
}

func (x *Extractor) nodeProperties(m *schema.EmbeddedMapping, target *schema.NodeType, obj map[string]any, warns []error) (map[string]any, []error) {
	props := map[string]any{}
	switch {
	case len(m.PropertySchema) > 0:
		for _, jp := range m.PropertySchema {
			v, found := lookupFold(obj, jp.Key)
			if !found {
				continue
			}
			warns = x.put(props, jp.Property, v, jp.Type, warns)
		}
	case target != nil && len(target.Properties) > 0:
		for _, p := range target.Properties {
			v, found := lookupFold(obj, p.SourceColumn)
			if !found {
				continue
			}
			warns = x.put(props, p.Name, v, p.Type, warns)
		}
	default:
		for k, v := range obj {
			switch v.(type) {
			case map[string]any, []any:
				props[k] = compactJSON(v)
			default:
				warns = x.put(props, k, v, x.engine.Infer(v), warns)
			}
		}
	}
	return props, warns
}

func (x *Extractor) put(dst map[string]any, name string, v any, t typeinfer.Type, warns []error) []error {
	switch v.(type) {
	case map[string]any, []any:
		if t == typeinfer.TypeString {
			dst[name] = compactJSON(v)
			return warns
		}
	}
	out, err := x.engine.Cast(v, t)
	if err != nil {
		return append(warns, fmt.Errorf("property %q: %w", name, err))
	}
	if out != nil {
		dst[name] = out
	}
	return warns
}

var nameKeys = []string{"name", "title", "label"}

// identitySuffix prefers id-like keys (id, identifier, key, then *_id in key
// order) over name-like keys.
func identitySuffix(obj map[string]any) (string, bool) {
	for _, k := range []string{"id", "identifier", "key"} {
		if v, ok := lookupFold(obj, k); ok {
			if s, ok := identity.Canonical(scalar(v)); ok {
				return s, true
			}
		}
	}
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if strings.HasSuffix(strings.ToLower(k), "_id") {
			if s, ok := identity.Canonical(scalar(obj[k])); ok {
				return s, true
			}
		}
	}
	for _, k := range nameKeys {
		if v, ok := lookupFold(obj, k); ok {
			if s, ok := identity.Canonical(scalar(v)); ok {
				return s, true
			}
		}
	}
	return "", false
}

func scalar(v any) any {
	switch v.(type) {
	case map[string]any, []any:
		return nil
	}
	return v
}

func lookupFold(obj map[string]any, key string) (any, bool) {
	if v, ok := obj[key]; ok {
		return v, true
	}
	for k, v := range obj {
		if strings.EqualFold(k, key) {
			return v, true
		}
	}
	return nil, false
}

func compactJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}

// AutoMappings proposes mappings for JSON-looking columns of row that no node
// property or declared mapping reads. sourceLabel is the node the implicit
// relationships start from.
func AutoMappings(row dataset.Row, s *schema.Schema, sourceLabel string) []*schema.EmbeddedMapping {
	var out []*schema.EmbeddedMapping
	for i := 0; i < row.Len(); i++ {
		col, v := row.At(i)
		str, ok := v.(string)
		if !ok || !LooksLikeJSON(str) || s.CoversColumn(col) {
			continue
		}
		singular := Singular(col)
		out = append(out, &schema.EmbeddedMapping{
			SourceColumn:     col,
			SourceLabel:      sourceLabel,
			TargetLabel:      PascalCase(singular),
			RelationshipType: "HAS_" + UpperSnake(singular),
			Implicit:         true,
		})
	}
	return out
}

func words(s string) []string {
	var (
		out []string
		cur []rune
	)
	flush := func() {
		if len(cur) > 0 {
			out = append(out, string(cur))
			cur = cur[:0]
		}
	}
	rs := []rune(s)
	for i, r := range rs {
		switch {
		case !unicode.IsLetter(r) && !unicode.IsDigit(r):
			flush()
		case unicode.IsUpper(r) && i > 0 && unicode.IsLower(rs[i-1]):
			flush()
			cur = append(cur, r)
		default:
			cur = append(cur, r)
		}
	}
	flush()
	return out
}

func PascalCase(s string) string {
	var b strings.Builder
	for _, w := range words(s) {
		rs := []rune(strings.ToLower(w))
		rs[0] = unicode.ToUpper(rs[0])
		b.WriteString(string(rs))
	}
	return b.String()
}

func UpperSnake(s string) string {
	ws := words(s)
	for i, w := range ws {
		ws[i] = strings.ToUpper(w)
	}
	return strings.Join(ws, "_")
}

// Singular drops a simple English plural ending.
func Singular(s string) string {
	lower := strings.ToLower(s)
	switch {
	case strings.HasSuffix(lower, "ies") && len(s) > 3:
		return s[:len(s)-3] + "y"
	case strings.HasSuffix(lower, "sses"), strings.HasSuffix(lower, "xes"), strings.HasSuffix(lower, "ches"), strings.HasSuffix(lower, "shes"):
		return s[:len(s)-2]
	case strings.HasSuffix(lower, "ss"), strings.HasSuffix(lower, "us"):
		return s
	case strings.HasSuffix(lower, "s") && len(s) > 1:
		return s[:len(s)-1]
	}
	return s
}
