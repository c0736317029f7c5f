package embedded

import (
	"testing"
	"time"

	"github.com/yungbote/graphingest/internal/ingest/cache"
	"github.com/yungbote/graphingest/internal/ingest/dataset"
	"github.com/yungbote/graphingest/internal/ingest/schema"
	"github.com/yungbote/graphingest/internal/ingest/typeinfer"
)

func TestClean(t *testing.T) {
	cases := []struct{ in, want string }{
		{`[{'name': 'Alice'}, {'name': 'Bob'}]`, `[{"name": "Alice"}, {"name": "Bob"}]`},
		{`{'ok': True, 'v': None, 'n': -1.5e3}`, `{"ok": true, "v": null, "n": -1.5e3}`},
		{`{name: Alice}`, `{"name": "Alice"}`},
		{`{“quote”: ‘it’}`, `{"quote": "it"}`},
		{`{'say': 'he said "hi"', 'it\'s': 1}`, `{"say": "he said \"hi\"", "it's": 1}`},
	}
	for _, tc := range cases {
		if got := Clean(tc.in); got != tc.want {
			t.Fatalf("Clean(%s):\n got %s\nwant %s", tc.in, got, tc.want)
		}
	}
}

func TestLooksLikeJSON(t *testing.T) {
	cases := []struct {
		in   string
		want bool
	}{
		{`{"a": 1}`, true},
		{` [1, 2]`, true},
		{`prefix "key": 1`, true},
		{`prefix 'key': 1`, true},
		{`Month-to-month`, false},
		{``, false},
		{`ratio: 3`, false},
	}
	for _, tc := range cases {
		if got := LooksLikeJSON(tc.in); got != tc.want {
			t.Fatalf("LooksLikeJSON(%q): got %v", tc.in, got)
		}
	}
}

func TestParseVariants(t *testing.T) {
	p := NewParser(nil)
	cases := []struct {
		in   string
		want int
	}{
		{`{"id": 1, "name": "x"}`, 1},
		{`[{'name': 'Alice'}, {'name': 'Bob'}]`, 2},
		{`["red", "green", "blue"]`, 3},
		{`[{name: Ann, tags: [a, b]}, {name: Bo}]`, 2},
		{`[{"name": "ok"}, {broken: "x" "y"}, {"name": "also ok"}]`, 2},
		{`[{"id": 1}, null, [{"id": 2}]]`, 2},
	}
	for _, tc := range cases {
		got, err := p.Parse(tc.in)
		if err != nil {
			t.Fatalf("Parse(%s): %v", tc.in, err)
		}
		if len(got) != tc.want {
			t.Fatalf("Parse(%s): got %d objects %v", tc.in, len(got), got)
		}
	}
	if _, err := p.Parse("just text"); err == nil {
		t.Fatalf("expected error for plain text")
	}
	if _, err := p.Parse("42"); err == nil {
		t.Fatalf("expected error for scalar")
	}
}

func TestParsePreservesNumbers(t *testing.T) {
	got, err := NewParser(nil).Parse(`{"n": 3, "f": 2.5, "b": true}`)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	obj := got[0]
	if obj["n"] != int64(3) || obj["f"] != 2.5 || obj["b"] != true {
		t.Fatalf("numbers: %#v", obj)
	}
}

func TestParseBareTimestamps(t *testing.T) {
	got, err := NewParser(nil).Parse(`{'name': 'Ann', 'joined': 2024-01-05}`)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	want := typeinfer.NewDate(time.Date(2024, 1, 5, 0, 0, 0, 0, time.UTC))
	if got[0]["joined"] != want {
		t.Fatalf("joined: %#v", got[0]["joined"])
	}

	cases := []struct {
		in   time.Time
		want any
	}{
		{time.Date(2024, 1, 5, 0, 0, 0, 0, time.UTC), want},
		{time.Date(2024, 1, 5, 10, 30, 0, 0, time.UTC), typeinfer.NewDateTime(time.Date(2024, 1, 5, 10, 30, 0, 0, time.UTC))},
		{time.Date(2024, 1, 5, 0, 0, 0, 0, time.FixedZone("CET", 3600)), typeinfer.NewDateTime(time.Date(2024, 1, 4, 23, 0, 0, 0, time.UTC))},
	}
	for _, tc := range cases {
		if got := normalize(tc.in); got != tc.want {
			t.Fatalf("normalize(%v): got %#v want %#v", tc.in, got, tc.want)
		}
	}
}

func TestParseScalarElementsBecomeNames(t *testing.T) {
	got, err := NewParser(nil).Parse(`['a', 'b']`)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if got[0]["name"] != "a" || got[1]["name"] != "b" {
		t.Fatalf("scalar elements: %v", got)
	}
}

func TestParseCache(t *testing.T) {
	c := cache.NewLRU[string, []map[string]any](4)
	p := NewParser(c)
	for i := 0; i < 3; i++ {
		if _, err := p.Parse(`[{'name': 'Alice'}]`); err != nil {
			t.Fatalf("Parse: %v", err)
		}
	}
	if _, err := p.Parse(`[{"name": "Alice"}]`); err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if c.Len() != 1 {
		t.Fatalf("equivalent inputs should share one entry, got %d", c.Len())
	}
}

const membersSchema = `{
  "nodes": [{"label": "Team", "properties": {"team": "string"}, "id_rule": "team"}],
  "relationships": [{"type": "HAS_MEMBER", "source": "Team", "target": "Member", "properties": {"role": "string"}}],
  "json_mappings": [{"source_column": "Members", "source_label": "Team", "target_label": "Member", "relationship_type": "HAS_MEMBER"}]
}`

func mustSchema(t *testing.T, doc string) *schema.Schema {
	t.Helper()
	s, err := schema.Parse("s", []byte(doc))
	if err != nil {
		t.Fatalf("schema: %v", err)
	}
	return s
}

func TestExtractMembers(t *testing.T) {
	s := mustSchema(t, membersSchema)
	x := NewExtractor(s, NewParser(nil), typeinfer.NewEngine(typeinfer.Options{Seed: 1}))
	m := s.MappingsFor("Members")[0]
	items, warns := x.Extract(SourceNode{Label: "Team", ID: "Team-red"}, m, `[{'name': 'Alice', 'role': 'lead', 'age': '31'}, {'name': 'Bob'}]`)
	if len(warns) != 0 {
		t.Fatalf("warnings: %v", warns)
	}
	if len(items) != 2 || items[0].NodeID != "Member-Alice" || items[1].NodeID != "Member-Bob" {
		t.Fatalf("items: %+v", items)
	}
	if items[0].Properties["age"] != int64(31) || items[0].Properties["name"] != "Alice" {
		t.Fatalf("inferred properties: %#v", items[0].Properties)
	}
	if items[0].RelProperties["role"] != "lead" {
		t.Fatalf("relationship properties: %#v", items[0].RelProperties)
	}
}

func TestExtractIdentityPreference(t *testing.T) {
	x := NewExtractor(nil, nil, nil)
	m := &schema.EmbeddedMapping{SourceColumn: "tags", TargetLabel: "Tag", RelationshipType: "TAGGED"}
	items, _ := x.Extract(SourceNode{Label: "Doc", ID: "Doc-1"}, m, `[{"tag_id": 7, "name": "x"}, {"title": "T"}, {"weight": 2}, {"weight": 3}]`)
	want := []string{"Tag-7", "Tag-T", "Tag-Doc-1-2", "Tag-Doc-1-3"}
	if len(items) != len(want) {
		t.Fatalf("items: %+v", items)
	}
	for i, w := range want {
		if items[i].NodeID != w {
			t.Fatalf("item %d: got %s want %s", i, items[i].NodeID, w)
		}
	}
}

func TestExtractPropertySchemaAndCastWarnings(t *testing.T) {
	m := &schema.EmbeddedMapping{
		SourceColumn: "items", TargetLabel: "Item", RelationshipType: "HAS_ITEM",
		PropertySchema: []schema.JSONProperty{
			{Key: "sku", Property: "sku", Type: typeinfer.TypeString},
			{Key: "qty", Property: "quantity", Type: typeinfer.TypeInteger},
			{Key: "meta", Property: "meta", Type: typeinfer.TypeString},
		},
	}
	x := NewExtractor(nil, nil, nil)
	items, warns := x.Extract(SourceNode{Label: "Order", ID: "Order-1"}, m, `[{"sku": "A1", "qty": "two", "meta": {"k": 1}, "ignored": 1}]`)
	if len(items) != 1 || len(warns) != 1 {
		t.Fatalf("items=%d warns=%v", len(items), warns)
	}
	props := items[0].Properties
	if props["sku"] != "A1" || props["meta"] != `{"k":1}` {
		t.Fatalf("props: %#v", props)
	}
	if _, ok := props["quantity"]; ok {
		t.Fatalf("failed cast should leave property unset")
	}
	if _, ok := props["ignored"]; ok {
		t.Fatalf("keys outside the property schema should be dropped")
	}
}

func TestExtractUnparseableIsRecoverable(t *testing.T) {
	x := NewExtractor(nil, nil, nil)
	m := &schema.EmbeddedMapping{SourceColumn: "c", TargetLabel: "T", RelationshipType: "R"}
	items, warns := x.Extract(SourceNode{Label: "S", ID: "S-1"}, m, "not json at all")
	if len(items) != 0 || len(warns) != 1 {
		t.Fatalf("items=%v warns=%v", items, warns)
	}
}

func TestAutoMappings(t *testing.T) {
	s := mustSchema(t, membersSchema)
	row := dataset.RowOf("team", "red", "Members", `[{'name': 'A'}]`, "order_items", `[{"sku": "x"}]`, "note", "plain")
	ms := AutoMappings(row, s, "Team")
	if len(ms) != 1 {
		t.Fatalf("auto mappings: %+v", ms)
	}
	m := ms[0]
	if m.SourceColumn != "order_items" || m.TargetLabel != "OrderItem" || m.RelationshipType != "HAS_ORDER_ITEM" || !m.Implicit || m.SourceLabel != "Team" {
		t.Fatalf("mapping: %+v", m)
	}
}

func TestNaming(t *testing.T) {
	for in, want := range map[string]string{"categories": "category", "boxes": "box", "status": "status", "Members": "Member", "glass": "glass"} {
		if got := Singular(in); got != want {
			t.Fatalf("Singular(%s): %s", in, got)
		}
	}
	if PascalCase("line_item") != "LineItem" || PascalCase("phoneNumber") != "PhoneNumber" {
		t.Fatalf("PascalCase")
	}
	if UpperSnake("phoneNumber") != "PHONE_NUMBER" {
		t.Fatalf("UpperSnake: %s", UpperSnake("phoneNumber"))
	}
}
