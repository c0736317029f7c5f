// Package dataset reads tabular input into immutable rows.
package dataset

import (
	"fmt"
	"strings"
)

// Header is the ordered column set shared by every row of one input.
type Header struct {
	names []string
	pos   map[string]int
	fold  map[string]int
}

func NewHeader(names []string) *Header {
	h := &Header{
		names: append([]string(nil), names...),
		pos:   make(map[string]int, len(names)),
		fold:  make(map[string]int, len(names)),
	}
	for i, n := range h.names {
		if _, ok := h.pos[n]; !ok {
			h.pos[n] = i
		}
		k := strings.ToLower(n)
		if _, ok := h.fold[k]; !ok {
			h.fold[k] = i
		}
	}
	return h
}

func (h *Header) Names() []string { return append([]string(nil), h.names...) }

func (h *Header) Len() int { return len(h.names) }

// Row is one input record. Values are string, int64, float64, bool or nil.
type Row struct {
	header *Header
	values []any
	// Line is the 1-based record number in the source, 0 when unknown.
	Line int
}

// NewRow pairs header with values; missing trailing values read as nil and
// surplus values are dropped.
func NewRow(h *Header, values []any) Row {
	vals := make([]any, h.Len())
	copy(vals, values)
	return Row{header: h, values: vals}
}

// RowOf builds a row from alternating column names and values.
func RowOf(kv ...any) Row {
	if len(kv)%2 != 0 {
		panic("dataset.RowOf: odd number of arguments")
	}
	names := make([]string, 0, len(kv)/2)
	vals := make([]any, 0, len(kv)/2)
	for i := 0; i < len(kv); i += 2 {
		names = append(names, fmt.Sprint(kv[i]))
		vals = append(vals, kv[i+1])
	}
	return NewRow(NewHeader(names), vals)
}

func (r Row) Columns() []string {
	if r.header == nil {
		return nil
	}
	return r.header.Names()
}

func (r Row) Len() int { return len(r.values) }

// At returns the column name and value at position i.
func (r Row) At(i int) (string, any) {
	return r.header.names[i], r.values[i]
}

// Get looks a column up by exact name.
func (r Row) Get(col string) (any, bool) {
	if r.header == nil {
		return nil, false
	}
	i, ok := r.header.pos[col]
	if !ok {
		return nil, false
	}
	return r.values[i], true
}

// Lookup tries the exact name first and then a case-insensitive match.
func (r Row) Lookup(col string) (any, bool) {
	if v, ok := r.Get(col); ok {
		return v, true
	}
	if r.header == nil {
		return nil, false
	}
	i, ok := r.header.fold[strings.ToLower(col)]
	if !ok {
		return nil, false
	}
	return r.values[i], true
}

// Has reports whether col exists (case-insensitively) and holds a non-null value.
func (r Row) Has(col string) bool {
	v, ok := r.Lookup(col)
	return ok && !IsNull(v)
}

// IsEmpty reports whether every value is null.
func (r Row) IsEmpty() bool {
	for _, v := range r.values {
		if !IsNull(v) {
			return false
		}
	}
	return true
}

// IsNull treats nil and blank strings as null.
func IsNull(v any) bool {
	switch x := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(x) == ""
	}
	return false
}
